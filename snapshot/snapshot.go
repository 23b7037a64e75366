// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package snapshot builds and writes the wallet snapshot.

A snapshot is produced in fixed steps, each of which aborts the run on
failure: the policy templates of the input are resolved, both branch
policies are compiled and wrapped into descriptors, the wallet is synced
against the ledger, fresh receiving addresses are derived, and both
condition trees are serialized. Nothing is written unless every step
succeeds.
*/
package snapshot

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/davecgh/go-spew/spew"
	"github.com/vnprc/rob-script/descriptor"
	"github.com/vnprc/rob-script/miniscript"
	"github.com/vnprc/rob-script/policy"
	"github.com/vnprc/rob-script/policytree"
	"github.com/vnprc/rob-script/template"
	"github.com/vnprc/rob-script/wallet"
	"github.com/vnprc/rob-script/walletdb"
)

const (
	// DefaultAddressCount is the number of receiving addresses in a
	// snapshot.
	DefaultAddressCount = 10
)

// Config holds the parameters of a run.
type Config struct {
	// Net is the network of the descriptors and addresses. Nil means
	// testnet3.
	Net *chaincfg.Params

	// AddressCount is the number of fresh receiving addresses. Zero
	// means DefaultAddressCount.
	AddressCount int

	// GapLimit is handed to the wallet sync. Zero means
	// wallet.DefaultGapLimit.
	GapLimit uint32

	// Offline skips the ledger. The snapshot then has a zero balance, no
	// transactions and addresses starting at index 0.
	Offline bool

	// IncludeRaw adds the serialized transactions to the snapshot.
	IncludeRaw bool
}

// Snapshot is the wallet state and policy introspection of one run. The
// field order is the order of the encoded document.
type Snapshot struct {
	Balance            wallet.Balance     `json:"balance" yaml:"balance"`
	Transactions       []wallet.TxDetails `json:"transactions" yaml:"transactions"`
	ExternalPolicy     *policytree.Node   `json:"external_policy" yaml:"external_policy"`
	InternalPolicy     *policytree.Node   `json:"internal_policy" yaml:"internal_policy"`
	Addresses          []string           `json:"addresses" yaml:"addresses"`
	ExternalDescriptor string             `json:"external_descriptor" yaml:"external_descriptor"`
	InternalDescriptor string             `json:"internal_descriptor" yaml:"internal_descriptor"`
}

// compileBranch compiles the resolved policy of a branch into its
// miniscript and descriptor.
func compileBranch(branch, resolved string,
	net *chaincfg.Params) (*miniscript.AST, *descriptor.Descriptor, error) {

	stage := "compile " + branch + " policy"
	ms, err := policy.CompileString(resolved)
	if err != nil {
		return nil, nil, stageError(ErrCompilation, stage, err)
	}

	desc, err := descriptor.New(ms, net)
	if err != nil {
		return nil, nil, stageError(ErrCompilation, stage, err)
	}

	log.Infof("Compiled %s policy to %s", branch, desc)
	return ms, desc, nil
}

// Compiled holds both branches of an input after they were resolved and
// compiled. Nothing has touched the ledger yet.
type Compiled struct {
	cfg Config

	externalMs, internalMs     *miniscript.AST
	externalDesc, internalDesc *descriptor.Descriptor
}

// Compile resolves the policy templates of the input and compiles both
// branches into descriptors. Any failure is returned as an Error of kind
// ErrInput, ErrTemplate or ErrCompilation.
func Compile(cfg Config, input *template.Input) (*Compiled, error) {
	if cfg.Net == nil {
		cfg.Net = &chaincfg.TestNet3Params
	}
	if cfg.AddressCount <= 0 {
		cfg.AddressCount = DefaultAddressCount
	}

	externalPolicy, internalPolicy, err := input.Resolve()
	if err != nil {
		return nil, inputError("resolve policy", err)
	}

	c := &Compiled{cfg: cfg}
	c.externalMs, c.externalDesc, err = compileBranch("external",
		externalPolicy, cfg.Net)
	if err != nil {
		return nil, err
	}
	c.internalMs, c.internalDesc, err = compileBranch("internal",
		internalPolicy, cfg.Net)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Build runs every step of a snapshot against the ledger. The ledger is
// not used when cfg.Offline is set and may be nil then. Any failure is
// returned as an Error.
func Build(ctx context.Context, cfg Config, input *template.Input,
	ledger wallet.Ledger) (*Snapshot, error) {

	c, err := Compile(cfg, input)
	if err != nil {
		return nil, err
	}
	return c.Build(ctx, ledger)
}

// Build syncs the compiled wallet against the ledger and assembles the
// snapshot.
func (c *Compiled) Build(ctx context.Context,
	ledger wallet.Ledger) (*Snapshot, error) {

	cfg := c.cfg
	externalDesc, internalDesc := c.externalDesc, c.internalDesc

	db, err := walletdb.New()
	if err != nil {
		return nil, stageError(ErrNetwork, "open wallet", err)
	}
	defer db.Close()

	w := wallet.New(externalDesc, internalDesc, db, ledger, wallet.Config{
		GapLimit:   cfg.GapLimit,
		IncludeRaw: cfg.IncludeRaw,
	})

	if cfg.Offline {
		log.Infof("Offline, skipping wallet sync")
	} else {
		if ledger == nil {
			return nil, stageError(ErrNetwork, "sync wallet",
				errors.New("no ledger configured"))
		}
		if err := w.Sync(ctx); err != nil {
			return nil, stageError(ErrNetwork, "sync wallet", err)
		}
	}

	balance, err := w.Balance()
	if err != nil {
		return nil, stageError(ErrNetwork, "read balance", err)
	}
	txs, err := w.Transactions()
	if err != nil {
		return nil, stageError(ErrNetwork, "read transactions", err)
	}

	if !externalDesc.HasWildcard() {
		log.Infof("External descriptor has no wildcard, every "+
			"address is %s", externalDesc)
	}
	addrs, err := w.NewAddresses(cfg.AddressCount)
	if err != nil {
		return nil, stageError(ErrNetwork, "derive addresses", err)
	}

	snap := &Snapshot{
		Balance:            balance,
		Transactions:       txs,
		ExternalPolicy:     policytree.Serialize(c.externalMs),
		InternalPolicy:     policytree.Serialize(c.internalMs),
		Addresses:          addrs,
		ExternalDescriptor: externalDesc.String(),
		InternalDescriptor: internalDesc.String(),
	}

	log.Infof("Built snapshot: balance %v, %d transactions",
		balance.Total, len(txs))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(snap)
	}))
	return snap, nil
}
