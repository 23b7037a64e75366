// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/lru"
	"github.com/vnprc/rob-script/descriptor"
	"github.com/vnprc/rob-script/electrum"
	"github.com/vnprc/rob-script/walletdb"
)

const (
	// DefaultGapLimit is the number of consecutive unused indexes after
	// which a branch is considered fully scanned.
	DefaultGapLimit = 20

	// defaultTxCacheSize is the number of transaction hashes remembered
	// as already fetched.
	defaultTxCacheSize = 1000
)

// Ledger is the chain index the wallet syncs against. It is satisfied by
// *electrum.Client.
type Ledger interface {
	// ScriptHashGetHistory returns the transactions touching the output
	// script with the Electrum script hash.
	ScriptHashGetHistory(ctx context.Context,
		scriptHash string) ([]*electrum.History, error)

	// TransactionGet returns the serialized transaction.
	TransactionGet(ctx context.Context, txid *chainhash.Hash) ([]byte,
		error)
}

// Config holds the wallet parameters.
type Config struct {
	// GapLimit is the number of consecutive unused indexes scanned past
	// the last used one. Zero means DefaultGapLimit.
	GapLimit uint32

	// IncludeRaw adds the serialized transaction to TxDetails.
	IncludeRaw bool
}

// Balance is the value of the unspent outputs of the wallet.
type Balance struct {
	Confirmed   btcutil.Amount `json:"confirmed" yaml:"confirmed"`
	Unconfirmed btcutil.Amount `json:"unconfirmed" yaml:"unconfirmed"`
	Total       btcutil.Amount `json:"total" yaml:"total"`
}

// TxDetails describes a wallet transaction. Received is the value of the
// outputs paying to the wallet and Sent the value of the wallet outputs it
// spends. Fee is only known when every spent output is a wallet transaction.
type TxDetails struct {
	TxID      string          `json:"txid" yaml:"txid"`
	Height    int32           `json:"height" yaml:"height"`
	Received  btcutil.Amount  `json:"received" yaml:"received"`
	Sent      btcutil.Amount  `json:"sent" yaml:"sent"`
	Fee       *btcutil.Amount `json:"fee,omitempty" yaml:"fee,omitempty"`
	Confirmed bool            `json:"confirmed" yaml:"confirmed"`
	Raw       string          `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// Wallet is a watch-only wallet over an external and an internal
// descriptor.
type Wallet struct {
	external *descriptor.Descriptor
	internal *descriptor.Descriptor
	db       *walletdb.DB
	ledger   Ledger
	cfg      Config

	// fetched holds the hashes of transactions already stored, so a
	// transaction touching several scripts is downloaded once.
	fetched lru.Cache
}

// New creates a wallet. The database is expected to be empty or to belong
// to the same descriptors.
func New(external, internal *descriptor.Descriptor, db *walletdb.DB,
	ledger Ledger, cfg Config) *Wallet {

	if cfg.GapLimit == 0 {
		cfg.GapLimit = DefaultGapLimit
	}
	return &Wallet{
		external: external,
		internal: internal,
		db:       db,
		ledger:   ledger,
		cfg:      cfg,
		fetched:  lru.NewCache(defaultTxCacheSize),
	}
}

func (w *Wallet) descriptor(branch walletdb.Branch) *descriptor.Descriptor {
	if branch == walletdb.Internal {
		return w.internal
	}
	return w.external
}

// syncState is the bookkeeping of a single Sync.
type syncState struct {
	// scanned maps the script hashes queried so far to whether they have
	// history.
	scanned map[string]bool

	// seen holds every transaction reported by the ledger.
	seen map[chainhash.Hash]struct{}
}

// Sync scans both branches against the ledger and stores every transaction
// touching the wallet. A wildcard branch is scanned until GapLimit
// consecutive indexes have no history, a branch without wildcard only at
// index 0. Transactions the ledger no longer reports are dropped, so calling
// Sync again against an unchanged ledger leaves the wallet unchanged.
func (w *Wallet) Sync(ctx context.Context) error {
	state := &syncState{
		scanned: make(map[string]bool),
		seen:    make(map[chainhash.Hash]struct{}),
	}

	for _, branch := range []walletdb.Branch{walletdb.External,
		walletdb.Internal} {

		if err := w.syncBranch(ctx, state, branch); err != nil {
			return err
		}
	}

	var stale []chainhash.Hash
	err := w.db.ForEachTx(func(rec *walletdb.TxRecord) error {
		if _, ok := state.seen[rec.Hash]; !ok {
			stale = append(stale, rec.Hash)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range stale {
		log.Debugf("Dropping transaction %v no longer reported", stale[i])
		if err := w.db.DeleteTx(&stale[i]); err != nil {
			return err
		}
		w.fetched.Delete(stale[i])
	}

	log.Infof("Synced wallet: %d scripts queried, %d transactions",
		len(state.scanned), len(state.seen))
	return nil
}

func (w *Wallet) syncBranch(ctx context.Context, state *syncState,
	branch walletdb.Branch) error {

	desc := w.descriptor(branch)

	var unused uint32
	for index := uint32(0); ; index++ {
		pkScript, err := desc.ScriptPubKeyAt(index)
		if err != nil {
			return err
		}

		// A script shared by both branches keeps the branch it was
		// first derived on.
		_, _, known, err := w.db.FetchScript(pkScript)
		if err != nil {
			return err
		}
		if !known {
			err := w.db.PutScript(pkScript, branch, index)
			if err != nil {
				return err
			}
		}

		used, err := w.scanScript(ctx, state, pkScript)
		if err != nil {
			return err
		}
		if used {
			unused = 0
			if err := w.db.PutLastUsed(branch, index); err != nil {
				return err
			}
		} else {
			unused++
		}

		if !desc.HasWildcard() || unused >= w.cfg.GapLimit {
			log.Debugf("Scanned %v branch up to index %d", branch,
				index)
			return nil
		}
	}
}

// scanScript fetches the history of an output script and stores its
// transactions. It reports whether the script has any history.
func (w *Wallet) scanScript(ctx context.Context, state *syncState,
	pkScript []byte) (bool, error) {

	scriptHash := electrum.ScriptHash(pkScript)
	if used, ok := state.scanned[scriptHash]; ok {
		return used, nil
	}

	history, err := w.ledger.ScriptHashGetHistory(ctx, scriptHash)
	if err != nil {
		return false, err
	}
	state.scanned[scriptHash] = len(history) > 0

	for _, entry := range history {
		txid, err := chainhash.NewHashFromStr(entry.TxHash)
		if err != nil {
			return false, fmt.Errorf("ledger returned malformed "+
				"txid %q: %w", entry.TxHash, err)
		}
		state.seen[*txid] = struct{}{}

		if err := w.storeTx(ctx, txid, entry.Height); err != nil {
			return false, err
		}
	}
	return len(history) > 0, nil
}

// storeTx stores a transaction at its current height, downloading it unless
// it was stored before.
func (w *Wallet) storeTx(ctx context.Context, txid *chainhash.Hash,
	height int32) error {

	if w.fetched.Contains(*txid) {
		rec, err := w.db.FetchTx(txid)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.Height == height {
				return nil
			}
			rec.Height = height
			return w.db.PutTx(rec)
		}
	}

	raw, err := w.ledger.TransactionGet(ctx, txid)
	if err != nil {
		return err
	}

	// The ledger is not trusted to return the transaction asked for.
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("ledger returned malformed transaction "+
			"%v: %w", txid, err)
	}
	if got := tx.TxHash(); got != *txid {
		return fmt.Errorf("ledger returned transaction %v for %v", got,
			txid)
	}

	err = w.db.PutTx(&walletdb.TxRecord{
		Hash:   *txid,
		Height: height,
		Raw:    raw,
	})
	if err != nil {
		return err
	}
	w.fetched.Add(*txid)
	return nil
}

// walletTx is a stored transaction decoded for accounting.
type walletTx struct {
	rec *walletdb.TxRecord
	tx  *wire.MsgTx
}

func (w *Wallet) loadTxs() (map[chainhash.Hash]*walletTx, error) {
	txs := make(map[chainhash.Hash]*walletTx)
	err := w.db.ForEachTx(func(rec *walletdb.TxRecord) error {
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(rec.Raw)); err != nil {
			return fmt.Errorf("stored transaction %v is malformed: "+
				"%w", rec.Hash, err)
		}
		txs[rec.Hash] = &walletTx{rec: rec, tx: &tx}
		return nil
	})
	return txs, err
}

func (w *Wallet) isMine(pkScript []byte) (bool, error) {
	_, _, ok, err := w.db.FetchScript(pkScript)
	return ok, err
}

// Balance returns the value of the wallet outputs not spent by any wallet
// transaction. Outputs of unconfirmed transactions are unconfirmed.
func (w *Wallet) Balance() (Balance, error) {
	txs, err := w.loadTxs()
	if err != nil {
		return Balance{}, err
	}

	spent := make(map[wire.OutPoint]struct{})
	for _, wtx := range txs {
		for _, txIn := range wtx.tx.TxIn {
			spent[txIn.PreviousOutPoint] = struct{}{}
		}
	}

	var balance Balance
	for hash, wtx := range txs {
		for i, txOut := range wtx.tx.TxOut {
			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			if _, ok := spent[op]; ok {
				continue
			}
			mine, err := w.isMine(txOut.PkScript)
			if err != nil {
				return Balance{}, err
			}
			if !mine {
				continue
			}

			value := btcutil.Amount(txOut.Value)
			if wtx.rec.Height > 0 {
				balance.Confirmed += value
			} else {
				balance.Unconfirmed += value
			}
		}
	}
	balance.Total = balance.Confirmed + balance.Unconfirmed
	return balance, nil
}

// Transactions returns the wallet transactions ordered by confirmation
// height, unconfirmed ones last, then by txid.
func (w *Wallet) Transactions() ([]TxDetails, error) {
	txs, err := w.loadTxs()
	if err != nil {
		return nil, err
	}

	details := make([]TxDetails, 0, len(txs))
	for hash, wtx := range txs {
		d := TxDetails{
			TxID:      hash.String(),
			Height:    wtx.rec.Height,
			Confirmed: wtx.rec.Height > 0,
		}
		if w.cfg.IncludeRaw {
			d.Raw = hex.EncodeToString(wtx.rec.Raw)
		}

		var outputs btcutil.Amount
		for _, txOut := range wtx.tx.TxOut {
			outputs += btcutil.Amount(txOut.Value)
			mine, err := w.isMine(txOut.PkScript)
			if err != nil {
				return nil, err
			}
			if mine {
				d.Received += btcutil.Amount(txOut.Value)
			}
		}

		var inputs btcutil.Amount
		allKnown := true
		for _, txIn := range wtx.tx.TxIn {
			prevOut := txIn.PreviousOutPoint
			prev, ok := txs[prevOut.Hash]
			if !ok || int(prevOut.Index) >= len(prev.tx.TxOut) {
				allKnown = false
				continue
			}

			txOut := prev.tx.TxOut[prevOut.Index]
			inputs += btcutil.Amount(txOut.Value)
			mine, err := w.isMine(txOut.PkScript)
			if err != nil {
				return nil, err
			}
			if mine {
				d.Sent += btcutil.Amount(txOut.Value)
			}
		}
		if allKnown && len(wtx.tx.TxIn) > 0 {
			fee := inputs - outputs
			d.Fee = &fee
		}

		details = append(details, d)
	}

	sort.Slice(details, func(i, j int) bool {
		a, b := details[i], details[j]
		if a.Confirmed != b.Confirmed {
			return a.Confirmed
		}
		if a.Confirmed && a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.TxID < b.TxID
	})
	return details, nil
}

// NewAddresses returns n receiving addresses starting right after the last
// used external index. A descriptor without wildcard has a single address,
// which is returned n times.
func (w *Wallet) NewAddresses(n int) ([]string, error) {
	start, used, err := w.db.FetchLastUsed(walletdb.External)
	if err != nil {
		return nil, err
	}
	if used {
		start++
	}

	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		addr, err := w.external.AddressAt(start + uint32(i))
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr.String())
	}
	return addrs, nil
}

// LastUnusedAddress returns the first receiving address after the last used
// external index.
func (w *Wallet) LastUnusedAddress() (string, error) {
	addrs, err := w.NewAddresses(1)
	if err != nil {
		return "", err
	}
	return addrs[0], nil
}
