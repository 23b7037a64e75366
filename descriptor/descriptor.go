// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package descriptor wraps a compiled miniscript into a pay-to-witness-script-hash
output descriptor.

A descriptor has the text form

	wsh(<miniscript>)#<checksum>

where the checksum is the 8 character code of BIP-380. Keys inside the
miniscript are either fixed compressed public keys or extended public keys
that may end in a wildcard, in which case every derivation index yields a
different witness script and address.
*/
package descriptor

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vnprc/rob-script/miniscript"
)

// Descriptor is a wsh() output descriptor over a miniscript.
type Descriptor struct {
	ms       *miniscript.AST
	net      *chaincfg.Params
	keys     map[string]*Key
	wildcard bool
	text     string
}

// New creates the wsh() descriptor of a miniscript for a network. Every key
// of the miniscript must parse and belong to the network.
func New(ms *miniscript.AST, net *chaincfg.Params) (*Descriptor, error) {
	d := &Descriptor{
		ms:   ms,
		net:  net,
		keys: make(map[string]*Key),
	}

	for _, expr := range ms.Keys() {
		if _, ok := d.keys[expr]; ok {
			continue
		}

		key, err := ParseKey(expr)
		if err != nil {
			return nil, err
		}
		if !key.IsForNet(net) {
			str := fmt.Sprintf("key %s is not for network %s",
				expr, net.Name)
			return nil, descError(ErrNetworkMismatch, str)
		}

		d.keys[expr] = key
		d.wildcard = d.wildcard || key.HasWildcard()
	}

	text, err := AddChecksum("wsh(" + ms.String() + ")")
	if err != nil {
		return nil, err
	}
	d.text = text

	// The first script proves every key derives.
	if _, err := d.ScriptAt(0); err != nil {
		return nil, err
	}

	log.Debugf("Created descriptor %s (wildcard %v)", d.text, d.wildcard)
	return d, nil
}

// Parse parses a descriptor of the form wsh(<miniscript>)#<checksum>.
func Parse(s string, net *chaincfg.Params) (*Descriptor, error) {
	desc, err := Validate(s)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(desc, "wsh(") || !strings.HasSuffix(desc, ")") {
		str := fmt.Sprintf("descriptor %q is not wsh()", desc)
		return nil, descError(ErrInvalidKey, str)
	}

	ms, err := miniscript.Parse(desc[len("wsh(") : len(desc)-1])
	if err != nil {
		return nil, err
	}
	return New(ms, net)
}

// String returns the descriptor with its checksum.
func (d *Descriptor) String() string {
	return d.text
}

// Miniscript returns the miniscript of the descriptor.
func (d *Descriptor) Miniscript() *miniscript.AST {
	return d.ms
}

// HasWildcard reports whether any key of the descriptor ends in a wildcard.
// A descriptor without one produces the same script at every index.
func (d *Descriptor) HasWildcard() bool {
	return d.wildcard
}

// ScriptAt returns the witness script at a derivation index.
func (d *Descriptor) ScriptAt(index uint32) ([]byte, error) {
	return d.ms.Script(func(expr string) ([]byte, error) {
		key, ok := d.keys[expr]
		if !ok {
			str := fmt.Sprintf("key %s is not part of the "+
				"descriptor", expr)
			return nil, descError(ErrInvalidKey, str)
		}
		return key.PubKeyAt(index)
	})
}

// AddressAt returns the P2WSH address at a derivation index.
func (d *Descriptor) AddressAt(index uint32) (btcutil.Address, error) {
	script, err := d.ScriptAt(index)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressWitnessScriptHash(chainhash.HashB(script),
		d.net)
}

// ScriptPubKeyAt returns the output script paying to the address at a
// derivation index.
func (d *Descriptor) ScriptPubKeyAt(index uint32) ([]byte, error) {
	addr, err := d.AddressAt(index)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
