// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
	"github.com/vnprc/rob-script/descriptor"
	"github.com/vnprc/rob-script/electrum"
	"github.com/vnprc/rob-script/miniscript"
	"github.com/vnprc/rob-script/walletdb"
)

var netParams = &chaincfg.RegressionNetParams

// fakeLedger serves history and transactions from memory and counts the
// requests it gets.
type fakeLedger struct {
	history map[string][]*electrum.History
	txs     map[chainhash.Hash][]byte
	err     error

	historyCalls int
	txCalls      int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		history: make(map[string][]*electrum.History),
		txs:     make(map[chainhash.Hash][]byte),
	}
}

func (l *fakeLedger) ScriptHashGetHistory(_ context.Context,
	scriptHash string) ([]*electrum.History, error) {

	l.historyCalls++
	if l.err != nil {
		return nil, l.err
	}
	return l.history[scriptHash], nil
}

func (l *fakeLedger) TransactionGet(_ context.Context,
	txid *chainhash.Hash) ([]byte, error) {

	l.txCalls++
	raw, ok := l.txs[*txid]
	if !ok {
		return nil, errors.New("unknown transaction")
	}
	return raw, nil
}

// addTx makes the ledger report tx at height for every listed script.
func (l *fakeLedger) addTx(t *testing.T, tx *wire.MsgTx, height int32,
	pkScripts ...[]byte) {

	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	txid := tx.TxHash()
	l.txs[txid] = buf.Bytes()

	for _, pkScript := range pkScripts {
		hash := electrum.ScriptHash(pkScript)
		l.history[hash] = append(l.history[hash], &electrum.History{
			Height: height,
			TxHash: txid.String(),
		})
	}
}

func newDescriptor(t *testing.T, key string) *descriptor.Descriptor {
	t.Helper()

	ms, err := miniscript.Parse("pk(" + key + ")")
	require.NoError(t, err)
	d, err := descriptor.New(ms, netParams)
	require.NoError(t, err)
	return d
}

func testXPub(t *testing.T) string {
	t.Helper()

	seed := bytes.Repeat([]byte{0x11}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, netParams)
	require.NoError(t, err)
	pub, err := master.Neuter()
	require.NoError(t, err)
	return pub.String()
}

func pkScriptAt(t *testing.T, d *descriptor.Descriptor, index uint32) []byte {
	t.Helper()

	pkScript, err := d.ScriptPubKeyAt(index)
	require.NoError(t, err)
	return pkScript
}

func newTestWallet(t *testing.T, external, internal *descriptor.Descriptor,
	ledger Ledger) *Wallet {

	t.Helper()

	db, err := walletdb.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(external, internal, db, ledger, Config{})
}

func TestSync(t *testing.T) {
	t.Parallel()

	xpub := testXPub(t)
	external := newDescriptor(t, xpub+"/0/*")
	internal := newDescriptor(t, xpub+"/1/*")

	ext0 := pkScriptAt(t, external, 0)
	ext3 := pkScriptAt(t, external, 3)
	int0 := pkScriptAt(t, internal, 0)
	foreign := []byte{0x51}

	// fund pays the wallet twice, spend sends part of the first output
	// away and the rest to change.
	fund := wire.NewMsgTx(2)
	fund.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash: chainhash.HashH([]byte("outside")),
	}, nil, nil))
	fund.AddTxOut(wire.NewTxOut(50000, ext0))
	fund.AddTxOut(wire.NewTxOut(20000, ext3))
	fundHash := fund.TxHash()

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: fundHash}, nil, nil))
	spend.AddTxOut(wire.NewTxOut(30000, foreign))
	spend.AddTxOut(wire.NewTxOut(19000, int0))
	spendHash := spend.TxHash()

	ledger := newFakeLedger()
	ledger.addTx(t, fund, 100, ext0, ext3)
	ledger.addTx(t, spend, 0, ext0, int0)

	w := newTestWallet(t, external, internal, ledger)
	require.NoError(t, w.Sync(context.Background()))

	// External scans up to index 3 plus the gap, internal up to index 0
	// plus the gap.
	require.Equal(t, 4+DefaultGapLimit+1+DefaultGapLimit,
		ledger.historyCalls)
	require.Equal(t, 2, ledger.txCalls)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, Balance{
		Confirmed:   20000,
		Unconfirmed: 19000,
		Total:       39000,
	}, balance)

	fee := btcutil.Amount(1000)
	txs, err := w.Transactions()
	require.NoError(t, err)
	require.Equal(t, []TxDetails{
		{
			TxID:      fundHash.String(),
			Height:    100,
			Received:  70000,
			Confirmed: true,
		},
		{
			TxID:     spendHash.String(),
			Height:   0,
			Received: 19000,
			Sent:     50000,
			Fee:      &fee,
		},
	}, txs, spew.Sdump(txs))

	addrs, err := w.NewAddresses(3)
	require.NoError(t, err)
	require.Len(t, addrs, 3)
	for i, addr := range addrs {
		want, err := external.AddressAt(uint32(4 + i))
		require.NoError(t, err)
		require.Equal(t, want.String(), addr)
	}

	unused, err := w.LastUnusedAddress()
	require.NoError(t, err)
	require.Equal(t, addrs[0], unused)

	// A second sync against the same ledger changes nothing and downloads
	// nothing.
	require.NoError(t, w.Sync(context.Background()))
	require.Equal(t, 2, ledger.txCalls)

	again, err := w.Transactions()
	require.NoError(t, err)
	require.Equal(t, txs, again)
	balanceAgain, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, balance, balanceAgain)

	// Once spend confirms only its height changes.
	for _, entries := range ledger.history {
		for _, entry := range entries {
			if entry.TxHash == spendHash.String() {
				entry.Height = 101
			}
		}
	}
	require.NoError(t, w.Sync(context.Background()))
	require.Equal(t, 2, ledger.txCalls)
	balance, err = w.Balance()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(39000), balance.Confirmed)
	require.Zero(t, balance.Unconfirmed)
}

func TestSyncDropsEvicted(t *testing.T) {
	t.Parallel()

	xpub := testXPub(t)
	external := newDescriptor(t, xpub+"/0/*")
	ext0 := pkScriptAt(t, external, 0)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, ext0))

	ledger := newFakeLedger()
	ledger.addTx(t, tx, 0, ext0)

	w := newTestWallet(t, external, external, ledger)
	require.NoError(t, w.Sync(context.Background()))
	txs, err := w.Transactions()
	require.NoError(t, err)
	require.Len(t, txs, 1)

	// The transaction left the mempool.
	delete(ledger.history, electrum.ScriptHash(ext0))
	require.NoError(t, w.Sync(context.Background()))
	txs, err = w.Transactions()
	require.NoError(t, err)
	require.Empty(t, txs)

	addrs, err := w.NewAddresses(1)
	require.NoError(t, err)
	first, err := external.AddressAt(1)
	require.NoError(t, err)

	// The last used index is kept.
	require.Equal(t, first.String(), addrs[0])
}

func TestSyncFixedKey(t *testing.T) {
	t.Parallel()

	_, pubKey := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x22}, 32))
	d := newDescriptor(t, hex.EncodeToString(pubKey.SerializeCompressed()))
	require.False(t, d.HasWildcard())

	pkScript := pkScriptAt(t, d, 0)
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(5000, pkScript))

	ledger := newFakeLedger()
	ledger.addTx(t, tx, 7, pkScript)

	// Both branches share the one script, which is queried once.
	w := newTestWallet(t, d, d, ledger)
	require.NoError(t, w.Sync(context.Background()))
	require.Equal(t, 1, ledger.historyCalls)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(5000), balance.Total)

	branch, index, ok, err := w.db.FetchScript(pkScript)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, walletdb.External, branch)
	require.Zero(t, index)

	// Every generated address is the same.
	addrs, err := w.NewAddresses(10)
	require.NoError(t, err)
	require.Len(t, addrs, 10)
	for _, addr := range addrs {
		require.Equal(t, addrs[0], addr)
	}
}

func TestSyncErrors(t *testing.T) {
	t.Parallel()

	external := newDescriptor(t, testXPub(t)+"/0/*")
	ext0 := pkScriptAt(t, external, 0)

	ledger := newFakeLedger()
	ledger.err = errors.New("connection refused")
	w := newTestWallet(t, external, external, ledger)
	require.ErrorIs(t, w.Sync(context.Background()), ledger.err)

	// A ledger answering with the wrong transaction is rejected.
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, ext0))

	ledger = newFakeLedger()
	ledger.addTx(t, tx, 1, ext0)
	for txid := range ledger.txs {
		ledger.txs[txid] = []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00}
	}
	w = newTestWallet(t, external, external, ledger)
	require.Error(t, w.Sync(context.Background()))
}
