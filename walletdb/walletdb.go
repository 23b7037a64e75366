// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package walletdb is the in-memory store of a watch-only wallet.

The store is a leveldb database on memory storage, so nothing outlives the
process. It holds three buckets: the output scripts derived so far with the
branch and index they were derived at, the transactions touching those
scripts, and the highest used index of each branch.
*/
package walletdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

// Branch is the key chain an output script belongs to.
type Branch uint8

const (
	// External is the receiving branch.
	External Branch = iota

	// Internal is the change branch.
	Internal
)

// String returns the Branch as a human-readable name.
func (b Branch) String() string {
	switch b {
	case External:
		return "external"
	case Internal:
		return "internal"
	}
	return fmt.Sprintf("Unknown Branch (%d)", uint8(b))
}

var (
	dbByteOrder = binary.BigEndian

	dbKeyVersion      = []byte("version")
	dbKeyScriptPrefix = []byte{0x01}
	dbKeyTxPrefix     = []byte{0x02}
	dbKeyLastUsed     = []byte("lastUsed")

	currentDbVersion = []byte{1}
)

// DB is an open wallet database.
type DB struct {
	ldb *leveldb.DB
}

// New opens an empty wallet database in memory.
func New() (*DB, error) {
	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	ldb, err := leveldb.Open(storage.NewMemStorage(), &opts)
	if err != nil {
		return nil, dbError(ErrDatabase, "unable to open wallet "+
			"database", err)
	}
	if err := ldb.Put(dbKeyVersion, currentDbVersion, nil); err != nil {
		ldb.Close()
		return nil, dbError(ErrDatabase, "unable to write version", err)
	}
	return &DB{ldb: ldb}, nil
}

// Close closes the database and discards its content.
func (db *DB) Close() error {
	return db.ldb.Close()
}

func scriptKey(pkScript []byte) []byte {
	key := make([]byte, 0, len(dbKeyScriptPrefix)+len(pkScript))
	return append(append(key, dbKeyScriptPrefix...), pkScript...)
}

func txKey(txid *chainhash.Hash) []byte {
	key := make([]byte, 0, len(dbKeyTxPrefix)+chainhash.HashSize)
	return append(append(key, dbKeyTxPrefix...), txid[:]...)
}

func lastUsedKey(branch Branch) []byte {
	key := make([]byte, 0, len(dbKeyLastUsed)+1)
	return append(append(key, dbKeyLastUsed...), byte(branch))
}

// get returns nil without an error when the key does not exist.
func (db *DB) get(key []byte) ([]byte, error) {
	value, err := db.ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(ErrDatabase, "unable to read wallet "+
			"database", err)
	}
	return value, nil
}

// PutScript records the branch and index an output script was derived at.
func (db *DB) PutScript(pkScript []byte, branch Branch, index uint32) error {
	var value [5]byte
	value[0] = byte(branch)
	dbByteOrder.PutUint32(value[1:], index)

	if err := db.ldb.Put(scriptKey(pkScript), value[:], nil); err != nil {
		return dbError(ErrDatabase, "unable to store script", err)
	}
	return nil
}

// FetchScript returns the branch and index an output script was derived at.
// ok is false for a script the wallet never derived.
func (db *DB) FetchScript(pkScript []byte) (branch Branch, index uint32,
	ok bool, err error) {

	value, err := db.get(scriptKey(pkScript))
	if err != nil || value == nil {
		return 0, 0, false, err
	}
	if len(value) != 5 {
		str := fmt.Sprintf("script entry has wrong length (%d)",
			len(value))
		return 0, 0, false, dbError(ErrCorruption, str, nil)
	}
	return Branch(value[0]), dbByteOrder.Uint32(value[1:]), true, nil
}

// TxRecord is a transaction touching one of the wallet scripts. Height is
// the confirmation height, zero or negative while unconfirmed.
type TxRecord struct {
	Hash   chainhash.Hash
	Height int32
	Raw    []byte
}

// PutTx stores a transaction, replacing an earlier record of it. A
// transaction seen from several scripts is stored once.
func (db *DB) PutTx(rec *TxRecord) error {
	value := make([]byte, 4+len(rec.Raw))
	dbByteOrder.PutUint32(value, uint32(rec.Height))
	copy(value[4:], rec.Raw)

	if err := db.ldb.Put(txKey(&rec.Hash), value, nil); err != nil {
		return dbError(ErrDatabase, "unable to store transaction", err)
	}
	return nil
}

// FetchTx returns the stored transaction with the hash, or nil.
func (db *DB) FetchTx(txid *chainhash.Hash) (*TxRecord, error) {
	value, err := db.get(txKey(txid))
	if err != nil || value == nil {
		return nil, err
	}
	return decodeTx(txid[:], value)
}

// DeleteTx removes a stored transaction. Deleting a missing transaction is
// not an error.
func (db *DB) DeleteTx(txid *chainhash.Hash) error {
	if err := db.ldb.Delete(txKey(txid), nil); err != nil {
		return dbError(ErrDatabase, "unable to delete transaction", err)
	}
	return nil
}

func decodeTx(hash, value []byte) (*TxRecord, error) {
	if len(hash) != chainhash.HashSize || len(value) < 4 {
		str := fmt.Sprintf("transaction entry has wrong length "+
			"(%d, %d)", len(hash), len(value))
		return nil, dbError(ErrCorruption, str, nil)
	}

	rec := &TxRecord{
		Height: int32(dbByteOrder.Uint32(value)),
		Raw:    append([]byte(nil), value[4:]...),
	}
	copy(rec.Hash[:], hash)
	return rec, nil
}

// ForEachTx calls fn for every stored transaction in hash order. An error
// returned by fn stops the iteration and is returned.
func (db *DB) ForEachTx(fn func(rec *TxRecord) error) error {
	iter := db.ldb.NewIterator(ldbutil.BytesPrefix(dbKeyTxPrefix), nil)
	defer iter.Release()

	for iter.Next() {
		rec, err := decodeTx(iter.Key()[len(dbKeyTxPrefix):], iter.Value())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return dbError(ErrDatabase, "error on transaction iterator",
			err)
	}
	return nil
}

// PutLastUsed records the highest index of the branch that has history.
func (db *DB) PutLastUsed(branch Branch, index uint32) error {
	var value [4]byte
	dbByteOrder.PutUint32(value[:], index)
	if err := db.ldb.Put(lastUsedKey(branch), value[:], nil); err != nil {
		return dbError(ErrDatabase, "unable to store last used index",
			err)
	}
	return nil
}

// FetchLastUsed returns the highest index of the branch that has history.
// ok is false when no index of the branch was used.
func (db *DB) FetchLastUsed(branch Branch) (index uint32, ok bool, err error) {
	value, err := db.get(lastUsedKey(branch))
	if err != nil || value == nil {
		return 0, false, err
	}
	if len(value) != 4 {
		str := fmt.Sprintf("last used entry has wrong length (%d)",
			len(value))
		return 0, false, dbError(ErrCorruption, str, nil)
	}
	return dbByteOrder.Uint32(value), true, nil
}
