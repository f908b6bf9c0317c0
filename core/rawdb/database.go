// Copyright 2025 The go-aitbc Authors
// This file is part of the go-aitbc library.
//
// The go-aitbc library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-aitbc library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-aitbc library. If not, see <http://www.gnu.org/licenses/>.

package rawdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aitbc/go-aitbc/log"
)

// Database is a goleveldb-backed key/value store holding the ledger. The
// on-disk variant takes a file lock on its directory, which doubles as the
// proposer singleton guard: a second node process pointed at the same datadir
// fails to start instead of racing the first proposer.
type Database struct {
	ldb  *leveldb.DB
	lock *flock.Flock
	log  log.Logger
}

// Open opens (or creates) a ledger database at the given path.
func Open(path string) (*Database, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("creating datadir: %w", err)
	}
	fl := flock.New(filepath.Join(path, "LOCK"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking datadir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("datadir %s is in use by another process", path)
	}
	ldb, err := leveldb.OpenFile(filepath.Join(path, "chaindata"), nil)
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("opening chaindata: %w", err)
	}
	logger := log.New("database", path)
	logger.Info("Opened ledger database")
	return &Database{ldb: ldb, lock: fl, log: logger}, nil
}

// NewMemoryDatabase returns an ephemeral in-memory database, used in tests.
func NewMemoryDatabase() *Database {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic(err) // cannot fail on memory storage
	}
	return &Database{ldb: ldb, log: log.New("database", "memory")}
}

// Close flushes and closes the database and releases the datadir lock.
func (db *Database) Close() error {
	err := db.ldb.Close()
	if db.lock != nil {
		if uerr := db.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}

// Has reports whether a key exists.
func (db *Database) Has(key []byte) (bool, error) {
	return db.ldb.Has(key, nil)
}

// Get retrieves a value. A missing key returns (nil, nil) so that callers
// can distinguish absence without matching on leveldb's sentinel error.
func (db *Database) Get(key []byte) ([]byte, error) {
	val, err := db.ldb.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return val, err
}

// Put inserts a single value. Multi-key updates must go through WriteBatch.
func (db *Database) Put(key, value []byte) error {
	return db.ldb.Put(key, value, nil)
}

// Delete removes a single key.
func (db *Database) Delete(key []byte) error {
	return db.ldb.Delete(key, nil)
}

// NewIterator returns an iterator over all keys with the given prefix. The
// caller must release it when done.
func (db *Database) NewIterator(prefix []byte) iterator.Iterator {
	return db.ldb.NewIterator(util.BytesPrefix(prefix), nil)
}

// WriteBatch commits a batch atomically with a synced write. This is the
// single commit point of a block append: either the whole block with its
// transactions, receipts and balance updates lands durably, or none of it
// does.
func (db *Database) WriteBatch(batch *leveldb.Batch) error {
	return db.ldb.Write(batch, &opt.WriteOptions{Sync: true})
}
