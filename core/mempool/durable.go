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

package mempool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/log"
)

var journalPrefix = []byte("j")

// DurablePool journals admitted transactions to a local leveldb store and
// replays them on startup. Policy is identical to the memory pool; only
// persistence differs.
type DurablePool struct {
	*MemoryPool
	db  *leveldb.DB
	log log.Logger
}

// NewDurablePool opens (or creates) the journal at path and replays any
// surviving transactions through normal admission. Journal entries that no
// longer pass admission (for example after a MIN_FEE raise) are dropped.
func NewDurablePool(config Config, path string) (*DurablePool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating mempool dir: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening mempool journal: %w", err)
	}
	pool := &DurablePool{
		MemoryPool: NewMemoryPool(config),
		db:         db,
		log:        log.New("mempool", "durable"),
	}
	replayed, dropped := pool.replay()
	pool.log.Info("Mempool journal loaded", "transactions", replayed, "dropped", dropped)

	// Hook journal maintenance into the shared admission path. The hooks run
	// under the pool mutex, so journal order matches admission order.
	pool.MemoryPool.onAdmit = func(tx *types.Transaction) error {
		h := tx.Hash()
		return pool.db.Put(journalKey(h), tx.CanonicalEncode(), nil)
	}
	pool.MemoryPool.onRemove = func(hash common.Hash) {
		if err := pool.db.Delete(journalKey(hash), nil); err != nil {
			pool.log.Warn("Failed to drop journaled transaction", "hash", hash, "err", err)
		}
	}
	return pool, nil
}

// replay feeds journaled transactions back through admission.
func (p *DurablePool) replay() (replayed, dropped int) {
	it := p.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	defer it.Release()

	var stale [][]byte
	for it.Next() {
		tx, err := types.DecodeTransaction(it.Value())
		if err != nil {
			stale = append(stale, append([]byte(nil), it.Key()...))
			dropped++
			continue
		}
		if err := p.MemoryPool.Add(tx); err != nil {
			stale = append(stale, append([]byte(nil), it.Key()...))
			dropped++
			continue
		}
		replayed++
	}
	for _, key := range stale {
		p.db.Delete(key, nil)
	}
	return replayed, dropped
}

// Close flushes and closes the journal.
func (p *DurablePool) Close() error {
	if err := p.MemoryPool.Close(); err != nil {
		return err
	}
	return p.db.Close()
}

func journalKey(hash common.Hash) []byte {
	return append(journalPrefix, hash.Bytes()...)
}
