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

package coordinator

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/types"
)

// ErrNotFound is returned by store lookups for absent records.
var ErrNotFound = errors.New("not found")

// Key prefixes of the coordinator store. Receipts are keyed by content
// address; job events and receipt history carry a big-endian sequence number
// so iteration returns them in append order.
var (
	jobPrefix     = []byte("j/")
	eventPrefix   = []byte("e/")
	minerPrefix   = []byte("m/")
	receiptPrefix = []byte("r/")
	historyPrefix = []byte("h/")
	pendingPrefix = []byte("p/")
	nonceKey      = []byte("ChainNonce")
)

// StoredReceipt is a validated receipt at rest, with its correlation keys.
type StoredReceipt struct {
	ReceiptID common.Hash          `json:"receiptId"`
	JobID     string               `json:"jobId"`
	Receipt   *types.SignedReceipt `json:"receipt"`
	StoredAt  time.Time            `json:"storedAt"`
}

// Store is the coordinator's embedded database: jobs, their audit events,
// miners, receipts with per-job history, and the queue of ledger submissions
// not yet accepted by the chain. Multi-record updates go through one
// leveldb.Batch so a crash never leaves a half-applied pipeline commit.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens the store at the given location. A leveldb:// URL is
// stripped to its path; anything else is used as a path directly.
func OpenStore(databaseURL string) (*Store, error) {
	path := strings.TrimPrefix(databaseURL, "leveldb://")
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening coordinator store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewMemoryStore returns an ephemeral store for tests.
func NewMemoryStore() *Store {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic(err)
	}
	return &Store{db: db}
}

// Close flushes and closes the store.
func (s *Store) Close() error { return s.db.Close() }

func jobKey(id string) []byte   { return append(jobPrefix, id...) }
func minerKey(id string) []byte { return append(minerPrefix, id...) }

func receiptKey(id common.Hash) []byte { return append(receiptPrefix, id.Bytes()...) }

func seqKey(prefix []byte, id string, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+len(id)+9)
	key = append(key, prefix...)
	key = append(key, id...)
	key = append(key, '/')
	var enc [8]byte
	binary.BigEndian.PutUint64(enc[:], seq)
	return append(key, enc[:]...)
}

func (s *Store) get(key []byte, v any) error {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put(key, data, nil)
}

func batchPut(batch *leveldb.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	batch.Put(key, data)
	return nil
}

// PutJob writes a job record.
func (s *Store) PutJob(job *Job) error { return s.put(jobKey(job.ID), job) }

// GetJob reads a job record.
func (s *Store) GetJob(id string) (*Job, error) {
	job := new(Job)
	if err := s.get(jobKey(id), job); err != nil {
		return nil, err
	}
	return job, nil
}

// JobsInState returns all jobs currently in the given state. The working set
// of a coordinator is small enough that a scan is fine; terminal jobs could
// be moved to a cold prefix if that ever changes.
func (s *Store) JobsInState(state JobState) ([]*Job, error) {
	var jobs []*Job
	it := s.db.NewIterator(util.BytesPrefix(jobPrefix), nil)
	defer it.Release()
	for it.Next() {
		job := new(Job)
		if err := json.Unmarshal(it.Value(), job); err != nil {
			return nil, err
		}
		if job.State == state {
			jobs = append(jobs, job)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return queueLess(jobs[i], jobs[j]) })
	return jobs, nil
}

// AppendEvent writes a job audit event with the next sequence number.
func (s *Store) AppendEvent(event *JobEvent) error {
	events, err := s.JobEvents(event.JobID)
	if err != nil {
		return err
	}
	event.Seq = uint64(len(events))
	return s.put(seqKey(eventPrefix, event.JobID, event.Seq), event)
}

// JobEvents returns a job's audit trail in append order.
func (s *Store) JobEvents(jobID string) ([]*JobEvent, error) {
	var events []*JobEvent
	it := s.db.NewIterator(util.BytesPrefix(append(append([]byte{}, eventPrefix...), jobID+"/"...)), nil)
	defer it.Release()
	for it.Next() {
		event := new(JobEvent)
		if err := json.Unmarshal(it.Value(), event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, it.Error()
}

// PutMiner writes a miner record.
func (s *Store) PutMiner(m *Miner) error { return s.put(minerKey(m.ID), m) }

// GetMiner reads a miner record.
func (s *Store) GetMiner(id string) (*Miner, error) {
	m := new(Miner)
	if err := s.get(minerKey(id), m); err != nil {
		return nil, err
	}
	return m, nil
}

// Miners returns every registered miner.
func (s *Store) Miners() ([]*Miner, error) {
	var miners []*Miner
	it := s.db.NewIterator(util.BytesPrefix(minerPrefix), nil)
	defer it.Release()
	for it.Next() {
		m := new(Miner)
		if err := json.Unmarshal(it.Value(), m); err != nil {
			return nil, err
		}
		miners = append(miners, m)
	}
	return miners, it.Error()
}

// HasReceipt reports whether a receipt id is already stored.
func (s *Store) HasReceipt(id common.Hash) bool {
	ok, _ := s.db.Has(receiptKey(id), nil)
	return ok
}

// GetReceipt reads a stored receipt by content address.
func (s *Store) GetReceipt(id common.Hash) (*StoredReceipt, error) {
	rec := new(StoredReceipt)
	if err := s.get(receiptKey(id), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ReceiptHistory returns every receipt stored for a job, oldest first. The
// last entry is the latest.
func (s *Store) ReceiptHistory(jobID string) ([]*StoredReceipt, error) {
	var history []*StoredReceipt
	it := s.db.NewIterator(util.BytesPrefix(append(append([]byte{}, historyPrefix...), jobID+"/"...)), nil)
	defer it.Release()
	for it.Next() {
		var id common.Hash
		if err := json.Unmarshal(it.Value(), &id); err != nil {
			return nil, err
		}
		rec, err := s.GetReceipt(id)
		if err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	return history, it.Error()
}

// CommitReceipt applies the all-or-nothing tail of the receipt pipeline in
// one batch: the receipt, its history entry, the completed job with its audit
// event, the released miner, and the queued ledger submission.
func (s *Store) CommitReceipt(rec *StoredReceipt, job *Job, event *JobEvent, m *Miner, pending *types.Transaction) error {
	history, err := s.ReceiptHistory(job.ID)
	if err != nil {
		return err
	}
	events, err := s.JobEvents(job.ID)
	if err != nil {
		return err
	}
	event.Seq = uint64(len(events))

	batch := new(leveldb.Batch)
	if err := batchPut(batch, receiptKey(rec.ReceiptID), rec); err != nil {
		return err
	}
	if err := batchPut(batch, seqKey(historyPrefix, job.ID, uint64(len(history))), rec.ReceiptID); err != nil {
		return err
	}
	if err := batchPut(batch, jobKey(job.ID), job); err != nil {
		return err
	}
	if err := batchPut(batch, seqKey(eventPrefix, job.ID, event.Seq), event); err != nil {
		return err
	}
	if err := batchPut(batch, minerKey(m.ID), m); err != nil {
		return err
	}
	if pending != nil {
		if err := batchPut(batch, append(pendingPrefix, rec.ReceiptID.Bytes()...), pending); err != nil {
			return err
		}
	}
	return s.db.Write(batch, nil)
}

// PendingSubmissions returns the mint transactions not yet observed in a
// sealed block, keyed by receipt id.
func (s *Store) PendingSubmissions() (map[common.Hash]*types.Transaction, error) {
	out := make(map[common.Hash]*types.Transaction)
	it := s.db.NewIterator(util.BytesPrefix(pendingPrefix), nil)
	defer it.Release()
	for it.Next() {
		tx := new(types.Transaction)
		if err := json.Unmarshal(it.Value(), tx); err != nil {
			return nil, err
		}
		out[common.BytesToHash(it.Key()[len(pendingPrefix):])] = tx
	}
	return out, it.Error()
}

// DeletePending drops a submission once its receipt is committed on chain.
func (s *Store) DeletePending(receiptID common.Hash) error {
	return s.db.Delete(append(pendingPrefix, receiptID.Bytes()...), nil)
}

// NextNonce returns the next chain nonce for the coordinator account and
// persists the increment. Chain nonces must strictly increase per sender.
func (s *Store) NextNonce() (uint64, error) {
	var nonce uint64
	data, err := s.db.Get(nonceKey, nil)
	if err == nil {
		nonce = binary.BigEndian.Uint64(data)
	} else if err != leveldb.ErrNotFound {
		return 0, err
	}
	nonce++
	var enc [8]byte
	binary.BigEndian.PutUint64(enc[:], nonce)
	if err := s.db.Put(nonceKey, enc[:], nil); err != nil {
		return 0, err
	}
	return nonce, nil
}
