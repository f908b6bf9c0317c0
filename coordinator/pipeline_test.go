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
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/crypto"
	"github.com/aitbc/go-aitbc/params"
)

// fakeChain records submitted transactions and can be made to fail. Nothing
// counts as committed until seal is called, mirroring a node whose mempool
// has accepted but whose proposer has not run.
type fakeChain struct {
	mu        sync.Mutex
	txs       []*types.Transaction
	committed map[common.Hash]bool
	down      bool
}

func (f *fakeChain) SubmitTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("node unreachable")
	}
	f.txs = append(f.txs, tx)
	return nil
}

func (f *fakeChain) ReceiptCommitted(_ context.Context, id common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errors.New("node unreachable")
	}
	return f.committed[id], nil
}

func (f *fakeChain) Head(context.Context) (*types.Block, error) {
	return nil, errors.New("not implemented")
}

// seal marks every submitted mint transaction as committed.
func (f *fakeChain) seal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed == nil {
		f.committed = make(map[common.Hash]bool)
	}
	for _, tx := range f.txs {
		if ref := tx.ReceiptRef(); ref != nil {
			f.committed[ref.ReceiptID] = true
		}
	}
}

func (f *fakeChain) submitted() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.txs...)
}

func testCoordConfig() params.CoordinatorConfig {
	_, coordPriv, _ := crypto.GenerateKey()
	_, attestPriv, _ := crypto.GenerateKey()
	cfg := params.DefaultCoordinatorConfig
	cfg.ChainID = "aitbc-test"
	cfg.JWTSecret = "test-secret"
	cfg.ReceiptSigningKeyHex = hex.EncodeToString(coordPriv.Seed())
	cfg.ReceiptAttestationKeyHex = hex.EncodeToString(attestPriv.Seed())
	return cfg.Sanitize()
}

func newTestCoordinator(t *testing.T, cfg params.CoordinatorConfig) (*Coordinator, *fakeChain) {
	t.Helper()
	chain := new(fakeChain)
	coord, err := New(cfg, NewMemoryStore(), chain)
	require.NoError(t, err)
	t.Cleanup(func() { coord.store.Close() })
	return coord, chain
}

// registerTestMiner registers a miner and returns its signing key.
func registerTestMiner(t *testing.T, coord *Coordinator, id string, caps ...string) ed25519.PrivateKey {
	t.Helper()
	pub, priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, coord.Registry().Register(&Miner{
		ID:            id,
		PubKeyHex:     hex.EncodeToString(pub),
		Capabilities:  caps,
		MaxConcurrent: 1,
	}))
	return priv
}

// runJobToRunning submits a job, matches it onto the miner and starts it.
func runJobToRunning(t *testing.T, coord *Coordinator, minerID string) *Job {
	t.Helper()
	job, err := coord.SubmitJob("client-1", "llama3.2", "hello", nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, coord.MatchOnce())
	coord.StartJobs(minerID, []string{job.ID})

	job, err = coord.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, JobRunning, job.State)
	require.Equal(t, minerID, job.MinerID)
	return job
}

func signedReceipt(job *Job, minerID string, priv ed25519.PrivateKey) *types.SignedReceipt {
	payload := types.ReceiptPayload{
		JobID:       job.ID,
		Provider:    minerID,
		Client:      job.ClientID,
		Units:       1000,
		UnitType:    "tokens",
		UnitPrice:   3,
		Model:       job.Model,
		StartedAt:   1_700_000_000,
		CompletedAt: 1_700_000_060,
		ResultHash:  crypto.Sum256([]byte("output")),
		ChainID:     "aitbc-test",
	}
	return &types.SignedReceipt{
		Payload:  payload,
		MinerSig: types.SignReceipt(&payload, types.SigKindMiner, minerID, priv),
	}
}

func TestHappyPathJobCompletion(t *testing.T) {
	coord, chain := newTestCoordinator(t, testCoordConfig())
	priv := registerTestMiner(t, coord, "miner-1", "llama3.2")
	job := runJobToRunning(t, coord, "miner-1")

	rec, err := coord.ProcessReceipt("miner-1", job.ID, signedReceipt(job, "miner-1", priv))
	require.NoError(t, err)

	// Job is terminal with the receipt linked.
	job, err = coord.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.State)
	assert.Equal(t, rec.ReceiptID, job.ReceiptID)

	// The stored receipt round-trips and carries a coordinator attestation.
	stored, err := coord.store.GetReceipt(rec.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, rec.ReceiptID, stored.Receipt.ID())
	require.Len(t, stored.Receipt.Attestations, 1)
	assert.Equal(t, types.SigKindCoordinator, stored.Receipt.Attestations[0].Kind)

	// Exactly one mint transaction went to the chain: units * unitPrice to
	// the miner's address, referencing the receipt id.
	txs := chain.submitted()
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(3000), txs[0].Amount)
	require.NotNil(t, txs[0].Payload.Receipt)
	assert.Equal(t, rec.ReceiptID, txs[0].Payload.Receipt.ReceiptID)

	// Miner released with the completion counted.
	m, err := coord.store.GetMiner("miner-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Completed)
	assert.Equal(t, 0, m.CurrentJobs)
	assert.Equal(t, MinerAvailable, m.State)

	// Audit trail covers the whole lifecycle.
	events, err := coord.JobEvents(job.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, JobCompleted, events[3].To)
}

func TestDuplicateReceiptIdempotent(t *testing.T) {
	coord, chain := newTestCoordinator(t, testCoordConfig())
	priv := registerTestMiner(t, coord, "miner-1", "llama3.2")
	job := runJobToRunning(t, coord, "miner-1")

	receipt := signedReceipt(job, "miner-1", priv)
	_, err := coord.ProcessReceipt("miner-1", job.ID, receipt)
	require.NoError(t, err)

	// The same receipt again: rejected, nothing changes.
	_, err = coord.ProcessReceipt("miner-1", job.ID, receipt)
	assert.ErrorIs(t, err, ErrDuplicateReceipt)

	job, err = coord.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.State)
	assert.Len(t, chain.submitted(), 1)

	history, err := coord.ReceiptHistory(job.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	m, _ := coord.store.GetMiner("miner-1")
	assert.Equal(t, uint64(1), m.Completed)
}

func TestReceiptBadSignatureRejected(t *testing.T) {
	coord, chain := newTestCoordinator(t, testCoordConfig())
	registerTestMiner(t, coord, "miner-1", "llama3.2")
	job := runJobToRunning(t, coord, "miner-1")

	// Signed with a key that is not the registered one.
	_, wrongPriv, _ := crypto.GenerateKey()
	receipt := signedReceipt(job, "miner-1", wrongPriv)
	_, err := coord.ProcessReceipt("miner-1", job.ID, receipt)
	assert.ErrorIs(t, err, types.ErrSignatureInvalid)

	// Nothing committed: the job is still running.
	job, _ = coord.GetJob(job.ID)
	assert.Equal(t, JobRunning, job.State)
	assert.Empty(t, chain.submitted())
	assert.False(t, coord.store.HasReceipt(receipt.ID()))
}

func TestReceiptJobMismatchRejected(t *testing.T) {
	coord, _ := newTestCoordinator(t, testCoordConfig())
	priv := registerTestMiner(t, coord, "miner-1", "llama3.2")
	job := runJobToRunning(t, coord, "miner-1")

	receipt := signedReceipt(job, "miner-1", priv)
	receipt.Payload.JobID = "some-other-job"
	receipt.MinerSig = types.SignReceipt(&receipt.Payload, types.SigKindMiner, "miner-1", priv)

	_, err := coord.ProcessReceipt("miner-1", job.ID, receipt)
	assert.ErrorIs(t, err, ErrReceiptMismatch)
}

func TestChainDownQueuesSubmission(t *testing.T) {
	coord, chain := newTestCoordinator(t, testCoordConfig())
	priv := registerTestMiner(t, coord, "miner-1", "llama3.2")
	job := runJobToRunning(t, coord, "miner-1")

	chain.down = true
	rec, err := coord.ProcessReceipt("miner-1", job.ID, signedReceipt(job, "miner-1", priv))
	require.NoError(t, err)

	// The receipt committed locally even though the chain was unreachable.
	job, _ = coord.GetJob(job.ID)
	assert.Equal(t, JobCompleted, job.State)

	pending, err := coord.store.PendingSubmissions()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Contains(t, pending, rec.ReceiptID)

	// Once the chain is back the retry resubmits, but the entry only settles
	// after the mint reaches a sealed block.
	chain.down = false
	assert.Equal(t, 0, coord.RetrySubmissions())
	assert.Len(t, chain.submitted(), 1)
	pending, _ = coord.store.PendingSubmissions()
	require.Len(t, pending, 1)

	chain.seal()
	assert.Equal(t, 1, coord.RetrySubmissions())
	pending, _ = coord.store.PendingSubmissions()
	assert.Empty(t, pending)
	assert.Equal(t, 0, coord.RetrySubmissions())
}

func TestPendingSettlesOnSealNotOnAccept(t *testing.T) {
	coord, chain := newTestCoordinator(t, testCoordConfig())
	priv := registerTestMiner(t, coord, "miner-1", "llama3.2")
	job := runJobToRunning(t, coord, "miner-1")

	rec, err := coord.ProcessReceipt("miner-1", job.ID, signedReceipt(job, "miner-1", priv))
	require.NoError(t, err)
	require.Len(t, chain.submitted(), 1)

	// Mempool acceptance alone must not clear the queue: if the node dies
	// before sealing, this entry is all that gets the mint re-sent.
	pending, err := coord.store.PendingSubmissions()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Contains(t, pending, rec.ReceiptID)

	chain.seal()
	assert.Equal(t, 1, coord.RetrySubmissions())
	pending, _ = coord.store.PendingSubmissions()
	assert.Empty(t, pending)
}

func TestSubmissionsWithoutSigningKey(t *testing.T) {
	cfg := testCoordConfig()
	cfg.ReceiptSigningKeyHex = ""
	coord, chain := newTestCoordinator(t, cfg)
	priv := registerTestMiner(t, coord, "miner-1", "llama3.2")
	job := runJobToRunning(t, coord, "miner-1")

	// Receipts are still validated and stored; nothing goes on chain.
	_, err := coord.ProcessReceipt("miner-1", job.ID, signedReceipt(job, "miner-1", priv))
	require.NoError(t, err)
	assert.Empty(t, chain.submitted())
	pending, _ := coord.store.PendingSubmissions()
	assert.Empty(t, pending)
}

func TestAttestationDisabled(t *testing.T) {
	cfg := testCoordConfig()
	cfg.ReceiptAttestationKeyHex = ""
	coord, _ := newTestCoordinator(t, cfg)
	priv := registerTestMiner(t, coord, "miner-1", "llama3.2")
	job := runJobToRunning(t, coord, "miner-1")

	rec, err := coord.ProcessReceipt("miner-1", job.ID, signedReceipt(job, "miner-1", priv))
	require.NoError(t, err)
	assert.Empty(t, rec.Receipt.Attestations)
}

func TestMintNoncesStrictlyIncrease(t *testing.T) {
	coord, chain := newTestCoordinator(t, testCoordConfig())
	privA := registerTestMiner(t, coord, "miner-1", "llama3.2")

	jobA := runJobToRunning(t, coord, "miner-1")
	_, err := coord.ProcessReceipt("miner-1", jobA.ID, signedReceipt(jobA, "miner-1", privA))
	require.NoError(t, err)

	jobB := runJobToRunning(t, coord, "miner-1")
	receipt := signedReceipt(jobB, "miner-1", privA)
	receipt.Payload.ResultHash = crypto.Sum256([]byte("other output"))
	receipt.MinerSig = types.SignReceipt(&receipt.Payload, types.SigKindMiner, "miner-1", privA)
	_, err = coord.ProcessReceipt("miner-1", jobB.ID, receipt)
	require.NoError(t, err)

	txs := chain.submitted()
	require.Len(t, txs, 2)
	assert.Greater(t, txs[1].Nonce, txs[0].Nonce)
	assert.Equal(t, txs[0].Sender, txs[1].Sender)
}
