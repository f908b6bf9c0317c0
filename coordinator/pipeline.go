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
	"errors"
	"fmt"
	"time"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/crypto"
	"github.com/aitbc/go-aitbc/metrics"
)

var (
	// ErrDuplicateReceipt is returned when the receipt id is already stored.
	// The first submission won; the caller treats this as settled.
	ErrDuplicateReceipt = errors.New("duplicate receipt")

	// ErrReceiptMismatch is returned when a receipt's payload does not match
	// the job it was submitted for.
	ErrReceiptMismatch = errors.New("receipt does not match job")
)

// ProcessReceipt runs the receipt pipeline for a completion report: validate
// the payload against the job, verify the miner signature, reject duplicates,
// attest, commit everything in one store write, then submit the mint
// transaction to the chain. Local state changes are all-or-nothing: any
// failure before the commit leaves job, miner and store untouched.
func (c *Coordinator) ProcessReceipt(minerID, jobID string, receipt *types.SignedReceipt) (*StoredReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.MinerID != minerID {
		metrics.ReceiptsRejected.WithLabelValues("wrong_miner").Inc()
		return nil, fmt.Errorf("%w: job %s is not assigned to %s", ErrReceiptMismatch, jobID, minerID)
	}
	if job.State != JobRunning && job.State != JobAssigned {
		if c.store.HasReceipt(receipt.ID()) {
			metrics.ReceiptsRejected.WithLabelValues("duplicate").Inc()
			return nil, ErrDuplicateReceipt
		}
		metrics.ReceiptsRejected.WithLabelValues("bad_state").Inc()
		return nil, fmt.Errorf("%w: job %s is %s", ErrReceiptMismatch, jobID, job.State)
	}

	payload := &receipt.Payload
	if err := c.validateReceipt(job, minerID, receipt); err != nil {
		return nil, err
	}

	receiptID := payload.ID()
	if c.store.HasReceipt(receiptID) {
		metrics.ReceiptsRejected.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicateReceipt
	}

	if c.attestKey != nil {
		receipt.Attestations = append(receipt.Attestations,
			types.SignReceipt(payload, types.SigKindCoordinator, coordinatorSigner, c.attestKey))
	}

	var pending *types.Transaction
	if c.signingKey != nil {
		if pending, err = c.buildMintTx(receiptID, payload); err != nil {
			return nil, err
		}
	}

	from := job.State
	if from == JobAssigned {
		// A result can arrive before the start heartbeat.
		if err := job.transition(JobRunning); err != nil {
			return nil, err
		}
	}
	if err := job.transition(JobCompleted); err != nil {
		return nil, err
	}
	job.ReceiptID = receiptID
	job.Result = payload.ResultHash.Hex()
	job.FinishedAt = time.Now()

	m, err := c.registry.Release(minerID, true)
	if err != nil {
		return nil, err
	}

	rec := &StoredReceipt{
		ReceiptID: receiptID,
		JobID:     jobID,
		Receipt:   receipt,
		StoredAt:  time.Now(),
	}
	event := &JobEvent{JobID: jobID, From: from, To: JobCompleted, Note: receiptID.Hex(), Time: job.FinishedAt}
	if err := c.store.CommitReceipt(rec, job, event, m, pending); err != nil {
		return nil, fmt.Errorf("committing receipt %s: %w", receiptID, err)
	}
	metrics.ReceiptsStored.Inc()
	metrics.JobsCompleted.Inc()
	c.log.Info("Receipt accepted", "job", jobID, "receipt", receiptID.TerminalString(), "miner", minerID,
		"units", payload.Units, "attested", c.attestKey != nil)

	if pending != nil {
		c.submitPending(receiptID, pending)
	}
	return rec, nil
}

// validateReceipt checks payload shape, the job linkage and the miner
// signature against the registered key.
func (c *Coordinator) validateReceipt(job *Job, minerID string, receipt *types.SignedReceipt) error {
	payload := &receipt.Payload
	if err := payload.SanityCheck(c.config.ChainID); err != nil {
		metrics.ReceiptsRejected.WithLabelValues("validation").Inc()
		return fmt.Errorf("%w: %v", ErrReceiptMismatch, err)
	}
	switch {
	case payload.JobID != job.ID:
		metrics.ReceiptsRejected.WithLabelValues("validation").Inc()
		return fmt.Errorf("%w: payload names job %s", ErrReceiptMismatch, payload.JobID)
	case payload.Provider != minerID:
		metrics.ReceiptsRejected.WithLabelValues("validation").Inc()
		return fmt.Errorf("%w: payload names provider %s", ErrReceiptMismatch, payload.Provider)
	case payload.Model != job.Model:
		metrics.ReceiptsRejected.WithLabelValues("validation").Inc()
		return fmt.Errorf("%w: payload names model %q, job wants %q", ErrReceiptMismatch, payload.Model, job.Model)
	}

	m, err := c.store.GetMiner(minerID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownMiner, minerID)
	}
	pub, err := m.PubKey()
	if err != nil {
		return err
	}
	trust := types.TrustSet{minerID: pub}
	if err := trust.Verify(payload, receipt.MinerSig); err != nil {
		metrics.ReceiptsRejected.WithLabelValues("signature").Inc()
		return err
	}
	return nil
}

// buildMintTx derives the ledger transaction minting the miner's reward:
// sender is the coordinator address, recipient the miner's payout address,
// amount units*unitPrice. The chain's receipt-id dedupe makes retries of
// this transaction at-most-once.
func (c *Coordinator) buildMintTx(receiptID common.Hash, payload *types.ReceiptPayload) (*types.Transaction, error) {
	amount, err := payload.TotalAmount()
	if err != nil {
		return nil, err
	}
	m, err := c.store.GetMiner(payload.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMiner, payload.Provider)
	}
	nonce, err := c.store.NextNonce()
	if err != nil {
		return nil, err
	}
	return &types.Transaction{
		ChainID:   c.config.ChainID,
		Sender:    crypto.PubkeyToAddress(c.signingKey.Public().(ed25519.PublicKey)),
		Recipient: m.Address,
		Amount:    amount,
		Fee:       c.config.ChainFee,
		Nonce:     nonce,
		Payload: &types.Payload{Receipt: &types.ReceiptRecord{
			ReceiptID: receiptID,
			JobID:     payload.JobID,
			Provider:  payload.Provider,
			Units:     payload.Units,
		}},
	}, nil
}

// submitPending pushes a queued mint transaction to the chain. The queue
// entry is kept either way: mempool acceptance is not durable, so only the
// retry loop, on seeing the receipt in a sealed block, settles the entry.
func (c *Coordinator) submitPending(receiptID common.Hash, tx *types.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), chainClientTimeout)
	defer cancel()
	if err := c.chain.SubmitTransaction(ctx, tx); err != nil {
		c.log.Warn("Chain submission failed, queued for retry", "receipt", receiptID.TerminalString(), "err", err)
		return
	}
	c.log.Debug("Mint transaction submitted", "receipt", receiptID.TerminalString())
}

// RetrySubmissions walks the queued mint transactions: entries whose receipt
// is committed on chain are settled and dropped, the rest are re-sent. Safe
// to repeat as often as the loop likes, since the chain deduplicates by
// receipt id and the node reports a mempool duplicate as a conflict the
// client ignores. Returns the number of entries settled this pass.
func (c *Coordinator) RetrySubmissions() int {
	pending, err := c.store.PendingSubmissions()
	if err != nil {
		c.log.Error("Pending scan failed", "err", err)
		return 0
	}
	settled := 0
	for receiptID, tx := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), chainClientTimeout)
		committed, err := c.chain.ReceiptCommitted(ctx, receiptID)
		cancel()
		if err != nil {
			c.log.Warn("Receipt lookup failed", "receipt", receiptID.TerminalString(), "err", err)
			continue
		}
		if committed {
			if err := c.store.DeletePending(receiptID); err != nil {
				c.log.Error("Pending cleanup failed", "receipt", receiptID.TerminalString(), "err", err)
				continue
			}
			c.log.Debug("Mint transaction sealed", "receipt", receiptID.TerminalString())
			settled++
			continue
		}
		ctx, cancel = context.WithTimeout(context.Background(), chainClientTimeout)
		err = c.chain.SubmitTransaction(ctx, tx)
		cancel()
		if err != nil {
			c.log.Warn("Chain resubmission failed", "receipt", receiptID.TerminalString(), "err", err)
		}
	}
	return settled
}
