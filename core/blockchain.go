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

// Package core implements the append-only ledger of the AITBC chain: block
// validation, atomic persistence, balance accounting and lookups.
package core

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/rawdb"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/metrics"
	"github.com/aitbc/go-aitbc/params"
)

const blockCacheLimit = 256

// TxLocation describes where a committed transaction lives.
type TxLocation struct {
	BlockHash   common.Hash
	BlockHeight uint64
	Index       int
}

// ReceiptLocation describes the block and transaction that materialized a
// receipt id.
type ReceiptLocation struct {
	BlockHash   common.Hash
	BlockHeight uint64
	TxHash      common.Hash
}

// BlockChain maintains the canonical chain of one site. There is exactly one
// write path, serialized by an internal mutex and shared by the local
// proposer and the cross-site import; readers work from consistent snapshots
// taken under a read lock.
type BlockChain struct {
	config params.ChainConfig
	db     *rawdb.Database

	mu      sync.RWMutex
	head    *types.Block
	genesis *types.Block

	blockCache *lru.Cache // hash -> *types.Block
	log        log.Logger
}

// NewBlockChain opens the chain over the given database, writing the genesis
// block if the database is fresh.
func NewBlockChain(config params.ChainConfig, db *rawdb.Database) (*BlockChain, error) {
	genesis, err := setupGenesis(db, config.ChainID, config.GenesisAlloc)
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New(blockCacheLimit)
	bc := &BlockChain{
		config:     config,
		db:         db,
		genesis:    genesis,
		blockCache: cache,
		log:        log.New("chainid", config.ChainID),
	}
	headHash := rawdb.ReadHeadHash(db)
	bc.head = rawdb.ReadBlock(db, headHash)
	if bc.head == nil {
		return nil, fmt.Errorf("head block %s missing from database", headHash)
	}
	metrics.ChainHeadHeight.Set(float64(bc.head.Height()))
	bc.log.Info("Loaded chain head", "height", bc.head.Height(), "hash", bc.head.Hash())
	return bc, nil
}

// Config returns the chain configuration.
func (bc *BlockChain) Config() params.ChainConfig { return bc.config }

// Genesis returns the genesis block.
func (bc *BlockChain) Genesis() *types.Block { return bc.genesis }

// Head returns the current head block.
func (bc *BlockChain) Head() *types.Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.head
}

// GetBlockByHeight returns the block at the given height, or nil.
func (bc *BlockChain) GetBlockByHeight(height uint64) *types.Block {
	hash := rawdb.ReadCanonicalHash(bc.db, height)
	if hash.IsZero() {
		return nil
	}
	return bc.GetBlockByHash(hash)
}

// GetBlockByHash returns the block with the given hash, or nil.
func (bc *BlockChain) GetBlockByHash(hash common.Hash) *types.Block {
	if cached, ok := bc.blockCache.Get(hash); ok {
		return cached.(*types.Block)
	}
	block := rawdb.ReadBlock(bc.db, hash)
	if block != nil {
		bc.blockCache.Add(hash, block)
	}
	return block
}

// GetTransaction returns a committed transaction and its location, or nils.
func (bc *BlockChain) GetTransaction(hash common.Hash) (*types.Transaction, *TxLocation) {
	entry := rawdb.ReadTxLookup(bc.db, hash)
	if entry == nil {
		return nil, nil
	}
	block := bc.GetBlockByHash(entry.BlockHash)
	if block == nil || entry.Index >= len(block.Txs) {
		bc.log.Error("Dangling tx lookup entry", "tx", hash, "block", entry.BlockHash)
		return nil, nil
	}
	return block.Txs[entry.Index], &TxLocation{
		BlockHash:   entry.BlockHash,
		BlockHeight: block.Height(),
		Index:       entry.Index,
	}
}

// GetReceipt returns the receipt record committed under the given receipt id
// together with its location, or nils.
func (bc *BlockChain) GetReceipt(id common.Hash) (*types.ReceiptRecord, *ReceiptLocation) {
	entry := rawdb.ReadReceiptLookup(bc.db, id)
	if entry == nil {
		return nil, nil
	}
	block := bc.GetBlockByHash(entry.BlockHash)
	if block == nil {
		bc.log.Error("Dangling receipt lookup entry", "receipt", id, "block", entry.BlockHash)
		return nil, nil
	}
	for _, tx := range block.Txs {
		if ref := tx.ReceiptRef(); ref != nil && ref.ReceiptID == id {
			return ref, &ReceiptLocation{
				BlockHash:   entry.BlockHash,
				BlockHeight: block.Height(),
				TxHash:      entry.TxHash,
			}
		}
	}
	return nil, nil
}

// HasTx reports whether the transaction hash is committed.
func (bc *BlockChain) HasTx(hash common.Hash) bool { return rawdb.HasTx(bc.db, hash) }

// HasReceipt reports whether the receipt id has been minted.
func (bc *BlockChain) HasReceipt(id common.Hash) bool { return rawdb.HasReceipt(bc.db, id) }

// GetAccount returns the balance/nonce record of an address.
func (bc *BlockChain) GetAccount(addr common.Address) rawdb.Account {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return rawdb.ReadAccount(bc.db, addr)
}

// InsertBlock validates a block against the current head and commits it
// atomically. The acceptance rules run in order and short-circuit on the
// first failure:
//
//  1. the proposer must be in the trusted set
//  2. the block must extend the head directly; gaps are refused so imports
//     stay sequential, and an occupied height is refused as known/conflict
//  3. the timestamp must be strictly greater than the parent's
//  4. the recomputed tx root and block hash must match the claimed ones
//  5. every transaction must be well formed, its hash and any referenced
//     receipt id unseen, and the resulting balances non-negative
//
// A nil error means the block is durable.
func (bc *BlockChain) InsertBlock(block *types.Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	head := bc.head
	if !bc.config.IsTrustedProposer(block.Header.Proposer) {
		return fmt.Errorf("%w: %q", ErrUntrustedProposer, block.Header.Proposer)
	}
	switch {
	case block.Height() <= head.Height():
		if existing := rawdb.ReadCanonicalHash(bc.db, block.Height()); existing == block.Hash() {
			return ErrKnownBlock
		}
		// A different block at an occupied height is a fork between trusted
		// proposers. This design never rewrites local history; resolution is
		// out of band.
		bc.log.Error("Conflicting block at occupied height; operator attention required",
			"height", block.Height(), "local", rawdb.ReadCanonicalHash(bc.db, block.Height()), "foreign", block.Hash())
		return fmt.Errorf("%w: conflicting block at height %d", ErrConflict, block.Height())
	case block.Height() > head.Height()+1:
		return fmt.Errorf("%w: gap, local head %d, block height %d", ErrInvalidParent, head.Height(), block.Height())
	case block.ParentHash() != head.Hash():
		return fmt.Errorf("%w: parent %s, want %s", ErrInvalidParent, block.ParentHash(), head.Hash())
	}
	if block.Time() <= head.Time() {
		return fmt.Errorf("%w: %d not after parent %d", ErrInvalidTimestamp, block.Time(), head.Time())
	}
	if err := block.VerifySeal(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}

	batch := new(leveldb.Batch)
	if err := bc.applyTransactions(block, batch); err != nil {
		return err
	}
	if err := rawdb.WriteBlock(batch, block); err != nil {
		return err
	}
	rawdb.WriteHeadHash(batch, block.Hash())

	if err := bc.db.WriteBatch(batch); err != nil {
		return fmt.Errorf("committing block %d: %w", block.Height(), err)
	}
	bc.head = block
	bc.blockCache.Add(block.Hash(), block)
	metrics.ChainHeadHeight.Set(float64(block.Height()))
	return nil
}

// txApplier validates transactions one by one against committed state plus
// an in-progress overlay: the accounts touched so far and the tx hashes and
// receipt ids already consumed. Both the block verifier and the candidate
// filter run the same applier, so a transaction is sealable exactly when it
// would commit.
type txApplier struct {
	bc           *BlockChain
	accounts     map[common.Address]rawdb.Account
	seenTxs      map[common.Hash]struct{}
	seenReceipts map[common.Hash]struct{}
}

func (bc *BlockChain) newTxApplier() *txApplier {
	return &txApplier{
		bc:           bc,
		accounts:     make(map[common.Address]rawdb.Account),
		seenTxs:      make(map[common.Hash]struct{}),
		seenReceipts: make(map[common.Hash]struct{}),
	}
}

func (a *txApplier) load(addr common.Address) rawdb.Account {
	if acc, ok := a.accounts[addr]; ok {
		return acc
	}
	return rawdb.ReadAccount(a.bc.db, addr)
}

// apply checks the transaction and, if it passes, folds its effects into the
// overlay. The overlay is untouched on error.
func (a *txApplier) apply(tx *types.Transaction) error {
	if err := tx.SanityCheck(a.bc.config.ChainID); err != nil {
		return err
	}
	hash := tx.Hash()
	if _, ok := a.seenTxs[hash]; ok {
		return fmt.Errorf("%w: duplicate tx %s in block", ErrConflict, hash)
	}
	if rawdb.HasTx(a.bc.db, hash) {
		return fmt.Errorf("%w: tx %s already committed", ErrConflict, hash)
	}
	ref := tx.ReceiptRef()
	if ref != nil {
		if _, ok := a.seenReceipts[ref.ReceiptID]; ok {
			return fmt.Errorf("%w: duplicate receipt %s in block", ErrConflict, ref.ReceiptID)
		}
		if rawdb.HasReceipt(a.bc.db, ref.ReceiptID) {
			return fmt.Errorf("%w: receipt %s already minted", ErrConflict, ref.ReceiptID)
		}
	}

	sender := a.load(tx.Sender)
	if tx.Nonce <= sender.Nonce {
		return fmt.Errorf("%w: nonce %d not above %d for %s", ErrConflict, tx.Nonce, sender.Nonce, tx.Sender)
	}

	// Transfers debit amount+fee from the sender. Receipt records and
	// faucet payloads mint the amount to the recipient; the sender only
	// pays the fee. Fees are burned.
	debit := uint256.NewInt(tx.Fee)
	if tx.Payload == nil || tx.Payload.Transfer != nil {
		debit.Add(debit, uint256.NewInt(tx.Amount))
	}
	if sender.Balance.Lt(debit) {
		return fmt.Errorf("%w: balance of %s would go negative", ErrConflict, tx.Sender)
	}

	a.seenTxs[hash] = struct{}{}
	if ref != nil {
		a.seenReceipts[ref.ReceiptID] = struct{}{}
	}
	sender.Nonce = tx.Nonce
	sender.Balance = new(uint256.Int).Sub(sender.Balance, debit)
	a.accounts[tx.Sender] = sender

	recipient := a.load(tx.Recipient)
	recipient.Balance = new(uint256.Int).Add(recipient.Balance, uint256.NewInt(tx.Amount))
	a.accounts[tx.Recipient] = recipient
	return nil
}

// applyTransactions validates the block's transactions against committed
// state and stages lookup entries and balance updates into the batch.
func (bc *BlockChain) applyTransactions(block *types.Block, batch *leveldb.Batch) error {
	applier := bc.newTxApplier()
	for i, tx := range block.Txs {
		if err := applier.apply(tx); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		hash := tx.Hash()
		if ref := tx.ReceiptRef(); ref != nil {
			rawdb.WriteReceiptLookup(batch, ref.ReceiptID, rawdb.ReceiptLookupEntry{
				BlockHash: block.Hash(),
				TxHash:    hash,
			})
		}
		rawdb.WriteTxLookup(batch, hash, rawdb.TxLookupEntry{BlockHash: block.Hash(), Index: i})
	}
	for addr, acc := range applier.accounts {
		rawdb.WriteAccount(batch, addr, acc)
	}
	return nil
}

// FilterCandidates screens transactions drained from the mempool for a block
// to be sealed on the current head, dropping the ones committed state can no
// longer accept: stale nonces, unfunded senders, already-minted receipt ids.
// Mempool admission cannot check these, and block validation is
// all-or-nothing, so without this pass one bad transaction would fail the
// whole batch and lose its drained neighbors. Returns the sealable
// transactions in order and the dropped ones.
func (bc *BlockChain) FilterCandidates(txs types.Transactions) (kept, dropped types.Transactions) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	applier := bc.newTxApplier()
	kept = make(types.Transactions, 0, len(txs))
	for _, tx := range txs {
		if err := applier.apply(tx); err != nil {
			bc.log.Warn("Dropping unsealable candidate", "tx", tx.Hash().TerminalString(), "err", err)
			dropped = append(dropped, tx)
			continue
		}
		kept = append(kept, tx)
	}
	return kept, dropped
}
