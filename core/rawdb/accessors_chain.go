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
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/log"
)

// TxLookupEntry locates a transaction inside a stored block. Transactions
// reference their block by hash (the surrogate id), never by height, so a
// refused import at some height can never strand a lookup entry.
type TxLookupEntry struct {
	BlockHash common.Hash `json:"blockHash"`
	Index     int         `json:"index"`
}

// ReceiptLookupEntry locates a materialized receipt reference: the block and
// transaction that consumed the receipt id.
type ReceiptLookupEntry struct {
	BlockHash common.Hash `json:"blockHash"`
	TxHash    common.Hash `json:"txHash"`
}

// Account is the stored balance/nonce record of an address.
type Account struct {
	Balance *uint256.Int
	Nonce   uint64
}

type accountJSON struct {
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// ReadChainID returns the chain id the database is bound to, or "".
func ReadChainID(db *Database) string {
	data, _ := db.Get(chainIDKey)
	return string(data)
}

// WriteChainID binds the database to a chain id.
func WriteChainID(db *Database, chainID string) error {
	return db.Put(chainIDKey, []byte(chainID))
}

// ReadHeadHash returns the hash of the current head block, or the zero hash
// for an uninitialized database.
func ReadHeadHash(db *Database) common.Hash {
	data, _ := db.Get(headHashKey)
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteHeadHash stores the head block's hash into the batch.
func WriteHeadHash(batch *leveldb.Batch, hash common.Hash) {
	batch.Put(headHashKey, hash.Bytes())
}

// ReadCanonicalHash returns the hash of the block at the given height, or the
// zero hash if the height is above the head.
func ReadCanonicalHash(db *Database, height uint64) common.Hash {
	data, _ := db.Get(headerHashKeyFor(height))
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// ReadBlock retrieves a full block by hash, or nil when absent.
func ReadBlock(db *Database, hash common.Hash) *types.Block {
	data, _ := db.Get(blockKeyFor(hash))
	if len(data) == 0 {
		return nil
	}
	block, err := types.DecodeBlock(data)
	if err != nil {
		log.Error("Invalid block found in database", "hash", hash, "err", err)
		return nil
	}
	return block
}

// WriteBlock stores a block and its canonical height mapping into the batch.
func WriteBlock(batch *leveldb.Batch, block *types.Block) error {
	data, err := types.EncodeBlock(block)
	if err != nil {
		return fmt.Errorf("encoding block %d: %w", block.Height(), err)
	}
	batch.Put(blockKeyFor(block.Hash()), data)
	batch.Put(headerHashKeyFor(block.Height()), block.Hash().Bytes())
	return nil
}

// HasTx reports whether a transaction hash is already committed.
func HasTx(db *Database, hash common.Hash) bool {
	ok, _ := db.Has(txLookupKeyFor(hash))
	return ok
}

// ReadTxLookup retrieves the lookup entry of a committed transaction.
func ReadTxLookup(db *Database, hash common.Hash) *TxLookupEntry {
	data, _ := db.Get(txLookupKeyFor(hash))
	if len(data) == 0 {
		return nil
	}
	var entry TxLookupEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Error("Invalid tx lookup entry", "hash", hash, "err", err)
		return nil
	}
	return &entry
}

// WriteTxLookup stores a transaction lookup entry into the batch.
func WriteTxLookup(batch *leveldb.Batch, txHash common.Hash, entry TxLookupEntry) {
	data, _ := json.Marshal(entry)
	batch.Put(txLookupKeyFor(txHash), data)
}

// HasReceipt reports whether a receipt id has already been consumed by a
// committed transaction. This lookup backs the at-most-once mint rule.
func HasReceipt(db *Database, id common.Hash) bool {
	ok, _ := db.Has(receiptLookupKeyFor(id))
	return ok
}

// ReadReceiptLookup retrieves the lookup entry of a materialized receipt.
func ReadReceiptLookup(db *Database, id common.Hash) *ReceiptLookupEntry {
	data, _ := db.Get(receiptLookupKeyFor(id))
	if len(data) == 0 {
		return nil
	}
	var entry ReceiptLookupEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Error("Invalid receipt lookup entry", "id", id, "err", err)
		return nil
	}
	return &entry
}

// WriteReceiptLookup stores a receipt lookup entry into the batch.
func WriteReceiptLookup(batch *leveldb.Batch, id common.Hash, entry ReceiptLookupEntry) {
	data, _ := json.Marshal(entry)
	batch.Put(receiptLookupKeyFor(id), data)
}

// ReadAccount retrieves an account record. Unknown addresses yield a zero
// balance and zero nonce.
func ReadAccount(db *Database, addr common.Address) Account {
	data, _ := db.Get(accountKeyFor(addr))
	if len(data) == 0 {
		return Account{Balance: uint256.NewInt(0)}
	}
	var enc accountJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		log.Error("Invalid account record", "address", addr, "err", err)
		return Account{Balance: uint256.NewInt(0)}
	}
	balance, err := uint256.FromDecimal(enc.Balance)
	if err != nil {
		log.Error("Invalid account balance", "address", addr, "err", err)
		balance = uint256.NewInt(0)
	}
	return Account{Balance: balance, Nonce: enc.Nonce}
}

// WriteAccount stores an account record into the batch.
func WriteAccount(batch *leveldb.Batch, addr common.Address, acc Account) {
	data, _ := json.Marshal(accountJSON{
		Balance: acc.Balance.Dec(),
		Nonce:   acc.Nonce,
	})
	batch.Put(accountKeyFor(addr), data)
}
