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

// Package rawdb contains the low level database accessors of the ledger.
package rawdb

import (
	"encoding/binary"

	"github.com/aitbc/go-aitbc/common"
)

// The fields below define the low level database schema.
var (
	// headHashKey tracks the latest known block's hash.
	headHashKey = []byte("LastBlock")

	// chainIDKey binds a database to one chain id.
	chainIDKey = []byte("ChainID")

	// headerHashPrefix + be8(height) -> block hash (canonical number index)
	headerHashPrefix = []byte("h")

	// blockPrefix + hash -> block body
	blockPrefix = []byte("b")

	// txLookupPrefix + tx hash -> tx lookup entry
	txLookupPrefix = []byte("t")

	// receiptLookupPrefix + receipt id -> receipt lookup entry
	receiptLookupPrefix = []byte("r")

	// accountPrefix + address -> account record
	accountPrefix = []byte("a")
)

// encodeBlockHeight encodes a block height as big endian uint64, keeping the
// byte ordering of keys aligned with numeric ordering for iteration.
func encodeBlockHeight(height uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, height)
	return enc
}

// headerHashKeyFor = headerHashPrefix + be8(height)
func headerHashKeyFor(height uint64) []byte {
	return append(headerHashPrefix, encodeBlockHeight(height)...)
}

// blockKeyFor = blockPrefix + hash
func blockKeyFor(hash common.Hash) []byte {
	return append(blockPrefix, hash.Bytes()...)
}

// txLookupKeyFor = txLookupPrefix + hash
func txLookupKeyFor(hash common.Hash) []byte {
	return append(txLookupPrefix, hash.Bytes()...)
}

// receiptLookupKeyFor = receiptLookupPrefix + id
func receiptLookupKeyFor(id common.Hash) []byte {
	return append(receiptLookupPrefix, id.Bytes()...)
}

// accountKeyFor = accountPrefix + address
func accountKeyFor(addr common.Address) []byte {
	return append(accountPrefix, addr.Bytes()...)
}
