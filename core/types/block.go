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

package types

import (
	"encoding/json"
	"fmt"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/crypto"
)

// Header is the header of an AITBC block. Hash covers every other field via
// the seal encoding; StateRoot is reserved and currently always zero.
type Header struct {
	Height     uint64      `json:"height"`
	ParentHash common.Hash `json:"parentHash"`
	Time       uint64      `json:"timestamp"`
	Proposer   string      `json:"proposer"`
	TxRoot     common.Hash `json:"txRoot"`
	StateRoot  common.Hash `json:"stateRoot"`
	Hash       common.Hash `json:"hash"`
}

// sealData is the canonical hash input of a header: all fields except the
// hash itself.
type sealData struct {
	Height     uint64      `json:"height"`
	ParentHash common.Hash `json:"parentHash"`
	Time       uint64      `json:"timestamp"`
	Proposer   string      `json:"proposer"`
	TxRoot     common.Hash `json:"txRoot"`
	StateRoot  common.Hash `json:"stateRoot"`
}

// SealEncode returns the canonical encoding of the header that the block
// hash commits to.
func (h *Header) SealEncode() []byte {
	enc, err := json.Marshal(&sealData{
		Height:     h.Height,
		ParentHash: h.ParentHash,
		Time:       h.Time,
		Proposer:   h.Proposer,
		TxRoot:     h.TxRoot,
		StateRoot:  h.StateRoot,
	})
	if err != nil {
		panic(fmt.Errorf("%w: %v", ErrEncoding, err))
	}
	return enc
}

// SealHash computes the block hash from the header contents.
func (h *Header) SealHash() common.Hash {
	return crypto.Sum256(h.SealEncode())
}

// Block is a sealed bundle of transactions.
type Block struct {
	Header *Header      `json:"header"`
	Txs    Transactions `json:"transactions"`
}

// NewBlock assembles a sealed block over the given parent. The transaction
// root and block hash are computed here; the timestamp is the caller's
// responsibility (it must be strictly greater than the parent's).
func NewBlock(height uint64, parentHash common.Hash, timestamp uint64, proposer string, txs Transactions) *Block {
	header := &Header{
		Height:     height,
		ParentHash: parentHash,
		Time:       timestamp,
		Proposer:   proposer,
		TxRoot:     DeriveTxRoot(txs),
	}
	header.Hash = header.SealHash()
	return &Block{Header: header, Txs: txs}
}

// DeriveTxRoot computes the transaction root: SHA-256 over the concatenated
// transaction hashes in seal order.
func DeriveTxRoot(txs Transactions) common.Hash {
	chunks := make([][]byte, len(txs))
	for i, tx := range txs {
		h := tx.Hash()
		chunks[i] = h.Bytes()
	}
	return crypto.Sum256(chunks...)
}

// Hash returns the sealed block hash.
func (b *Block) Hash() common.Hash { return b.Header.Hash }

// Height returns the block height.
func (b *Block) Height() uint64 { return b.Header.Height }

// ParentHash returns the parent block hash.
func (b *Block) ParentHash() common.Hash { return b.Header.ParentHash }

// Time returns the block timestamp (unix seconds).
func (b *Block) Time() uint64 { return b.Header.Time }

// VerifySeal recomputes the transaction root and block hash from the block
// contents and checks them against the claimed header values.
func (b *Block) VerifySeal() error {
	if b.Header == nil {
		return fmt.Errorf("block without header")
	}
	if root := DeriveTxRoot(b.Txs); root != b.Header.TxRoot {
		return fmt.Errorf("tx root mismatch: have %s, computed %s", b.Header.TxRoot, root)
	}
	if hash := b.Header.SealHash(); hash != b.Header.Hash {
		return fmt.Errorf("block hash mismatch: have %s, computed %s", b.Header.Hash, hash)
	}
	return nil
}

// EncodeBlock returns the canonical encoding of a full block for storage and
// transport.
func EncodeBlock(b *Block) ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBlock parses a canonical block encoding.
func DecodeBlock(data []byte) (*Block, error) {
	b := new(Block)
	if err := json.Unmarshal(data, b); err != nil {
		return nil, err
	}
	if b.Header == nil {
		return nil, fmt.Errorf("block without header")
	}
	return b, nil
}
