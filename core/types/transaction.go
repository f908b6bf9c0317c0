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

// Package types contains the data types of the AITBC chain: transactions with
// tagged payloads, blocks, and signed compute receipts.
//
// Canonical encoding is JSON produced from structs with a fixed field order.
// All monetary quantities are integer minor units; floats never enter a hash
// or signature input. Content hashes are SHA-256 over the canonical encoding.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/crypto"
)

var (
	// ErrUnknownPayload is returned when decoding a transaction payload with
	// an unrecognized type discriminator.
	ErrUnknownPayload = errors.New("unknown payload type")
	// ErrEncoding is returned when a value cannot be canonically encoded.
	ErrEncoding = errors.New("encoding error")
)

// Payload type discriminators as they appear on the wire.
const (
	PayloadTransfer = "transfer"
	PayloadReceipt  = "receipt"
	PayloadFaucet   = "faucet"
)

// TransferPayload is a plain value transfer with an optional memo.
type TransferPayload struct {
	Memo string `json:"memo,omitempty"`
}

// ReceiptRecord embeds a validated compute receipt reference into a
// transaction. The chain enforces at-most-once minting per ReceiptID.
type ReceiptRecord struct {
	ReceiptID common.Hash `json:"receiptId"`
	JobID     string      `json:"jobId"`
	Provider  string      `json:"provider"`
	Units     uint64      `json:"units"`
}

// FaucetPayload mints dev-net funds to the recipient.
type FaucetPayload struct {
	Note string `json:"note,omitempty"`
}

// Payload is the tagged sum of transaction payload variants. Exactly one
// variant is set; unknown discriminators on the wire are rejected.
type Payload struct {
	Transfer *TransferPayload
	Receipt  *ReceiptRecord
	Faucet   *FaucetPayload
}

type payloadJSON struct {
	Type     string           `json:"type"`
	Transfer *TransferPayload `json:"transfer,omitempty"`
	Receipt  *ReceiptRecord   `json:"receipt,omitempty"`
	Faucet   *FaucetPayload   `json:"faucet,omitempty"`
}

// Type returns the wire discriminator of the set variant.
func (p *Payload) Type() string {
	switch {
	case p == nil || p.Transfer != nil:
		return PayloadTransfer
	case p.Receipt != nil:
		return PayloadReceipt
	case p.Faucet != nil:
		return PayloadFaucet
	default:
		return PayloadTransfer
	}
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	enc := payloadJSON{Type: p.Type()}
	switch enc.Type {
	case PayloadTransfer:
		enc.Transfer = p.Transfer
		if enc.Transfer == nil {
			enc.Transfer = &TransferPayload{}
		}
	case PayloadReceipt:
		enc.Receipt = p.Receipt
	case PayloadFaucet:
		enc.Faucet = p.Faucet
	}
	return json.Marshal(enc)
}

// UnmarshalJSON implements json.Unmarshaler, rejecting unknown variants.
func (p *Payload) UnmarshalJSON(input []byte) error {
	var dec payloadJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	*p = Payload{}
	switch dec.Type {
	case PayloadTransfer:
		p.Transfer = dec.Transfer
		if p.Transfer == nil {
			p.Transfer = &TransferPayload{}
		}
	case PayloadReceipt:
		if dec.Receipt == nil {
			return fmt.Errorf("%w: receipt payload without body", ErrUnknownPayload)
		}
		p.Receipt = dec.Receipt
	case PayloadFaucet:
		p.Faucet = dec.Faucet
		if p.Faucet == nil {
			p.Faucet = &FaucetPayload{}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPayload, dec.Type)
	}
	return nil
}

// Transaction is an AITBC chain transaction. All fields take part in the
// canonical encoding; the hash and size caches do not.
type Transaction struct {
	ChainID   string         `json:"chainId"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
	Fee       uint64         `json:"fee"`
	Nonce     uint64         `json:"nonce"`
	Payload   *Payload       `json:"payload"`

	hash atomic.Value
	size atomic.Value
}

// CanonicalEncode returns the deterministic byte encoding of the transaction.
// Field order is fixed by the struct definition; encoding is total for any
// well-typed transaction.
func (tx *Transaction) CanonicalEncode() []byte {
	type txdata struct {
		ChainID   string         `json:"chainId"`
		Sender    common.Address `json:"sender"`
		Recipient common.Address `json:"recipient"`
		Amount    uint64         `json:"amount"`
		Fee       uint64         `json:"fee"`
		Nonce     uint64         `json:"nonce"`
		Payload   *Payload       `json:"payload"`
	}
	enc, err := json.Marshal(&txdata{
		ChainID:   tx.ChainID,
		Sender:    tx.Sender,
		Recipient: tx.Recipient,
		Amount:    tx.Amount,
		Fee:       tx.Fee,
		Nonce:     tx.Nonce,
		Payload:   tx.Payload,
	})
	if err != nil {
		// Only reachable through a broken custom marshaler.
		panic(fmt.Errorf("%w: %v", ErrEncoding, err))
	}
	return enc
}

// DecodeTransaction parses a canonical transaction encoding.
func DecodeTransaction(data []byte) (*Transaction, error) {
	tx := new(Transaction)
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Hash returns the SHA-256 content hash of the transaction, caching it after
// the first computation.
func (tx *Transaction) Hash() common.Hash {
	if h := tx.hash.Load(); h != nil {
		return h.(common.Hash)
	}
	h := crypto.Sum256(tx.CanonicalEncode())
	tx.hash.Store(h)
	return h
}

// Size returns the canonical encoded size of the transaction in bytes.
func (tx *Transaction) Size() int {
	if s := tx.size.Load(); s != nil {
		return s.(int)
	}
	s := len(tx.CanonicalEncode())
	tx.size.Store(s)
	return s
}

// Cost returns the total debit a transfer places on the sender and whether
// the addition overflowed.
func (tx *Transaction) Cost() (uint64, bool) {
	sum, carry := bits.Add64(tx.Amount, tx.Fee, 0)
	return sum, carry != 0
}

// SanityCheck validates the shape of a transaction at the admission boundary:
// chain binding, a set payload variant, and overflow-free amounts.
func (tx *Transaction) SanityCheck(chainID string) error {
	if tx.ChainID != chainID {
		return fmt.Errorf("wrong chain id %q, want %q", tx.ChainID, chainID)
	}
	if tx.Sender.IsZero() {
		return errors.New("missing sender")
	}
	if tx.Recipient.IsZero() {
		return errors.New("missing recipient")
	}
	if _, overflow := tx.Cost(); overflow {
		return errors.New("amount+fee overflows")
	}
	if p := tx.Payload; p != nil && p.Transfer == nil && p.Receipt == nil && p.Faucet == nil {
		return fmt.Errorf("%w: empty payload", ErrUnknownPayload)
	}
	return nil
}

// ReceiptRef returns the embedded receipt record, or nil for other payloads.
func (tx *Transaction) ReceiptRef() *ReceiptRecord {
	if tx.Payload == nil {
		return nil
	}
	return tx.Payload.Receipt
}

// Transactions is a slice of transactions with helpers for block building.
type Transactions []*Transaction

// TotalSize sums the canonical sizes of all transactions.
func (txs Transactions) TotalSize() int {
	var size int
	for _, tx := range txs {
		size += tx.Size()
	}
	return size
}
