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
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/common/hexutil"
	"github.com/aitbc/go-aitbc/crypto"
)

var (
	// ErrSignatureInvalid is returned when signature bytes do not verify
	// against the signer's public key.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrUnknownSigner is returned when the claimed signer has no public key
	// in the configured trust set.
	ErrUnknownSigner = errors.New("unknown signer")
)

// Signature kinds.
const (
	SigKindMiner       = "miner"
	SigKindCoordinator = "coordinator"
)

// Signature is an Ed25519 signature over a canonical payload encoding,
// together with the claimed signer identity and its role.
type Signature struct {
	Kind   string        `json:"kind"`
	Signer string        `json:"signer"`
	Bytes  hexutil.Bytes `json:"bytes"`
}

// ReceiptPayload is the signed content of a compute receipt. The field order
// of this struct fixes the canonical encoding; every quantity is an integer
// minor unit. ChainID binds the receipt to one chain to prevent cross-chain
// replay.
type ReceiptPayload struct {
	JobID       string      `json:"jobId"`
	Provider    string      `json:"provider"`
	Client      string      `json:"client"`
	Units       uint64      `json:"units"`
	UnitType    string      `json:"unitType"`
	UnitPrice   uint64      `json:"unitPrice"`
	Model       string      `json:"model"`
	StartedAt   uint64      `json:"startedAt"`
	CompletedAt uint64      `json:"completedAt"`
	ResultHash  common.Hash `json:"resultHash"`
	ChainID     string      `json:"chainId"`
}

// CanonicalEncode returns the deterministic byte encoding of the payload.
func (p *ReceiptPayload) CanonicalEncode() []byte {
	enc, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Errorf("%w: %v", ErrEncoding, err))
	}
	return enc
}

// DecodeReceiptPayload parses a canonical receipt payload encoding.
func DecodeReceiptPayload(data []byte) (*ReceiptPayload, error) {
	p := new(ReceiptPayload)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ID returns the content address of the receipt:
// SHA-256(canonical_encode(payload)).
func (p *ReceiptPayload) ID() common.Hash {
	return crypto.Sum256(p.CanonicalEncode())
}

// TotalAmount returns units*unitPrice in minor units, or an error on
// overflow.
func (p *ReceiptPayload) TotalAmount() (uint64, error) {
	hi, lo := bits.Mul64(p.Units, p.UnitPrice)
	if hi != 0 {
		return 0, fmt.Errorf("receipt amount overflows: %d units at %d", p.Units, p.UnitPrice)
	}
	return lo, nil
}

// SanityCheck validates payload shape at the submission boundary.
func (p *ReceiptPayload) SanityCheck(chainID string) error {
	if p.JobID == "" {
		return errors.New("missing job id")
	}
	if p.Provider == "" {
		return errors.New("missing provider id")
	}
	if p.ChainID != chainID {
		return fmt.Errorf("wrong chain id %q, want %q", p.ChainID, chainID)
	}
	if p.CompletedAt < p.StartedAt {
		return errors.New("completedAt before startedAt")
	}
	if _, err := p.TotalAmount(); err != nil {
		return err
	}
	return nil
}

// SignedReceipt is a receipt payload with exactly one miner signature and
// zero or more coordinator attestations.
type SignedReceipt struct {
	Payload      ReceiptPayload `json:"payload"`
	MinerSig     Signature      `json:"minerSignature"`
	Attestations []Signature    `json:"attestations,omitempty"`
}

// ID returns the content address of the receipt payload.
func (r *SignedReceipt) ID() common.Hash { return r.Payload.ID() }

// SignReceipt produces a signature of the given kind over the payload's
// canonical encoding.
func SignReceipt(p *ReceiptPayload, kind, signer string, priv ed25519.PrivateKey) Signature {
	return Signature{
		Kind:   kind,
		Signer: signer,
		Bytes:  crypto.Sign(priv, p.CanonicalEncode()),
	}
}

// VerifyReceiptSig checks sig against the given public key. It returns
// ErrSignatureInvalid when the bytes do not verify.
func VerifyReceiptSig(p *ReceiptPayload, sig Signature, pub ed25519.PublicKey) error {
	if !crypto.Verify(pub, p.CanonicalEncode(), sig.Bytes) {
		return fmt.Errorf("%w: signer %s", ErrSignatureInvalid, sig.Signer)
	}
	return nil
}

// TrustSet maps signer identities to their Ed25519 public keys.
type TrustSet map[string]ed25519.PublicKey

// Verify resolves the signer through the trust set and checks the signature.
// It returns ErrUnknownSigner when the signer is not configured and
// ErrSignatureInvalid when the bytes do not verify.
func (t TrustSet) Verify(p *ReceiptPayload, sig Signature) error {
	pub, ok := t[sig.Signer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, sig.Signer)
	}
	return VerifyReceiptSig(p, sig, pub)
}
