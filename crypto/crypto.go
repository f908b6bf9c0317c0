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

// Package crypto implements the hashing and signature primitives used by the
// receipt module and the ledger: SHA-256 content addressing and Ed25519
// signatures over canonical encodings.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/aitbc/go-aitbc/common"
	"golang.org/x/crypto/sha3"
)

// SignatureLength is the length of an Ed25519 signature in bytes.
const SignatureLength = ed25519.SignatureSize

// PublicKeyLength is the length of a raw Ed25519 public key in bytes.
const PublicKeyLength = ed25519.PublicKeySize

var (
	// ErrInvalidKeyLength is returned when a hex-encoded key decodes to an
	// unexpected number of bytes.
	ErrInvalidKeyLength = errors.New("invalid key length")
)

// Sum256 computes the SHA-256 hash of the concatenation of data.
func Sum256(data ...[]byte) common.Hash {
	d := sha256.New()
	for _, b := range data {
		d.Write(b)
	}
	return common.BytesToHash(d.Sum(nil))
}

// Keccak256 calculates and returns the Keccak256 hash of the input data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// PubkeyToAddress derives the account address for an Ed25519 public key as
// the last 20 bytes of Keccak256(pubkey).
func PubkeyToAddress(pub ed25519.PublicKey) common.Address {
	return common.BytesToAddress(Keccak256(pub)[12:])
}

// GenerateKey returns a fresh Ed25519 key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs digest material with the given private key and returns the raw
// 64 byte signature.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub. A
// malformed key or signature verifies as false rather than panicking.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// HexToPrivateKey parses a hex-encoded Ed25519 private key. Both the 32 byte
// seed form and the 64 byte expanded form are accepted; config files in the
// wild carry either.
func HexToPrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(trim0x(s))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(b))
	}
}

// HexToPublicKey parses a hex-encoded 32 byte raw Ed25519 public key.
func HexToPublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(trim0x(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
