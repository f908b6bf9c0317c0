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

// Package common contains the fixed-size hash and address types shared by the
// coordinator and the blockchain node.
package common

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// HashLength is the expected length of the hash, in bytes.
	HashLength = 32
	// AddressLength is the expected length of an address, in bytes.
	AddressLength = 20
)

// Hash represents the 32 byte SHA-256 hash of arbitrary data.
type Hash [HashLength]byte

// BytesToHash sets b to hash. If b is larger than len(h), b will be cropped
// from the left.
func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// HexToHash sets byte representation of s to hash. If s is larger than
// len(h), s will be cropped from the left.
func HexToHash(s string) Hash { return BytesToHash(FromHex(s)) }

// Bytes gets the byte representation of the underlying hash.
func (h Hash) Bytes() []byte { return h[:] }

// Hex converts a hash to a hex string.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// String implements the fmt.Stringer interface.
func (h Hash) String() string { return h.Hex() }

// TerminalString implements log.TerminalStringer, formatting a string for
// console output during logging.
func (h Hash) TerminalString() string {
	return fmt.Sprintf("%x…%x", h[:3], h[29:])
}

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// SetBytes sets the hash to the value of b. If b is larger than len(h), b
// will be cropped from the left.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > len(h) {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// MarshalJSON encodes the hash as a 0x prefixed hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON parses a hash in 0x prefixed hex syntax.
func (h *Hash) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	b, err := ParseHexBytes(s, HashLength)
	if err != nil {
		return fmt.Errorf("invalid hash %q: %w", s, err)
	}
	copy(h[:], b)
	return nil
}

// MarshalText returns the hex representation of h.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText parses a hash in 0x prefixed hex syntax.
func (h *Hash) UnmarshalText(input []byte) error {
	b, err := ParseHexBytes(string(input), HashLength)
	if err != nil {
		return err
	}
	copy(h[:], b)
	return nil
}

// Address represents the 20 byte address of an AITBC account.
type Address [AddressLength]byte

// BytesToAddress returns Address with value b. If b is larger than len(a),
// b will be cropped from the left.
func BytesToAddress(b []byte) Address {
	var a Address
	a.SetBytes(b)
	return a
}

// HexToAddress returns Address with byte values of s.
func HexToAddress(s string) Address { return BytesToAddress(FromHex(s)) }

// Bytes gets the byte representation of the underlying address.
func (a Address) Bytes() []byte { return a[:] }

// Hex returns a 0x prefixed hex string representation of the address.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// String implements fmt.Stringer.
func (a Address) String() string { return a.Hex() }

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool { return a == Address{} }

// SetBytes sets the address to the value of b. If b is larger than len(a),
// b will be cropped from the left.
func (a *Address) SetBytes(b []byte) {
	if len(b) > len(a) {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
}

// MarshalJSON encodes the address as a 0x prefixed hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Hex())
}

// UnmarshalJSON parses an address in 0x prefixed hex syntax.
func (a *Address) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	b, err := ParseHexBytes(s, AddressLength)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	copy(a[:], b)
	return nil
}

// MarshalText returns the hex representation of a.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

// UnmarshalText parses an address in 0x prefixed hex syntax.
func (a *Address) UnmarshalText(input []byte) error {
	b, err := ParseHexBytes(string(input), AddressLength)
	if err != nil {
		return err
	}
	copy(a[:], b)
	return nil
}

// FromHex returns the bytes represented by the hexadecimal string s. s may be
// prefixed with "0x". Invalid input yields nil.
func FromHex(s string) []byte {
	if has0xPrefix(s) {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// ParseHexBytes decodes a 0x prefixed hex string and enforces an exact
// decoded length. Used at RPC and config boundaries where malformed input
// must be rejected rather than cropped.
func ParseHexBytes(s string, wantLen int) ([]byte, error) {
	if has0xPrefix(s) {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("hex string has length %d, want %d", len(b), wantLen)
	}
	return b, nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// EmptyHash is the zero hash, used as the parent of the genesis block.
var EmptyHash = Hash{}

// TrimRightZeroes returns a subslice of s without trailing zeroes.
func TrimRightZeroes(s []byte) []byte {
	idx := len(s)
	for ; idx > 0; idx-- {
		if s[idx-1] != 0 {
			break
		}
	}
	return s[:idx]
}

// Bytes2Hex returns the hexadecimal encoding of d.
func Bytes2Hex(d []byte) string { return hex.EncodeToString(d) }

// Hex2Bytes returns the bytes represented by the hexadecimal string str.
func Hex2Bytes(str string) []byte {
	h, _ := hex.DecodeString(str)
	return h
}

// EqualBytes reports whether a and b are the same length and contain the
// same bytes.
func EqualBytes(a, b []byte) bool { return bytes.Equal(a, b) }
