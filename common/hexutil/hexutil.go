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

// Package hexutil implements hex encoding with 0x prefix for JSON payloads.
// Byte slices marshal as "0x..."; the Uint64 type marshals as a decimal JSON
// number but accepts both decimal and 0x-hex on input, which keeps hand-made
// curl requests usable against the RPC surface.
package hexutil

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrEmptyString is returned when decoding an empty input.
	ErrEmptyString = errors.New("empty hex string")
	// ErrMissingPrefix is returned when a hex input lacks the 0x prefix.
	ErrMissingPrefix = errors.New("hex string without 0x prefix")
	// ErrSyntax is returned when an input contains non-hex characters.
	ErrSyntax = errors.New("invalid hex string")
)

// Bytes marshals/unmarshals as a JSON string with 0x prefix.
// The empty slice marshals as "0x".
type Bytes []byte

// Encode encodes b as a hex string with 0x prefix.
func Encode(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// Decode decodes a hex string with 0x prefix.
func Decode(input string) ([]byte, error) {
	if len(input) == 0 {
		return nil, ErrEmptyString
	}
	if len(input) < 2 || input[0] != '0' || (input[1] != 'x' && input[1] != 'X') {
		return nil, ErrMissingPrefix
	}
	b, err := hex.DecodeString(input[2:])
	if err != nil {
		return nil, ErrSyntax
	}
	return b, nil
}

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	result := make([]byte, len(b)*2+4)
	copy(result, `"0x`)
	hex.Encode(result[3:], b)
	result[len(result)-1] = '"'
	return result, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(input []byte) error {
	if len(input) < 2 || input[0] != '"' || input[len(input)-1] != '"' {
		return ErrSyntax
	}
	dec, err := Decode(string(input[1 : len(input)-1]))
	if err != nil {
		return err
	}
	*b = dec
	return nil
}

// String returns the hex encoding of b.
func (b Bytes) String() string { return Encode(b) }

// Uint64 marshals as a decimal JSON number and unmarshals from either a
// decimal number, a decimal string or a 0x-hex string.
type Uint64 uint64

// MarshalJSON implements json.Marshaler.
func (i Uint64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(i), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Uint64) UnmarshalJSON(input []byte) error {
	s := string(input)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if len(s) == 0 {
		return ErrEmptyString
	}
	base := 10
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 %q: %w", string(input), ErrSyntax)
	}
	*i = Uint64(v)
	return nil
}

// String returns the decimal representation of i.
func (i Uint64) String() string { return strconv.FormatUint(uint64(i), 10) }
