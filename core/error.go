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

package core

import "errors"

var (
	// ErrKnownBlock is returned when a block to import is already known.
	// Callers treat it as success if their prior attempt succeeded.
	ErrKnownBlock = errors.New("block already known")

	// ErrUntrustedProposer is returned when a block's proposer is not in the
	// TRUSTED_PROPOSERS allowlist.
	ErrUntrustedProposer = errors.New("untrusted proposer")

	// ErrInvalidParent is returned when a block's parent hash does not match
	// the local block at height-1, or when importing would leave a gap.
	ErrInvalidParent = errors.New("invalid parent")

	// ErrInvalidHash is returned when a block's claimed hash or tx root does
	// not match the recomputed value.
	ErrInvalidHash = errors.New("invalid block hash")

	// ErrInvalidTimestamp is returned when a block's timestamp is not
	// strictly greater than its parent's.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrConflict is returned on chain-state conflicts: duplicate tx hash,
	// already-minted receipt id, stale nonce, or a balance that would go
	// negative. A conflicting block at an occupied height also reports this.
	ErrConflict = errors.New("chain state conflict")
)
