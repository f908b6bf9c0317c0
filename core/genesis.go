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

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/rawdb"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/crypto"
	"github.com/aitbc/go-aitbc/log"
)

// genesisStateRoot commits the genesis block to its chain id and allocation.
// Two sites agree on a genesis hash exactly when they agree on both, which is
// what cross-site import at height 1 checks against.
func genesisStateRoot(chainID string, alloc map[string]uint64) common.Hash {
	keys := make([]string, 0, len(alloc))
	for k := range alloc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	type allocEntry struct {
		Address string `json:"address"`
		Balance uint64 `json:"balance"`
	}
	entries := make([]allocEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, allocEntry{Address: k, Balance: alloc[k]})
	}
	enc, err := json.Marshal(struct {
		ChainID string       `json:"chainId"`
		Alloc   []allocEntry `json:"alloc"`
	}{ChainID: chainID, Alloc: entries})
	if err != nil {
		panic(err)
	}
	return crypto.Sum256(enc)
}

// GenesisBlock returns the deterministic genesis block for a chain id and
// allocation.
func GenesisBlock(chainID string, alloc map[string]uint64) *types.Block {
	header := &types.Header{
		Height:     0,
		ParentHash: common.EmptyHash,
		Time:       0,
		Proposer:   "genesis",
		TxRoot:     types.DeriveTxRoot(nil),
		StateRoot:  genesisStateRoot(chainID, alloc),
	}
	header.Hash = header.SealHash()
	return &types.Block{Header: header}
}

// setupGenesis writes the genesis block and its allocation if the database
// is fresh, and verifies chain id and genesis compatibility otherwise.
func setupGenesis(db *rawdb.Database, chainID string, alloc map[string]uint64) (*types.Block, error) {
	genesis := GenesisBlock(chainID, alloc)

	stored := rawdb.ReadCanonicalHash(db, 0)
	if !stored.IsZero() {
		if storedID := rawdb.ReadChainID(db); storedID != chainID {
			return nil, fmt.Errorf("database belongs to chain %q, configured %q", storedID, chainID)
		}
		if stored != genesis.Hash() {
			return nil, fmt.Errorf("genesis mismatch: database %s, computed %s (allocation changed?)", stored, genesis.Hash())
		}
		return rawdb.ReadBlock(db, stored), nil
	}

	batch := new(leveldb.Batch)
	if err := rawdb.WriteBlock(batch, genesis); err != nil {
		return nil, err
	}
	rawdb.WriteHeadHash(batch, genesis.Hash())
	for addrHex, balance := range alloc {
		addr, err := parseAllocAddress(addrHex)
		if err != nil {
			return nil, fmt.Errorf("invalid genesis alloc address %q: %w", addrHex, err)
		}
		rawdb.WriteAccount(batch, addr, rawdb.Account{Balance: uint256.NewInt(balance)})
	}
	if err := db.WriteBatch(batch); err != nil {
		return nil, fmt.Errorf("writing genesis: %w", err)
	}
	if err := rawdb.WriteChainID(db, chainID); err != nil {
		return nil, err
	}
	log.Info("Wrote genesis block", "chainid", chainID, "hash", genesis.Hash(), "alloc", len(alloc))
	return genesis, nil
}

func parseAllocAddress(s string) (common.Address, error) {
	b, err := common.ParseHexBytes(s, common.AddressLength)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(b), nil
}
