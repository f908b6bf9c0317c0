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

package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/types"
)

// chainClientTimeout bounds every node RPC call from the coordinator.
const chainClientTimeout = 5 * time.Second

// ChainClient is the coordinator's view of the blockchain node. Narrow on
// purpose: submit a transaction, check a receipt, read the head.
type ChainClient interface {
	// SubmitTransaction pushes a transaction into the node's mempool. A
	// duplicate response counts as success: the chain's receipt-id dedupe
	// makes resubmission harmless. Acceptance is not durable; the mempool
	// is memory-only until the proposer seals.
	SubmitTransaction(ctx context.Context, tx *types.Transaction) error

	// ReceiptCommitted reports whether a transaction minting the receipt id
	// has reached a sealed block.
	ReceiptCommitted(ctx context.Context, id common.Hash) (bool, error)

	// Head returns the node's current head block.
	Head(ctx context.Context) (*types.Block, error)
}

// NodeClient talks to one blockchain node over its /rpc surface.
type NodeClient struct {
	endpoint string
	http     *http.Client
}

// NewNodeClient creates a client for the node at the given base URL.
func NewNodeClient(endpoint string) *NodeClient {
	return &NodeClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: chainClientTimeout},
	}
}

// SubmitTransaction implements ChainClient.
func (c *NodeClient) SubmitTransaction(ctx context.Context, tx *types.Transaction) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/rpc/sendTx", bytes.NewReader(tx.CanonicalEncode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK, http.StatusConflict:
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("node refused tx: status %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}
}

// ReceiptCommitted implements ChainClient.
func (c *NodeClient) ReceiptCommitted(ctx context.Context, id common.Hash) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/rpc/receipts/"+id.Hex(), nil)
	if err != nil {
		return false, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4<<20))
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("receipt lookup failed: status %d", res.StatusCode)
	}
}

// Head implements ChainClient.
func (c *NodeClient) Head(ctx context.Context) (*types.Block, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/rpc/head", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("head request failed: status %d", res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(body)
}
