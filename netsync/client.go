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

package netsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aitbc/go-aitbc/core/types"
)

// responseLimit caps how much of a peer response is read; a block can never
// legitimately exceed the block size cap by much.
const responseLimit = 4 << 20

// Client talks to the /rpc surface of a peer site. One client is shared by
// all peers; endpoints are passed per call.
type Client struct {
	http *http.Client
}

// NewClient creates a peer client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Head fetches the peer's current head block.
func (c *Client) Head(ctx context.Context, endpoint string) (*types.Block, error) {
	body, err := c.get(ctx, endpoint, "/rpc/head")
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(body)
}

// BlockByHeight fetches one block from the peer.
func (c *Client) BlockByHeight(ctx context.Context, endpoint string, height uint64) (*types.Block, error) {
	body, err := c.get(ctx, endpoint, fmt.Sprintf("/rpc/blocks/%d", height))
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(body)
}

// SendTransaction forwards a pending transaction to the peer's mempool. A 409
// from the peer means it already knows the tx and is not an error for
// forwarding purposes.
func (c *Client) SendTransaction(ctx context.Context, endpoint string, tx *types.Transaction) error {
	status, err := c.post(ctx, endpoint, "/rpc/sendTx", tx.CanonicalEncode())
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusConflict {
		return fmt.Errorf("peer %s refused tx: status %d", endpoint, status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s: GET %s: status %d", endpoint, path, res.StatusCode)
	}
	return io.ReadAll(io.LimitReader(res.Body, responseLimit))
}

func (c *Client) post(ctx context.Context, endpoint, path string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(endpoint, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(res.Body, responseLimit))
	res.Body.Close()
	return res.StatusCode, nil
}
