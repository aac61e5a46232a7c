// Package indexer reads on-chain state through external indexing services.
// Nothing here moves user balances: observed deposits and escrow balances are
// transparency inputs, the ledger stays the single authority.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// HTTPDoer abstracts the HTTP client so tests can stub upstream responses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultRequestTimeout = 10 * time.Second

// satsPerXEC converts explorer satoshi amounts to whole XEC.
var satsPerXEC = big.NewRat(100, 1)

// ChainTx is an eCash transaction as reported by the block explorer.
type ChainTx struct {
	Hash        string
	BlockHeight int64
	Confirmed   bool
	Timestamp   time.Time
}

// ExplorerClient reads the eCash chain through a block-explorer REST API
// (chronik-style: /address/{addr} and /tx/{txid}).
type ExplorerClient struct {
	client  HTTPDoer
	root    string
	timeout time.Duration
}

// NewExplorerClient builds a client for the explorer at root.
func NewExplorerClient(client HTTPDoer, root string) (*ExplorerClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(root), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("explorer client: root URL required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &ExplorerClient{client: client, root: trimmed, timeout: defaultRequestTimeout}, nil
}

// AddressBalance returns the confirmed XEC balance of an address.
func (c *ExplorerClient) AddressBalance(ctx context.Context, address string) (*big.Rat, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("explorer client: address required")
	}
	var payload struct {
		BalanceSats json.Number `json:"balanceSats"`
	}
	if err := c.get(ctx, "/address/"+strings.TrimSpace(address), &payload); err != nil {
		return nil, err
	}
	sats, ok := new(big.Rat).SetString(payload.BalanceSats.String())
	if !ok || sats.Sign() < 0 {
		return nil, fmt.Errorf("explorer client: invalid balance %q", payload.BalanceSats.String())
	}
	return sats.Quo(sats, satsPerXEC), nil
}

// Transaction looks up a transaction by id. Confirmed means it is mined into
// a block.
func (c *ExplorerClient) Transaction(ctx context.Context, txid string) (*ChainTx, error) {
	if strings.TrimSpace(txid) == "" {
		return nil, fmt.Errorf("explorer client: txid required")
	}
	var payload struct {
		TxID        string      `json:"txid"`
		BlockHeight int64       `json:"blockHeight"`
		Timestamp   json.Number `json:"timestamp"`
	}
	if err := c.get(ctx, "/tx/"+strings.TrimSpace(txid), &payload); err != nil {
		return nil, err
	}
	tx := &ChainTx{
		Hash:        payload.TxID,
		BlockHeight: payload.BlockHeight,
		Confirmed:   payload.BlockHeight > 0,
	}
	if unix, err := payload.Timestamp.Int64(); err == nil && unix > 0 {
		tx.Timestamp = time.Unix(unix, 0).UTC()
	}
	return tx, nil
}

func (c *ExplorerClient) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.root+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("explorer client: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("explorer client: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("explorer client: decode: %w", err)
	}
	return nil
}
