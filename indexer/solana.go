package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
)

// SignatureStatus is the settlement state of a Solana transaction signature.
type SignatureStatus struct {
	Found              bool
	Slot               uint64
	ConfirmationStatus string
	Failed             bool
}

// Finalized reports whether the transaction cannot be rolled back.
func (s SignatureStatus) Finalized() bool {
	return s.Found && !s.Failed && s.ConfirmationStatus == "finalized"
}

// SolanaClient speaks the small JSON-RPC subset needed to observe stablecoin
// deposits: signature status lookups and SPL token account balances.
type SolanaClient struct {
	client   HTTPDoer
	endpoint string
}

// NewSolanaClient builds a client for the RPC node at endpoint.
func NewSolanaClient(client HTTPDoer, endpoint string) (*SolanaClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("solana client: endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &SolanaClient{client: client, endpoint: trimmed}, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SignatureStatus resolves one transaction signature, searching full history
// so older deposits still confirm.
func (c *SolanaClient) SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error) {
	if strings.TrimSpace(signature) == "" {
		return SignatureStatus{}, fmt.Errorf("solana client: signature required")
	}
	var result struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	params := []any{
		[]string{strings.TrimSpace(signature)},
		map[string]bool{"searchTransactionHistory": true},
	}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return SignatureStatus{}, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	entry := result.Value[0]
	return SignatureStatus{
		Found:              true,
		Slot:               entry.Slot,
		ConfirmationStatus: entry.ConfirmationStatus,
		Failed:             len(entry.Err) > 0 && string(entry.Err) != "null",
	}, nil
}

// TokenAccountBalance returns the UI balance of an SPL token account.
func (c *SolanaClient) TokenAccountBalance(ctx context.Context, account string) (*big.Rat, error) {
	if strings.TrimSpace(account) == "" {
		return nil, fmt.Errorf("solana client: account required")
	}
	var result struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals int    `json:"decimals"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountBalance", []any{strings.TrimSpace(account)}, &result); err != nil {
		return nil, err
	}
	raw, ok := new(big.Rat).SetString(result.Value.Amount)
	if !ok || raw.Sign() < 0 {
		return nil, fmt.Errorf("solana client: invalid amount %q", result.Value.Amount)
	}
	scale := new(big.Rat).SetInt64(1)
	for i := 0; i < result.Value.Decimals; i++ {
		scale.Mul(scale, big.NewRat(10, 1))
	}
	return raw.Quo(raw, scale), nil
}

func (c *SolanaClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("solana client: marshal %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("solana client: %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("solana client: %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("solana client: %s: decode: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("solana client: %s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("solana client: %s: decode result: %w", method, err)
	}
	return nil
}
