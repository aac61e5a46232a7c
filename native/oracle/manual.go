package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"loanzzz/native/assets"
)

// ManualSource serves operator-set prices. Tests and air-gapped deployments
// use it in place of the CoinGecko feed.
type ManualSource struct {
	mu     sync.RWMutex
	quotes map[assets.Asset]Quote
}

// NewManualSource constructs an empty manual source.
func NewManualSource() *ManualSource {
	return &ManualSource{quotes: make(map[assets.Asset]Quote)}
}

// Set records the price for an asset.
func (s *ManualSource) Set(asset assets.Asset, price *big.Rat) {
	s.mu.Lock()
	s.quotes[asset.PriceKey()] = Quote{Price: assets.Clone(price), Source: s.Name(), UpdatedAt: time.Now().UTC()}
	s.mu.Unlock()
}

// Name implements Source.
func (s *ManualSource) Name() string { return "manual" }

// FetchPrice implements Source.
func (s *ManualSource) FetchPrice(_ context.Context, asset assets.Asset) (Quote, error) {
	s.mu.RLock()
	quote, ok := s.quotes[asset.PriceKey()]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("manual source: no price for %s", asset)
	}
	return quote.Clone(), nil
}
