package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"loanzzz/native/assets"
)

// HTTPDoer abstracts the HTTP client so tests can stub upstream responses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultCoinGeckoRoot = "https://api.coingecko.com/api/v3"
	defaultFetchTimeout  = 5 * time.Second
)

// CoinGeckoSource adapts the public CoinGecko simple price API. Upstream
// calls are throttled so burst LTV sweeps cannot exhaust the free tier.
type CoinGeckoSource struct {
	client  HTTPDoer
	root    string
	idMap   map[assets.Asset]string
	timeout time.Duration
	limiter *rate.Limiter
}

// NewCoinGeckoSource constructs the adapter. root defaults to the public API
// and idMap maps platform assets to CoinGecko identifiers (XEC → "ecash").
func NewCoinGeckoSource(client HTTPDoer, root string, idMap map[assets.Asset]string) *CoinGeckoSource {
	trimmed := strings.TrimRight(strings.TrimSpace(root), "/")
	if trimmed == "" {
		trimmed = defaultCoinGeckoRoot
	}
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	mapped := map[assets.Asset]string{assets.XEC: "ecash"}
	for asset, id := range idMap {
		if asset.Valid() && strings.TrimSpace(id) != "" {
			mapped[asset.PriceKey()] = strings.TrimSpace(id)
		}
	}
	return &CoinGeckoSource{
		client:  client,
		root:    trimmed,
		idMap:   mapped,
		timeout: defaultFetchTimeout,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 2),
	}
}

// Name implements Source.
func (s *CoinGeckoSource) Name() string { return "coingecko" }

// FetchPrice implements Source by querying /simple/price for the asset's
// mapped identifier.
func (s *CoinGeckoSource) FetchPrice(ctx context.Context, asset assets.Asset) (Quote, error) {
	if s == nil {
		return Quote{}, fmt.Errorf("coingecko source not configured")
	}
	id, ok := s.idMap[asset.PriceKey()]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko source: unmapped asset %s", asset)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Quote{}, fmt.Errorf("coingecko source: throttle: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.root+"/simple/price", nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko source: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko source: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko source: quote missing for %s", asset)
	}
	raw, ok := entry["usd"]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko source: empty price for %s", asset)
	}
	price, ok := new(big.Rat).SetString(raw.String())
	if !ok || price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("coingecko source: invalid price %q", raw.String())
	}

	ts := time.Now().UTC()
	if rawTS, ok := entry["last_updated_at"]; ok {
		if unix, err := strconv.ParseInt(rawTS.String(), 10, 64); err == nil && unix > 0 {
			ts = time.Unix(unix, 0).UTC()
		}
	}
	return Quote{Price: price, Source: s.Name(), UpdatedAt: ts}, nil
}
