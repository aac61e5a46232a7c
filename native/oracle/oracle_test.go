package oracle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/storage"
)

type stubDoer struct {
	status int
	body   string
	err    error
	calls  int
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(bytes.NewBufferString(d.body)),
		Request:    req,
	}, nil
}

type memCache struct {
	entries map[assets.Asset]*ledger.PriceEntry
	puts    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[assets.Asset]*ledger.PriceEntry)}
}

func (c *memCache) GetPrice(_ context.Context, asset assets.Asset) (*ledger.PriceEntry, error) {
	entry, ok := c.entries[asset]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return entry, nil
}

func (c *memCache) PutPrice(_ context.Context, entry *ledger.PriceEntry) error {
	c.puts++
	c.entries[entry.Asset] = entry
	return nil
}

func rat(t *testing.T, value string) *big.Rat {
	t.Helper()
	r, err := assets.Rat(value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return r
}

func TestFirmaIsPeggedAtOne(t *testing.T) {
	o := New(nil, nil, nil)
	price, err := o.Price(context.Background(), assets.FIRMA)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("FIRMA price = %s, want 1", price.FloatString(2))
	}
}

func TestXECXShadowsXEC(t *testing.T) {
	source := NewManualSource()
	source.Set(assets.XEC, rat(t, "0.00003"))
	o := New(source, newMemCache(), nil)

	xec, err := o.Price(context.Background(), assets.XEC)
	if err != nil {
		t.Fatalf("xec price: %v", err)
	}
	xecx, err := o.Price(context.Background(), assets.XECX)
	if err != nil {
		t.Fatalf("xecx price: %v", err)
	}
	if xec.Cmp(xecx) != 0 {
		t.Fatalf("xecx %s != xec %s", xecx.FloatString(8), xec.FloatString(8))
	}
}

func TestMemoryCacheHonoursTTL(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	source := NewManualSource()
	source.Set(assets.XEC, rat(t, "0.00003"))
	cache := newMemCache()
	o := New(source, cache, nil, WithClock(clock), WithTTL(time.Minute))

	ctx := context.Background()
	if _, err := o.Price(ctx, assets.XEC); err != nil {
		t.Fatalf("first price: %v", err)
	}
	if cache.puts != 1 {
		t.Fatalf("durable writes = %d, want 1", cache.puts)
	}

	// A second read inside the TTL must not refetch.
	source.Set(assets.XEC, rat(t, "0.00009"))
	price, err := o.Price(ctx, assets.XEC)
	if err != nil {
		t.Fatalf("cached price: %v", err)
	}
	if price.Cmp(rat(t, "0.00003")) != 0 {
		t.Fatalf("cached price = %s, want stale 0.00003", price.FloatString(8))
	}

	// Past the TTL the new upstream value wins.
	now = now.Add(61 * time.Second)
	price, err = o.Price(ctx, assets.XEC)
	if err != nil {
		t.Fatalf("refetched price: %v", err)
	}
	if price.Cmp(rat(t, "0.00009")) != 0 {
		t.Fatalf("refetched price = %s, want 0.00009", price.FloatString(8))
	}
}

func TestFallbackToDurableCacheThenDefault(t *testing.T) {
	cache := newMemCache()
	cache.entries[assets.XEC] = &ledger.PriceEntry{
		Asset:     assets.XEC,
		PriceUSD:  rat(t, "0.000025"),
		Source:    "coingecko",
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	failing := NewManualSource() // no price set, every fetch fails
	o := New(failing, cache, nil)

	price, err := o.Price(context.Background(), assets.XEC)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(rat(t, "0.000025")) != 0 {
		t.Fatalf("durable fallback = %s, want 0.000025", price.FloatString(8))
	}

	bare := New(NewManualSource(), newMemCache(), nil)
	price, err = bare.Price(context.Background(), assets.XEC)
	if err != nil {
		t.Fatalf("default price: %v", err)
	}
	if price.Cmp(rat(t, "0.00003")) != 0 {
		t.Fatalf("default = %s, want 0.00003", price.FloatString(8))
	}
}

func TestFromUSDZeroPrice(t *testing.T) {
	o := New(nil, nil, nil, WithDefault(assets.XEC, new(big.Rat)))
	amount, err := o.FromUSD(context.Background(), assets.XEC, rat(t, "10"))
	if err != nil {
		t.Fatalf("from usd: %v", err)
	}
	if amount.Sign() != 0 {
		t.Fatalf("zero price conversion = %s, want 0", amount.FloatString(2))
	}
}

func TestSnapshotViewArithmetic(t *testing.T) {
	view := NewView(map[assets.Asset]*big.Rat{assets.XEC: rat(t, "0.00003")}, time.Now().UTC())

	usd := view.ToUSD(assets.XEC, rat(t, "1000000"))
	if usd.Cmp(rat(t, "30")) != 0 {
		t.Fatalf("1M xec = %s USD, want 30", usd.FloatString(2))
	}
	if view.Price(assets.XECX).Cmp(rat(t, "0.00003")) != 0 {
		t.Fatalf("xecx view price = %s", view.Price(assets.XECX).FloatString(8))
	}
	back := view.FromUSD(assets.XEC, usd)
	if back.Cmp(rat(t, "1000000")) != 0 {
		t.Fatalf("round trip = %s, want 1000000", back.FloatString(2))
	}
	floats := view.Floats()
	if floats["FIRMA"] != 1 {
		t.Fatalf("FIRMA float = %v", floats["FIRMA"])
	}
}

func TestCoinGeckoSourceParsesSimplePrice(t *testing.T) {
	doer := &stubDoer{
		status: http.StatusOK,
		body:   `{"ecash":{"usd":0.0000312,"last_updated_at":1724630400}}`,
	}
	source := NewCoinGeckoSource(doer, "https://example.test/api/v3", nil)

	quote, err := source.FetchPrice(context.Background(), assets.XEC)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if quote.Price.Cmp(rat(t, "0.0000312")) != 0 {
		t.Fatalf("price = %s, want 0.0000312", quote.Price.FloatString(8))
	}
	if quote.Source != "coingecko" {
		t.Fatalf("source = %q", quote.Source)
	}
	if quote.UpdatedAt.Unix() != 1724630400 {
		t.Fatalf("timestamp = %v", quote.UpdatedAt)
	}
	if doer.calls != 1 {
		t.Fatalf("calls = %d", doer.calls)
	}
}

func TestCoinGeckoSourceErrors(t *testing.T) {
	cases := []struct {
		name string
		doer *stubDoer
	}{
		{"transport", &stubDoer{err: errors.New("dial timeout")}},
		{"status", &stubDoer{status: http.StatusTooManyRequests, body: `rate limited`}},
		{"missing", &stubDoer{status: http.StatusOK, body: `{}`}},
		{"invalid", &stubDoer{status: http.StatusOK, body: `{"ecash":{"usd":-1}}`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := NewCoinGeckoSource(tc.doer, "", nil)
			if _, err := source.FetchPrice(context.Background(), assets.XEC); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
