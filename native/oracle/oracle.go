package oracle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/observability"
	"loanzzz/storage"
)

// DefaultTTL is how long a fetched price stays fresh in memory.
const DefaultTTL = 60 * time.Second

// Quote is one resolved asset price.
type Quote struct {
	Price     *big.Rat
	Source    string
	UpdatedAt time.Time
}

// Clone deep-copies the quote.
func (q Quote) Clone() Quote {
	return Quote{Price: assets.Clone(q.Price), Source: q.Source, UpdatedAt: q.UpdatedAt}
}

// Source resolves an asset price from an upstream feed.
type Source interface {
	Name() string
	FetchPrice(ctx context.Context, asset assets.Asset) (Quote, error)
}

// DurableCache is the persisted fallback consulted when the upstream feed is
// unavailable. *storage.Store satisfies it.
type DurableCache interface {
	GetPrice(ctx context.Context, asset assets.Asset) (*ledger.PriceEntry, error)
	PutPrice(ctx context.Context, entry *ledger.PriceEntry) error
}

// Oracle is the composite price source every valuation goes through. FIRMA
// is pegged at 1 USD and never fetched; XECX shadows the XEC price. Lookup
// order for the rest: memory cache within TTL, upstream source, durable
// cache, configured default.
type Oracle struct {
	mu     sync.RWMutex
	quotes map[assets.Asset]Quote

	source   Source
	cache    DurableCache
	ttl      time.Duration
	defaults map[assets.Asset]*big.Rat
	log      *slog.Logger
	now      func() time.Time
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithTTL overrides the memory cache freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(o *Oracle) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithDefault overrides the last-resort price for an asset.
func WithDefault(asset assets.Asset, price *big.Rat) Option {
	return func(o *Oracle) {
		if asset.Valid() && price != nil {
			o.defaults[asset.PriceKey()] = assets.Clone(price)
		}
	}
}

// WithClock overrides the time source. Tests use it to expire the memory
// cache deterministically.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs the composite oracle. source may be nil, in which case the
// oracle serves only cached and default prices.
func New(source Source, cache DurableCache, log *slog.Logger, opts ...Option) *Oracle {
	if log == nil {
		log = slog.Default()
	}
	o := &Oracle{
		quotes: make(map[assets.Asset]Quote),
		source: source,
		cache:  cache,
		ttl:    DefaultTTL,
		defaults: map[assets.Asset]*big.Rat{
			assets.XEC: assets.MustRat("0.00003"),
		},
		log: log.With("component", "oracle"),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Price returns the USD price for the asset. It never fails for a supported
// asset; feed outages degrade to the durable cache and then the default.
func (o *Oracle) Price(ctx context.Context, asset assets.Asset) (*big.Rat, error) {
	if !asset.Valid() {
		return nil, errors.New("oracle: unsupported asset")
	}
	if asset == assets.FIRMA {
		return big.NewRat(1, 1), nil
	}
	key := asset.PriceKey()

	o.mu.RLock()
	quote, ok := o.quotes[key]
	o.mu.RUnlock()
	if ok && o.now().Sub(quote.UpdatedAt) < o.ttl {
		return assets.Clone(quote.Price), nil
	}
	return o.refresh(ctx, key), nil
}

// ToUSD values an amount of the asset in USD at the current price.
func (o *Oracle) ToUSD(ctx context.Context, asset assets.Asset, amount *big.Rat) (*big.Rat, error) {
	price, err := o.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return new(big.Rat).Mul(assets.Clone(amount), price), nil
}

// FromUSD converts a USD value into units of the asset. A zero price yields
// zero rather than a division error.
func (o *Oracle) FromUSD(ctx context.Context, asset assets.Asset, usd *big.Rat) (*big.Rat, error) {
	price, err := o.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	if price.Sign() == 0 {
		return new(big.Rat), nil
	}
	return new(big.Rat).Quo(assets.Clone(usd), price), nil
}

// Refresh forces an upstream fetch for every priced asset. The scheduler
// calls it on the minute tick so request paths mostly hit the memory cache.
func (o *Oracle) Refresh(ctx context.Context) View {
	o.refresh(ctx, assets.XEC)
	return o.Snapshot(ctx)
}

// Snapshot resolves every asset price once and returns an immutable view.
// Engine transactions take a View so no network call happens mid-commit.
func (o *Oracle) Snapshot(ctx context.Context) View {
	view := View{prices: make(map[assets.Asset]*big.Rat, 3), At: o.now()}
	for _, asset := range assets.All() {
		price, err := o.Price(ctx, asset)
		if err != nil {
			price = new(big.Rat)
		}
		view.prices[asset] = price
	}
	return view
}

// refresh fetches, falls back, memoises and returns the price for a key
// asset (XEC or FIRMA, never XECX).
func (o *Oracle) refresh(ctx context.Context, key assets.Asset) *big.Rat {
	if o.source != nil {
		quote, err := o.source.FetchPrice(ctx, key)
		if err == nil && assets.IsPositive(quote.Price) {
			observability.Oracle().Fetches.WithLabelValues(key.String(), "ok").Inc()
			o.store(ctx, key, quote)
			return assets.Clone(quote.Price)
		}
		observability.Oracle().Fetches.WithLabelValues(key.String(), "error").Inc()
		if err != nil {
			o.log.Warn("price fetch failed", "asset", key.String(), "error", err)
		}
	}
	if o.cache != nil {
		entry, err := o.cache.GetPrice(ctx, key)
		if err == nil && entry != nil && entry.PriceUSD != nil {
			o.memoise(key, Quote{Price: entry.PriceUSD, Source: entry.Source, UpdatedAt: entry.UpdatedAt})
			return assets.Clone(entry.PriceUSD)
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			o.log.Warn("durable price cache read failed", "asset", key.String(), "error", err)
		}
	}
	if fallback, ok := o.defaults[key]; ok {
		return assets.Clone(fallback)
	}
	return new(big.Rat)
}

func (o *Oracle) store(ctx context.Context, key assets.Asset, quote Quote) {
	quote.UpdatedAt = o.now()
	o.memoise(key, quote)
	if o.cache == nil {
		return
	}
	entry := &ledger.PriceEntry{Asset: key, PriceUSD: assets.Clone(quote.Price), Source: quote.Source, UpdatedAt: quote.UpdatedAt}
	if err := o.cache.PutPrice(ctx, entry); err != nil {
		o.log.Warn("durable price cache write failed", "asset", key.String(), "error", err)
	}
}

func (o *Oracle) memoise(key assets.Asset, quote Quote) {
	o.mu.Lock()
	o.quotes[key] = quote.Clone()
	o.mu.Unlock()
}

// View is a point-in-time price snapshot. It is immutable after creation and
// safe to pass into ledger transactions.
type View struct {
	prices map[assets.Asset]*big.Rat
	At     time.Time
}

// NewView builds a view from fixed prices. Tests and replay paths use it.
func NewView(prices map[assets.Asset]*big.Rat, at time.Time) View {
	view := View{prices: make(map[assets.Asset]*big.Rat, len(prices)), At: at}
	for asset, price := range prices {
		view.prices[asset.PriceKey()] = assets.Clone(price)
	}
	return view
}

// Price returns the snapshotted USD price for the asset, zero if absent.
func (v View) Price(asset assets.Asset) *big.Rat {
	if asset == assets.FIRMA {
		return big.NewRat(1, 1)
	}
	if price, ok := v.prices[asset.PriceKey()]; ok {
		return assets.Clone(price)
	}
	return new(big.Rat)
}

// ToUSD values an amount at the snapshotted price.
func (v View) ToUSD(asset assets.Asset, amount *big.Rat) *big.Rat {
	return new(big.Rat).Mul(assets.Clone(amount), v.Price(asset))
}

// FromUSD converts a USD value at the snapshotted price, zero if the price
// is zero.
func (v View) FromUSD(asset assets.Asset, usd *big.Rat) *big.Rat {
	price := v.Price(asset)
	if price.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).Quo(assets.Clone(usd), price)
}

// Floats renders the snapshot as float64 values keyed by symbol for API and
// websocket payloads.
func (v View) Floats() map[string]float64 {
	out := make(map[string]float64, len(v.prices)+2)
	for _, asset := range assets.All() {
		out[asset.String()] = assets.Float(v.Price(asset))
	}
	return out
}
