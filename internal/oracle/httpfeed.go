package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/trigslink/blockend/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultMaxStaleness = 5 * time.Minute
	maxFeedResponseSize = 1 << 16 // 64KB is far beyond any sane quote payload
)

// feedResponse is the wire shape of the upstream quote endpoint. Price is a
// decimal string because 8-decimal fixed-point values overflow float64
// precision for large assets.
type feedResponse struct {
	Price     string `json:"price"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updated_at"` // unix seconds
}

// HTTPFeed polls a JSON quote endpoint and serves the last observed quote.
// A quote older than the staleness window is still served, but logged, so
// operators can see a dying upstream before prices drift badly.
type HTTPFeed struct {
	url          string
	client       *http.Client
	pollInterval time.Duration
	maxStaleness time.Duration

	mu    sync.RWMutex
	quote Quote
	got   bool
}

// HTTPFeedConfig configures an HTTPFeed. Zero values fall back to defaults.
type HTTPFeedConfig struct {
	URL          string
	PollInterval time.Duration
	MaxStaleness time.Duration
	Client       *http.Client
}

// NewHTTPFeed creates a feed for the given endpoint. Run must be started for
// the quote to refresh in the background; LatestPrice also fetches on demand
// when no quote has been observed yet.
func NewHTTPFeed(cfg HTTPFeedConfig) *HTTPFeed {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxStaleness := cfg.MaxStaleness
	if maxStaleness <= 0 {
		maxStaleness = defaultMaxStaleness
	}
	return &HTTPFeed{
		url:          cfg.URL,
		client:       client,
		pollInterval: pollInterval,
		maxStaleness: maxStaleness,
	}
}

// Run polls the upstream endpoint until ctx is cancelled.
func (f *HTTPFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	if err := f.refresh(ctx); err != nil {
		log.Warn().Err(err).Str("url", f.url).Msg("Initial oracle fetch failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.refresh(ctx); err != nil {
				log.Warn().Err(err).Str("url", f.url).Msg("Oracle refresh failed")
			}
		}
	}
}

// LatestPrice implements PriceFeed. Serves the cached quote; fetches
// synchronously only when nothing has been observed yet.
func (f *HTTPFeed) LatestPrice(ctx context.Context) (Quote, error) {
	f.mu.RLock()
	quote, got := f.quote, f.got
	f.mu.RUnlock()

	if !got {
		if err := f.refresh(ctx); err != nil {
			return Quote{}, err
		}
		f.mu.RLock()
		quote = f.quote
		f.mu.RUnlock()
		return quote, nil
	}

	if age := time.Since(quote.UpdatedAt); age > f.maxStaleness {
		log.Warn().Dur("age", age).Str("url", f.url).Msg("Serving stale oracle quote")
	}
	return quote, nil
}

func (f *HTTPFeed) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("build oracle request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch oracle quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedResponseSize))
	if err != nil {
		return fmt.Errorf("read oracle response: %w", err)
	}

	var wire feedResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return fmt.Errorf("decode oracle response: %w", err)
	}

	price, ok := new(big.Int).SetString(wire.Price, 10)
	if !ok {
		return fmt.Errorf("%w: unparsable price %q", apperrors.ErrInvalidOraclePrice, wire.Price)
	}

	updatedAt := time.Now()
	if wire.UpdatedAt > 0 {
		updatedAt = time.Unix(wire.UpdatedAt, 0)
	}
	decimals := wire.Decimals
	if decimals == 0 {
		decimals = QuoteDecimals
	}

	f.mu.Lock()
	f.quote = Quote{Price: price, Decimals: decimals, UpdatedAt: updatedAt}
	f.got = true
	f.mu.Unlock()

	log.Debug().Str("price", price.String()).Uint8("decimals", decimals).Msg("Oracle quote refreshed")
	return nil
}
