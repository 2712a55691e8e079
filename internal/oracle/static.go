package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// Static is a deterministic in-memory price feed. It backs dev mode and
// tests, where a substitutable stub for the production feed is required.
type Static struct {
	mu    sync.RWMutex
	quote Quote

	// nowFunc is used for the quote timestamp; overridden in tests.
	nowFunc func() time.Time
}

// NewStatic creates a static feed reporting the given 8-decimal price.
func NewStatic(price *big.Int) *Static {
	s := &Static{nowFunc: time.Now}
	s.SetPrice(price)
	return s
}

// LatestPrice implements PriceFeed.
func (s *Static) LatestPrice(ctx context.Context) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quote, nil
}

// SetPrice replaces the reported price and refreshes the quote timestamp.
func (s *Static) SetPrice(price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quote = Quote{
		Price:     new(big.Int).Set(price),
		Decimals:  QuoteDecimals,
		UpdatedAt: s.nowFunc(),
	}
}
