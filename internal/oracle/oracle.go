// Package oracle provides the native/USD price feed consumed by the registry
// and the subscription ledger. The feed is modeled as a narrow synchronous
// capability so a deterministic stub can stand in for the production feed in
// tests; quotes are never cached by callers, so fees and payments track
// market volatility.
package oracle

import (
	"context"
	"math/big"
	"time"

	apperrors "github.com/trigslink/blockend/internal/errors"
)

// QuoteDecimals is the fixed-point scale of feed prices. The production feed
// reports 8 decimal places; the value is part of the feed contract.
const QuoteDecimals = 8

// UsdDecimals is the fixed-point scale of USD amounts throughout the system.
const UsdDecimals = 18

// Quote is one observation of the native/USD exchange rate.
type Quote struct {
	// Price is the USD price of one native unit, scaled by 10^Decimals.
	// Signed because the upstream feed contract is signed; non-positive
	// values are rejected at conversion time.
	Price *big.Int

	// Decimals is the fixed-point scale of Price.
	Decimals uint8

	// UpdatedAt is when the feed last observed this price.
	UpdatedAt time.Time
}

// PriceFeed is the capability interface for the external price oracle.
type PriceFeed interface {
	// LatestPrice returns the most recent quote. The quote may be stale;
	// validity of the price value itself is checked by the conversion
	// helpers, not here.
	LatestPrice(ctx context.Context) (Quote, error)
}

// UsdToNative converts an 18-decimal USD amount into native-asset terms at
// the given quote: native = usd * 10^decimals / price. Fails with
// ErrInvalidOraclePrice when the quote is non-positive.
func UsdToNative(usd *big.Int, q Quote) (*big.Int, error) {
	if q.Price == nil || q.Price.Sign() <= 0 {
		return nil, apperrors.ErrInvalidOraclePrice
	}
	if usd == nil || usd.Sign() < 0 {
		return nil, apperrors.ErrInvalidInput
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(q.Decimals)), nil)
	native := new(big.Int).Mul(usd, scale)
	return native.Quo(native, q.Price), nil
}

// ValidPrice returns the quote's price after rejecting non-positive values
// with ErrInvalidOraclePrice.
func ValidPrice(q Quote) (*big.Int, error) {
	if q.Price == nil || q.Price.Sign() <= 0 {
		return nil, apperrors.ErrInvalidOraclePrice
	}
	return new(big.Int).Set(q.Price), nil
}
