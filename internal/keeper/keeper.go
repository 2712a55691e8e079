// Package keeper runs the automated expiry sweep: it polls the ledger's
// cheap read (CheckExpiry) on an interval and submits each reported locator
// to the re-validated write (ResolveExpiry). The ledger survives slow,
// duplicate, or stale submissions on its own, so the keeper needs no
// coordination with other actors; an external keeper hitting the HTTP sweep
// endpoints concurrently is harmless.
package keeper

import (
	"context"
	"time"

	apperrors "github.com/trigslink/blockend/internal/errors"
	"github.com/trigslink/blockend/internal/ledger"
	"github.com/trigslink/blockend/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is the sweep polling interval when none is configured.
const DefaultInterval = time.Minute

// maxResolutionsPerTick bounds one tick's work so a huge backlog cannot
// starve the loop of cancellation checks.
const maxResolutionsPerTick = 1000

// Keeper drives the expiry sweep against one ledger.
type Keeper struct {
	ledger   *ledger.Ledger
	interval time.Duration
}

// New creates a keeper. A non-positive interval falls back to the default.
func New(l *ledger.Ledger, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Keeper{ledger: l, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	log.Info().Dur("interval", k.interval).Msg("Expiry keeper started")
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry keeper stopped")
			return
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}

// Sweep drains all currently eligible expiries. Returns the number resolved.
func (k *Keeper) Sweep(ctx context.Context) int {
	start := time.Now()
	resolved := 0

	for resolved < maxResolutionsPerTick {
		if ctx.Err() != nil {
			break
		}
		found, loc := k.ledger.CheckExpiry()
		if !found {
			break
		}
		if err := k.ledger.ResolveExpiry(loc); err != nil {
			// Another actor got there first, or the read ran ahead of
			// the clock. The next CheckExpiry re-scans, so neither
			// case can loop on the same locator.
			if apperrors.IsPrecondition(err) {
				log.Debug().Err(err).Str("consumer", loc.Consumer).Int("index", loc.Index).Msg("Sweep race lost")
				continue
			}
			log.Error().Err(err).Str("consumer", loc.Consumer).Int("index", loc.Index).Msg("Expiry resolution failed")
			break
		}
		resolved++
		metrics.SweepResolved.Inc()
	}

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if resolved > 0 {
		log.Info().Int("resolved", resolved).Dur("took", time.Since(start)).Msg("Expiry sweep completed")
	}
	return resolved
}
