// Package registry maintains the definitive set of priced service listings.
// Listings are append-only: ids are assigned monotonically, never reused, and
// a listing is only ever created or overwritten in place by its owner.
// Deletion is not supported, so every id below the high-water mark stays
// valid forever.
package registry

import (
	"context"
	"math/big"
	"strings"
	"sync"

	apperrors "github.com/trigslink/blockend/internal/errors"
	"github.com/trigslink/blockend/internal/events"
	"github.com/trigslink/blockend/internal/metrics"
	"github.com/trigslink/blockend/internal/oracle"
	"github.com/rs/zerolog/log"
)

// Listing is one provider's priced service entry.
type Listing struct {
	ID          uint64   `json:"id"`
	Owner       string   `json:"owner"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	PriceUSD    *big.Int `json:"priceUsd"` // 18-decimal fixed point, per period
}

// Journal persists registry mutations. Implementations are write-through and
// best-effort: the in-memory state is authoritative and a journal failure
// must not be able to corrupt it.
type Journal interface {
	SaveListing(l Listing) error
	SaveRegistryBalance(balance *big.Int) error
}

// Config wires a Registry's collaborators.
type Config struct {
	Feed     oracle.PriceFeed
	Recorder events.Recorder
	Journal  Journal // optional
	Admin    string  // principal allowed to withdraw the fee balance
	FeeUSD   *big.Int
}

// Registry owns the listing table, the per-owner index, and the accrued
// listing-fee balance. All public methods are safe for concurrent use; each
// runs to completion atomically under one lock.
type Registry struct {
	mu       sync.RWMutex
	feed     oracle.PriceFeed
	recorder events.Recorder
	journal  Journal
	admin    string
	feeUSD   *big.Int

	listings []Listing // index == id; ids are dense from 0
	byOwner  map[string][]uint64
	balance  *big.Int
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	feeUSD := cfg.FeeUSD
	if feeUSD == nil {
		feeUSD = big.NewInt(0)
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.Fanout{}
	}
	return &Registry{
		feed:     cfg.Feed,
		recorder: recorder,
		journal:  cfg.Journal,
		admin:    cfg.Admin,
		feeUSD:   new(big.Int).Set(feeUSD),
		byOwner:  make(map[string][]uint64),
		balance:  big.NewInt(0),
	}
}

// Restore loads previously persisted state. Call before serving traffic;
// listings must be ordered by id with no gaps.
func (r *Registry) Restore(listings []Listing, balance *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listings = make([]Listing, 0, len(listings))
	r.byOwner = make(map[string][]uint64)
	for _, l := range listings {
		l.PriceUSD = cloneAmount(l.PriceUSD)
		r.listings = append(r.listings, l)
		r.byOwner[l.Owner] = append(r.byOwner[l.Owner], l.ID)
	}
	if balance != nil {
		r.balance = new(big.Int).Set(balance)
	}
}

// RequiredListingFee converts the fixed USD registration fee into
// native-asset terms at the current oracle rate. The conversion happens at
// call time, never cached, so the fee tracks market volatility; the short
// under/overpayment windows that creates are accepted.
func (r *Registry) RequiredListingFee(ctx context.Context) (*big.Int, error) {
	quote, err := r.feed.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}
	return oracle.UsdToNative(r.feeUSD, quote)
}

// Register publishes a new listing owned by the caller. paidFee must meet the
// current native-asset listing fee; any excess is retained.
func (r *Registry) Register(ctx context.Context, owner, name string, priceUSD *big.Int, description, url string, paidFee *big.Int) (uint64, error) {
	const op = "register_listing"

	if strings.TrimSpace(owner) == "" || strings.TrimSpace(name) == "" {
		return 0, apperrors.Wrap(op, owner, apperrors.ErrInvalidInput)
	}
	if priceUSD == nil || priceUSD.Sign() < 0 {
		return 0, apperrors.Wrap(op, owner, apperrors.ErrInvalidInput)
	}
	if paidFee == nil {
		paidFee = big.NewInt(0)
	}

	required, err := r.RequiredListingFee(ctx)
	if err != nil {
		return 0, apperrors.Wrap(op, owner, err)
	}
	if paidFee.Cmp(required) < 0 {
		metrics.PaymentsRejected.WithLabelValues("listing_fee").Inc()
		return 0, apperrors.Wrap(op, owner, apperrors.ErrInsufficientPayment)
	}

	r.mu.Lock()
	id := uint64(len(r.listings))
	listing := Listing{
		ID:          id,
		Owner:       owner,
		Name:        name,
		Description: description,
		URL:         url,
		PriceUSD:    new(big.Int).Set(priceUSD),
	}
	r.listings = append(r.listings, listing)
	r.byOwner[owner] = append(r.byOwner[owner], id)
	r.balance.Add(r.balance, paidFee)
	balance := new(big.Int).Set(r.balance)
	r.mu.Unlock()

	r.journalListing(listing)
	r.journalBalance(balance)

	metrics.ListingsRegistered.Inc()
	r.recorder.Record(events.New(events.TypeListingRegistered, events.ListingRegistered{
		Owner:     owner,
		PaidFee:   new(big.Int).Set(paidFee),
		ListingID: id,
	}))

	log.Info().Str("owner", owner).Uint64("listingId", id).Str("name", name).Msg("Listing registered")
	return id, nil
}

// Update overwrites the mutable fields of a listing in place. Only the
// listing's owner may update it; ownership itself is immutable.
func (r *Registry) Update(caller string, id uint64, name string, priceUSD *big.Int, description, url string) error {
	const op = "update_listing"

	if strings.TrimSpace(name) == "" || priceUSD == nil || priceUSD.Sign() < 0 {
		return apperrors.Wrap(op, caller, apperrors.ErrInvalidInput)
	}

	r.mu.Lock()
	if id >= uint64(len(r.listings)) {
		r.mu.Unlock()
		return apperrors.Wrap(op, caller, apperrors.ErrNotFound)
	}
	if r.listings[id].Owner != caller {
		r.mu.Unlock()
		return apperrors.Wrap(op, caller, apperrors.ErrUnauthorized)
	}
	r.listings[id].Name = name
	r.listings[id].Description = description
	r.listings[id].URL = url
	r.listings[id].PriceUSD = new(big.Int).Set(priceUSD)
	updated := r.listings[id]
	r.mu.Unlock()

	r.journalListing(updated)

	metrics.ListingsUpdated.Inc()
	r.recorder.Record(events.New(events.TypeListingUpdated, events.ListingUpdated{
		Owner:     caller,
		ListingID: id,
		PriceUSD:  new(big.Int).Set(priceUSD),
	}))

	log.Info().Str("owner", caller).Uint64("listingId", id).Msg("Listing updated")
	return nil
}

// Details returns the listing with the given id.
func (r *Registry) Details(id uint64) (Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id >= uint64(len(r.listings)) {
		return Listing{}, apperrors.Wrap("get_listing", "", apperrors.ErrNotFound)
	}
	return cloneListing(r.listings[id]), nil
}

// Exists reports whether the id refers to a registered listing. Total
// function; never fails.
func (r *Registry) Exists(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id < uint64(len(r.listings))
}

// Count returns the number of registered listings (the next id to assign).
func (r *Registry) Count() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.listings))
}

// ListByOwner returns the caller's listings in registration order.
func (r *Registry) ListByOwner(owner string) []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOwner[owner]
	out := make([]Listing, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneListing(r.listings[id]))
	}
	return out
}

// Balance returns the accrued listing-fee balance.
func (r *Registry) Balance() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return new(big.Int).Set(r.balance)
}

// Withdraw sweeps the accrued fee balance to dest. Admin only.
func (r *Registry) Withdraw(caller, dest string) (*big.Int, error) {
	const op = "registry_withdraw"

	r.mu.Lock()
	if caller != r.admin || r.admin == "" {
		r.mu.Unlock()
		return nil, apperrors.Wrap(op, caller, apperrors.ErrUnauthorized)
	}
	if r.balance.Sign() == 0 {
		r.mu.Unlock()
		return nil, apperrors.Wrap(op, caller, apperrors.ErrNothingToWithdraw)
	}
	amount := r.balance
	r.balance = big.NewInt(0)
	r.mu.Unlock()

	r.journalBalance(big.NewInt(0))

	r.recorder.Record(events.New(events.TypeWithdrawal, events.Withdrawal{
		Component: "registry",
		To:        dest,
		Amount:    new(big.Int).Set(amount),
	}))

	log.Info().Str("to", dest).Str("amount", amount.String()).Msg("Registry balance withdrawn")
	return amount, nil
}

func (r *Registry) journalListing(l Listing) {
	if r.journal == nil {
		return
	}
	if err := r.journal.SaveListing(l); err != nil {
		log.Error().Err(err).Uint64("listingId", l.ID).Msg("Failed to journal listing")
	}
}

func (r *Registry) journalBalance(balance *big.Int) {
	if r.journal == nil {
		return
	}
	if err := r.journal.SaveRegistryBalance(balance); err != nil {
		log.Error().Err(err).Msg("Failed to journal registry balance")
	}
}

func cloneListing(l Listing) Listing {
	l.PriceUSD = cloneAmount(l.PriceUSD)
	return l
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
