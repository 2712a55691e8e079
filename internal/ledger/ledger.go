// Package ledger tracks paid, time-boxed subscriptions against registered
// listings. Each consumer owns an append-only sequence of subscription
// records; the index inside that sequence is the record's stable local
// identifier and is referenced externally by the sweep and resolve
// operations, so records are never reordered or compacted.
package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	apperrors "github.com/trigslink/blockend/internal/errors"
	"github.com/trigslink/blockend/internal/events"
	"github.com/trigslink/blockend/internal/metrics"
	"github.com/trigslink/blockend/internal/oracle"
	"github.com/trigslink/blockend/internal/registry"
	"github.com/rs/zerolog/log"
)

// DefaultGracePeriod is the active window of a subscription when none is
// configured.
const DefaultGracePeriod = 30 * 24 * time.Hour

// Status is the lifecycle state of a subscription. The only legal transition
// is Active -> Completed, applied at most once.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Subscription is one consumer's paid access window to one listing. Provider
// and ServiceURL are copied from the listing at subscribe time and never
// re-read, so later listing updates cannot reprice or redirect a
// subscription that was already paid for.
type Subscription struct {
	ListingID  uint64    `json:"listingId"`
	Provider   string    `json:"provider"`
	AmountPaid *big.Int  `json:"amountPaid"`
	StartTime  time.Time `json:"startTime"`
	Status     Status    `json:"status"`
	ServiceURL string    `json:"serviceUrl"`
}

// Locator identifies one subscription for the resolve operation: the owning
// consumer plus the stable index inside that consumer's sequence.
type Locator struct {
	Consumer string `json:"consumer"`
	Index    int    `json:"index"`
}

// ListingSource is the registry read surface the ledger depends on.
type ListingSource interface {
	Exists(id uint64) bool
	Details(id uint64) (registry.Listing, error)
}

// Journal persists ledger mutations. Write-through and best-effort; the
// in-memory state stays authoritative.
type Journal interface {
	AddParticipant(principal string) error
	SaveSubscription(consumer string, index int, s Subscription) error
	SaveLedgerBalance(balance *big.Int) error
	SaveCredit(principal string, credit *big.Int) error
}

// Config wires a Ledger's collaborators.
type Config struct {
	Listings    ListingSource
	Feed        oracle.PriceFeed
	Recorder    events.Recorder
	Journal     Journal // optional
	Admin       string  // principal allowed to penalize and withdraw
	GracePeriod time.Duration
}

// Ledger owns per-consumer subscription sequences, the participant index
// bounding the sweep domain, refund credits, and the retained payment
// balance. All public methods are safe for concurrent use; each runs to
// completion atomically under one lock, which is the Go rendition of the
// single-writer execution model the lifecycle rules assume.
type Ledger struct {
	mu       sync.RWMutex
	listings ListingSource
	feed     oracle.PriceFeed
	recorder events.Recorder
	journal  Journal
	admin    string
	grace    time.Duration

	subs         map[string][]Subscription
	participants []string        // insertion order, bounds the sweep
	member       map[string]bool // O(1) at-most-once membership
	balance      *big.Int
	credits      map[string]*big.Int

	// nowFunc is used for time; overridden in tests.
	nowFunc func() time.Time
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.Fanout{}
	}
	return &Ledger{
		listings: cfg.Listings,
		feed:     cfg.Feed,
		recorder: recorder,
		journal:  cfg.Journal,
		admin:    cfg.Admin,
		grace:    grace,
		subs:     make(map[string][]Subscription),
		member:   make(map[string]bool),
		balance:  big.NewInt(0),
		credits:  make(map[string]*big.Int),
		nowFunc:  time.Now,
	}
}

// GracePeriod returns the configured grace period.
func (l *Ledger) GracePeriod() time.Duration {
	return l.grace
}

// Restore loads previously persisted state. Call before serving traffic.
// participants must preserve original insertion order; each consumer's
// subscriptions must preserve creation order.
func (l *Ledger) Restore(participants []string, subs map[string][]Subscription, balance *big.Int, credits map[string]*big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.participants = nil
	l.member = make(map[string]bool)
	l.subs = make(map[string][]Subscription)
	for _, p := range participants {
		if l.member[p] {
			continue
		}
		l.member[p] = true
		l.participants = append(l.participants, p)
	}
	for consumer, seq := range subs {
		cloned := make([]Subscription, len(seq))
		for i, s := range seq {
			s.AmountPaid = cloneAmount(s.AmountPaid)
			cloned[i] = s
		}
		l.subs[consumer] = cloned
	}
	if balance != nil {
		l.balance = new(big.Int).Set(balance)
	}
	l.credits = make(map[string]*big.Int)
	for p, c := range credits {
		l.credits[p] = cloneAmount(c)
	}
}

// Subscribe pays for one period of access to the listing. The required
// payment is the listing's USD price converted at the current oracle rate;
// excess above the requirement is retained, not refunded. Returns the new
// subscription's stable index within the caller's sequence.
func (l *Ledger) Subscribe(ctx context.Context, consumer string, listingID uint64, paid *big.Int) (int, error) {
	const op = "subscribe"

	if strings.TrimSpace(consumer) == "" {
		return 0, apperrors.Wrap(op, consumer, apperrors.ErrInvalidInput)
	}
	if paid == nil {
		paid = big.NewInt(0)
	}

	if !l.listings.Exists(listingID) {
		return 0, apperrors.Wrap(op, consumer, apperrors.ErrUnknownListing)
	}
	listing, err := l.listings.Details(listingID)
	if err != nil {
		return 0, apperrors.Wrap(op, consumer, apperrors.ErrUnknownListing)
	}

	quote, err := l.feed.LatestPrice(ctx)
	if err != nil {
		return 0, apperrors.Wrap(op, consumer, err)
	}
	required, err := oracle.UsdToNative(listing.PriceUSD, quote)
	if err != nil {
		return 0, apperrors.Wrap(op, consumer, err)
	}
	if paid.Cmp(required) < 0 {
		metrics.PaymentsRejected.WithLabelValues("subscription").Inc()
		return 0, apperrors.Wrap(op, consumer, apperrors.ErrInsufficientPayment)
	}

	l.mu.Lock()
	if !l.member[consumer] {
		l.member[consumer] = true
		l.participants = append(l.participants, consumer)
	}
	sub := Subscription{
		ListingID:  listingID,
		Provider:   listing.Owner,
		AmountPaid: new(big.Int).Set(paid),
		StartTime:  l.nowFunc(),
		Status:     StatusActive,
		ServiceURL: listing.URL,
	}
	l.subs[consumer] = append(l.subs[consumer], sub)
	index := len(l.subs[consumer]) - 1
	l.balance.Add(l.balance, paid)
	balance := new(big.Int).Set(l.balance)
	l.mu.Unlock()

	l.journalParticipant(consumer)
	l.journalSubscription(consumer, index, sub)
	l.journalBalance(balance)

	metrics.SubscriptionsCreated.Inc()
	l.recorder.Record(events.New(events.TypeSubscribed, events.Subscribed{
		Consumer:  consumer,
		Index:     index,
		ListingID: listingID,
		Paid:      new(big.Int).Set(paid),
	}))

	log.Info().
		Str("consumer", consumer).
		Uint64("listingId", listingID).
		Int("index", index).
		Str("paid", paid.String()).
		Msg("Subscription created")
	return index, nil
}

// Penalize force-completes and refunds every active subscription tied to the
// listing. Admin only. The scan covers every participant's every
// subscription so no active subscription can be missed. Returns the number of
// subscriptions refunded.
func (l *Ledger) Penalize(caller string, listingID uint64) (int, error) {
	const op = "penalize"

	if caller != l.admin || l.admin == "" {
		return 0, apperrors.Wrap(op, caller, apperrors.ErrUnauthorized)
	}

	type resolved struct {
		consumer string
		index    int
		sub      Subscription
		credit   *big.Int
	}

	l.mu.Lock()
	var hits []resolved
	for _, consumer := range l.participants {
		seq := l.subs[consumer]
		for i := range seq {
			if seq[i].Status != StatusActive || seq[i].ListingID != listingID {
				continue
			}
			seq[i].Status = StatusCompleted
			refund := new(big.Int).Set(seq[i].AmountPaid)
			credit := l.creditLocked(consumer)
			credit.Add(credit, refund)
			l.debitBalanceLocked(refund)
			hits = append(hits, resolved{
				consumer: consumer,
				index:    i,
				sub:      seq[i],
				credit:   new(big.Int).Set(credit),
			})
		}
	}
	balance := new(big.Int).Set(l.balance)
	l.mu.Unlock()

	for _, h := range hits {
		l.journalSubscription(h.consumer, h.index, h.sub)
		l.journalCredit(h.consumer, h.credit)

		metrics.SubscriptionsResolved.WithLabelValues(string(events.CausePenalty)).Inc()
		metrics.RefundsIssued.Inc()
		l.recorder.Record(events.New(events.TypeSubscriptionResolved, events.SubscriptionResolved{
			Consumer:  h.consumer,
			Index:     h.index,
			ListingID: listingID,
			Cause:     events.CausePenalty,
			Refunded:  new(big.Int).Set(h.sub.AmountPaid),
		}))
	}
	if len(hits) > 0 {
		l.journalBalance(balance)
	}

	log.Info().
		Str("admin", caller).
		Uint64("listingId", listingID).
		Int("refunded", len(hits)).
		Msg("Provider penalized")
	return len(hits), nil
}

// CheckExpiry scans participants in insertion order, then each participant's
// subscriptions in creation order, and reports the first one that is Active
// and past its grace period. Pure read: no side effects, idempotent, safe to
// poll speculatively; the resolve path re-validates everything it reports.
func (l *Ledger) CheckExpiry() (bool, Locator) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.nowFunc()
	for _, consumer := range l.participants {
		for i, s := range l.subs[consumer] {
			if s.Status == StatusActive && now.After(s.StartTime.Add(l.grace)) {
				return true, Locator{Consumer: consumer, Index: i}
			}
		}
	}
	return false, Locator{}
}

// ResolveExpiry completes the subscription the locator points at. Both
// preconditions are re-checked here at execution time, independently of
// whatever CheckExpiry reported earlier, so a slow, duplicate, or stale
// scheduler submission can never cause an incorrect write.
func (l *Ledger) ResolveExpiry(loc Locator) error {
	const op = "resolve_expiry"

	l.mu.Lock()
	seq, ok := l.subs[loc.Consumer]
	if !ok || loc.Index < 0 || loc.Index >= len(seq) {
		l.mu.Unlock()
		return apperrors.Wrap(op, loc.Consumer, apperrors.ErrNotFound)
	}
	if seq[loc.Index].Status != StatusActive {
		l.mu.Unlock()
		return apperrors.Wrap(op, loc.Consumer, apperrors.ErrAlreadyResolved)
	}
	if !l.nowFunc().After(seq[loc.Index].StartTime.Add(l.grace)) {
		l.mu.Unlock()
		return apperrors.Wrap(op, loc.Consumer, apperrors.ErrNotYetExpired)
	}
	seq[loc.Index].Status = StatusCompleted
	sub := seq[loc.Index]
	l.mu.Unlock()

	l.journalSubscription(loc.Consumer, loc.Index, sub)

	metrics.SubscriptionsResolved.WithLabelValues(string(events.CauseExpiry)).Inc()
	l.recorder.Record(events.New(events.TypeSubscriptionResolved, events.SubscriptionResolved{
		Consumer:  loc.Consumer,
		Index:     loc.Index,
		ListingID: sub.ListingID,
		Cause:     events.CauseExpiry,
	}))

	log.Info().
		Str("consumer", loc.Consumer).
		Int("index", loc.Index).
		Uint64("listingId", sub.ListingID).
		Msg("Subscription expired")
	return nil
}

// ActiveSubscriptionsOf returns the consumer's subscriptions that are Active
// and still within the grace period, preserving original order.
func (l *Ledger) ActiveSubscriptionsOf(consumer string) []Subscription {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.nowFunc()
	var out []Subscription
	for _, s := range l.subs[consumer] {
		if s.Status == StatusActive && !now.After(s.StartTime.Add(l.grace)) {
			s.AmountPaid = cloneAmount(s.AmountPaid)
			out = append(out, s)
		}
	}
	return out
}

// Active reports whether the subscription counts as active right now:
// Active status and still within the grace period.
func (l *Ledger) Active(s Subscription) bool {
	return s.Status == StatusActive && !l.nowFunc().After(s.StartTime.Add(l.grace))
}

// SubscriptionsOf returns the consumer's full historical sequence.
func (l *Ledger) SubscriptionsOf(consumer string) []Subscription {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq := l.subs[consumer]
	out := make([]Subscription, len(seq))
	for i, s := range seq {
		s.AmountPaid = cloneAmount(s.AmountPaid)
		out[i] = s
	}
	return out
}

// Participants returns every consumer that has ever subscribed, in insertion
// order.
func (l *Ledger) Participants() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.participants))
	copy(out, l.participants)
	return out
}

// LatestNativeUsdPrice returns the current oracle price in quote fixed-point
// units. Fails with ErrInvalidOraclePrice on a non-positive quote.
func (l *Ledger) LatestNativeUsdPrice(ctx context.Context) (*big.Int, error) {
	quote, err := l.feed.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}
	price, err := oracle.ValidPrice(quote)
	if err != nil {
		return nil, err
	}
	f, _ := new(big.Float).SetInt(price).Float64()
	metrics.OraclePrice.Set(f)
	return price, nil
}

// CreditOf returns the consumer's accumulated refund credit.
func (l *Ledger) CreditOf(principal string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneAmount(l.credits[principal])
}

// Balance returns the retained payment balance.
func (l *Ledger) Balance() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balance)
}

// Withdraw sweeps the retained payment balance to dest. Admin only.
func (l *Ledger) Withdraw(caller, dest string) (*big.Int, error) {
	const op = "ledger_withdraw"

	l.mu.Lock()
	if caller != l.admin || l.admin == "" {
		l.mu.Unlock()
		return nil, apperrors.Wrap(op, caller, apperrors.ErrUnauthorized)
	}
	if l.balance.Sign() == 0 {
		l.mu.Unlock()
		return nil, apperrors.Wrap(op, caller, apperrors.ErrNothingToWithdraw)
	}
	amount := l.balance
	l.balance = big.NewInt(0)
	l.mu.Unlock()

	l.journalBalance(big.NewInt(0))

	l.recorder.Record(events.New(events.TypeWithdrawal, events.Withdrawal{
		Component: "ledger",
		To:        dest,
		Amount:    new(big.Int).Set(amount),
	}))

	log.Info().Str("to", dest).Str("amount", amount.String()).Msg("Ledger balance withdrawn")
	return amount, nil
}

// creditLocked returns the mutable credit entry for the principal, creating
// it on first use. Caller must hold the write lock.
func (l *Ledger) creditLocked(principal string) *big.Int {
	c, ok := l.credits[principal]
	if !ok {
		c = big.NewInt(0)
		l.credits[principal] = c
	}
	return c
}

// debitBalanceLocked lowers the retained balance by amount, flooring at zero.
// The balance can run short of outstanding refunds if an administrator
// withdrew between payment and penalty; the credit is still recorded in full.
func (l *Ledger) debitBalanceLocked(amount *big.Int) {
	l.balance.Sub(l.balance, amount)
	if l.balance.Sign() < 0 {
		log.Warn().Str("shortfall", new(big.Int).Neg(l.balance).String()).Msg("Refunds exceed retained balance")
		l.balance.SetInt64(0)
	}
}

func (l *Ledger) journalParticipant(principal string) {
	if l.journal == nil {
		return
	}
	if err := l.journal.AddParticipant(principal); err != nil {
		log.Error().Err(err).Str("principal", principal).Msg("Failed to journal participant")
	}
}

func (l *Ledger) journalSubscription(consumer string, index int, s Subscription) {
	if l.journal == nil {
		return
	}
	if err := l.journal.SaveSubscription(consumer, index, s); err != nil {
		log.Error().Err(err).Str("consumer", consumer).Int("index", index).Msg("Failed to journal subscription")
	}
}

func (l *Ledger) journalBalance(balance *big.Int) {
	if l.journal == nil {
		return
	}
	if err := l.journal.SaveLedgerBalance(balance); err != nil {
		log.Error().Err(err).Msg("Failed to journal ledger balance")
	}
}

func (l *Ledger) journalCredit(principal string, credit *big.Int) {
	if l.journal == nil {
		return
	}
	if err := l.journal.SaveCredit(principal, credit); err != nil {
		log.Error().Err(err).Str("principal", principal).Msg("Failed to journal credit")
	}
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
