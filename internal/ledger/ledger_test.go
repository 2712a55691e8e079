package ledger

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	apperrors "github.com/trigslink/blockend/internal/errors"
	"github.com/trigslink/blockend/internal/oracle"
	"github.com/trigslink/blockend/internal/registry"
)

// testClock is a controllable clock for deterministic tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// quote18_41 is $18.41 in 8-decimal fixed point.
var quote18_41 = big.NewInt(1_841_000_000)

// price10Native is $10 converted at quote18_41: 10e18 * 1e8 / 1_841_000_000.
var price10Native, _ = new(big.Int).SetString("543183052688756110", 10)

func usd(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), big.NewInt(1e18))
}

type fixture struct {
	clock  *testClock
	reg    *registry.Registry
	ledger *Ledger
	feed   *oracle.Static
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newTestClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	feed := oracle.NewStatic(quote18_41)
	reg := registry.New(registry.Config{
		Feed:   feed,
		Admin:  "admin",
		FeeUSD: big.NewInt(0), // free listings keep registry noise out of ledger tests
	})
	led := New(Config{
		Listings:    reg,
		Feed:        feed,
		Admin:       "admin",
		GracePeriod: 30 * 24 * time.Hour,
	})
	led.nowFunc = clock.Now

	return &fixture{clock: clock, reg: reg, ledger: led, feed: feed}
}

// listing registers a $10/period listing and returns its id.
func (f *fixture) listing(t *testing.T, owner string) uint64 {
	t.Helper()
	id, err := f.reg.Register(context.Background(), owner, "svc", usd(10), "", "https://svc.example", big.NewInt(0))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return id
}

func (f *fixture) subscribe(t *testing.T, consumer string, listingID uint64) int {
	t.Helper()
	index, err := f.ledger.Subscribe(context.Background(), consumer, listingID, price10Native)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	return index
}

func TestSubscribeExactPayment(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")

	index, err := f.ledger.Subscribe(context.Background(), "alice", id, price10Native)
	if err != nil {
		t.Fatalf("Subscribe(exact) error = %v", err)
	}
	if index != 0 {
		t.Fatalf("Subscribe() index = %d, want 0", index)
	}

	subs := f.ledger.ActiveSubscriptionsOf("alice")
	if len(subs) != 1 {
		t.Fatalf("active subscriptions = %d, want 1", len(subs))
	}
	if subs[0].Provider != "provider" || subs[0].ServiceURL != "https://svc.example" {
		t.Fatalf("listing fields not captured at subscribe time: %+v", subs[0])
	}
}

func TestSubscribeRejectsUnderpayment(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")

	// 10% of the requirement.
	tenth := new(big.Int).Div(price10Native, big.NewInt(10))
	_, err := f.ledger.Subscribe(context.Background(), "alice", id, tenth)
	if !errors.Is(err, apperrors.ErrInsufficientPayment) {
		t.Fatalf("Subscribe(10%%) error = %v, want ErrInsufficientPayment", err)
	}

	// A rejected subscribe leaves no partial state behind.
	if len(f.ledger.Participants()) != 0 {
		t.Fatal("failed subscribe registered a participant")
	}
	if f.ledger.Balance().Sign() != 0 {
		t.Fatal("failed subscribe moved funds")
	}
}

func TestSubscribeUnknownListing(t *testing.T) {
	f := newFixture(t)

	// Any payment amount: the reference check comes first.
	huge := new(big.Int).Mul(price10Native, big.NewInt(1000))
	for _, paid := range []*big.Int{big.NewInt(0), price10Native, huge} {
		_, err := f.ledger.Subscribe(context.Background(), "alice", 42, paid)
		if !errors.Is(err, apperrors.ErrUnknownListing) {
			t.Fatalf("Subscribe(unknown, paid=%s) error = %v, want ErrUnknownListing", paid, err)
		}
	}
}

func TestSubscribeRetainsExcessPayment(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")

	double := new(big.Int).Mul(price10Native, big.NewInt(2))
	if _, err := f.ledger.Subscribe(context.Background(), "alice", id, double); err != nil {
		t.Fatalf("Subscribe(2x) error = %v", err)
	}

	// The full payment is retained; excess is not refunded.
	if f.ledger.Balance().Cmp(double) != 0 {
		t.Fatalf("balance = %s, want %s", f.ledger.Balance(), double)
	}
	subs := f.ledger.SubscriptionsOf("alice")
	if subs[0].AmountPaid.Cmp(double) != 0 {
		t.Fatalf("recorded AmountPaid = %s, want %s", subs[0].AmountPaid, double)
	}
}

func TestParticipantRegisteredAtMostOnce(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")

	f.subscribe(t, "alice", id)
	f.subscribe(t, "alice", id)
	f.subscribe(t, "bob", id)

	got := f.ledger.Participants()
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("Participants() = %v, want [alice bob]", got)
	}
}

func TestExpiryLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")
	index := f.subscribe(t, "alice", id)
	loc := Locator{Consumer: "alice", Index: index}

	// Before the grace period elapses nothing is eligible.
	if found, _ := f.ledger.CheckExpiry(); found {
		t.Fatal("CheckExpiry() found work before grace elapsed")
	}
	if err := f.ledger.ResolveExpiry(loc); !errors.Is(err, apperrors.ErrNotYetExpired) {
		t.Fatalf("ResolveExpiry(early) error = %v, want ErrNotYetExpired", err)
	}

	// 31 days with a 30-day grace: the subscription ages out.
	f.clock.Advance(31 * 24 * time.Hour)

	found, got := f.ledger.CheckExpiry()
	if !found || got != loc {
		t.Fatalf("CheckExpiry() = %v, %+v; want true, %+v", found, got, loc)
	}
	if err := f.ledger.ResolveExpiry(got); err != nil {
		t.Fatalf("ResolveExpiry() error = %v", err)
	}

	subs := f.ledger.SubscriptionsOf("alice")
	if subs[index].Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", subs[index].Status)
	}

	// Duplicate keeper submission of the same locator.
	if err := f.ledger.ResolveExpiry(got); !errors.Is(err, apperrors.ErrAlreadyResolved) {
		t.Fatalf("ResolveExpiry(dup) error = %v, want ErrAlreadyResolved", err)
	}
	if found, _ := f.ledger.CheckExpiry(); found {
		t.Fatal("CheckExpiry() still reports work after resolution")
	}
}

func TestCheckExpiryIsPureAndIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")
	f.subscribe(t, "alice", id)
	f.clock.Advance(31 * 24 * time.Hour)

	first, loc1 := f.ledger.CheckExpiry()
	second, loc2 := f.ledger.CheckExpiry()
	if !first || !second || loc1 != loc2 {
		t.Fatalf("repeated CheckExpiry() diverged: %v/%+v vs %v/%+v", first, loc1, second, loc2)
	}
	if f.ledger.SubscriptionsOf("alice")[0].Status != StatusActive {
		t.Fatal("CheckExpiry() mutated subscription state")
	}
}

func TestCheckExpiryScanOrder(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")

	// bob subscribes first (earlier participant), then alice twice.
	f.subscribe(t, "bob", id)
	f.clock.Advance(time.Hour)
	f.subscribe(t, "alice", id)
	f.clock.Advance(time.Hour)
	f.subscribe(t, "alice", id)

	f.clock.Advance(31 * 24 * time.Hour)

	// All three are expired; participant insertion order wins.
	found, loc := f.ledger.CheckExpiry()
	if !found || loc.Consumer != "bob" || loc.Index != 0 {
		t.Fatalf("CheckExpiry() = %v %+v, want bob/0 first", found, loc)
	}

	if err := f.ledger.ResolveExpiry(loc); err != nil {
		t.Fatalf("ResolveExpiry() error = %v", err)
	}
	found, loc = f.ledger.CheckExpiry()
	if !found || loc.Consumer != "alice" || loc.Index != 0 {
		t.Fatalf("second CheckExpiry() = %v %+v, want alice/0", found, loc)
	}
}

func TestResolveExpiryUnknownLocator(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")
	f.subscribe(t, "alice", id)

	for _, loc := range []Locator{
		{Consumer: "nobody", Index: 0},
		{Consumer: "alice", Index: 5},
		{Consumer: "alice", Index: -1},
	} {
		if err := f.ledger.ResolveExpiry(loc); !errors.Is(err, apperrors.ErrNotFound) {
			t.Fatalf("ResolveExpiry(%+v) error = %v, want ErrNotFound", loc, err)
		}
	}
}

func TestPenalizeRefundsEveryActiveSubscription(t *testing.T) {
	f := newFixture(t)

	// One provider, three listings; two consumers subscribe to all three.
	ids := []uint64{f.listing(t, "provider"), f.listing(t, "provider"), f.listing(t, "provider")}
	for _, consumer := range []string{"alice", "bob"} {
		for _, id := range ids {
			f.subscribe(t, consumer, id)
		}
	}

	total := 0
	for _, id := range ids {
		n, err := f.ledger.Penalize("admin", id)
		if err != nil {
			t.Fatalf("Penalize(%d) error = %v", id, err)
		}
		total += n
	}
	if total != 6 {
		t.Fatalf("penalized %d subscriptions, want 6", total)
	}

	for _, consumer := range []string{"alice", "bob"} {
		if active := f.ledger.ActiveSubscriptionsOf(consumer); len(active) != 0 {
			t.Fatalf("ActiveSubscriptionsOf(%s) = %d entries after penalty, want 0", consumer, len(active))
		}
		wantCredit := new(big.Int).Mul(price10Native, big.NewInt(3))
		if credit := f.ledger.CreditOf(consumer); credit.Cmp(wantCredit) != 0 {
			t.Fatalf("CreditOf(%s) = %s, want %s", consumer, credit, wantCredit)
		}
	}
	if f.ledger.Balance().Sign() != 0 {
		t.Fatalf("balance after full refund = %s, want 0", f.ledger.Balance())
	}
}

func TestPenalizeSkipsCompletedAndOtherListings(t *testing.T) {
	f := newFixture(t)
	target := f.listing(t, "provider")
	other := f.listing(t, "provider")

	idx := f.subscribe(t, "alice", target)
	f.subscribe(t, "alice", other)

	// Age out and resolve the target subscription first.
	f.clock.Advance(31 * 24 * time.Hour)
	if err := f.ledger.ResolveExpiry(Locator{Consumer: "alice", Index: idx}); err != nil {
		t.Fatalf("ResolveExpiry() error = %v", err)
	}

	n, err := f.ledger.Penalize("admin", target)
	if err != nil {
		t.Fatalf("Penalize() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Penalize() refunded %d, want 0 (already completed)", n)
	}
	if f.ledger.CreditOf("alice").Sign() != 0 {
		t.Fatal("completed subscription was refunded")
	}

	// The unrelated listing's subscription is untouched (expired but Active).
	if f.ledger.SubscriptionsOf("alice")[1].Status != StatusActive {
		t.Fatal("penalty touched another listing's subscription")
	}
}

func TestPenalizeIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")
	f.subscribe(t, "alice", id)

	if _, err := f.ledger.Penalize("provider", id); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("Penalize(non-admin) error = %v, want ErrUnauthorized", err)
	}
	if f.ledger.SubscriptionsOf("alice")[0].Status != StatusActive {
		t.Fatal("unauthorized penalize mutated state")
	}
}

func TestActiveSubscriptionsFiltering(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")

	f.subscribe(t, "alice", id) // will age out
	f.clock.Advance(20 * 24 * time.Hour)
	f.subscribe(t, "alice", id) // stays within grace
	f.clock.Advance(11 * 24 * time.Hour)

	// First is 31 days old, second 11 days old.
	active := f.ledger.ActiveSubscriptionsOf("alice")
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	for _, s := range active {
		if s.Status != StatusActive {
			t.Fatalf("active list contains status %s", s.Status)
		}
		if f.clock.Now().After(s.StartTime.Add(f.ledger.GracePeriod())) {
			t.Fatal("active list contains an aged-out subscription")
		}
	}
}

func TestLatestNativeUsdPrice(t *testing.T) {
	f := newFixture(t)

	price, err := f.ledger.LatestNativeUsdPrice(context.Background())
	if err != nil {
		t.Fatalf("LatestNativeUsdPrice() error = %v", err)
	}
	if price.Cmp(quote18_41) != 0 {
		t.Fatalf("price = %s, want %s", price, quote18_41)
	}

	f.feed.SetPrice(big.NewInt(0))
	if _, err := f.ledger.LatestNativeUsdPrice(context.Background()); !errors.Is(err, apperrors.ErrInvalidOraclePrice) {
		t.Fatalf("LatestNativeUsdPrice(zero quote) error = %v, want ErrInvalidOraclePrice", err)
	}
}

func TestWithdrawSweepsRetainedBalance(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")
	f.subscribe(t, "alice", id)

	if _, err := f.ledger.Withdraw("alice", "treasury"); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("Withdraw(non-admin) error = %v, want ErrUnauthorized", err)
	}

	amount, err := f.ledger.Withdraw("admin", "treasury")
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if amount.Cmp(price10Native) != 0 {
		t.Fatalf("Withdraw() = %s, want %s", amount, price10Native)
	}
	if _, err := f.ledger.Withdraw("admin", "treasury"); !errors.Is(err, apperrors.ErrNothingToWithdraw) {
		t.Fatalf("second Withdraw() error = %v, want ErrNothingToWithdraw", err)
	}
}

// TestCheckExpiryMatchesBruteForce drives a generated schedule of subscribes,
// clock advances, and resolutions, and cross-checks CheckExpiry against a
// brute-force scan of the full state after every step.
func TestCheckExpiryMatchesBruteForce(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")
	rng := rand.New(rand.NewSource(1))
	consumers := []string{"c0", "c1", "c2", "c3"}

	bruteForce := func() (bool, Locator) {
		now := f.clock.Now()
		for _, c := range f.ledger.Participants() {
			for i, s := range f.ledger.SubscriptionsOf(c) {
				if s.Status == StatusActive && now.After(s.StartTime.Add(f.ledger.GracePeriod())) {
					return true, Locator{Consumer: c, Index: i}
				}
			}
		}
		return false, Locator{}
	}

	for step := 0; step < 200; step++ {
		switch rng.Intn(3) {
		case 0:
			f.subscribe(t, consumers[rng.Intn(len(consumers))], id)
		case 1:
			f.clock.Advance(time.Duration(rng.Intn(72)) * time.Hour)
		case 2:
			if found, loc := f.ledger.CheckExpiry(); found {
				if err := f.ledger.ResolveExpiry(loc); err != nil {
					t.Fatalf("step %d: ResolveExpiry(%+v) error = %v", step, loc, err)
				}
			}
		}

		wantFound, wantLoc := bruteForce()
		gotFound, gotLoc := f.ledger.CheckExpiry()
		if gotFound != wantFound || gotLoc != wantLoc {
			t.Fatalf("step %d: CheckExpiry() = %v/%+v, brute force = %v/%+v", step, gotFound, gotLoc, wantFound, wantLoc)
		}
	}
}

// TestStatusNeverRevertsToActive hammers the lifecycle and asserts the only
// transition ever observed is Active -> Completed, applied at most once.
func TestStatusNeverRevertsToActive(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")
	rng := rand.New(rand.NewSource(2))

	completed := make(map[Locator]bool)
	check := func(step int) {
		for _, c := range f.ledger.Participants() {
			for i, s := range f.ledger.SubscriptionsOf(c) {
				loc := Locator{Consumer: c, Index: i}
				if completed[loc] && s.Status != StatusCompleted {
					t.Fatalf("step %d: %+v reverted from completed to %s", step, loc, s.Status)
				}
				if s.Status == StatusCompleted {
					completed[loc] = true
				}
			}
		}
	}

	for step := 0; step < 150; step++ {
		switch rng.Intn(4) {
		case 0:
			f.subscribe(t, "alice", id)
		case 1:
			f.clock.Advance(time.Duration(rng.Intn(400)) * time.Hour)
		case 2:
			if found, loc := f.ledger.CheckExpiry(); found {
				_ = f.ledger.ResolveExpiry(loc)
			}
		case 3:
			_, _ = f.ledger.Penalize("admin", id)
		}
		check(step)
	}
}

// recordingJournal captures journal calls so the write-through wiring can be
// asserted without a database.
type recordingJournal struct {
	participants  []string
	subscriptions map[string][]Subscription
	balances      []*big.Int
	credits       map[string]*big.Int
	fail          bool
}

func newRecordingJournal() *recordingJournal {
	return &recordingJournal{
		subscriptions: make(map[string][]Subscription),
		credits:       make(map[string]*big.Int),
	}
}

func (j *recordingJournal) err() error {
	if j.fail {
		return errors.New("journal unavailable")
	}
	return nil
}

func (j *recordingJournal) AddParticipant(principal string) error {
	j.participants = append(j.participants, principal)
	return j.err()
}

func (j *recordingJournal) SaveSubscription(consumer string, index int, s Subscription) error {
	j.subscriptions[consumer] = append(j.subscriptions[consumer], s)
	return j.err()
}

func (j *recordingJournal) SaveLedgerBalance(balance *big.Int) error {
	j.balances = append(j.balances, new(big.Int).Set(balance))
	return j.err()
}

func (j *recordingJournal) SaveCredit(principal string, credit *big.Int) error {
	j.credits[principal] = new(big.Int).Set(credit)
	return j.err()
}

func TestJournalWriteThrough(t *testing.T) {
	f := newFixture(t)
	journal := newRecordingJournal()
	f.ledger.journal = journal

	id := f.listing(t, "provider")
	index := f.subscribe(t, "alice", id)

	if len(journal.participants) != 1 || journal.participants[0] != "alice" {
		t.Fatalf("journaled participants = %v, want [alice]", journal.participants)
	}
	if got := journal.subscriptions["alice"]; len(got) != 1 || got[0].Status != StatusActive {
		t.Fatalf("journaled subscriptions = %+v", got)
	}
	if len(journal.balances) != 1 || journal.balances[0].Cmp(price10Native) != 0 {
		t.Fatalf("journaled balances = %v", journal.balances)
	}

	f.clock.Advance(31 * 24 * time.Hour)
	if err := f.ledger.ResolveExpiry(Locator{Consumer: "alice", Index: index}); err != nil {
		t.Fatalf("ResolveExpiry() error = %v", err)
	}
	if got := journal.subscriptions["alice"]; len(got) != 2 || got[1].Status != StatusCompleted {
		t.Fatalf("resolution not journaled: %+v", got)
	}

	f.subscribe(t, "bob", id)
	if _, err := f.ledger.Penalize("admin", id); err != nil {
		t.Fatalf("Penalize() error = %v", err)
	}
	if got := journal.credits["bob"]; got == nil || got.Cmp(price10Native) != 0 {
		t.Fatalf("journaled credit = %v, want %s", got, price10Native)
	}
}

func TestJournalFailureLeavesStateIntact(t *testing.T) {
	f := newFixture(t)
	journal := newRecordingJournal()
	journal.fail = true
	f.ledger.journal = journal

	id := f.listing(t, "provider")
	index := f.subscribe(t, "alice", id)

	// A failing journal is logged and ignored; the in-memory state stays
	// authoritative.
	if index != 0 {
		t.Fatalf("Subscribe() index = %d, want 0", index)
	}
	if got := f.ledger.Participants(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("Participants() = %v, want [alice]", got)
	}
	if f.ledger.Balance().Cmp(price10Native) != 0 {
		t.Fatalf("Balance() = %s, want %s", f.ledger.Balance(), price10Native)
	}
}

func TestRestoreRebuildsState(t *testing.T) {
	f := newFixture(t)
	id := f.listing(t, "provider")
	f.subscribe(t, "alice", id)
	f.subscribe(t, "bob", id)

	subs := map[string][]Subscription{
		"alice": f.ledger.SubscriptionsOf("alice"),
		"bob":   f.ledger.SubscriptionsOf("bob"),
	}

	restored := New(Config{
		Listings:    f.reg,
		Feed:        f.feed,
		Admin:       "admin",
		GracePeriod: 30 * 24 * time.Hour,
	})
	restored.nowFunc = f.clock.Now
	restored.Restore(f.ledger.Participants(), subs, f.ledger.Balance(), nil)

	if got := restored.Participants(); len(got) != 2 || got[0] != "alice" {
		t.Fatalf("restored participants = %v", got)
	}
	if restored.Balance().Cmp(f.ledger.Balance()) != 0 {
		t.Fatal("restored balance mismatch")
	}
	if len(restored.ActiveSubscriptionsOf("bob")) != 1 {
		t.Fatal("restored subscriptions not active")
	}
}
