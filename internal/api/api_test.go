package api

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trigslink/blockend/internal/ledger"
	"github.com/trigslink/blockend/internal/oracle"
	"github.com/trigslink/blockend/internal/registry"
)

// price10Native is $10 at an 8-decimal quote of $18.41.
const price10Native = "543183052688756110"

type testEnv struct {
	handler  http.Handler
	registry *registry.Registry
	ledger   *ledger.Ledger
}

func newTestEnv(t *testing.T, grace time.Duration) *testEnv {
	t.Helper()

	feed := oracle.NewStatic(big.NewInt(1_841_000_000))
	reg := registry.New(registry.Config{Feed: feed, Admin: "admin", FeeUSD: big.NewInt(0)})
	led := ledger.New(ledger.Config{
		Listings:    reg,
		Feed:        feed,
		Admin:       "admin",
		GracePeriod: grace,
	})
	return &testEnv{
		handler:  NewRouter(reg, led, nil, nil),
		registry: reg,
		ledger:   led,
	}
}

func (e *testEnv) do(t *testing.T, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestRegisterAndFetchListing(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	rec := env.do(t, http.MethodPost, "/api/listings", "provider", registerListingRequest{
		Name:        "svc",
		PriceUSD:    "10000000000000000000",
		Description: "a service",
		URL:         "https://svc.example",
		PaidFee:     "0",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]uint64](t, rec)["id"]
	assert.Equal(t, uint64(0), id)

	rec = env.do(t, http.MethodGet, "/api/listings/0", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[listingResponse](t, rec)
	assert.Equal(t, "provider", got.Owner)
	assert.Equal(t, "svc", got.Name)
	assert.Equal(t, "10000000000000000000", got.PriceUSD)

	rec = env.do(t, http.MethodGet, "/api/listings/99", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterRequiresPrincipal(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	rec := env.do(t, http.MethodPost, "/api/listings", "", registerListingRequest{Name: "svc", PriceUSD: "1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateListingAuthorization(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.do(t, http.MethodPost, "/api/listings", "provider", registerListingRequest{Name: "svc", PriceUSD: "1", PaidFee: "0"})

	rec := env.do(t, http.MethodPut, "/api/listings/0", "intruder", updateListingRequest{Name: "x", PriceUSD: "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/listings/0", "provider", updateListingRequest{Name: "x", PriceUSD: "2"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscribeFlow(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.do(t, http.MethodPost, "/api/listings", "provider", registerListingRequest{
		Name: "svc", PriceUSD: "10000000000000000000", PaidFee: "0",
	})

	// Underpayment is rejected with 402.
	rec := env.do(t, http.MethodPost, "/api/subscriptions", "alice", subscribeRequest{ListingID: 0, Paid: "1"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	// Unknown listing is 404 regardless of payment.
	rec = env.do(t, http.MethodPost, "/api/subscriptions", "alice", subscribeRequest{ListingID: 42, Paid: price10Native})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/subscriptions", "alice", subscribeRequest{ListingID: 0, Paid: price10Native})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["index"])

	rec = env.do(t, http.MethodGet, "/api/subscriptions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subs := decode[[]subscriptionResponse](t, rec)
	require.Len(t, subs, 1)
	assert.Equal(t, "provider", subs[0].Provider)
	assert.Equal(t, "active", subs[0].Status)
}

func TestSweepEndpoints(t *testing.T) {
	env := newTestEnv(t, 5*time.Millisecond)
	env.do(t, http.MethodPost, "/api/listings", "provider", registerListingRequest{Name: "svc", PriceUSD: "0", PaidFee: "0"})
	env.do(t, http.MethodPost, "/api/subscriptions", "alice", subscribeRequest{ListingID: 0, Paid: "0"})

	// Resolving before expiry conflicts.
	rec := env.do(t, http.MethodPost, "/api/sweep/resolve", "", resolveRequest{Consumer: "alice", Index: 0})
	assert.Equal(t, http.StatusConflict, rec.Code)

	time.Sleep(20 * time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/sweep/check", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	check := decode[map[string]any](t, rec)
	require.Equal(t, true, check["found"])

	rec = env.do(t, http.MethodPost, "/api/sweep/resolve", "", resolveRequest{Consumer: "alice", Index: 0})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Duplicate resolution conflicts.
	rec = env.do(t, http.MethodPost, "/api/sweep/resolve", "", resolveRequest{Consumer: "alice", Index: 0})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPenalizeEndpoint(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.do(t, http.MethodPost, "/api/listings", "provider", registerListingRequest{
		Name: "svc", PriceUSD: "10000000000000000000", PaidFee: "0",
	})
	env.do(t, http.MethodPost, "/api/subscriptions", "alice", subscribeRequest{ListingID: 0, Paid: price10Native})
	env.do(t, http.MethodPost, "/api/subscriptions", "bob", subscribeRequest{ListingID: 0, Paid: price10Native})

	rec := env.do(t, http.MethodPost, "/api/penalize", "provider", penalizeRequest{ListingID: 0})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/penalize", "admin", penalizeRequest{ListingID: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["refunded"])

	rec = env.do(t, http.MethodGet, "/api/credits?principal=alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, price10Native, decode[map[string]string](t, rec)["credit"])
}

func TestWithdrawEndpoints(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.do(t, http.MethodPost, "/api/listings", "provider", registerListingRequest{
		Name: "svc", PriceUSD: "10000000000000000000", PaidFee: "0",
	})
	env.do(t, http.MethodPost, "/api/subscriptions", "alice", subscribeRequest{ListingID: 0, Paid: price10Native})

	rec := env.do(t, http.MethodPost, "/api/ledger/withdraw", "alice", withdrawRequest{To: "treasury"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/ledger/withdraw", "admin", withdrawRequest{To: "treasury"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, price10Native, decode[map[string]string](t, rec)["amount"])

	// Registry balance is empty (free listings), so the sweep conflicts.
	rec = env.do(t, http.MethodPost, "/api/registry/withdraw", "admin", withdrawRequest{To: "treasury"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPriceEndpoint(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	rec := env.do(t, http.MethodGet, "/api/price", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "1841000000", got["price"])
}

func TestListListingsByOwner(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.do(t, http.MethodPost, "/api/listings", "provider", registerListingRequest{Name: "one", PriceUSD: "1", PaidFee: "0"})
	env.do(t, http.MethodPost, "/api/listings", "other", registerListingRequest{Name: "two", PriceUSD: "1", PaidFee: "0"})
	env.do(t, http.MethodPost, "/api/listings", "provider", registerListingRequest{Name: "three", PriceUSD: "1", PaidFee: "0"})

	rec := env.do(t, http.MethodGet, "/api/listings?owner=provider", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]listingResponse](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Name)
	assert.Equal(t, "three", got[1].Name)
}
