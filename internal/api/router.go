// Package api exposes the lifecycle engine over HTTP. Principals arrive
// pre-authenticated in the X-Principal header: identity verification belongs
// to the calling environment, and addresses are treated as opaque strings.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/trigslink/blockend/internal/ledger"
	"github.com/trigslink/blockend/internal/logging"
	"github.com/trigslink/blockend/internal/registry"
	"github.com/trigslink/blockend/internal/websocket"
)

// PrincipalHeader carries the authenticated caller identity.
const PrincipalHeader = "X-Principal"

// Router handles HTTP routing.
type Router struct {
	mux      *http.ServeMux
	registry *registry.Registry
	ledger   *ledger.Ledger
	hub      *websocket.Hub
	ready    func() error
}

// NewRouter creates the HTTP handler for the engine. ready is an optional
// readiness probe (e.g. a database ping).
func NewRouter(reg *registry.Registry, led *ledger.Ledger, hub *websocket.Hub, ready func() error) http.Handler {
	r := &Router{
		mux:      http.NewServeMux(),
		registry: reg,
		ledger:   led,
		hub:      hub,
		ready:    ready,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/price", r.handlePrice)

	r.mux.HandleFunc("/api/listings", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			r.handleListListings(w, req)
		case http.MethodPost:
			r.handleRegisterListing(w, req)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	r.mux.HandleFunc("/api/listings/", func(w http.ResponseWriter, req *http.Request) {
		if strings.HasSuffix(req.URL.Path, "/fee") {
			r.handleListingFee(w, req)
			return
		}
		switch req.Method {
		case http.MethodGet:
			r.handleGetListing(w, req)
		case http.MethodPut:
			r.handleUpdateListing(w, req)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	r.mux.HandleFunc("/api/subscriptions", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			r.handleGetSubscriptions(w, req)
		case http.MethodPost:
			r.handleSubscribe(w, req)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	r.mux.HandleFunc("/api/credits", r.handleGetCredit)

	r.mux.HandleFunc("/api/penalize", r.handlePenalize)
	r.mux.HandleFunc("/api/sweep/check", r.handleSweepCheck)
	r.mux.HandleFunc("/api/sweep/resolve", r.handleSweepResolve)

	r.mux.HandleFunc("/api/registry/withdraw", r.handleRegistryWithdraw)
	r.mux.HandleFunc("/api/ledger/withdraw", r.handleLedgerWithdraw)

	if r.hub != nil {
		r.mux.HandleFunc("/ws", r.hub.ServeWS)
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-Id"))
	w.Header().Set("X-Request-Id", requestID)
	r.mux.ServeHTTP(w, req.WithContext(ctx))
}

// principal extracts the authenticated caller from the request.
func principal(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get(PrincipalHeader))
}

// listingIDFromPath parses the trailing id segment of /api/listings/{id}.
func listingIDFromPath(path string) (uint64, bool) {
	rest := strings.TrimPrefix(path, "/api/listings/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
