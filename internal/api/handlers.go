package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	apperrors "github.com/trigslink/blockend/internal/errors"
	"github.com/trigslink/blockend/internal/ledger"
	"github.com/rs/zerolog/log"
)

// Wire types. Fixed-point amounts travel as decimal strings: 18-decimal
// native/USD values overflow float64 long before realistic prices do.

type registerListingRequest struct {
	Name        string `json:"name"`
	PriceUSD    string `json:"priceUsd"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PaidFee     string `json:"paidFee"`
}

type updateListingRequest struct {
	Name        string `json:"name"`
	PriceUSD    string `json:"priceUsd"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

type subscribeRequest struct {
	ListingID uint64 `json:"listingId"`
	Paid      string `json:"paid"`
}

type penalizeRequest struct {
	ListingID uint64 `json:"listingId"`
}

type resolveRequest struct {
	Consumer string `json:"consumer"`
	Index    int    `json:"index"`
}

type withdrawRequest struct {
	To string `json:"to"`
}

type listingResponse struct {
	ID          uint64 `json:"id"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PriceUSD    string `json:"priceUsd"`
}

type subscriptionResponse struct {
	Index      int       `json:"index"`
	ListingID  uint64    `json:"listingId"`
	Provider   string    `json:"provider"`
	AmountPaid string    `json:"amountPaid"`
	StartTime  time.Time `json:"startTime"`
	Status     string    `json:"status"`
	ServiceURL string    `json:"serviceUrl"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := map[string]string{"status": "ok"}
	if r.ready != nil {
		if err := r.ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handlePrice(w http.ResponseWriter, req *http.Request) {
	price, err := r.ledger.LatestNativeUsdPrice(req.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"price":    price.String(),
		"decimals": 8,
	})
}

func (r *Router) handleListingFee(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fee, err := r.registry.RequiredListingFee(req.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"requiredFee": fee.String()})
}

func (r *Router) handleRegisterListing(w http.ResponseWriter, req *http.Request) {
	caller := principal(req)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	var body registerListingRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	price, ok := parseAmount(body.PriceUSD)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid priceUsd")
		return
	}
	paid, ok := parseAmount(body.PaidFee)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid paidFee")
		return
	}

	id, err := r.registry.Register(req.Context(), caller, body.Name, price, body.Description, body.URL, paid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (r *Router) handleGetListing(w http.ResponseWriter, req *http.Request) {
	id, ok := listingIDFromPath(req.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	listing, err := r.registry.Details(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse{
		ID:          listing.ID,
		Owner:       listing.Owner,
		Name:        listing.Name,
		Description: listing.Description,
		URL:         listing.URL,
		PriceUSD:    listing.PriceUSD.String(),
	})
}

func (r *Router) handleUpdateListing(w http.ResponseWriter, req *http.Request) {
	caller := principal(req)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	id, ok := listingIDFromPath(req.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	var body updateListingRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	price, ok := parseAmount(body.PriceUSD)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid priceUsd")
		return
	}

	if err := r.registry.Update(caller, id, body.Name, price, body.Description, body.URL); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleListListings(w http.ResponseWriter, req *http.Request) {
	owner := req.URL.Query().Get("owner")
	if owner == "" {
		owner = principal(req)
	}
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	listings := r.registry.ListByOwner(owner)
	out := make([]listingResponse, 0, len(listings))
	for _, l := range listings {
		out = append(out, listingResponse{
			ID:          l.ID,
			Owner:       l.Owner,
			Name:        l.Name,
			Description: l.Description,
			URL:         l.URL,
			PriceUSD:    l.PriceUSD.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleSubscribe(w http.ResponseWriter, req *http.Request) {
	caller := principal(req)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	var body subscribeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	paid, ok := parseAmount(body.Paid)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid paid amount")
		return
	}

	index, err := r.ledger.Subscribe(req.Context(), caller, body.ListingID, paid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"index": index})
}

func (r *Router) handleGetSubscriptions(w http.ResponseWriter, req *http.Request) {
	consumer := req.URL.Query().Get("consumer")
	if consumer == "" {
		consumer = principal(req)
	}
	if consumer == "" {
		writeError(w, http.StatusBadRequest, "consumer is required")
		return
	}

	all := req.URL.Query().Get("all") == "true"
	subs := r.ledger.SubscriptionsOf(consumer)

	out := make([]subscriptionResponse, 0, len(subs))
	for i, s := range subs {
		// The index is the subscription's stable identifier within the
		// consumer's sequence, so it is taken from the full sequence
		// even when only active entries are returned.
		if !all && !r.ledger.Active(s) {
			continue
		}
		out = append(out, subscriptionResponse{
			Index:      i,
			ListingID:  s.ListingID,
			Provider:   s.Provider,
			AmountPaid: s.AmountPaid.String(),
			StartTime:  s.StartTime,
			Status:     string(s.Status),
			ServiceURL: s.ServiceURL,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleGetCredit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	who := req.URL.Query().Get("principal")
	if who == "" {
		who = principal(req)
	}
	if who == "" {
		writeError(w, http.StatusBadRequest, "principal is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credit": r.ledger.CreditOf(who).String()})
}

func (r *Router) handlePenalize(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	caller := principal(req)

	var body penalizeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	refunded, err := r.ledger.Penalize(caller, body.ListingID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"refunded": refunded})
}

func (r *Router) handleSweepCheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	found, loc := r.ledger.CheckExpiry()
	resp := map[string]any{"found": found}
	if found {
		resp["locator"] = loc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleSweepResolve(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body resolveRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	loc := ledger.Locator{Consumer: body.Consumer, Index: body.Index}
	if err := r.ledger.ResolveExpiry(loc); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (r *Router) handleRegistryWithdraw(w http.ResponseWriter, req *http.Request) {
	r.handleWithdraw(w, req, func(caller, to string) (*big.Int, error) {
		return r.registry.Withdraw(caller, to)
	})
}

func (r *Router) handleLedgerWithdraw(w http.ResponseWriter, req *http.Request) {
	r.handleWithdraw(w, req, func(caller, to string) (*big.Int, error) {
		return r.ledger.Withdraw(caller, to)
	})
}

func (r *Router) handleWithdraw(w http.ResponseWriter, req *http.Request, withdraw func(caller, to string) (*big.Int, error)) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	caller := principal(req)

	var body withdrawRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.To == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}

	amount, err := withdraw(caller, body.To)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the lifecycle error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrUnknownListing):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, apperrors.ErrInsufficientPayment):
		status = http.StatusPaymentRequired
	case errors.Is(err, apperrors.ErrAlreadyResolved), errors.Is(err, apperrors.ErrNotYetExpired), errors.Is(err, apperrors.ErrNothingToWithdraw):
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrInvalidOraclePrice):
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}
