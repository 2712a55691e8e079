// Package events defines the lifecycle notifications emitted for off-chain
// observers: listing registrations and updates, subscription creation, and
// subscription resolution tagged by cause so operators can tell "aged out"
// apart from "provider penalized".
package events

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TypeListingRegistered    Type = "listing_registered"
	TypeListingUpdated       Type = "listing_updated"
	TypeSubscribed           Type = "subscribed"
	TypeSubscriptionResolved Type = "subscription_resolved"
	TypeWithdrawal           Type = "withdrawal"
)

// Cause distinguishes why a subscription was resolved.
type Cause string

const (
	CauseExpiry  Cause = "expiry"
	CausePenalty Cause = "penalty"
)

// Event is one emitted lifecycle notification.
type Event struct {
	ID   string    `json:"id"`
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// ListingRegistered is emitted when a provider publishes a listing.
type ListingRegistered struct {
	Owner     string   `json:"owner"`
	PaidFee   *big.Int `json:"paidFee"`
	ListingID uint64   `json:"listingId"`
}

// ListingUpdated is emitted when a provider overwrites listing fields.
type ListingUpdated struct {
	Owner     string   `json:"owner"`
	ListingID uint64   `json:"listingId"`
	PriceUSD  *big.Int `json:"priceUsd"`
}

// Subscribed is emitted when a consumer pays for a subscription.
type Subscribed struct {
	Consumer  string   `json:"consumer"`
	Index     int      `json:"index"`
	ListingID uint64   `json:"listingId"`
	Paid      *big.Int `json:"paid"`
}

// SubscriptionResolved is emitted when a subscription reaches Completed.
type SubscriptionResolved struct {
	Consumer  string   `json:"consumer"`
	Index     int      `json:"index"`
	ListingID uint64   `json:"listingId"`
	Cause     Cause    `json:"cause"`
	Refunded  *big.Int `json:"refunded,omitempty"`
}

// Withdrawal is emitted when an administrator sweeps a component balance.
type Withdrawal struct {
	Component string   `json:"component"`
	To        string   `json:"to"`
	Amount    *big.Int `json:"amount"`
}

// Recorder receives emitted events. Implementations must not block: emission
// happens inside state-mutating operations.
type Recorder interface {
	Record(ev Event)
}

// New builds an event envelope with a fresh ID and timestamp.
func New(t Type, data any) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: t,
		Time: time.Now().UTC(),
		Data: data,
	}
}

// Fanout dispatches each event to every recorder in order.
type Fanout []Recorder

// Record implements Recorder.
func (f Fanout) Record(ev Event) {
	for _, r := range f {
		r.Record(ev)
	}
}

// LogRecorder writes events to the zerolog baseline logger.
type LogRecorder struct{}

// Record implements Recorder.
func (LogRecorder) Record(ev Event) {
	log.Info().
		Str("event", string(ev.Type)).
		Str("eventId", ev.ID).
		Interface("data", ev.Data).
		Msg("Lifecycle event")
}
