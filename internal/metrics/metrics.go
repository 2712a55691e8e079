// Package metrics exposes prometheus collectors for the lifecycle engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ListingsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trigslink_listings_registered_total",
		Help: "Number of service listings registered.",
	})

	ListingsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trigslink_listings_updated_total",
		Help: "Number of listing updates applied.",
	})

	SubscriptionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trigslink_subscriptions_created_total",
		Help: "Number of subscriptions created.",
	})

	SubscriptionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigslink_subscriptions_resolved_total",
		Help: "Number of subscriptions resolved, by cause.",
	}, []string{"cause"})

	RefundsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trigslink_refunds_issued_total",
		Help: "Number of refund credits issued by the penalty path.",
	})

	PaymentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigslink_payments_rejected_total",
		Help: "Number of rejected payments, by reason.",
	}, []string{"reason"})

	OraclePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trigslink_oracle_native_usd_price",
		Help: "Last observed native/USD price, in quote fixed-point units.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trigslink_sweep_duration_seconds",
		Help:    "Duration of expiry sweep ticks.",
		Buckets: prometheus.DefBuckets,
	})

	SweepResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trigslink_sweep_resolved_total",
		Help: "Number of expiries resolved by the keeper loop.",
	})
)
