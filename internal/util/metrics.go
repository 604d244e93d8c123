package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_events_total",
		Help: "Payment events handled by the saga, by type and outcome",
	}, []string{"type", "outcome"})

	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	}, []string{"kind"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of speculative orders cancelled by a failed payment",
	})

	FulfillmentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_failures_total",
		Help: "Paid charges that could not be fulfilled",
	}, []string{"reason"})

	ListingReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_reservations_total",
		Help: "Listing reservation attempts, by outcome",
	}, []string{"outcome"})

	TxAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_attempts_total",
		Help: "Transaction attempts made by the retry executor, by outcome",
	}, []string{"outcome"})

	TxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tx_duration_seconds",
		Help:    "Latency of a unit of work including retries",
		Buckets: prometheus.DefBuckets,
	})

	ShipmentBookingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipment_bookings_total",
		Help: "Carrier booking attempts, by outcome",
	}, []string{"outcome"})

	CarrierLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carrier_request_latency_seconds",
		Help:    "Latency of carrier booking calls",
		Buckets: prometheus.DefBuckets,
	})

	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox events relayed to the broker",
	}, []string{"event_type"})

	DeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_events_dead_lettered_total",
		Help: "Malformed payment events sent to the dead-letter topic",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
