package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	seatOccupancy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_seats",
			Help: "Seats per event by state",
		},
		[]string{"event_id", "state"},
	)

	holdOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_seat_hold_operations_total",
			Help: "Seat hold attempts by outcome",
		},
		[]string{"event_id", "outcome"},
	)

	decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_request_decisions_total",
			Help: "Approve and reject decisions by outcome",
		},
		[]string{"decision", "outcome"},
	)

	mintDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticket_mint_duration_seconds",
			Help:    "Duration of mint collaborator calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"outcome"},
	)

	verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_verifications_total",
			Help: "Ticket verifications by result",
		},
		[]string{"result"},
	)

	reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_reconciled_holds_total",
			Help: "Stale or orphaned holds cleared by reconciliation",
		},
		[]string{"kind"},
	)

	unpersisted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticket_unpersisted_changes",
			Help: "Committed in memory but not yet stored, awaiting replay",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Monitor records service metrics. The zero value is ready to use.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Monitor) TrackHold(eventID, outcome string) {
	holdOperations.WithLabelValues(eventID, outcome).Inc()
}

func (m *Monitor) TrackDecision(decision, outcome string) {
	decisions.WithLabelValues(decision, outcome).Inc()
}

func (m *Monitor) TrackMint(duration time.Duration, outcome string) {
	mintDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Monitor) TrackVerification(result string) {
	verifications.WithLabelValues(result).Inc()
}

func (m *Monitor) TrackReconciled(kind string, n int) {
	if n > 0 {
		reconciled.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Monitor) SetSeatOccupancy(eventID string, free, held, booked int) {
	seatOccupancy.WithLabelValues(eventID, "free").Set(float64(free))
	seatOccupancy.WithLabelValues(eventID, "held").Set(float64(held))
	seatOccupancy.WithLabelValues(eventID, "booked").Set(float64(booked))
}

func (m *Monitor) SetUnpersisted(n int) {
	unpersisted.Set(float64(n))
}

func (m *Monitor) SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
