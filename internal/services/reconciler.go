package services

import (
	"context"
	"log/slog"
	"sync"
	"ticket-mint/models"
	"time"
)

const holdExpiredReason = "hold expired"

// orphanGrace is how long a hold with no known request is kept before it is
// treated as orphaned.
const orphanGrace = time.Minute

type SeatRef struct {
	EventID string `json:"event_id"`
	Seat    int    `json:"seat"`
}

type ReconcileReport struct {
	Expired  []string  `json:"expired_requests"`
	Orphaned []SeatRef `json:"orphaned_seats"`
	Skipped  int       `json:"skipped_in_flight"`
	Replayed int       `json:"replayed_changes"`
}

// ReconcileHolds clears holds that can no longer complete. A pending request
// whose hold is older than the hold TTL is rejected, and a held seat whose
// request is gone or already decided is freed. Requests with a mint in
// flight, and submissions still being stored, are left alone. Approvals
// whose commit failed are replayed first.
func (e *Engine) ReconcileHolds(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := e.now()
	report.Replayed = e.replayBacklog(ctx)

	for _, ev := range e.catalog.all() {
		for _, h := range ev.seats.holds() {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			entry, err := e.requests.entry(h.requestID)
			if err != nil {
				if e.requests.inSubmission(h.requestID) {
					report.Skipped++
					continue
				}
				if now.Sub(h.heldAt) < orphanGrace {
					continue
				}
				if e.releaseOrphan(ctx, ev, h) {
					report.Orphaned = append(report.Orphaned, SeatRef{EventID: ev.meta.ID, Seat: h.index})
				}
				continue
			}

			switch entry.phase.Load() {
			case phaseBusy:
				report.Skipped++
			case phaseApproved, phaseRejected:
				if e.releaseOrphan(ctx, ev, h) {
					report.Orphaned = append(report.Orphaned, SeatRef{EventID: ev.meta.ID, Seat: h.index})
				}
			case phasePending:
				if e.holdTTL <= 0 || now.Sub(h.heldAt) < e.holdTTL {
					continue
				}
				if claim(entry) != nil {
					report.Skipped++
					continue
				}
				if _, err := e.reject(ctx, entry, holdExpiredReason); err != nil {
					e.log.Error("Failed to expire stale hold", "error", err, "request_id", h.requestID)
					continue
				}
				report.Expired = append(report.Expired, h.requestID)
			}
		}
	}

	e.monitor.TrackReconciled("expired", len(report.Expired))
	e.monitor.TrackReconciled("orphaned", len(report.Orphaned))
	if len(report.Expired) > 0 || len(report.Orphaned) > 0 || report.Replayed > 0 {
		e.log.Info("Reconciled seat holds", "expired", len(report.Expired), "orphaned", len(report.Orphaned), "skipped", report.Skipped, "replayed", report.Replayed)
	}
	return report, nil
}

func (e *Engine) releaseOrphan(ctx context.Context, ev *Event, h heldSeat) bool {
	change := models.Change{Seats: []models.Seat{{EventID: ev.meta.ID, Index: h.index, State: models.SeatFree}}}
	if err := e.persist.commit(ctx, change); err != nil {
		e.log.Error("Failed to persist orphan release", "error", err, "event_id", ev.meta.ID, "seat", h.index)
		return false
	}
	if err := ev.Release(h.index, h.requestID); err != nil {
		e.log.Warn("Orphaned hold changed before release", "error", err, "event_id", ev.meta.ID, "seat", h.index)
		return false
	}
	e.trackOccupancy(ev)
	return true
}

// Reconciler runs ReconcileHolds on a fixed interval.
type Reconciler struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger

	wg sync.WaitGroup
}

func NewReconciler(engine *Engine, interval time.Duration, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{engine: engine, interval: interval, log: log.With("component", "reconciler")}
}

// Start launches the loop; it stops when ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.log.Info("Reconciler disabled")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.log.Info("Reconciler started", "interval", r.interval)
		for {
			select {
			case <-ticker.C:
				if _, err := r.engine.ReconcileHolds(ctx); err != nil && ctx.Err() == nil {
					r.log.Error("Reconciliation failed", "error", err)
				}
			case <-ctx.Done():
				r.log.Info("Reconciler stopping")
				return
			}
		}
	}()
}

func (r *Reconciler) Wait() {
	r.wg.Wait()
}
