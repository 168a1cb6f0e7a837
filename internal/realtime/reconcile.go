package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/observability"
)

// Fetcher pulls the authoritative trip record, typically through the
// trip read endpoint.
type Fetcher interface {
	FetchTrip(ctx context.Context, tripID string) (*models.Trip, error)
}

// Reconciler is the subscriber-side view of tracked trips, used by both
// requester and operator clients. Push events are applied only when not
// older than the last-seen status; an interval pull (and a pull on
// reconnect) overwrites the view with authoritative state regardless.
// Worst case a subscriber lags by one interval.
type Reconciler struct {
	fetch    Fetcher
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	trips map[string]*models.Trip
}

func NewReconciler(fetch Fetcher, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		fetch:    fetch,
		interval: interval,
		logger:   logger,
		trips:    make(map[string]*models.Trip),
	}
}

// Track registers interest in a trip so the interval pull covers it.
func (r *Reconciler) Track(tripID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trips[tripID]; !ok {
		r.trips[tripID] = nil
	}
}

// Trip returns the last reconciled view of the trip.
func (r *Reconciler) Trip(tripID string) (*models.Trip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[tripID]
	if !ok || t == nil {
		return nil, false
	}
	return t.Clone(), true
}

// ApplyEvent folds a pushed event into the view. Staleness is judged by
// position in the status graph, not receipt order: the transport gives
// no ordering guarantee, so a REQUESTED push arriving after ACCEPTED
// must lose. Returns whether the event was applied.
func (r *Reconciler) ApplyEvent(ev models.TripEvent) bool {
	if ev.Trip == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.trips[ev.TripID]
	if last != nil && ev.Trip.Status.Rank() < last.Status.Rank() {
		r.logger.Debug("stale push rejected",
			"trip_id", ev.TripID, "pushed", ev.Trip.Status, "have", last.Status)
		return false
	}
	r.trips[ev.TripID] = ev.Trip.Clone()
	return true
}

// Reconcile performs one authoritative pull for every tracked trip and
// applies the result unconditionally. Called on each tick and
// immediately after a transport reconnect.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.trips))
	for id := range r.trips {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		t, err := r.fetch.FetchTrip(ctx, id)
		if err != nil {
			r.logger.Debug("reconcile fetch failed", "trip_id", id, "error", err)
			continue
		}
		r.mu.Lock()
		r.trips[id] = t.Clone()
		r.mu.Unlock()
		observability.ReconciliationsTotal.Inc()
	}
}

// Run drives the interval pulls until ctx is cancelled, which happens
// when the owning connection closes.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}
