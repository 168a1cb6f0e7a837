// Package trip owns the authoritative trip lifecycle. Every mutation of
// a trip record flows through the Machine; unit availability moves in
// lockstep via the fleet coordinator, and committed changes are handed
// to the broadcaster best-effort.
package trip

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-coordinator/internal/fleet"
	"github.com/example/dispatch-coordinator/internal/locking"
	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/observability"
	"github.com/example/dispatch-coordinator/internal/storage"
)

// Publisher receives committed trip events. Publish must not block and
// its outcome never affects the mutation that produced the event.
type Publisher interface {
	Publish(ev models.TripEvent)
}

// operatorNext is the legal transition graph for the assigned operator.
// AT_DESTINATION is skippable: a crew may close out directly from
// PICKED_UP when drop-off and completion coincide.
var operatorNext = map[models.TripStatus][]models.TripStatus{
	models.StatusRequested:     {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:      {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:       {models.StatusPickedUp, models.StatusCancelled},
	models.StatusPickedUp:      {models.StatusAtDestination, models.StatusCompleted, models.StatusCancelled},
	models.StatusAtDestination: {models.StatusCompleted, models.StatusCancelled},
}

type Machine struct {
	trips  storage.TripStore
	units  storage.UnitStore
	fleet  *fleet.Coordinator
	guard  *DuplicateGuard
	pub    Publisher
	logger *slog.Logger
	locks  *locking.Striped
	now    func() time.Time

	// how long a duplicate waits for the recorded trip's insert to land
	dupReadTries int
	dupReadDelay time.Duration
}

func NewMachine(trips storage.TripStore, units storage.UnitStore, coord *fleet.Coordinator, guard *DuplicateGuard, pub Publisher, logger *slog.Logger) *Machine {
	return &Machine{
		trips:  trips,
		units:  units,
		fleet:  coord,
		guard:  guard,
		pub:    pub,
		logger: logger,
		locks:  locking.NewStriped(0),
		now:    time.Now,

		dupReadTries: 5,
		dupReadDelay: 20 * time.Millisecond,
	}
}

type CreateRequest struct {
	RequesterID string
	UnitID      string
	Pickup      models.Location
	Destination *models.Location
	Details     string
	Notes       string
}

// Create starts a trip in REQUESTED against an AVAILABLE unit. The
// reservation and the trip insert succeed or fail together: a failed
// insert releases the unit, a failed reservation records nothing.
// created=false with a nil error means the duplicate guard answered
// with a trip this requester created inside the suppression window.
func (m *Machine) Create(req CreateRequest) (t *models.Trip, created bool, err error) {
	if req.RequesterID == "" || req.UnitID == "" {
		return nil, false, fmt.Errorf("%w: requester and unit are required", ErrInvalidInput)
	}
	if !req.Pickup.Coord.Valid() {
		return nil, false, fmt.Errorf("%w: pickup coordinates out of range", ErrInvalidInput)
	}
	if req.Destination != nil && !req.Destination.Coord.Valid() {
		return nil, false, fmt.Errorf("%w: destination coordinates out of range", ErrInvalidInput)
	}
	if req.Details == "" {
		return nil, false, fmt.Errorf("%w: details are required", ErrInvalidInput)
	}

	unit, err := m.units.GetUnit(req.UnitID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: unit %s", fleet.ErrUnitUnavailable, req.UnitID)
		}
		return nil, false, err
	}

	tripID := uuid.NewString()
	if existingID, dup := m.guard.CheckAndRecord(req.RequesterID, tripID); dup {
		existing, pending := m.awaitRecordedTrip(req.RequesterID, existingID)
		if existing != nil {
			observability.DuplicatesSuppressed.Inc()
			m.logger.Info("duplicate trip request suppressed",
				"requester_id", req.RequesterID, "trip_id", existingID)
			return existing, false, nil
		}
		if pending {
			// the recorded insert is still in flight; it keeps the window
			return nil, false, fmt.Errorf("%w: a trip for this requester is still being created", ErrInvalidState)
		}
		// the recorded creation failed and dropped its entry; claim the slot
		if _, dup := m.guard.CheckAndRecord(req.RequesterID, tripID); dup {
			return nil, false, fmt.Errorf("%w: a trip for this requester is still being created", ErrInvalidState)
		}
	}

	if err := m.fleet.Reserve(req.UnitID); err != nil {
		m.guard.Forget(req.RequesterID, tripID)
		return nil, false, err
	}

	now := m.now()
	t = &models.Trip{
		ID:          tripID,
		RequesterID: req.RequesterID,
		UnitID:      req.UnitID,
		OperatorID:  unit.OperatorID,
		Status:      models.StatusRequested,
		StatusTimes: map[models.TripStatus]time.Time{models.StatusRequested: now},
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Details:     req.Details,
		Notes:       req.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.trips.SaveTrip(t); err != nil {
		if rerr := m.fleet.Release(req.UnitID); rerr != nil {
			m.logger.Error("release after failed save", "unit_id", req.UnitID, "error", rerr)
		}
		m.guard.Forget(req.RequesterID, tripID)
		return nil, false, err
	}

	observability.TripsCreatedTotal.Inc()
	m.logger.Info("trip created",
		"trip_id", t.ID, "requester_id", t.RequesterID, "unit_id", t.UnitID, "operator_id", t.OperatorID)
	m.pub.Publish(models.TripEvent{TripID: t.ID, Type: models.EventTripCreated, Trip: t.Clone()})
	return t, true, nil
}

// awaitRecordedTrip polls for a guard-recorded trip whose creator may
// still be between recording and saving. pending=false means the
// creator gave up and released its entry; the trip will never appear.
// The recorded entry is never removed here: that right belongs to the
// call that recorded it.
func (m *Machine) awaitRecordedTrip(requesterID, recordedID string) (t *models.Trip, pending bool) {
	for i := 0; ; i++ {
		if got, err := m.trips.GetTrip(recordedID); err == nil {
			return got, true
		}
		if id, ok := m.guard.Pending(requesterID); !ok || id != recordedID {
			return nil, false
		}
		if i+1 >= m.dupReadTries {
			return nil, true
		}
		time.Sleep(m.dupReadDelay)
	}
}

// Transition advances one trip along the status graph on behalf of its
// requester or assigned operator. Calls for the same trip serialize on
// the trip's lock; a later call observes the earlier one's result.
func (m *Machine) Transition(tripID, actorID string, role models.Role, next models.TripStatus) (*models.Trip, error) {
	if next.Rank() < 0 {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, next)
	}

	m.locks.Lock(tripID)
	defer m.locks.Unlock(tripID)

	t, err := m.trips.GetTrip(tripID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, tripID)
		}
		return nil, err
	}

	if err := authorize(t, actorID, role); err != nil {
		return nil, err
	}
	if !legalTransition(t.Status, next, role) {
		return nil, fmt.Errorf("%w: %s -> %s as %s", ErrIllegalTransition, t.Status, next, role)
	}

	old := t.Status
	now := m.now()
	t.Status = next
	if _, seen := t.StatusTimes[next]; !seen {
		t.StatusTimes[next] = now
	}
	t.UpdatedAt = now

	if err := m.trips.UpdateTrip(t); err != nil {
		return nil, err
	}
	if next.Terminal() {
		if err := m.fleet.Release(t.UnitID); err != nil {
			m.logger.Error("unit release after terminal transition", "unit_id", t.UnitID, "trip_id", t.ID, "error", err)
		}
	}

	observability.TransitionsTotal.WithLabelValues(string(next)).Inc()
	m.logger.Info("trip transition",
		"trip_id", t.ID, "from", old, "to", next, "actor_id", actorID, "role", role)
	m.pub.Publish(models.TripEvent{TripID: t.ID, Type: models.EventTripStatus, Trip: t.Clone()})
	return t, nil
}

// Rate records the requester's one-time rating of a completed trip.
func (m *Machine) Rate(tripID, requesterID string, rating int, feedback string) (*models.Trip, error) {
	m.locks.Lock(tripID)
	defer m.locks.Unlock(tripID)

	t, err := m.trips.GetTrip(tripID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, tripID)
		}
		return nil, err
	}
	if t.RequesterID != requesterID {
		return nil, fmt.Errorf("%w: only the requester may rate", ErrForbidden)
	}
	if t.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: rating requires COMPLETED, trip is %s", ErrInvalidState, t.Status)
	}
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be 1..5, got %d", ErrInvalidInput, rating)
	}
	if t.Rating != 0 {
		return nil, ErrAlreadyRated
	}

	t.Rating = rating
	t.Feedback = feedback
	t.UpdatedAt = m.now()
	if err := m.trips.UpdateTrip(t); err != nil {
		return nil, err
	}

	m.logger.Info("trip rated", "trip_id", t.ID, "rating", rating)
	m.pub.Publish(models.TripEvent{TripID: t.ID, Type: models.EventTripRated, Trip: t.Clone()})
	return t, nil
}

// Get returns the authoritative trip record. This is the read behind
// the reconciliation pull.
func (m *Machine) Get(tripID string) (*models.Trip, error) {
	t, err := m.trips.GetTrip(tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tripID)
	}
	return t, err
}

// ForceRelease is the operator escape hatch for a unit stuck BUSY:
// every non-terminal trip on the unit is driven straight to COMPLETED
// and the unit is set AVAILABLE, bypassing the one-trip-at-a-time
// invariant. Logged as an override.
func (m *Machine) ForceRelease(unitID, operatorID string) (completed []string, err error) {
	unit, err := m.units.GetUnit(unitID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unit %s", ErrNotFound, unitID)
		}
		return nil, err
	}
	if unit.OperatorID != operatorID {
		return nil, fmt.Errorf("%w: unit belongs to another operator", ErrForbidden)
	}

	stale, err := m.trips.ActiveTripsByUnit(unitID)
	if err != nil {
		return nil, err
	}
	for _, s := range stale {
		id := s.ID
		m.locks.Lock(id)
		t, gerr := m.trips.GetTrip(id)
		if gerr != nil || t.Status.Terminal() {
			m.locks.Unlock(id)
			continue
		}
		now := m.now()
		t.Status = models.StatusCompleted
		if _, seen := t.StatusTimes[models.StatusCompleted]; !seen {
			t.StatusTimes[models.StatusCompleted] = now
		}
		t.UpdatedAt = now
		if uerr := m.trips.UpdateTrip(t); uerr != nil {
			m.locks.Unlock(id)
			return completed, uerr
		}
		m.locks.Unlock(id)
		completed = append(completed, id)
		observability.TransitionsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
		m.pub.Publish(models.TripEvent{TripID: id, Type: models.EventTripStatus, Trip: t.Clone()})
	}

	if err := m.fleet.ForceAvailable(unitID); err != nil {
		return completed, err
	}
	observability.ForceReleasesTotal.Inc()
	m.logger.Warn("operator force-release override",
		"unit_id", unitID, "operator_id", operatorID, "completed_trips", len(completed))
	return completed, nil
}

func authorize(t *models.Trip, actorID string, role models.Role) error {
	switch role {
	case models.RoleRequester:
		if t.RequesterID != actorID {
			return fmt.Errorf("%w: not the trip's requester", ErrForbidden)
		}
	case models.RoleOperator:
		if t.OperatorID != actorID {
			return fmt.Errorf("%w: not the trip's assigned operator", ErrForbidden)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrForbidden, role)
	}
	return nil
}

func legalTransition(cur, next models.TripStatus, role models.Role) bool {
	if role == models.RoleRequester {
		// requesters may only cancel, and only before pickup work starts
		return next == models.StatusCancelled &&
			(cur == models.StatusRequested || cur == models.StatusAccepted)
	}
	for _, n := range operatorNext[cur] {
		if n == next {
			return true
		}
	}
	return false
}
