package trip

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/dispatch-coordinator/internal/fleet"
	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/storage"
)

type capturePub struct {
	mu     sync.Mutex
	events []models.TripEvent
}

func (c *capturePub) Publish(ev models.TripEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePub) byType(t string) []models.TripEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.TripEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	machine *Machine
	store   *storage.MemoryStore
	pub     *capturePub
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.Default()
	coord := fleet.NewCoordinator(store, nil, logger)
	pub := &capturePub{}
	m := NewMachine(store, store, coord, NewDuplicateGuard(window), pub, logger)
	return &fixture{machine: m, store: store, pub: pub}
}

func (f *fixture) seedUnit(t *testing.T, id, operatorID string, avail models.Availability) {
	t.Helper()
	if err := f.store.SaveUnit(&models.Unit{ID: id, OperatorID: operatorID, Availability: avail}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) createTrip(t *testing.T, requesterID, unitID string) *models.Trip {
	t.Helper()
	tr, created, err := f.machine.Create(CreateRequest{
		RequesterID: requesterID,
		UnitID:      unitID,
		Pickup:      models.Location{Coord: models.Coord{Lat: 40.7, Lon: -74.0}},
		Details:     "adult patient, stable",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh trip")
	}
	return tr
}

func (f *fixture) unitAvailability(t *testing.T, id string) models.Availability {
	t.Helper()
	u, err := f.store.GetUnit(id)
	if err != nil {
		t.Fatal(err)
	}
	return u.Availability
}

func TestCreateReservesUnit(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)

	tr := f.createTrip(t, "req1", "u1")

	if tr.Status != models.StatusRequested {
		t.Fatalf("expected REQUESTED, got %s", tr.Status)
	}
	if tr.OperatorID != "op1" {
		t.Fatalf("operator should come from the unit, got %q", tr.OperatorID)
	}
	if _, ok := tr.StatusTimes[models.StatusRequested]; !ok {
		t.Fatal("REQUESTED timestamp missing")
	}
	if got := f.unitAvailability(t, "u1"); got != models.UnitBusy {
		t.Fatalf("unit should be BUSY, got %s", got)
	}
	if len(f.pub.byType(models.EventTripCreated)) != 1 {
		t.Fatal("expected one created event")
	}
}

func TestCreateRejectsUnavailableUnit(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitBusy)

	_, _, err := f.machine.Create(CreateRequest{
		RequesterID: "req1", UnitID: "u1",
		Pickup:  models.Location{Coord: models.Coord{Lat: 1, Lon: 1}},
		Details: "x",
	})
	if !errors.Is(err, fleet.ErrUnitUnavailable) {
		t.Fatalf("expected ErrUnitUnavailable, got %v", err)
	}
	// the failed attempt must not arm the duplicate guard
	f.seedUnit(t, "u2", "op1", models.UnitAvailable)
	f.createTrip(t, "req1", "u2")
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)

	cases := []CreateRequest{
		{RequesterID: "", UnitID: "u1", Pickup: models.Location{Coord: models.Coord{Lat: 1, Lon: 1}}, Details: "x"},
		{RequesterID: "r", UnitID: "u1", Pickup: models.Location{Coord: models.Coord{Lat: 91, Lon: 0}}, Details: "x"},
		{RequesterID: "r", UnitID: "u1", Pickup: models.Location{Coord: models.Coord{Lat: 0, Lon: -181}}, Details: "x"},
		{RequesterID: "r", UnitID: "u1", Pickup: models.Location{Coord: models.Coord{Lat: 1, Lon: 1}}, Details: ""},
	}
	for i, c := range cases {
		if _, _, err := f.machine.Create(c); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
	if got := f.unitAvailability(t, "u1"); got != models.UnitAvailable {
		t.Fatalf("rejected creates must not touch the unit, got %s", got)
	}
}

func TestDuplicateCreateReturnsExistingTrip(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	f.seedUnit(t, "u2", "op1", models.UnitAvailable)

	first := f.createTrip(t, "req1", "u1")

	second, created, err := f.machine.Create(CreateRequest{
		RequesterID: "req1", UnitID: "u2",
		Pickup:  models.Location{Coord: models.Coord{Lat: 1, Lon: 1}},
		Details: "retry of the same emergency",
	})
	if err != nil {
		t.Fatalf("duplicate create errored: %v", err)
	}
	if created {
		t.Fatal("expected suppression, got a new trip")
	}
	if second.ID != first.ID {
		t.Fatalf("expected trip %s, got %s", first.ID, second.ID)
	}
	if got := f.unitAvailability(t, "u2"); got != models.UnitAvailable {
		t.Fatalf("second unit must stay AVAILABLE, got %s", got)
	}
}

func TestDuplicateWindowExpires(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	f.seedUnit(t, "u2", "op1", models.UnitAvailable)

	base := time.Now()
	f.machine.now = func() time.Time { return base }
	f.machine.guard.now = func() time.Time { return base }
	first := f.createTrip(t, "req1", "u1")

	// past the window the same requester can create independently
	later := base.Add(61 * time.Second)
	f.machine.now = func() time.Time { return later }
	f.machine.guard.now = func() time.Time { return later }

	second, created, err := f.machine.Create(CreateRequest{
		RequesterID: "req1", UnitID: "u2",
		Pickup:  models.Location{Coord: models.Coord{Lat: 1, Lon: 1}},
		Details: "new incident",
	})
	if err != nil || !created {
		t.Fatalf("expected a fresh trip after window, created=%v err=%v", created, err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a different trip id")
	}
}

// gatedTripStore blocks the first SaveTrip until gate is closed, holding
// a creation in the window between guard record and commit.
type gatedTripStore struct {
	*storage.MemoryStore
	entered chan struct{}
	gate    chan struct{}
	first   int32
}

func (g *gatedTripStore) SaveTrip(tr *models.Trip) error {
	if atomic.CompareAndSwapInt32(&g.first, 0, 1) {
		close(g.entered)
		<-g.gate
	}
	return g.MemoryStore.SaveTrip(tr)
}

func TestDoubleSubmitDuringSaveCreatesSingleTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	gated := &gatedTripStore{
		MemoryStore: store,
		entered:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
	logger := slog.Default()
	coord := fleet.NewCoordinator(store, nil, logger)
	pub := &capturePub{}
	m := NewMachine(gated, store, coord, NewDuplicateGuard(time.Minute), pub, logger)
	m.dupReadDelay = time.Millisecond

	for _, id := range []string{"u1", "u2"} {
		if err := store.SaveUnit(&models.Unit{ID: id, OperatorID: "op1", Availability: models.UnitAvailable}); err != nil {
			t.Fatal(err)
		}
	}
	request := func(unitID string) CreateRequest {
		return CreateRequest{
			RequesterID: "req1", UnitID: unitID,
			Pickup:  models.Location{Coord: models.Coord{Lat: 40.7, Lon: -74.0}},
			Details: "adult patient, stable",
		}
	}

	var (
		firstTrip *models.Trip
		firstErr  error
		firstDone = make(chan struct{})
	)
	go func() {
		defer close(firstDone)
		firstTrip, _, firstErr = m.Create(request("u1"))
	}()
	<-gated.entered

	// second submit lands while the first insert is still in flight; it
	// must neither create a trip nor erase the first call's window
	_, created, err := m.Create(request("u2"))
	if created {
		t.Fatal("double submit created a second trip")
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while the insert is in flight, got %v", err)
	}

	close(gated.gate)
	<-firstDone
	if firstErr != nil {
		t.Fatalf("first create failed: %v", firstErr)
	}

	// the first call's window survived: a retry resolves to its trip
	third, created, err := m.Create(request("u2"))
	if err != nil || created {
		t.Fatalf("expected suppression, created=%v err=%v", created, err)
	}
	if third.ID != firstTrip.ID {
		t.Fatalf("expected trip %s, got %s", firstTrip.ID, third.ID)
	}

	u2, err := store.GetUnit("u2")
	if err != nil {
		t.Fatal(err)
	}
	if u2.Availability != models.UnitAvailable {
		t.Fatalf("only one unit may be dispatched, u2 is %s", u2.Availability)
	}
	if n := len(pub.byType(models.EventTripCreated)); n != 1 {
		t.Fatalf("expected one created event, got %d", n)
	}
}

func TestConcurrentCreateSameUnitSingleWinner(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// distinct requesters so the duplicate guard stays out of it
			_, _, results[i] = f.machine.Create(CreateRequest{
				RequesterID: "req" + string(rune('A'+i)), UnitID: "u1",
				Pickup:  models.Location{Coord: models.Coord{Lat: 1, Lon: 1}},
				Details: "x",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, fleet.ErrUnitUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestOperatorHappyPath(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")

	path := []models.TripStatus{
		models.StatusAccepted,
		models.StatusArrived,
		models.StatusPickedUp,
		models.StatusAtDestination,
		models.StatusCompleted,
	}
	for _, next := range path {
		got, err := f.machine.Transition(tr.ID, "op1", models.RoleOperator, next)
		if err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
		if got.Status != next {
			t.Fatalf("expected %s, got %s", next, got.Status)
		}
	}

	final, _ := f.machine.Get(tr.ID)
	// timestamps cover exactly the traversed path, non-decreasing
	traversed := append([]models.TripStatus{models.StatusRequested}, path...)
	if len(final.StatusTimes) != len(traversed) {
		t.Fatalf("expected %d stamps, got %d", len(traversed), len(final.StatusTimes))
	}
	for i := 1; i < len(traversed); i++ {
		prev, cur := final.StatusTimes[traversed[i-1]], final.StatusTimes[traversed[i]]
		if cur.Before(prev) {
			t.Fatalf("timestamp for %s precedes %s", traversed[i], traversed[i-1])
		}
	}
	if got := f.unitAvailability(t, "u1"); got != models.UnitAvailable {
		t.Fatalf("unit should be released on COMPLETED, got %s", got)
	}
}

func TestSkipAtDestination(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")

	for _, next := range []models.TripStatus{models.StatusAccepted, models.StatusArrived, models.StatusPickedUp, models.StatusCompleted} {
		if _, err := f.machine.Transition(tr.ID, "op1", models.RoleOperator, next); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
	}
	final, _ := f.machine.Get(tr.ID)
	if _, ok := final.StatusTimes[models.StatusAtDestination]; ok {
		t.Fatal("skipped status must not be stamped")
	}
}

func TestIllegalTransitionLeavesStatusUnchanged(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")

	_, err := f.machine.Transition(tr.ID, "op1", models.RoleOperator, models.StatusPickedUp)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	cur, _ := f.machine.Get(tr.ID)
	if cur.Status != models.StatusRequested {
		t.Fatalf("status must be unchanged, got %s", cur.Status)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")

	// requester may not advance the workflow
	if _, err := f.machine.Transition(tr.ID, "req1", models.RoleRequester, models.StatusAccepted); !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("requester advancing should fail, got %v", err)
	}
	// a different operator may not touch the trip
	if _, err := f.machine.Transition(tr.ID, "op2", models.RoleOperator, models.StatusAccepted); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign operator, got %v", err)
	}
	// a different requester may not cancel
	if _, err := f.machine.Transition(tr.ID, "req2", models.RoleRequester, models.StatusCancelled); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign requester, got %v", err)
	}
	// unknown trip
	if _, err := f.machine.Transition("nope", "op1", models.RoleOperator, models.StatusAccepted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequesterCancelWindow(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")

	if _, err := f.machine.Transition(tr.ID, "req1", models.RoleRequester, models.StatusCancelled); err != nil {
		t.Fatalf("requester cancel at REQUESTED should succeed: %v", err)
	}
	if got := f.unitAvailability(t, "u1"); got != models.UnitAvailable {
		t.Fatalf("unit should be freed on cancel, got %s", got)
	}

	// once picked up, the requester can no longer cancel
	f.seedUnit(t, "u2", "op1", models.UnitAvailable)
	tr2, _, err := f.machine.Create(CreateRequest{
		RequesterID: "req2", UnitID: "u2",
		Pickup: models.Location{Coord: models.Coord{Lat: 1, Lon: 1}}, Details: "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, next := range []models.TripStatus{models.StatusAccepted, models.StatusArrived, models.StatusPickedUp} {
		if _, err := f.machine.Transition(tr2.ID, "op1", models.RoleOperator, next); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.machine.Transition(tr2.ID, "req2", models.RoleRequester, models.StatusCancelled); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestOperatorCancelAtArrivedFreesUnitAndBlocksRating(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")

	for _, next := range []models.TripStatus{models.StatusAccepted, models.StatusArrived, models.StatusCancelled} {
		if _, err := f.machine.Transition(tr.ID, "op1", models.RoleOperator, next); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
	}
	if got := f.unitAvailability(t, "u1"); got != models.UnitAvailable {
		t.Fatalf("unit should be freed on cancel, got %s", got)
	}
	if _, err := f.machine.Rate(tr.ID, "req1", 5, "n/a"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rating a cancelled trip should fail with ErrInvalidState, got %v", err)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")

	if _, err := f.machine.Transition(tr.ID, "op1", models.RoleOperator, models.StatusCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.Transition(tr.ID, "op1", models.RoleOperator, models.StatusAccepted); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition out of CANCELLED, got %v", err)
	}
}

func TestRateOnceThenAlreadyRated(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")
	for _, next := range []models.TripStatus{models.StatusAccepted, models.StatusArrived, models.StatusPickedUp, models.StatusCompleted} {
		if _, err := f.machine.Transition(tr.ID, "op1", models.RoleOperator, next); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := f.machine.Rate(tr.ID, "op1", 5, "great"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only the requester may rate, got %v", err)
	}
	if _, err := f.machine.Rate(tr.ID, "req1", 6, "great"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for rating 6, got %v", err)
	}
	rated, err := f.machine.Rate(tr.ID, "req1", 5, "great")
	if err != nil {
		t.Fatalf("first rate failed: %v", err)
	}
	if rated.Rating != 5 || rated.Feedback != "great" {
		t.Fatalf("rating not recorded: %+v", rated)
	}
	if _, err := f.machine.Rate(tr.ID, "req1", 4, "changed my mind"); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}
	final, _ := f.machine.Get(tr.ID)
	if final.Rating != 5 {
		t.Fatalf("second rate must not overwrite, got %d", final.Rating)
	}
}

func TestBusyIffNonTerminalInvariant(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)
	tr := f.createTrip(t, "req1", "u1")

	check := func(stage string) {
		active, err := f.store.ActiveTripsByUnit("u1")
		if err != nil {
			t.Fatal(err)
		}
		busy := f.unitAvailability(t, "u1") == models.UnitBusy
		if busy != (len(active) > 0) {
			t.Fatalf("%s: busy=%v but %d active trips", stage, busy, len(active))
		}
	}

	check("after create")
	for _, next := range []models.TripStatus{models.StatusAccepted, models.StatusArrived, models.StatusPickedUp, models.StatusCompleted} {
		if _, err := f.machine.Transition(tr.ID, "op1", models.RoleOperator, next); err != nil {
			t.Fatal(err)
		}
		check("after " + string(next))
	}
}

func TestForceReleaseCompletesStaleTrips(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "u1", "op1", models.UnitAvailable)

	// two stale non-terminal trips on the same unit, the second written
	// directly to the store to simulate data drift
	tr1 := f.createTrip(t, "reqA", "u1")
	drift := tr1.Clone()
	drift.ID = "drifted"
	drift.RequesterID = "reqB"
	drift.Status = models.StatusAccepted
	if err := f.store.SaveTrip(drift); err != nil {
		t.Fatal(err)
	}

	if _, err := f.machine.ForceRelease("u1", "op2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign operator must not force-release, got %v", err)
	}

	completed, err := f.machine.ForceRelease("u1", "op1")
	if err != nil {
		t.Fatalf("force release failed: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed trips, got %d", len(completed))
	}
	for _, id := range []string{tr1.ID, "drifted"} {
		got, _ := f.machine.Get(id)
		if got.Status != models.StatusCompleted {
			t.Fatalf("trip %s should be COMPLETED, got %s", id, got.Status)
		}
	}
	if got := f.unitAvailability(t, "u1"); got != models.UnitAvailable {
		t.Fatalf("unit should be AVAILABLE after force release, got %s", got)
	}
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seedUnit(t, "U", "opU", models.UnitAvailable)

	tr := f.createTrip(t, "A", "U")
	if got := f.unitAvailability(t, "U"); got != models.UnitBusy {
		t.Fatalf("U should be BUSY, got %s", got)
	}

	for _, next := range []models.TripStatus{models.StatusAccepted, models.StatusArrived, models.StatusPickedUp, models.StatusAtDestination, models.StatusCompleted} {
		if _, err := f.machine.Transition(tr.ID, "opU", models.RoleOperator, next); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
	}
	if got := f.unitAvailability(t, "U"); got != models.UnitAvailable {
		t.Fatalf("U should be AVAILABLE after completion, got %s", got)
	}

	if _, err := f.machine.Rate(tr.ID, "A", 5, "great"); err != nil {
		t.Fatalf("rate failed: %v", err)
	}
	if _, err := f.machine.Rate(tr.ID, "A", 5, "great"); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}

	// one event per committed mutation: created + 5 transitions + rated
	f.pub.mu.Lock()
	n := len(f.pub.events)
	f.pub.mu.Unlock()
	if n != 7 {
		t.Fatalf("expected 7 events, got %d", n)
	}
}
