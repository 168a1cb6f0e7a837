package geo

import (
	"testing"

	"github.com/example/dispatch-coordinator/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbyFiltersAvailabilityAndSorts(t *testing.T) {
	g := NewIndex()
	g.Upsert(models.Unit{ID: "far", Loc: models.Coord{Lat: 0.1, Lon: 0}, Availability: models.UnitAvailable})
	g.Upsert(models.Unit{ID: "near", Loc: models.Coord{Lat: 0.01, Lon: 0}, Availability: models.UnitAvailable})
	g.Upsert(models.Unit{ID: "busy", Loc: models.Coord{Lat: 0.001, Lon: 0}, Availability: models.UnitBusy})
	g.Upsert(models.Unit{ID: "offline", Loc: models.Coord{Lat: 0.002, Lon: 0}, Availability: models.UnitOffline})

	got := g.Nearby(0, 0, 0, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 available units, got %d", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "far" {
		t.Fatalf("expected nearest-first ordering, got %s, %s", got[0].ID, got[1].ID)
	}
}

func TestNearbyRespectsRadius(t *testing.T) {
	g := NewIndex()
	g.Upsert(models.Unit{ID: "inside", Loc: models.Coord{Lat: 0.001, Lon: 0}, Availability: models.UnitAvailable})
	g.Upsert(models.Unit{ID: "outside", Loc: models.Coord{Lat: 1, Lon: 0}, Availability: models.UnitAvailable})

	got := g.Nearby(0, 0, 1000, 10)
	if len(got) != 1 || got[0].ID != "inside" {
		t.Fatalf("expected only the unit inside the radius, got %v", got)
	}
}
