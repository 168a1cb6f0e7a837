// Package fleet keeps a unit's availability consistent with its
// assigned trip's lifecycle. Nothing else writes availability: trip
// creation reserves, terminal transitions release, and the operator
// force path is the only override.
package fleet

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/dispatch-coordinator/internal/locking"
	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/storage"
)

var ErrUnitUnavailable = errors.New("unit unavailable")

type Coordinator struct {
	units  storage.UnitStore
	geo    geoUpdater
	locks  *locking.Striped
	logger *slog.Logger
}

// geoUpdater mirrors availability changes into the proximity index so
// a reserved unit stops showing up in nearby listings immediately.
type geoUpdater interface {
	Upsert(u models.Unit)
}

func NewCoordinator(units storage.UnitStore, geo geoUpdater, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		units:  units,
		geo:    geo,
		locks:  locking.NewStriped(0),
		logger: logger,
	}
}

// Reserve flips AVAILABLE -> BUSY. The read and write happen under the
// unit's lock so two concurrent reservations can't both observe
// AVAILABLE; the loser gets ErrUnitUnavailable.
func (c *Coordinator) Reserve(unitID string) error {
	c.locks.Lock(unitID)
	defer c.locks.Unlock(unitID)

	u, err := c.units.GetUnit(unitID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: unit %s not found", ErrUnitUnavailable, unitID)
		}
		return err
	}
	if u.Availability != models.UnitAvailable {
		return fmt.Errorf("%w: unit %s is %s", ErrUnitUnavailable, unitID, u.Availability)
	}
	u.Availability = models.UnitBusy
	if err := c.units.UpdateUnit(u); err != nil {
		return err
	}
	c.syncGeo(u)
	return nil
}

// Release flips BUSY -> AVAILABLE. Already-AVAILABLE is a no-op, not an
// error: a cancel racing a force-release must not fail the later caller.
func (c *Coordinator) Release(unitID string) error {
	c.locks.Lock(unitID)
	defer c.locks.Unlock(unitID)

	u, err := c.units.GetUnit(unitID)
	if err != nil {
		return err
	}
	if u.Availability != models.UnitBusy {
		return nil
	}
	u.Availability = models.UnitAvailable
	if err := c.units.UpdateUnit(u); err != nil {
		return err
	}
	c.syncGeo(u)
	return nil
}

// ForceAvailable sets the unit AVAILABLE regardless of current state.
// Only the operator override path calls this; it is logged there as an
// override, not a silent correction.
func (c *Coordinator) ForceAvailable(unitID string) error {
	c.locks.Lock(unitID)
	defer c.locks.Unlock(unitID)

	u, err := c.units.GetUnit(unitID)
	if err != nil {
		return err
	}
	u.Availability = models.UnitAvailable
	if err := c.units.UpdateUnit(u); err != nil {
		return err
	}
	c.syncGeo(u)
	return nil
}

func (c *Coordinator) syncGeo(u *models.Unit) {
	if c.geo != nil {
		c.geo.Upsert(*u)
	}
}
