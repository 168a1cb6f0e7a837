package storage

import (
	"errors"
	"sync"

	"github.com/example/dispatch-coordinator/internal/models"
)

var ErrNotFound = errors.New("record not found")

// TripStore defines persistence operations for trips.
type TripStore interface {
	SaveTrip(t *models.Trip) error
	UpdateTrip(t *models.Trip) error
	GetTrip(id string) (*models.Trip, error)
	// ActiveTripsByUnit returns trips assigned to the unit that are not
	// in a terminal status.
	ActiveTripsByUnit(unitID string) ([]*models.Trip, error)
}

// UnitStore defines persistence operations for units.
type UnitStore interface {
	SaveUnit(u *models.Unit) error
	UpdateUnit(u *models.Unit) error
	GetUnit(id string) (*models.Unit, error)
	UnitsByOperator(operatorID string) ([]*models.Unit, error)
}

// MemoryStore backs both stores for tests and dependency-free local runs.
// It hands out clones so callers can mutate results freely.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
	units map[string]*models.Unit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips: make(map[string]*models.Trip),
		units: make(map[string]*models.Unit),
	}
}

func (m *MemoryStore) SaveTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) UpdateTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return ErrNotFound
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTrip(id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ActiveTripsByUnit(unitID string) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.UnitID == unitID && !t.Status.Terminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveUnit(u *models.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u.Clone()
	return nil
}

func (m *MemoryStore) UpdateUnit(u *models.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[u.ID]; !ok {
		return ErrNotFound
	}
	m.units[u.ID] = u.Clone()
	return nil
}

func (m *MemoryStore) GetUnit(id string) (*models.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (m *MemoryStore) UnitsByOperator(operatorID string) ([]*models.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Unit
	for _, u := range m.units {
		if u.OperatorID == operatorID {
			out = append(out, u.Clone())
		}
	}
	return out, nil
}
