package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/observability"
)

// Geo is the proximity index consulted before trip creation: given a
// point, list AVAILABLE units nearest first.
type Geo interface {
	Nearby(lat, lon float64, radiusM float64, limit int) []models.Unit
	Upsert(u models.Unit)
	Remove(unitID string)
}

type Index struct {
	mu    sync.RWMutex
	units map[string]models.Unit
}

func NewIndex() *Index {
	return &Index{units: make(map[string]models.Unit)}
}

func (g *Index) Upsert(u models.Unit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u.Updated = time.Now()
	g.units[u.ID] = u
	observability.UnitsTracked.Set(float64(len(g.units)))
}

func (g *Index) Remove(unitID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.units, unitID)
	observability.UnitsTracked.Set(float64(len(g.units)))
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(lat, lon float64, radiusM float64, limit int) []models.Unit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		u    models.Unit
		dist float64
	}
	arr := make([]pair, 0, len(g.units))
	for _, u := range g.units {
		if u.Availability != models.UnitAvailable {
			continue
		}
		dist := Haversine(lat, lon, u.Loc.Lat, u.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{u, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Unit, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].u)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
