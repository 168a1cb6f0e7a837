package trip

import (
	"sync"
	"time"
)

type guardEntry struct {
	tripID string
	at     time.Time
}

// DuplicateGuard suppresses redundant trip creations from one requester
// inside a fixed window. Client retries and double-submits then resolve
// to the trip already created instead of dispatching a second unit. The
// window is a TTL, not a lock: entries expire on their own.
type DuplicateGuard struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]guardEntry
	now     func() time.Time
}

func NewDuplicateGuard(window time.Duration) *DuplicateGuard {
	return &DuplicateGuard{
		window:  window,
		entries: make(map[string]guardEntry),
		now:     time.Now,
	}
}

// CheckAndRecord either returns the trip id created by this requester
// inside the window (dup=true) or records tripID as the requester's
// latest creation and allows it.
func (g *DuplicateGuard) CheckAndRecord(requesterID, tripID string) (existing string, dup bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if e, ok := g.entries[requesterID]; ok && now.Sub(e.at) < g.window {
		return e.tripID, true
	}
	g.entries[requesterID] = guardEntry{tripID: tripID, at: now}
	g.prune(now)
	return "", false
}

// Forget drops the requester's entry, but only if it still records
// tripID. Called when a creation recorded by CheckAndRecord fails before
// commit, so the failed attempt does not suppress the retry. The id
// match keeps a failed call from erasing a concurrent call's entry.
func (g *DuplicateGuard) Forget(requesterID, tripID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[requesterID]; ok && e.tripID == tripID {
		delete(g.entries, requesterID)
	}
}

// Pending reports the requester's in-window entry without recording
// anything.
func (g *DuplicateGuard) Pending(requesterID string) (tripID string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, found := g.entries[requesterID]
	if !found || g.now().Sub(e.at) >= g.window {
		return "", false
	}
	return e.tripID, true
}

// caller holds g.mu
func (g *DuplicateGuard) prune(now time.Time) {
	for k, e := range g.entries {
		if now.Sub(e.at) >= g.window {
			delete(g.entries, k)
		}
	}
}
