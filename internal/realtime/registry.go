// Package realtime carries committed trip events to interested
// connections and heals whatever the push transport loses. Delivery is
// one best-effort send per connection per event; correctness comes from
// the subscriber-side Reconciler, not from retransmission.
package realtime

import "sync"

// Topic keys route events to classes of subscribers.
func TopicRequester(id string) string { return "requester:" + id }
func TopicOperator(id string) string  { return "operator:" + id }
func TopicTrip(id string) string      { return "trip:" + id }

// Registry maps topic keys to the live connections subscribed to them.
// Membership is connection-scoped: one requester with three open tabs
// holds three memberships, and a disconnect erases only that
// connection's. Nothing survives a disconnect; the client re-joins from
// its authenticated identity after reconnecting.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{} // topic -> conn ids
	conns  map[string]map[string]struct{} // conn id -> topics
}

func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]map[string]struct{}),
		conns:  make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Join(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]struct{})
	}
	r.topics[topic][connID] = struct{}{}
	if r.conns[connID] == nil {
		r.conns[connID] = make(map[string]struct{})
	}
	r.conns[connID][topic] = struct{}{}
}

func (r *Registry) Leave(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop(connID, topic)
}

// OnDisconnect removes every membership held by the connection.
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.conns[connID] {
		r.drop(connID, topic)
	}
}

// SubscribersOf returns the deduplicated set of connections subscribed
// to any of the given topics.
func (r *Registry) SubscribersOf(topics ...string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{})
	for _, topic := range topics {
		for connID := range r.topics[topic] {
			set[connID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// caller holds r.mu
func (r *Registry) drop(connID, topic string) {
	if members := r.topics[topic]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
	if topics := r.conns[connID]; topics != nil {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.conns, connID)
		}
	}
}
