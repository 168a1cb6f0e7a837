package realtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/observability"
)

// JoinAuthorizer decides whether an authenticated subject may subscribe
// to a topic. The hub never grants a topic the authorizer rejects.
type JoinAuthorizer func(subjectID string, role models.Role, topic string) bool

// session wraps one websocket connection. gorilla/websocket allows one
// concurrent writer, so every send serializes on the session mutex.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub owns the live websocket sessions and their registry memberships.
// It is an injectable component, not process state: tests run several
// hubs side by side and tear them down independently.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	reg      *Registry
	canJoin  JoinAuthorizer
	logger   *slog.Logger
}

func NewHub(reg *Registry, canJoin JoinAuthorizer, logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		reg:      reg,
		canJoin:  canJoin,
		logger:   logger,
	}
}

// controlFrame is what clients send over the socket to manage their
// subscriptions after connecting.
type controlFrame struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Topic  string `json:"topic"`
}

type ackFrame struct {
	Topic string `json:"topic"`
	OK    bool   `json:"ok"`
}

// HandleConn registers the connection, auto-joins the subject's own
// identity topic, and services subscribe/unsubscribe frames until the
// peer goes away. It blocks for the life of the connection.
func (h *Hub) HandleConn(conn *websocket.Conn, subjectID string, role models.Role) {
	connID := uuid.NewString()
	s := &session{conn: conn}

	h.mu.Lock()
	h.sessions[connID] = s
	h.mu.Unlock()
	observability.WSConnections.Inc()

	identityTopic := TopicRequester(subjectID)
	if role == models.RoleOperator {
		identityTopic = TopicOperator(subjectID)
	}
	h.reg.Join(connID, identityTopic)
	h.logger.Info("ws connected", "conn_id", connID, "subject_id", subjectID, "role", role)

	h.readLoop(connID, s, subjectID, role)

	h.reg.OnDisconnect(connID)
	h.mu.Lock()
	delete(h.sessions, connID)
	h.mu.Unlock()
	observability.WSConnections.Dec()
	_ = conn.Close()
	h.logger.Info("ws disconnected", "conn_id", connID, "subject_id", subjectID)
}

func (h *Hub) readLoop(connID string, s *session, subjectID string, role models.Role) {
	for {
		var frame controlFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Action {
		case "subscribe":
			ok := h.canJoin == nil || h.canJoin(subjectID, role, frame.Topic)
			if ok {
				h.reg.Join(connID, frame.Topic)
			}
			_ = s.write(ackFrame{Topic: frame.Topic, OK: ok})
		case "unsubscribe":
			h.reg.Leave(connID, frame.Topic)
			_ = s.write(ackFrame{Topic: frame.Topic, OK: true})
		default:
			h.logger.Debug("unknown ws frame", "conn_id", connID, "action", frame.Action)
		}
	}
}

// Send pushes one event to one connection. Implements Sender.
func (h *Hub) Send(connID string, ev models.TripEvent) error {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.write(ev)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
