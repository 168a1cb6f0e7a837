package models

import "time"

// TripStatus is the lifecycle position of a trip. Transitions move only
// forward along the directed graph owned by the trip package; terminal
// statuses are final rest states.
type TripStatus string

const (
	StatusRequested     TripStatus = "REQUESTED"
	StatusAccepted      TripStatus = "ACCEPTED"
	StatusArrived       TripStatus = "ARRIVED"
	StatusPickedUp      TripStatus = "PICKED_UP"
	StatusAtDestination TripStatus = "AT_DESTINATION"
	StatusCompleted     TripStatus = "COMPLETED"
	StatusCancelled     TripStatus = "CANCELLED"
)

func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var statusRank = map[TripStatus]int{
	StatusRequested:     0,
	StatusAccepted:      1,
	StatusArrived:       2,
	StatusPickedUp:      3,
	StatusAtDestination: 4,
	StatusCompleted:     5,
	StatusCancelled:     5,
}

// Rank orders statuses by graph depth, used by subscribers to reject
// out-of-order pushes. Both terminals share the top rank. Unknown
// statuses rank -1 and lose every comparison.
func (s TripStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Availability is a unit's dispatchability. BUSY is owned by the fleet
// coordinator: a unit is BUSY exactly while a non-terminal trip holds it.
type Availability string

const (
	UnitAvailable Availability = "AVAILABLE"
	UnitBusy      Availability = "BUSY"
	UnitOffline   Availability = "OFFLINE"
)

// Role is the actor kind resolved by the identity layer.
type Role string

const (
	RoleRequester Role = "requester"
	RoleOperator  Role = "operator"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Location struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address,omitempty"`
}

type Trip struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	UnitID      string     `json:"unit_id"`
	OperatorID  string     `json:"operator_id"`
	Status      TripStatus `json:"status"`
	// StatusTimes records when each status was first entered.
	// Append-only; a status already present is never overwritten.
	StatusTimes map[TripStatus]time.Time `json:"status_times"`
	Pickup      Location   `json:"pickup"`
	Destination *Location  `json:"destination,omitempty"`
	Details     string     `json:"details"`
	Notes       string     `json:"notes,omitempty"`
	Rating      int        `json:"rating,omitempty"` // 0 = unrated
	Feedback    string     `json:"feedback,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a copy safe to hand outside the store's lock.
func (t *Trip) Clone() *Trip {
	cp := *t
	cp.StatusTimes = make(map[TripStatus]time.Time, len(t.StatusTimes))
	for k, v := range t.StatusTimes {
		cp.StatusTimes[k] = v
	}
	if t.Destination != nil {
		d := *t.Destination
		cp.Destination = &d
	}
	return &cp
}

type Unit struct {
	ID           string       `json:"id"`
	OperatorID   string       `json:"operator_id"`
	Tags         []string     `json:"tags,omitempty"` // capability tags, e.g. "als", "neonatal"
	Loc          Coord        `json:"loc"`
	Availability Availability `json:"availability"`
	Updated      time.Time    `json:"updated"`
}

func (u *Unit) Clone() *Unit {
	cp := *u
	cp.Tags = append([]string(nil), u.Tags...)
	return &cp
}

// TripEvent is what the broadcaster pushes over the transport channel.
type TripEvent struct {
	TripID string `json:"trip_id"`
	Type   string `json:"type"`
	Trip   *Trip  `json:"trip"`
}

const (
	EventTripCreated = "trip.created"
	EventTripStatus  = "trip.status"
	EventTripRated   = "trip.rated"
)
