package simulation

import "time"

// Status tracks where a simulation is in its lifecycle.
type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusError   Status = "error"
)

// Terminal reports whether no further turns may be appended.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// Transport records which channel is advancing a session. A session keeps the
// transport it was first advanced with for its whole lifetime.
type Transport string

const (
	TransportNone     Transport = ""
	TransportTurn     Transport = "turn"
	TransportRealtime Transport = "realtime"
)

// Session is the durable projection of one coaching simulation.
type Session struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"ownerId"`
	PersonaID         string    `json:"personaId"`
	TurnCount         int       `json:"turnCount"`
	ContinuationToken string    `json:"-"`
	FullHistoryOnly   bool      `json:"fullHistoryOnly"`
	Status            Status    `json:"status"`
	Transport         Transport `json:"transport,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
	EndedAt           time.Time `json:"endedAt,omitempty"`
	Feedback          *Feedback `json:"feedback,omitempty"`
}

// OwnedBy reports whether callerID may advance the session. Anonymous
// sessions belong to anonymous callers only.
func (s Session) OwnedBy(callerID string) bool {
	return s.OwnerID == callerID
}

// Feedback is the terminal scoring payload stored when a simulation ends.
type Feedback struct {
	Score        int      `json:"score"`
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths,omitempty"`
	Improvements []string `json:"improvements,omitempty"`
	Source       string   `json:"source"`
}

// Update carries the session fields mutated together with a turn append.
type Update struct {
	ContinuationToken string
	FullHistoryOnly   bool
	Transport         Transport
}
