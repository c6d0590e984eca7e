package simulation

import "time"

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerHuman   Speaker = "human"
	SpeakerPersona Speaker = "persona"
)

// Turn persists one utterance. Seq starts at 1 and is gapless within a session.
type Turn struct {
	SessionID      string    `json:"sessionId"`
	Seq            int       `json:"seq"`
	Speaker        Speaker   `json:"speaker"`
	Text           string    `json:"text"`
	AudioRef       string    `json:"audioRef,omitempty"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NumberTurns assigns consecutive sequence numbers after the given count.
func NumberTurns(sessionID string, after int, turns []Turn) []Turn {
	numbered := make([]Turn, len(turns))
	now := time.Now().UTC()
	for i, turn := range turns {
		turn.SessionID = sessionID
		turn.Seq = after + i + 1
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		numbered[i] = turn
	}
	return numbered
}
