package simulation

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so transports can map it to a status code or a
// control frame.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindNotFound             Kind = "not_found"
	KindForbidden            Kind = "forbidden"
	KindTranscriptionFailed  Kind = "transcription_failed"
	KindDialogueFailed       Kind = "dialogue_failed"
	KindSynthesisFailed      Kind = "synthesis_failed"
	KindRateLimited          Kind = "rate_limited"
	KindRetriesExhausted     Kind = "retries_exhausted"
	KindPersistenceDegraded  Kind = "persistence_degraded"
	KindUpstreamDisconnected Kind = "upstream_disconnected"
	KindInternal             Kind = "internal"
)

// Partial is the progress made before a turn failed.
type Partial struct {
	HumanText string `json:"humanText,omitempty"`
}

// Error is the structured failure returned by the orchestrator.
type Error struct {
	Kind    Kind
	Message string
	Partial *Partial
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError extracts the structured error, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
