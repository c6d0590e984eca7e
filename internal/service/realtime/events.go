package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind tags a normalized upstream event.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventReady
	EventAudioDelta
	EventResponseDone
	EventHumanTranscript
	EventPersonaTranscript
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAudioDelta:
		return "audio_delta"
	case EventResponseDone:
		return "response_done"
	case EventHumanTranscript:
		return "human_transcript"
	case EventPersonaTranscript:
		return "persona_transcript"
	case EventError:
		return "error"
	default:
		return "ignored"
	}
}

// Event is the provider-neutral shape the bridge consumes. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Audio      []byte
	Text       string
	ItemID     string
	ResponseID string
	Err        *UpstreamError
}

// UpstreamError is an error event reported by the provider.
type UpstreamError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s/%s: %s", e.Type, e.Code, e.Message)
}

// Fatal reports whether the provider session cannot continue.
func (e *UpstreamError) Fatal() bool {
	return e.Type == "server_error" || e.Code == "session_expired"
}

// serverEvent covers the fields of the OpenAI realtime server events we use.
type serverEvent struct {
	Type       string         `json:"type"`
	Delta      string         `json:"delta"`
	Transcript string         `json:"transcript"`
	ItemID     string         `json:"item_id"`
	ResponseID string         `json:"response_id"`
	Response   *responseRef   `json:"response"`
	Error      *UpstreamError `json:"error"`
}

type responseRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// parseServerEvent validates and normalizes one upstream text frame.
func parseServerEvent(raw []byte) (Event, error) {
	var ev serverEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode server event: %w", err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, fmt.Errorf("server event without type")
	}

	switch ev.Type {
	case "session.updated":
		return Event{Kind: EventReady}, nil

	case "response.audio.delta", "response.output_audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return Event{Kind: EventAudioDelta, Audio: audio, ItemID: ev.ItemID, ResponseID: ev.ResponseID}, nil

	case "response.done":
		e := Event{Kind: EventResponseDone}
		if ev.Response != nil {
			e.ResponseID = ev.Response.ID
		}
		return e, nil

	case "conversation.item.input_audio_transcription.completed":
		return Event{Kind: EventHumanTranscript, Text: strings.TrimSpace(ev.Transcript), ItemID: ev.ItemID}, nil

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return Event{Kind: EventPersonaTranscript, Text: strings.TrimSpace(ev.Transcript), ItemID: ev.ItemID, ResponseID: ev.ResponseID}, nil

	case "error":
		if ev.Error == nil {
			ev.Error = &UpstreamError{Type: "unknown", Message: string(raw)}
		}
		return Event{Kind: EventError, Err: ev.Error}, nil
	}
	return Event{Kind: EventIgnored}, nil
}
