package stt

import (
	"context"
	"errors"
	"time"
)

// ErrConnection is returned by Send when the transcription link is down.
// Callers count the dropped audio instead of discarding it silently.
var ErrConnection = errors.New("stt: transcription link down")

// Event is one decoded frame from the transcription link. The set of
// implementations is closed: UtteranceCompleted, ErrorEvent and Unhandled.
type Event interface {
	Kind() string
	sttEvent()
}

// UtteranceCompleted is a finished transcription of one VAD-segmented turn.
type UtteranceCompleted struct {
	ItemID     string
	Transcript string
	ReceivedAt time.Time
}

// ErrorEvent is an error reported by the transcription service itself.
type ErrorEvent struct {
	Code    string
	Message string
}

// Unhandled is any frame type the session does not act on.
type Unhandled struct {
	Type string
}

func (UtteranceCompleted) Kind() string { return "utterance-completed" }
func (ErrorEvent) Kind() string         { return "error" }
func (Unhandled) Kind() string          { return "unhandled" }

func (UtteranceCompleted) sttEvent() {}
func (ErrorEvent) sttEvent()         {}
func (Unhandled) sttEvent()          {}

// Stream is one persistent transcription link. A closed Stream is never reused.
type Stream interface {
	// Send forwards PCM16 audio. Returns an error wrapping ErrConnection
	// if the link is down.
	Send(ctx context.Context, pcm []byte) error

	// Events yields decoded events in arrival order and is closed when the
	// link closes.
	Events() <-chan Event

	// Close closes the link. Safe to call more than once.
	Close() error
}

// Dialer opens a new Stream for each call session.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}
