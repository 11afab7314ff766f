package monitor

import (
	"encoding/json"
	"time"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
)

// EventType names a monitor event on the wire.
type EventType string

const (
	EventCallState        EventType = "call.state"
	EventCallStarted      EventType = "call.started"
	EventTranscriptUpdate EventType = "transcript.update"
	EventAnalysisComplete EventType = "analysis.complete"
	EventWarningPlayed    EventType = "warning.audio_played"
	EventAlertSent        EventType = "alert.sent"
	EventCallStopped      EventType = "call.stopped"
	EventError            EventType = "error"
)

// Event is one message sent to monitor clients. It is encoded as a flat
// JSON object: type, call_sid and timestamp next to the event fields.
type Event struct {
	Type    EventType
	CallSid string
	At      time.Time
	Fields  map[string]any
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["type"] = e.Type
	m["call_sid"] = e.CallSid
	m["timestamp"] = e.At.UTC().Format(time.RFC3339Nano)
	return json.Marshal(m)
}

func newEvent(t EventType, callSid string, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{Type: t, CallSid: callSid, At: time.Now(), Fields: fields}
}

// TranscriptLine is one utterance in a call.state snapshot.
type TranscriptLine struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the data behind a call.state snapshot.
type State struct {
	RiskLevel    llm.RiskLevel
	Transcript   []TranscriptLine
	CallerNumber string
	CalleeNumber string
	StartTime    time.Time
	Duration     time.Duration
	Remote       bool
}

// CallState is the snapshot a new subscriber receives first.
func CallState(callSid string, s State) Event {
	transcript := s.Transcript
	if transcript == nil {
		transcript = []TranscriptLine{}
	}
	fields := map[string]any{
		"current_risk_level": s.RiskLevel,
		"transcript":         transcript,
		"caller_number":      s.CallerNumber,
		"called_number":      s.CalleeNumber,
		"start_time":         s.StartTime.UTC().Format(time.RFC3339),
		"duration":           int(s.Duration / time.Second),
	}
	if s.Remote {
		fields["remote"] = true
	}
	return newEvent(EventCallState, callSid, fields)
}

// CallStarted announces a session that has become active.
func CallStarted(callSid, caller, callee string, start time.Time) Event {
	return newEvent(EventCallStarted, callSid, map[string]any{
		"caller_number": caller,
		"called_number": callee,
		"start_time":    start.UTC().Format(time.RFC3339),
	})
}

// TranscriptUpdate carries one completed caller utterance.
func TranscriptUpdate(callSid, itemID, text string, seq int) Event {
	return newEvent(EventTranscriptUpdate, callSid, map[string]any{
		"role":    "user",
		"item_id": itemID,
		"text":    text,
		"seq":     seq,
	})
}

// AnalysisComplete carries an assessment that has just been applied.
func AnalysisComplete(callSid string, a llm.Assessment) Event {
	return newEvent(EventAnalysisComplete, callSid, map[string]any{
		"risk_level": a.RiskLevel,
		"indicators": a.Indicators,
		"text":       a.Summary(),
		"is_danger":  a.RiskLevel.IsDanger(),
		"mode":       a.Mode,
		"fallback":   a.Fallback,
	})
}

// WarningPlayed reports that the in-call warning was scheduled.
func WarningPlayed(callSid string, risk llm.RiskLevel) Event {
	return newEvent(EventWarningPlayed, callSid, map[string]any{"risk_level": risk})
}

// AlertSent reports the outcome of the trusted-contact fanout.
func AlertSent(callSid string, risk llm.RiskLevel, sent, failed int) Event {
	return newEvent(EventAlertSent, callSid, map[string]any{
		"risk_level": risk,
		"sent":       sent,
		"failed":     failed,
	})
}

// CallStopped is the last event of a session.
func CallStopped(callSid, reason string, finalRisk llm.RiskLevel, status string) Event {
	return newEvent(EventCallStopped, callSid, map[string]any{
		"reason":           reason,
		"final_risk_level": finalRisk,
		"status":           status,
	})
}

// Error reports a recoverable failure to monitors.
func Error(callSid, message string) Event {
	return newEvent(EventError, callSid, map[string]any{"message": message})
}
