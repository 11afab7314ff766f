package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// EventType represents the type of call event
type EventType string

const (
	EventCallStarted       EventType = "call_started"
	EventStreamStarted     EventType = "stream_started"
	EventStreamEnded       EventType = "stream_ended"
	EventStreamResumed     EventType = "stream_resumed"
	EventUtterance         EventType = "utterance"
	EventSTTError          EventType = "stt_error"
	EventAudioDropped      EventType = "audio_dropped"
	EventAnalysisStarted   EventType = "analysis_started"
	EventAnalysisCompleted EventType = "analysis_completed"
	EventAnalysisFallback  EventType = "analysis_fallback"
	EventWarningPlayed     EventType = "warning_played"
	EventWarningFailed     EventType = "warning_failed"
	EventAlertSent         EventType = "alert_sent"
	EventAlertFailed       EventType = "alert_failed"
	EventCallStatus        EventType = "call_status"
	EventCallEnded         EventType = "call_ended"
)

// Logger writes call events to the database
type Logger struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a new event logger. A nil pool makes every call a no-op.
func New(db *pgxpool.Pool, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{db: db, logger: logger.With(zap.String("component", "eventlog"))}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, callSid string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || callSid == "" {
		return nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil || data == nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO call_events (call_id, event_type, event_data)
		SELECT id, $2, $3 FROM calls WHERE call_sid = $1
	`, callSid, string(eventType), dataJSON)

	return err
}

// Prune deletes events recorded before cutoff.
func (l *Logger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, nil
	}
	tag, err := l.db.Exec(ctx, `DELETE FROM call_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(callSid string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || callSid == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Log(ctx, callSid, eventType, data); err != nil {
			l.logger.Debug("event log write failed",
				zap.String("call_sid", callSid),
				zap.String("event", string(eventType)),
				zap.Error(err))
		}
	}()
}
