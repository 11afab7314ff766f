package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/notifications"
)

// Call statuses. Telephony statuses from the status callback are stored as-is.
const (
	StatusInProgress = "in_progress"
	StatusAnalyzed   = "analyzed"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
)

// ErrNotFound is returned when a call does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

type Call struct {
	ID             string     `json:"id,omitempty"`
	Provider       string     `json:"provider"`
	CallSid        string     `json:"call_sid"`
	FromNumber     string     `json:"from_number"`
	ToNumber       string     `json:"to_number"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	StopReason     *string    `json:"stop_reason,omitempty"`
	AnalysisStatus *string    `json:"analysis_status,omitempty"`
	RiskLevel      *string    `json:"risk_level,omitempty"`
}

type Utterance struct {
	CallSid   string    `json:"call_sid"`
	ItemID    string    `json:"item_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// FinalAssessment is the end-of-call record written once per call.
type FinalAssessment struct {
	Assessment    llm.Assessment
	Status        string // analyzed, partial or failed
	Transcript    string
	StopReason    string
	WarningPlayed bool
	AlertSent     bool
	EndedAt       time.Time
}

func (s *Store) UpsertCall(ctx context.Context, c Call) error {
	provider := c.Provider
	if provider == "" {
		provider = "twilio"
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO calls (provider, call_sid, from_number, to_number, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (call_sid) DO UPDATE SET
			from_number = COALESCE(NULLIF(EXCLUDED.from_number, ''), calls.from_number),
			to_number = COALESCE(NULLIF(EXCLUDED.to_number, ''), calls.to_number),
			status = EXCLUDED.status
	`, provider, c.CallSid, c.FromNumber, c.ToNumber, c.Status, c.StartedAt)
	return err
}

func (s *Store) UpdateCallStatus(ctx context.Context, callSid string, status string, at time.Time) error {
	var endedAt *time.Time
	if status == "completed" || status == "canceled" || status == "failed" || status == "busy" || status == "no-answer" {
		endedAt = &at
	}
	_, err := s.db.Exec(ctx, `
		UPDATE calls
		SET status = $1,
		    ended_at = COALESCE($2, ended_at)
		WHERE call_sid = $3
	`, status, endedAt, callSid)
	return err
}

// InsertUtterance stores one caller utterance. Re-inserting the same
// sequence number is a no-op.
func (s *Store) InsertUtterance(ctx context.Context, u Utterance) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO call_utterances (call_id, item_id, speaker, text, sequence, created_at)
		SELECT id, $2, $3, $4, $5, $6 FROM calls WHERE call_sid = $1
		ON CONFLICT (call_id, sequence) DO NOTHING
	`, u.CallSid, u.ItemID, u.Speaker, u.Text, u.Sequence, u.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE call_sid = $1)`, u.CallSid).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("insert utterance for %s: %w", u.CallSid, ErrNotFound)
		}
	}
	return nil
}

// SaveFinalAssessment writes the end-of-call analysis onto the call row.
func (s *Store) SaveFinalAssessment(ctx context.Context, callSid string, f FinalAssessment) error {
	meta, err := json.Marshal(f.Assessment.Meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	indicators := f.Assessment.Indicators
	if indicators == nil {
		indicators = []string{}
	}
	actions := f.Assessment.RecommendedActions
	if actions == nil {
		actions = []string{}
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE calls SET
			analysis_status = $2,
			risk_level = $3,
			confidence = $4,
			indicators = $5,
			reasoning = $6,
			recommended_actions = $7,
			metadata = $8,
			transcript = $9,
			stop_reason = $10,
			warning_played = $11,
			alert_sent = $12,
			ended_at = COALESCE(ended_at, $13)
		WHERE call_sid = $1
	`, callSid, f.Status, string(f.Assessment.RiskLevel), f.Assessment.Confidence, indicators,
		f.Assessment.Reasoning, actions, meta, f.Transcript, f.StopReason,
		f.WarningPlayed, f.AlertSent, f.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save final assessment for %s: %w", callSid, ErrNotFound)
	}
	return nil
}

// GetCall returns one call by its provider id.
func (s *Store) GetCall(ctx context.Context, callSid string) (Call, error) {
	var c Call
	err := s.db.QueryRow(ctx, `
		SELECT id, provider, call_sid, from_number, to_number, status, started_at, ended_at,
		       stop_reason, analysis_status, risk_level
		FROM calls WHERE call_sid = $1
	`, callSid).Scan(&c.ID, &c.Provider, &c.CallSid, &c.FromNumber, &c.ToNumber, &c.Status,
		&c.StartedAt, &c.EndedAt, &c.StopReason, &c.AnalysisStatus, &c.RiskLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

// ListUtterances returns a call's utterances in sequence order.
func (s *Store) ListUtterances(ctx context.Context, callSid string) ([]Utterance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.call_sid, u.item_id, u.speaker, u.text, u.sequence, u.created_at
		FROM call_utterances u
		JOIN calls c ON c.id = u.call_id
		WHERE c.call_sid = $1
		ORDER BY u.sequence
	`, callSid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(&u.CallSid, &u.ItemID, &u.Speaker, &u.Text, &u.Sequence, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListRecipients returns the trusted contacts of the user who owns
// calleeNumber, with the most recent push token of each contact.
func (s *Store) ListRecipients(ctx context.Context, calleeNumber string) ([]notifications.Recipient, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tc.name, tc.phone, tc.relationship, tc.channel,
		       (SELECT t.token FROM device_push_tokens t
		        WHERE t.phone = tc.phone ORDER BY t.created_at DESC LIMIT 1)
		FROM trusted_contacts tc
		JOIN users u ON u.id = tc.user_id
		WHERE u.phone = $1
		ORDER BY tc.created_at
	`, calleeNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notifications.Recipient
	for rows.Next() {
		var (
			r       notifications.Recipient
			channel string
			token   *string
		)
		if err := rows.Scan(&r.Name, &r.Phone, &r.Relationship, &channel, &token); err != nil {
			return nil, err
		}
		r.Channel = notifications.ParseChannel(channel)
		if token != nil {
			r.DeviceToken = *token
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertUser creates the user owning a phone number if it does not exist.
func (s *Store) UpsertUser(ctx context.Context, phone, name string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (phone, name) VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (phone) DO UPDATE SET name = COALESCE(EXCLUDED.name, users.name)
		RETURNING id
	`, phone, name).Scan(&id)
	return id, err
}

// AddTrustedContact adds or updates a contact for a user.
func (s *Store) AddTrustedContact(ctx context.Context, userID string, r notifications.Recipient) error {
	channel := r.Channel
	if channel == "" {
		channel = notifications.ChannelSMS
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO trusted_contacts (user_id, name, phone, relationship, channel)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, phone) DO UPDATE SET
			name = EXCLUDED.name,
			relationship = EXCLUDED.relationship,
			channel = EXCLUDED.channel
	`, userID, r.Name, r.Phone, r.Relationship, string(channel))
	return err
}

// AbandonStaleCalls closes calls that started before cutoff and never got a
// final result, e.g. because the owning instance died. Calls in keep are
// still live somewhere and are left alone.
func (s *Store) AbandonStaleCalls(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE calls
		SET analysis_status = $1,
		    stop_reason = 'abandoned',
		    ended_at = COALESCE(ended_at, NOW())
		WHERE analysis_status IS NULL
		  AND started_at < $2
		  AND NOT (call_sid = ANY($3))
	`, StatusFailed, cutoff, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
