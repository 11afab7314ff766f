package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/eventlog"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/notifications"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/store"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/stt"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/telephony"
)

// Store persists calls, utterances and final results.
type Store interface {
	UpsertCall(ctx context.Context, c store.Call) error
	InsertUtterance(ctx context.Context, u store.Utterance) error
	SaveFinalAssessment(ctx context.Context, callSid string, f store.FinalAssessment) error
}

// Directory resolves the trusted contacts of a callee.
type Directory interface {
	ListRecipients(ctx context.Context, calleeNumber string) ([]notifications.Recipient, error)
}

// Notifier delivers an alert to a set of recipients.
type Notifier interface {
	Send(ctx context.Context, recipients []notifications.Recipient, m notifications.Message) notifications.FanoutResult
}

// WarningPlayer plays the in-call warning on a live call.
type WarningPlayer interface {
	PlayWarning(ctx context.Context, callSid, warningURL string, resume telephony.StreamResume) error
}

// EventLogger records call events for later inspection.
type EventLogger interface {
	LogAsync(callSid string, eventType eventlog.EventType, data map[string]any)
}

// Config tunes session behavior.
type Config struct {
	AnalysisEvery    int // fast analysis after every Nth caller utterance
	AudioQueueSize   int
	DropReportEvery  int
	FinalizeTimeout  time.Duration
	TaskDrainTimeout time.Duration
	HandoverGrace    time.Duration
	DispatchTimeout  time.Duration
	PersistTimeout   time.Duration

	// WarningDuration is how long the warning takes to play. The resumed
	// stream only opens after playback, so a handover waits
	// WarningDuration + HandoverGrace.
	WarningDuration time.Duration

	WarningAudioURL string
	MediaStreamURL  string // wss URL the resumed stream connects back to
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AnalysisEvery:    3,
		AudioQueueSize:   256,
		DropReportEvery:  50,
		FinalizeTimeout:  20 * time.Second,
		TaskDrainTimeout: 5 * time.Second,
		HandoverGrace:    5 * time.Second,
		DispatchTimeout:  15 * time.Second,
		PersistTimeout:   5 * time.Second,
		WarningDuration:  15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AnalysisEvery <= 0 {
		c.AnalysisEvery = d.AnalysisEvery
	}
	if c.AudioQueueSize <= 0 {
		c.AudioQueueSize = d.AudioQueueSize
	}
	if c.DropReportEvery <= 0 {
		c.DropReportEvery = d.DropReportEvery
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = d.FinalizeTimeout
	}
	if c.TaskDrainTimeout <= 0 {
		c.TaskDrainTimeout = d.TaskDrainTimeout
	}
	if c.HandoverGrace <= 0 {
		c.HandoverGrace = d.HandoverGrace
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.WarningDuration <= 0 {
		c.WarningDuration = d.WarningDuration
	}
	return c
}

// Deps are the collaborators shared by every session. Dialer and Analyzer
// are required; the rest may be nil.
type Deps struct {
	Dialer    stt.Dialer
	Analyzer  llm.Analyzer
	Store     Store
	Directory Directory
	Notifier  Notifier
	Warnings  WarningPlayer
	Relay     *monitor.Relay
	Events    EventLogger

	// ReportError forwards unexpected failures to error tracking.
	ReportError func(err error, tags map[string]string)

	Logger *zap.Logger
}

// StartParams identify a call whose media stream has just started.
type StartParams struct {
	CallSid      string
	StreamSid    string
	CallerNumber string
	CalleeNumber string
}

// Manager creates sessions and owns the registry.
type Manager struct {
	cfg      Config
	deps     Deps
	registry *Registry
	logger   *zap.Logger
}

// NewManager creates a manager with an empty registry.
func NewManager(cfg Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		registry: NewRegistry(),
		logger:   logger.With(zap.String("component", "session")),
	}
}

// Registry returns the live-session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Get returns the live session for callSid.
func (m *Manager) Get(callSid string) (*Session, bool) {
	return m.registry.Get(callSid)
}

// Start opens the transcription link for a call and activates its session.
// A duplicate callSid is rejected before anything is dialed. If the link
// cannot be opened the call never appears in the registry.
func (m *Manager) Start(ctx context.Context, p StartParams) (*Session, error) {
	if p.CallSid == "" {
		return nil, errors.New("session: call sid required")
	}
	if err := m.registry.Reserve(p.CallSid); err != nil {
		return nil, err
	}

	stream, err := m.deps.Dialer.Dial(ctx)
	if err != nil {
		m.registry.Release(p.CallSid)
		m.logger.Error("transcription link failed", zap.String("call_sid", p.CallSid), zap.Error(err))
		return nil, fmt.Errorf("start session %s: %w", p.CallSid, err)
	}

	s := newSession(p, stream, m)
	m.registry.Commit(s)
	s.start()
	return s, nil
}

// Shutdown stops accepting calls and waits for live sessions to finish.
// Sessions still running when ctx ends are stopped.
func (m *Manager) Shutdown(ctx context.Context) {
	m.registry.StartDraining()

	done := make(chan struct{})
	go func() {
		m.registry.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	sessions := m.registry.Sessions()
	m.logger.Warn("drain deadline reached, stopping sessions", zap.Int("remaining", len(sessions)))
	for _, s := range sessions {
		go s.Stop(ReasonShutdown)
	}
	for _, s := range sessions {
		<-s.Done()
	}
}
