package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/audio"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/eventlog"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/store"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/stt"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateFinalizing   State = "finalizing"
	StateClosed       State = "closed"
)

// Stop reasons.
const (
	ReasonStreamEnded         = "stream-ended"
	ReasonTranscriptionClosed = "transcription-closed"
	ReasonCallCompleted       = "call-completed"
	ReasonShutdown            = "shutdown"
)

const callerSpeaker = "caller"

type utterance struct {
	itemID string
	text   string
	at     time.Time
}

// Info is a point-in-time view of a session.
type Info struct {
	CallSid         string        `json:"call_sid"`
	StreamSid       string        `json:"stream_sid"`
	CallerNumber    string        `json:"caller_number"`
	CalleeNumber    string        `json:"called_number"`
	State           State         `json:"state"`
	StartedAt       time.Time     `json:"start_time"`
	DurationSeconds int           `json:"duration"`
	RiskLevel       llm.RiskLevel `json:"risk_level"`
	WarningPlayed   bool          `json:"warning_played"`
	AlertSent       bool          `json:"alert_sent"`
	AudioReceived   int64         `json:"audio_chunks_received"`
	AudioDropped    int64         `json:"audio_chunks_dropped"`
	Utterances      int           `json:"caller_utterances"`
	Monitors        int           `json:"monitors"`
}

// Session monitors one call: it feeds caller audio to the transcription
// link, analyzes the growing transcript and fires protective effects.
type Session struct {
	callSid   string
	caller    string
	callee    string
	startedAt time.Time

	cfg      Config
	deps     Deps
	registry *Registry
	logger   *zap.Logger

	stream     stt.Stream
	bridge     *audio.Bridge
	monitor    *monitor.Broadcaster
	dispatcher *Dispatcher

	audioCh    chan string
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup

	taskCtx     context.Context
	taskCancel  context.CancelFunc
	tasks       sync.WaitGroup
	tasksClosed bool

	received     atomic.Int64
	dropped      atomic.Int64
	sendFailures atomic.Int64

	mu             sync.Mutex
	state          State
	streamSid      string
	utterances     []utterance
	risk           llm.RiskLevel
	last           *llm.Assessment
	expectHandover bool
	handoverTimer  *time.Timer

	stopOnce sync.Once
	stopErr  error
	closed   chan struct{}
}

func newSession(p StartParams, stream stt.Stream, m *Manager) *Session {
	logger := m.logger.With(zap.String("call_sid", p.CallSid))
	loopCtx, loopCancel := context.WithCancel(context.Background())
	taskCtx, taskCancel := context.WithCancel(context.Background())

	s := &Session{
		callSid:    p.CallSid,
		caller:     p.CallerNumber,
		callee:     p.CalleeNumber,
		startedAt:  time.Now(),
		cfg:        m.cfg,
		deps:       m.deps,
		registry:   m.registry,
		logger:     logger,
		stream:     stream,
		bridge:     audio.NewBridge(),
		monitor:    monitor.NewBroadcaster(p.CallSid, logger),
		audioCh:    make(chan string, m.cfg.AudioQueueSize),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
		state:      StateInitializing,
		streamSid:  p.StreamSid,
		risk:       llm.RiskLow,
		closed:     make(chan struct{}),
	}
	s.dispatcher = newDispatcher(s)
	return s
}

// start moves the session to active and launches its loops.
func (s *Session) start() {
	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()

	if s.deps.Relay != nil {
		s.monitor.Subscribe(s.deps.Relay.Sink(s.callSid), nil)
	}

	s.loops.Add(2)
	go s.ingestLoop()
	go s.listenLoop()

	s.goTask(func(ctx context.Context) {
		s.persistCall(ctx)
		s.logEvent(eventlog.EventCallStarted, map[string]any{
			"from":       s.caller,
			"to":         s.callee,
			"stream_sid": s.StreamSid(),
		})
	})
	if s.deps.Relay != nil {
		s.goTask(func(ctx context.Context) {
			err := s.deps.Relay.PutActive(ctx, monitor.IndexEntry{
				CallSid:      s.callSid,
				CallerNumber: s.caller,
				CalleeNumber: s.callee,
				StartTime:    s.startedAt,
				RiskLevel:    string(llm.RiskLow),
			})
			if err != nil {
				s.logger.Warn("failed to index active call", zap.Error(err))
			}
		})
	}

	s.monitor.Publish(monitor.CallStarted(s.callSid, s.caller, s.callee, s.startedAt))
	s.logger.Info("session active",
		zap.String("stream_sid", s.StreamSid()),
		zap.String("from", s.caller),
		zap.String("to", s.callee))
}

// CallSid returns the provider call id.
func (s *Session) CallSid() string { return s.callSid }

// StreamSid returns the id of the media stream currently feeding the session.
func (s *Session) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// IngestMedia queues one base64 media payload. It never blocks; when the
// queue is full the chunk is dropped and counted.
func (s *Session) IngestMedia(payload string) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	s.received.Add(1)
	select {
	case s.audioCh <- payload:
		return nil
	default:
		s.reportDrop(errors.New("audio queue full"))
		return nil
	}
}

// Subscribe attaches a monitor sink. The sink gets a call.state snapshot
// before any later event. It returns "" if the sink could not be attached.
func (s *Session) Subscribe(sink monitor.Sink) string {
	return s.monitor.Subscribe(sink, s.snapshot)
}

// Unsubscribe detaches a monitor sink.
func (s *Session) Unsubscribe(id string) {
	s.monitor.Unsubscribe(id)
}

func (s *Session) snapshot() monitor.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]monitor.TranscriptLine, 0, len(s.utterances))
	for _, u := range s.utterances {
		lines = append(lines, monitor.TranscriptLine{Role: "user", Text: u.text, Timestamp: u.at})
	}
	return monitor.CallState(s.callSid, monitor.State{
		RiskLevel:    s.risk,
		Transcript:   lines,
		CallerNumber: s.caller,
		CalleeNumber: s.callee,
		StartTime:    s.startedAt,
		Duration:     time.Since(s.startedAt),
	})
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	warning, alert := s.dispatcher.Flags()
	monitors := s.monitor.Count()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		CallSid:         s.callSid,
		StreamSid:       s.streamSid,
		CallerNumber:    s.caller,
		CalleeNumber:    s.callee,
		State:           s.state,
		StartedAt:       s.startedAt,
		DurationSeconds: int(time.Since(s.startedAt) / time.Second),
		RiskLevel:       s.risk,
		WarningPlayed:   warning,
		AlertSent:       alert,
		AudioReceived:   s.received.Load(),
		AudioDropped:    s.dropped.Load(),
		Utterances:      len(s.utterances),
		Monitors:        monitors,
	}
}

func (s *Session) ingestLoop() {
	defer s.loops.Done()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case payload := <-s.audioCh:
			pcm, err := s.bridge.Convert(payload)
			if err != nil {
				s.reportDrop(err)
				continue
			}
			if err := s.stream.Send(s.loopCtx, pcm); err != nil {
				if s.loopCtx.Err() != nil {
					return
				}
				s.sendFailures.Add(1)
				s.reportDrop(err)
			}
		}
	}
}

// reportDrop counts a lost chunk and tells monitors on the first loss and
// every DropReportEvery losses after that.
func (s *Session) reportDrop(err error) {
	n := s.dropped.Add(1)
	if n != 1 && n%int64(s.cfg.DropReportEvery) != 0 {
		return
	}
	s.logger.Warn("audio chunks dropped", zap.Int64("dropped", n), zap.Error(err))
	s.monitor.Publish(monitor.Error(s.callSid, fmt.Sprintf("audio dropped (%d chunks): %v", n, err)))
	s.logEvent(eventlog.EventAudioDropped, map[string]any{"dropped": n, "error": err.Error()})
}

func (s *Session) listenLoop() {
	defer s.loops.Done()
	events := s.stream.Events()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.logger.Info("transcription link closed")
				go s.Stop(ReasonTranscriptionClosed)
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev stt.Event) {
	switch e := ev.(type) {
	case stt.UtteranceCompleted:
		s.handleUtterance(e)
	case stt.ErrorEvent:
		s.logger.Warn("transcription error", zap.String("code", e.Code), zap.String("message", e.Message))
		s.monitor.Publish(monitor.Error(s.callSid, "transcription error: "+e.Message))
		s.logEvent(eventlog.EventSTTError, map[string]any{"code": e.Code, "message": e.Message})
	case stt.Unhandled:
		s.logger.Debug("ignoring transcription event", zap.String("type", e.Type))
	}
}

func (s *Session) handleUtterance(u stt.UtteranceCompleted) {
	text := strings.TrimSpace(u.Transcript)
	if text == "" {
		return
	}
	at := u.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	var (
		seq     int
		trigger bool
	)
	s.monitor.Apply(func() (monitor.Event, bool) {
		s.mu.Lock()
		s.utterances = append(s.utterances, utterance{itemID: u.ItemID, text: text, at: at})
		seq = len(s.utterances)
		s.mu.Unlock()
		trigger = seq%s.cfg.AnalysisEvery == 0
		return monitor.TranscriptUpdate(s.callSid, u.ItemID, text, seq), true
	})

	s.logger.Debug("utterance", zap.Int("seq", seq), zap.String("text", text))

	s.goTask(func(ctx context.Context) {
		s.persistUtterance(ctx, store.Utterance{
			CallSid:   s.callSid,
			ItemID:    u.ItemID,
			Speaker:   callerSpeaker,
			Text:      text,
			Sequence:  seq,
			CreatedAt: at,
		})
	})

	if trigger {
		s.goTask(func(ctx context.Context) {
			s.runAnalysis(ctx, seq)
		})
	}
}

// callerTranscript joins the caller utterances in arrival order.
func (s *Session) callerTranscript() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, len(s.utterances))
	for i, u := range s.utterances {
		parts[i] = u.text
	}
	return strings.Join(parts, "\n"), len(s.utterances)
}

func (s *Session) runAnalysis(ctx context.Context, seq int) {
	transcript, _ := s.callerTranscript()
	s.logEvent(eventlog.EventAnalysisStarted, map[string]any{"mode": string(llm.ModeFast), "utterances": seq})

	a := s.deps.Analyzer.Analyze(ctx, transcript, llm.ModeFast)
	if ctx.Err() != nil {
		return
	}
	if a.Fallback {
		s.logEvent(eventlog.EventAnalysisFallback, map[string]any{"mode": string(a.Mode), "reasoning": a.Reasoning})
	}

	applied := false
	s.monitor.Apply(func() (monitor.Event, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateActive {
			return monitor.Event{}, false
		}
		s.risk = a.RiskLevel
		s.last = &a
		applied = true
		return monitor.AnalysisComplete(s.callSid, a), true
	})
	if !applied {
		return
	}

	s.logger.Info("analysis complete",
		zap.String("risk_level", string(a.RiskLevel)),
		zap.Float64("confidence", a.Confidence),
		zap.Bool("fallback", a.Fallback),
		zap.Int("utterances", seq))
	s.logEvent(eventlog.EventAnalysisCompleted, map[string]any{
		"mode":       string(a.Mode),
		"risk_level": string(a.RiskLevel),
		"confidence": a.Confidence,
		"indicators": a.Indicators,
	})

	s.dispatcher.Evaluate(a)
}

// goTask runs fn as a tracked task. It returns false once the session has
// stopped accepting tasks.
func (s *Session) goTask(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.tasksClosed {
		s.mu.Unlock()
		return false
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("session task panic: %v", r)
				s.logger.Error("task panicked", zap.Any("panic", r))
				s.reportError(err)
			}
		}()
		fn(s.taskCtx)
	}()
	return true
}

// beginHandover marks that the current media stream is about to be replaced
// by the resumed stream of a warning update.
func (s *Session) beginHandover() {
	s.mu.Lock()
	s.expectHandover = true
	s.mu.Unlock()
}

func (s *Session) cancelHandover() {
	s.mu.Lock()
	s.expectHandover = false
	s.mu.Unlock()
}

// StreamEnded reports that the media stream streamSid closed. Ends from a
// stream that is no longer current are ignored. During a warning handover
// the session waits for the warning to play plus HandoverGrace for the
// resumed stream before stopping.
func (s *Session) StreamEnded(streamSid string) {
	s.mu.Lock()
	if s.state != StateActive || streamSid != s.streamSid {
		s.mu.Unlock()
		return
	}
	if s.expectHandover {
		if s.handoverTimer == nil {
			s.handoverTimer = time.AfterFunc(s.handoverWait(), func() {
				s.logger.Info("resumed stream did not attach in time")
				s.Stop(ReasonStreamEnded)
			})
		}
		s.mu.Unlock()
		s.logger.Info("media stream ended, waiting for resumed stream", zap.String("stream_sid", streamSid))
		s.logEvent(eventlog.EventStreamEnded, map[string]any{"stream_sid": streamSid, "handover": true})
		return
	}
	s.mu.Unlock()

	s.logEvent(eventlog.EventStreamEnded, map[string]any{"stream_sid": streamSid})
	go s.Stop(ReasonStreamEnded)
}

func (s *Session) handoverWait() time.Duration {
	return s.cfg.WarningDuration + s.cfg.HandoverGrace
}

// Attach switches the session to a resumed media stream.
func (s *Session) Attach(streamSid string) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	if s.handoverTimer != nil {
		s.handoverTimer.Stop()
		s.handoverTimer = nil
	}
	prev := s.streamSid
	s.streamSid = streamSid
	s.expectHandover = false
	s.mu.Unlock()

	s.logger.Info("media stream resumed", zap.String("stream_sid", streamSid), zap.String("previous", prev))
	s.logEvent(eventlog.EventStreamResumed, map[string]any{"stream_sid": streamSid, "previous": prev})
	return nil
}

// Stop finalizes the session. It is idempotent and every caller returns
// once the session is closed. The error is ErrFinalizationTimeout when the
// final analysis did not finish in time.
func (s *Session) Stop(reason string) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.finalize(reason)
	})
	<-s.closed
	return s.stopErr
}

func (s *Session) finalize(reason string) error {
	defer close(s.closed)
	defer func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	}()

	s.mu.Lock()
	s.state = StateFinalizing
	if s.handoverTimer != nil {
		s.handoverTimer.Stop()
		s.handoverTimer = nil
	}
	s.mu.Unlock()

	s.logger.Info("session stopping", zap.String("reason", reason))

	s.loopCancel()
	if err := s.stream.Close(); err != nil {
		s.logger.Debug("transcription close", zap.Error(err))
	}
	s.loops.Wait()

	s.mu.Lock()
	s.tasksClosed = true
	s.mu.Unlock()
	if !waitTimeout(&s.tasks, s.cfg.TaskDrainTimeout) {
		s.logger.Warn("tasks still running after drain timeout, canceling")
	}
	s.taskCancel()

	final, status, err := s.finalPass()

	warning, alert := s.dispatcher.Flags()
	transcript, _ := s.callerTranscript()
	s.persistFinal(store.FinalAssessment{
		Assessment:    final,
		Status:        status,
		Transcript:    transcript,
		StopReason:    reason,
		WarningPlayed: warning,
		AlertSent:     alert,
		EndedAt:       time.Now(),
	})

	s.monitor.Publish(monitor.CallStopped(s.callSid, reason, final.RiskLevel, status))
	s.monitor.Close()
	s.registry.Remove(s.callSid, s)

	if s.deps.Relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		if err := s.deps.Relay.RemoveActive(ctx, s.callSid); err != nil {
			s.logger.Warn("failed to remove active call index", zap.Error(err))
		}
		cancel()
	}

	s.logEvent(eventlog.EventCallEnded, map[string]any{
		"reason":         reason,
		"status":         status,
		"risk_level":     string(final.RiskLevel),
		"warning_played": warning,
		"alert_sent":     alert,
		"audio_received": s.received.Load(),
		"audio_dropped":  s.dropped.Load(),
		"duration_sec":   int(time.Since(s.startedAt) / time.Second),
	})
	s.logger.Info("session closed",
		zap.String("reason", reason),
		zap.String("status", status),
		zap.String("risk_level", string(final.RiskLevel)))
	return err
}

// finalPass runs one accurate analysis over the whole caller transcript,
// bounded by FinalizeTimeout. Its result is published but never dispatched.
func (s *Session) finalPass() (llm.Assessment, string, error) {
	transcript, n := s.callerTranscript()

	s.mu.Lock()
	current := llm.Assessment{RiskLevel: s.risk, Indicators: []string{}, RecommendedActions: []string{}}
	if s.last != nil {
		current = *s.last
	}
	s.mu.Unlock()

	if n == 0 {
		return current, store.StatusAnalyzed, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
	defer cancel()

	result := make(chan llm.Assessment, 1)
	go func() {
		result <- s.deps.Analyzer.Analyze(ctx, transcript, llm.ModeAccurate)
	}()

	var a llm.Assessment
	select {
	case a = <-result:
		if a.Fallback && ctx.Err() != nil {
			return s.finalTimedOut(current)
		}
	case <-ctx.Done():
		return s.finalTimedOut(current)
	}

	s.monitor.Apply(func() (monitor.Event, bool) {
		s.mu.Lock()
		s.risk = a.RiskLevel
		s.last = &a
		s.mu.Unlock()
		return monitor.AnalysisComplete(s.callSid, a), true
	})

	status := store.StatusAnalyzed
	if a.Fallback {
		status = store.StatusFailed
		s.logEvent(eventlog.EventAnalysisFallback, map[string]any{"mode": string(llm.ModeAccurate), "reasoning": a.Reasoning})
	}
	s.logEvent(eventlog.EventAnalysisCompleted, map[string]any{
		"mode":       string(llm.ModeAccurate),
		"risk_level": string(a.RiskLevel),
		"confidence": a.Confidence,
		"final":      true,
	})
	return a, status, nil
}

func (s *Session) finalTimedOut(current llm.Assessment) (llm.Assessment, string, error) {
	s.logger.Warn("final analysis timed out", zap.Duration("timeout", s.cfg.FinalizeTimeout))
	s.monitor.Publish(monitor.Error(s.callSid, "final analysis timed out, keeping last result"))
	return current, store.StatusPartial, ErrFinalizationTimeout
}

func (s *Session) persistCall(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	err := s.deps.Store.UpsertCall(ctx, store.Call{
		CallSid:    s.callSid,
		FromNumber: s.caller,
		ToNumber:   s.callee,
		Status:     store.StatusInProgress,
		StartedAt:  s.startedAt,
	})
	if err != nil {
		s.logger.Error("failed to persist call", zap.Error(err))
		s.reportError(err)
	}
}

func (s *Session) persistUtterance(ctx context.Context, u store.Utterance) {
	s.logEvent(eventlog.EventUtterance, map[string]any{"sequence": u.Sequence, "item_id": u.ItemID})
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := s.deps.Store.InsertUtterance(ctx, u); err != nil {
		s.logger.Warn("failed to persist utterance", zap.Int("sequence", u.Sequence), zap.Error(err))
	}
}

func (s *Session) persistFinal(f store.FinalAssessment) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.deps.Store.SaveFinalAssessment(ctx, s.callSid, f); err != nil {
		s.logger.Error("failed to persist final assessment", zap.Error(err))
		s.reportError(err)
	}
}

func (s *Session) logEvent(t eventlog.EventType, data map[string]any) {
	if s.deps.Events != nil {
		s.deps.Events.LogAsync(s.callSid, t, data)
	}
}

func (s *Session) reportError(err error) {
	if s.deps.ReportError != nil {
		s.deps.ReportError(err, map[string]string{"call_sid": s.callSid})
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
