package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/audio"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/notifications"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/store"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/stt"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/telephony"
)

// fakeStream is an in-memory transcription link.
type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan stt.Event
	once   sync.Once
	closed chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stt.Event, 64), closed: make(chan struct{})}
}

func (f *fakeStream) Send(ctx context.Context, pcm []byte) error {
	select {
	case <-f.closed:
		return stt.ErrConnection
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeStream) Events() <-chan stt.Event { return f.events }

func (f *fakeStream) Close() error {
	f.once.Do(func() {
		close(f.closed)
		close(f.events)
	})
	return nil
}

func (f *fakeStream) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type fakeDialer struct {
	stream *fakeStream
	err    error
	dials  atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (stt.Stream, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

type analyzerCall struct {
	transcript string
	mode       llm.Mode
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []analyzerCall
	fn    func(ctx context.Context, transcript string, mode llm.Mode) llm.Assessment
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, transcript string, mode llm.Mode) llm.Assessment {
	a.mu.Lock()
	a.calls = append(a.calls, analyzerCall{transcript: transcript, mode: mode})
	a.mu.Unlock()
	return a.fn(ctx, transcript, mode)
}

func (a *fakeAnalyzer) Calls() []analyzerCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]analyzerCall(nil), a.calls...)
}

func (a *fakeAnalyzer) count(mode llm.Mode) int {
	n := 0
	for _, c := range a.Calls() {
		if c.mode == mode {
			n++
		}
	}
	return n
}

func fixedRisk(level llm.RiskLevel) func(context.Context, string, llm.Mode) llm.Assessment {
	return func(_ context.Context, _ string, mode llm.Mode) llm.Assessment {
		return assessment(level, mode)
	}
}

func assessment(level llm.RiskLevel, mode llm.Mode) llm.Assessment {
	return llm.Assessment{
		IsScam:             level.IsDanger(),
		RiskLevel:          level,
		Confidence:         0.8,
		Indicators:         []string{"test"},
		Reasoning:          "test reasoning",
		RecommendedActions: []string{},
		Mode:               mode,
	}
}

type fakeStore struct {
	mu         sync.Mutex
	calls      []store.Call
	utterances []store.Utterance
	finals     []store.FinalAssessment
}

func (s *fakeStore) UpsertCall(ctx context.Context, c store.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return nil
}

func (s *fakeStore) InsertUtterance(ctx context.Context, u store.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = append(s.utterances, u)
	return nil
}

func (s *fakeStore) SaveFinalAssessment(ctx context.Context, callSid string, f store.FinalAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, f)
	return nil
}

func (s *fakeStore) Finals() []store.FinalAssessment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.FinalAssessment(nil), s.finals...)
}

type fakeDirectory struct {
	recipients []notifications.Recipient
	err        error
}

func (d *fakeDirectory) ListRecipients(ctx context.Context, callee string) ([]notifications.Recipient, error) {
	return d.recipients, d.err
}

type fakeNotifier struct {
	calls atomic.Int32
	last  atomic.Value // notifications.Message
}

func (n *fakeNotifier) Send(ctx context.Context, rs []notifications.Recipient, m notifications.Message) notifications.FanoutResult {
	n.calls.Add(1)
	n.last.Store(m)
	return notifications.FanoutResult{Sent: len(rs)}
}

type fakeWarnings struct {
	calls  atomic.Int32
	err    error
	resume atomic.Value // telephony.StreamResume
}

func (w *fakeWarnings) PlayWarning(ctx context.Context, callSid, url string, resume telephony.StreamResume) error {
	w.calls.Add(1)
	w.resume.Store(resume)
	return w.err
}

// collectSink records every event it receives.
type collectSink struct {
	mu     sync.Mutex
	events []monitor.Event
	closed bool
}

func (c *collectSink) Send(ev monitor.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return monitor.ErrSinkClosed
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *collectSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *collectSink) Events() []monitor.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]monitor.Event(nil), c.events...)
}

func (c *collectSink) ofType(t monitor.EventType) []monitor.Event {
	var out []monitor.Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collectSink) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type harness struct {
	manager   *Manager
	stream    *fakeStream
	dialer    *fakeDialer
	analyzer  *fakeAnalyzer
	store     *fakeStore
	notifier  *fakeNotifier
	warnings  *fakeWarnings
	directory *fakeDirectory
}

func newHarness(t *testing.T, cfg Config, analyze func(context.Context, string, llm.Mode) llm.Assessment) *harness {
	t.Helper()
	h := &harness{
		stream:   newFakeStream(),
		analyzer: &fakeAnalyzer{fn: analyze},
		store:    &fakeStore{},
		notifier: &fakeNotifier{},
		warnings: &fakeWarnings{},
		directory: &fakeDirectory{recipients: []notifications.Recipient{
			{Name: "Pedro", Phone: "+56933333333", Channel: notifications.ChannelSMS},
		}},
	}
	h.dialer = &fakeDialer{stream: h.stream}
	if cfg.TaskDrainTimeout == 0 {
		cfg.TaskDrainTimeout = time.Second
	}
	if cfg.FinalizeTimeout == 0 {
		cfg.FinalizeTimeout = time.Second
	}
	cfg.WarningAudioURL = "https://example.com/warning.mp3"
	cfg.MediaStreamURL = "wss://example.com/media"
	h.manager = NewManager(cfg, Deps{
		Dialer:    h.dialer,
		Analyzer:  h.analyzer,
		Store:     h.store,
		Directory: h.directory,
		Notifier:  h.notifier,
		Warnings:  h.warnings,
	})
	return h
}

func (h *harness) start(t *testing.T) *Session {
	t.Helper()
	s, err := h.manager.Start(context.Background(), StartParams{
		CallSid:      "CA123",
		StreamSid:    "MZ1",
		CallerNumber: "+56911111111",
		CalleeNumber: "+56922222222",
	})
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() { _ = s.Stop("test-cleanup") })
	return s
}

func (h *harness) say(texts ...string) {
	for i, text := range texts {
		h.stream.events <- stt.UtteranceCompleted{ItemID: fmt.Sprintf("item-%d", i), Transcript: text, ReceivedAt: time.Now()}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStart_DuplicateRejected(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	s := h.start(t)

	_, err := h.manager.Start(context.Background(), StartParams{CallSid: "CA123", StreamSid: "MZ2"})
	if !errors.Is(err, ErrRegistryConflict) {
		t.Fatalf("duplicate Start() = %v, want ErrRegistryConflict", err)
	}
	if got := h.dialer.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got, _ := h.manager.Get("CA123"); got != s {
		t.Error("duplicate start disturbed the live session")
	}
	if s.StreamSid() != "MZ1" {
		t.Errorf("StreamSid() = %q, want MZ1", s.StreamSid())
	}
	if s.State() != StateActive {
		t.Errorf("State() = %q, want active", s.State())
	}
}

func TestStart_DialFailureNeverRegistered(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	h.dialer.err = fmt.Errorf("%w: refused", stt.ErrConnection)

	_, err := h.manager.Start(context.Background(), StartParams{CallSid: "CA123"})
	if !errors.Is(err, stt.ErrConnection) {
		t.Fatalf("Start() = %v, want ErrConnection", err)
	}
	if _, ok := h.manager.Get("CA123"); ok {
		t.Error("failed session should not be registered")
	}
	if n := h.manager.Registry().ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() = %d, want 0", n)
	}

	// The call can be retried once the link is reachable.
	h.dialer.err = nil
	h.start(t)
}

func TestStart_RejectedWhileDraining(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	h.manager.Registry().StartDraining()

	_, err := h.manager.Start(context.Background(), StartParams{CallSid: "CA123"})
	if !errors.Is(err, ErrDraining) {
		t.Fatalf("Start() = %v, want ErrDraining", err)
	}
	if h.dialer.dials.Load() != 0 {
		t.Error("draining start should not dial")
	}
}

func TestSession_HighRiskFiresEffectsOnce(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskHigh))
	s := h.start(t)

	sink := &collectSink{}
	if s.Subscribe(sink) == "" {
		t.Fatal("Subscribe() failed")
	}

	h.say("hola", "le llamo del banco", "necesito su clave")
	waitUntil(t, "warning and alert", func() bool {
		return h.warnings.calls.Load() == 1 && h.notifier.calls.Load() == 1
	})

	h.say("transfiera ahora", "no cuelgue", "es urgente")
	waitUntil(t, "second analysis", func() bool {
		return len(sink.ofType(monitor.EventAnalysisComplete)) == 2
	})

	if err := s.Stop(ReasonCallCompleted); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	if got := h.warnings.calls.Load(); got != 1 {
		t.Errorf("warnings = %d, want 1", got)
	}
	if got := h.notifier.calls.Load(); got != 1 {
		t.Errorf("fanouts = %d, want 1", got)
	}
	if got := h.analyzer.count(llm.ModeFast); got != 2 {
		t.Errorf("fast analyses = %d, want 2", got)
	}
	if got := h.analyzer.count(llm.ModeAccurate); got != 1 {
		t.Errorf("accurate analyses = %d, want 1", got)
	}
	if n := len(sink.ofType(monitor.EventWarningPlayed)); n != 1 {
		t.Errorf("warning.audio_played events = %d, want 1", n)
	}
	if n := len(sink.ofType(monitor.EventAlertSent)); n != 1 {
		t.Errorf("alert.sent events = %d, want 1", n)
	}

	resume := h.warnings.resume.Load().(telephony.StreamResume)
	if resume.MediaURL != "wss://example.com/media" {
		t.Errorf("resume media url = %q", resume.MediaURL)
	}

	finals := h.store.Finals()
	if len(finals) != 1 {
		t.Fatalf("finals = %d, want 1", len(finals))
	}
	if !finals[0].WarningPlayed || !finals[0].AlertSent {
		t.Errorf("final flags = %+v", finals[0])
	}
	if finals[0].Status != store.StatusAnalyzed {
		t.Errorf("final status = %q", finals[0].Status)
	}
}

func TestSession_MediumRiskAlertsWithoutWarning(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskMedium))
	s := h.start(t)

	h.say("uno", "dos", "tres")
	waitUntil(t, "alert", func() bool { return h.notifier.calls.Load() == 1 })
	_ = s.Stop(ReasonCallCompleted)

	if got := h.warnings.calls.Load(); got != 0 {
		t.Errorf("warnings = %d, want 0 for medium risk", got)
	}
	m := h.notifier.last.Load().(notifications.Message)
	if m.CallerNumber != "+56911111111" || m.RiskLevel != llm.RiskMedium {
		t.Errorf("alert message = %+v", m)
	}
}

func TestSession_TranscriptArrivalOrder(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	s := h.start(t)

	sink := &collectSink{}
	s.Subscribe(sink)

	var want []string
	for i := 0; i < 20; i++ {
		want = append(want, fmt.Sprintf("frase %02d", i))
	}
	h.say(want...)
	h.say("   ") // blank transcripts are skipped

	waitUntil(t, "all utterances", func() bool { return s.Info().Utterances == 20 })
	_ = s.Stop(ReasonCallCompleted)

	updates := sink.ofType(monitor.EventTranscriptUpdate)
	if len(updates) != 20 {
		t.Fatalf("transcript updates = %d, want 20", len(updates))
	}
	for i, ev := range updates {
		if ev.Fields["text"] != want[i] || ev.Fields["seq"] != i+1 {
			t.Errorf("update %d = %v", i, ev.Fields)
		}
	}

	finals := h.store.Finals()
	if len(finals) != 1 || finals[0].Transcript != strings.Join(want, "\n") {
		t.Errorf("final transcript = %q", finals[0].Transcript)
	}

	calls := h.analyzer.Calls()
	last := calls[len(calls)-1]
	if last.mode != llm.ModeAccurate || last.transcript != strings.Join(want, "\n") {
		t.Errorf("final analysis = %+v", last)
	}
}

func TestSession_MidCallSubscriberGetsSnapshotFirst(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	s := h.start(t)

	h.say("uno", "dos")
	waitUntil(t, "two utterances", func() bool { return s.Info().Utterances == 2 })

	sink := &collectSink{}
	if s.Subscribe(sink) == "" {
		t.Fatal("Subscribe() failed")
	}
	h.say("tres")
	waitUntil(t, "third update", func() bool {
		return len(sink.ofType(monitor.EventTranscriptUpdate)) == 1
	})

	events := sink.Events()
	if events[0].Type != monitor.EventCallState {
		t.Fatalf("first event = %s, want call.state", events[0].Type)
	}
	transcript := events[0].Fields["transcript"].([]monitor.TranscriptLine)
	if len(transcript) != 2 || transcript[0].Text != "uno" || transcript[1].Text != "dos" {
		t.Errorf("snapshot transcript = %+v", transcript)
	}
	if n := len(sink.ofType(monitor.EventCallState)); n != 1 {
		t.Errorf("call.state events = %d, want 1", n)
	}
	update := sink.ofType(monitor.EventTranscriptUpdate)[0]
	if update.Fields["seq"] != 3 || update.Fields["text"] != "tres" {
		t.Errorf("update after snapshot = %v", update.Fields)
	}
}

func TestSession_FinalizeBoundedWhenAnalyzerHangs(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h := newHarness(t, Config{
		TaskDrainTimeout: 50 * time.Millisecond,
		FinalizeTimeout:  100 * time.Millisecond,
	}, func(ctx context.Context, _ string, mode llm.Mode) llm.Assessment {
		<-release
		return assessment(llm.RiskCritical, mode)
	})
	s := h.start(t)

	h.say("uno", "dos", "tres")
	waitUntil(t, "fast analysis started", func() bool { return h.analyzer.count(llm.ModeFast) == 1 })

	start := time.Now()
	err := s.Stop(ReasonStreamEnded)
	if !errors.Is(err, ErrFinalizationTimeout) {
		t.Errorf("Stop() = %v, want ErrFinalizationTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop() took %v", elapsed)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %q, want closed", s.State())
	}
	if _, ok := h.manager.Get("CA123"); ok {
		t.Error("closed session still registered")
	}

	finals := h.store.Finals()
	if len(finals) != 1 || finals[0].Status != store.StatusPartial {
		t.Fatalf("finals = %+v", finals)
	}
	if finals[0].Assessment.RiskLevel != llm.RiskLow {
		t.Errorf("partial risk = %q, want last known low", finals[0].Assessment.RiskLevel)
	}
	if h.warnings.calls.Load() != 0 {
		t.Error("no effect should fire from an unfinished analysis")
	}
}

func TestSession_FinalStatus(t *testing.T) {
	tests := []struct {
		name       string
		utterances []string
		fallback   bool
		wantStatus string
		wantCalls  int
	}{
		{"no utterances skips final pass", nil, false, store.StatusAnalyzed, 0},
		{"model result", []string{"hola"}, false, store.StatusAnalyzed, 1},
		{"fallback result", []string{"hola"}, true, store.StatusFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, func(_ context.Context, _ string, mode llm.Mode) llm.Assessment {
				a := assessment(llm.RiskMedium, mode)
				a.Fallback = tt.fallback
				return a
			})
			s := h.start(t)

			h.say(tt.utterances...)
			waitUntil(t, "utterances", func() bool { return s.Info().Utterances == len(tt.utterances) })
			_ = s.Stop(ReasonCallCompleted)

			finals := h.store.Finals()
			if len(finals) != 1 || finals[0].Status != tt.wantStatus {
				t.Fatalf("finals = %+v, want status %q", finals, tt.wantStatus)
			}
			if got := h.analyzer.count(llm.ModeAccurate); got != tt.wantCalls {
				t.Errorf("accurate analyses = %d, want %d", got, tt.wantCalls)
			}
			// The final pass never dispatches.
			if h.notifier.calls.Load() != 0 {
				t.Error("final pass should not send alerts")
			}
		})
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	s := h.start(t)

	sink := &collectSink{}
	s.Subscribe(sink)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Stop(ReasonCallCompleted)
		}()
	}
	wg.Wait()

	if n := len(h.store.Finals()); n != 1 {
		t.Errorf("final writes = %d, want 1", n)
	}
	stopped := sink.ofType(monitor.EventCallStopped)
	if len(stopped) != 1 {
		t.Fatalf("call.stopped events = %d, want 1", len(stopped))
	}
	if stopped[0].Fields["reason"] != ReasonCallCompleted {
		t.Errorf("reason = %v", stopped[0].Fields["reason"])
	}
	if !sink.isClosed() {
		t.Error("sink should be closed after stop")
	}
	if err := s.IngestMedia("AAAA"); !errors.Is(err, ErrNotActive) {
		t.Errorf("IngestMedia() after stop = %v, want ErrNotActive", err)
	}
	if s.Subscribe(&collectSink{}) != "" {
		t.Error("Subscribe() after stop should fail")
	}
}

func TestSession_TranscriptionCloseStops(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	s := h.start(t)

	_ = h.stream.Close()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close after the transcription link closed")
	}
	finals := h.store.Finals()
	if len(finals) != 1 || finals[0].StopReason != ReasonTranscriptionClosed {
		t.Errorf("finals = %+v", finals)
	}
}

func TestSession_ErrorEventForwarded(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	s := h.start(t)
	sink := &collectSink{}
	s.Subscribe(sink)

	h.stream.events <- stt.ErrorEvent{Code: "rate_limit", Message: "slow down"}
	h.stream.events <- stt.Unhandled{Type: "session.updated"}

	waitUntil(t, "error event", func() bool { return len(sink.ofType(monitor.EventError)) == 1 })
	msg := sink.ofType(monitor.EventError)[0].Fields["message"].(string)
	if !strings.Contains(msg, "slow down") {
		t.Errorf("error message = %q", msg)
	}
}

func TestSession_MediaRoundTrip(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	s := h.start(t)

	const chunks = 30
	values := make([]byte, chunks)
	for i := range values {
		values[i] = byte(0x10 + i*4)
		raw := make([]byte, 160)
		for j := range raw {
			raw[j] = values[i]
		}
		if err := s.IngestMedia(base64.StdEncoding.EncodeToString(raw)); err != nil {
			t.Fatalf("IngestMedia(%d) = %v", i, err)
		}
	}
	if err := s.IngestMedia("not base64!"); err != nil {
		t.Fatalf("IngestMedia(bad) = %v", err)
	}

	waitUntil(t, "all chunks forwarded", func() bool { return len(h.stream.Sent()) == chunks })
	waitUntil(t, "bad chunk dropped", func() bool { return s.Info().AudioDropped == 1 })

	sent := h.stream.Sent()
	for i, pcm := range sent {
		samples := audio.PCM16Samples(pcm)
		want := audio.DecodeMuLaw([]byte{values[i]})[0]
		if got := samples[len(samples)-1]; got != want {
			t.Errorf("chunk %d ends with %d, want %d", i, got, want)
		}
		if len(samples) < 479 || len(samples) > 481 {
			t.Errorf("chunk %d has %d samples, want ~480", i, len(samples))
		}
	}

	info := s.Info()
	if info.AudioReceived != chunks+1 {
		t.Errorf("AudioReceived = %d, want %d", info.AudioReceived, chunks+1)
	}
}

func TestSession_LastCompletedAnalysisWins(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, Config{}, func(_ context.Context, _ string, mode llm.Mode) llm.Assessment {
		if mode == llm.ModeFast && n.Add(1) == 1 {
			return assessment(llm.RiskMedium, mode)
		}
		return assessment(llm.RiskLow, mode)
	})
	s := h.start(t)

	h.say("a", "b", "c")
	waitUntil(t, "medium", func() bool { return s.Info().RiskLevel == llm.RiskMedium })
	h.say("d", "e", "f")
	waitUntil(t, "low", func() bool { return s.Info().RiskLevel == llm.RiskLow })
}

func TestManager_ShutdownStopsRemainingSessions(t *testing.T) {
	h := newHarness(t, Config{}, fixedRisk(llm.RiskLow))
	s := h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h.manager.Shutdown(ctx)

	if s.State() != StateClosed {
		t.Errorf("State() = %q, want closed", s.State())
	}
	if !h.manager.Registry().IsDraining() {
		t.Error("registry should be draining")
	}
	if n := h.manager.Registry().ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() = %d, want 0", n)
	}
}
