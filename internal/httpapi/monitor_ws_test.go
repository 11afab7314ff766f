package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/session"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/store"
)

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event %s: %v", data, err)
	}
	return ev
}

func TestMonitor_UnknownCall(t *testing.T) {
	r, _, _ := newTestRouter(t, RouterConfig{}, nil)
	rec := httptest.NewRecorder()
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/CAmissing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMonitor_RequiresToken(t *testing.T) {
	r, m, _ := newTestRouter(t, RouterConfig{JWTSecret: "s"}, nil)
	startSession(t, m, "CA1")

	rec := httptest.NewRecorder()
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/CA1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	tok := signedToken(t, "s", JWTClaims{CallSid: "CA2"})
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/CA1?token="+tok, nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestMonitor_SnapshotThenStop(t *testing.T) {
	const secret = "s"
	r, m, _ := newTestRouter(t, RouterConfig{JWTSecret: secret}, nil)
	s := startSession(t, m, "CA10")

	srv := httptest.NewServer(r.mux)
	defer srv.Close()

	tok := signedToken(t, secret, JWTClaims{CallSid: "CA10"})
	conn := dialWS(t, srv, "/monitor/CA10?token="+tok)

	ev := readEvent(t, conn)
	if ev["type"] != "call.state" {
		t.Fatalf("first event = %v, want call.state", ev["type"])
	}
	if ev["call_sid"] != "CA10" || ev["caller_number"] != "+15550001111" || ev["current_risk_level"] != "low" {
		t.Errorf("snapshot = %v", ev)
	}
	if _, ok := ev["transcript"].([]any); !ok {
		t.Errorf("snapshot transcript = %T, want array", ev["transcript"])
	}

	waitFor(t, "monitor counted", func() bool { return s.Info().Monitors == 1 })

	go s.Stop(session.ReasonCallCompleted)

	for {
		ev := readEvent(t, conn)
		if ev["type"] == "call.stopped" {
			if ev["reason"] != session.ReasonCallCompleted {
				t.Errorf("reason = %v", ev["reason"])
			}
			break
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("monitor connection should close after call.stopped")
	}
}

func TestListActiveCalls(t *testing.T) {
	r, m, _ := newTestRouter(t, RouterConfig{}, nil)

	rec := httptest.NewRecorder()
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/active", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Errorf("empty listing = %s", rec.Body.String())
	}

	startSession(t, m, "CA-a")
	startSession(t, m, "CA-b")

	rec = httptest.NewRecorder()
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/active", nil))

	var resp struct {
		Calls []activeCall `json:"calls"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || len(resp.Calls) != 2 {
		t.Fatalf("listing = %+v", resp)
	}
	if resp.Calls[0].CallSid != "CA-a" || resp.Calls[1].CallSid != "CA-b" {
		t.Errorf("order = %s, %s", resp.Calls[0].CallSid, resp.Calls[1].CallSid)
	}
	if resp.Calls[0].State != "active" || resp.Calls[0].RiskLevel != "low" || resp.Calls[0].Remote {
		t.Errorf("entry = %+v", resp.Calls[0])
	}
}

func TestGetActiveCall(t *testing.T) {
	r, m, _ := newTestRouter(t, RouterConfig{}, nil)
	startSession(t, m, "CA-x")

	rec := httptest.NewRecorder()
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA-x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var info session.Info
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.CallSid != "CA-x" || info.State != session.StateActive {
		t.Errorf("info = %+v", info)
	}

	rec = httptest.NewRecorder()
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA-none", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown call = %d, want 404", rec.Code)
	}
}

func TestGetCallRecord(t *testing.T) {
	fs := newFakeCallStore()
	fs.calls["CA-done"] = store.Call{CallSid: "CA-done", Status: "completed", StartedAt: time.Now().Add(-time.Minute)}
	fs.utterances["CA-done"] = []store.Utterance{
		{CallSid: "CA-done", Speaker: "caller", Text: "hola", Sequence: 1},
		{CallSid: "CA-done", Speaker: "caller", Text: "soy del banco", Sequence: 2},
	}
	r, _, _ := newTestRouter(t, RouterConfig{}, fs)

	rec := httptest.NewRecorder()
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA-done/record", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Call       store.Call        `json:"call"`
		Utterances []store.Utterance `json:"utterances"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Call.CallSid != "CA-done" || len(resp.Utterances) != 2 || resp.Utterances[1].Text != "soy del banco" {
		t.Errorf("record = %+v", resp)
	}

	rec = httptest.NewRecorder()
	r.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA-none/record", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown call = %d, want 404", rec.Code)
	}

	bare, _, _ := newTestRouter(t, RouterConfig{}, nil)
	rec = httptest.NewRecorder()
	bare.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA-done/record", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without store = %d, want 503", rec.Code)
	}
}

type recordSink struct {
	mu     sync.Mutex
	types  []string
	closed chan struct{}
	once   sync.Once
}

func newRecordSink() *recordSink { return &recordSink{closed: make(chan struct{})} }

func (s *recordSink) Send(ev monitor.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, string(ev.Type))
	return nil
}

func (s *recordSink) SendRaw(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &head)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, head.Type)
	return nil
}

func (s *recordSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *recordSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

func TestRelayFeed_HoldsEventsUntilSnapshot(t *testing.T) {
	sink := newRecordSink()
	feed := &relayFeed{sink: sink}

	// Published between subscribing and reading the index.
	feed.deliver([]byte(`{"type":"transcript.update"}`))
	feed.deliver([]byte(`{"type":"analysis.complete"}`))

	if got := sink.Types(); len(got) != 0 {
		t.Fatalf("delivered before snapshot: %v", got)
	}

	feed.start(monitor.CallState("CA-r", monitor.State{Remote: true}))
	feed.deliver([]byte(`{"type":"call.stopped"}`))

	want := []string{"call.state", "transcript.update", "analysis.complete", "call.stopped"}
	got := sink.Types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}

	select {
	case <-sink.closed:
	case <-time.After(2 * time.Second):
		t.Error("feed did not close the monitor after call.stopped")
	}
}

func TestRelayFeed_HeldStopClosesAfterSnapshot(t *testing.T) {
	sink := newRecordSink()
	feed := &relayFeed{sink: sink}

	feed.deliver([]byte(`{"type":"call.stopped"}`))
	feed.start(monitor.CallState("CA-r", monitor.State{Remote: true}))

	if got := sink.Types(); len(got) != 2 || got[0] != "call.state" || got[1] != "call.stopped" {
		t.Errorf("order = %v", got)
	}
	select {
	case <-sink.closed:
	case <-time.After(2 * time.Second):
		t.Error("monitor not closed")
	}
}
