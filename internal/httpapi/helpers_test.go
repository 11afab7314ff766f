package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/session"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/stt"
)

type testStream struct {
	mu     sync.Mutex
	sent   int
	events chan stt.Event
	once   sync.Once
}

func (s *testStream) Send(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func (s *testStream) Events() <-chan stt.Event { return s.events }

func (s *testStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *testStream) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

type testDialer struct {
	mu      sync.Mutex
	streams []*testStream
}

func (d *testDialer) Dial(ctx context.Context) (stt.Stream, error) {
	s := &testStream{events: make(chan stt.Event, 8)}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *testDialer) Streams() []*testStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*testStream(nil), d.streams...)
}

type lowRiskAnalyzer struct{}

func (lowRiskAnalyzer) Analyze(ctx context.Context, transcript string, mode llm.Mode) llm.Assessment {
	return llm.Assessment{RiskLevel: llm.RiskLow, Mode: mode, Indicators: []string{}, RecommendedActions: []string{}}
}

func newTestManager(t *testing.T) (*session.Manager, *testDialer) {
	t.Helper()
	d := &testDialer{}
	m := session.NewManager(session.Config{
		FinalizeTimeout:  time.Second,
		TaskDrainTimeout: time.Second,
		HandoverGrace:    200 * time.Millisecond,
	}, session.Deps{
		Dialer:   d,
		Analyzer: lowRiskAnalyzer{},
		Logger:   zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, d
}

func newTestRouter(t *testing.T, cfg RouterConfig, cs callStore) (*Router, *session.Manager, *testDialer) {
	t.Helper()
	m, d := newTestManager(t)
	return newRouter(cfg, zap.NewNop(), m, cs, nil), m, d
}

func startSession(t *testing.T, m *session.Manager, callSid string) *session.Session {
	t.Helper()
	s, err := m.Start(context.Background(), session.StartParams{
		CallSid:      callSid,
		StreamSid:    "MZ-" + callSid,
		CallerNumber: "+15550001111",
		CalleeNumber: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

// twilioSignature computes X-Twilio-Signature for a form POST.
func twilioSignature(token, u string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := u
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedToken(t *testing.T, secret string, claims JWTClaims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}
