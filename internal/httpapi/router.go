package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/session"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/store"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/telephony"
)

type RouterConfig struct {
	PublicBaseURL string

	// Twilio webhook signature validation. Empty disables it.
	TwilioAuthToken string

	// Monitor and API authentication (HS256). Empty disables monitor auth.
	JWTSecret string

	// Synthesized warning served at WarningAudioPath. Nil disables the route.
	WarningAudio []byte
}

// WarningAudioPath serves the synthesized in-call warning.
const WarningAudioPath = "/audio/warning.mp3"

// callStore is the persistence the handlers need.
type callStore interface {
	UpdateCallStatus(ctx context.Context, callSid, status string, at time.Time) error
	RegisterPushToken(ctx context.Context, phone, token, platform string) error
	UnregisterPushToken(ctx context.Context, token string) error
	GetPushTokens(ctx context.Context, phone string) ([]store.DevicePushToken, error)
	GetCall(ctx context.Context, callSid string) (store.Call, error)
	ListUtterances(ctx context.Context, callSid string) ([]store.Utterance, error)
}

type Router struct {
	cfg       RouterConfig
	logger    *zap.Logger
	sessions  *session.Manager
	store     callStore
	relay     *monitor.Relay
	validator *telephony.SignatureValidator
	mux       *http.ServeMux
}

// NewRouter wires the HTTP surface. cs and relay may be nil.
func NewRouter(cfg RouterConfig, logger *zap.Logger, sessions *session.Manager, cs callStore, relay *monitor.Relay) http.Handler {
	r := newRouter(cfg, logger, sessions, cs, relay)
	return withSentryRecovery(withCORS(r.mux))
}

func newRouter(cfg RouterConfig, logger *zap.Logger, sessions *session.Manager, cs callStore, relay *monitor.Relay) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "http")),
		sessions:  sessions,
		store:     cs,
		relay:     relay,
		validator: telephony.NewSignatureValidator(cfg.TwilioAuthToken),
		mux:       http.NewServeMux(),
	}
	r.routes()
	return r
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Twilio webhooks (no auth - signature verified)
	r.mux.HandleFunc("POST /telephony/inbound", r.withTwilioSignature(r.handleTwilioInbound))
	r.mux.HandleFunc("POST /telephony/status", r.withTwilioSignature(r.handleTwilioStatus))
	r.mux.HandleFunc("GET /media", r.handleMediaWS)
	if len(r.cfg.WarningAudio) > 0 {
		r.mux.HandleFunc("GET "+WarningAudioPath, r.handleWarningAudio)
	}

	// Live monitoring
	r.mux.HandleFunc("GET /monitor/{callSid}", r.handleMonitorWS)
	r.mux.HandleFunc("GET /api/calls/active", r.handleListActiveCalls)
	r.mux.HandleFunc("GET /api/calls/{callSid}", r.handleGetActiveCall)
	r.mux.HandleFunc("GET /api/calls/{callSid}/record", r.handleGetCallRecord)

	// Push notifications (protected)
	r.mux.HandleFunc("POST /api/push/register", r.withAuth(r.handlePushRegister))
	r.mux.HandleFunc("POST /api/push/unregister", r.withAuth(r.handlePushUnregister))
	r.mux.HandleFunc("GET /api/push/devices", r.withAuth(r.handlePushDevices))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	reg := r.sessions.Registry()
	w.Header().Set("X-Active-Calls", strconv.FormatInt(reg.ActiveCount(), 10))
	if reg.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleWarningAudio(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, req, "warning.mp3", startedAt, bytes.NewReader(r.cfg.WarningAudio))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

var startedAt = time.Now()

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

func wsURLFromPublicBase(publicBase string) string {
	// http://x -> ws://x
	// https://x -> wss://x
	if strings.HasPrefix(publicBase, "https://") {
		return "wss://" + strings.TrimPrefix(publicBase, "https://")
	}
	if strings.HasPrefix(publicBase, "http://") {
		return "ws://" + strings.TrimPrefix(publicBase, "http://")
	}
	// assume already host[:port]
	return "wss://" + publicBase
}

// WarningAudioURL is the public URL of the synthesized warning.
func WarningAudioURL(publicBase string) string {
	return strings.TrimRight(publicBase, "/") + WarningAudioPath
}

// MediaStreamURL is the websocket URL Twilio streams call audio to.
func MediaStreamURL(publicBase string) string {
	return strings.TrimRight(wsURLFromPublicBase(publicBase), "/") + "/media"
}
