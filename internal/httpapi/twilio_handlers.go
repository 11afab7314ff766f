package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/session"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/telephony"
)

// terminalCallStatuses end a call for good.
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"canceled":  true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
}

// withTwilioSignature rejects webhook requests whose X-Twilio-Signature does
// not match. Without an auth token every request passes.
func (r *Router) withTwilioSignature(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.validator == nil {
			next(w, req)
			return
		}
		if err := req.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		fullURL := strings.TrimRight(r.cfg.PublicBaseURL, "/") + req.URL.RequestURI()
		if !r.validator.ValidateSignature(fullURL, req.PostForm, req.Header.Get("X-Twilio-Signature")) {
			r.logger.Warn("twilio signature mismatch", zap.String("path", req.URL.Path))
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next(w, req)
	}
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

func (r *Router) handleTwilioInbound(w http.ResponseWriter, req *http.Request) {
	// Twilio sends application/x-www-form-urlencoded by default.
	if err := req.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	// Don't pick up new calls while draining; let them ring through.
	if r.sessions.Registry().IsDraining() {
		r.logger.Info("rejecting inbound call while draining", zap.String("call_sid", req.FormValue("CallSid")))
		doc, err := telephony.RejectTwiML("busy")
		if err != nil {
			http.Error(w, "twiml", http.StatusInternalServerError)
			return
		}
		writeTwiML(w, doc)
		return
	}

	callSid := req.FormValue("CallSid")
	from := req.FormValue("From")
	to := req.FormValue("To")

	if callSid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	r.logger.Info("inbound call", zap.String("call_sid", callSid), zap.String("from", from), zap.String("to", to))

	doc, err := telephony.InboundTwiML(MediaStreamURL(r.cfg.PublicBaseURL), []telephony.Parameter{
		{Name: "callSid", Value: callSid},
		{Name: "from", Value: from},
		{Name: "to", Value: to},
	})
	if err != nil {
		captureError(req, err, "inbound: twiml build failed")
		http.Error(w, "twiml", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, doc)
}

func (r *Router) handleTwilioStatus(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	callSid := req.FormValue("CallSid")
	status := req.FormValue("CallStatus") // queued/ringing/in-progress/completed/...

	if callSid != "" && status != "" {
		r.logger.Info("call status", zap.String("call_sid", callSid), zap.String("status", status))
		if r.store != nil {
			if err := r.store.UpdateCallStatus(req.Context(), callSid, status, nowUTC()); err != nil {
				r.logger.Warn("failed to update call status", zap.String("call_sid", callSid), zap.Error(err))
			}
		}
		if terminalCallStatuses[status] {
			if s, ok := r.sessions.Get(callSid); ok {
				go func() {
					err := s.Stop(session.ReasonCallCompleted)
					if err != nil && !errors.Is(err, session.ErrFinalizationTimeout) {
						r.logger.Warn("session stop failed", zap.String("call_sid", callSid), zap.Error(err))
					}
				}()
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
