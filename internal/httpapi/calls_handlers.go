package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/session"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/store"
)

// activeCall is one entry of the active-call listing.
type activeCall struct {
	CallSid         string    `json:"call_sid"`
	CallerNumber    string    `json:"caller_number"`
	CalleeNumber    string    `json:"called_number"`
	StartTime       time.Time `json:"start_time"`
	DurationSeconds int       `json:"duration"`
	RiskLevel       string    `json:"risk_level"`
	State           string    `json:"state,omitempty"`
	Monitors        int       `json:"monitors"`
	Instance        string    `json:"instance,omitempty"`
	Remote          bool      `json:"remote,omitempty"`
}

func fromInfo(info session.Info) activeCall {
	return activeCall{
		CallSid:         info.CallSid,
		CallerNumber:    info.CallerNumber,
		CalleeNumber:    info.CalleeNumber,
		StartTime:       info.StartedAt,
		DurationSeconds: info.DurationSeconds,
		RiskLevel:       string(info.RiskLevel),
		State:           string(info.State),
		Monitors:        info.Monitors,
	}
}

func fromIndex(e monitor.IndexEntry) activeCall {
	return activeCall{
		CallSid:         e.CallSid,
		CallerNumber:    e.CallerNumber,
		CalleeNumber:    e.CalleeNumber,
		StartTime:       e.StartTime,
		DurationSeconds: int(time.Since(e.StartTime) / time.Second),
		RiskLevel:       e.RiskLevel,
		Instance:        e.Instance,
		Remote:          true,
	}
}

func (r *Router) handleListActiveCalls(w http.ResponseWriter, req *http.Request) {
	if status := r.authorizeMonitor(req, ""); status != 0 {
		http.Error(w, `{"error": "unauthorized"}`, status)
		return
	}

	local := r.sessions.Registry().List()
	calls := make([]activeCall, 0, len(local))
	seen := make(map[string]bool, len(local))
	for _, info := range local {
		calls = append(calls, fromInfo(info))
		seen[info.CallSid] = true
	}

	if r.relay != nil {
		entries, err := r.relay.ListActive(req.Context())
		if err != nil {
			r.logger.Warn("failed to list indexed calls", zap.Error(err))
		}
		for _, e := range entries {
			if !seen[e.CallSid] {
				calls = append(calls, fromIndex(e))
			}
		}
	}

	sort.SliceStable(calls, func(i, j int) bool {
		return calls[i].StartTime.Before(calls[j].StartTime)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"calls": calls,
		"count": len(calls),
	})
}

func (r *Router) handleGetActiveCall(w http.ResponseWriter, req *http.Request) {
	callSid := req.PathValue("callSid")
	if status := r.authorizeMonitor(req, callSid); status != 0 {
		http.Error(w, `{"error": "unauthorized"}`, status)
		return
	}

	if s, ok := r.sessions.Get(callSid); ok {
		writeJSON(w, http.StatusOK, s.Info())
		return
	}

	if r.relay != nil {
		e, ok, err := r.relay.GetActive(req.Context(), callSid)
		if err != nil {
			r.logger.Warn("active call lookup failed", zap.String("call_sid", callSid), zap.Error(err))
		} else if ok {
			writeJSON(w, http.StatusOK, fromIndex(e))
			return
		}
	}

	http.Error(w, `{"error": "call not found"}`, http.StatusNotFound)
}

// handleGetCallRecord returns the persisted record of a call, live or
// finished, with its utterances in order.
func (r *Router) handleGetCallRecord(w http.ResponseWriter, req *http.Request) {
	callSid := req.PathValue("callSid")
	if status := r.authorizeMonitor(req, callSid); status != 0 {
		http.Error(w, `{"error": "unauthorized"}`, status)
		return
	}
	if r.store == nil {
		http.Error(w, `{"error": "storage not configured"}`, http.StatusServiceUnavailable)
		return
	}

	call, err := r.store.GetCall(req.Context(), callSid)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "call not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Error("failed to load call", zap.String("call_sid", callSid), zap.Error(err))
		http.Error(w, `{"error": "failed to load call"}`, http.StatusInternalServerError)
		return
	}

	utterances, err := r.store.ListUtterances(req.Context(), callSid)
	if err != nil {
		r.logger.Error("failed to load utterances", zap.String("call_sid", callSid), zap.Error(err))
		http.Error(w, `{"error": "failed to load call"}`, http.StatusInternalServerError)
		return
	}
	if utterances == nil {
		utterances = []store.Utterance{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"call":       call,
		"utterances": utterances,
	})
}
