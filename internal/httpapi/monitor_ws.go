package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
)

// handleMonitorWS streams the live events of one call. Calls served by this
// instance are attached directly; calls indexed by another instance are
// relayed through Redis.
func (r *Router) handleMonitorWS(w http.ResponseWriter, req *http.Request) {
	callSid := req.PathValue("callSid")
	if callSid == "" {
		http.Error(w, `{"error": "missing call sid"}`, http.StatusBadRequest)
		return
	}
	if status := r.authorizeMonitor(req, callSid); status != 0 {
		http.Error(w, `{"error": "unauthorized"}`, status)
		return
	}

	logger := r.logger.With(zap.String("call_sid", callSid))

	if s, ok := r.sessions.Get(callSid); ok {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Warn("monitor upgrade failed", zap.Error(err))
			return
		}
		sink := monitor.NewWSSink(conn, logger)
		id := s.Subscribe(sink)
		if id == "" {
			_ = sink.Close()
			return
		}
		logger.Info("monitor attached")
		sink.ReadUntilClosed()
		s.Unsubscribe(id)
		_ = sink.Close()
		logger.Info("monitor detached")
		return
	}

	if r.relay == nil {
		http.Error(w, `{"error": "call not found"}`, http.StatusNotFound)
		return
	}
	entry, ok, err := r.relay.GetActive(req.Context(), callSid)
	if err != nil {
		logger.Warn("active call lookup failed", zap.Error(err))
		http.Error(w, `{"error": "lookup failed"}`, http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, `{"error": "call not found"}`, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Warn("monitor upgrade failed", zap.Error(err))
		return
	}
	sink := monitor.NewWSSink(conn, logger)
	defer sink.Close()

	// Subscribe before reading the snapshot; events that arrive in between
	// are held by the feed and follow the snapshot.
	feed := &relayFeed{sink: sink}
	cancel, err := r.relay.Subscribe(req.Context(), callSid, feed.deliver)
	if err != nil {
		logger.Warn("relay subscribe failed", zap.Error(err))
		_ = sink.Send(monitor.Error(callSid, "live relay unavailable"))
		return
	}
	defer cancel()

	if fresh, ok, err := r.relay.GetActive(req.Context(), callSid); err == nil && ok {
		entry = fresh
	}
	// The owning instance keeps the transcript; a remote monitor starts from
	// the indexed summary and follows live events.
	feed.start(monitor.CallState(callSid, monitor.State{
		RiskLevel:    llm.RiskLevel(entry.RiskLevel),
		CallerNumber: entry.CallerNumber,
		CalleeNumber: entry.CalleeNumber,
		StartTime:    entry.StartTime,
		Duration:     time.Since(entry.StartTime),
		Remote:       true,
	}))

	logger.Info("remote monitor attached", zap.String("owner", entry.Instance))
	sink.ReadUntilClosed()
}

type rawSink interface {
	Send(ev monitor.Event) error
	SendRaw(data []byte) error
	Close() error
}

// relayFeed forwards relayed events to a monitor, holding them until the
// snapshot has been sent.
type relayFeed struct {
	sink rawSink

	mu      sync.Mutex
	started bool
	pending [][]byte
}

func (f *relayFeed) deliver(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		f.pending = append(f.pending, data)
		return
	}
	f.forward(data)
}

// start sends the snapshot followed by every held event.
func (f *relayFeed) start(snapshot monitor.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.sink.Send(snapshot)
	for _, data := range f.pending {
		f.forward(data)
	}
	f.pending = nil
	f.started = true
}

func (f *relayFeed) forward(data []byte) {
	_ = f.sink.SendRaw(data)
	if isCallStopped(data) {
		go f.sink.Close()
	}
}

func isCallStopped(data []byte) bool {
	var head struct {
		Type monitor.EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.Type == monitor.EventCallStopped
}
