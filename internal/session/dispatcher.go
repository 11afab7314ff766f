package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/eventlog"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/notifications"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/telephony"
)

// Dispatcher fires the protective effects of a session at most once each:
// the in-call warning on the first high or critical assessment and the
// contact fanout on the first medium-or-higher one.
//
// Flags are claimed under mu before the effect runs, so concurrent
// evaluations can never both fire. A failed effect keeps its flag set; an
// effect that never launched does not.
type Dispatcher struct {
	s *Session

	mu            sync.Mutex
	warningPlayed bool
	alertSent     bool
}

func newDispatcher(s *Session) *Dispatcher {
	return &Dispatcher{s: s}
}

// Flags reports which effects have been claimed.
func (d *Dispatcher) Flags() (warningPlayed, alertSent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.warningPlayed, d.alertSent
}

// Evaluate claims and launches any effect a warrants. Effects run as
// tracked session tasks.
func (d *Dispatcher) Evaluate(a llm.Assessment) {
	d.mu.Lock()
	warn := a.RiskLevel.IsDanger() && !d.warningPlayed
	if warn {
		d.warningPlayed = true
	}
	alert := a.RiskLevel.AtLeast(llm.RiskMedium) && !d.alertSent
	if alert {
		d.alertSent = true
	}
	d.mu.Unlock()

	// A stopping session accepts no more tasks; an effect that cannot
	// launch gives its claim back so the final record stays truthful.
	if warn && !d.s.goTask(func(ctx context.Context) { d.playWarning(ctx, a) }) {
		d.release(EffectWarning)
	}
	if alert && !d.s.goTask(func(ctx context.Context) { d.sendAlert(ctx, a) }) {
		d.release(EffectAlert)
	}
}

func (d *Dispatcher) release(e Effect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch e {
	case EffectWarning:
		d.warningPlayed = false
	case EffectAlert:
		d.alertSent = false
	}
	d.s.logger.Info("effect not launched, session stopping", zap.String("effect", string(e)))
}

func (d *Dispatcher) playWarning(ctx context.Context, a llm.Assessment) {
	s := d.s
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	player := s.deps.Warnings
	if player == nil {
		d.fail(&DispatchError{Effect: EffectWarning, Target: s.callSid, Err: telephony.ErrNotConfigured})
		return
	}

	s.beginHandover()
	err := player.PlayWarning(ctx, s.callSid, s.cfg.WarningAudioURL, telephony.StreamResume{
		MediaURL: s.cfg.MediaStreamURL,
		Parameters: []telephony.Parameter{
			{Name: "from", Value: s.caller},
			{Name: "to", Value: s.callee},
		},
	})
	if err != nil {
		s.cancelHandover()
		d.fail(&DispatchError{Effect: EffectWarning, Target: s.callSid, Err: err})
		return
	}

	s.logger.Info("warning audio played", zap.String("risk_level", string(a.RiskLevel)))
	s.monitor.Publish(monitor.WarningPlayed(s.callSid, a.RiskLevel))
	s.logEvent(eventlog.EventWarningPlayed, map[string]any{"risk_level": string(a.RiskLevel)})
}

func (d *Dispatcher) sendAlert(ctx context.Context, a llm.Assessment) {
	s := d.s
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	if s.deps.Directory == nil || s.deps.Notifier == nil {
		s.logger.Info("alert fanout not configured, skipping")
		s.monitor.Publish(monitor.AlertSent(s.callSid, a.RiskLevel, 0, 0))
		return
	}

	recipients, err := s.deps.Directory.ListRecipients(ctx, s.callee)
	if err != nil {
		d.fail(&DispatchError{Effect: EffectAlert, Target: s.callee, Err: err})
		return
	}
	if len(recipients) == 0 {
		s.logger.Info("no trusted contacts for callee", zap.String("to", s.callee))
	}

	msg := notifications.Message{
		CallSid:      s.callSid,
		CallerNumber: s.caller,
		CalleeNumber: s.callee,
		RiskLevel:    a.RiskLevel,
		Reasoning:    a.Reasoning,
		Duration:     time.Since(s.startedAt),
	}
	if a.Meta.Impersonating != nil {
		msg.Impersonating = *a.Meta.Impersonating
	}

	res := s.deps.Notifier.Send(ctx, recipients, msg)
	for _, err := range res.Errors {
		derr := &DispatchError{Effect: EffectAlert, Target: s.callee, Err: err}
		s.logger.Warn("alert recipient failed", zap.Error(derr))
	}
	if res.Failed > 0 {
		s.logEvent(eventlog.EventAlertFailed, map[string]any{"failed": res.Failed})
	}

	s.logger.Info("alert fanout complete",
		zap.Int("recipients", len(recipients)),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed))
	s.monitor.Publish(monitor.AlertSent(s.callSid, a.RiskLevel, res.Sent, res.Failed))
	s.logEvent(eventlog.EventAlertSent, map[string]any{
		"risk_level": string(a.RiskLevel),
		"sent":       res.Sent,
		"failed":     res.Failed,
	})
}

func (d *Dispatcher) fail(err *DispatchError) {
	s := d.s
	s.logger.Error("dispatch failed", zap.String("effect", string(err.Effect)), zap.Error(err))
	s.monitor.Publish(monitor.Error(s.callSid, err.Error()))

	t := eventlog.EventAlertFailed
	if err.Effect == EffectWarning {
		t = eventlog.EventWarningFailed
	}
	s.logEvent(t, map[string]any{"error": err.Err.Error()})

	if !errors.Is(err, telephony.ErrNotConfigured) && !errors.Is(err, context.Canceled) {
		s.reportError(err)
	}
}
