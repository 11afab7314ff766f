package notifications

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// FanoutResult aggregates per-recipient outcomes of one alert.
type FanoutResult struct {
	Sent   int
	Failed int
	Errors []error
}

// Fanout routes an alert to each recipient's channel. A failure for one
// recipient never affects the others.
type Fanout struct {
	senders map[Channel]Sender
	discord *Discord
	logger  *zap.Logger
}

// NewFanout creates an empty fanout; register senders before use.
func NewFanout(logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		senders: make(map[Channel]Sender),
		logger:  logger.With(zap.String("component", "notifications")),
	}
}

// Register sets the sender for a channel.
func (f *Fanout) Register(ch Channel, s Sender) {
	f.senders[ch] = s
}

// WithDiscord mirrors every fanout to the ops webhook.
func (f *Fanout) WithDiscord(d *Discord) *Fanout {
	f.discord = d
	return f
}

// Send delivers m to every recipient concurrently and waits for all of them.
func (f *Fanout) Send(ctx context.Context, recipients []Recipient, m Message) FanoutResult {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res FanoutResult
	)

	for _, r := range recipients {
		wg.Add(1)
		go func(r Recipient) {
			defer wg.Done()
			err := f.deliver(ctx, r, m)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors = append(res.Errors, err)
				f.logger.Warn("alert delivery failed",
					zap.String("call_sid", m.CallSid),
					zap.String("channel", string(r.Channel)),
					zap.Error(err))
				return
			}
			res.Sent++
		}(r)
	}
	wg.Wait()

	if f.discord != nil {
		f.discord.NotifyRiskAlert(ctx, m, res)
	}
	return res
}

func (f *Fanout) deliver(ctx context.Context, r Recipient, m Message) error {
	s, ok := f.senders[r.Channel]
	if !ok || s == nil {
		return fmt.Errorf("%w %q (recipient %s)", ErrNoSender, r.Channel, r.Phone)
	}

	n := Notification{
		Title:     "Alerta de llamada sospechosa",
		Body:      FormatAlert(m),
		CallSid:   m.CallSid,
		RiskLevel: m.RiskLevel,
	}
	if Impersonates(m.Impersonating, r) {
		n.Title = "Alerta de suplantación"
		n.Body = FormatImpersonationAlert(r, m)
	}

	if err := s.Notify(ctx, r, n); err != nil {
		return fmt.Errorf("notify %s via %s: %w", r.Phone, r.Channel, err)
	}
	return nil
}
