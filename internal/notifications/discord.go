package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"go.uber.org/zap"
)

// Discord is a simple Discord webhook notifier for the ops channel.
type Discord struct {
	webhookURL string
	logger     *zap.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *zap.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to the webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Warn("discord: failed to marshal message", zap.Error(err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Warn("discord: failed to create request", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warn("discord: failed to send webhook", zap.Error(err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Warn("discord: webhook rejected", zap.Int("status", resp.StatusCode))
		}
	}()
}

func riskColor(r llm.RiskLevel) int {
	switch r {
	case llm.RiskCritical:
		return 0x8B0000
	case llm.RiskHigh:
		return 0xFF0000
	case llm.RiskMedium:
		return 0xFFA500
	}
	return 0x00FF00
}

// NotifyRiskAlert reports a trusted-contact fanout to the ops channel.
func (d *Discord) NotifyRiskAlert(ctx context.Context, m Message, res FanoutResult) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Alerta de riesgo " + m.RiskLevel.Label(),
			Description: m.Reasoning,
			Color:       riskColor(m.RiskLevel),
			Fields: []embedField{
				{Name: "Call SID", Value: fmt.Sprintf("`%s`", m.CallSid), Inline: true},
				{Name: "Llamante", Value: orUnknown(m.CallerNumber), Inline: true},
				{Name: "Enviadas", Value: fmt.Sprintf("%d ok / %d fallidas", res.Sent, res.Failed), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
