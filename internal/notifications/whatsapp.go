package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const kapsoBaseURL = "https://api.kapso.ai/meta/whatsapp/v21.0"

// WhatsAppConfig holds configuration for the Kapso WhatsApp Cloud API proxy.
type WhatsAppConfig struct {
	APIKey        string
	PhoneNumberID string
	BaseURL       string // optional override
}

// WhatsAppClient sends text messages through Kapso.
type WhatsAppClient struct {
	apiKey        string
	phoneNumberID string
	baseURL       string
	client        *http.Client
	logger        *zap.Logger
}

// NewWhatsAppClient returns nil when the API key or sender id is missing.
func NewWhatsAppClient(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppClient {
	if cfg.APIKey == "" || cfg.PhoneNumberID == "" {
		logger.Info("whatsapp: missing Kapso configuration, WhatsApp notifications disabled")
		return nil
	}
	base := cfg.BaseURL
	if base == "" {
		base = kapsoBaseURL
	}
	return &WhatsAppClient{
		apiKey:        cfg.APIKey,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       strings.TrimRight(base, "/"),
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

type whatsappText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type whatsappMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsappText `json:"text"`
}

// SendText sends a plain text WhatsApp message. The number is sent without
// the leading "+".
func (c *WhatsAppClient) SendText(ctx context.Context, to, body string) error {
	if c == nil {
		return nil
	}

	payload, err := json.Marshal(whatsappMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "text",
		Text:             whatsappText{Body: body},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send WhatsApp message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("Kapso API error: %s - %s", resp.Status, string(respBody))
	}

	c.logger.Info("whatsapp: sent", zap.String("to", to))
	return nil
}

// Notify implements Sender.
func (c *WhatsAppClient) Notify(ctx context.Context, r Recipient, n Notification) error {
	return c.SendText(ctx, r.Phone, n.Body)
}
