package notifications

import (
	"context"
	"fmt"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// SMSConfig holds configuration for SMS notifications via Twilio
type SMSConfig struct {
	AccountSID   string // Twilio Account SID
	AuthToken    string // Twilio Auth Token
	SenderNumber string // Twilio phone number to send from (E.164 format)
}

// messageCreator is the part of the Twilio REST API the SMS client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSClient sends SMS notifications via Twilio Programmable Messaging
type SMSClient struct {
	api          messageCreator
	senderNumber string
	logger       *zap.Logger
	mu           sync.Mutex
}

// NewSMSClient creates a new SMS client. It returns nil when credentials
// are missing, which disables the SMS channel.
func NewSMSClient(cfg SMSConfig, logger *zap.Logger) *SMSClient {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		logger.Info("sms: missing Twilio credentials, SMS notifications disabled")
		return nil
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	logger.Info("sms: client initialized", zap.String("sender", cfg.SenderNumber))
	return &SMSClient{
		api:          client.Api,
		senderNumber: cfg.SenderNumber,
		logger:       logger,
	}
}

// SetSenderNumber updates the sender phone number used for outgoing SMS.
func (c *SMSClient) SetSenderNumber(number string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senderNumber = number
}

// SendSMS sends an SMS message to the specified phone number
func (c *SMSClient) SendSMS(ctx context.Context, to, body string) error {
	if c == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	sender := c.senderNumber
	c.mu.Unlock()

	if sender == "" {
		return fmt.Errorf("SMS sender number not configured")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(sender)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		c.logger.Warn("sms: send failed", zap.String("to", to), zap.Error(err))
		return fmt.Errorf("failed to send SMS: %w", err)
	}

	var sid string
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	c.logger.Info("sms: sent", zap.String("to", to), zap.String("sid", sid))
	return nil
}

// Notify implements Sender.
func (c *SMSClient) Notify(ctx context.Context, r Recipient, n Notification) error {
	return c.SendSMS(ctx, r.Phone, n.Body)
}
