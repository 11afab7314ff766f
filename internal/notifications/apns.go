package notifications

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"
)

// APNsConfig holds configuration for Apple Push Notification service
type APNsConfig struct {
	KeyPath    string // Path to .p8 key file
	KeyID      string // Key ID from Apple Developer Portal
	TeamID     string // Team ID from Apple Developer Portal
	BundleID   string // App bundle ID
	Production bool   // Use production environment
}

type pusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// APNsClient sends push alerts to trusted contacts' devices.
type APNsClient struct {
	client   pusher
	bundleID string
	logger   *zap.Logger
}

// NewAPNsClient creates a new APNs client. It returns nil, nil when the
// configuration is incomplete, which disables the push channel.
func NewAPNsClient(cfg APNsConfig, logger *zap.Logger) (*APNsClient, error) {
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" {
		logger.Info("apns: missing configuration, push notifications disabled")
		return nil, nil
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs key file: %w", err)
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode APNs key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("APNs key is not an ECDSA private key")
	}

	authToken := &token.Token{
		AuthKey: ecdsaKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(authToken).Development()
	if cfg.Production {
		client = client.Production()
	}

	logger.Info("apns: client initialized",
		zap.Bool("production", cfg.Production), zap.String("bundle", cfg.BundleID))

	return &APNsClient{
		client:   client,
		bundleID: cfg.BundleID,
		logger:   logger,
	}, nil
}

// Notify implements Sender. Recipients without a device token fail.
func (c *APNsClient) Notify(ctx context.Context, r Recipient, n Notification) error {
	if c == nil || c.client == nil {
		return nil
	}
	if r.DeviceToken == "" {
		return fmt.Errorf("recipient %s has no device token", r.Phone)
	}

	p := payload.NewPayload().
		AlertTitle(n.Title).
		AlertBody(n.Body).
		Sound("default").
		Custom("call_sid", n.CallSid).
		Custom("risk_level", string(n.RiskLevel))

	notification := &apns2.Notification{
		DeviceToken: r.DeviceToken,
		Topic:       c.bundleID,
		Payload:     p,
		Priority:    apns2.PriorityHigh,
		Expiration:  time.Now().Add(10 * time.Minute),
	}

	res, err := c.client.PushWithContext(ctx, notification)
	if err != nil {
		return fmt.Errorf("apns push: %w", err)
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("APNs rejected notification: %s", res.Reason)
	}

	c.logger.Info("apns: alert sent", zap.String("device", shortToken(r.DeviceToken)))
	return nil
}

func shortToken(t string) string {
	if len(t) > 16 {
		return t[:16] + "..."
	}
	return t
}
