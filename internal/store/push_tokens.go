package store

import (
	"context"
	"time"
)

// DevicePushToken is an APNs token registered by a trusted contact's device.
type DevicePushToken struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterPushToken registers or refreshes a device token for a phone number.
func (s *Store) RegisterPushToken(ctx context.Context, phone, token, platform string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_push_tokens (phone, token, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone, token) DO UPDATE SET
			platform = EXCLUDED.platform,
			created_at = NOW()
	`, phone, token, platform)
	return err
}

// UnregisterPushToken removes a device token, e.g. after APNs reports it invalid.
func (s *Store) UnregisterPushToken(ctx context.Context, token string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM device_push_tokens WHERE token = $1
	`, token)
	return err
}

// GetPushTokens returns all tokens registered for a phone number, newest first.
func (s *Store) GetPushTokens(ctx context.Context, phone string) ([]DevicePushToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, phone, token, platform, created_at
		FROM device_push_tokens
		WHERE phone = $1
		ORDER BY created_at DESC
	`, phone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []DevicePushToken
	for rows.Next() {
		var t DevicePushToken
		if err := rows.Scan(&t.ID, &t.Phone, &t.Token, &t.Platform, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
