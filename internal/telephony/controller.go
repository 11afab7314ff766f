package telephony

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no Twilio credentials are available.
var ErrNotConfigured = errors.New("telephony: not configured")

type callUpdater interface {
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Controller performs in-call actions on live calls through the Twilio REST API.
type Controller struct {
	api    callUpdater
	logger *zap.Logger
}

// NewController returns nil when credentials are missing; PlayWarning on a
// nil controller fails with ErrNotConfigured.
func NewController(accountSID, authToken string, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if accountSID == "" || authToken == "" {
		logger.Info("telephony: missing Twilio credentials, in-call warnings disabled")
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Controller{api: client.Api, logger: logger}
}

// PlayWarning replaces the call's instructions with the warning audio
// followed by a fresh media stream tagged resumed=true.
func (c *Controller) PlayWarning(ctx context.Context, callSid, warningURL string, resume StreamResume) error {
	if c == nil || c.api == nil {
		return ErrNotConfigured
	}
	if warningURL == "" {
		return fmt.Errorf("%w: no warning audio URL", ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resume.Parameters = withResumeParams(resume.Parameters, callSid)
	doc, err := WarningTwiML(warningURL, resume)
	if err != nil {
		return err
	}

	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)

	if _, err := c.api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("update call %s: %w", callSid, err)
	}

	c.logger.Info("warning audio scheduled", zap.String("call_sid", callSid))
	return nil
}

func withResumeParams(in []Parameter, callSid string) []Parameter {
	out := make([]Parameter, 0, len(in)+2)
	for _, p := range in {
		if p.Name == "callSid" || p.Name == "resumed" {
			continue
		}
		out = append(out, p)
	}
	return append(out, Parameter{Name: "callSid", Value: callSid}, Parameter{Name: "resumed", Value: "true"})
}
