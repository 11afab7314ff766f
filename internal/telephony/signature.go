package telephony

import (
	"net/url"

	"github.com/twilio/twilio-go/client"
)

// SignatureValidator checks X-Twilio-Signature on webhook requests.
type SignatureValidator struct {
	v client.RequestValidator
}

// NewSignatureValidator returns nil for an empty auth token, which disables validation.
func NewSignatureValidator(authToken string) *SignatureValidator {
	if authToken == "" {
		return nil
	}
	return &SignatureValidator{v: client.NewRequestValidator(authToken)}
}

// ValidateSignature reports whether signature matches the full request URL
// and POST form. A nil validator accepts everything.
func (s *SignatureValidator) ValidateSignature(fullURL string, form url.Values, signature string) bool {
	if s == nil {
		return true
	}
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k, vs := range form {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return s.v.Validate(fullURL, params, signature)
}
