package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// Parameter is a custom parameter passed to the media stream on start.
type Parameter struct {
	Name  string
	Value string
}

// StreamResume describes where the call reconnects its media stream after
// a warning has been played.
type StreamResume struct {
	MediaURL   string
	Parameters []Parameter
}

func streamElement(mediaURL string, params []Parameter) twiml.Element {
	inner := make([]twiml.Element, 0, len(params))
	for _, p := range params {
		inner = append(inner, &twiml.VoiceParameter{Name: p.Name, Value: p.Value})
	}
	return &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: mediaURL, InnerElements: inner},
		},
	}
}

// InboundTwiML answers an inbound call by connecting it to the media stream.
func InboundTwiML(mediaURL string, params []Parameter) (string, error) {
	out, err := twiml.Voice([]twiml.Element{streamElement(mediaURL, params)})
	if err != nil {
		return "", fmt.Errorf("build inbound twiml: %w", err)
	}
	return out, nil
}

// RejectTwiML declines a call, e.g. while the service drains.
func RejectTwiML(reason string) (string, error) {
	out, err := twiml.Voice([]twiml.Element{&twiml.VoiceReject{Reason: reason}})
	if err != nil {
		return "", fmt.Errorf("build reject twiml: %w", err)
	}
	return out, nil
}

// WarningTwiML plays the warning and then reconnects the media stream so
// monitoring continues after playback.
func WarningTwiML(warningURL string, resume StreamResume) (string, error) {
	out, err := twiml.Voice([]twiml.Element{
		&twiml.VoicePlay{Url: warningURL},
		streamElement(resume.MediaURL, resume.Parameters),
	})
	if err != nil {
		return "", fmt.Errorf("build warning twiml: %w", err)
	}
	return out, nil
}
