// Package tts synthesizes the spoken warning played into risky calls.
package tts

import (
	"context"
	"strings"
	"time"
)

// Client defines the interface for text-to-speech providers.
type Client interface {
	// Synthesize converts text to speech and returns encoded audio in the
	// provider's configured output format.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// DefaultWarningText is spoken when no warning recording is configured.
const DefaultWarningText = "Atención: esta llamada presenta señales de una posible estafa. " +
	"No entregue datos personales, claves ni dinero. Si tiene dudas, corte y llame a un familiar."

// Spoken Spanish runs at roughly 150 words per minute.
const wordsPerSecond = 2.5

// EstimateSpeech approximates how long text takes to speak.
func EstimateSpeech(text string) time.Duration {
	words := len(strings.Fields(text))
	return time.Duration(float64(words) / wordsPerSecond * float64(time.Second))
}

// MP3Duration returns the playback length of constant-bitrate MP3 audio.
func MP3Duration(audio []byte, kbps int) time.Duration {
	if kbps <= 0 {
		return 0
	}
	bits := int64(len(audio)) * 8
	return time.Duration(bits * int64(time.Second) / int64(kbps*1000))
}
