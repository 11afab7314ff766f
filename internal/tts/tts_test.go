package tts

import (
	"testing"
	"time"
)

func TestEstimateSpeech(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
	}{
		{"", 0},
		{"hola", 400 * time.Millisecond},
		{"uno dos tres cuatro cinco", 2 * time.Second},
	}
	for _, tt := range tests {
		if got := EstimateSpeech(tt.text); got != tt.want {
			t.Errorf("EstimateSpeech(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	if got := EstimateSpeech(DefaultWarningText); got < 8*time.Second {
		t.Errorf("default warning estimate = %v, want at least 8s", got)
	}
}

func TestMP3Duration(t *testing.T) {
	// 128 kbps is 16000 bytes per second.
	if got := MP3Duration(make([]byte, 16000*9), 128); got != 9*time.Second {
		t.Errorf("MP3Duration = %v, want 9s", got)
	}
	if got := MP3Duration([]byte{1, 2, 3}, 0); got != 0 {
		t.Errorf("zero bitrate = %v, want 0", got)
	}
}
