package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewElevenLabsClient_DefaultValues(t *testing.T) {
	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:     "test-key",
		Stability:  -1,
		Similarity: -1,
	})

	if client.voiceID != "21m00Tcm4TlvDq8ikWAM" {
		t.Errorf("voiceID = %q, want %q", client.voiceID, "21m00Tcm4TlvDq8ikWAM")
	}
	if client.modelID != "eleven_multilingual_v2" {
		t.Errorf("modelID = %q, want %q", client.modelID, "eleven_multilingual_v2")
	}
	if client.outputFormat != "mp3_44100_128" {
		t.Errorf("outputFormat = %q", client.outputFormat)
	}
	if client.stability != 0.5 {
		t.Errorf("stability = %f, want %f", client.stability, 0.5)
	}
	if client.similarity != 0.75 {
		t.Errorf("similarity = %f, want %f", client.similarity, 0.75)
	}
}

func TestNewElevenLabsClient_ZeroValuesAreValid(t *testing.T) {
	client := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k"})
	if client.stability != 0 || client.similarity != 0 {
		t.Errorf("stability=%f similarity=%f, want 0 and 0", client.stability, client.similarity)
	}
}

func TestSynthesize(t *testing.T) {
	var got ttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/voice-1") || r.URL.Query().Get("output_format") != "mp3_44100_128" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio"))
	}))
	defer srv.Close()

	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:     "test-key",
		VoiceID:    "voice-1",
		Stability:  0.4,
		Similarity: -1,
		BaseURL:    srv.URL,
	})

	audio, err := client.Synthesize(context.Background(), DefaultWarningText)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ID3-audio" {
		t.Errorf("audio = %q", audio)
	}
	if got.Text != DefaultWarningText || got.VoiceSettings.Stability != 0.4 || got.VoiceSettings.SimilarityBoost != 0.75 {
		t.Errorf("request = %+v", got)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k", BaseURL: srv.URL})

	if _, err := client.Synthesize(context.Background(), ""); err == nil {
		t.Error("expected error for empty text")
	}
	_, err := client.Synthesize(context.Background(), "hola")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("err = %v, want API error body", err)
	}
}
