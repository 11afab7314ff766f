package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeWSURL = "wss://api.openai.com/v1/realtime"

	eventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	eventTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	eventError                  = "error"
)

// RealtimeConfig holds configuration for the OpenAI Realtime transcription link.
type RealtimeConfig struct {
	APIKey             string
	URL                string // defaults to the public Realtime endpoint
	Model              string // e.g., "gpt-4o-realtime-preview"
	TranscriptionModel string // e.g., "whisper-1"
	Language           string // fixed transcription language, e.g., "es"

	VADThreshold    float64
	PrefixPaddingMs int
	SilenceMs       int

	Logger *zap.Logger
}

// DefaultRealtimeConfig returns the tuning used for phone calls: short silence
// windows so utterances close quickly, and no model responses.
func DefaultRealtimeConfig(apiKey string) RealtimeConfig {
	return RealtimeConfig{
		APIKey:             apiKey,
		URL:                realtimeWSURL,
		Model:              "gpt-4o-realtime-preview",
		TranscriptionModel: "whisper-1",
		Language:           "es",
		VADThreshold:       0.4,
		PrefixPaddingMs:    200,
		SilenceMs:          300,
	}
}

const transcriberInstructions = "You are a passive transcriber. Never respond, never speak. " +
	"Only transcribe the incoming audio."

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioTranscription transcriptionConfig `json:"input_audio_transcription"`
	TurnDetection           turnDetection       `json:"turn_detection"`
}

type transcriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

type appendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// realtimeFrame is the subset of server events the session acts on.
type realtimeFrame struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RealtimeClient implements Stream over the OpenAI Realtime websocket API.
type RealtimeClient struct {
	conn      *websocket.Conn
	events    chan Event
	done      chan struct{}
	down      atomic.Bool
	closeOnce sync.Once
	mu        sync.Mutex // serializes writes
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// RealtimeDialer opens one RealtimeClient per call.
type RealtimeDialer struct {
	Config RealtimeConfig
}

// Dial implements Dialer.
func (d RealtimeDialer) Dial(ctx context.Context) (Stream, error) {
	return Dial(ctx, d.Config)
}

// Dial connects to the Realtime endpoint and configures the transcription session.
func Dial(ctx context.Context, cfg RealtimeConfig) (*RealtimeClient, error) {
	base := cfg.URL
	if base == "" {
		base = realtimeWSURL
	}
	url := base
	if cfg.Model != "" {
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		url = base + sep + "model=" + cfg.Model
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("%w: dial realtime: %v", ErrConnection, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &RealtimeClient{
		conn:   conn,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "stt")),
	}

	if err := client.writeJSON(newSessionUpdate(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: configure session: %v", ErrConnection, err)
	}

	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

func newSessionUpdate(cfg RealtimeConfig) sessionUpdate {
	model := cfg.TranscriptionModel
	if model == "" {
		model = "whisper-1"
	}
	return sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:       []string{"text"},
			Instructions:     transcriberInstructions,
			InputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionConfig{
				Model:    model,
				Language: cfg.Language,
			},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMs:   cfg.PrefixPaddingMs,
				SilenceDurationMs: cfg.SilenceMs,
				CreateResponse:    false,
			},
		},
	}
}

// Send appends PCM16 audio to the server-side input buffer.
func (c *RealtimeClient) Send(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.down.Load() {
		return ErrConnection
	}
	select {
	case <-c.done:
		return ErrConnection
	default:
	}

	msg := appendMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := c.writeJSON(msg); err != nil {
		c.down.Store(true)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

func (c *RealtimeClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// Events returns the decoded event channel. It is closed when the link closes.
func (c *RealtimeClient) Events() <-chan Event {
	return c.events
}

// Close closes the connection and waits for the read loop to exit.
func (c *RealtimeClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.down.Store(true)

		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()

		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *RealtimeClient) readLoop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.down.Store(true)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		ev, err := DecodeEvent(msg)
		if err != nil {
			c.logger.Warn("failed to parse event", zap.Error(err))
			continue
		}

		select {
		case <-c.done:
			return
		case c.events <- ev:
		}
	}
}

// DecodeEvent maps one Realtime server frame onto the Event variants.
func DecodeEvent(msg []byte) (Event, error) {
	var frame realtimeFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, err
	}

	switch frame.Type {
	case eventTranscriptionCompleted:
		return UtteranceCompleted{
			ItemID:     frame.ItemID,
			Transcript: strings.TrimSpace(frame.Transcript),
			ReceivedAt: time.Now(),
		}, nil
	case eventError, eventTranscriptionFailed:
		ev := ErrorEvent{Code: frame.Type, Message: "transcription error"}
		if frame.Error != nil {
			if frame.Error.Code != "" {
				ev.Code = frame.Error.Code
			}
			if frame.Error.Message != "" {
				ev.Message = frame.Error.Message
			}
		}
		return ev, nil
	default:
		return Unhandled{Type: frame.Type}, nil
	}
}
