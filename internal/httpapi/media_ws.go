package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/session"
)

const (
	writeWaitMedia = 2 * time.Second

	// resumeWait bounds how long a resumed stream waits for the call's
	// previous session to finish finalizing.
	resumeWait = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// twilioMessage is one frame of a Twilio Media Streams connection.
type twilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Mark           *twilioMark  `json:"mark,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
}

type twilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // Base64 μ-law audio
}

type twilioStart struct {
	StreamSid    string            `json:"streamSid"`
	AccountSid   string            `json:"accountSid"`
	CallSid      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	CustomParams map[string]string `json:"customParameters"`
	MediaFormat  struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type twilioMark struct {
	Name string `json:"name"`
}

// mediaConn is one Twilio media stream feeding a session.
type mediaConn struct {
	r         *Router
	conn      *websocket.Conn
	logger    *zap.Logger
	sess      *session.Session
	streamSid string
	resumed   bool
}

func (r *Router) handleMediaWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("media upgrade failed", zap.Error(err))
		return
	}

	mc := &mediaConn{r: r, conn: conn, logger: r.logger.With(zap.String("stream", "media"))}
	r.logger.Debug("media connection established, waiting for start message")
	mc.run(req)
}

func (mc *mediaConn) run(req *http.Request) {
	defer mc.conn.Close()

	for {
		_, msg, err := mc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				mc.logger.Info("media connection closed")
			} else {
				mc.logger.Warn("media read error", zap.Error(err))
			}
			mc.ended()
			return
		}

		var m twilioMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			mc.logger.Warn("failed to parse media frame", zap.Error(err))
			continue
		}

		switch m.Event {
		case "connected":
			mc.logger.Debug("twilio connected")

		case "start":
			if err := mc.handleStart(req, m.Start); err != nil {
				if mc.resumed {
					// Closing a resumed stream ends <Connect> and hangs up
					// the call; keep it open and unmonitored instead.
					mc.logger.Error("resumed stream left unmonitored", zap.Error(err))
					continue
				}
				mc.logger.Error("media start rejected", zap.Error(err))
				_ = mc.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected"),
					time.Now().Add(writeWaitMedia))
				return
			}

		case "media":
			mc.handleMedia(m.Media)

		case "stop":
			mc.logger.Info("media stream stopped")
			mc.ended()
			return

		case "mark":
			if m.Mark != nil {
				mc.logger.Debug("mark", zap.String("name", m.Mark.Name))
			}
		}
	}
}

func (mc *mediaConn) handleStart(req *http.Request, start *twilioStart) error {
	if start == nil {
		return fmt.Errorf("nil start message")
	}

	callSid := start.CallSid
	if callSid == "" {
		callSid = start.CustomParams["callSid"]
	}
	if callSid == "" {
		return fmt.Errorf("start without callSid")
	}
	mc.logger = mc.logger.With(zap.String("call_sid", callSid), zap.String("stream_sid", start.StreamSid))

	if start.CustomParams["resumed"] == "true" {
		mc.resumed = true
		attached, err := mc.resume(req, callSid, start.StreamSid)
		if err != nil || attached {
			return err
		}
		mc.logger.Warn("resumed stream has no live session, starting a new one")
	}

	s, err := mc.r.sessions.Start(req.Context(), session.StartParams{
		CallSid:      callSid,
		StreamSid:    start.StreamSid,
		CallerNumber: start.CustomParams["from"],
		CalleeNumber: start.CustomParams["to"],
	})
	if err != nil {
		if errors.Is(err, session.ErrRegistryConflict) {
			mc.logger.Error("duplicate media stream for live call")
		} else if !errors.Is(err, session.ErrDraining) {
			captureError(req, err, "media: session start failed")
		}
		return err
	}
	mc.sess = s
	mc.streamSid = start.StreamSid
	return nil
}

// resume attaches the stream to the call's live session. It reports false
// when there is no session to attach to, after waiting for a finalizing one
// to leave the registry.
func (mc *mediaConn) resume(req *http.Request, callSid, streamSid string) (bool, error) {
	s, ok := mc.r.sessions.Get(callSid)
	if !ok {
		return false, nil
	}
	err := s.Attach(streamSid)
	if err == nil {
		mc.sess = s
		mc.streamSid = streamSid
		return true, nil
	}
	if !errors.Is(err, session.ErrNotActive) {
		return false, fmt.Errorf("resume %s: %w", callSid, err)
	}

	select {
	case <-s.Done():
		return false, nil
	case <-time.After(resumeWait):
		return false, fmt.Errorf("resume %s: previous session still finalizing", callSid)
	case <-req.Context().Done():
		return false, req.Context().Err()
	}
}

func (mc *mediaConn) handleMedia(media *twilioMedia) {
	if mc.sess == nil || media == nil || media.Payload == "" {
		return
	}
	// Only the caller's side is analyzed.
	if media.Track != "" && media.Track != "inbound" {
		return
	}
	if err := mc.sess.IngestMedia(media.Payload); err != nil && !errors.Is(err, session.ErrNotActive) {
		mc.logger.Debug("media ingest failed", zap.Error(err))
	}
}

// ended reports the end of this stream to its session, if any.
func (mc *mediaConn) ended() {
	if mc.sess != nil {
		mc.sess.StreamEnded(mc.streamSid)
	}
}
