package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// WSSink adapts a monitor websocket connection. Writes happen on a single
// goroutine fed by a bounded buffer.
type WSSink struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewWSSink starts the write pump for conn.
func NewWSSink(conn *websocket.Conn, logger *zap.Logger) *WSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WSSink{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.wg.Add(1)
	go s.writePump()
	return s
}

// Send implements Sink.
func (s *WSSink) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw queues an already encoded message, e.g. one relayed from Redis.
func (s *WSSink) SendRaw(data []byte) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close flushes queued messages, sends a close frame and closes the connection.
func (s *WSSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// Done is closed once the sink stops accepting events.
func (s *WSSink) Done() <-chan struct{} {
	return s.done
}

// ReadUntilClosed consumes client frames until the peer goes away.
// Monitor clients only send pongs and keepalives.
func (s *WSSink) ReadUntilClosed() {
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *WSSink) writePump() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("monitor write failed", zap.Error(err))
				s.closeOnce.Do(func() { close(s.done) })
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.closeOnce.Do(func() { close(s.done) })
				return
			}
		case <-s.done:
			for {
				select {
				case msg := <-s.send:
					if err := s.write(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = s.write(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (s *WSSink) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}
