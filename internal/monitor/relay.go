package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "callguard:call:"
	activeCallsKey = "callguard:active"
	publishTimeout = 5 * time.Second
	relayBuffer    = 512
)

// ChannelName returns the Redis pub/sub channel of a call.
func ChannelName(callSid string) string {
	return channelPrefix + callSid
}

// Relay bridges monitor events across instances with Redis pub/sub and
// keeps an index of active calls.
type Relay struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRelay creates a Redis relay. instanceID identifies this process in the active-call index.
func NewRelay(client *redis.Client, instanceID string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{client: client, instanceID: instanceID, logger: logger}
}

// Sink returns a Sink that republishes a call's events to Redis in order.
func (r *Relay) Sink(callSid string) *RelaySink {
	s := &RelaySink{
		relay:   r,
		channel: ChannelName(callSid),
		queue:   make(chan []byte, relayBuffer),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pump()
	return s
}

// Subscribe forwards raw event payloads published for callSid to handler
// until the returned cancel function is called.
func (r *Relay) Subscribe(ctx context.Context, callSid string, handler func([]byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, ChannelName(callSid))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return cancelCtx, nil
}

// IndexEntry describes a live call in the shared active-call index.
type IndexEntry struct {
	CallSid      string    `json:"call_sid"`
	CallerNumber string    `json:"caller_number"`
	CalleeNumber string    `json:"called_number"`
	StartTime    time.Time `json:"start_time"`
	RiskLevel    string    `json:"risk_level"`
	Instance     string    `json:"instance"`
}

// PutActive records or refreshes a live call.
func (r *Relay) PutActive(ctx context.Context, e IndexEntry) error {
	e.Instance = r.instanceID
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, activeCallsKey, e.CallSid, data).Err()
}

// RemoveActive drops a call from the index.
func (r *Relay) RemoveActive(ctx context.Context, callSid string) error {
	return r.client.HDel(ctx, activeCallsKey, callSid).Err()
}

// GetActive looks up one call. ok is false when the call is not indexed.
func (r *Relay) GetActive(ctx context.Context, callSid string) (IndexEntry, bool, error) {
	raw, err := r.client.HGet(ctx, activeCallsKey, callSid).Result()
	if err == redis.Nil {
		return IndexEntry{}, false, nil
	}
	if err != nil {
		return IndexEntry{}, false, err
	}
	var e IndexEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return IndexEntry{}, false, err
	}
	return e, true, nil
}

// ListActive returns every indexed call across instances.
func (r *Relay) ListActive(ctx context.Context) ([]IndexEntry, error) {
	all, err := r.client.HGetAll(ctx, activeCallsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]IndexEntry, 0, len(all))
	for _, raw := range all {
		var e IndexEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			r.logger.Warn("skipping malformed active call entry", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// LiveCallSids returns the call ids in the index.
func (r *Relay) LiveCallSids(ctx context.Context) ([]string, error) {
	return r.client.HKeys(ctx, activeCallsKey).Result()
}

// PruneActive drops index entries for calls that started before cutoff.
// Entries outlive their call only when the owning instance died.
func (r *Relay) PruneActive(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := r.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, e := range entries {
		if e.StartTime.Before(cutoff) {
			stale = append(stale, e.CallSid)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := r.client.HDel(ctx, activeCallsKey, stale...).Result()
	return int(n), err
}

// RelaySink publishes every event it receives to the call's Redis channel.
type RelaySink struct {
	relay   *Relay
	channel string
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Send implements Sink.
func (s *RelaySink) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.queue <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close drains queued events and stops the publisher.
func (s *RelaySink) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *RelaySink) pump() {
	defer s.wg.Done()
	for {
		select {
		case data := <-s.queue:
			s.publish(data)
		case <-s.done:
			for {
				select {
				case data := <-s.queue:
					s.publish(data)
				default:
					return
				}
			}
		}
	}
}

func (s *RelaySink) publish(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.relay.client.Publish(ctx, s.channel, data).Err(); err != nil {
		s.relay.logger.Warn("redis publish failed", zap.String("channel", s.channel), zap.Error(err))
	}
}
