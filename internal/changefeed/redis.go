package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisChannel is the pub/sub channel for one topic.
func RedisChannel(topic Topic) string {
	return "changefeed:" + topic.Table + ":" + topic.Scope
}

// RedisTransport carries notifications over Redis pub/sub. Writers publish
// through the same type.
type RedisTransport struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisTransport(client *redis.Client, log zerolog.Logger) *RedisTransport {
	return &RedisTransport{
		client: client,
		log:    log.With().Str("transport", "redis").Logger(),
	}
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	channel := RedisChannel(topic)
	ps := t.client.Subscribe(ctx, channel)

	// Wait for the subscription confirmation before reporting success.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	st := &redisStream{
		ps:     ps,
		ch:     make(chan Notification, 64),
		cancel: cancel,
		log:    t.log,
	}
	go st.loop(streamCtx)
	return st, nil
}

func (t *RedisTransport) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	channel := RedisChannel(Topic{Table: n.Table, Scope: n.Scope})
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

type redisStream struct {
	ps     *redis.PubSub
	ch     chan Notification
	cancel context.CancelFunc
	log    zerolog.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *redisStream) Notifications() <-chan Notification { return s.ch }

func (s *redisStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.ps.Close()
}

func (s *redisStream) loop(ctx context.Context) {
	defer close(s.ch)
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		var n Notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			s.log.Error().Err(err).Str("channel", msg.Channel).Msg("bad pubsub payload")
			continue
		}
		select {
		case s.ch <- n:
		case <-ctx.Done():
			return
		}
	}
}
