package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ChannelName is the LISTEN channel the notify trigger publishes a table's
// changes on.
func ChannelName(table string) string {
	return "changefeed_" + table
}

// PostgresTransport listens for trigger NOTIFY payloads. A listener
// disconnect ends the stream so the subscription catches up with a snapshot.
type PostgresTransport struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	log          zerolog.Logger
}

func NewPostgresTransport(dsn string, log zerolog.Logger) *PostgresTransport {
	return &PostgresTransport{
		dsn:          dsn,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		log:          log.With().Str("transport", "postgres").Logger(),
	}
}

func (t *PostgresTransport) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	st := &pgStream{
		topic: topic,
		ch:    make(chan Notification, 64),
		done:  make(chan struct{}),
		log:   t.log,
	}

	listener := pq.NewListener(t.dsn, t.minReconnect, t.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			if err == nil {
				err = ErrStreamBroken
			}
			st.fail(err)
		}
	})

	if err := listener.Listen(ChannelName(topic.Table)); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", ChannelName(topic.Table), err)
	}
	if err := ctx.Err(); err != nil {
		listener.Close()
		return nil, err
	}

	st.listener = listener
	go st.loop()
	return st, nil
}

type pgStream struct {
	topic    Topic
	listener *pq.Listener
	ch       chan Notification
	log      zerolog.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (s *pgStream) Notifications() <-chan Notification { return s.ch }

func (s *pgStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pgStream) Close() error {
	s.fail(nil)
	return s.listener.Close()
}

func (s *pgStream) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *pgStream) loop() {
	defer close(s.ch)
	for {
		select {
		case n, ok := <-s.listener.Notify:
			if !ok {
				s.fail(ErrStreamBroken)
				return
			}
			// nil is sent after the listener reconnects on its own.
			if n == nil {
				continue
			}
			var env Notification
			if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
				s.log.Error().Err(err).Str("channel", n.Channel).Msg("bad notify payload")
				continue
			}
			if env.Scope != s.topic.Scope {
				continue
			}
			select {
			case s.ch <- env:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}
