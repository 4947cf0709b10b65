package changefeed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

// State is the lifecycle of a subscription handle.
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is a handle returned by Client.Subscribe.
type Subscription[T any] struct {
	client  *Client[T]
	topic   Topic
	onEvent func(Event[T])
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Event[T]

	state   atomic.Int32
	polling atomic.Bool
	closed  atomic.Bool

	stopOnce     sync.Once
	runDone      chan struct{}
	dispatchDone chan struct{}
}

// Scope returns the scope the handle is filtered to.
func (s *Subscription[T]) Scope() string { return s.topic.Scope }

// State returns the current state.
func (s *Subscription[T]) State() State { return State(s.state.Load()) }

// Polling reports whether snapshots are being polled instead of pushed.
func (s *Subscription[T]) Polling() bool { return s.polling.Load() }

// Done is closed once no further callbacks will run.
func (s *Subscription[T]) Done() <-chan struct{} { return s.dispatchDone }

func (s *Subscription[T]) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		stateTransitions.WithLabelValues(s.topic.Table, st.String()).Inc()
	}
}

// stop cancels every timer and waits for the connection loop. It does not
// wait for the dispatcher so it can run from inside onEvent.
func (s *Subscription[T]) stop() {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.runDone
		s.setState(StateClosed)
		s.polling.Store(false)
	})
}

func (s *Subscription[T]) closeNow() {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.state.Store(int32(StateClosed))
		close(s.runDone)
		close(s.dispatchDone)
	})
}

func (s *Subscription[T]) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case ev := <-s.queue:
			if s.closed.Load() {
				return
			}
			s.onEvent(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Subscription[T]) enqueue(ev Event[T]) {
	select {
	case s.queue <- ev:
		eventsDelivered.WithLabelValues(s.topic.Table, ev.Kind.String()).Inc()
	case <-s.ctx.Done():
	}
}

// run owns the connection: subscribe, pump, back off, poll, recover.
func (s *Subscription[T]) run() {
	defer close(s.runDone)

	timers := newTimerSet()
	defer timers.stopAll()

	bo := newReconnectBackOff(s.client.cfg.BackoffStep, s.client.cfg.MaxRetries)
	resumed := false

	for {
		if s.ctx.Err() != nil {
			return
		}

		stream, err := s.client.transport.Subscribe(s.ctx, s.topic)
		if err == nil {
			s.setState(StateSubscribed)
			s.polling.Store(false)
			bo.Reset()
			if resumed {
				s.emitSnapshot("resubscribe")
			}
			resumed = true

			err = s.pump(stream, timers)
			stream.Close()
			if s.ctx.Err() != nil {
				return
			}
		}

		s.setState(StateDegraded)
		s.log.Warn().Err(err).Msg(ErrSubscriptionDegraded.Error())

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			if !s.poll(timers) {
				return
			}
			bo.Reset()
			continue
		}
		if !timers.sleep(s.ctx, "reconnect", wait) {
			return
		}
	}
}

func (s *Subscription[T]) pump(stream Stream, timers *timerSet) error {
	heartbeat := timers.ticker("heartbeat", s.client.cfg.HeartbeatInterval)
	defer timers.stop("heartbeat")

	for {
		select {
		case n, ok := <-stream.Notifications():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return ErrStreamBroken
			}
			if n.Scope != s.topic.Scope {
				continue
			}
			ev, err := s.client.decode(n)
			if err != nil {
				s.log.Error().Err(err).Msg("dropping undecodable notification")
				continue
			}
			s.enqueue(ev)
		case <-heartbeat.C:
			s.emitSnapshot("heartbeat")
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// poll returns true when it is time to retry push, false when the handle closed.
func (s *Subscription[T]) poll(timers *timerSet) bool {
	s.polling.Store(true)
	s.log.Warn().Dur("interval", s.client.cfg.PollInterval).Msg("push transport exhausted, polling")

	s.emitSnapshot("poll")

	ticker := timers.ticker("poll", s.client.cfg.PollInterval)
	defer timers.stop("poll")

	var retryPush <-chan time.Time
	if s.client.cfg.RecoveryInterval > 0 {
		retryPush = timers.ticker("recovery", s.client.cfg.RecoveryInterval).C
		defer timers.stop("recovery")
	}

	for {
		select {
		case <-ticker.C:
			s.emitSnapshot("poll")
		case <-retryPush:
			s.log.Info().Msg("retrying push transport")
			return true
		case <-s.ctx.Done():
			return false
		}
	}
}

func (s *Subscription[T]) emitSnapshot(trigger string) {
	if s.client.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.client.cfg.SnapshotTimeout)
	defer cancel()

	started := time.Now()
	records, err := s.client.snapshot(ctx, s.topic.Scope)
	if err != nil {
		if s.ctx.Err() == nil {
			snapshotFetches.WithLabelValues(s.topic.Table, trigger, "error").Inc()
			s.log.Error().Err(err).Str("trigger", trigger).Msg("snapshot fetch failed")
		}
		return
	}
	snapshotFetches.WithLabelValues(s.topic.Table, trigger, "ok").Inc()
	s.enqueue(Event[T]{Kind: KindSnapshot, Scope: s.topic.Scope, Records: records, At: started})
}

// timerSet holds every timer a handle owns so teardown stops all of them.
type timerSet struct {
	tickers map[string]*time.Ticker
}

func newTimerSet() *timerSet {
	return &timerSet{tickers: make(map[string]*time.Ticker)}
}

func (ts *timerSet) ticker(name string, d time.Duration) *time.Ticker {
	ts.stop(name)
	t := time.NewTicker(d)
	ts.tickers[name] = t
	return t
}

func (ts *timerSet) stop(name string) {
	if t, ok := ts.tickers[name]; ok {
		t.Stop()
		delete(ts.tickers, name)
	}
}

func (ts *timerSet) stopAll() {
	for name := range ts.tickers {
		ts.stop(name)
	}
}

// sleep waits d unless ctx ends first.
func (ts *timerSet) sleep(ctx context.Context, name string, d time.Duration) bool {
	t := ts.ticker(name, d)
	defer ts.stop(name)
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
