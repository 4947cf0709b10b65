package changefeed

import (
	"context"
	"sync"
)

// MemoryTransport is an in-process Transport and Publisher. It can refuse
// subscribes and break live streams, which the dev server and tests use to
// exercise degradation.
type MemoryTransport struct {
	mu         sync.Mutex
	streams    map[Topic]map[*memoryStream]struct{}
	down       bool
	failNext   int
	subscribes int
	buffer     int
}

// NewMemoryTransport creates a transport whose streams buffer 256 notifications.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		streams: make(map[Topic]map[*memoryStream]struct{}),
		buffer:  256,
	}
}

func (m *MemoryTransport) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribes++
	if m.down {
		return nil, ErrTransportDown
	}
	if m.failNext > 0 {
		m.failNext--
		return nil, ErrTransportDown
	}

	st := &memoryStream{owner: m, topic: topic, ch: make(chan Notification, m.buffer)}
	if m.streams[topic] == nil {
		m.streams[topic] = make(map[*memoryStream]struct{})
	}
	m.streams[topic][st] = struct{}{}
	return st, nil
}

// Publish fans n out to every stream on its topic. Full streams drop it.
func (m *MemoryTransport) Publish(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	targets := make([]*memoryStream, 0, len(m.streams[Topic{Table: n.Table, Scope: n.Scope}]))
	for st := range m.streams[Topic{Table: n.Table, Scope: n.Scope}] {
		targets = append(targets, st)
	}
	m.mu.Unlock()

	for _, st := range targets {
		st.send(n)
	}
	return nil
}

// SetDown makes every Subscribe fail until cleared. Live streams are broken.
func (m *MemoryTransport) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	var broken []*memoryStream
	if down {
		for _, set := range m.streams {
			for st := range set {
				broken = append(broken, st)
			}
		}
	}
	m.mu.Unlock()

	for _, st := range broken {
		st.end(ErrTransportDown)
	}
}

// FailNext makes the next n Subscribe calls fail.
func (m *MemoryTransport) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// Break ends every live stream on topic with ErrStreamBroken.
func (m *MemoryTransport) Break(topic Topic) {
	m.mu.Lock()
	var broken []*memoryStream
	for st := range m.streams[topic] {
		broken = append(broken, st)
	}
	m.mu.Unlock()

	for _, st := range broken {
		st.end(ErrStreamBroken)
	}
}

// Subscribers returns the number of live streams on topic.
func (m *MemoryTransport) Subscribers(topic Topic) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[topic])
}

// SubscribeCalls returns how many times Subscribe was called.
func (m *MemoryTransport) SubscribeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes
}

func (m *MemoryTransport) remove(st *memoryStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.streams[st.topic]; ok {
		delete(set, st)
		if len(set) == 0 {
			delete(m.streams, st.topic)
		}
	}
}

type memoryStream struct {
	owner *MemoryTransport
	topic Topic

	mu     sync.Mutex
	ch     chan Notification
	err    error
	closed bool
}

func (s *memoryStream) Notifications() <-chan Notification { return s.ch }

func (s *memoryStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memoryStream) Close() error {
	s.end(nil)
	return nil
}

func (s *memoryStream) send(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- n:
	default:
	}
}

func (s *memoryStream) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	s.mu.Unlock()

	s.owner.remove(s)
}
