package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStream is an in-process Stream with full semantics for tests and
// single-node deployments. Published events are retained per topic so late
// consumers can replay; ephemeral events reach live subscribers only.
type MemoryStream struct {
	mu       sync.Mutex
	retained map[string][]Event
	subs     map[string][]*memorySub
	clock    func() time.Time
}

type memorySub struct {
	topic  string
	filter Filter
	ch     chan Event
	once   sync.Once
	parent *MemoryStream
}

func (s *memorySub) Events() <-chan Event { return s.ch }

func (s *memorySub) Cancel() {
	s.once.Do(func() {
		s.parent.remove(s)
		close(s.ch)
	})
}

// NewMemoryStream creates an empty in-memory stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		retained: make(map[string][]Event),
		subs:     make(map[string][]*memorySub),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *MemoryStream) WithClock(clock func() time.Time) *MemoryStream {
	m.clock = clock
	return m
}

func (m *MemoryStream) deliver(ev Event, retain bool) {
	m.mu.Lock()
	if retain {
		m.retained[ev.Topic] = append(m.retained[ev.Topic], ev)
	}
	subs := make([]*memorySub, len(m.subs[ev.Topic]))
	copy(subs, m.subs[ev.Topic])
	m.mu.Unlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Slow consumer; drop rather than block publishers.
		}
	}
}

func (m *MemoryStream) Publish(_ context.Context, topic, _ string, payload []byte) error {
	m.deliver(Event{Topic: topic, ID: uuid.New().String(), Payload: payload, Timestamp: m.clock()}, true)
	return nil
}

func (m *MemoryStream) Ephemeral(_ context.Context, topic, _ string, payload []byte) error {
	m.deliver(Event{Topic: topic, ID: uuid.New().String(), Payload: payload, Timestamp: m.clock()}, false)
	return nil
}

func (m *MemoryStream) Subscribe(_ context.Context, topic string, filter Filter) (Subscription, error) {
	sub := &memorySub{topic: topic, filter: filter, ch: make(chan Event, 256), parent: m}
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()
	return sub, nil
}

// Retained returns a copy of the durable log for a topic, for replay and
// tests.
func (m *MemoryStream) Retained(topic string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.retained[topic]))
	copy(out, m.retained[topic])
	return out
}

func (m *MemoryStream) remove(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			m.subs[sub.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
