package bus

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/sensorhub/pkg/log"
)

var _ Bus = (*Memory)(nil)

// Memory is an in-process Bus. Every subscription owns a goroutine and an
// unbounded mailbox, so Publish never blocks on a slow subscriber.
type Memory struct {
	clock clock.PassiveClock
	log   log.Logger

	mu     sync.RWMutex
	subs   map[Topic]map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory(c clock.PassiveClock) *Memory {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Memory{
		clock: c,
		log:   log.WithName("bus"),
		subs:  make(map[Topic]map[uint64]*subscriber),
	}
}

func (m *Memory) Publish(ctx context.Context, e Event) error {
	if e.Topic == "" {
		return ErrEmptyTopic
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = m.clock.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	for _, s := range m.subs[e.Topic] {
		s.push(e)
	}
	for _, s := range m.subs[AllTopics] {
		s.push(e)
	}

	return nil
}

func (m *Memory) Subscribe(topic Topic, h Handler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	s := &subscriber{
		id:      m.nextID,
		topic:   topic,
		handler: h,
		bus:     m,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if m.closed {
		close(s.done)
		return s
	}

	if m.subs[topic] == nil {
		m.subs[topic] = make(map[uint64]*subscriber)
	}
	m.subs[topic][s.id] = s

	go s.run()
	return s
}

// Close stops every subscription. Pending events are dropped.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for _, subs := range m.subs {
		for _, s := range subs {
			s.stop()
		}
	}
	m.subs = nil
}

func (m *Memory) remove(s *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subs[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(m.subs, s.topic)
		}
	}
}

type subscriber struct {
	id      uint64
	topic   Topic
	handler Handler
	bus     *Memory

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) Unsubscribe() {
	s.bus.remove(s)
	s.stop()
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}

			s.dispatch(e)
		}
	}
}

func (s *subscriber) dispatch(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.log.Error(fmt.Errorf("%v", r), "Bus handler panicked", "topic", e.Topic)
		}
	}()
	s.handler(context.Background(), e)
}
