package realtime

import (
	"context"
	"sync"
)

// Hub is an in-process Transport and Publisher. It backs single-process
// deployments without Redis and the engine's tests.
type Hub struct {
	mu      sync.Mutex
	streams map[Topic]map[*hubStream]struct{}
	buffer  int
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		streams: make(map[Topic]map[*hubStream]struct{}),
		buffer:  256,
	}
}

// Subscribe implements Transport
func (h *Hub) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &hubStream{
		hub:    h,
		topic:  topic,
		ch:     make(chan Change, h.buffer),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[topic] == nil {
		h.streams[topic] = make(map[*hubStream]struct{})
	}
	h.streams[topic][s] = struct{}{}
	return s, nil
}

// Publish implements Publisher. Changes are delivered to every open stream of
// every matching topic; a stream whose buffer is full is closed so its
// consumer observes the loss instead of silently missing a change.
func (h *Hub) Publish(ctx context.Context, change Change) error {
	h.mu.Lock()
	var overflowed []*hubStream
	for _, topic := range TopicsFor(change) {
		for s := range h.streams[topic] {
			select {
			case s.ch <- change:
			default:
				overflowed = append(overflowed, s)
			}
		}
	}
	h.mu.Unlock()

	for _, s := range overflowed {
		s.Close()
	}
	return nil
}

// Active returns the number of open streams on topic
func (h *Hub) Active(topic Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[topic])
}

// Fail closes every open stream on topic, as a dropped channel would
func (h *Hub) Fail(topic Topic) {
	h.mu.Lock()
	streams := make([]*hubStream, 0, len(h.streams[topic]))
	for s := range h.streams[topic] {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}

func (h *Hub) remove(s *hubStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams[s.topic], s)
	if len(h.streams[s.topic]) == 0 {
		delete(h.streams, s.topic)
	}
}

type hubStream struct {
	hub       *Hub
	topic     Topic
	ch        chan Change
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *hubStream) Next(ctx context.Context) (Change, error) {
	// Drain buffered changes before reporting closure
	select {
	case change := <-s.ch:
		return change, nil
	default:
	}

	select {
	case change := <-s.ch:
		return change, nil
	case <-s.closed:
		return Change{}, ErrStreamClosed
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

func (s *hubStream) Close() error {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.closed)
	})
	return nil
}
