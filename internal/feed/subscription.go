package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/realtime"
)

// SubscriptionState is the lifecycle state of one scope's subscription
type SubscriptionState int

const (
	Closed SubscriptionState = iota
	Opening
	Open
)

func (s SubscriptionState) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// errSuperseded is returned by Open when the scope was closed while the
// transport was still acknowledging
var errSuperseded = errors.New("subscription closed while opening")

// deliverFunc hands a decoded event to the engine. id identifies the
// subscription that delivered it.
type deliverFunc func(topic realtime.Topic, id uint64, ev realtime.Event)

type subscription struct {
	id     uint64
	topic  realtime.Topic
	state  SubscriptionState
	stream realtime.Stream
	cancel context.CancelFunc
}

// SubscriptionManager keeps at most one subscription per scope and pumps
// each stream's events to the engine in arrival order.
type SubscriptionManager struct {
	transport realtime.Transport
	deliver   deliverFunc
	logger    *zap.Logger

	mu     sync.Mutex
	subs   map[realtime.Topic]*subscription
	nextID uint64
	wg     sync.WaitGroup
}

func newSubscriptionManager(transport realtime.Transport, deliver deliverFunc, logger *zap.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		transport: transport,
		deliver:   deliver,
		logger:    logger,
		subs:      make(map[realtime.Topic]*subscription),
	}
}

// Open moves a scope from Closed through Opening to Open. Opening a scope
// that is already Opening or Open is a no-op.
func (m *SubscriptionManager) Open(ctx context.Context, topic realtime.Topic) error {
	if m.transport == nil {
		return fmt.Errorf("no realtime transport configured for %s", topic)
	}

	m.mu.Lock()
	if _, ok := m.subs[topic]; ok {
		m.mu.Unlock()
		return nil
	}
	m.nextID++
	sub := &subscription{id: m.nextID, topic: topic, state: Opening}
	m.subs[topic] = sub
	m.mu.Unlock()

	stream, err := m.transport.Subscribe(ctx, topic)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[topic] != sub {
		if stream != nil {
			stream.Close()
		}
		return errSuperseded
	}
	if err != nil {
		delete(m.subs, topic)
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub.state = Open
	sub.stream = stream
	sub.cancel = cancel
	subscriptionsOpen.Inc()

	m.logger.Debug("Subscription open", zap.String("topic", topic.String()), zap.Uint64("sub", sub.id))

	m.wg.Add(1)
	go m.pump(pumpCtx, sub)
	return nil
}

// Close releases a scope unconditionally, whatever state it is in
func (m *SubscriptionManager) Close(topic realtime.Topic) {
	m.mu.Lock()
	sub, ok := m.subs[topic]
	if ok {
		m.releaseLocked(sub)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Debug("Subscription closed", zap.String("topic", topic.String()), zap.Uint64("sub", sub.id))
	}
}

// CloseAll releases every scope
func (m *SubscriptionManager) CloseAll() {
	m.mu.Lock()
	for _, sub := range m.subs {
		m.releaseLocked(sub)
	}
	m.mu.Unlock()
}

// Wait blocks until every pump has exited
func (m *SubscriptionManager) Wait() {
	m.wg.Wait()
}

func (m *SubscriptionManager) releaseLocked(sub *subscription) {
	if m.subs[sub.topic] != sub {
		return
	}
	delete(m.subs, sub.topic)
	if sub.state == Open {
		sub.cancel()
		sub.stream.Close()
		subscriptionsOpen.Dec()
	}
	sub.state = Closed
}

// State returns the state of a scope
func (m *SubscriptionManager) State(topic realtime.Topic) SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[topic]; ok {
		return sub.state
	}
	return Closed
}

// Current returns the id of the open subscription on topic
func (m *SubscriptionManager) Current(topic realtime.Topic) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[topic]
	if !ok || sub.state != Open {
		return 0, false
	}
	return sub.id, true
}

// Topics lists the scopes that are Opening or Open
func (m *SubscriptionManager) Topics() []realtime.Topic {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]realtime.Topic, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	return topics
}

func (m *SubscriptionManager) pump(ctx context.Context, sub *subscription) {
	defer m.wg.Done()
	logger := m.logger.With(zap.String("topic", sub.topic.String()), zap.Uint64("sub", sub.id))

	for {
		change, err := sub.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// The scope stays closed until an explicit refresh
			logger.Warn("Subscription failed", zap.Error(err))
			m.mu.Lock()
			m.releaseLocked(sub)
			m.mu.Unlock()
			return
		}

		ev, err := realtime.Decode(change)
		if err != nil {
			eventsTotal.WithLabelValues(string(change.Table), outcomeInvalid).Inc()
			logger.Warn("Dropping invalid change", zap.Error(err))
			continue
		}
		if ev.Table() != sub.topic.Table || (sub.topic.PostID != "" && ev.PostID() != sub.topic.PostID) {
			eventsTotal.WithLabelValues(string(ev.Table()), outcomeOutOfScope).Inc()
			logger.Debug("Dropping change outside scope", zap.String("post_id", ev.PostID()))
			continue
		}

		m.deliver(sub.topic, sub.id, ev)
	}
}
