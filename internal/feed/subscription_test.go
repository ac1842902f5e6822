package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/internal/realtime"
)

// gatedTransport holds Subscribe until released
type gatedTransport struct {
	*realtime.Hub
	release chan struct{}
	err     error
}

func (g *gatedTransport) Subscribe(ctx context.Context, topic realtime.Topic) (realtime.Stream, error) {
	<-g.release
	if g.err != nil {
		return nil, g.err
	}
	return g.Hub.Subscribe(ctx, topic)
}

type delivery struct {
	topic realtime.Topic
	id    uint64
	ev    realtime.Event
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) deliver(topic realtime.Topic, id uint64, ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{topic, id, ev})
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub()
	rec := &recorder{}
	m := newSubscriptionManager(hub, rec.deliver, zap.NewNop())
	topic := realtime.LikesTopic("p1")

	assert.Equal(t, Closed, m.State(topic))
	require.NoError(t, m.Open(ctx, topic))
	require.NoError(t, m.Open(ctx, topic))
	assert.Equal(t, Open, m.State(topic))
	assert.Equal(t, 1, hub.Active(topic))

	id, ok := m.Current(topic)
	require.True(t, ok)

	change, err := realtime.NewChange(realtime.Insert, realtime.TableLikes, models.Like{ID: "l1", UserID: "bob", PostID: "p1"}, nil)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, change))

	// Changes for another post and malformed payloads never reach the engine
	other, err := realtime.NewChange(realtime.Insert, realtime.TableLikes, models.Like{ID: "l2", UserID: "bob", PostID: "p2"}, nil)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, other))
	bad, err := realtime.NewChange(realtime.Insert, realtime.TableLikes, models.Like{ID: "l3", PostID: "p1"}, nil)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, bad))

	assert.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, time.Second, tick)
	got := rec.deliveries()[0]
	assert.Equal(t, id, got.id)
	assert.Equal(t, "bob", got.ev.ActorID())

	m.Close(topic)
	assert.Equal(t, Closed, m.State(topic))
	assert.Equal(t, 0, hub.Active(topic))
	m.Wait()

	// Reopening yields a new subscription id
	require.NoError(t, m.Open(ctx, topic))
	next, ok := m.Current(topic)
	require.True(t, ok)
	assert.NotEqual(t, id, next)
	m.CloseAll()
	m.Wait()
	assert.Empty(t, m.Topics())
}

func TestSubscriptionFailure(t *testing.T) {
	ctx := context.Background()
	gated := &gatedTransport{Hub: realtime.NewHub(), release: make(chan struct{}), err: errors.New("refused")}
	close(gated.release)
	m := newSubscriptionManager(gated, (&recorder{}).deliver, zap.NewNop())

	err := m.Open(ctx, realtime.PostsTopic())
	assert.Error(t, err)
	assert.Equal(t, Closed, m.State(realtime.PostsTopic()))

	none := newSubscriptionManager(nil, (&recorder{}).deliver, zap.NewNop())
	assert.Error(t, none.Open(ctx, realtime.PostsTopic()))
}

func TestSubscriptionClosedWhileOpening(t *testing.T) {
	ctx := context.Background()
	gated := &gatedTransport{Hub: realtime.NewHub(), release: make(chan struct{})}
	m := newSubscriptionManager(gated, (&recorder{}).deliver, zap.NewNop())
	topic := realtime.CommentsTopic("p1")

	errc := make(chan error, 1)
	go func() { errc <- m.Open(ctx, topic) }()
	assert.Eventually(t, func() bool { return m.State(topic) == Opening }, time.Second, tick)

	m.Close(topic)
	close(gated.release)

	assert.ErrorIs(t, <-errc, errSuperseded)
	assert.Equal(t, Closed, m.State(topic))
	assert.Equal(t, 0, gated.Active(topic))
}

func TestSubscriptionStreamDrop(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub()
	m := newSubscriptionManager(hub, (&recorder{}).deliver, zap.NewNop())
	topic := realtime.PostsTopic()

	require.NoError(t, m.Open(ctx, topic))
	hub.Fail(topic)

	assert.Eventually(t, func() bool { return m.State(topic) == Closed }, time.Second, tick)
	m.Wait()
}
