package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedsync/internal/models"
)

func TestHubDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hub := NewHub()
	p1, err := hub.Subscribe(ctx, LikesTopic("p1"))
	require.NoError(t, err)
	defer p1.Close()
	p2, err := hub.Subscribe(ctx, LikesTopic("p2"))
	require.NoError(t, err)
	defer p2.Close()
	all, err := hub.Subscribe(ctx, Topic{Table: TableLikes})
	require.NoError(t, err)
	defer all.Close()

	first := mustChange(t, Insert, TableLikes, models.Like{ID: "l1", UserID: "u1", PostID: "p1"}, nil)
	second := mustChange(t, Delete, TableLikes, nil, models.Like{ID: "l1", UserID: "u1", PostID: "p1"})
	require.NoError(t, hub.Publish(ctx, first))
	require.NoError(t, hub.Publish(ctx, second))

	got, err := p1.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Insert, got.Type)
	got, err = p1.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Delete, got.Type)

	got, err = all.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Insert, got.Type)

	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = p2.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubCloseAndFail(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	s1, err := hub.Subscribe(ctx, PostsTopic())
	require.NoError(t, err)
	s2, err := hub.Subscribe(ctx, PostsTopic())
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Active(PostsTopic()))

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	assert.Equal(t, 1, hub.Active(PostsTopic()))
	_, err = s1.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)

	hub.Fail(PostsTopic())
	assert.Equal(t, 0, hub.Active(PostsTopic()))
	_, err = s2.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestHubSubscribeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHub().Subscribe(ctx, PostsTopic())
	assert.ErrorIs(t, err, context.Canceled)
}
