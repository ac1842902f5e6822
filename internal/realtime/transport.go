package realtime

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Stream.Next once the stream has been closed
var ErrStreamClosed = errors.New("stream closed")

// Stream is one open subscription. Next blocks until the next change for the
// stream's topic arrives, the stream is closed, or ctx is done. Changes are
// returned in the order the store committed them.
type Stream interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Transport opens subscriptions. Subscribe returns once the remote side has
// acknowledged the subscription.
type Transport interface {
	Subscribe(ctx context.Context, topic Topic) (Stream, error)
}

// Publisher fans a committed change out to every topic it belongs to
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}
