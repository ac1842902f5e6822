package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/pkg/logging"
)

// Frame events exchanged over a realtime websocket
const (
	EventJoin   = "join"
	EventAck    = "ack"
	EventChange = "change"
	EventError  = "error"
)

// Frame is one JSON text message on a realtime websocket
type Frame struct {
	Event   string  `json:"event"`
	Topic   string  `json:"topic"`
	Payload *Change `json:"payload,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// WebsocketSettings tunes a WebsocketTransport
type WebsocketSettings struct {
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	// Token, when set, is sent as a bearer token on the upgrade request
	Token func() string
}

// DefaultWebsocketSettings returns settings suitable for most deployments
func DefaultWebsocketSettings() *WebsocketSettings {
	return &WebsocketSettings{
		AckTimeout:   10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// WebsocketTransport subscribes to a remote realtime endpoint. Each stream
// owns one connection carrying exactly one topic.
type WebsocketTransport struct {
	url      string
	settings *WebsocketSettings
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

// NewWebsocketTransport creates a transport for the endpoint at url
func NewWebsocketTransport(url string, settings *WebsocketSettings) *WebsocketTransport {
	if settings == nil {
		settings = DefaultWebsocketSettings()
	}
	return &WebsocketTransport{
		url:      url,
		settings: settings,
		dialer:   websocket.DefaultDialer,
		logger:   logging.WithComponent("realtime.websocket"),
	}
}

// Subscribe implements Transport. It dials, joins topic and waits for the
// server's acknowledgement.
func (t *WebsocketTransport) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	header := http.Header{}
	if t.settings.Token != nil {
		if token := t.settings.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	ws, _, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.url, err)
	}

	join, err := json.Marshal(Frame{Event: EventJoin, Topic: topic.String()})
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, join); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to join %s: %w", topic, err)
	}

	deadline := time.Now().Add(t.settings.AckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)
	var ack Frame
	if err := ws.ReadJSON(&ack); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to read ack for %s: %w", topic, err)
	}
	switch ack.Event {
	case EventAck:
	case EventError:
		ws.Close()
		return nil, fmt.Errorf("join %s rejected: %s", topic, ack.Error)
	default:
		ws.Close()
		return nil, fmt.Errorf("unexpected %q frame joining %s", ack.Event, topic)
	}
	ws.SetReadDeadline(time.Time{})

	s := &websocketStream{
		topic:   topic,
		ws:      ws,
		changes: make(chan Change),
		done:    make(chan struct{}),
		logger:  t.logger.With(zap.String("topic", topic.String())),
	}
	go s.read()
	return s, nil
}

type websocketStream struct {
	topic   Topic
	ws      *websocket.Conn
	changes chan Change
	done    chan struct{}
	logger  *zap.Logger

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (s *websocketStream) read() {
	defer s.Close()
	for {
		var frame Frame
		if err := s.ws.ReadJSON(&frame); err != nil {
			s.fail(err)
			return
		}

		switch frame.Event {
		case EventChange:
			if frame.Payload == nil {
				s.logger.Warn("Dropping change frame without payload")
				continue
			}
			select {
			case s.changes <- *frame.Payload:
			case <-s.done:
				return
			}
		case EventError:
			s.fail(fmt.Errorf("channel error: %s", frame.Error))
			return
		default:
			s.logger.Debug("Ignoring frame", zap.String("event", frame.Event))
		}
	}
}

func (s *websocketStream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *websocketStream) Next(ctx context.Context) (Change, error) {
	select {
	case change := <-s.changes:
		return change, nil
	case <-s.done:
		s.errMu.Lock()
		defer s.errMu.Unlock()
		if s.err != nil && !isCloseError(s.err) {
			return Change{}, fmt.Errorf("stream %s failed: %w", s.topic, s.err)
		}
		return Change{}, ErrStreamClosed
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

func (s *websocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.ws.Close()
	})
	return err
}

func isCloseError(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
