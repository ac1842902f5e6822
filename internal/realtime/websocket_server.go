package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/pkg/logging"
)

const (
	serverWriteTimeout = 5 * time.Second
	serverPingInterval = 30 * time.Second
	serverJoinTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebsocketHandler bridges a Transport to websocket clients. A client joins
// one topic per connection and then receives every change on it.
type WebsocketHandler struct {
	transport Transport
	logger    *zap.Logger
}

// NewWebsocketHandler creates a handler serving topics from transport
func NewWebsocketHandler(transport Transport) *WebsocketHandler {
	return &WebsocketHandler{
		transport: transport,
		logger:    logging.WithComponent("realtime.server"),
	}
}

// ServeHTTP implements http.Handler
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(serverJoinTimeout))
	var join Frame
	if err := ws.ReadJSON(&join); err != nil {
		h.logger.Debug("Failed to read join", zap.Error(err))
		return
	}
	ws.SetReadDeadline(time.Time{})

	var mu sync.Mutex
	write := func(frame Frame) error {
		mu.Lock()
		defer mu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(serverWriteTimeout))
		return ws.WriteJSON(frame)
	}

	if join.Event != EventJoin {
		write(Frame{Event: EventError, Topic: join.Topic, Error: "expected join"})
		return
	}
	topic, err := ParseTopic(join.Topic)
	if err != nil {
		write(Frame{Event: EventError, Topic: join.Topic, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := h.transport.Subscribe(ctx, topic)
	if err != nil {
		h.logger.Warn("Subscribe failed", zap.String("topic", topic.String()), zap.Error(err))
		write(Frame{Event: EventError, Topic: join.Topic, Error: "subscribe failed"})
		return
	}
	defer stream.Close()

	if err := write(Frame{Event: EventAck, Topic: join.Topic}); err != nil {
		return
	}

	// The client sends nothing after joining; a read error means it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(serverPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(serverWriteTimeout)); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		change, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Info("Stream ended", zap.String("topic", topic.String()), zap.Error(err))
				write(Frame{Event: EventError, Topic: join.Topic, Error: "stream ended"})
			}
			return
		}
		if err := write(Frame{Event: EventChange, Topic: join.Topic, Payload: &change}); err != nil {
			return
		}
	}
}
