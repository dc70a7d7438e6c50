package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrSubscriberClosed is returned by Send after Close.
var ErrSubscriberClosed = errors.New("broadcast: subscriber closed")

// WSSubscriber adapts a websocket connection to Subscriber. Each event is one text frame.
type WSSubscriber struct {
	id   string
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSSubscriber wraps conn with a fresh random ID.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	return &WSSubscriber{id: uuid.NewString(), conn: conn, closed: make(chan struct{})}
}

func (s *WSSubscriber) ID() string { return s.id }

// Send writes payload as a text frame. The write deadline follows ctx.
func (s *WSSubscriber) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.closed:
		return ErrSubscriberClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultSendTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *WSSubscriber) ping(timeout time.Duration) error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// Close closes the connection once; later calls are no-ops.
func (s *WSSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// Done is closed when the subscriber is closed.
func (s *WSSubscriber) Done() <-chan struct{} { return s.closed }

// WebSocketHandler upgrades requests on the live endpoint and registers them with the registry.
type WebSocketHandler struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	logger       zerolog.Logger
}

// NewWebSocketHandler creates the live-stream handler. A zero pingInterval disables heartbeats.
func NewWebSocketHandler(registry *Registry, pingInterval time.Duration, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: pingInterval,
		logger:       logger.With().Str("component", "WebSocketHandler").Logger(),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed.")
		return
	}

	sub := NewWSSubscriber(conn)
	h.registry.Register(sub)
	log := h.logger.With().Str("subscriber_id", sub.ID()).Str("remote_addr", r.RemoteAddr).Logger()
	log.Info().Int("subscribers", h.registry.Len()).Msg("Subscriber connected.")

	if h.pingInterval > 0 {
		go h.heartbeat(sub)
		pongWait := 2 * h.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	h.readUntilClosed(conn)

	h.registry.Unregister(sub)
	_ = sub.Close()
	log.Info().Int("subscribers", h.registry.Len()).Msg("Subscriber disconnected.")
}

// readUntilClosed discards inbound frames; it returns when the peer goes away.
func (h *WebSocketHandler) readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) heartbeat(sub *WSSubscriber) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.Done():
			return
		case <-ticker.C:
			if err := sub.ping(h.pingInterval); err != nil {
				_ = sub.Close()
				return
			}
		}
	}
}
