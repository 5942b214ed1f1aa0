package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMinBackoff   = 250 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

var (
	errMissingBaseURL      = errors.New("transport: base url required")
	errMissingTicketSource = errors.New("transport: ticket source required")
)

// TicketSource obtains a short-lived relay ticket for a room. It is called before every dial.
type TicketSource func(ctx context.Context, roomID string) (string, error)

// WebSocketConfig configures the relay client.
type WebSocketConfig struct {
	// BaseURL is the ws:// or wss:// origin of the API.
	BaseURL      string
	Tickets      TicketSource
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
}

// WebSocketTransport joins rooms through the server relay and reconnects with exponential backoff.
type WebSocketTransport struct {
	baseURL      string
	tickets      TicketSource
	dialer       *websocket.Dialer
	logger       *zap.Logger
	minBackoff   time.Duration
	maxBackoff   time.Duration
	writeTimeout time.Duration
}

// NewWebSocketTransport validates the configuration.
func NewWebSocketTransport(cfg WebSocketConfig) (*WebSocketTransport, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tickets == nil {
		return nil, errMissingTicketSource
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = defaultMaxBackoff
		if maxBackoff < minBackoff {
			maxBackoff = minBackoff
		}
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WebSocketTransport{
		baseURL:      baseURL,
		tickets:      cfg.Tickets,
		dialer:       dialer,
		logger:       logger,
		minBackoff:   minBackoff,
		maxBackoff:   maxBackoff,
		writeTimeout: writeTimeout,
	}, nil
}

// Join dials the relay. The identity is established server-side from the ticket.
func (t *WebSocketTransport) Join(ctx context.Context, roomID string, identity rooms.Identity) (Handle, error) {
	if _, err := rooms.ParseRoomName(roomID); err != nil {
		return nil, err
	}
	conn, err := t.dial(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	handle := &socketHandle{
		handleCore: newHandleCore(StateDisconnected),
		transport:  t,
		room:       roomID,
		logger:     t.logger.With(zap.String("room", roomID), zap.String("user_id", identity.UserID)),
		lifetime:   lifetime,
		cancel:     cancel,
		finished:   make(chan struct{}),
	}
	if !handle.attach(conn) {
		return nil, ErrTransportUnavailable
	}
	go handle.run(conn)
	return handle, nil
}

func (t *WebSocketTransport) dial(ctx context.Context, roomID string) (*websocket.Conn, error) {
	ticket, err := t.tickets(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room ticket: %w", err)
	}
	endpoint := t.baseURL + "/rooms/" + url.PathEscape(roomID) + "/ws?ticket=" + url.QueryEscape(ticket)
	conn, response, err := t.dialer.DialContext(ctx, endpoint, nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type socketHandle struct {
	*handleCore
	transport *WebSocketTransport
	room      string
	logger    *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	lifetime  context.Context
	cancel    context.CancelFunc
	finished  chan struct{}
	leaveOnce sync.Once
}

func (h *socketHandle) run(conn *websocket.Conn) {
	defer close(h.finished)
	for {
		h.read(conn)
		h.detach(conn)

		next, ok := h.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

func (h *socketHandle) read(conn *websocket.Conn) {
	for {
		var message rooms.Message
		if err := conn.ReadJSON(&message); err != nil {
			if h.lifetime.Err() == nil {
				h.logger.Debug("relay connection lost", zap.Error(err))
			}
			return
		}
		h.dispatch(message)
	}
}

func (h *socketHandle) reconnect() (*websocket.Conn, bool) {
	backoff := h.transport.minBackoff
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-h.lifetime.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := h.transport.dial(h.lifetime, h.room)
		if err == nil {
			if !h.attach(conn) {
				return nil, false
			}
			h.logger.Info("relay connection restored")
			return conn, true
		}
		if h.lifetime.Err() != nil {
			return nil, false
		}
		h.logger.Warn("relay reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))
		backoff *= 2
		if backoff > h.transport.maxBackoff {
			backoff = h.transport.maxBackoff
		}
	}
}

func (h *socketHandle) attach(conn *websocket.Conn) bool {
	h.connMu.Lock()
	if h.lifetime.Err() != nil {
		h.connMu.Unlock()
		_ = conn.Close()
		return false
	}
	h.conn = conn
	h.connMu.Unlock()
	h.setState(StateConnected)
	return true
}

func (h *socketHandle) detach(conn *websocket.Conn) {
	h.connMu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.connMu.Unlock()
	_ = conn.Close()
	h.setState(StateDisconnected)
}

func (h *socketHandle) Send(message rooms.Message) error {
	if message.Room == "" {
		message.Room = h.room
	}
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == nil {
		return ErrTransportUnavailable
	}
	_ = h.conn.SetWriteDeadline(time.Now().Add(h.transport.writeTimeout))
	if err := h.conn.WriteJSON(message); err != nil {
		_ = h.conn.Close()
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (h *socketHandle) Leave() {
	h.leaveOnce.Do(func() {
		_ = h.Send(rooms.Message{Type: rooms.TypeLeave})
		h.cancel()
		h.connMu.Lock()
		if h.conn != nil {
			_ = h.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = h.conn.Close()
		}
		h.connMu.Unlock()
		h.setState(StateDisconnected)
	})
}
