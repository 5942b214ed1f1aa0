// Package transport gives clients a handle on a contract room. Delivery is best effort: a handle may
// lose messages while disconnected and callers recover by exchanging state vectors after reconnecting.
package transport

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
)

const maxBacklog = 256

// ErrTransportUnavailable indicates the room channel is down; the caller may retry later.
var ErrTransportUnavailable = errors.New("transport: unavailable")

// ConnectionState is the observable link state of a handle.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// RoomTransport joins contract rooms.
type RoomTransport interface {
	Join(ctx context.Context, roomID string, identity rooms.Identity) (Handle, error)
}

// Handle is one membership in a room.
type Handle interface {
	// Send publishes a message to the room. It returns ErrTransportUnavailable while disconnected.
	Send(message rooms.Message) error
	// OnMessage registers a listener. Messages received before the first listener are replayed to it.
	OnMessage(listener func(rooms.Message))
	// OnStateChange registers a connection state listener.
	OnStateChange(listener func(ConnectionState))
	State() ConnectionState
	// Leave disconnects from the room. It is safe to call more than once.
	Leave()
}

// handleCore implements the listener bookkeeping shared by every handle.
type handleCore struct {
	mu            sync.Mutex
	state         ConnectionState
	listeners     []func(rooms.Message)
	stateWatchers []func(ConnectionState)
	backlog       []rooms.Message

	// dispatching serializes listener calls so each listener observes messages in arrival order.
	dispatching sync.Mutex
}

func newHandleCore(initial ConnectionState) *handleCore {
	return &handleCore{state: initial}
}

func (c *handleCore) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *handleCore) OnMessage(listener func(rooms.Message)) {
	if listener == nil {
		return
	}
	c.dispatching.Lock()
	defer c.dispatching.Unlock()

	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	pending := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	for _, message := range pending {
		listener(message)
	}
}

func (c *handleCore) OnStateChange(listener func(ConnectionState)) {
	if listener == nil {
		return
	}
	c.mu.Lock()
	c.stateWatchers = append(c.stateWatchers, listener)
	c.mu.Unlock()
}

func (c *handleCore) dispatch(message rooms.Message) {
	c.dispatching.Lock()
	defer c.dispatching.Unlock()

	c.mu.Lock()
	if len(c.listeners) == 0 {
		if len(c.backlog) < maxBacklog {
			c.backlog = append(c.backlog, message)
		}
		c.mu.Unlock()
		return
	}
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(message)
	}
}

func (c *handleCore) setState(state ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	watchers := slices.Clone(c.stateWatchers)
	c.mu.Unlock()

	for _, watcher := range watchers {
		watcher(state)
	}
}
