package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
)

// LocalTransport joins rooms on an in-process hub.
type LocalTransport struct {
	hub *rooms.Hub
}

// NewLocalTransport wraps a hub.
func NewLocalTransport(hub *rooms.Hub) *LocalTransport {
	return &LocalTransport{hub: hub}
}

// Join attaches a peer to the hub room.
func (t *LocalTransport) Join(ctx context.Context, roomID string, identity rooms.Identity) (Handle, error) {
	if t == nil || t.hub == nil {
		return nil, ErrTransportUnavailable
	}
	peer, err := t.hub.Join(ctx, roomID, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	handle := &localHandle{handleCore: newHandleCore(StateConnected), peer: peer}
	go handle.pump()
	return handle, nil
}

type localHandle struct {
	*handleCore
	peer      *rooms.Peer
	leaveOnce sync.Once
}

func (h *localHandle) pump() {
	for message := range h.peer.Messages() {
		h.dispatch(message)
	}
	h.setState(StateDisconnected)
}

func (h *localHandle) Send(message rooms.Message) error {
	if h.State() != StateConnected {
		return ErrTransportUnavailable
	}
	if message.Room == "" {
		message.Room = h.peer.Room()
	}
	if !h.peer.Send(message) {
		h.setState(StateDisconnected)
		return ErrTransportUnavailable
	}
	return nil
}

func (h *localHandle) Leave() {
	h.leaveOnce.Do(func() {
		h.setState(StateDisconnected)
		h.peer.Leave()
	})
}
