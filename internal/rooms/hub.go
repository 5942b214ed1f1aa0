package rooms

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPeerBuffer      = 64
	defaultMailboxSize     = 256
	defaultCheckpointEvery = 200
	defaultStoreTimeout    = 5 * time.Second
)

// ErrMissingIdentity indicates a join without a user id.
var ErrMissingIdentity = errors.New("rooms: identity user id is required")

// StoredLog is the persisted replica history of a room.
type StoredLog struct {
	Checkpoint   []byte
	Updates      [][]byte
	LastUpdateID int64
}

// UpdateStore persists relayed update fragments so a room can be rebuilt after every peer left.
type UpdateStore interface {
	LoadRoom(ctx context.Context, contractID string) (StoredLog, error)
	AppendUpdate(ctx context.Context, contractID string, fragment []byte) (int64, error)
	Checkpoint(ctx context.Context, contractID string, state []byte, throughUpdateID int64) error
}

// HubConfig configures the relay.
type HubConfig struct {
	Store           UpdateStore
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	PeerBuffer      int
	CheckpointEvery int
	StoreTimeout    time.Duration
}

// Hub owns every active room. Each room runs as a single goroutine that serializes its state.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	store           UpdateStore
	logger          *zap.Logger
	metrics         *metrics.Metrics
	peerBuffer      int
	checkpointEvery int
	storeTimeout    time.Duration
}

// RoomInfo is a point-in-time view of a room, mainly for diagnostics.
type RoomInfo struct {
	Name  string
	Peers []PeerState
	Text  string
}

// NewHub constructs a relay hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	peerBuffer := cfg.PeerBuffer
	if peerBuffer <= 0 {
		peerBuffer = defaultPeerBuffer
	}
	checkpointEvery := cfg.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = defaultCheckpointEvery
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &Hub{
		rooms:           make(map[string]*room),
		store:           cfg.Store,
		logger:          logger,
		metrics:         cfg.Metrics,
		peerBuffer:      peerBuffer,
		checkpointEvery: checkpointEvery,
		storeTimeout:    storeTimeout,
	}
}

// Join attaches a new peer to the named room, creating the room on first use. It returns once the
// peer is registered, so the first messages on Messages are the join handshake.
func (h *Hub) Join(ctx context.Context, roomName string, identity Identity) (*Peer, error) {
	contractID, err := ParseRoomName(roomName)
	if err != nil {
		return nil, err
	}
	if identity.UserID == "" {
		return nil, ErrMissingIdentity
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	activeRoom := h.rooms[roomName]
	if activeRoom == nil {
		activeRoom = newRoom(h, roomName, contractID)
		h.rooms[roomName] = activeRoom
		h.metrics.RoomOpened()
		go activeRoom.run()
	}
	activeRoom.joining++
	h.mu.Unlock()

	peer := &Peer{
		id:       uuid.NewString(),
		identity: identity,
		room:     activeRoom,
		outbound: make(chan Message, h.peerBuffer),
	}
	added := make(chan struct{})
	if !activeRoom.enqueue(func() {
		activeRoom.addPeer(peer)
		close(added)
	}) {
		return nil, ErrHubClosed
	}
	select {
	case <-added:
		return peer, nil
	case <-activeRoom.stopped:
		return nil, ErrHubClosed
	case <-ctx.Done():
		peer.Leave()
		return nil, ctx.Err()
	}
}

// Inspect returns the current state of a room if it is active.
func (h *Hub) Inspect(ctx context.Context, roomName string) (RoomInfo, bool) {
	h.mu.Lock()
	activeRoom := h.rooms[roomName]
	h.mu.Unlock()
	if activeRoom == nil {
		return RoomInfo{}, false
	}

	result := make(chan RoomInfo, 1)
	if !activeRoom.enqueue(func() {
		result <- RoomInfo{Name: activeRoom.name, Peers: activeRoom.peerStates(), Text: activeRoom.document.Text()}
	}) {
		return RoomInfo{}, false
	}
	select {
	case info := <-result:
		return info, true
	case <-activeRoom.stopped:
		return RoomInfo{}, false
	case <-ctx.Done():
		return RoomInfo{}, false
	}
}

// RoomCount returns the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close stops every room and disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	active := make([]*room, 0, len(h.rooms))
	for name, activeRoom := range h.rooms {
		active = append(active, activeRoom)
		delete(h.rooms, name)
	}
	h.mu.Unlock()

	for _, activeRoom := range active {
		activeRoom.stop()
		<-activeRoom.stopped
		h.metrics.RoomClosed()
	}
}

func (h *Hub) joinCompleted(activeRoom *room) {
	h.mu.Lock()
	activeRoom.joining--
	h.mu.Unlock()
}

// removeIfIdle retires a room with no peers and no join in flight.
func (h *Hub) removeIfIdle(activeRoom *room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if activeRoom.joining > 0 || h.rooms[activeRoom.name] != activeRoom {
		return false
	}
	delete(h.rooms, activeRoom.name)
	activeRoom.stop()
	h.metrics.RoomClosed()
	return true
}

// Peer is one connection's membership in a room.
type Peer struct {
	id        string
	identity  Identity
	room      *room
	outbound  chan Message
	leaveOnce sync.Once
}

// ID returns the session-unique peer identifier.
func (p *Peer) ID() string {
	return p.id
}

// Identity returns the identity the peer joined with.
func (p *Peer) Identity() Identity {
	return p.identity
}

// Room returns the room name.
func (p *Peer) Room() string {
	return p.room.name
}

// Messages streams messages addressed to this peer; it is closed once the peer is removed.
func (p *Peer) Messages() <-chan Message {
	return p.outbound
}

// Send hands an inbound message to the room. It reports false once the room is gone.
func (p *Peer) Send(message Message) bool {
	return p.room.enqueue(func() { p.room.handle(p, message) })
}

// Leave removes the peer from the room. It is safe to call more than once.
func (p *Peer) Leave() {
	p.leaveOnce.Do(func() {
		p.room.enqueue(func() { p.room.removePeer(p) })
	})
}
