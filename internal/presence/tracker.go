// Package presence tracks who is in a contract room. The state is ephemeral and only ever used for
// display: nothing here is persisted or consulted for authorization.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/MarcoPoloResearchLab/pactum/internal/transport"
	"go.uber.org/zap"
)

// DefaultHeartbeat is the republish period for the local session.
const DefaultHeartbeat = 30 * time.Second

var (
	errMissingHandle   = errors.New("presence: transport handle required")
	errMissingIdentity = errors.New("presence: identity user id required")
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#42d4f4",
	"#f032e6", "#469990", "#9a6324", "#800000", "#808000", "#000075",
}

// Cursor is a selection in replica index space.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Session is the awareness state of one peer.
type Session struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// Patch is a partial update of the local session.
type Patch struct {
	Cursor      *Cursor
	ClearCursor bool
	DisplayName string
}

// Config wires a tracker to a room handle.
type Config struct {
	Handle    transport.Handle
	Identity  rooms.Identity
	Heartbeat time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Tracker publishes the local session and aggregates the sessions of other peers.
// Room messages must be fed to HandleMessage.
type Tracker struct {
	handle    transport.Handle
	heartbeat time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	self      Session
	peers     map[string]Session
	listeners []func([]Session)
	stop      context.CancelFunc
	stopped   chan struct{}
}

// NewTracker validates the configuration. The tracker is idle until Start.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Handle == nil {
		return nil, errMissingHandle
	}
	if cfg.Identity.UserID == "" {
		return nil, errMissingIdentity
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	displayName := cfg.Identity.DisplayName
	if displayName == "" {
		displayName = cfg.Identity.UserID
	}
	return &Tracker{
		handle:    cfg.Handle,
		heartbeat: heartbeat,
		clock:     clock,
		logger:    logger.With(zap.String("user_id", cfg.Identity.UserID)),
		self: Session{
			UserID:      cfg.Identity.UserID,
			DisplayName: displayName,
			Color:       ColorFor(cfg.Identity.UserID),
		},
		peers: make(map[string]Session),
	}, nil
}

// ColorFor maps a user id onto the palette with FNV-1a so every peer picks the same color.
func ColorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return palette[hasher.Sum32()%uint32(len(palette))]
}

// IsStale reports whether a session missed more than multiple heartbeat periods.
func IsStale(session Session, now time.Time, period time.Duration, multiple int) bool {
	if session.LastSeen.IsZero() {
		return true
	}
	if multiple < 1 {
		multiple = 1
	}
	return now.Sub(session.LastSeen) > period*time.Duration(multiple)
}

// Start publishes the local session and begins the heartbeat. It stops with ctx or Stop.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	heartbeatCtx, cancel := context.WithCancel(ctx)
	t.stop = cancel
	t.stopped = make(chan struct{})
	stopped := t.stopped
	t.mu.Unlock()

	t.Publish()
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				t.Publish()
			}
		}
	}()
}

// Stop ends the heartbeat and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, stopped := t.stop, t.stopped
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Track merges a patch into the local session and republishes it.
func (t *Tracker) Track(patch Patch) error {
	t.mu.Lock()
	if patch.ClearCursor {
		t.self.Cursor = nil
	} else if patch.Cursor != nil {
		cursor := *patch.Cursor
		t.self.Cursor = &cursor
	}
	if patch.DisplayName != "" {
		t.self.DisplayName = patch.DisplayName
	}
	t.mu.Unlock()
	return t.publish()
}

// Publish refreshes last_seen and republishes the local session. Send failures are logged.
func (t *Tracker) Publish() {
	if err := t.publish(); err != nil {
		t.logger.Debug("presence publish skipped", zap.Error(err))
	}
}

func (t *Tracker) publish() error {
	t.mu.Lock()
	t.self.LastSeen = t.clock().UTC()
	self := t.self
	t.mu.Unlock()

	message, err := rooms.NewMessage(rooms.TypeTrack, "", self)
	if err != nil {
		return err
	}
	return t.handle.Send(message)
}

// Self returns the local session.
func (t *Tracker) Self() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Peers returns the active sessions keyed by user id, excluding the local user. When a user is
// connected more than once the most recently seen session wins.
func (t *Tracker) Peers() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peersLocked()
}

// OnSync registers a listener invoked with the peer set after every change.
func (t *Tracker) OnSync(listener func([]Session)) {
	if listener == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, listener)
	t.mu.Unlock()
}

// HandleMessage folds an awareness message into the peer set. Other message types are ignored.
func (t *Tracker) HandleMessage(message rooms.Message) {
	var changed bool
	switch message.Type {
	case rooms.TypeSync:
		var payload rooms.SyncPayload
		if err := message.DecodePayload(&payload); err != nil {
			t.logger.Warn("presence sync ignored", zap.Error(err))
			return
		}
		changed = t.replace(payload.Peers)
	case rooms.TypeTrack:
		var session Session
		if err := message.DecodePayload(&session); err != nil || session.UserID == "" {
			t.logger.Warn("presence track ignored", zap.String("from", message.From), zap.Error(err))
			return
		}
		changed = t.upsert(message.From, session)
	case rooms.TypeJoin:
		var payload rooms.JoinPayload
		if err := message.DecodePayload(&payload); err != nil || payload.Identity.UserID == "" {
			t.logger.Warn("presence join ignored", zap.String("from", message.From), zap.Error(err))
			return
		}
		changed = t.upsert(payload.PeerID, t.placeholder(payload.Identity))
	case rooms.TypeLeave:
		var payload rooms.JoinPayload
		if err := message.DecodePayload(&payload); err != nil {
			t.logger.Warn("presence leave ignored", zap.String("from", message.From), zap.Error(err))
			return
		}
		changed = t.remove(payload.PeerID)
	default:
		return
	}
	if changed {
		t.notify()
	}
}

// Reset drops every known peer, used when the room connection is lost.
func (t *Tracker) Reset() {
	t.mu.Lock()
	empty := len(t.peers) == 0
	t.peers = make(map[string]Session)
	t.mu.Unlock()
	if !empty {
		t.notify()
	}
}

func (t *Tracker) replace(states []rooms.PeerState) bool {
	next := make(map[string]Session, len(states))
	for _, state := range states {
		if state.PeerID == "" || state.Identity.UserID == "" {
			continue
		}
		session := t.placeholder(state.Identity)
		if len(state.State) > 0 {
			var tracked Session
			if err := json.Unmarshal(state.State, &tracked); err == nil && tracked.UserID == state.Identity.UserID {
				session = tracked
			} else {
				t.logger.Warn("presence state ignored", zap.String("peer_id", state.PeerID))
			}
		}
		next[state.PeerID] = session
	}
	t.mu.Lock()
	t.peers = next
	t.mu.Unlock()
	return true
}

func (t *Tracker) upsert(peerID string, session Session) bool {
	if peerID == "" {
		return false
	}
	if session.Color == "" {
		session.Color = ColorFor(session.UserID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	current, exists := t.peers[peerID]
	if exists && current == session {
		return false
	}
	t.peers[peerID] = session
	return true
}

func (t *Tracker) remove(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peerID]; !ok {
		return false
	}
	delete(t.peers, peerID)
	return true
}

func (t *Tracker) placeholder(identity rooms.Identity) Session {
	displayName := identity.DisplayName
	if displayName == "" {
		displayName = identity.UserID
	}
	return Session{
		UserID:      identity.UserID,
		DisplayName: displayName,
		Color:       ColorFor(identity.UserID),
		LastSeen:    t.clock().UTC(),
	}
}

func (t *Tracker) peersLocked() []Session {
	byUser := make(map[string]Session, len(t.peers))
	for _, session := range t.peers {
		if session.UserID == t.self.UserID {
			continue
		}
		if existing, ok := byUser[session.UserID]; ok && !session.LastSeen.After(existing.LastSeen) {
			continue
		}
		byUser[session.UserID] = session
	}
	sessions := make([]Session, 0, len(byUser))
	for _, session := range byUser {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UserID < sessions[j].UserID })
	return sessions
}

func (t *Tracker) notify() {
	t.mu.Lock()
	sessions := t.peersLocked()
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()
	for _, listener := range listeners {
		listener(sessions)
	}
}
