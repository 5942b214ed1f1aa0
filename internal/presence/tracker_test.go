package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/MarcoPoloResearchLab/pactum/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandle struct {
	mu   sync.Mutex
	sent []rooms.Message
	down bool
}

func (h *recordingHandle) Send(message rooms.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return transport.ErrTransportUnavailable
	}
	h.sent = append(h.sent, message)
	return nil
}

func (h *recordingHandle) OnMessage(func(rooms.Message)) {}
func (h *recordingHandle) OnStateChange(func(transport.ConnectionState)) {}
func (h *recordingHandle) State() transport.ConnectionState { return transport.StateConnected }
func (h *recordingHandle) Leave() {}

func (h *recordingHandle) tracked(t *testing.T) []Session {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions := make([]Session, 0, len(h.sent))
	for _, message := range h.sent {
		require.Equal(t, rooms.TypeTrack, message.Type)
		var session Session
		require.NoError(t, message.DecodePayload(&session))
		sessions = append(sessions, session)
	}
	return sessions
}

func (h *recordingHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func trackMessage(t *testing.T, from string, session Session) rooms.Message {
	t.Helper()
	message, err := rooms.NewMessage(rooms.TypeTrack, "contract:c", session)
	require.NoError(t, err)
	message.From = from
	return message
}

func TestColorForIsDeterministic(t *testing.T) {
	assert.Equal(t, ColorFor("alice"), ColorFor("alice"))
	assert.Contains(t, palette, ColorFor("bob"))
	assert.Contains(t, palette, ColorFor(""))
}

func TestIsStale(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fresh := Session{LastSeen: now.Add(-45 * time.Second)}
	old := Session{LastSeen: now.Add(-2 * time.Minute)}

	assert.False(t, IsStale(fresh, now, DefaultHeartbeat, 2))
	assert.True(t, IsStale(old, now, DefaultHeartbeat, 2))
	assert.True(t, IsStale(Session{}, now, DefaultHeartbeat, 2))
	assert.True(t, IsStale(fresh, now, DefaultHeartbeat, 0))
}

func TestTrackerPublishesAndMergesPatches(t *testing.T) {
	handle := &recordingHandle{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker, err := NewTracker(Config{
		Handle:    handle,
		Identity:  rooms.Identity{UserID: "alice", DisplayName: "Alice"},
		Heartbeat: time.Hour,
		Clock:     fixedClock(now),
	})
	require.NoError(t, err)

	tracker.Start(context.Background())
	defer tracker.Stop()
	require.NoError(t, tracker.Track(Patch{Cursor: &Cursor{Anchor: 3, Head: 7}}))
	require.NoError(t, tracker.Track(Patch{DisplayName: "Alice B."}))
	require.NoError(t, tracker.Track(Patch{ClearCursor: true}))

	sessions := handle.tracked(t)
	require.Len(t, sessions, 4)
	assert.Equal(t, Session{UserID: "alice", DisplayName: "Alice", Color: ColorFor("alice"), LastSeen: now}, sessions[0])
	require.NotNil(t, sessions[1].Cursor)
	assert.Equal(t, Cursor{Anchor: 3, Head: 7}, *sessions[1].Cursor)
	assert.Equal(t, "Alice B.", sessions[2].DisplayName)
	assert.NotNil(t, sessions[2].Cursor)
	assert.Nil(t, sessions[3].Cursor)

	handle.mu.Lock()
	handle.down = true
	handle.mu.Unlock()
	assert.ErrorIs(t, tracker.Track(Patch{}), transport.ErrTransportUnavailable)
}

func TestTrackerHeartbeatRefreshesLastSeen(t *testing.T) {
	handle := &recordingHandle{}
	tracker, err := NewTracker(Config{
		Handle:    handle,
		Identity:  rooms.Identity{UserID: "alice"},
		Heartbeat: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tracker.Start(ctx)
	require.Eventually(t, func() bool { return handle.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	tracker.Stop()

	count := handle.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, handle.count())
}

func TestTrackerAggregatesPeers(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker, err := NewTracker(Config{
		Handle:   &recordingHandle{},
		Identity: rooms.Identity{UserID: "alice"},
		Clock:    fixedClock(now),
	})
	require.NoError(t, err)

	var observed [][]Session
	tracker.OnSync(func(sessions []Session) { observed = append(observed, sessions) })

	bobState, err := json.Marshal(Session{UserID: "bob", DisplayName: "Bob", Color: ColorFor("bob"), LastSeen: now.Add(-time.Minute)})
	require.NoError(t, err)
	awareness, err := rooms.NewMessage(rooms.TypeSync, "contract:c", rooms.SyncPayload{Peers: []rooms.PeerState{
		{PeerID: "p-alice", Identity: rooms.Identity{UserID: "alice"}},
		{PeerID: "p-bob-1", Identity: rooms.Identity{UserID: "bob"}, State: bobState},
		{PeerID: "p-carol", Identity: rooms.Identity{UserID: "carol", DisplayName: "Carol"}, State: json.RawMessage(`{"user_id":"mallory"}`)},
	}})
	require.NoError(t, err)
	tracker.HandleMessage(awareness)

	peers := tracker.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "bob", peers[0].UserID)
	assert.Equal(t, "carol", peers[1].UserID)
	assert.Equal(t, "Carol", peers[1].DisplayName)

	tracker.HandleMessage(trackMessage(t, "p-bob-2", Session{UserID: "bob", DisplayName: "Bob (tablet)", LastSeen: now}))
	peers = tracker.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "Bob (tablet)", peers[0].DisplayName)
	assert.Equal(t, ColorFor("bob"), peers[0].Color)

	leave, err := rooms.NewMessage(rooms.TypeLeave, "contract:c", rooms.JoinPayload{PeerID: "p-carol", Identity: rooms.Identity{UserID: "carol"}})
	require.NoError(t, err)
	tracker.HandleMessage(leave)
	peers = tracker.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].UserID)

	tracker.HandleMessage(rooms.Message{Type: rooms.TypeTrack, From: "p-x", Payload: json.RawMessage(`{oops`)})
	tracker.HandleMessage(rooms.Message{Type: rooms.TypeSync, Payload: json.RawMessage(`[]`)})
	tracker.HandleMessage(rooms.Message{Type: rooms.TypeUpdate})
	assert.Len(t, tracker.Peers(), 1)
	assert.Len(t, observed, 3)

	tracker.Reset()
	assert.Empty(t, tracker.Peers())
}

func TestTrackersShareStateThroughRoom(t *testing.T) {
	hub := rooms.NewHub(rooms.HubConfig{})
	defer hub.Close()
	local := transport.NewLocalTransport(hub)
	room := rooms.RoomName("contract-presence")
	ctx := context.Background()

	join := func(identity rooms.Identity) (transport.Handle, *Tracker) {
		handle, err := local.Join(ctx, room, identity)
		require.NoError(t, err)
		tracker, err := NewTracker(Config{Handle: handle, Identity: identity, Heartbeat: time.Hour})
		require.NoError(t, err)
		handle.OnMessage(tracker.HandleMessage)
		tracker.Start(ctx)
		return handle, tracker
	}

	aliceHandle, alice := join(rooms.Identity{UserID: "alice", DisplayName: "Alice"})
	defer alice.Stop()
	bobHandle, bob := join(rooms.Identity{UserID: "bob", DisplayName: "Bob"})
	defer bob.Stop()
	defer aliceHandle.Leave()

	require.NoError(t, bob.Track(Patch{Cursor: &Cursor{Anchor: 1, Head: 1}}))
	require.Eventually(t, func() bool {
		peers := alice.Peers()
		return len(peers) == 1 && peers[0].UserID == "bob" && peers[0].Cursor != nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		peers := bob.Peers()
		return len(peers) == 1 && peers[0].UserID == "alice"
	}, time.Second, 5*time.Millisecond)

	bobHandle.Leave()
	require.Eventually(t, func() bool { return len(alice.Peers()) == 0 }, time.Second, 5*time.Millisecond)
}
