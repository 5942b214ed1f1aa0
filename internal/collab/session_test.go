package collab

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/collab/offline"
	"github.com/MarcoPoloResearchLab/pactum/internal/replica"
	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/MarcoPoloResearchLab/pactum/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

type fakeSnapshots struct {
	mu     sync.Mutex
	drafts []SnapshotDraft
	err    error
}

func (f *fakeSnapshots) CreateSnapshot(_ context.Context, draft SnapshotDraft) (SavedSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return SavedSnapshot{}, f.err
	}
	f.drafts = append(f.drafts, draft)
	number := int64(len(f.drafts))
	return SavedSnapshot{VersionID: "v-" + draft.ContractID, VersionNumber: number, CreatedAt: time.Now()}, nil
}

func (f *fakeSnapshots) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSnapshots) saved() []SnapshotDraft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SnapshotDraft(nil), f.drafts...)
}

type sessionFixture struct {
	hub       *rooms.Hub
	transport *transport.LocalTransport
	snapshots *fakeSnapshots
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	hub := rooms.NewHub(rooms.HubConfig{})
	t.Cleanup(hub.Close)
	return &sessionFixture{hub: hub, transport: transport.NewLocalTransport(hub), snapshots: &fakeSnapshots{}}
}

func (f *sessionFixture) open(t *testing.T, contractID, userID string, store *offline.Store) *Session {
	t.Helper()
	session, err := Open(context.Background(), SessionConfig{
		ContractID:     contractID,
		Identity:       rooms.Identity{UserID: userID, DisplayName: strings.ToUpper(userID)},
		ClientID:       userID + "-client",
		Transport:      f.transport,
		Snapshots:      f.snapshots,
		Offline:        store,
		AutoSaveIdle:   time.Hour,
		Heartbeat:      time.Hour,
		AllowShortIdle: true,
	})
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return session
}

func converged(left, right *Session, expected string) func() bool {
	return func() bool {
		return left.Text() == expected && right.Text() == expected
	}
}

func TestSessionsConvergeThroughRoom(t *testing.T) {
	fixture := newSessionFixture(t)
	alice := fixture.open(t, "c-1", "alice", nil)
	bob := fixture.open(t, "c-1", "bob", nil)

	changes := make(chan string, 16)
	bob.OnChange(func(text string) { changes <- text })

	alice.Insert(0, "Payment due in 30 days")
	require.Eventually(t, converged(alice, bob, "Payment due in 30 days"), eventually, 5*time.Millisecond)
	bob.Delete(12, 2)
	bob.Insert(12, "within")
	require.Eventually(t, converged(alice, bob, "Payment due within 30 days"), eventually, 5*time.Millisecond)

	select {
	case text := <-changes:
		assert.Equal(t, "Payment due in 30 days", text)
	case <-time.After(eventually):
		require.FailNow(t, "no change notification")
	}

	require.Eventually(t, func() bool {
		peers := alice.Presence().Peers()
		return len(peers) == 1 && peers[0].UserID == "bob"
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, transport.StateConnected, alice.State())
}

func TestSessionOfflineEditsMergeOnReconnect(t *testing.T) {
	fixture := newSessionFixture(t)
	alice := fixture.open(t, "c-2", "alice", nil)
	bob := fixture.open(t, "c-2", "bob", nil)

	bob.Disconnect()
	require.Eventually(t, func() bool { return bob.State() == transport.StateDisconnected }, eventually, 5*time.Millisecond)

	alice.Insert(0, "Alpha")
	bob.Insert(0, "Beta")
	assert.Equal(t, "Beta", bob.Text())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "Alpha", alice.Text())

	require.NoError(t, bob.Reconnect(context.Background()))
	require.Eventually(t, func() bool {
		return alice.Text() == bob.Text() && len([]rune(alice.Text())) == len("AlphaBeta")
	}, eventually, 5*time.Millisecond)

	text := alice.Text()
	assert.True(t, text == "AlphaBeta" || text == "BetaAlpha", text)
	assert.Equal(t, alice.ReplicaState(), bob.ReplicaState())
}

func TestSessionSaveNowCreatesSnapshot(t *testing.T) {
	fixture := newSessionFixture(t)
	alice := fixture.open(t, "c-3", "alice", nil)

	alice.Insert(0, "Governing law: Delaware")
	assert.True(t, alice.Dirty())
	require.NoError(t, alice.SaveNow(context.Background()))
	assert.False(t, alice.Dirty())

	drafts := fixture.snapshots.saved()
	require.Len(t, drafts, 1)
	assert.Equal(t, "c-3", drafts[0].ContractID)
	assert.Equal(t, "Governing law: Delaware", drafts[0].ContentText)
	assert.JSONEq(t, `{"format":"plain","text":"Governing law: Delaware"}`, string(drafts[0].ContentStructured))
	text, err := replica.TextFromState(drafts[0].ReplicaState)
	require.NoError(t, err)
	assert.Equal(t, "Governing law: Delaware", text)

	saved, ok := alice.LastSaved()
	require.True(t, ok)
	assert.Equal(t, int64(1), saved.VersionNumber)
}

func TestSessionManualSaveFailureIsRetryable(t *testing.T) {
	fixture := newSessionFixture(t)
	alice := fixture.open(t, "c-4", "alice", nil)
	fixture.snapshots.fail(errors.New("503 service unavailable"))

	alice.Insert(0, "Draft")
	err := alice.SaveNow(context.Background())
	assert.ErrorIs(t, err, ErrSaveFailed)
	assert.True(t, alice.Dirty())
	_, ok := alice.LastSaved()
	assert.False(t, ok)

	fixture.snapshots.fail(nil)
	require.NoError(t, alice.SaveNow(context.Background()))
	assert.False(t, alice.Dirty())
}

func TestSessionAutoSavesAfterIdle(t *testing.T) {
	fixture := newSessionFixture(t)
	session, err := Open(context.Background(), SessionConfig{
		ContractID:     "c-5",
		Identity:       rooms.Identity{UserID: "alice"},
		Transport:      fixture.transport,
		Snapshots:      fixture.snapshots,
		AutoSaveIdle:   testIdle,
		AllowShortIdle: true,
	})
	require.NoError(t, err)
	defer session.Close()

	session.Insert(0, "Term: 12 months")
	require.Eventually(t, func() bool { return len(fixture.snapshots.saved()) == 1 }, eventually, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !session.Dirty() }, eventually, 5*time.Millisecond)
}

func TestSessionRestoresOfflineReplica(t *testing.T) {
	fixture := newSessionFixture(t)
	store, err := offline.Open(filepath.Join(t.TempDir(), "replicas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first, err := Open(context.Background(), SessionConfig{
		ContractID: "c-6",
		Identity:   rooms.Identity{UserID: "alice"},
		Transport:  fixture.transport,
		Snapshots:  fixture.snapshots,
		Offline:    store,
	})
	require.NoError(t, err)
	first.Insert(0, "Unsaved clause")
	first.Close()

	record, err := store.Load("c-6")
	require.NoError(t, err)
	assert.True(t, record.Dirty)

	restored := fixture.open(t, "c-6", "alice", store)
	assert.Equal(t, "Unsaved clause", restored.Text())
	assert.True(t, restored.Dirty())

	require.NoError(t, restored.SaveNow(context.Background()))
	record, err = store.Load("c-6")
	require.NoError(t, err)
	assert.False(t, record.Dirty)
}

func TestOpenValidatesConfig(t *testing.T) {
	fixture := newSessionFixture(t)
	_, err := Open(context.Background(), SessionConfig{Transport: fixture.transport, Snapshots: fixture.snapshots})
	assert.Error(t, err)
	_, err = Open(context.Background(), SessionConfig{ContractID: "c", Snapshots: fixture.snapshots})
	assert.Error(t, err)
	_, err = Open(context.Background(), SessionConfig{ContractID: "c", Transport: fixture.transport})
	assert.Error(t, err)
	_, err = Open(context.Background(), SessionConfig{
		ContractID: "c",
		Identity:   rooms.Identity{UserID: "alice"},
		ClientID:   strings.Repeat("a", replica.MaxClientIDLength+1),
		Transport:  fixture.transport,
		Snapshots:  fixture.snapshots,
	})
	assert.ErrorIs(t, err, errClientIDTooLong)

	fixture.hub.Close()
	_, err = Open(context.Background(), SessionConfig{
		ContractID: "c",
		Identity:   rooms.Identity{UserID: "alice"},
		Transport:  fixture.transport,
		Snapshots:  fixture.snapshots,
	})
	assert.ErrorIs(t, err, transport.ErrTransportUnavailable)
}
