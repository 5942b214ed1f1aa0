// Package collab runs a client editing session: a local replica kept in step with the contract room,
// presence for the people in it, and snapshots saved on idle or on demand.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/collab/offline"
	"github.com/MarcoPoloResearchLab/pactum/internal/presence"
	"github.com/MarcoPoloResearchLab/pactum/internal/replica"
	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
	"github.com/MarcoPoloResearchLab/pactum/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingContractID = errors.New("collab: contract id required")
	errMissingTransport  = errors.New("collab: transport required")
	errMissingSnapshots  = errors.New("collab: snapshot client required")
	errSessionClosed     = errors.New("collab: session closed")
	errClientIDTooLong   = errors.New("collab: client id too long")
)

// SnapshotDraft is the content submitted for a new version.
type SnapshotDraft struct {
	ContractID        string
	ContentStructured json.RawMessage
	ContentText       string
	ReplicaState      []byte
}

// SavedSnapshot identifies the version a save produced.
type SavedSnapshot struct {
	VersionID     string
	VersionNumber int64
	CreatedAt     time.Time
}

// SnapshotClient creates versions on the server.
type SnapshotClient interface {
	CreateSnapshot(ctx context.Context, draft SnapshotDraft) (SavedSnapshot, error)
}

// SessionConfig wires a session.
type SessionConfig struct {
	ContractID string
	Identity   rooms.Identity
	// ClientID identifies this replica in the merge order. A random id is used when empty.
	ClientID     string
	Transport    transport.RoomTransport
	Snapshots    SnapshotClient
	Offline      *offline.Store
	AutoSaveIdle time.Duration
	Heartbeat    time.Duration
	Logger       *zap.Logger
	// AllowShortIdle lets tests use idle periods below the 10s floor.
	AllowShortIdle bool
}

// Session is one client's live view of a contract document.
type Session struct {
	contractID string
	room       string
	identity   rooms.Identity
	transport  transport.RoomTransport
	snapshots  SnapshotClient
	offline    *offline.Store
	heartbeat  time.Duration
	logger     *zap.Logger
	saver      *AutoSaver

	docMu    sync.Mutex
	document *replica.Document

	mu        sync.Mutex
	handle    transport.Handle
	tracker   *presence.Tracker
	lastSaved *SavedSnapshot
	listeners []func(string)
	closed    bool
}

// Open restores the offline replica if one exists and joins the contract room.
func Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.ContractID == "" {
		return nil, errMissingContractID
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("contract_id", cfg.ContractID), zap.String("user_id", cfg.Identity.UserID))
	clientID := strings.TrimSpace(cfg.ClientID)
	if len(clientID) > replica.MaxClientIDLength {
		return nil, errClientIDTooLong
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	session := &Session{
		contractID: cfg.ContractID,
		room:       rooms.RoomName(cfg.ContractID),
		identity:   cfg.Identity,
		transport:  cfg.Transport,
		snapshots:  cfg.Snapshots,
		offline:    cfg.Offline,
		heartbeat:  cfg.Heartbeat,
		logger:     logger,
	}
	session.document = session.restore(clientID)

	saver, err := NewAutoSaver(AutoSaverConfig{
		Key:            cfg.ContractID,
		Idle:           cfg.AutoSaveIdle,
		Save:           session.save,
		Saved:          session.persistOffline,
		Logger:         logger,
		AllowShortIdle: cfg.AllowShortIdle,
	})
	if err != nil {
		return nil, err
	}
	session.saver = saver
	if session.restoredDirty() {
		saver.MarkDirty()
	}

	if err := session.connect(ctx); err != nil {
		saver.Close()
		return nil, err
	}
	return session, nil
}

func (s *Session) restore(clientID string) *replica.Document {
	if s.offline != nil {
		record, err := s.offline.Load(s.contractID)
		switch {
		case err == nil:
			document, restoreErr := replica.Deserialize(record.State, clientID, replica.WithLogger(s.logger))
			if restoreErr == nil {
				return document
			}
			s.logger.Warn("offline replica unreadable", zap.Error(restoreErr))
		case !errors.Is(err, offline.ErrNotFound):
			s.logger.Warn("offline replica load failed", zap.Error(err))
		}
	}
	return replica.NewDocument(clientID, replica.WithLogger(s.logger))
}

func (s *Session) restoredDirty() bool {
	if s.offline == nil {
		return false
	}
	record, err := s.offline.Load(s.contractID)
	return err == nil && record.Dirty
}

func (s *Session) connect(ctx context.Context) error {
	handle, err := s.transport.Join(ctx, s.room, s.identity)
	if err != nil {
		return err
	}
	tracker, err := presence.NewTracker(presence.Config{
		Handle:    handle,
		Identity:  s.identity,
		Heartbeat: s.heartbeat,
		Logger:    s.logger,
	})
	if err != nil {
		handle.Leave()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handle.Leave()
		return errSessionClosed
	}
	previous := s.tracker
	s.handle = handle
	s.tracker = tracker
	s.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	handle.OnMessage(func(message rooms.Message) { s.handleMessage(tracker, message) })
	handle.OnStateChange(func(state transport.ConnectionState) { s.handleState(handle, tracker, state) })
	tracker.Start(context.Background())
	s.requestSync(handle)
	return nil
}

// Reconnect leaves the current room handle and joins again, catching up with the room.
func (s *Session) Reconnect(ctx context.Context) error {
	s.Disconnect()
	return s.connect(ctx)
}

// Disconnect leaves the room but keeps editing locally.
func (s *Session) Disconnect() {
	s.mu.Lock()
	handle, tracker := s.handle, s.tracker
	s.mu.Unlock()
	if tracker != nil {
		tracker.Stop()
		tracker.Reset()
	}
	if handle != nil {
		handle.Leave()
	}
}

// State reports the room connection state.
func (s *Session) State() transport.ConnectionState {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return transport.StateDisconnected
	}
	return handle.State()
}

// Presence returns the tracker of the current room connection.
func (s *Session) Presence() *presence.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// OnChange registers a listener called with the document text after remote changes.
func (s *Session) OnChange(listener func(string)) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// Insert types text at a code point index.
func (s *Session) Insert(index int, text string) {
	s.Edit(replica.Insert(index, text))
}

// Delete removes length code points starting at index.
func (s *Session) Delete(index, length int) {
	s.Edit(replica.Delete(index, length))
}

// Edit applies a local edit and broadcasts it. Edits always succeed locally; while disconnected the
// update reaches the room through the state vector exchange after reconnecting.
func (s *Session) Edit(edit replica.Edit) {
	s.docMu.Lock()
	fragment := s.document.ApplyLocalEdit(edit)
	s.docMu.Unlock()
	if len(fragment) == 0 {
		return
	}
	s.saver.MarkDirty()
	s.persistOffline()
	s.publish(rooms.TypeUpdate, "", rooms.UpdatePayload{Fragment: fragment})
}

// Text returns the current document text.
func (s *Session) Text() string {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.document.Text()
}

// ReplicaState returns the serialized replica.
func (s *Session) ReplicaState() []byte {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.document.Serialize()
}

// Dirty reports unsaved changes.
func (s *Session) Dirty() bool {
	return s.saver.Dirty()
}

// LastSaved returns the most recent version this session created.
func (s *Session) LastSaved() (SavedSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSaved == nil {
		return SavedSnapshot{}, false
	}
	return *s.lastSaved, true
}

// SaveNow creates a snapshot immediately. A failure keeps the changes marked unsaved.
func (s *Session) SaveNow(ctx context.Context) error {
	return s.saver.SaveNow(ctx)
}

// Close stops timers, leaves the room and flushes the offline replica.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.saver.Close()
	s.Disconnect()
	s.persistOffline()
}

func (s *Session) save(ctx context.Context) error {
	s.docMu.Lock()
	text := s.document.Text()
	state := s.document.Serialize()
	s.docMu.Unlock()

	structured, err := json.Marshal(structuredContent{Format: "plain", Text: text})
	if err != nil {
		return err
	}
	saved, err := s.snapshots.CreateSnapshot(ctx, SnapshotDraft{
		ContractID:        s.contractID,
		ContentStructured: structured,
		ContentText:       text,
		ReplicaState:      state,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSaved = &saved
	s.mu.Unlock()
	s.logger.Info("snapshot saved", zap.Int64("version_number", saved.VersionNumber))
	return nil
}

type structuredContent struct {
	Format string `json:"format"`
	Text   string `json:"text"`
}

func (s *Session) handleMessage(tracker *presence.Tracker, message rooms.Message) {
	switch message.Type {
	case rooms.TypeUpdate, rooms.TypeSyncReply:
		var payload rooms.UpdatePayload
		if err := message.DecodePayload(&payload); err != nil {
			s.logger.Warn("room update ignored", zap.String("from", message.From), zap.Error(err))
			return
		}
		s.applyRemote(payload.Fragment)
	case rooms.TypeSyncRequest:
		s.answerSyncRequest(message)
	default:
		tracker.HandleMessage(message)
	}
}

func (s *Session) handleState(handle transport.Handle, tracker *presence.Tracker, state transport.ConnectionState) {
	s.mu.Lock()
	current := s.handle == handle
	s.mu.Unlock()
	if !current {
		return
	}
	switch state {
	case transport.StateConnected:
		s.requestSync(handle)
		tracker.Publish()
	case transport.StateDisconnected:
		tracker.Reset()
	}
}

func (s *Session) applyRemote(fragment []byte) {
	s.docMu.Lock()
	result := s.document.ApplyRemoteUpdate(fragment)
	text := s.document.Text()
	s.docMu.Unlock()
	if !result.Changed() {
		return
	}
	s.persistOffline()

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(text)
	}
}

func (s *Session) answerSyncRequest(message rooms.Message) {
	var payload rooms.SyncRequestPayload
	if err := message.DecodePayload(&payload); err != nil {
		s.logger.Warn("sync request ignored", zap.String("from", message.From), zap.Error(err))
		return
	}
	vector, err := replica.DecodeStateVector(payload.StateVector)
	if err != nil {
		s.logger.Warn("sync request ignored", zap.String("from", message.From), zap.Error(err))
		return
	}
	s.docMu.Lock()
	diff := s.document.DiffSince(vector)
	s.docMu.Unlock()
	if len(diff) == 0 {
		return
	}
	s.publish(rooms.TypeSyncReply, message.From, rooms.UpdatePayload{Fragment: diff})
}

func (s *Session) requestSync(handle transport.Handle) {
	s.docMu.Lock()
	vector := replica.EncodeStateVector(s.document.StateVector())
	s.docMu.Unlock()
	message, err := rooms.NewMessage(rooms.TypeSyncRequest, s.room, rooms.SyncRequestPayload{StateVector: vector})
	if err != nil {
		return
	}
	if err := handle.Send(message); err != nil {
		s.logger.Debug("sync request not sent", zap.Error(err))
	}
}

func (s *Session) publish(messageType rooms.MessageType, to string, payload any) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return
	}
	message, err := rooms.NewMessage(messageType, s.room, payload)
	if err != nil {
		s.logger.Warn("room message not encoded", zap.String("type", string(messageType)), zap.Error(err))
		return
	}
	message.To = to
	if err := handle.Send(message); err != nil {
		s.logger.Debug("room message not sent", zap.String("type", string(messageType)), zap.Error(err))
	}
}

func (s *Session) persistOffline() {
	if s.offline == nil {
		return
	}
	s.docMu.Lock()
	state := s.document.Serialize()
	s.docMu.Unlock()
	if err := s.offline.Save(s.contractID, state, s.saver.Dirty()); err != nil {
		s.logger.Warn("offline replica save failed", zap.Error(err))
	}
}
