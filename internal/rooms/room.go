package rooms

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MarcoPoloResearchLab/pactum/internal/replica"
	"go.uber.org/zap"
)

const (
	dropReasonBufferFull  = "buffer_full"
	dropReasonMalformed   = "malformed"
	dropReasonUnsupported = "unsupported"
	writeKindUpdate       = "update"
	writeKindCheckpoint   = "checkpoint"
)

type room struct {
	hub        *Hub
	name       string
	contractID string

	mailbox  chan func()
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// joining is guarded by hub.mu; every other field is owned by the run goroutine.
	joining int

	peers           map[string]*Peer
	order           []string
	awareness       map[string]json.RawMessage
	document        *replica.Document
	lastUpdateID    int64
	sinceCheckpoint int
	logger          *zap.Logger
}

func newRoom(hub *Hub, name, contractID string) *room {
	return &room{
		hub:        hub,
		name:       name,
		contractID: contractID,
		mailbox:    make(chan func(), defaultMailboxSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		peers:      make(map[string]*Peer),
		awareness:  make(map[string]json.RawMessage),
		logger:     hub.logger.With(zap.String("room", name)),
	}
}

func (r *room) enqueue(command func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.mailbox <- command:
		return true
	case <-r.done:
		return false
	}
}

func (r *room) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *room) run() {
	defer close(r.stopped)
	r.load()
	for {
		select {
		case command := <-r.mailbox:
			command()
		case <-r.done:
			r.shutdown()
			return
		}
	}
}

func (r *room) load() {
	r.document = replica.NewDocument(ServerPeerID, replica.WithLogger(r.logger))
	if r.hub.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.hub.storeTimeout)
	defer cancel()
	stored, err := r.hub.store.LoadRoom(ctx, r.contractID)
	if err != nil {
		r.logger.Warn("room replica load failed", zap.Error(err))
		return
	}
	if len(stored.Checkpoint) > 0 {
		restored, restoreErr := replica.Deserialize(stored.Checkpoint, ServerPeerID, replica.WithLogger(r.logger))
		if restoreErr != nil {
			r.logger.Warn("room checkpoint unreadable", zap.Error(restoreErr))
		} else {
			r.document = restored
		}
	}
	for _, fragment := range stored.Updates {
		r.document.ApplyRemoteUpdate(fragment)
	}
	r.lastUpdateID = stored.LastUpdateID
	r.sinceCheckpoint = len(stored.Updates)
	r.logger.Debug("room replica loaded",
		zap.Int("updates", len(stored.Updates)),
		zap.Int64("last_update_id", stored.LastUpdateID))
}

func (r *room) shutdown() {
	if r.sinceCheckpoint > 0 {
		r.checkpoint()
	}
	for _, peerID := range r.order {
		peer := r.peers[peerID]
		close(peer.outbound)
		r.hub.metrics.PeerLeft()
	}
	r.peers = map[string]*Peer{}
	r.order = nil
}

func (r *room) addPeer(peer *Peer) {
	defer r.hub.joinCompleted(r)

	r.peers[peer.id] = peer
	r.order = append(r.order, peer.id)
	r.hub.metrics.PeerJoined()
	r.logger.Info("peer joined", zap.String("peer_id", peer.id), zap.String("user_id", peer.identity.UserID))

	if joined, err := NewMessage(TypeJoin, r.name, JoinPayload{PeerID: peer.id, Identity: peer.identity}); err == nil {
		joined.From = peer.id
		r.broadcast(joined, peer.id)
	}
	r.broadcastSync()

	request, err := NewMessage(TypeSyncRequest, r.name, SyncRequestPayload{StateVector: replica.EncodeStateVector(r.document.StateVector())})
	if err == nil {
		request.From = ServerPeerID
		request.To = peer.id
		r.deliver(peer, request)
	}
}

func (r *room) removePeer(peer *Peer) {
	if _, ok := r.peers[peer.id]; !ok {
		return
	}
	delete(r.peers, peer.id)
	delete(r.awareness, peer.id)
	for index, peerID := range r.order {
		if peerID == peer.id {
			r.order = append(r.order[:index], r.order[index+1:]...)
			break
		}
	}
	close(peer.outbound)
	r.hub.metrics.PeerLeft()
	r.logger.Info("peer left", zap.String("peer_id", peer.id), zap.String("user_id", peer.identity.UserID))

	if left, err := NewMessage(TypeLeave, r.name, JoinPayload{PeerID: peer.id, Identity: peer.identity}); err == nil {
		left.From = peer.id
		r.broadcast(left, "")
	}
	r.broadcastSync()

	if len(r.peers) == 0 {
		if r.sinceCheckpoint > 0 {
			r.checkpoint()
		}
		r.hub.removeIfIdle(r)
	}
}

func (r *room) handle(peer *Peer, message Message) {
	if _, ok := r.peers[peer.id]; !ok {
		return
	}
	message.Room = r.name
	message.From = peer.id

	switch message.Type {
	case TypeUpdate, TypeSyncReply:
		r.handleUpdate(peer, message)
	case TypeTrack:
		if len(message.Payload) == 0 || !json.Valid(message.Payload) {
			r.drop(dropReasonMalformed, peer, message)
			return
		}
		r.awareness[peer.id] = append(json.RawMessage(nil), message.Payload...)
		r.broadcast(message, peer.id)
	case TypeSyncRequest:
		r.handleSyncRequest(peer, message)
	case TypeLeave:
		r.removePeer(peer)
	default:
		r.drop(dropReasonUnsupported, peer, message)
	}
}

func (r *room) handleUpdate(peer *Peer, message Message) {
	var payload UpdatePayload
	if err := message.DecodePayload(&payload); err != nil || len(payload.Fragment) == 0 {
		r.drop(dropReasonMalformed, peer, message)
		return
	}
	result := r.document.ApplyRemoteUpdate(payload.Fragment)
	if result.Malformed {
		r.drop(dropReasonMalformed, peer, message)
		return
	}
	if result.Integrated == 0 && result.Deleted == 0 && result.Pending == 0 {
		return
	}

	relayed := Message{Type: TypeUpdate, Room: r.name, From: peer.id, Payload: message.Payload}
	r.broadcast(relayed, peer.id)
	r.persist(payload.Fragment)
}

func (r *room) handleSyncRequest(peer *Peer, message Message) {
	var payload SyncRequestPayload
	if err := message.DecodePayload(&payload); err != nil {
		r.drop(dropReasonMalformed, peer, message)
		return
	}
	vector, err := replica.DecodeStateVector(payload.StateVector)
	if err != nil {
		r.drop(dropReasonMalformed, peer, message)
		return
	}
	diff := r.document.DiffSince(vector)
	if diff == nil {
		return
	}
	reply, err := NewMessage(TypeSyncReply, r.name, UpdatePayload{Fragment: diff})
	if err != nil {
		return
	}
	reply.From = ServerPeerID
	reply.To = peer.id
	r.deliver(peer, reply)
}

func (r *room) persist(fragment []byte) {
	if r.hub.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.hub.storeTimeout)
	defer cancel()

	updateID, err := r.hub.store.AppendUpdate(ctx, r.contractID, fragment)
	r.hub.metrics.ReplicaWrite(writeKindUpdate, err)
	if err != nil {
		r.logger.Warn("replica update persist failed", zap.Error(err))
		return
	}
	if updateID > r.lastUpdateID {
		r.lastUpdateID = updateID
	}
	r.sinceCheckpoint++
	if r.sinceCheckpoint >= r.hub.checkpointEvery {
		r.checkpoint()
	}
}

func (r *room) checkpoint() {
	if r.hub.store == nil || r.lastUpdateID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.hub.storeTimeout)
	defer cancel()

	err := r.hub.store.Checkpoint(ctx, r.contractID, r.document.Serialize(), r.lastUpdateID)
	r.hub.metrics.ReplicaWrite(writeKindCheckpoint, err)
	if err != nil {
		r.logger.Warn("replica checkpoint failed", zap.Error(err), zap.Int64("through_update_id", r.lastUpdateID))
		return
	}
	r.sinceCheckpoint = 0
}

func (r *room) broadcastSync() {
	awareness, err := NewMessage(TypeSync, r.name, SyncPayload{Peers: r.peerStates()})
	if err != nil {
		return
	}
	awareness.From = ServerPeerID
	r.broadcast(awareness, "")
}

func (r *room) peerStates() []PeerState {
	states := make([]PeerState, 0, len(r.order))
	for _, peerID := range r.order {
		peer := r.peers[peerID]
		states = append(states, PeerState{PeerID: peerID, Identity: peer.identity, State: r.awareness[peerID]})
	}
	return states
}

func (r *room) broadcast(message Message, exceptPeerID string) {
	for _, peerID := range r.order {
		if peerID == exceptPeerID {
			continue
		}
		r.deliver(r.peers[peerID], message)
	}
}

func (r *room) deliver(peer *Peer, message Message) {
	select {
	case peer.outbound <- message:
		r.hub.metrics.MessageRelayed(string(message.Type))
	default:
		r.hub.metrics.MessageDropped(dropReasonBufferFull)
		r.logger.Debug("peer buffer full, message dropped",
			zap.String("peer_id", peer.id),
			zap.String("type", string(message.Type)))
	}
}

func (r *room) drop(reason string, peer *Peer, message Message) {
	r.hub.metrics.MessageDropped(reason)
	r.logger.Warn("room message dropped",
		zap.String("reason", reason),
		zap.String("peer_id", peer.id),
		zap.String("type", string(message.Type)))
}
