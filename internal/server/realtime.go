package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
)

const (
	RealtimeEventSnapshotCreated   = "snapshot-created"
	RealtimeEventApprovalRequested = "approval-requested"
	RealtimeEventApprovalDecided   = "approval-decided"
	RealtimeEventStatusChanged     = "status-changed"
	RealtimeEventCollaborator      = "collaborator-added"
	realtimeEventReady             = "ready"
	realtimeEventHeartbeat         = "heartbeat"
	realtimeEventResync            = "resync"
	realtimeSourceBackend          = "pactum-api"
	realtimeHeartbeatInterval      = 25 * time.Second
	realtimeSubscriberBuffer       = 16
)

// RealtimeMessage is one committed contract change. Only the fields relevant to EventType are set.
type RealtimeMessage struct {
	ContractID     string
	EventType      string
	ActorID        string
	Timestamp      time.Time
	VersionID      string
	VersionNumber  int64
	Status         string
	ApprovalID     string
	ApproverID     string
	CollaboratorID string
	Role           string
	Summary        *contracts.ApprovalSummary
}

func snapshotCreatedMessage(version contracts.VersionSnapshot, actorID string) RealtimeMessage {
	return RealtimeMessage{
		ContractID:    version.ContractID,
		EventType:     RealtimeEventSnapshotCreated,
		ActorID:       actorID,
		VersionID:     version.VersionID,
		VersionNumber: version.VersionNumber,
	}
}

func statusChangedMessage(contract contracts.Contract, actorID string) RealtimeMessage {
	return RealtimeMessage{
		ContractID:    contract.ContractID,
		EventType:     RealtimeEventStatusChanged,
		ActorID:       actorID,
		Status:        string(contract.Status),
		VersionNumber: contract.LatestVersionNumber,
	}
}

func collaboratorAddedMessage(collaborator contracts.Collaborator, actorID string) RealtimeMessage {
	return RealtimeMessage{
		ContractID:     collaborator.ContractID,
		EventType:      RealtimeEventCollaborator,
		ActorID:        actorID,
		CollaboratorID: collaborator.UserID,
		Role:           string(collaborator.Role),
	}
}

func approvalRequestedMessage(approval contracts.Approval, actorID string) RealtimeMessage {
	return RealtimeMessage{
		ContractID: approval.ContractID,
		EventType:  RealtimeEventApprovalRequested,
		ActorID:    actorID,
		VersionID:  approval.VersionID,
		ApprovalID: approval.ApprovalID,
		ApproverID: approval.ApproverID,
		Status:     string(approval.Status),
	}
}

// approvalDecidedMessage carries the refreshed summary so viewers can update the approval gate
// without refetching the contract.
func approvalDecidedMessage(outcome contracts.DecisionOutcome, actorID string) RealtimeMessage {
	summary := outcome.Summary
	return RealtimeMessage{
		ContractID: outcome.Approval.ContractID,
		EventType:  RealtimeEventApprovalDecided,
		ActorID:    actorID,
		VersionID:  outcome.Approval.VersionID,
		ApprovalID: outcome.Approval.ApprovalID,
		ApproverID: outcome.Approval.ApproverID,
		Status:     string(outcome.Approval.Status),
		Summary:    &summary,
	}
}

type realtimeEventPayload struct {
	ContractID       string           `json:"contract_id"`
	ActorID          string           `json:"actor_id,omitempty"`
	VersionID        string           `json:"version_id,omitempty"`
	VersionNumber    int64            `json:"version_number,omitempty"`
	Status           string           `json:"status,omitempty"`
	ApprovalID       string           `json:"approval_id,omitempty"`
	ApproverID       string           `json:"approver_id,omitempty"`
	CollaboratorID   string           `json:"collaborator_id,omitempty"`
	Role             string           `json:"role,omitempty"`
	ApprovalSummary  *summaryResponse `json:"approval_summary,omitempty"`
	Source           string           `json:"source"`
	TimestampSeconds int64            `json:"timestamp_s"`
}

func (m RealtimeMessage) payload() realtimeEventPayload {
	payload := realtimeEventPayload{
		ContractID:       m.ContractID,
		ActorID:          m.ActorID,
		VersionID:        m.VersionID,
		VersionNumber:    m.VersionNumber,
		Status:           m.Status,
		ApprovalID:       m.ApprovalID,
		ApproverID:       m.ApproverID,
		CollaboratorID:   m.CollaboratorID,
		Role:             m.Role,
		Source:           realtimeSourceBackend,
		TimestampSeconds: m.Timestamp.Unix(),
	}
	if m.Summary != nil {
		summary := newSummaryResponse(*m.Summary)
		payload.ApprovalSummary = &summary
	}
	return payload
}

// RealtimeSubscription receives the committed changes of one contract. Dropped fires when the
// subscriber fell behind and missed messages; the client should then refetch the contract.
type RealtimeSubscription struct {
	Messages <-chan RealtimeMessage
	Dropped  <-chan struct{}
	close    func()
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *RealtimeSubscription) Close() {
	s.close()
}

type realtimeSubscriber struct {
	messages chan RealtimeMessage
	dropped  chan struct{}
}

// RealtimeDispatcher fans committed contract changes out to stream subscribers. A full subscriber
// buffer never blocks the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[*realtimeSubscriber]struct{}
	bufferSize  int
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[*realtimeSubscriber]struct{}),
		bufferSize:  realtimeSubscriberBuffer,
	}
}

// Subscribe registers a stream for one contract until ctx ends or the subscription is closed.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, contractID string) *RealtimeSubscription {
	if contractID == "" {
		messages := make(chan RealtimeMessage)
		close(messages)
		return &RealtimeSubscription{Messages: messages, Dropped: make(chan struct{}), close: func() {}}
	}
	subscriber := &realtimeSubscriber{
		messages: make(chan RealtimeMessage, d.bufferSize),
		dropped:  make(chan struct{}, 1),
	}

	d.mu.Lock()
	if d.subscribers[contractID] == nil {
		d.subscribers[contractID] = make(map[*realtimeSubscriber]struct{})
	}
	d.subscribers[contractID][subscriber] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { d.unsubscribe(contractID, subscriber) })
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return &RealtimeSubscription{Messages: subscriber.messages, Dropped: subscriber.dropped, close: unsubscribe}
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if d == nil || message.ContractID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for subscriber := range d.subscribers[message.ContractID] {
		select {
		case subscriber.messages <- message:
		default:
			select {
			case subscriber.dropped <- struct{}{}:
			default:
			}
		}
	}
}

// SubscriberCount reports the active subscriptions for a contract.
func (d *RealtimeDispatcher) SubscriberCount(contractID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[contractID])
}

func (d *RealtimeDispatcher) unsubscribe(contractID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[contractID]
	delete(subscribers, subscriber)
	if len(subscribers) == 0 {
		delete(d.subscribers, contractID)
	}
}
