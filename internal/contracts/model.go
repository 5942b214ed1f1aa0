package contracts

import (
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ContractID represents a validated contract identifier.
type ContractID string

// NewContractID validates raw input and returns a ContractID.
func NewContractID(rawInput string) (ContractID, error) {
	trimmed, err := validateIdentifier(rawInput, "contract id")
	if err != nil {
		return "", err
	}
	return ContractID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ContractID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, "user id")
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

func validateIdentifier(rawInput, label string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrValidation, label)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrValidation, label, maxIdentifierLength)
	}
	return trimmed, nil
}

// Status enumerates the authoritative contract statuses.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusSigned   Status = "signed"
)

// ParseStatus validates a raw status value.
func ParseStatus(rawInput string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(rawInput)))
	switch status {
	case StatusDraft, StatusInReview, StatusApproved, StatusRejected, StatusSigned:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, rawInput)
	}
}

// Role enumerates collaborator roles on a contract.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
	roleNone     Role = ""
)

// ParseRole validates a raw role value.
func ParseRole(rawInput string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(rawInput)))
	switch role {
	case RoleOwner, RoleEditor, RoleReviewer, RoleViewer:
		return role, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, rawInput)
	}
}

// CanRead reports whether the role may read the contract.
func (role Role) CanRead() bool {
	return role != roleNone
}

// CanWrite reports whether the role may edit content, snapshot and request approvals.
func (role Role) CanWrite() bool {
	return role == RoleOwner || role == RoleEditor
}

// ApprovalStatus enumerates the per-approval states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ParseDecision validates a reviewer decision; only terminal statuses are accepted.
func ParseDecision(rawInput string) (ApprovalStatus, error) {
	decision := ApprovalStatus(strings.ToLower(strings.TrimSpace(rawInput)))
	switch decision {
	case ApprovalApproved, ApprovalRejected:
		return decision, nil
	default:
		return "", fmt.Errorf("%w: decision must be approved or rejected", ErrValidation)
	}
}

// EventType enumerates audit trail entries.
type EventType string

const (
	EventContractCreated   EventType = "contract_created"
	EventCollaboratorAdded EventType = "collaborator_added"
	EventSnapshotCreated   EventType = "snapshot_created"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecided   EventType = "approval_decided"
	EventStatusChanged     EventType = "status_changed"
)

// Contract is the authoritative contract document record.
type Contract struct {
	ContractID          string `gorm:"column:contract_id;primaryKey;size:190;not null"`
	Title               string `gorm:"column:title;size:320;not null;default:''"`
	OwnerID             string `gorm:"column:owner_id;size:190;not null;index"`
	Status              Status `gorm:"column:status;size:32;not null;default:draft"`
	LatestVersionNumber int64  `gorm:"column:latest_version_number;not null;default:0"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds    int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Contract) TableName() string {
	return "contracts"
}

// Collaborator grants a user a role on a contract.
type Collaborator struct {
	ContractID     string `gorm:"column:contract_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role           Role   `gorm:"column:role;size:32;not null"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "contract_collaborators"
}

// VersionSnapshot is an immutable, numbered materialization of a contract document.
type VersionSnapshot struct {
	VersionID         string `gorm:"column:version_id;primaryKey;size:190;not null"`
	ContractID        string `gorm:"column:contract_id;size:190;not null;uniqueIndex:idx_versions_contract_number,priority:1"`
	VersionNumber     int64  `gorm:"column:version_number;not null;uniqueIndex:idx_versions_contract_number,priority:2"`
	ContentStructured string `gorm:"column:content_structured;type:text;not null"`
	ContentText       string `gorm:"column:content_text;type:text;not null;default:''"`
	ReplicaState      []byte `gorm:"column:replica_state"`
	CreatedBy         string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionSnapshot) TableName() string {
	return "contract_versions"
}

// Approval tracks one reviewer's decision against one version.
type Approval struct {
	ApprovalID       string         `gorm:"column:approval_id;primaryKey;size:190;not null"`
	ContractID       string         `gorm:"column:contract_id;size:190;not null;index"`
	VersionID        string         `gorm:"column:version_id;size:190;not null;uniqueIndex:idx_approvals_version_approver,priority:1"`
	ApproverID       string         `gorm:"column:approver_id;size:190;not null;uniqueIndex:idx_approvals_version_approver,priority:2"`
	RequestedBy      string         `gorm:"column:requested_by;size:190;not null"`
	Status           ApprovalStatus `gorm:"column:status;size:32;not null;default:pending"`
	Comment          string         `gorm:"column:comment;type:text;not null;default:''"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	DecidedAtSeconds *int64         `gorm:"column:decided_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Approval) TableName() string {
	return "contract_approvals"
}

// ContractEvent captures an append-only audit trail for contract mutations.
type ContractEvent struct {
	EventID           int64     `gorm:"column:event_id;primaryKey;autoIncrement"`
	ContractID        string    `gorm:"column:contract_id;size:190;not null;index"`
	EventType         EventType `gorm:"column:event_type;size:64;not null"`
	ActorID           string    `gorm:"column:actor_id;size:190;not null"`
	PayloadJSON       string    `gorm:"column:payload_json;type:text;not null"`
	OccurredAtSeconds int64     `gorm:"column:occurred_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ContractEvent) TableName() string {
	return "contract_events"
}

// ApprovalSummary aggregates approval statuses for display.
type ApprovalSummary struct {
	Approved int64
	Pending  int64
	Rejected int64
}

// ContractView is the read-only composite returned to the surrounding application.
type ContractView struct {
	Contract      Contract
	Versions      []VersionSnapshot
	Approvals     []Approval
	Collaborators []Collaborator
	Summary       ApprovalSummary
}

// AllModels lists the GORM models owned by this package in migration order.
func AllModels() []any {
	return []any{
		&Contract{},
		&Collaborator{},
		&VersionSnapshot{},
		&Approval{},
		&ContractEvent{},
		&ReplicaUpdate{},
		&ReplicaCheckpoint{},
	}
}
