package apiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/collab"
	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
)

// Contract mirrors the API contract representation.
type Contract struct {
	ContractID          string `json:"contract_id"`
	Title               string `json:"title"`
	OwnerID             string `json:"owner_id"`
	Status              string `json:"status"`
	LatestVersionNumber int64  `json:"latest_version_number"`
	CreatedAtSeconds    int64  `json:"created_at_s"`
	UpdatedAtSeconds    int64  `json:"updated_at_s"`
}

// Version mirrors a stored version snapshot.
type Version struct {
	VersionID          string          `json:"version_id"`
	ContractID         string          `json:"contract_id"`
	VersionNumber      int64           `json:"version_number"`
	ContentStructured  json.RawMessage `json:"content_structured"`
	ContentText        string          `json:"content_text"`
	ReplicaStateBase64 string          `json:"replica_state_base64,omitempty"`
	CreatedBy          string          `json:"created_by"`
	CreatedAtSeconds   int64           `json:"created_at_s"`
}

// ReplicaState decodes the stored replica state, if any.
func (v Version) ReplicaState() ([]byte, error) {
	if v.ReplicaStateBase64 == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(v.ReplicaStateBase64)
}

// Approval mirrors one reviewer decision record.
type Approval struct {
	ApprovalID       string `json:"approval_id"`
	ContractID       string `json:"contract_id"`
	VersionID        string `json:"version_id"`
	ApproverID       string `json:"approver_id"`
	RequestedBy      string `json:"requested_by"`
	Status           string `json:"status"`
	Comment          string `json:"comment,omitempty"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	DecidedAtSeconds *int64 `json:"decided_at_s,omitempty"`
}

// Summary counts approvals by status.
type Summary struct {
	Approved int64 `json:"approved"`
	Pending  int64 `json:"pending"`
	Rejected int64 `json:"rejected"`
}

// Collaborator mirrors a contract role grant.
type Collaborator struct {
	ContractID     string `json:"contract_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	AddedAtSeconds int64  `json:"added_at_s"`
}

// ContractView is the composite contract read.
type ContractView struct {
	Contract        Contract       `json:"contract"`
	Versions        []Version      `json:"versions"`
	Approvals       []Approval     `json:"approvals"`
	Collaborators   []Collaborator `json:"collaborators"`
	ApprovalSummary Summary        `json:"approval_summary"`
}

// Decision is the result of deciding an approval.
type Decision struct {
	Approval        Approval `json:"approval"`
	ApprovalSummary Summary  `json:"approval_summary"`
}

// RoomTicket is a short-lived relay credential.
type RoomTicket struct {
	Room             string `json:"room"`
	Ticket           string `json:"ticket"`
	ExpiresAtSeconds int64  `json:"expires_at_s"`
}

var _ collab.SnapshotClient = (*Client)(nil)

func (c *Client) CreateContract(ctx context.Context, title string) (Contract, error) {
	var contract Contract
	err := c.do(ctx, http.MethodPost, "/contracts", map[string]string{"title": title}, http.StatusCreated, &contract)
	return contract, err
}

func (c *Client) GetContract(ctx context.Context, contractID string) (ContractView, error) {
	var view ContractView
	err := c.do(ctx, http.MethodGet, contractPath(contractID, ""), nil, http.StatusOK, &view)
	return view, err
}

func (c *Client) AddCollaborator(ctx context.Context, contractID, userID, role string) (Collaborator, error) {
	var collaborator Collaborator
	body := map[string]string{"user_id": userID, "role": role}
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "/collaborators"), body, http.StatusCreated, &collaborator)
	return collaborator, err
}

// CreateSnapshot stores the draft as a new immutable version.
func (c *Client) CreateSnapshot(ctx context.Context, draft collab.SnapshotDraft) (collab.SavedSnapshot, error) {
	body := struct {
		ContentStructured  json.RawMessage `json:"content_structured"`
		ContentText        string          `json:"content_text,omitempty"`
		ReplicaStateBase64 string          `json:"replica_state_base64,omitempty"`
	}{
		ContentStructured: draft.ContentStructured,
		ContentText:       draft.ContentText,
	}
	if len(draft.ReplicaState) > 0 {
		body.ReplicaStateBase64 = base64.StdEncoding.EncodeToString(draft.ReplicaState)
	}
	var version Version
	if err := c.do(ctx, http.MethodPost, contractPath(draft.ContractID, "/snapshot"), body, http.StatusCreated, &version); err != nil {
		return collab.SavedSnapshot{}, err
	}
	return collab.SavedSnapshot{
		VersionID:     version.VersionID,
		VersionNumber: version.VersionNumber,
		CreatedAt:     time.Unix(version.CreatedAtSeconds, 0).UTC(),
	}, nil
}

func (c *Client) ListVersions(ctx context.Context, contractID string) ([]Version, error) {
	var response struct {
		Versions []Version `json:"versions"`
	}
	err := c.do(ctx, http.MethodGet, contractPath(contractID, "/versions"), nil, http.StatusOK, &response)
	return response.Versions, err
}

func (c *Client) RequestApproval(ctx context.Context, contractID, versionID, approverID string) (Approval, error) {
	var approval Approval
	body := map[string]string{"version_id": versionID, "approver_identity": approverID}
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "/approvals"), body, http.StatusCreated, &approval)
	return approval, err
}

func (c *Client) Decide(ctx context.Context, approvalID, status, comment string) (Decision, error) {
	var decision Decision
	body := map[string]string{"status": status, "comment": comment}
	path := "/approvals/" + url.PathEscape(approvalID) + "/decision"
	err := c.do(ctx, http.MethodPost, path, body, http.StatusOK, &decision)
	return decision, err
}

// Transition requests a contract status change.
func (c *Client) Transition(ctx context.Context, contractID, status string) (Contract, error) {
	var contract Contract
	err := c.do(ctx, http.MethodPatch, contractPath(contractID, ""), map[string]string{"status": status}, http.StatusOK, &contract)
	return contract, err
}

// IssueRoomTicket requests a relay ticket for a contract.
func (c *Client) IssueRoomTicket(ctx context.Context, contractID string) (RoomTicket, error) {
	var ticket RoomTicket
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "/room-ticket"), nil, http.StatusOK, &ticket)
	return ticket, err
}

// RoomTicket satisfies transport.TicketSource: it resolves a room name to a fresh ticket.
func (c *Client) RoomTicket(ctx context.Context, room string) (string, error) {
	contractID, err := rooms.ParseRoomName(room)
	if err != nil {
		return "", err
	}
	ticket, err := c.IssueRoomTicket(ctx, contractID)
	if err != nil {
		return "", err
	}
	if ticket.Room != room {
		return "", fmt.Errorf("apiclient: ticket issued for %q, wanted %q", ticket.Room, room)
	}
	return ticket.Ticket, nil
}
