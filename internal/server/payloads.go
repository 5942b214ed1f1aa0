package server

import (
	"encoding/base64"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
)

type createContractPayload struct {
	Title string `json:"title" binding:"required,max=320"`
}

type updateContractPayload struct {
	Status *string `json:"status" binding:"omitempty,oneof=draft in_review approved rejected signed"`
}

type addCollaboratorPayload struct {
	UserID string `json:"user_id" binding:"required,max=190"`
	Role   string `json:"role" binding:"required,oneof=editor reviewer viewer"`
}

type snapshotPayload struct {
	ContentStructured  json.RawMessage `json:"content_structured" binding:"required"`
	ContentText        string          `json:"content_text"`
	ReplicaStateBase64 string          `json:"replica_state_base64" binding:"omitempty,base64"`
}

type approvalRequestPayload struct {
	VersionID        string `json:"version_id" binding:"required"`
	ApproverIdentity string `json:"approver_identity" binding:"required,max=190"`
}

type decisionPayload struct {
	Status  string `json:"status" binding:"required,oneof=approved rejected"`
	Comment string `json:"comment"`
}

type contractResponse struct {
	ContractID          string `json:"contract_id"`
	Title               string `json:"title"`
	OwnerID             string `json:"owner_id"`
	Status              string `json:"status"`
	LatestVersionNumber int64  `json:"latest_version_number"`
	CreatedAtSeconds    int64  `json:"created_at_s"`
	UpdatedAtSeconds    int64  `json:"updated_at_s"`
}

type versionResponse struct {
	VersionID          string          `json:"version_id"`
	ContractID         string          `json:"contract_id"`
	VersionNumber      int64           `json:"version_number"`
	ContentStructured  json.RawMessage `json:"content_structured"`
	ContentText        string          `json:"content_text"`
	ReplicaStateBase64 string          `json:"replica_state_base64,omitempty"`
	CreatedBy          string          `json:"created_by"`
	CreatedAtSeconds   int64           `json:"created_at_s"`
}

type approvalResponse struct {
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

type collaboratorResponse struct {
	ContractID     string `json:"contract_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	AddedAtSeconds int64  `json:"added_at_s"`
}

type summaryResponse struct {
	Approved int64 `json:"approved"`
	Pending  int64 `json:"pending"`
	Rejected int64 `json:"rejected"`
}

type eventResponse struct {
	EventID           int64           `json:"event_id"`
	EventType         string          `json:"type"`
	ActorID           string          `json:"actor_id"`
	Payload           json.RawMessage `json:"payload"`
	OccurredAtSeconds int64           `json:"occurred_at_s"`
}

type contractViewResponse struct {
	Contract        contractResponse       `json:"contract"`
	Versions        []versionResponse      `json:"versions"`
	Approvals       []approvalResponse     `json:"approvals"`
	Collaborators   []collaboratorResponse `json:"collaborators"`
	ApprovalSummary summaryResponse        `json:"approval_summary"`
}

type decisionResponse struct {
	Approval        approvalResponse `json:"approval"`
	ApprovalSummary summaryResponse  `json:"approval_summary"`
}

type roomTicketResponse struct {
	Room             string `json:"room"`
	Ticket           string `json:"ticket"`
	ExpiresAtSeconds int64  `json:"expires_at_s"`
}

func newContractResponse(contract contracts.Contract) contractResponse {
	return contractResponse{
		ContractID:          contract.ContractID,
		Title:               contract.Title,
		OwnerID:             contract.OwnerID,
		Status:              string(contract.Status),
		LatestVersionNumber: contract.LatestVersionNumber,
		CreatedAtSeconds:    contract.CreatedAtSeconds,
		UpdatedAtSeconds:    contract.UpdatedAtSeconds,
	}
}

func newVersionResponse(version contracts.VersionSnapshot) versionResponse {
	response := versionResponse{
		VersionID:         version.VersionID,
		ContractID:        version.ContractID,
		VersionNumber:     version.VersionNumber,
		ContentStructured: json.RawMessage(version.ContentStructured),
		ContentText:       version.ContentText,
		CreatedBy:         version.CreatedBy,
		CreatedAtSeconds:  version.CreatedAtSeconds,
	}
	if len(version.ReplicaState) > 0 {
		response.ReplicaStateBase64 = base64.StdEncoding.EncodeToString(version.ReplicaState)
	}
	return response
}

func newVersionResponses(versions []contracts.VersionSnapshot) []versionResponse {
	responses := make([]versionResponse, 0, len(versions))
	for _, version := range versions {
		responses = append(responses, newVersionResponse(version))
	}
	return responses
}

func newApprovalResponse(approval contracts.Approval) approvalResponse {
	return approvalResponse{
		ApprovalID:       approval.ApprovalID,
		ContractID:       approval.ContractID,
		VersionID:        approval.VersionID,
		ApproverID:       approval.ApproverID,
		RequestedBy:      approval.RequestedBy,
		Status:           string(approval.Status),
		Comment:          approval.Comment,
		CreatedAtSeconds: approval.CreatedAtSeconds,
		DecidedAtSeconds: approval.DecidedAtSeconds,
	}
}

func newCollaboratorResponse(collaborator contracts.Collaborator) collaboratorResponse {
	return collaboratorResponse{
		ContractID:     collaborator.ContractID,
		UserID:         collaborator.UserID,
		Role:           string(collaborator.Role),
		AddedAtSeconds: collaborator.AddedAtSeconds,
	}
}

func newSummaryResponse(summary contracts.ApprovalSummary) summaryResponse {
	return summaryResponse{
		Approved: summary.Approved,
		Pending:  summary.Pending,
		Rejected: summary.Rejected,
	}
}

func newEventResponse(event contracts.ContractEvent) eventResponse {
	payload := json.RawMessage(event.PayloadJSON)
	if !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	return eventResponse{
		EventID:           event.EventID,
		EventType:         string(event.EventType),
		ActorID:           event.ActorID,
		Payload:           payload,
		OccurredAtSeconds: event.OccurredAtSeconds,
	}
}

func newContractViewResponse(view contracts.ContractView) contractViewResponse {
	response := contractViewResponse{
		Contract:        newContractResponse(view.Contract),
		Versions:        newVersionResponses(view.Versions),
		Approvals:       make([]approvalResponse, 0, len(view.Approvals)),
		Collaborators:   make([]collaboratorResponse, 0, len(view.Collaborators)),
		ApprovalSummary: newSummaryResponse(view.Summary),
	}
	for _, approval := range view.Approvals {
		response.Approvals = append(response.Approvals, newApprovalResponse(approval))
	}
	for _, collaborator := range view.Collaborators {
		response.Collaborators = append(response.Collaborators, newCollaboratorResponse(collaborator))
	}
	return response
}
