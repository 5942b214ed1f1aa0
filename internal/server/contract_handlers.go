package server

import (
	"encoding/base64"
	"net/http"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"github.com/MarcoPoloResearchLab/pactum/internal/users"
	"github.com/gin-gonic/gin"
)

const (
	opCreateContract  = "server.create_contract"
	opGetContract     = "server.get_contract"
	opUpdateContract  = "server.update_contract"
	opAddCollaborator = "server.add_collaborator"
	opListEvents      = "server.list_events"
	opCreateSnapshot  = "server.create_snapshot"
	opListVersions    = "server.list_versions"
	opRequestApproval = "server.request_approval"
	opApprovalSummary = "server.approval_summary"
	opDecideApproval  = "server.decide_approval"
)

// requestScope resolves the authenticated caller and the :id contract parameter.
func requestScope(c *gin.Context) (users.Profile, contracts.ContractID, bool) {
	caller, ok := callerFrom(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, errorCodeUnauthorized, nil)
		return users.Profile{}, "", false
	}
	contractID, err := contracts.NewContractID(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorCodeInvalidRequest, gin.H{"id": err.Error()})
		return users.Profile{}, "", false
	}
	return caller, contractID, true
}

func (h *httpHandler) handleCreateContract(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, errorCodeUnauthorized, nil)
		return
	}
	var request createContractPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	contract, err := h.contracts.CreateContract(c.Request.Context(), contracts.CreateContractRequest{
		Title:   request.Title,
		OwnerID: contracts.UserID(caller.UserID),
	})
	if err != nil {
		h.respondServiceError(c, opCreateContract, err)
		return
	}
	c.JSON(http.StatusCreated, newContractResponse(contract))
}

func (h *httpHandler) handleGetContract(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	view, err := h.contracts.GetContract(c.Request.Context(), contractID, contracts.UserID(caller.UserID))
	if err != nil {
		h.respondServiceError(c, opGetContract, err)
		return
	}
	c.JSON(http.StatusOK, newContractViewResponse(view))
}

func (h *httpHandler) handleUpdateContract(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	var request updateContractPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	if request.Status == nil {
		h.handleGetContract(c)
		return
	}
	requested, err := contracts.ParseStatus(*request.Status)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorCodeValidation, gin.H{"status": err.Error()})
		return
	}

	contract, err := h.contracts.Transition(c.Request.Context(), contracts.TransitionRequest{
		ContractID: contractID,
		Requested:  requested,
		CallerID:   contracts.UserID(caller.UserID),
	})
	h.metrics.StatusChangeAttempt(string(requested), err)
	if err != nil {
		h.respondServiceError(c, opUpdateContract, err)
		return
	}
	h.realtime.Publish(statusChangedMessage(contract, caller.UserID))
	c.JSON(http.StatusOK, newContractResponse(contract))
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	var request addCollaboratorPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	userID, err := contracts.NewUserID(request.UserID)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorCodeValidation, gin.H{"user_id": err.Error()})
		return
	}
	role, err := contracts.ParseRole(request.Role)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorCodeValidation, gin.H{"role": err.Error()})
		return
	}

	collaborator, err := h.contracts.AddCollaborator(c.Request.Context(), contracts.AddCollaboratorRequest{
		ContractID: contractID,
		UserID:     userID,
		Role:       role,
		CallerID:   contracts.UserID(caller.UserID),
	})
	if err != nil {
		h.respondServiceError(c, opAddCollaborator, err)
		return
	}
	h.realtime.Publish(collaboratorAddedMessage(collaborator, caller.UserID))
	c.JSON(http.StatusCreated, newCollaboratorResponse(collaborator))
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	events, err := h.contracts.ListEvents(c.Request.Context(), contractID, contracts.UserID(caller.UserID))
	if err != nil {
		h.respondServiceError(c, opListEvents, err)
		return
	}
	response := make([]eventResponse, 0, len(events))
	for _, event := range events {
		response = append(response, newEventResponse(event))
	}
	c.JSON(http.StatusOK, gin.H{"events": response})
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	var request snapshotPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	var replicaState []byte
	if request.ReplicaStateBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(request.ReplicaStateBase64)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errorCodeValidation, gin.H{"replica_state_base64": "base64"})
			return
		}
		replicaState = decoded
	}

	version, err := h.contracts.CreateSnapshot(c.Request.Context(), contracts.SnapshotRequest{
		ContractID:        contractID,
		ContentStructured: request.ContentStructured,
		ContentText:       request.ContentText,
		ReplicaState:      replicaState,
		CallerID:          contracts.UserID(caller.UserID),
	})
	h.metrics.SnapshotAttempt(err)
	if err != nil {
		h.respondServiceError(c, opCreateSnapshot, err)
		return
	}
	h.realtime.Publish(snapshotCreatedMessage(version, caller.UserID))
	c.JSON(http.StatusCreated, newVersionResponse(version))
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	versions, err := h.contracts.ListVersions(c.Request.Context(), contractID, contracts.UserID(caller.UserID))
	if err != nil {
		h.respondServiceError(c, opListVersions, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": newVersionResponses(versions)})
}

func (h *httpHandler) handleRequestApproval(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	var request approvalRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	approverID, err := contracts.NewUserID(request.ApproverIdentity)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorCodeValidation, gin.H{"approver_identity": err.Error()})
		return
	}

	approval, err := h.contracts.RequestApproval(c.Request.Context(), contracts.ApprovalRequest{
		ContractID:  contractID,
		VersionID:   request.VersionID,
		ApproverID:  approverID,
		RequestedBy: contracts.UserID(caller.UserID),
	})
	if err != nil {
		h.respondServiceError(c, opRequestApproval, err)
		return
	}
	h.realtime.Publish(approvalRequestedMessage(approval, caller.UserID))
	c.JSON(http.StatusCreated, newApprovalResponse(approval))
}

func (h *httpHandler) handleApprovalSummary(c *gin.Context) {
	caller, contractID, ok := requestScope(c)
	if !ok {
		return
	}
	summary, err := h.contracts.Summary(c.Request.Context(), contractID, contracts.UserID(caller.UserID))
	if err != nil {
		h.respondServiceError(c, opApprovalSummary, err)
		return
	}
	c.JSON(http.StatusOK, newSummaryResponse(summary))
}

func (h *httpHandler) handleDecision(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, errorCodeUnauthorized, nil)
		return
	}
	var request decisionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	decision, err := contracts.ParseDecision(request.Status)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorCodeValidation, gin.H{"status": err.Error()})
		return
	}

	outcome, err := h.contracts.Decide(c.Request.Context(), contracts.DecisionRequest{
		ApprovalID: c.Param("id"),
		Decision:   decision,
		Comment:    request.Comment,
		DecidedBy:  contracts.UserID(caller.UserID),
	})
	if err != nil {
		h.respondServiceError(c, opDecideApproval, err)
		return
	}
	h.realtime.Publish(approvalDecidedMessage(outcome, caller.UserID))
	c.JSON(http.StatusOK, decisionResponse{
		Approval:        newApprovalResponse(outcome.Approval),
		ApprovalSummary: newSummaryResponse(outcome.Summary),
	})
}
