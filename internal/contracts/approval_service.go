package contracts

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRequestApproval          = "contracts.request_approval"
	opDecideApproval           = "contracts.decide_approval"
	opApprovalSummary          = "contracts.approval_summary"
	reasonVersionNotFound      = "version_not_found"
	reasonApprovalExists       = "approval_exists"
	reasonApprovalNotPending   = "approval_not_pending"
	reasonCommentRequired      = "comment_required"
	reasonReviewerGrantFailed  = "reviewer_grant_failed"
	reasonApprovalSelectFailed = "approval_select_failed"
	queryVersionContract       = "version_id = ? AND contract_id = ?"
	queryVersionApprover       = "version_id = ? AND approver_id = ?"
	queryApprovalPending       = "approval_id = ? AND status = ?"
	fieldApprovalID            = "approval_id"
)

// ApprovalRequest asks a reviewer to decide on a specific version.
type ApprovalRequest struct {
	ContractID  ContractID
	VersionID   string
	ApproverID  UserID
	RequestedBy UserID
}

// DecisionRequest records a reviewer's decision on a pending approval.
type DecisionRequest struct {
	ApprovalID string
	Decision   ApprovalStatus
	Comment    string
	DecidedBy  UserID
}

// DecisionOutcome returns the decided approval together with the refreshed contract summary.
type DecisionOutcome struct {
	Approval Approval
	Summary  ApprovalSummary
}

// RequestApproval creates a pending approval for (version, approver).
//
// The approver is granted the reviewer role when they do not already collaborate on the contract.
func (service *Service) RequestApproval(ctx context.Context, request ApprovalRequest) (Approval, error) {
	versionID := strings.TrimSpace(request.VersionID)
	if versionID == "" {
		return Approval{}, newServiceError(opRequestApproval, reasonInvalidInput, ErrValidation, errors.New("version id is required"))
	}
	if request.ApproverID == "" {
		return Approval{}, newServiceError(opRequestApproval, reasonInvalidInput, ErrValidation, errors.New("approver is required"))
	}

	approvalID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opRequestApproval, reasonIDGeneration, err)
		return Approval{}, newServiceError(opRequestApproval, reasonIDGeneration, ErrPersistenceFailure, err)
	}

	var approval Approval
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, role, err := service.resolveAccess(tx, opRequestApproval, request.ContractID, request.RequestedBy)
		if err != nil {
			return err
		}
		if !role.CanWrite() {
			return newServiceError(opRequestApproval, reasonAccessDenied, ErrAccessDenied, nil)
		}

		var version VersionSnapshot
		err = tx.Select("version_id").Where(queryVersionContract, versionID, request.ContractID.String()).Take(&version).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRequestApproval, reasonVersionNotFound, ErrNotFound, nil)
		}
		if err != nil {
			service.logError(opRequestApproval, reasonQueryFailed, err, zap.String(fieldContractID, request.ContractID.String()))
			return newServiceError(opRequestApproval, reasonQueryFailed, ErrPersistenceFailure, err)
		}

		var existingCount int64
		if err := tx.Model(&Approval{}).Where(queryVersionApprover, versionID, request.ApproverID.String()).Count(&existingCount).Error; err != nil {
			service.logError(opRequestApproval, reasonQueryFailed, err, zap.String(fieldContractID, request.ContractID.String()))
			return newServiceError(opRequestApproval, reasonQueryFailed, ErrPersistenceFailure, err)
		}
		if existingCount > 0 {
			return newServiceError(opRequestApproval, reasonApprovalExists, ErrConflict, nil)
		}

		nowSeconds := service.clock().UTC().Unix()
		approval = Approval{
			ApprovalID:       approvalID,
			ContractID:       request.ContractID.String(),
			VersionID:        versionID,
			ApproverID:       request.ApproverID.String(),
			RequestedBy:      request.RequestedBy.String(),
			Status:           ApprovalPending,
			CreatedAtSeconds: nowSeconds,
		}
		if err := tx.Create(&approval).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opRequestApproval, reasonApprovalExists, ErrConflict, err)
			}
			service.logError(opRequestApproval, reasonInsertFailed, err, zap.String(fieldContractID, request.ContractID.String()))
			return newServiceError(opRequestApproval, reasonInsertFailed, ErrPersistenceFailure, err)
		}

		reviewer := Collaborator{
			ContractID:     request.ContractID.String(),
			UserID:         request.ApproverID.String(),
			Role:           RoleReviewer,
			AddedAtSeconds: nowSeconds,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reviewer).Error; err != nil {
			service.logError(opRequestApproval, reasonReviewerGrantFailed, err, zap.String(fieldContractID, request.ContractID.String()))
			return newServiceError(opRequestApproval, reasonReviewerGrantFailed, ErrPersistenceFailure, err)
		}

		return service.appendEvent(tx, opRequestApproval, approval.ContractID, EventApprovalRequested, approval.RequestedBy, map[string]any{
			"approval_id": approval.ApprovalID,
			"version_id":  approval.VersionID,
			"approver_id": approval.ApproverID,
		})
	})
	if txErr != nil {
		return Approval{}, txErr
	}
	return approval, nil
}

// Decide moves a pending approval to approved or rejected; decided approvals are terminal.
func (service *Service) Decide(ctx context.Context, request DecisionRequest) (DecisionOutcome, error) {
	ctx, span := service.startSpan(ctx, opDecideApproval,
		attribute.String(attributeCallerID, request.DecidedBy.String()),
		attribute.String(attributeDecision, string(request.Decision)))
	outcome, err := service.decide(ctx, request)
	if err == nil {
		span.SetAttributes(attribute.String(attributeContractID, outcome.Approval.ContractID))
	}
	finishSpan(span, err)
	return outcome, err
}

func (service *Service) decide(ctx context.Context, request DecisionRequest) (DecisionOutcome, error) {
	approvalID := strings.TrimSpace(request.ApprovalID)
	if approvalID == "" {
		return DecisionOutcome{}, newServiceError(opDecideApproval, reasonInvalidInput, ErrValidation, errors.New("approval id is required"))
	}
	if request.Decision != ApprovalApproved && request.Decision != ApprovalRejected {
		return DecisionOutcome{}, newServiceError(opDecideApproval, reasonInvalidInput, ErrValidation, errors.New("decision must be approved or rejected"))
	}
	comment := strings.TrimSpace(request.Comment)

	var approval Approval
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("approval_id = ?", approvalID).Take(&approval).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDecideApproval, reasonNotFound, ErrNotFound, nil)
		}
		if err != nil {
			service.logError(opDecideApproval, reasonApprovalSelectFailed, err, zap.String(fieldApprovalID, approvalID))
			return newServiceError(opDecideApproval, reasonApprovalSelectFailed, ErrPersistenceFailure, err)
		}
		if approval.ApproverID != request.DecidedBy.String() {
			return newServiceError(opDecideApproval, reasonAccessDenied, ErrAccessDenied, nil)
		}
		if approval.Status != ApprovalPending {
			return newServiceError(opDecideApproval, reasonApprovalNotPending, ErrInvalidState, nil)
		}
		if request.Decision == ApprovalRejected && comment == "" {
			return newServiceError(opDecideApproval, reasonCommentRequired, ErrValidation, errors.New("a rejection requires a comment"))
		}

		decidedAt := service.clock().UTC().Unix()
		update := tx.Model(&Approval{}).
			Where(queryApprovalPending, approvalID, ApprovalPending).
			Updates(map[string]any{
				"status":       request.Decision,
				"comment":      comment,
				"decided_at_s": decidedAt,
			})
		if update.Error != nil {
			service.logError(opDecideApproval, reasonUpdateFailed, update.Error, zap.String(fieldApprovalID, approvalID))
			return newServiceError(opDecideApproval, reasonUpdateFailed, ErrPersistenceFailure, update.Error)
		}
		if update.RowsAffected == 0 {
			return newServiceError(opDecideApproval, reasonApprovalNotPending, ErrInvalidState, nil)
		}
		approval.Status = request.Decision
		approval.Comment = comment
		approval.DecidedAtSeconds = &decidedAt

		return service.appendEvent(tx, opDecideApproval, approval.ContractID, EventApprovalDecided, approval.ApproverID, map[string]any{
			"approval_id": approval.ApprovalID,
			"version_id":  approval.VersionID,
			"decision":    approval.Status,
			"comment":     approval.Comment,
		})
	})
	if txErr != nil {
		return DecisionOutcome{}, txErr
	}

	summary, err := service.approvalSummary(service.db.WithContext(ctx), approval.ContractID)
	if err != nil {
		return DecisionOutcome{}, err
	}
	return DecisionOutcome{Approval: approval, Summary: summary}, nil
}

// Summary returns approval counts across all versions of a contract.
func (service *Service) Summary(ctx context.Context, contractID ContractID, callerID UserID) (ApprovalSummary, error) {
	db := service.db.WithContext(ctx)
	_, role, err := service.resolveAccess(db, opApprovalSummary, contractID, callerID)
	if err != nil {
		return ApprovalSummary{}, err
	}
	if !role.CanRead() {
		return ApprovalSummary{}, newServiceError(opApprovalSummary, reasonAccessDenied, ErrAccessDenied, nil)
	}
	return service.approvalSummary(db, contractID.String())
}

type statusCountRow struct {
	Status ApprovalStatus
	Total  int64
}

func (service *Service) approvalSummary(db *gorm.DB, contractID string) (ApprovalSummary, error) {
	var rows []statusCountRow
	if err := db.Model(&Approval{}).
		Select("status, count(*) as total").
		Where(queryContractID, contractID).
		Group("status").
		Scan(&rows).Error; err != nil {
		service.logError(opApprovalSummary, reasonQueryFailed, err, zap.String(fieldContractID, contractID))
		return ApprovalSummary{}, newServiceError(opApprovalSummary, reasonQueryFailed, ErrPersistenceFailure, err)
	}

	var summary ApprovalSummary
	for _, row := range rows {
		switch row.Status {
		case ApprovalApproved:
			summary.Approved = row.Total
		case ApprovalPending:
			summary.Pending = row.Total
		case ApprovalRejected:
			summary.Rejected = row.Total
		}
	}
	return summary, nil
}

func summarize(approvals []Approval) ApprovalSummary {
	var summary ApprovalSummary
	for _, approval := range approvals {
		switch approval.Status {
		case ApprovalApproved:
			summary.Approved++
		case ApprovalPending:
			summary.Pending++
		case ApprovalRejected:
			summary.Rejected++
		}
	}
	return summary
}
