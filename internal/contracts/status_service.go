package contracts

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opTransitionStatus      = "contracts.transition_status"
	reasonTransitionRefused = "transition_refused"
	reasonStatusRaced       = "status_changed_concurrently"
	queryContractStatus     = "contract_id = ? AND status = ?"
)

// TransitionRequest asks for a contract status change.
type TransitionRequest struct {
	ContractID ContractID
	Requested  Status
	CallerID   UserID
}

// Transition validates and applies a status change against the authoritative approval set.
//
// The latest version's approvals are read inside the same transaction as the compare-and-swap
// status write, so the approval gate never decides on a stale view.
func (service *Service) Transition(ctx context.Context, request TransitionRequest) (Contract, error) {
	ctx, span := service.startSpan(ctx, opTransitionStatus,
		attribute.String(attributeContractID, request.ContractID.String()),
		attribute.String(attributeCallerID, request.CallerID.String()),
		attribute.String(attributeStatus, string(request.Requested)))
	contract, err := service.transition(ctx, request)
	finishSpan(span, err)
	return contract, err
}

func (service *Service) transition(ctx context.Context, request TransitionRequest) (Contract, error) {
	var contract Contract
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryContractID, request.ContractID.String()).
			Take(&contract).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opTransitionStatus, reasonNotFound, ErrNotFound, nil)
		}
		if err != nil {
			service.logError(opTransitionStatus, "contract_select_failed", err, zap.String(fieldContractID, request.ContractID.String()))
			return newServiceError(opTransitionStatus, "contract_select_failed", ErrPersistenceFailure, err)
		}

		_, role, err := service.resolveAccess(tx, opTransitionStatus, request.ContractID, request.CallerID)
		if err != nil {
			return err
		}

		approvals, err := service.latestVersionApprovals(tx, contract)
		if err != nil {
			return err
		}

		input := TransitionInput{
			ContractID:             request.ContractID,
			Current:                contract.Status,
			Requested:              request.Requested,
			CallerID:               request.CallerID,
			CallerRole:             role,
			LatestVersionApprovals: approvals,
		}
		if err := ValidateTransition(input); err != nil {
			var transitionErr *TransitionError
			kind := ErrInvalidTransition
			if errors.As(err, &transitionErr) {
				kind = transitionErr.Kind
			}
			return newServiceError(opTransitionStatus, reasonTransitionRefused, kind, err)
		}

		nowSeconds := service.clock().UTC().Unix()
		update := tx.Model(&Contract{}).
			Where(queryContractStatus, request.ContractID.String(), contract.Status).
			Updates(map[string]any{
				"status":       request.Requested,
				"updated_at_s": nowSeconds,
			})
		if update.Error != nil {
			service.logError(opTransitionStatus, reasonUpdateFailed, update.Error, zap.String(fieldContractID, request.ContractID.String()))
			return newServiceError(opTransitionStatus, reasonUpdateFailed, ErrPersistenceFailure, update.Error)
		}
		if update.RowsAffected == 0 {
			return newServiceError(opTransitionStatus, reasonStatusRaced, ErrConflict, nil)
		}

		previous := contract.Status
		contract.Status = request.Requested
		contract.UpdatedAtSeconds = nowSeconds
		return service.appendEvent(tx, opTransitionStatus, contract.ContractID, EventStatusChanged, request.CallerID.String(), map[string]any{
			"from": previous,
			"to":   contract.Status,
		})
	})
	if txErr != nil {
		return Contract{}, txErr
	}

	service.loggerOrDefault().Info("contract status changed",
		zap.String(fieldContractID, contract.ContractID),
		zap.String("status", string(contract.Status)))
	return contract, nil
}

func (service *Service) latestVersionApprovals(tx *gorm.DB, contract Contract) ([]Approval, error) {
	if contract.LatestVersionNumber == 0 {
		return nil, nil
	}
	var latest VersionSnapshot
	err := tx.Select("version_id").
		Where("contract_id = ? AND version_number = ?", contract.ContractID, contract.LatestVersionNumber).
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		service.logError(opTransitionStatus, reasonQueryFailed, err, zap.String(fieldContractID, contract.ContractID))
		return nil, newServiceError(opTransitionStatus, reasonQueryFailed, ErrPersistenceFailure, err)
	}

	var approvals []Approval
	if err := tx.Where("version_id = ?", latest.VersionID).Order(orderCreatedAsc).Find(&approvals).Error; err != nil {
		service.logError(opTransitionStatus, reasonQueryFailed, err, zap.String(fieldContractID, contract.ContractID))
		return nil, newServiceError(opTransitionStatus, reasonQueryFailed, ErrPersistenceFailure, err)
	}
	return approvals, nil
}
