// Package contracts owns the authoritative contract records: collaborators, numbered version
// snapshots, reviewer approvals, status transitions, the audit trail and the persisted replica log.
package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew        = "contracts.service.new"
	opCreateContract    = "contracts.create"
	opGetContract       = "contracts.get"
	opAddCollaborator   = "contracts.add_collaborator"
	opListEvents        = "contracts.list_events"
	opResolveAccess     = "contracts.resolve_access"
	maxTitleLength      = 320
	queryContractID     = "contract_id = ?"
	queryContractUser   = "contract_id = ? AND user_id = ?"
	orderEventIDAsc     = "event_id ASC"
	orderVersionDesc    = "version_number DESC"
	orderCreatedAsc     = "created_at_s ASC, approval_id ASC"
	orderAddedAsc       = "added_at_s ASC, user_id ASC"
	fieldContractID     = "contract_id"
	fieldCallerID       = "caller_id"
	reasonNotFound      = "not_found"
	reasonAccessDenied  = "access_denied"
	reasonInvalidInput  = "invalid_input"
	reasonIDGeneration  = "id_generation_failed"
	reasonQueryFailed   = "query_failed"
	reasonInsertFailed  = "insert_failed"
	reasonUpdateFailed  = "update_failed"
	reasonEventFailed   = "event_append_failed"
	reasonMissingDBName = "missing_database"
)

// ServiceConfig configures the contracts service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// TracerProvider defaults to the global provider, which is a no-op until one is installed.
	TracerProvider trace.TracerProvider
}

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// Service implements contract lifecycle, snapshot, approval and replica log operations.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewService validates configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDBName, ErrValidation, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", ErrValidation, errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		tracer:     newTracer(cfg.TracerProvider),
	}, nil
}

// CreateContractRequest describes a new contract.
type CreateContractRequest struct {
	Title   string
	OwnerID UserID
}

// CreateContract stores a draft contract and registers its owner as a collaborator.
func (service *Service) CreateContract(ctx context.Context, request CreateContractRequest) (Contract, error) {
	title := strings.TrimSpace(request.Title)
	if title == "" || len(title) > maxTitleLength {
		return Contract{}, newServiceError(opCreateContract, reasonInvalidInput, ErrValidation, errors.New("title must be between 1 and 320 characters"))
	}
	if request.OwnerID == "" {
		return Contract{}, newServiceError(opCreateContract, reasonInvalidInput, ErrValidation, errors.New("owner is required"))
	}

	contractID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opCreateContract, reasonIDGeneration, err)
		return Contract{}, newServiceError(opCreateContract, reasonIDGeneration, ErrPersistenceFailure, err)
	}

	nowSeconds := service.clock().UTC().Unix()
	contract := Contract{
		ContractID:       contractID,
		Title:            title,
		OwnerID:          request.OwnerID.String(),
		Status:           StatusDraft,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}

	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&contract).Error; err != nil {
			service.logError(opCreateContract, reasonInsertFailed, err, zap.String(fieldContractID, contractID))
			return newServiceError(opCreateContract, reasonInsertFailed, ErrPersistenceFailure, err)
		}
		owner := Collaborator{
			ContractID:     contractID,
			UserID:         request.OwnerID.String(),
			Role:           RoleOwner,
			AddedAtSeconds: nowSeconds,
		}
		if err := tx.Create(&owner).Error; err != nil {
			service.logError(opCreateContract, "owner_insert_failed", err, zap.String(fieldContractID, contractID))
			return newServiceError(opCreateContract, "owner_insert_failed", ErrPersistenceFailure, err)
		}
		return service.appendEvent(tx, opCreateContract, contractID, EventContractCreated, request.OwnerID.String(), map[string]any{
			"title": title,
		})
	})
	if txErr != nil {
		return Contract{}, txErr
	}
	return contract, nil
}

// GetContract returns the composite read-only view for a caller with read access.
func (service *Service) GetContract(ctx context.Context, contractID ContractID, callerID UserID) (ContractView, error) {
	db := service.db.WithContext(ctx)
	contract, role, err := service.resolveAccess(db, opGetContract, contractID, callerID)
	if err != nil {
		return ContractView{}, err
	}
	if !role.CanRead() {
		return ContractView{}, newServiceError(opGetContract, reasonAccessDenied, ErrAccessDenied, nil)
	}

	view := ContractView{Contract: contract}
	if err := db.Where(queryContractID, contractID.String()).Order(orderVersionDesc).Find(&view.Versions).Error; err != nil {
		service.logError(opGetContract, "versions_query_failed", err, zap.String(fieldContractID, contractID.String()))
		return ContractView{}, newServiceError(opGetContract, "versions_query_failed", ErrPersistenceFailure, err)
	}
	if err := db.Where(queryContractID, contractID.String()).Order(orderCreatedAsc).Find(&view.Approvals).Error; err != nil {
		service.logError(opGetContract, "approvals_query_failed", err, zap.String(fieldContractID, contractID.String()))
		return ContractView{}, newServiceError(opGetContract, "approvals_query_failed", ErrPersistenceFailure, err)
	}
	if err := db.Where(queryContractID, contractID.String()).Order(orderAddedAsc).Find(&view.Collaborators).Error; err != nil {
		service.logError(opGetContract, "collaborators_query_failed", err, zap.String(fieldContractID, contractID.String()))
		return ContractView{}, newServiceError(opGetContract, "collaborators_query_failed", ErrPersistenceFailure, err)
	}
	view.Summary = summarize(view.Approvals)
	return view, nil
}

// AccessRole returns the caller's role on a contract; an empty role means no access.
func (service *Service) AccessRole(ctx context.Context, contractID ContractID, callerID UserID) (Role, error) {
	_, role, err := service.resolveAccess(service.db.WithContext(ctx), opResolveAccess, contractID, callerID)
	return role, err
}

// AddCollaboratorRequest grants a role on a contract.
type AddCollaboratorRequest struct {
	ContractID ContractID
	UserID     UserID
	Role       Role
	CallerID   UserID
}

// AddCollaborator grants or changes a non-owner role; only the owner may do so.
func (service *Service) AddCollaborator(ctx context.Context, request AddCollaboratorRequest) (Collaborator, error) {
	if request.Role == RoleOwner || request.Role == roleNone {
		return Collaborator{}, newServiceError(opAddCollaborator, reasonInvalidInput, ErrValidation, errors.New("role must be editor, reviewer or viewer"))
	}

	collaborator := Collaborator{
		ContractID:     request.ContractID.String(),
		UserID:         request.UserID.String(),
		Role:           request.Role,
		AddedAtSeconds: service.clock().UTC().Unix(),
	}
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, role, err := service.resolveAccess(tx, opAddCollaborator, request.ContractID, request.CallerID)
		if err != nil {
			return err
		}
		if role != RoleOwner {
			return newServiceError(opAddCollaborator, reasonAccessDenied, ErrAccessDenied, nil)
		}
		if contract.OwnerID == request.UserID.String() {
			return newServiceError(opAddCollaborator, "owner_role_immutable", ErrConflict, nil)
		}
		upsert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contract_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).Create(&collaborator)
		if upsert.Error != nil {
			service.logError(opAddCollaborator, reasonInsertFailed, upsert.Error, zap.String(fieldContractID, collaborator.ContractID))
			return newServiceError(opAddCollaborator, reasonInsertFailed, ErrPersistenceFailure, upsert.Error)
		}
		return service.appendEvent(tx, opAddCollaborator, collaborator.ContractID, EventCollaboratorAdded, request.CallerID.String(), map[string]any{
			"user_id": collaborator.UserID,
			"role":    collaborator.Role,
		})
	})
	if txErr != nil {
		return Collaborator{}, txErr
	}
	return collaborator, nil
}

// ListEvents returns the audit trail in append order.
func (service *Service) ListEvents(ctx context.Context, contractID ContractID, callerID UserID) ([]ContractEvent, error) {
	db := service.db.WithContext(ctx)
	_, role, err := service.resolveAccess(db, opListEvents, contractID, callerID)
	if err != nil {
		return nil, err
	}
	if !role.CanRead() {
		return nil, newServiceError(opListEvents, reasonAccessDenied, ErrAccessDenied, nil)
	}

	var events []ContractEvent
	if err := db.Where(queryContractID, contractID.String()).Order(orderEventIDAsc).Find(&events).Error; err != nil {
		service.logError(opListEvents, reasonQueryFailed, err, zap.String(fieldContractID, contractID.String()))
		return nil, newServiceError(opListEvents, reasonQueryFailed, ErrPersistenceFailure, err)
	}
	return events, nil
}

// resolveAccess loads the contract and the caller's collaborator role.
func (service *Service) resolveAccess(db *gorm.DB, operation string, contractID ContractID, callerID UserID) (Contract, Role, error) {
	var contract Contract
	err := db.Where(queryContractID, contractID.String()).Take(&contract).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contract{}, roleNone, newServiceError(operation, reasonNotFound, ErrNotFound, nil)
	}
	if err != nil {
		service.logError(operation, "contract_select_failed", err, zap.String(fieldContractID, contractID.String()))
		return Contract{}, roleNone, newServiceError(operation, "contract_select_failed", ErrPersistenceFailure, err)
	}
	if callerID == "" {
		return contract, roleNone, nil
	}
	if contract.OwnerID == callerID.String() {
		return contract, RoleOwner, nil
	}

	var collaborator Collaborator
	err = db.Where(queryContractUser, contractID.String(), callerID.String()).Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return contract, roleNone, nil
	}
	if err != nil {
		service.logError(operation, "collaborator_select_failed", err,
			zap.String(fieldContractID, contractID.String()),
			zap.String(fieldCallerID, callerID.String()))
		return Contract{}, roleNone, newServiceError(operation, "collaborator_select_failed", ErrPersistenceFailure, err)
	}
	return contract, collaborator.Role, nil
}

func (service *Service) appendEvent(tx *gorm.DB, operation, contractID string, eventType EventType, actorID string, payload map[string]any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		service.logError(operation, reasonEventFailed, err, zap.String(fieldContractID, contractID))
		return newServiceError(operation, reasonEventFailed, ErrPersistenceFailure, err)
	}
	event := ContractEvent{
		ContractID:        contractID,
		EventType:         eventType,
		ActorID:           actorID,
		PayloadJSON:       string(encoded),
		OccurredAtSeconds: service.clock().UTC().Unix(),
	}
	if err := tx.Create(&event).Error; err != nil {
		service.logError(operation, reasonEventFailed, err, zap.String(fieldContractID, contractID))
		return newServiceError(operation, reasonEventFailed, ErrPersistenceFailure, err)
	}
	return nil
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("contracts service error", attrs...)
}
