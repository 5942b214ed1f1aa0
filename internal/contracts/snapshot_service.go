package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/pactum/internal/replica"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateSnapshot            = "contracts.create_snapshot"
	opListVersions              = "contracts.list_versions"
	reasonVersionBumpFailed     = "version_bump_failed"
	reasonVersionReadFailed     = "version_read_failed"
	reasonVersionInsertFailed   = "version_insert_failed"
	reasonStructuredInvalid     = "structured_content_invalid"
	reasonReplicaStateMalformed = "replica_state_malformed"
)

// SnapshotRequest describes a version snapshot to persist.
type SnapshotRequest struct {
	ContractID        ContractID
	ContentStructured json.RawMessage
	ContentText       string
	ReplicaState      []byte
	CallerID          UserID
}

// CreateSnapshot atomically claims the next version number and stores an immutable snapshot.
//
// The counter increment, the version insert and the audit event share one transaction, so
// concurrent snapshots of the same contract always receive distinct, consecutive numbers.
func (service *Service) CreateSnapshot(ctx context.Context, request SnapshotRequest) (VersionSnapshot, error) {
	ctx, span := service.startSpan(ctx, opCreateSnapshot,
		attribute.String(attributeContractID, request.ContractID.String()),
		attribute.String(attributeCallerID, request.CallerID.String()))
	version, err := service.createSnapshot(ctx, request)
	if err == nil {
		span.SetAttributes(attribute.Int64(attributeVersionNumber, version.VersionNumber))
	}
	finishSpan(span, err)
	return version, err
}

func (service *Service) createSnapshot(ctx context.Context, request SnapshotRequest) (VersionSnapshot, error) {
	structured, contentText, err := normalizeSnapshotContent(request)
	if err != nil {
		return VersionSnapshot{}, err
	}

	versionID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opCreateSnapshot, reasonIDGeneration, err)
		return VersionSnapshot{}, newServiceError(opCreateSnapshot, reasonIDGeneration, ErrPersistenceFailure, err)
	}

	var version VersionSnapshot
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, role, err := service.resolveAccess(tx, opCreateSnapshot, request.ContractID, request.CallerID)
		if err != nil {
			return err
		}
		if !role.CanWrite() {
			return newServiceError(opCreateSnapshot, reasonAccessDenied, ErrAccessDenied, nil)
		}

		nowSeconds := service.clock().UTC().Unix()
		bump := tx.Model(&Contract{}).
			Where(queryContractID, request.ContractID.String()).
			Updates(map[string]any{
				"latest_version_number": gorm.Expr("latest_version_number + ?", 1),
				"updated_at_s":          nowSeconds,
			})
		if bump.Error != nil {
			service.logError(opCreateSnapshot, reasonVersionBumpFailed, bump.Error, zap.String(fieldContractID, request.ContractID.String()))
			return newServiceError(opCreateSnapshot, reasonVersionBumpFailed, ErrPersistenceFailure, bump.Error)
		}
		if bump.RowsAffected != 1 {
			return newServiceError(opCreateSnapshot, reasonNotFound, ErrNotFound, nil)
		}

		var counter Contract
		if err := tx.Select("latest_version_number").Where(queryContractID, request.ContractID.String()).Take(&counter).Error; err != nil {
			service.logError(opCreateSnapshot, reasonVersionReadFailed, err, zap.String(fieldContractID, request.ContractID.String()))
			return newServiceError(opCreateSnapshot, reasonVersionReadFailed, ErrPersistenceFailure, err)
		}

		version = VersionSnapshot{
			VersionID:         versionID,
			ContractID:        request.ContractID.String(),
			VersionNumber:     counter.LatestVersionNumber,
			ContentStructured: structured,
			ContentText:       contentText,
			ReplicaState:      append([]byte(nil), request.ReplicaState...),
			CreatedBy:         request.CallerID.String(),
			CreatedAtSeconds:  nowSeconds,
		}
		if err := tx.Create(&version).Error; err != nil {
			service.logError(opCreateSnapshot, reasonVersionInsertFailed, err,
				zap.String(fieldContractID, request.ContractID.String()),
				zap.Int64("version_number", version.VersionNumber))
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opCreateSnapshot, reasonVersionInsertFailed, ErrConflict, err)
			}
			return newServiceError(opCreateSnapshot, reasonVersionInsertFailed, ErrPersistenceFailure, err)
		}

		return service.appendEvent(tx, opCreateSnapshot, version.ContractID, EventSnapshotCreated, version.CreatedBy, map[string]any{
			"version_id":     version.VersionID,
			"version_number": version.VersionNumber,
		})
	})
	if txErr != nil {
		return VersionSnapshot{}, txErr
	}

	service.loggerOrDefault().Info("contract snapshot created",
		zap.String(fieldContractID, version.ContractID),
		zap.Int64("version_number", version.VersionNumber),
		zap.String("created_by", version.CreatedBy))
	return version, nil
}

// ListVersions returns every version snapshot of a contract, newest first.
func (service *Service) ListVersions(ctx context.Context, contractID ContractID, callerID UserID) ([]VersionSnapshot, error) {
	db := service.db.WithContext(ctx)
	_, role, err := service.resolveAccess(db, opListVersions, contractID, callerID)
	if err != nil {
		return nil, err
	}
	if !role.CanRead() {
		return nil, newServiceError(opListVersions, reasonAccessDenied, ErrAccessDenied, nil)
	}

	var versions []VersionSnapshot
	if err := db.Where(queryContractID, contractID.String()).Order(orderVersionDesc).Find(&versions).Error; err != nil {
		service.logError(opListVersions, reasonQueryFailed, err, zap.String(fieldContractID, contractID.String()))
		return nil, newServiceError(opListVersions, reasonQueryFailed, ErrPersistenceFailure, err)
	}
	return versions, nil
}

func normalizeSnapshotContent(request SnapshotRequest) (string, string, error) {
	structured := strings.TrimSpace(string(request.ContentStructured))
	if structured == "" {
		structured = "null"
	}
	if !json.Valid([]byte(structured)) {
		return "", "", newServiceError(opCreateSnapshot, reasonStructuredInvalid, ErrValidation, errors.New("structured content must be valid JSON"))
	}

	contentText := request.ContentText
	if contentText == "" && len(request.ReplicaState) > 0 {
		derived, err := replica.TextFromState(request.ReplicaState)
		if err != nil {
			return "", "", newServiceError(opCreateSnapshot, reasonReplicaStateMalformed, ErrValidation, err)
		}
		contentText = derived
	}
	return structured, contentText, nil
}
