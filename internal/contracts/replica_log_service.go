package contracts

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAppendReplicaUpdates      = "contracts.append_replica_updates"
	opLoadReplicaLog            = "contracts.load_replica_log"
	opSaveReplicaCheckpoint     = "contracts.save_replica_checkpoint"
	columnUpdateID              = "update_id"
	orderUpdateIDAsc            = columnUpdateID + " ASC"
	queryContractHash           = "contract_id = ? AND update_hash = ?"
	queryContractAfterUpdate    = "contract_id = ? AND update_id > ?"
	queryContractThroughUpdate  = "contract_id = ? AND update_id <= ?"
	reasonUpdateInsertFailed    = "update_insert_failed"
	reasonUpdateLookupFailed    = "update_lookup_failed"
	reasonCheckpointFailed      = "checkpoint_upsert_failed"
	reasonCompactionFailed      = "compaction_failed"
	reasonPayloadInvalid        = "payload_invalid"
	reasonEmptyFragment         = "empty_fragment"
	fieldUpdateID               = "update_id"
	fieldCheckpointUpdateIDName = "checkpoint_update_id"
)

// ReplicaUpdateOutcome captures the stored outcome for one fragment.
type ReplicaUpdateOutcome struct {
	UpdateID  int64
	Duplicate bool
}

// ReplicaUpdateRecord is a stored fragment ready for replay.
type ReplicaUpdateRecord struct {
	UpdateID int64
	Fragment []byte
}

// ReplicaLog is the compacted checkpoint plus the fragments appended after it.
type ReplicaLog struct {
	Checkpoint         []byte
	CheckpointUpdateID int64
	Updates            []ReplicaUpdateRecord
}

// LastUpdateID returns the highest update identifier represented by the log.
func (log ReplicaLog) LastUpdateID() int64 {
	if len(log.Updates) == 0 {
		return log.CheckpointUpdateID
	}
	return log.Updates[len(log.Updates)-1].UpdateID
}

// AppendReplicaUpdates persists relayed fragments; identical fragments are stored once.
func (service *Service) AppendReplicaUpdates(ctx context.Context, contractID ContractID, fragments [][]byte) ([]ReplicaUpdateOutcome, error) {
	outcomes := make([]ReplicaUpdateOutcome, 0, len(fragments))
	if len(fragments) == 0 {
		return outcomes, nil
	}

	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, fragment := range fragments {
			if len(fragment) == 0 {
				return newServiceError(opAppendReplicaUpdates, reasonEmptyFragment, ErrValidation, nil)
			}
			updateHash := hashReplicaPayload(fragment)
			model := ReplicaUpdate{
				ContractID:       contractID.String(),
				UpdateB64:        base64.StdEncoding.EncodeToString(fragment),
				UpdateHash:       updateHash,
				AppliedAtSeconds: service.clock().UTC().Unix(),
			}
			createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
			if createResult.Error != nil {
				service.logError(opAppendReplicaUpdates, reasonUpdateInsertFailed, createResult.Error,
					zap.String(fieldContractID, contractID.String()))
				return newServiceError(opAppendReplicaUpdates, reasonUpdateInsertFailed, ErrPersistenceFailure, createResult.Error)
			}

			duplicate := createResult.RowsAffected == 0
			updateID := model.UpdateID
			if duplicate {
				var existing ReplicaUpdate
				err := transaction.Select(columnUpdateID).
					Where(queryContractHash, contractID.String(), updateHash).
					Take(&existing).Error
				if err != nil {
					service.logError(opAppendReplicaUpdates, reasonUpdateLookupFailed, err,
						zap.String(fieldContractID, contractID.String()))
					return newServiceError(opAppendReplicaUpdates, reasonUpdateLookupFailed, ErrPersistenceFailure, err)
				}
				updateID = existing.UpdateID
			}
			outcomes = append(outcomes, ReplicaUpdateOutcome{UpdateID: updateID, Duplicate: duplicate})
		}
		return nil
	})
	if transactionError != nil {
		return nil, transactionError
	}
	return outcomes, nil
}

// LoadReplicaLog returns the checkpoint and every fragment stored after it, in append order.
func (service *Service) LoadReplicaLog(ctx context.Context, contractID ContractID) (ReplicaLog, error) {
	db := service.db.WithContext(ctx)

	var log ReplicaLog
	var checkpoint ReplicaCheckpoint
	err := db.Where(queryContractID, contractID.String()).Take(&checkpoint).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		service.logError(opLoadReplicaLog, reasonQueryFailed, err, zap.String(fieldContractID, contractID.String()))
		return ReplicaLog{}, newServiceError(opLoadReplicaLog, reasonQueryFailed, ErrPersistenceFailure, err)
	default:
		state, decodeErr := base64.StdEncoding.DecodeString(checkpoint.StateB64)
		if decodeErr != nil {
			service.logError(opLoadReplicaLog, reasonPayloadInvalid, decodeErr, zap.String(fieldContractID, contractID.String()))
			return ReplicaLog{}, newServiceError(opLoadReplicaLog, reasonPayloadInvalid, ErrPersistenceFailure, decodeErr)
		}
		log.Checkpoint = state
		log.CheckpointUpdateID = checkpoint.CheckpointUpdateID
	}

	var updates []ReplicaUpdate
	if err := db.Where(queryContractAfterUpdate, contractID.String(), log.CheckpointUpdateID).
		Order(orderUpdateIDAsc).
		Find(&updates).Error; err != nil {
		service.logError(opLoadReplicaLog, reasonQueryFailed, err, zap.String(fieldContractID, contractID.String()))
		return ReplicaLog{}, newServiceError(opLoadReplicaLog, reasonQueryFailed, ErrPersistenceFailure, err)
	}

	log.Updates = make([]ReplicaUpdateRecord, 0, len(updates))
	for _, update := range updates {
		fragment, decodeErr := base64.StdEncoding.DecodeString(update.UpdateB64)
		if decodeErr != nil {
			service.logError(opLoadReplicaLog, reasonPayloadInvalid, decodeErr,
				zap.String(fieldContractID, contractID.String()),
				zap.Int64(fieldUpdateID, update.UpdateID))
			continue
		}
		log.Updates = append(log.Updates, ReplicaUpdateRecord{UpdateID: update.UpdateID, Fragment: fragment})
	}
	return log, nil
}

// SaveReplicaCheckpoint stores a compacted state covering every update up to throughUpdateID and
// deletes the fragments it subsumes. Older checkpoints never replace newer ones.
func (service *Service) SaveReplicaCheckpoint(ctx context.Context, contractID ContractID, state []byte, throughUpdateID int64) error {
	if len(state) == 0 {
		return newServiceError(opSaveReplicaCheckpoint, reasonEmptyFragment, ErrValidation, nil)
	}

	return service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		stateB64 := base64.StdEncoding.EncodeToString(state)
		nowSeconds := service.clock().UTC().Unix()

		var existing ReplicaCheckpoint
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryContractID, contractID.String()).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if createErr := transaction.Create(&ReplicaCheckpoint{
				ContractID:         contractID.String(),
				StateB64:           stateB64,
				CheckpointUpdateID: throughUpdateID,
				UpdatedAtSeconds:   nowSeconds,
			}).Error; createErr != nil {
				service.logError(opSaveReplicaCheckpoint, reasonCheckpointFailed, createErr, zap.String(fieldContractID, contractID.String()))
				return newServiceError(opSaveReplicaCheckpoint, reasonCheckpointFailed, ErrPersistenceFailure, createErr)
			}
		case err != nil:
			service.logError(opSaveReplicaCheckpoint, reasonCheckpointFailed, err, zap.String(fieldContractID, contractID.String()))
			return newServiceError(opSaveReplicaCheckpoint, reasonCheckpointFailed, ErrPersistenceFailure, err)
		case throughUpdateID < existing.CheckpointUpdateID:
			return nil
		default:
			existing.StateB64 = stateB64
			existing.CheckpointUpdateID = throughUpdateID
			existing.UpdatedAtSeconds = nowSeconds
			if saveErr := transaction.Save(&existing).Error; saveErr != nil {
				service.logError(opSaveReplicaCheckpoint, reasonCheckpointFailed, saveErr, zap.String(fieldContractID, contractID.String()))
				return newServiceError(opSaveReplicaCheckpoint, reasonCheckpointFailed, ErrPersistenceFailure, saveErr)
			}
		}

		if deleteErr := transaction.Where(queryContractThroughUpdate, contractID.String(), throughUpdateID).
			Delete(&ReplicaUpdate{}).Error; deleteErr != nil {
			service.logError(opSaveReplicaCheckpoint, reasonCompactionFailed, deleteErr,
				zap.String(fieldContractID, contractID.String()),
				zap.Int64(fieldCheckpointUpdateIDName, throughUpdateID))
			return newServiceError(opSaveReplicaCheckpoint, reasonCompactionFailed, ErrPersistenceFailure, deleteErr)
		}
		return nil
	})
}

func hashReplicaPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
