package server

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"github.com/MarcoPoloResearchLab/pactum/internal/rooms"
)

var errEmptyReplicaAppend = errors.New("replica store: append produced no outcome")

// ReplicaStore persists the relay's room history in the contract replica log.
type ReplicaStore struct {
	contracts *contracts.Service
}

// NewReplicaStore adapts the contracts service to the relay's update store.
func NewReplicaStore(service *contracts.Service) *ReplicaStore {
	return &ReplicaStore{contracts: service}
}

var _ rooms.UpdateStore = (*ReplicaStore)(nil)

func (s *ReplicaStore) LoadRoom(ctx context.Context, contractID string) (rooms.StoredLog, error) {
	log, err := s.contracts.LoadReplicaLog(ctx, contracts.ContractID(contractID))
	if err != nil {
		return rooms.StoredLog{}, err
	}
	stored := rooms.StoredLog{
		Checkpoint:   log.Checkpoint,
		Updates:      make([][]byte, 0, len(log.Updates)),
		LastUpdateID: log.LastUpdateID(),
	}
	for _, update := range log.Updates {
		stored.Updates = append(stored.Updates, update.Fragment)
	}
	return stored, nil
}

func (s *ReplicaStore) AppendUpdate(ctx context.Context, contractID string, fragment []byte) (int64, error) {
	outcomes, err := s.contracts.AppendReplicaUpdates(ctx, contracts.ContractID(contractID), [][]byte{fragment})
	if err != nil {
		return 0, err
	}
	if len(outcomes) == 0 {
		return 0, errEmptyReplicaAppend
	}
	return outcomes[0].UpdateID, nil
}

func (s *ReplicaStore) Checkpoint(ctx context.Context, contractID string, state []byte, throughUpdateID int64) error {
	return s.contracts.SaveReplicaCheckpoint(ctx, contracts.ContractID(contractID), state, throughUpdateID)
}
