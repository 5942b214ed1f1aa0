package contracts

// ReplicaUpdate stores an append-only replica update fragment relayed for a contract room.
type ReplicaUpdate struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	ContractID       string `gorm:"column:contract_id;size:190;not null;index:idx_replica_updates_contract;uniqueIndex:idx_replica_update_dedupe,priority:1"`
	UpdateB64        string `gorm:"column:update_b64;type:text;not null"`
	UpdateHash       string `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_replica_update_dedupe,priority:2"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReplicaUpdate) TableName() string {
	return "contract_replica_updates"
}

// ReplicaCheckpoint stores the compacted replica state per contract.
type ReplicaCheckpoint struct {
	ContractID         string `gorm:"column:contract_id;primaryKey;size:190;not null"`
	StateB64           string `gorm:"column:state_b64;type:text;not null"`
	CheckpointUpdateID int64  `gorm:"column:checkpoint_update_id;not null;default:0"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReplicaCheckpoint) TableName() string {
	return "contract_replica_checkpoints"
}
