package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationBackfillOwnerCollaborators = "2026-09-14_backfill_owner_collaborators"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillOwnerCollaborators, apply: backfillOwnerCollaborators},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillOwnerCollaborators inserts the owner collaborator row for contracts created without one, so
// collaborator listings always include the owner.
func backfillOwnerCollaborators(db *gorm.DB) error {
	var orphaned []contracts.Contract
	err := db.Where("NOT EXISTS (SELECT 1 FROM contract_collaborators c WHERE c.contract_id = contracts.contract_id AND c.user_id = contracts.owner_id)").
		Find(&orphaned).Error
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		return nil
	}
	grants := make([]contracts.Collaborator, 0, len(orphaned))
	for _, contract := range orphaned {
		grants = append(grants, contracts.Collaborator{
			ContractID:     contract.ContractID,
			UserID:         contract.OwnerID,
			Role:           contracts.RoleOwner,
			AddedAtSeconds: contract.CreatedAtSeconds,
		})
	}
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&grants).Error
}
