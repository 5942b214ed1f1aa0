package contracts

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestService(testContext *testing.T) (*Service, *gorm.DB) {
	testContext.Helper()
	return newTestServiceWithIDs(testContext, NewUUIDProvider())
}

func newTestServiceWithIDs(testContext *testing.T, idProvider IDProvider) (*Service, *gorm.DB) {
	testContext.Helper()

	databasePath := filepath.Join(testContext.TempDir(), "contracts.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := db.AutoMigrate(AllModels()...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: idProvider,
	})
	if err != nil {
		testContext.Fatalf("failed to construct contracts service: %v", err)
	}
	return service, db
}

func mustUserID(testContext *testing.T, value string) UserID {
	testContext.Helper()
	id, err := NewUserID(value)
	if err != nil {
		testContext.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustContract(testContext *testing.T, service *Service, owner UserID) ContractID {
	testContext.Helper()
	contract, err := service.CreateContract(context.Background(), CreateContractRequest{Title: "Master services agreement", OwnerID: owner})
	if err != nil {
		testContext.Fatalf("failed to create contract: %v", err)
	}
	contractID, err := NewContractID(contract.ContractID)
	if err != nil {
		testContext.Fatalf("unexpected contract id error: %v", err)
	}
	return contractID
}

func mustSnapshot(testContext *testing.T, service *Service, contractID ContractID, caller UserID) VersionSnapshot {
	testContext.Helper()
	version, err := service.CreateSnapshot(context.Background(), SnapshotRequest{
		ContractID:        contractID,
		ContentStructured: []byte(`{"type":"doc"}`),
		ContentText:       "terms",
		CallerID:          caller,
	})
	if err != nil {
		testContext.Fatalf("failed to create snapshot: %v", err)
	}
	return version
}

func mustApproval(testContext *testing.T, service *Service, contractID ContractID, versionID string, approver, requester UserID) Approval {
	testContext.Helper()
	approval, err := service.RequestApproval(context.Background(), ApprovalRequest{
		ContractID:  contractID,
		VersionID:   versionID,
		ApproverID:  approver,
		RequestedBy: requester,
	})
	if err != nil {
		testContext.Fatalf("failed to request approval: %v", err)
	}
	return approval
}

func mustAddCollaborator(testContext *testing.T, service *Service, contractID ContractID, user UserID, role Role, owner UserID) {
	testContext.Helper()
	if _, err := service.AddCollaborator(context.Background(), AddCollaboratorRequest{
		ContractID: contractID,
		UserID:     user,
		Role:       role,
		CallerID:   owner,
	}); err != nil {
		testContext.Fatalf("failed to add collaborator: %v", err)
	}
}
