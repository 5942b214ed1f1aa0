package contracts

import (
	"context"
	"errors"
	"testing"
)

func TestNewServiceValidatesConfig(testContext *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); !errors.Is(err, errMissingDatabase) {
		testContext.Fatalf("expected missing database error, got %v", err)
	}
	_, db := newTestService(testContext)
	if _, err := NewService(ServiceConfig{Database: db}); !errors.Is(err, errMissingIDProvider) {
		testContext.Fatalf("expected missing id provider error, got %v", err)
	}
}

func TestCreateContractRegistersOwner(testContext *testing.T) {
	service, _ := newTestServiceWithIDs(testContext, &staticIDGenerator{ids: []string{"contract-1"}})
	owner := mustUserID(testContext, "owner-1")

	contract, err := service.CreateContract(context.Background(), CreateContractRequest{Title: "  NDA  ", OwnerID: owner})
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if contract.ContractID != "contract-1" || contract.Title != "NDA" || contract.Status != StatusDraft {
		testContext.Fatalf("unexpected contract %+v", contract)
	}
	if contract.LatestVersionNumber != 0 {
		testContext.Fatalf("expected version counter to start at zero")
	}

	view, err := service.GetContract(context.Background(), ContractID("contract-1"), owner)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if len(view.Collaborators) != 1 || view.Collaborators[0].Role != RoleOwner {
		testContext.Fatalf("expected owner collaborator, got %+v", view.Collaborators)
	}

	if _, err := service.CreateContract(context.Background(), CreateContractRequest{Title: " ", OwnerID: owner}); !errors.Is(err, ErrValidation) {
		testContext.Fatalf("expected validation error for blank title, got %v", err)
	}
}

func TestGetContractRequiresReadAccess(testContext *testing.T) {
	service, _ := newTestService(testContext)
	owner := mustUserID(testContext, "owner-1")
	stranger := mustUserID(testContext, "stranger-1")
	contractID := mustContract(testContext, service, owner)

	if _, err := service.GetContract(context.Background(), contractID, stranger); !errors.Is(err, ErrAccessDenied) {
		testContext.Fatalf("expected access denied, got %v", err)
	}
	if _, err := service.GetContract(context.Background(), ContractID("missing"), owner); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestAddCollaboratorIsOwnerOnly(testContext *testing.T) {
	service, _ := newTestService(testContext)
	owner := mustUserID(testContext, "owner-1")
	editor := mustUserID(testContext, "editor-1")
	viewer := mustUserID(testContext, "viewer-1")
	contractID := mustContract(testContext, service, owner)
	mustAddCollaborator(testContext, service, contractID, editor, RoleEditor, owner)

	_, err := service.AddCollaborator(context.Background(), AddCollaboratorRequest{
		ContractID: contractID,
		UserID:     viewer,
		Role:       RoleViewer,
		CallerID:   editor,
	})
	if !errors.Is(err, ErrAccessDenied) {
		testContext.Fatalf("expected editor to be denied, got %v", err)
	}

	_, err = service.AddCollaborator(context.Background(), AddCollaboratorRequest{
		ContractID: contractID,
		UserID:     owner,
		Role:       RoleViewer,
		CallerID:   owner,
	})
	if !errors.Is(err, ErrConflict) {
		testContext.Fatalf("expected owner demotion to conflict, got %v", err)
	}

	mustAddCollaborator(testContext, service, contractID, editor, RoleViewer, owner)
	role, err := service.AccessRole(context.Background(), contractID, editor)
	if err != nil {
		testContext.Fatalf("access role failed: %v", err)
	}
	if role != RoleViewer {
		testContext.Fatalf("expected role change to viewer, got %q", role)
	}
}
