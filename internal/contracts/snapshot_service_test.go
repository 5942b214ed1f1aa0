package contracts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/pactum/internal/replica"
)

func TestCreateSnapshotAssignsConsecutiveVersions(testContext *testing.T) {
	service, _ := newTestService(testContext)
	owner := mustUserID(testContext, "owner-1")
	contractID := mustContract(testContext, service, owner)

	first := mustSnapshot(testContext, service, contractID, owner)
	second := mustSnapshot(testContext, service, contractID, owner)
	if first.VersionNumber != 1 || second.VersionNumber != 2 {
		testContext.Fatalf("expected versions 1 and 2, got %d and %d", first.VersionNumber, second.VersionNumber)
	}

	versions, err := service.ListVersions(context.Background(), contractID, owner)
	if err != nil {
		testContext.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 2 || versions[0].VersionNumber != 2 || versions[1].VersionNumber != 1 {
		testContext.Fatalf("expected descending versions, got %+v", versions)
	}

	view, err := service.GetContract(context.Background(), contractID, owner)
	if err != nil {
		testContext.Fatalf("get contract failed: %v", err)
	}
	if view.Contract.LatestVersionNumber != 2 {
		testContext.Fatalf("expected latest version 2, got %d", view.Contract.LatestVersionNumber)
	}
}

func TestCreateSnapshotConcurrentCallsNeverShareANumber(testContext *testing.T) {
	service, db := newTestService(testContext)
	owner := mustUserID(testContext, "owner-1")
	contractID := mustContract(testContext, service, owner)

	if err := db.Model(&Contract{}).Where("contract_id = ?", contractID.String()).Update("latest_version_number", 3).Error; err != nil {
		testContext.Fatalf("failed to seed version counter: %v", err)
	}

	const callers = 8
	var waitGroup sync.WaitGroup
	numbers := make(chan int64, callers)
	failures := make(chan error, callers)
	start := make(chan struct{})
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-start
			version, err := service.CreateSnapshot(context.Background(), SnapshotRequest{
				ContractID:        contractID,
				ContentStructured: []byte(`{"type":"doc"}`),
				CallerID:          owner,
			})
			if err != nil {
				failures <- err
				return
			}
			numbers <- version.VersionNumber
		}()
	}
	close(start)
	waitGroup.Wait()
	close(numbers)
	close(failures)

	for err := range failures {
		testContext.Fatalf("concurrent snapshot failed: %v", err)
	}
	collected := make([]int64, 0, callers)
	for number := range numbers {
		collected = append(collected, number)
	}
	sort.Slice(collected, func(left, right int) bool { return collected[left] < collected[right] })
	if len(collected) != callers {
		testContext.Fatalf("expected %d versions, got %d", callers, len(collected))
	}
	for index, number := range collected {
		if number != int64(4+index) {
			testContext.Fatalf("expected gap-free versions starting at 4, got %v", collected)
		}
	}
}

func TestCreateSnapshotRequiresWriteAccess(testContext *testing.T) {
	service, _ := newTestService(testContext)
	owner := mustUserID(testContext, "owner-1")
	reviewer := mustUserID(testContext, "reviewer-1")
	stranger := mustUserID(testContext, "stranger-1")
	contractID := mustContract(testContext, service, owner)
	mustAddCollaborator(testContext, service, contractID, reviewer, RoleReviewer, owner)

	for _, caller := range []UserID{reviewer, stranger} {
		_, err := service.CreateSnapshot(context.Background(), SnapshotRequest{
			ContractID:        contractID,
			ContentStructured: []byte(`{}`),
			CallerID:          caller,
		})
		if !errors.Is(err, ErrAccessDenied) {
			testContext.Fatalf("expected access denied for %s, got %v", caller, err)
		}
	}

	_, err := service.CreateSnapshot(context.Background(), SnapshotRequest{
		ContractID:        ContractID("missing"),
		ContentStructured: []byte(`{}`),
		CallerID:          owner,
	})
	if !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateSnapshotDerivesTextFromReplicaState(testContext *testing.T) {
	service, _ := newTestService(testContext)
	owner := mustUserID(testContext, "owner-1")
	contractID := mustContract(testContext, service, owner)

	document := replica.NewDocument("client-a")
	document.ApplyLocalEdit(replica.Insert(0, "Governing law: Delaware"))

	version, err := service.CreateSnapshot(context.Background(), SnapshotRequest{
		ContractID:        contractID,
		ContentStructured: []byte(`{"type":"doc"}`),
		ReplicaState:      document.Serialize(),
		CallerID:          owner,
	})
	if err != nil {
		testContext.Fatalf("create snapshot failed: %v", err)
	}
	if version.ContentText != "Governing law: Delaware" {
		testContext.Fatalf("expected derived text, got %q", version.ContentText)
	}

	_, err = service.CreateSnapshot(context.Background(), SnapshotRequest{
		ContractID:        contractID,
		ContentStructured: []byte(`{not json`),
		CallerID:          owner,
	})
	if !errors.Is(err, ErrValidation) {
		testContext.Fatalf("expected validation error for malformed structured content, got %v", err)
	}
}

func TestCreateSnapshotAppendsAuditEvent(testContext *testing.T) {
	service, _ := newTestService(testContext)
	owner := mustUserID(testContext, "owner-1")
	contractID := mustContract(testContext, service, owner)
	mustSnapshot(testContext, service, contractID, owner)

	events, err := service.ListEvents(context.Background(), contractID, owner)
	if err != nil {
		testContext.Fatalf("list events failed: %v", err)
	}
	if len(events) != 2 {
		testContext.Fatalf("expected creation and snapshot events, got %d", len(events))
	}
	if events[0].EventType != EventContractCreated || events[1].EventType != EventSnapshotCreated {
		testContext.Fatalf("unexpected event order %s, %s", events[0].EventType, events[1].EventType)
	}
}
