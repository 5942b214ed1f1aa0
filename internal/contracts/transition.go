package contracts

import "sort"

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusDraft: {
		StatusInReview: {},
	},
	StatusInReview: {
		StatusApproved: {},
		StatusRejected: {},
		StatusDraft:    {},
	},
	StatusApproved: {
		StatusSigned: {},
	},
	StatusRejected: {
		StatusDraft: {},
	},
}

// TransitionInput carries everything the status gate needs to decide.
type TransitionInput struct {
	ContractID             ContractID
	Current                Status
	Requested              Status
	CallerID               UserID
	CallerRole             Role
	LatestVersionApprovals []Approval
}

// IsAllowedTransition reports whether the table permits moving from one status to another.
func IsAllowedTransition(from, to Status) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// ValidateTransition is the pure status gate. It returns nil when the change is allowed and a
// *TransitionError otherwise; it performs no writes.
func ValidateTransition(input TransitionInput) error {
	if !IsAllowedTransition(input.Current, input.Requested) {
		return &TransitionError{Kind: ErrInvalidTransition, From: input.Current, To: input.Requested}
	}
	if input.CallerID == "" || !input.CallerRole.CanWrite() {
		return &TransitionError{Kind: ErrAccessDenied, From: input.Current, To: input.Requested, Reason: "write access required"}
	}
	if input.Requested == StatusSigned && input.CallerRole != RoleOwner {
		return &TransitionError{Kind: ErrAccessDenied, From: input.Current, To: input.Requested, Reason: "only the owner may sign"}
	}
	if input.Current == StatusInReview && input.Requested == StatusApproved {
		return checkApprovalGate(input)
	}
	return nil
}

func checkApprovalGate(input TransitionInput) error {
	approved := 0
	outstanding := make([]string, 0)
	for _, approval := range input.LatestVersionApprovals {
		switch approval.Status {
		case ApprovalApproved:
			approved++
		case ApprovalPending:
			outstanding = append(outstanding, approval.ApproverID)
		}
	}
	if approved >= 1 && len(outstanding) == 0 {
		return nil
	}
	sort.Strings(outstanding)
	return &TransitionError{
		Kind:                 ErrApprovalsIncomplete,
		From:                 input.Current,
		To:                   input.Requested,
		ApprovedCount:        approved,
		PendingCount:         len(outstanding),
		OutstandingApprovers: outstanding,
	}
}
