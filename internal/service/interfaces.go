package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// FlowStore reads flow definitions. GetFlowByType returns nil when the flow
// does not exist; GetSteps returns steps ordered by Order with approver specs
// populated.
type FlowStore interface {
	GetFlowByType(ctx context.Context, companyID int64, flowType string) (*repository.Flow, error)
	GetSteps(ctx context.Context, flowID int64) ([]*repository.Step, error)
}

// ApprovalStore persists approval instances and their active approver sets.
// GetCurrentStatus and GetOwner return a NotFound error for unknown ids.
// Update leaves parameters untouched when params is nil. Insert stores the
// approval and its created entry together or not at all, filling the entry's
// ApprovalID, ID and DateTime.
type ApprovalStore interface {
	Insert(ctx context.Context, companyID, flowID, ownerID int64, params repository.Parameters, created *repository.HistoryEntry) (int64, error)
	GetCurrentStatus(ctx context.Context, approvalID int64) (*repository.Approval, error)
	Update(ctx context.Context, approvalID int64, status repository.ApprovalStatus, stepID *int64, params repository.Parameters) error
	IsUserPermitted(ctx context.Context, approvalID, userID int64) (bool, error)
	GetCurrentApprovers(ctx context.Context, approvalID int64) ([]repository.UserRef, error)
	AssignApprovers(ctx context.Context, approvalID int64, userIDs []int64) error
	GetOwner(ctx context.Context, approvalID int64) (*repository.UserRef, error)
	GetRunningApprovals(ctx context.Context, companyID int64) ([]*repository.Approval, error)
}

// HistoryStore is the append-only ledger. Append fills ID and DateTime.
// ListByApproval returns entries oldest first with Actor and StepName set.
type HistoryStore interface {
	Append(ctx context.Context, entry *repository.HistoryEntry) error
	ListByApproval(ctx context.Context, approvalID int64) ([]*repository.HistoryEntry, error)
}

// UserDirectory resolves users. GetByID returns nil for unknown users;
// GetByIDs silently drops unknown ids.
type UserDirectory interface {
	GetByID(ctx context.Context, userID int64) (*repository.UserRef, error)
	GetByIDs(ctx context.Context, userIDs []int64) ([]repository.UserRef, error)
}

// GroupDirectory lists members of configured approver groups.
type GroupDirectory interface {
	GroupMembers(ctx context.Context, groupID int64) ([]int64, error)
}

// SystemGroupDirectory answers the external lookups behind system groups.
type SystemGroupDirectory interface {
	DepartmentUsers(ctx context.Context, departmentID int64, level repository.JobLevel) ([]int64, error)
	AssetCoordinators(ctx context.Context, assetCategoryID int64) ([]int64, error)
}

// ConditionEvaluator decides step eligibility. Implementations must fail
// closed.
type ConditionEvaluator interface {
	Evaluate(condition string, parameters map[string]any) bool
}

// Locker serializes mutations of a single approval. fn runs while the lock
// for approvalID is held.
type Locker interface {
	WithLock(ctx context.Context, approvalID int64, fn func(ctx context.Context) error) error
}

// EventPublisher receives transition events after a successful operation.
// Publishing is best effort; implementations log failures and never return
// them.
type EventPublisher interface {
	PublishTransition(ctx context.Context, event *TransitionEvent)
}
