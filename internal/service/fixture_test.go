package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/expression"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
)

const (
	companyID    = int64(1)
	requesterID  = int64(1)
	managerID    = int64(5)
	headID       = int64(6)
	financeID    = int64(10)
	directorID   = int64(20)
	cfoID        = int64(25)
	departmentID = int64(7)
	financeGroup = int64(1)
)

type countingEvaluator struct {
	calls int32
	next  ConditionEvaluator
}

func (c *countingEvaluator) Evaluate(condition string, parameters map[string]any) bool {
	atomic.AddInt32(&c.calls, 1)
	return c.next.Evaluate(condition, parameters)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*TransitionEvent
}

func (r *recordingPublisher) PublishTransition(_ context.Context, event *TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) types() []repository.HistoryFlag {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repository.HistoryFlag, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type fixture struct {
	ctx       context.Context
	store     *memory.Store
	evaluator *countingEvaluator
	publisher *recordingPublisher
	service   *ApprovalService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	for _, u := range []repository.UserRef{
		{ID: requesterID, Name: "Requester", Email: "requester@example.com", Username: "requester"},
		{ID: managerID, Name: "Manager", Email: "manager@example.com", Username: "manager"},
		{ID: headID, Name: "Head", Email: "head@example.com", Username: "head"},
		{ID: financeID, Name: "Finance", Email: "finance@example.com", Username: "finance"},
		{ID: directorID, Name: "Director", Email: "director@example.com", Username: "director"},
		{ID: cfoID, Name: "CFO", Email: "cfo@example.com", Username: "cfo"},
	} {
		store.AddUser(u)
	}
	store.AddDepartmentUser(departmentID, repository.JobLevelManager, managerID)
	store.AddDepartmentUser(departmentID, repository.JobLevelHead, headID)
	store.SetGroup(financeGroup, financeID, cfoID)

	f := &fixture{
		ctx:       context.Background(),
		store:     store,
		evaluator: &countingEvaluator{next: expression.NewEvaluator(0, zerolog.Nop())},
		publisher: &recordingPublisher{},
	}
	f.service = NewApprovalService(Dependencies{
		Flows:        store,
		Approvals:    store,
		Histories:    store,
		Users:        store,
		Groups:       store,
		SystemGroups: store,
		Evaluator:    f.evaluator,
		Locker:       memory.NewKeyedLocker(),
		Publisher:    f.publisher,
		Metrics:      NewMetrics(prometheus.NewRegistry()),
	}, companyID, logger.Nop())

	f.addFlow(t, "PR", true,
		stepDef{order: 1, name: "Department Manager Approval", approvers: []repository.ApproverSpec{
			repository.SystemGroupApprover{Key: repository.SystemGroupDepartmentManager},
		}},
		stepDef{order: 2, name: "Finance Approval", condition: "amount > 5000", approvers: []repository.ApproverSpec{
			repository.UserApprover{UserID: financeID},
		}},
		stepDef{order: 3, name: "Director Approval", condition: "amount > 10000", approvers: []repository.ApproverSpec{
			repository.UserApprover{UserID: directorID},
		}},
	)
	return f
}

type stepDef struct {
	order     int
	name      string
	condition string
	approvers []repository.ApproverSpec
}

func (f *fixture) addFlow(t *testing.T, flowType string, active bool, defs ...stepDef) *repository.Flow {
	t.Helper()
	steps := make([]*repository.Step, 0, len(defs))
	for _, d := range defs {
		step := &repository.Step{Order: d.order, Name: d.name, Approvers: d.approvers}
		if d.condition != "" {
			cond := d.condition
			step.Condition = &cond
		}
		steps = append(steps, step)
	}
	flow, err := f.store.AddFlow(&repository.Flow{CompanyID: companyID, Type: flowType, Label: flowType, IsActive: active}, steps)
	require.NoError(t, err)
	return flow
}

func (f *fixture) history(t *testing.T, approvalID int64) []repository.HistoryFlag {
	t.Helper()
	entries, err := f.store.ListByApproval(f.ctx, approvalID)
	require.NoError(t, err)
	flags := make([]repository.HistoryFlag, 0, len(entries))
	for _, e := range entries {
		flags = append(flags, e.Flag)
	}
	return flags
}

func userIDs(users []repository.UserRef) []int64 {
	if users == nil {
		return nil
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}

func prParams(amount float64) repository.Parameters {
	return repository.Parameters{"amount": amount, "departmentId": float64(departmentID)}
}
