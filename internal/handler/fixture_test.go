package handler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/expression"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

const (
	requesterID = int64(1)
	managerID   = int64(5)
	directorID  = int64(20)
)

// newTestService builds an approval service over the in-memory store with a
// "PR" flow: manager 5 always approves, director 20 joins above 1000.
func newTestService(t *testing.T) (*service.ApprovalService, *prometheus.Registry) {
	t.Helper()
	store := memory.New()
	store.AddUser(repository.UserRef{ID: requesterID, Name: "Requester", Email: "requester@example.com", Username: "requester"})
	store.AddUser(repository.UserRef{ID: managerID, Name: "Manager", Email: "manager@example.com", Username: "manager"})
	store.AddUser(repository.UserRef{ID: directorID, Name: "Director", Email: "director@example.com", Username: "director"})

	cond := "amount > 1000"
	_, err := store.AddFlow(
		&repository.Flow{CompanyID: 1, Type: "PR", Label: "Purchase Request", IsActive: true},
		[]*repository.Step{
			{Order: 1, Name: "Manager Approval", Approvers: []repository.ApproverSpec{repository.UserApprover{UserID: managerID}}},
			{Order: 2, Name: "Director Approval", Condition: &cond, Approvers: []repository.ApproverSpec{repository.UserApprover{UserID: directorID}}},
		},
	)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	svc := service.NewApprovalService(service.Dependencies{
		Flows:        store,
		Approvals:    store,
		Histories:    store,
		Users:        store,
		Groups:       store,
		SystemGroups: store,
		Evaluator:    expression.NewEvaluator(0, zerolog.Nop()),
		Locker:       memory.NewKeyedLocker(),
		Metrics:      service.NewMetrics(reg),
	}, 1, logger.Nop())
	return svc, reg
}
