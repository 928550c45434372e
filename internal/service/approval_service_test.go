package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
)

func ptr[T any](v T) *T { return &v }

func TestStart_AssignsFirstStep(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.NoError(t, err)

	assert.Equal(t, repository.StatusOnProgress, result.Status)
	require.NotNil(t, result.StepName)
	assert.Equal(t, "Department Manager Approval", *result.StepName)
	assert.Equal(t, []int64{managerID}, userIDs(result.Stakeholders.CurrentApprovers))
	assert.Empty(t, result.Stakeholders.PreviousApprovers)
	require.NotNil(t, result.Stakeholders.Owner)
	assert.Equal(t, requesterID, result.Stakeholders.Owner.ID)
	assert.Nil(t, result.Stakeholders.Steps)

	assert.Equal(t, []repository.HistoryFlag{repository.FlagCreated}, f.history(t, result.ID))
	assert.Equal(t, []repository.HistoryFlag{repository.FlagCreated}, f.publisher.types())
	assert.Equal(t, []int64{managerID}, f.publisher.events[0].Recipients)
}

func TestStart_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Start(f.ctx, "PR", 404, prParams(3000))
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = f.service.Start(f.ctx, "UNKNOWN", requesterID, nil)
	assert.ErrorIs(t, err, ErrFlowNotFound)

	running, err := f.store.GetRunningApprovals(f.ctx, companyID)
	require.NoError(t, err)
	assert.Empty(t, running)
	assert.Empty(t, f.publisher.types())
}

func TestApprove_SingleEligibleStepCompletes(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.NoError(t, err)

	result, err := f.service.Approve(f.ctx, started.ID, managerID, ActionInput{Notes: ptr("ok")})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusApproved, result.Status)
	assert.Nil(t, result.StepID)
	assert.Empty(t, result.Stakeholders.CurrentApprovers)
	assert.Equal(t, []int64{managerID}, userIDs(result.Stakeholders.PreviousApprovers))
	require.Len(t, result.Stakeholders.Steps, 1)
	assert.Equal(t, "Department Manager Approval", result.Stakeholders.Steps[0].Name)
	assert.Equal(t, []int64{managerID}, userIDs(result.Stakeholders.Steps[0].Approvers))

	assert.Equal(t, []repository.HistoryFlag{
		repository.FlagCreated, repository.FlagApproved, repository.FlagDone,
	}, f.history(t, started.ID))
	assert.Equal(t, []repository.HistoryFlag{
		repository.FlagCreated, repository.FlagApproved, repository.FlagDone,
	}, f.publisher.types())

	entries, err := f.service.GetApprovalHistories(f.ctx, started.ID)
	require.NoError(t, err)
	require.NotNil(t, entries[1].Notes)
	assert.Equal(t, "ok", *entries[1].Notes)
	assert.Equal(t, "Step Department Manager Approval approved by Manager.", entries[1].Title)
}

func TestApprove_WalksConditionalSteps(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(20000))
	require.NoError(t, err)

	result, err := f.service.Approve(f.ctx, started.ID, managerID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusOnProgress, result.Status)
	assert.Equal(t, "Finance Approval", *result.StepName)
	assert.Equal(t, []int64{financeID}, userIDs(result.Stakeholders.CurrentApprovers))
	assert.Nil(t, result.Stakeholders.Steps)

	result, err = f.service.Approve(f.ctx, started.ID, financeID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, "Director Approval", *result.StepName)

	result, err = f.service.Approve(f.ctx, started.ID, directorID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, result.Status)
	assert.Len(t, result.Stakeholders.Steps, 3)
}

func TestApprove_RejectsNonApproverWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(9000))
	require.NoError(t, err)

	_, err = f.service.Approve(f.ctx, started.ID, financeID, ActionInput{})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))

	_, err = f.service.Reject(f.ctx, started.ID, financeID, ActionInput{})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.service.Approve(f.ctx, started.ID, 404, ActionInput{})
	assert.ErrorIs(t, err, ErrUserNotFound)

	status, err := f.service.GetStatus(f.ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, started.StepID, status.StepID)
	assert.Equal(t, []int64{managerID}, userIDs(status.Stakeholders.CurrentApprovers))
	assert.Equal(t, []repository.HistoryFlag{repository.FlagCreated}, f.history(t, started.ID))
}

func TestApprove_ClosedApproval(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.NoError(t, err)
	_, err = f.service.Approve(f.ctx, started.ID, managerID, ActionInput{})
	require.NoError(t, err)

	_, err = f.service.Approve(f.ctx, started.ID, managerID, ActionInput{})
	assert.ErrorIs(t, err, ErrApprovalNotRunning)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	_, err = f.service.Reject(f.ctx, started.ID, managerID, ActionInput{})
	assert.ErrorIs(t, err, ErrApprovalNotRunning)

	_, err = f.service.Approve(f.ctx, 999, managerID, ActionInput{})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestStart_SkipsStepsWithoutApprovers(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Start(f.ctx, "PR", requesterID, repository.Parameters{"amount": 9000})
	require.NoError(t, err)
	assert.Equal(t, "Finance Approval", *result.StepName)
	assert.Equal(t, []int64{financeID}, userIDs(result.Stakeholders.CurrentApprovers))

	entries, err := f.service.GetApprovalHistories(f.ctx, result.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, repository.FlagSkip, entries[1].Flag)
	require.NotNil(t, entries[1].StepName)
	assert.Equal(t, "Department Manager Approval", *entries[1].StepName)
	assert.Nil(t, entries[1].ActorID)
}

func TestStart_CompletesWhenEveryStepIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.addFlow(t, "STAFF", true,
		stepDef{order: 1, name: "one", approvers: []repository.ApproverSpec{repository.SystemGroupApprover{Key: repository.SystemGroupDepartmentStaff}}},
		stepDef{order: 2, name: "two", approvers: []repository.ApproverSpec{repository.SystemGroupApprover{Key: repository.SystemGroupDepartmentStaff}}},
		stepDef{order: 3, name: "three"},
		stepDef{order: 4, name: "four", approvers: []repository.ApproverSpec{repository.SystemGroupApprover{Key: repository.SystemGroupOriginAssetUser}}},
	)

	result, err := f.service.Start(f.ctx, "STAFF", requesterID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, result.Status)
	assert.Nil(t, result.StepID)
	assert.Empty(t, result.Stakeholders.CurrentApprovers)
	assert.Equal(t, []repository.HistoryFlag{
		repository.FlagCreated,
		repository.FlagSkip, repository.FlagSkip, repository.FlagSkip, repository.FlagSkip,
		repository.FlagDone,
	}, f.history(t, result.ID))
}

func TestStart_InactiveFlowCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	f.addFlow(t, "DORMANT", false,
		stepDef{order: 1, name: "never", approvers: []repository.ApproverSpec{repository.UserApprover{UserID: financeID}}},
	)

	result, err := f.service.Start(f.ctx, "DORMANT", requesterID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, result.Status)
	assert.Empty(t, result.Stakeholders.CurrentApprovers)

	entries, err := f.service.GetApprovalHistories(f.ctx, result.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, repository.FlagDone, entries[1].Flag)
	require.NotNil(t, entries[1].ActorID)
	assert.Equal(t, requesterID, *entries[1].ActorID)
}

func TestStart_UnusableConditionsAreIneligible(t *testing.T) {
	f := newFixture(t)
	f.addFlow(t, "BROKEN", true,
		stepDef{order: 1, name: "syntax", condition: "amount >", approvers: []repository.ApproverSpec{repository.UserApprover{UserID: financeID}}},
		stepDef{order: 2, name: "not bool", condition: "amount + 1", approvers: []repository.ApproverSpec{repository.UserApprover{UserID: cfoID}}},
		stepDef{order: 3, name: "fallback", approvers: []repository.ApproverSpec{repository.UserApprover{UserID: directorID}}},
	)

	result, err := f.service.Start(f.ctx, "BROKEN", requesterID, repository.Parameters{"amount": 1})
	require.NoError(t, err)
	assert.Equal(t, "fallback", *result.StepName)
	assert.Equal(t, []int64{directorID}, userIDs(result.Stakeholders.CurrentApprovers))
	assert.Equal(t, []repository.HistoryFlag{repository.FlagCreated}, f.history(t, result.ID))
}

func TestStart_ConditionOnMissingParameterIsIneligible(t *testing.T) {
	f := newFixture(t)
	f.addFlow(t, "EXPENSE", true,
		stepDef{order: 1, name: "non-travel", condition: `category != "Travel"`, approvers: []repository.ApproverSpec{repository.UserApprover{UserID: financeID}}},
	)

	result, err := f.service.Start(f.ctx, "EXPENSE", requesterID, repository.Parameters{"amount": 1})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, result.Status)
	assert.Nil(t, result.StepID)
	assert.Empty(t, result.Stakeholders.CurrentApprovers)
	assert.Equal(t, []repository.HistoryFlag{repository.FlagCreated, repository.FlagDone}, f.history(t, result.ID))

	withCategory, err := f.service.Start(f.ctx, "EXPENSE", requesterID, repository.Parameters{"category": "Office"})
	require.NoError(t, err)
	assert.Equal(t, "non-travel", *withCategory.StepName)
	assert.Equal(t, []int64{financeID}, userIDs(withCategory.Stakeholders.CurrentApprovers))
}

func TestStart_BlankConditionSkipsEvaluator(t *testing.T) {
	f := newFixture(t)
	f.addFlow(t, "BLANK", true,
		stepDef{order: 1, name: "blank", condition: "   ", approvers: []repository.ApproverSpec{repository.UserApprover{UserID: financeID}}},
	)

	result, err := f.service.Start(f.ctx, "BLANK", requesterID, nil)
	require.NoError(t, err)
	assert.Equal(t, "blank", *result.StepName)
	assert.Zero(t, f.evaluator.calls)
}

func TestStart_OverrideManager(t *testing.T) {
	f := newFixture(t)
	params := prParams(100)
	params[ParamOverrideManagerUserID] = "20"

	result, err := f.service.Start(f.ctx, "PR", requesterID, params)
	require.NoError(t, err)
	assert.Equal(t, []int64{directorID}, userIDs(result.Stakeholders.CurrentApprovers))
}

func TestApprove_SkipsDeletedApprovers(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(9000))
	require.NoError(t, err)
	f.store.RemoveUser(financeID)

	result, err := f.service.Approve(f.ctx, started.ID, managerID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, result.Status)
	assert.Equal(t, []repository.HistoryFlag{
		repository.FlagCreated, repository.FlagApproved, repository.FlagSkip, repository.FlagDone,
	}, f.history(t, started.ID))
}

func TestReject_ClosesApproval(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(9000))
	require.NoError(t, err)

	result, err := f.service.Reject(f.ctx, started.ID, managerID, ActionInput{Notes: ptr("over budget"), Attachment: ptr("quote.pdf")})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusRejected, result.Status)
	assert.Nil(t, result.StepID)
	assert.Nil(t, result.Stakeholders.CurrentApprovers)
	assert.Equal(t, []int64{managerID}, userIDs(result.Stakeholders.PreviousApprovers))

	permitted, err := f.store.IsUserPermitted(f.ctx, started.ID, managerID)
	require.NoError(t, err)
	assert.False(t, permitted)

	entries, err := f.service.GetApprovalHistories(f.ctx, started.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, repository.FlagRejected, entries[1].Flag)
	assert.Equal(t, "over budget", *entries[1].Notes)
	assert.Equal(t, "quote.pdf", *entries[1].Attachment)

	last := f.publisher.events[len(f.publisher.events)-1]
	assert.Equal(t, repository.FlagRejected, last.EventType)
	assert.Equal(t, []int64{requesterID}, last.Recipients)

	_, err = f.service.Approve(f.ctx, started.ID, managerID, ActionInput{})
	assert.ErrorIs(t, err, ErrApprovalNotRunning)
}

func TestRejectBySystem_ClosesCompletedApproval(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.NoError(t, err)
	_, err = f.service.Approve(f.ctx, started.ID, managerID, ActionInput{})
	require.NoError(t, err)

	result, err := f.service.RejectBySystem(f.ctx, started.ID, requesterID, ActionInput{Notes: ptr("asset disposed")})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, result.Status)
	assert.Nil(t, result.Stakeholders.CurrentApprovers)
	assert.Empty(t, result.Stakeholders.PreviousApprovers)
	require.Len(t, result.Stakeholders.Steps, 1)

	flags := f.history(t, started.ID)
	assert.Equal(t, repository.FlagSystemRejected, flags[len(flags)-1])

	_, err = f.service.RejectBySystem(f.ctx, started.ID, 404, ActionInput{})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestReset_RestartsFromFirstStep(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(9000))
	require.NoError(t, err)
	_, err = f.service.Approve(f.ctx, started.ID, managerID, ActionInput{})
	require.NoError(t, err)
	_, err = f.service.Reject(f.ctx, started.ID, financeID, ActionInput{})
	require.NoError(t, err)

	_, err = f.service.Reset(f.ctx, started.ID, 404, ActionInput{}, nil)
	assert.ErrorIs(t, err, ErrUserNotFound)

	result, err := f.service.Reset(f.ctx, started.ID, requesterID, ActionInput{Notes: ptr("revised")}, prParams(20000))
	require.NoError(t, err)
	assert.Equal(t, repository.StatusOnProgress, result.Status)
	assert.Equal(t, "Department Manager Approval", *result.StepName)
	assert.Equal(t, []int64{managerID}, userIDs(result.Stakeholders.CurrentApprovers))
	assert.Nil(t, result.Stakeholders.PreviousApprovers)
	assert.EqualValues(t, 20000, result.Parameters["amount"])

	flags := f.history(t, started.ID)
	assert.Equal(t, repository.FlagReset, flags[len(flags)-1])

	path, err := f.service.GetApprovalPath(f.ctx, started.ID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, []string{"current", "incoming", "incoming"}, []string{path[0].Type, path[1].Type, path[2].Type})
	assert.Nil(t, path[0].ApproverID)
}

func TestReset_KeepsParametersWhenNoneGiven(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(9000))
	require.NoError(t, err)

	result, err := f.service.Reset(f.ctx, started.ID, requesterID, ActionInput{}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, result.Parameters["amount"])
	assert.Equal(t, []int64{managerID}, userIDs(result.Stakeholders.CurrentApprovers))
}

func TestGetApprovalPath_ShowsOutcomesOfLastCycle(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(9000))
	require.NoError(t, err)
	_, err = f.service.Approve(f.ctx, started.ID, managerID, ActionInput{Notes: ptr("fine")})
	require.NoError(t, err)

	path, err := f.service.GetApprovalPath(f.ctx, started.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "approved", path[0].Type)
	assert.Equal(t, managerID, *path[0].ApproverID)
	assert.Equal(t, "Manager", *path[0].ApproverName)
	assert.Equal(t, "fine", *path[0].Notes)
	assert.NotNil(t, path[0].ApprovalTime)
	assert.Equal(t, "current", path[1].Type)

	_, err = f.service.Reject(f.ctx, started.ID, financeID, ActionInput{})
	require.NoError(t, err)
	path, err = f.service.GetApprovalPath(f.ctx, started.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, []string{"approved", "rejected"}, []string{path[0].Type, path[1].Type})
}

func TestGetApprovalPath_CompletedDropsUndecidedSteps(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.NoError(t, err)
	_, err = f.service.Approve(f.ctx, started.ID, managerID, ActionInput{})
	require.NoError(t, err)

	path, err := f.service.GetApprovalPath(f.ctx, started.ID)
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "approved", path[0].Type)
}

func TestGetNextStep(t *testing.T) {
	f := newFixture(t)
	started, err := f.service.Start(f.ctx, "PR", requesterID, prParams(20000))
	require.NoError(t, err)

	next, err := f.service.GetNextStep(f.ctx, started.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "Finance Approval", next.Name)
	assert.Equal(t, []int64{financeID}, userIDs(next.Approvers))

	small, err := f.service.Start(f.ctx, "PR", requesterID, prParams(100))
	require.NoError(t, err)
	next, err = f.service.GetNextStep(f.ctx, small.ID)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = f.service.GetNextStep(f.ctx, 999)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestGetApprovalHistories_UnknownApproval(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.GetApprovalHistories(f.ctx, 999)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestRebuildApprovers(t *testing.T) {
	f := newFixture(t)
	running, err := f.service.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.NoError(t, err)
	done, err := f.service.Start(f.ctx, "PR", requesterID, repository.Parameters{"amount": 1})
	require.NoError(t, err)
	require.Equal(t, repository.StatusApproved, done.Status)

	f.store.AddDepartmentUser(departmentID, repository.JobLevelManager, headID)

	rebuilt, err := f.service.RebuildApprovers(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt)

	status, err := f.service.GetStatus(f.ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, running.StepID, status.StepID)
	assert.Equal(t, []int64{managerID, headID}, userIDs(status.Stakeholders.CurrentApprovers))
	assert.Equal(t, []repository.HistoryFlag{repository.FlagCreated}, f.history(t, running.ID))
}

func TestRebuildApprovers_EmptySetIsKept(t *testing.T) {
	f := newFixture(t)
	running, err := f.service.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.NoError(t, err)
	f.store.RemoveUser(managerID)

	rebuilt, err := f.service.RebuildApprovers(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt)

	status, err := f.service.GetStatus(f.ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusOnProgress, status.Status)
	assert.Empty(t, status.Stakeholders.CurrentApprovers)
}

type duplicateOrderFlows struct {
	*memory.Store
}

func (d duplicateOrderFlows) GetSteps(ctx context.Context, flowID int64) ([]*repository.Step, error) {
	steps, err := d.Store.GetSteps(ctx, flowID)
	if err != nil || len(steps) < 2 {
		return steps, err
	}
	clash := *steps[1]
	clash.Order = steps[0].Order
	return []*repository.Step{steps[0], &clash}, nil
}

func TestStart_DuplicateStepOrderIsInvalid(t *testing.T) {
	f := newFixture(t)
	svc := NewApprovalService(Dependencies{
		Flows:        duplicateOrderFlows{f.store},
		Approvals:    f.store,
		Histories:    f.store,
		Users:        f.store,
		Groups:       f.store,
		SystemGroups: f.store,
		Evaluator:    f.evaluator,
		Locker:       memory.NewKeyedLocker(),
	}, companyID, logger.Nop())

	_, err := svc.Start(f.ctx, "PR", requesterID, prParams(3000))
	assert.ErrorIs(t, err, ErrInvalidFlow)

	running, err := f.store.GetRunningApprovals(f.ctx, companyID)
	require.NoError(t, err)
	assert.Empty(t, running)
}

type failingHistories struct {
	*memory.Store
}

func (failingHistories) Append(context.Context, *repository.HistoryEntry) error {
	return errors.New(errors.ErrCodeUnavailable, "ledger offline")
}

type failingInserts struct {
	*memory.Store
}

func (failingInserts) Insert(context.Context, int64, int64, int64, repository.Parameters, *repository.HistoryEntry) (int64, error) {
	return 0, errors.New(errors.ErrCodeUnavailable, "database offline")
}

func TestStart_CreatedEntryIsWrittenWithApproval(t *testing.T) {
	f := newFixture(t)
	svc := NewApprovalService(Dependencies{
		Flows:        f.store,
		Approvals:    f.store,
		Histories:    failingHistories{f.store},
		Users:        f.store,
		Groups:       f.store,
		SystemGroups: f.store,
		Evaluator:    f.evaluator,
		Locker:       memory.NewKeyedLocker(),
	}, companyID, logger.Nop())

	result, err := svc.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.NoError(t, err)
	assert.Equal(t, "Department Manager Approval", *result.StepName)
	assert.Equal(t, []repository.HistoryFlag{repository.FlagCreated}, f.history(t, result.ID))
}

func TestStart_FailedInsertLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	svc := NewApprovalService(Dependencies{
		Flows:        f.store,
		Approvals:    failingInserts{f.store},
		Histories:    f.store,
		Users:        f.store,
		Groups:       f.store,
		SystemGroups: f.store,
		Evaluator:    f.evaluator,
		Locker:       memory.NewKeyedLocker(),
	}, companyID, logger.Nop())

	_, err := svc.Start(f.ctx, "PR", requesterID, prParams(3000))
	require.Error(t, err)

	running, err := f.store.GetRunningApprovals(f.ctx, companyID)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestApprove_ConcurrentApproversOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.addFlow(t, "GROUP", true,
		stepDef{order: 1, name: "Finance", approvers: []repository.ApproverSpec{repository.GroupApprover{GroupID: financeGroup}}},
	)
	started, err := f.service.Start(f.ctx, "GROUP", requesterID, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{financeID, cfoID}, userIDs(started.Stakeholders.CurrentApprovers))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, approver := range []int64{financeID, cfoID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.service.Approve(f.ctx, started.ID, approver, ActionInput{})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrApprovalNotRunning)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, []repository.HistoryFlag{
		repository.FlagCreated, repository.FlagApproved, repository.FlagDone,
	}, f.history(t, started.ID))
}
