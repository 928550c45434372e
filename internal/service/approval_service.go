package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// History titles.
const (
	titleCreated        = "Approval request created."
	titleInactiveDone   = "Approval considered complete because the approval flow is inactive."
	titleApproved       = "Step %s approved by %s."
	titleRejected       = "Step %s rejected by %s."
	titleSystemRejected = "Approval rejected and reset by the system."
	titleReset          = "Approval resubmitted."
	titleSkip           = "Step %s skipped because it has no approvers."
	titleDone           = "Approval process completed."
)

const tracerName = "github.com/pesio-ai/be-plt-approvals/internal/service"

// Dependencies groups the collaborators of ApprovalService. Publisher and
// Metrics are optional.
type Dependencies struct {
	Flows        FlowStore
	Approvals    ApprovalStore
	Histories    HistoryStore
	Users        UserDirectory
	Groups       GroupDirectory
	SystemGroups SystemGroupDirectory
	Evaluator    ConditionEvaluator
	Locker       Locker
	Publisher    EventPublisher
	Metrics      *Metrics
}

// ApprovalService drives approvals through the steps of their flow.
type ApprovalService struct {
	flows     FlowStore
	approvals ApprovalStore
	histories HistoryStore
	users     UserDirectory
	resolver  *ApproverResolver
	evaluator ConditionEvaluator
	locker    Locker
	publisher EventPublisher
	metrics   *Metrics
	tracer    trace.Tracer
	companyID int64
	log       *logger.Logger
}

// NewApprovalService creates a new ApprovalService scoped to companyID.
func NewApprovalService(deps Dependencies, companyID int64, log *logger.Logger) *ApprovalService {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ApprovalService{
		flows:     deps.Flows,
		approvals: deps.Approvals,
		histories: deps.Histories,
		users:     deps.Users,
		resolver:  NewApproverResolver(deps.Groups, deps.SystemGroups),
		evaluator: deps.Evaluator,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		companyID: companyID,
		log:       log,
	}
}

// CompanyID returns the scope the service operates in.
func (s *ApprovalService) CompanyID() int64 {
	return s.companyID
}

// ── Start ────────────────────────────────────────────────────────────────────

// Start creates an approval of the given flow type on behalf of userID and
// moves it to its first eligible step.
func (s *ApprovalService) Start(ctx context.Context, flowType string, userID int64, params repository.Parameters) (result *StatusResult, err error) {
	ctx, finish := s.instrument(ctx, "start", 0)
	defer func() { finish(err) }()

	if _, err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	flow, err := s.flows.GetFlowByType(ctx, s.companyID, flowType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval flow")
	}
	if flow == nil {
		return nil, ErrFlowNotFound
	}

	var steps []*repository.Step
	if flow.IsActive {
		if steps, err = s.loadSteps(ctx, flow.ID); err != nil {
			return nil, err
		}
	}

	if params == nil {
		params = repository.Parameters{}
	}
	approvalID, err := s.approvals.Insert(ctx, s.companyID, flow.ID, userID, params, &repository.HistoryEntry{
		ActorID: &userID,
		Title:   titleCreated,
		Flag:    repository.FlagCreated,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval")
	}
	s.metrics.Transitions.WithLabelValues(string(repository.FlagCreated)).Inc()

	err = s.locker.WithLock(ctx, approvalID, func(ctx context.Context) error {
		previous, err := s.approvals.GetCurrentApprovers(ctx, approvalID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to load current approvers")
		}

		if flow.IsActive {
			if err := s.advance(ctx, approvalID, steps); err != nil {
				return err
			}
		} else {
			if err := s.approvals.Update(ctx, approvalID, repository.StatusApproved, nil, nil); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete approval")
			}
			if err := s.appendHistory(ctx, &repository.HistoryEntry{
				ApprovalID: approvalID,
				ActorID:    &userID,
				Title:      titleInactiveDone,
				Flag:       repository.FlagDone,
			}); err != nil {
				return err
			}
		}

		result, err = s.buildResult(ctx, approvalID, previous)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("approval_id", approvalID).
		Str("flow_type", flowType).
		Int64("user_id", userID).
		Str("status", string(result.Status)).
		Msg("Approval started")

	s.publish(ctx, repository.FlagCreated, result, &userID)
	return result, nil
}

// ── Approve ──────────────────────────────────────────────────────────────────

// Approve records userID's approval of the current step and advances. When
// nobody is left to act the eligible step listing is attached.
func (s *ApprovalService) Approve(ctx context.Context, approvalID, userID int64, input ActionInput) (result *StatusResult, err error) {
	ctx, finish := s.instrument(ctx, "approve", approvalID)
	defer func() { finish(err) }()

	err = s.locker.WithLock(ctx, approvalID, func(ctx context.Context) error {
		user, err := s.requireUser(ctx, userID)
		if err != nil {
			return err
		}
		approval, err := s.requireRunning(ctx, approvalID)
		if err != nil {
			return err
		}
		if err := s.requirePermission(ctx, approvalID, userID); err != nil {
			return err
		}
		steps, err := s.loadSteps(ctx, approval.FlowID)
		if err != nil {
			return err
		}

		if err := s.appendHistory(ctx, &repository.HistoryEntry{
			ApprovalID: approvalID,
			StepID:     approval.StepID,
			ActorID:    &userID,
			Title:      fmt.Sprintf(titleApproved, stepNameOf(approval), user.Name),
			Flag:       repository.FlagApproved,
			Notes:      input.Notes,
			Attachment: input.Attachment,
		}); err != nil {
			return err
		}

		previous, err := s.approvals.GetCurrentApprovers(ctx, approvalID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to load current approvers")
		}
		if err := s.advance(ctx, approvalID, steps); err != nil {
			return err
		}

		if result, err = s.buildResult(ctx, approvalID, previous); err != nil {
			return err
		}
		if len(result.Stakeholders.CurrentApprovers) == 0 {
			result.Stakeholders.Steps, err = s.eligibleStepInfo(ctx, steps, result.Parameters)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("approval_id", approvalID).
		Int64("user_id", userID).
		Str("status", string(result.Status)).
		Msg("Approval step approved")

	s.publish(ctx, repository.FlagApproved, result, &userID)
	if result.Status == repository.StatusApproved {
		s.publish(ctx, repository.FlagDone, result, nil)
	}
	return result, nil
}

// ── Reject ───────────────────────────────────────────────────────────────────

// Reject closes the approval on behalf of one of the current approvers.
func (s *ApprovalService) Reject(ctx context.Context, approvalID, userID int64, input ActionInput) (result *StatusResult, err error) {
	ctx, finish := s.instrument(ctx, "reject", approvalID)
	defer func() { finish(err) }()

	err = s.locker.WithLock(ctx, approvalID, func(ctx context.Context) error {
		user, err := s.requireUser(ctx, userID)
		if err != nil {
			return err
		}
		approval, err := s.requireRunning(ctx, approvalID)
		if err != nil {
			return err
		}
		if err := s.requirePermission(ctx, approvalID, userID); err != nil {
			return err
		}

		result, err = s.close(ctx, approval, &repository.HistoryEntry{
			ApprovalID: approvalID,
			StepID:     approval.StepID,
			ActorID:    &userID,
			Title:      fmt.Sprintf(titleRejected, stepNameOf(approval), user.Name),
			Flag:       repository.FlagRejected,
			Notes:      input.Notes,
			Attachment: input.Attachment,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("approval_id", approvalID).
		Int64("user_id", userID).
		Msg("Approval rejected")

	s.publish(ctx, repository.FlagRejected, result, &userID)
	return result, nil
}

// RejectBySystem closes the approval regardless of its status or of who the
// current approvers are. The eligible step listing is attached.
func (s *ApprovalService) RejectBySystem(ctx context.Context, approvalID, relatedUserID int64, input ActionInput) (result *StatusResult, err error) {
	ctx, finish := s.instrument(ctx, "reject_by_system", approvalID)
	defer func() { finish(err) }()

	err = s.locker.WithLock(ctx, approvalID, func(ctx context.Context) error {
		if _, err := s.requireUser(ctx, relatedUserID); err != nil {
			return err
		}
		approval, err := s.approvals.GetCurrentStatus(ctx, approvalID)
		if err != nil {
			return err
		}
		steps, err := s.loadSteps(ctx, approval.FlowID)
		if err != nil {
			return err
		}

		result, err = s.close(ctx, approval, &repository.HistoryEntry{
			ApprovalID: approvalID,
			StepID:     approval.StepID,
			ActorID:    &relatedUserID,
			Title:      titleSystemRejected,
			Flag:       repository.FlagSystemRejected,
			Notes:      input.Notes,
			Attachment: input.Attachment,
		})
		if err != nil {
			return err
		}
		result.Stakeholders.Steps, err = s.eligibleStepInfo(ctx, steps, result.Parameters)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("approval_id", approvalID).
		Int64("related_user_id", relatedUserID).
		Msg("Approval rejected by system")

	s.publish(ctx, repository.FlagSystemRejected, result, &relatedUserID)
	return result, nil
}

// close marks the approval rejected, clears its approvers and appends entry.
// The result reports the approvers that were active before closing and a
// nil current approver list.
func (s *ApprovalService) close(ctx context.Context, approval *repository.Approval, entry *repository.HistoryEntry) (*StatusResult, error) {
	previous, err := s.approvals.GetCurrentApprovers(ctx, approval.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load current approvers")
	}
	if err := s.approvals.Update(ctx, approval.ID, repository.StatusRejected, nil, nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to reject approval")
	}
	if err := s.approvals.AssignApprovers(ctx, approval.ID, nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to clear approvers")
	}
	if err := s.appendHistory(ctx, entry); err != nil {
		return nil, err
	}

	result, err := s.buildResult(ctx, approval.ID, previous)
	if err != nil {
		return nil, err
	}
	result.Stakeholders.CurrentApprovers = nil
	return result, nil
}

// ── Reset ────────────────────────────────────────────────────────────────────

// Reset restarts the approval from its first eligible step, optionally with
// new parameters, and opens a new approval cycle in the history.
func (s *ApprovalService) Reset(ctx context.Context, approvalID, userID int64, input ActionInput, params repository.Parameters) (result *StatusResult, err error) {
	ctx, finish := s.instrument(ctx, "reset", approvalID)
	defer func() { finish(err) }()

	err = s.locker.WithLock(ctx, approvalID, func(ctx context.Context) error {
		if _, err := s.requireUser(ctx, userID); err != nil {
			return err
		}
		approval, err := s.approvals.GetCurrentStatus(ctx, approvalID)
		if err != nil {
			return err
		}
		steps, err := s.loadSteps(ctx, approval.FlowID)
		if err != nil {
			return err
		}

		if err := s.approvals.Update(ctx, approvalID, repository.StatusOnProgress, nil, params); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to reset approval")
		}
		if err := s.advance(ctx, approvalID, steps); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, &repository.HistoryEntry{
			ApprovalID: approvalID,
			ActorID:    &userID,
			Title:      titleReset,
			Flag:       repository.FlagReset,
			Notes:      input.Notes,
			Attachment: input.Attachment,
		}); err != nil {
			return err
		}

		result, err = s.buildResult(ctx, approvalID, nil)
		if err != nil {
			return err
		}
		result.Stakeholders.PreviousApprovers = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("approval_id", approvalID).
		Int64("user_id", userID).
		Bool("parameters_replaced", params != nil).
		Str("status", string(result.Status)).
		Msg("Approval reset")

	s.publish(ctx, repository.FlagReset, result, &userID)
	return result, nil
}

// ── Rebuild ──────────────────────────────────────────────────────────────────

// RebuildApprovers re-resolves the approvers of every running approval in the
// company scope and replaces their active approver sets. Status and history
// are left untouched. Returns the number of approvals rebuilt.
func (s *ApprovalService) RebuildApprovers(ctx context.Context) (rebuilt int, err error) {
	ctx, finish := s.instrument(ctx, "rebuild_approvers", 0)
	defer func() { finish(err) }()

	running, err := s.approvals.GetRunningApprovals(ctx, s.companyID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list running approvals")
	}

	for _, candidate := range running {
		if candidate.StepID == nil {
			continue
		}
		expectedStep := *candidate.StepID

		err := s.locker.WithLock(ctx, candidate.ID, func(ctx context.Context) error {
			approval, err := s.approvals.GetCurrentStatus(ctx, candidate.ID)
			if err != nil {
				return err
			}
			// Another transition moved it while we were waiting for the lock.
			if approval.Status != repository.StatusOnProgress || approval.StepID == nil || *approval.StepID != expectedStep {
				return nil
			}

			steps, err := s.loadSteps(ctx, approval.FlowID)
			if err != nil {
				return err
			}
			step := findStep(steps, expectedStep)
			if step == nil {
				s.log.Warn().Int64("approval_id", approval.ID).Int64("step_id", expectedStep).Msg("Current step no longer exists; approvers left unchanged")
				return nil
			}

			ids, err := s.assignableApprovers(ctx, step, approval.Parameters.Clone())
			if err != nil {
				return err
			}
			if err := s.approvals.AssignApprovers(ctx, approval.ID, ids); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign approvers")
			}
			if len(ids) == 0 {
				s.log.Warn().Int64("approval_id", approval.ID).Msg("Rebuilt approver set is empty")
			}
			rebuilt++
			s.metrics.Rebuilt.Inc()
			return nil
		})
		if err != nil {
			return rebuilt, err
		}
	}

	s.log.Info().Int("rebuilt", rebuilt).Int64("company_id", s.companyID).Msg("Approvers rebuilt")
	return rebuilt, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetStatus returns the status object without changing anything.
func (s *ApprovalService) GetStatus(ctx context.Context, approvalID int64) (result *StatusResult, err error) {
	ctx, finish := s.instrument(ctx, "get_status", approvalID)
	defer func() { finish(err) }()

	result, err = s.buildResult(ctx, approvalID, nil)
	if err != nil {
		return nil, err
	}
	result.Stakeholders.PreviousApprovers = nil
	return result, nil
}

// GetApprovalHistories returns the full ledger of an approval, oldest first.
func (s *ApprovalService) GetApprovalHistories(ctx context.Context, approvalID int64) (entries []*repository.HistoryEntry, err error) {
	ctx, finish := s.instrument(ctx, "get_histories", approvalID)
	defer func() { finish(err) }()

	if _, err := s.approvals.GetCurrentStatus(ctx, approvalID); err != nil {
		return nil, err
	}
	entries, err = s.histories.ListByApproval(ctx, approvalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval history")
	}
	if entries == nil {
		entries = []*repository.HistoryEntry{}
	}
	return entries, nil
}

// GetNextStep returns the eligible step following the current one, or nil
// when the current step is the last eligible one or the approval is closed.
func (s *ApprovalService) GetNextStep(ctx context.Context, approvalID int64) (info *StepInfo, err error) {
	ctx, finish := s.instrument(ctx, "get_next_step", approvalID)
	defer func() { finish(err) }()

	approval, err := s.approvals.GetCurrentStatus(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != repository.StatusOnProgress || approval.StepID == nil {
		return nil, nil
	}
	steps, err := s.loadSteps(ctx, approval.FlowID)
	if err != nil {
		return nil, err
	}
	current := findStep(steps, *approval.StepID)
	if current == nil {
		return nil, nil
	}

	params := approval.Parameters.Clone()
	next := s.nextEligibleStep(steps, current.Order, params)
	if next == nil {
		return nil, nil
	}
	infos, err := s.stepInfo(ctx, []*repository.Step{next}, params)
	if err != nil {
		return nil, err
	}
	return &infos[0], nil
}

// ── Step progression ─────────────────────────────────────────────────────────

// advance moves the approval to the first eligible step after its current
// one. Steps that resolve to no approvers are skipped with a ledger entry;
// running out of steps completes the approval. Every iteration moves to a
// strictly greater order, so the loop ends within len(steps)+1 rounds.
func (s *ApprovalService) advance(ctx context.Context, approvalID int64, steps []*repository.Step) error {
	approval, err := s.approvals.GetCurrentStatus(ctx, approvalID)
	if err != nil {
		return err
	}
	params := approval.Parameters.Clone()

	currentOrder := -1
	if approval.StepID != nil {
		if step := findStep(steps, *approval.StepID); step != nil {
			currentOrder = step.Order
		}
	}

	for range len(steps) + 1 {
		next := s.nextEligibleStep(steps, currentOrder, params)
		if next == nil {
			return s.complete(ctx, approvalID)
		}

		stepID := next.ID
		if err := s.approvals.Update(ctx, approvalID, repository.StatusOnProgress, &stepID, nil); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to move approval to next step")
		}

		ids, err := s.assignableApprovers(ctx, next, params)
		if err != nil {
			return err
		}
		if err := s.approvals.AssignApprovers(ctx, approvalID, ids); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign approvers")
		}
		if len(ids) > 0 {
			s.log.Debug().
				Int64("approval_id", approvalID).
				Int64("step_id", stepID).
				Int("approvers", len(ids)).
				Msg("Approval moved to step")
			return nil
		}

		stepName := next.Name
		if err := s.appendHistory(ctx, &repository.HistoryEntry{
			ApprovalID: approvalID,
			StepID:     &stepID,
			StepName:   &stepName,
			Title:      fmt.Sprintf(titleSkip, next.Name),
			Flag:       repository.FlagSkip,
		}); err != nil {
			return err
		}
		currentOrder = next.Order
	}

	return fmt.Errorf("%w: step chain of approval %d did not terminate", ErrInvalidFlow, approvalID)
}

func (s *ApprovalService) complete(ctx context.Context, approvalID int64) error {
	if err := s.approvals.AssignApprovers(ctx, approvalID, nil); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear approvers")
	}
	if err := s.approvals.Update(ctx, approvalID, repository.StatusApproved, nil, nil); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete approval")
	}
	return s.appendHistory(ctx, &repository.HistoryEntry{
		ApprovalID: approvalID,
		Title:      titleDone,
		Flag:       repository.FlagDone,
	})
}

// nextEligibleStep returns the first step with an order greater than
// afterOrder whose condition holds.
func (s *ApprovalService) nextEligibleStep(steps []*repository.Step, afterOrder int, params repository.Parameters) *repository.Step {
	for _, step := range steps {
		if step.Order <= afterOrder {
			continue
		}
		if s.isEligible(step, params) {
			return step
		}
	}
	return nil
}

// isEligible short-circuits blank conditions without consulting the
// evaluator.
func (s *ApprovalService) isEligible(step *repository.Step, params repository.Parameters) bool {
	if !step.HasCondition() {
		return true
	}
	return s.evaluator.Evaluate(*step.Condition, params)
}

// assignableApprovers resolves the step's approvers and keeps the ones that
// still exist in the user directory.
func (s *ApprovalService) assignableApprovers(ctx context.Context, step *repository.Step, params repository.Parameters) ([]int64, error) {
	ids, err := s.resolver.Resolve(ctx, step, params)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approver users")
	}
	existing := make(map[int64]struct{}, len(users))
	for _, u := range users {
		existing[u.ID] = struct{}{}
	}
	filtered := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := existing[id]; ok {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) < len(ids) {
		s.log.Debug().Int64("step_id", step.ID).Int("dropped", len(ids)-len(filtered)).Msg("Dropped approvers missing from user directory")
	}
	return filtered, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// loadSteps returns the flow's steps and rejects flows whose step orders are
// not unique.
func (s *ApprovalService) loadSteps(ctx context.Context, flowID int64) ([]*repository.Step, error) {
	steps, err := s.flows.GetSteps(ctx, flowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load flow steps")
	}
	seen := make(map[int]int64, len(steps))
	for i, step := range steps {
		if other, dup := seen[step.Order]; dup {
			return nil, fmt.Errorf("%w: flow %d has steps %d and %d with order %d", ErrInvalidFlow, flowID, other, step.ID, step.Order)
		}
		seen[step.Order] = step.ID
		if i > 0 && steps[i-1].Order > step.Order {
			return nil, fmt.Errorf("%w: steps of flow %d are not ordered", ErrInvalidFlow, flowID)
		}
	}
	return steps, nil
}

func (s *ApprovalService) requireUser(ctx context.Context, userID int64) (*repository.UserRef, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load user")
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *ApprovalService) requireRunning(ctx context.Context, approvalID int64) (*repository.Approval, error) {
	approval, err := s.approvals.GetCurrentStatus(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != repository.StatusOnProgress {
		return nil, ErrApprovalNotRunning
	}
	return approval, nil
}

func (s *ApprovalService) requirePermission(ctx context.Context, approvalID, userID int64) error {
	permitted, err := s.approvals.IsUserPermitted(ctx, approvalID, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approver permission")
	}
	if !permitted {
		return ErrPermissionDenied
	}
	return nil
}

func (s *ApprovalService) appendHistory(ctx context.Context, entry *repository.HistoryEntry) error {
	if err := s.histories.Append(ctx, entry); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
	}
	s.metrics.Transitions.WithLabelValues(string(entry.Flag)).Inc()
	return nil
}

// buildResult assembles the status object with the given previous approvers
// and the approvers active now.
func (s *ApprovalService) buildResult(ctx context.Context, approvalID int64, previous []repository.UserRef) (*StatusResult, error) {
	approval, err := s.approvals.GetCurrentStatus(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	owner, err := s.approvals.GetOwner(ctx, approvalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval owner")
	}
	current, err := s.approvals.GetCurrentApprovers(ctx, approvalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load current approvers")
	}
	if previous == nil {
		previous = []repository.UserRef{}
	}
	if current == nil {
		current = []repository.UserRef{}
	}

	return &StatusResult{
		ID:         approval.ID,
		FlowID:     approval.FlowID,
		Status:     approval.Status,
		StepID:     approval.StepID,
		StepName:   approval.StepName,
		Parameters: approval.Parameters,
		Stakeholders: Stakeholders{
			Owner:             owner,
			PreviousApprovers: previous,
			CurrentApprovers:  current,
		},
	}, nil
}

// eligibleStepInfo lists the steps whose conditions hold under params,
// with their resolved approvers.
func (s *ApprovalService) eligibleStepInfo(ctx context.Context, steps []*repository.Step, params repository.Parameters) ([]StepInfo, error) {
	params = params.Clone()
	eligible := make([]*repository.Step, 0, len(steps))
	for _, step := range steps {
		if s.isEligible(step, params) {
			eligible = append(eligible, step)
		}
	}
	return s.stepInfo(ctx, eligible, params)
}

func (s *ApprovalService) stepInfo(ctx context.Context, steps []*repository.Step, params repository.Parameters) ([]StepInfo, error) {
	infos := make([]StepInfo, 0, len(steps))
	for _, step := range steps {
		ids, err := s.resolver.Resolve(ctx, step, params)
		if err != nil {
			return nil, err
		}
		approvers := []repository.UserRef{}
		if len(ids) > 0 {
			if approvers, err = s.users.GetByIDs(ctx, ids); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approver users")
			}
		}
		infos = append(infos, StepInfo{
			ID:        step.ID,
			Order:     step.Order,
			Name:      step.Name,
			Condition: step.Condition,
			Approvers: approvers,
		})
	}
	return infos, nil
}

func (s *ApprovalService) publish(ctx context.Context, flag repository.HistoryFlag, result *StatusResult, actorID *int64) {
	if s.publisher == nil || result == nil {
		return
	}

	recipients := make([]int64, 0, len(result.Stakeholders.CurrentApprovers)+1)
	for _, u := range result.Stakeholders.CurrentApprovers {
		recipients = append(recipients, u.ID)
	}
	var ownerID *int64
	if owner := result.Stakeholders.Owner; owner != nil {
		id := owner.ID
		ownerID = &id
		if flag != repository.FlagCreated {
			recipients = append(recipients, id)
		}
	}

	s.publisher.PublishTransition(ctx, &TransitionEvent{
		EventType:  flag,
		CompanyID:  s.companyID,
		ApprovalID: result.ID,
		FlowID:     result.FlowID,
		Status:     result.Status,
		StepID:     result.StepID,
		StepName:   result.StepName,
		ActorID:    actorID,
		OwnerID:    ownerID,
		Recipients: recipients,
	})
}

func (s *ApprovalService) instrument(ctx context.Context, operation string, approvalID int64) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "ApprovalService."+operation,
		trace.WithAttributes(
			attribute.Int64("approval.id", approvalID),
			attribute.Int64("company.id", s.companyID),
		))
	observe := s.metrics.observe(operation)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		observe(err)
	}
}

func findStep(steps []*repository.Step, stepID int64) *repository.Step {
	for _, step := range steps {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}

func stepNameOf(approval *repository.Approval) string {
	if approval.StepName != nil {
		return *approval.StepName
	}
	return "-"
}
