package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// GetApprovalPath returns the steps eligible under the approval's current
// parameters, each marked passed, current or incoming, or with the outcome
// recorded for it since the approval was last created or reset. Completed
// approvals only show steps that were passed or decided.
func (s *ApprovalService) GetApprovalPath(ctx context.Context, approvalID int64) (views []StepView, err error) {
	ctx, finish := s.instrument(ctx, "get_approval_path", approvalID)
	defer func() { finish(err) }()

	approval, err := s.approvals.GetCurrentStatus(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	steps, err := s.loadSteps(ctx, approval.FlowID)
	if err != nil {
		return nil, err
	}
	infos, err := s.eligibleStepInfo(ctx, steps, approval.Parameters)
	if err != nil {
		return nil, err
	}
	entries, err := s.histories.ListByApproval(ctx, approvalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval history")
	}

	return buildPath(approval, infos, lastCycleOutcomes(entries)), nil
}

// lastCycleOutcomes returns the approved/rejected entries recorded after the
// most recent created or reset entry, oldest first.
func lastCycleOutcomes(entries []*repository.HistoryEntry) []*repository.HistoryEntry {
	var outcomes []*repository.HistoryEntry
	for _, entry := range entries {
		switch {
		case entry.Flag.IsCycleStart():
			outcomes = nil
		case entry.Flag.IsOutcome():
			outcomes = append(outcomes, entry)
		}
	}
	return outcomes
}

func buildPath(approval *repository.Approval, infos []StepInfo, outcomes []*repository.HistoryEntry) []StepView {
	currentIndex := -1
	if approval.StepID != nil {
		for i, info := range infos {
			if info.ID == *approval.StepID {
				currentIndex = i
				break
			}
		}
	}

	views := make([]StepView, 0, len(infos))
	for i, info := range infos {
		view := StepView{StepInfo: info}
		switch {
		case i < currentIndex:
			view.Type = string(MarkerPassed)
		case i == currentIndex:
			view.Type = string(MarkerCurrent)
		default:
			view.Type = string(MarkerIncoming)
		}

		for _, entry := range outcomes {
			if entry.StepID == nil || *entry.StepID != info.ID {
				continue
			}
			applyOutcome(&view, entry)
			break
		}

		if approval.Status == repository.StatusApproved &&
			(view.Type == string(MarkerIncoming) || view.Type == string(MarkerCurrent)) {
			continue
		}
		views = append(views, view)
	}
	return views
}

func applyOutcome(view *StepView, entry *repository.HistoryEntry) {
	view.Type = string(entry.Flag)
	view.ApproverID = entry.ActorID
	if entry.Actor != nil {
		name, email, username := entry.Actor.Name, entry.Actor.Email, entry.Actor.Username
		view.ApproverName = &name
		view.ApproverEmail = &email
		view.ApproverUsername = &username
	}
	view.Notes = entry.Notes
	view.Attachment = entry.Attachment
	at := entry.DateTime
	view.ApprovalTime = &at
}
