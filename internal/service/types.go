package service

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ── Results ──────────────────────────────────────────────────────────────────

// StatusResult is the status object returned by every transition.
type StatusResult struct {
	ID           int64                     `json:"id"`
	FlowID       int64                     `json:"flow_id"`
	Status       repository.ApprovalStatus `json:"status"`
	StepID       *int64                    `json:"step_id"`
	StepName     *string                   `json:"step_name"`
	Parameters   repository.Parameters     `json:"parameters"`
	Stakeholders Stakeholders              `json:"stakeholders"`
}

// Stakeholders lists who was and is involved around a transition.
// CurrentApprovers is nil after a rejection; PreviousApprovers is nil after a
// reset. Steps is only set when nobody is left to act.
type Stakeholders struct {
	Owner             *repository.UserRef  `json:"owner"`
	PreviousApprovers []repository.UserRef `json:"previous_approvers"`
	CurrentApprovers  []repository.UserRef `json:"current_approvers"`
	Steps             []StepInfo           `json:"steps,omitempty"`
}

// StepInfo is an eligible step together with its resolved approvers.
type StepInfo struct {
	ID        int64                `json:"id"`
	Order     int                  `json:"order"`
	Name      string               `json:"name"`
	Condition *string              `json:"condition"`
	Approvers []repository.UserRef `json:"approvers"`
}

// StepMarker is the position of a step within the reconstructed path.
type StepMarker string

const (
	MarkerPassed   StepMarker = "passed"
	MarkerCurrent  StepMarker = "current"
	MarkerIncoming StepMarker = "incoming"
)

// StepView is one entry of an approval path. Type is a StepMarker or, when the
// step has an outcome in the last cycle, that outcome's history flag.
type StepView struct {
	StepInfo
	Type             string     `json:"type"`
	ApproverID       *int64     `json:"approver_id,omitempty"`
	ApproverName     *string    `json:"approver_name,omitempty"`
	ApproverEmail    *string    `json:"approver_email,omitempty"`
	ApproverUsername *string    `json:"approver_username,omitempty"`
	Notes            *string    `json:"notes,omitempty"`
	Attachment       *string    `json:"attachment,omitempty"`
	ApprovalTime     *time.Time `json:"approval_time,omitempty"`
}

// ── Inputs ───────────────────────────────────────────────────────────────────

// ActionInput carries the optional payload of a user action.
type ActionInput struct {
	Notes      *string
	Attachment *string
}

// ── Events ───────────────────────────────────────────────────────────────────

// TransitionEvent describes a completed transition for downstream consumers.
type TransitionEvent struct {
	EventType  repository.HistoryFlag    `json:"event_type"`
	CompanyID  int64                     `json:"company_id"`
	ApprovalID int64                     `json:"approval_id"`
	FlowID     int64                     `json:"flow_id"`
	Status     repository.ApprovalStatus `json:"status"`
	StepID     *int64                    `json:"step_id,omitempty"`
	StepName   *string                   `json:"step_name,omitempty"`
	ActorID    *int64                    `json:"actor_id,omitempty"`
	OwnerID    *int64                    `json:"owner_id,omitempty"`
	Recipients []int64                   `json:"recipients"`
}
