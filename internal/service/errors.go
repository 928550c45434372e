package service

import (
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// Domain errors returned by ApprovalService. Compare with errors.Is from the
// standard library.
var (
	ErrUserNotFound       = errors.New(errors.ErrCodeNotFound, "user not found")
	ErrFlowNotFound       = errors.New(errors.ErrCodeNotFound, "approval flow not found")
	ErrPermissionDenied   = errors.New(errors.ErrCodeForbidden, "user is not an approver of the current step")
	ErrApprovalNotRunning = errors.New(errors.ErrCodeConflict, "approval is not running")
	ErrInvalidFlow        = errors.New(errors.ErrCodeInternal, "approval flow definition is invalid")
)
