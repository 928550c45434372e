package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// StartRequest is the body of POST /approvals.
type StartRequest struct {
	Type       string                `json:"type"`
	Parameters repository.Parameters `json:"parameters"`
}

// ActionRequest is the body of approve and reject.
type ActionRequest struct {
	Notes      *string `json:"notes"`
	Attachment *string `json:"attachment"`
}

// SystemRejectRequest is the body of system-reject. RelatedUserID defaults to
// the caller.
type SystemRejectRequest struct {
	ActionRequest
	RelatedUserID *int64 `json:"related_user_id"`
}

// ResetRequest is the body of reset. Omitted parameters keep the current ones.
type ResetRequest struct {
	ActionRequest
	Parameters repository.Parameters `json:"parameters"`
}

func (r ActionRequest) input() service.ActionInput {
	return service.ActionInput{Notes: r.Notes, Attachment: r.Attachment}
}

// Start handles POST /approvals
func (h *HTTPHandler) Start(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, h.log, errors.InvalidInput("type", "type is required"))
		return
	}

	result, err := h.service.Start(r.Context(), req.Type, actor, req.Parameters)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetStatus handles GET /approvals/{id}
func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.approvalID(w, r)
	if !ok {
		return
	}
	result, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Approve handles POST /approvals/{id}/approve
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.service.Approve)
}

// Reject handles POST /approvals/{id}/reject
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.service.Reject)
}

func (h *HTTPHandler) act(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64, service.ActionInput) (*service.StatusResult, error)) {
	id, ok := h.approvalID(w, r)
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := op(r.Context(), id, actor, req.input())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RejectBySystem handles POST /approvals/{id}/system-reject
func (h *HTTPHandler) RejectBySystem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.approvalID(w, r)
	if !ok {
		return
	}
	var req SystemRejectRequest
	if !h.decode(w, r, &req) {
		return
	}

	var related int64
	if req.RelatedUserID != nil {
		related = *req.RelatedUserID
	} else if related, ok = h.actor(w, r); !ok {
		return
	}

	result, err := h.service.RejectBySystem(r.Context(), id, related, req.input())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Reset handles POST /approvals/{id}/reset
func (h *HTTPHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.approvalID(w, r)
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req ResetRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Reset(r.Context(), id, actor, req.input(), req.Parameters)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetApprovalPath handles GET /approvals/{id}/path
func (h *HTTPHandler) GetApprovalPath(w http.ResponseWriter, r *http.Request) {
	id, ok := h.approvalID(w, r)
	if !ok {
		return
	}
	steps, err := h.service.GetApprovalPath(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// GetApprovalHistories handles GET /approvals/{id}/histories
func (h *HTTPHandler) GetApprovalHistories(w http.ResponseWriter, r *http.Request) {
	id, ok := h.approvalID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.GetApprovalHistories(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"histories": entries})
}

// GetNextStep handles GET /approvals/{id}/next-step
func (h *HTTPHandler) GetNextStep(w http.ResponseWriter, r *http.Request) {
	id, ok := h.approvalID(w, r)
	if !ok {
		return
	}
	next, err := h.service.GetNextStep(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"next_step": next})
}

// RebuildApprovers handles POST /approvals/rebuild-approvers
func (h *HTTPHandler) RebuildApprovers(w http.ResponseWriter, r *http.Request) {
	rebuilt, err := h.service.RebuildApprovers(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"company_id": h.service.CompanyID(),
		"rebuilt":    rebuilt,
	})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) approvalID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, h.log, errors.InvalidInput("id", "approval id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, h.log, errors.New(errors.ErrCodeUnauthorized, "acting user is required"))
		return 0, false
	}
	return id, true
}

// decode reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || err == io.EOF {
		return true
	}
	writeError(w, h.log, errors.InvalidInput("body", "Invalid request body"))
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error *errors.Error `json:"error"`
}

func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	code := errors.CodeOf(err)
	body := &errors.Error{Code: code, Message: err.Error()}
	var coded *errors.Error
	if errors.As(err, &coded) {
		body.Field = coded.Field
	}

	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", string(code)).Msg("request failed")
		if code == errors.ErrCodeInternal {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: body})
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
