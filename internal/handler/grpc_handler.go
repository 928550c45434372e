package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pesio.platform.approvals.v1.ApprovalWorkflowService"

// ApprovalWorkflowServer is the gRPC surface of the approval service. Every
// method takes and returns a google.protobuf.Struct.
type ApprovalWorkflowServer interface {
	Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RejectBySystem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetApprovalPath(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetApprovalHistories(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetNextStep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RebuildApprovers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalWorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Start", ApprovalWorkflowServer.Start),
		unaryMethod("Approve", ApprovalWorkflowServer.Approve),
		unaryMethod("Reject", ApprovalWorkflowServer.Reject),
		unaryMethod("RejectBySystem", ApprovalWorkflowServer.RejectBySystem),
		unaryMethod("Reset", ApprovalWorkflowServer.Reset),
		unaryMethod("GetStatus", ApprovalWorkflowServer.GetStatus),
		unaryMethod("GetApprovalPath", ApprovalWorkflowServer.GetApprovalPath),
		unaryMethod("GetApprovalHistories", ApprovalWorkflowServer.GetApprovalHistories),
		unaryMethod("GetNextStep", ApprovalWorkflowServer.GetNextStep),
		unaryMethod("RebuildApprovers", ApprovalWorkflowServer.RebuildApprovers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "platform/approvals/v1/approvals.proto",
}

type unaryCall func(srv ApprovalWorkflowServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(ApprovalWorkflowServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// RegisterService registers the approval workflow service on s.
func RegisterService(s grpc.ServiceRegistrar, srv ApprovalWorkflowServer) {
	s.RegisterService(&serviceDesc, srv)
}

// GRPCHandler implements ApprovalWorkflowServer on top of the approval service
type GRPCHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(service *service.ApprovalService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: service,
		log:     log.Component("grpc"),
	}
}

// grpcRequest is the union of the fields accepted by the service methods.
type grpcRequest struct {
	ApprovalID    int64                 `json:"approval_id"`
	Type          string                `json:"type"`
	RelatedUserID *int64                `json:"related_user_id"`
	Notes         *string               `json:"notes"`
	Attachment    *string               `json:"attachment"`
	Parameters    repository.Parameters `json:"parameters"`
}

func (r *grpcRequest) input() service.ActionInput {
	return service.ActionInput{Notes: r.Notes, Attachment: r.Attachment}
}

// Start starts an approval for the calling user
func (h *GRPCHandler) Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeRequest(req, false)
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "type is required")
	}

	h.log.Info().Str("type", in.Type).Int64("user_id", actor).Msg("gRPC Start called")

	result, err := h.service.Start(ctx, in.Type, actor, in.Parameters)
	return h.reply(result, err)
}

// Approve approves the current step
func (h *GRPCHandler) Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.act(ctx, req, h.service.Approve)
}

// Reject rejects the approval
func (h *GRPCHandler) Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.act(ctx, req, h.service.Reject)
}

func (h *GRPCHandler) act(ctx context.Context, req *structpb.Struct, op func(context.Context, int64, int64, service.ActionInput) (*service.StatusResult, error)) (*structpb.Struct, error) {
	in, err := decodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	result, err := op(ctx, in.ApprovalID, actor, in.input())
	return h.reply(result, err)
}

// RejectBySystem rejects on behalf of a process. related_user_id defaults to
// the caller.
func (h *GRPCHandler) RejectBySystem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	var related int64
	if in.RelatedUserID != nil {
		related = *in.RelatedUserID
	} else if related, err = requireActor(ctx); err != nil {
		return nil, err
	}
	result, err := h.service.RejectBySystem(ctx, in.ApprovalID, related, in.input())
	return h.reply(result, err)
}

// Reset restarts the approval from its first eligible step
func (h *GRPCHandler) Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	result, err := h.service.Reset(ctx, in.ApprovalID, actor, in.input(), in.Parameters)
	return h.reply(result, err)
}

// GetStatus returns the status object of an approval
func (h *GRPCHandler) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	result, err := h.service.GetStatus(ctx, in.ApprovalID)
	return h.reply(result, err)
}

// GetApprovalPath returns the reconstructed path under "steps"
func (h *GRPCHandler) GetApprovalPath(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	steps, err := h.service.GetApprovalPath(ctx, in.ApprovalID)
	if err != nil {
		return nil, h.fail(err)
	}
	return h.reply(map[string]interface{}{"steps": steps}, nil)
}

// GetApprovalHistories returns the history under "histories"
func (h *GRPCHandler) GetApprovalHistories(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	entries, err := h.service.GetApprovalHistories(ctx, in.ApprovalID)
	if err != nil {
		return nil, h.fail(err)
	}
	return h.reply(map[string]interface{}{"histories": entries}, nil)
}

// GetNextStep returns the step after the current one under "next_step"
func (h *GRPCHandler) GetNextStep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	next, err := h.service.GetNextStep(ctx, in.ApprovalID)
	if err != nil {
		return nil, h.fail(err)
	}
	return h.reply(map[string]interface{}{"next_step": next}, nil)
}

// RebuildApprovers recomputes the approver sets of running approvals
func (h *GRPCHandler) RebuildApprovers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	rebuilt, err := h.service.RebuildApprovers(ctx)
	if err != nil {
		return nil, h.fail(err)
	}
	return h.reply(map[string]interface{}{
		"company_id": h.service.CompanyID(),
		"rebuilt":    rebuilt,
	}, nil)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func decodeRequest(req *structpb.Struct, needID bool) (*grpcRequest, error) {
	in := &grpcRequest{}
	if req != nil {
		data, err := json.Marshal(req.AsMap())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid request")
		}
		if err := json.Unmarshal(data, in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
		}
	}
	if needID && in.ApprovalID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "approval_id must be a positive integer")
	}
	return in, nil
}

func requireActor(ctx context.Context) (int64, error) {
	id, ok := ActorFrom(ctx)
	if !ok {
		return 0, status.Error(codes.Unauthenticated, "acting user is required")
	}
	return id, nil
}

// reply converts any JSON-serializable result into a Struct.
func (h *GRPCHandler) reply(result interface{}, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, h.fail(err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, h.fail(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode response"))
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, h.fail(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode response"))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, h.fail(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode response"))
	}
	return out, nil
}

func (h *GRPCHandler) fail(err error) error {
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		h.log.Error().Err(err).Msg("gRPC call failed")
	}
	return mapErrorToGRPC(err)
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}
