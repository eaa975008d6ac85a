package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/middleware"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "hr.approvals.v1.ApprovalService"

// ApprovalServiceServer is the gRPC surface. Messages are Structs carrying
// the same JSON shapes as the REST API.
type ApprovalServiceServer interface {
	CreateInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingFor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HistoryOf(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ApprovalServiceDesc registers ApprovalServiceServer on a grpc.Server.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateInstance", Handler: unary("CreateInstance", ApprovalServiceServer.CreateInstance)},
		{MethodName: "Cancel", Handler: unary("Cancel", ApprovalServiceServer.Cancel)},
		{MethodName: "SubmitDecision", Handler: unary("SubmitDecision", ApprovalServiceServer.SubmitDecision)},
		{MethodName: "PendingFor", Handler: unary("PendingFor", ApprovalServiceServer.PendingFor)},
		{MethodName: "HistoryOf", Handler: unary("HistoryOf", ApprovalServiceServer.HistoryOf)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hr/approvals/v1/approvals.proto",
}

func unary(method string, call func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ApprovalServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCHandler implements ApprovalServiceServer
type GRPCHandler struct {
	approvals *service.ApprovalService
	queues    *service.QueueRouter
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(approvals *service.ApprovalService, queues *service.QueueRouter, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		approvals: approvals,
		queues:    queues,
		log:       log.Component("grpc"),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ApprovalServiceDesc, h)
}

// CreateInstance expects {kind, subject_id} and submits on behalf of the caller.
func (h *GRPCHandler) CreateInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := grpcActor(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req struct {
		Kind      workflow.Kind `json:"kind"`
		SubjectID string        `json:"subject_id"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	h.log.Info().
		Str("kind", string(req.Kind)).
		Str("subject_id", req.SubjectID).
		Str("created_by", actor.ID).
		Msg("gRPC CreateInstance called")

	inst, err := h.approvals.CreateInstance(ctx, &service.CreateRequest{
		Kind:      req.Kind,
		SubjectID: req.SubjectID,
		CreatedBy: actor.ID,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(inst)
}

// Cancel expects {instance_id, reason?}. Only the submitter may cancel.
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := grpcActor(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req struct {
		InstanceID string `json:"instance_id"`
		Reason     string `json:"reason"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	res, err := h.approvals.Cancel(ctx, &service.CancelRequest{
		InstanceID:  req.InstanceID,
		RequestedBy: actor.ID,
		Reason:      req.Reason,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// SubmitDecision expects {instance_id, outcome, comments?, expected_stage?}.
func (h *GRPCHandler) SubmitDecision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := grpcActor(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req struct {
		InstanceID    string           `json:"instance_id"`
		Outcome       workflow.Outcome `json:"outcome"`
		Comments      string           `json:"comments"`
		ExpectedStage workflow.Stage   `json:"expected_stage"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	h.log.Info().
		Str("instance_id", req.InstanceID).
		Str("approver_id", actor.ID).
		Str("outcome", string(req.Outcome)).
		Msg("gRPC SubmitDecision called")

	res, err := h.approvals.SubmitDecision(ctx, &service.DecisionRequest{
		InstanceID:    req.InstanceID,
		ApproverID:    actor.ID,
		ApproverRole:  actor.Role,
		Outcome:       req.Outcome,
		Comments:      req.Comments,
		ExpectedStage: req.ExpectedStage,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// PendingFor expects {kinds?: [..]} and answers for the caller's role.
func (h *GRPCHandler) PendingFor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := grpcActor(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var req struct {
		Kinds []workflow.Kind `json:"kinds"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	items, err := h.queues.PendingFor(ctx, actor.Role, req.Kinds...)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"role": actor.Role, "items": items, "count": len(items)})
}

// HistoryOf expects {instance_id}.
func (h *GRPCHandler) HistoryOf(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		InstanceID string `json:"instance_id"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	history, err := h.approvals.HistoryOf(ctx, req.InstanceID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"instance_id": req.InstanceID, "decisions": history})
}

func grpcActor(ctx context.Context) (middleware.Actor, error) {
	actor, ok := middleware.ActorFrom(ctx)
	if !ok || actor.ID == "" {
		return middleware.Actor{}, errors.New(errors.ErrCodeUnauthorized, "caller identity is required")
	}
	return actor, nil
}

// fromStruct decodes a Struct into dst through its JSON form.
func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return errors.InvalidInput("request", err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.InvalidInput("request", err.Error())
	}
	return nil
}

// toStruct encodes v as a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	return out, nil
}
