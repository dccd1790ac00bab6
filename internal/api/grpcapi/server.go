package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/service"
)

// methodScopes lists the token scopes that grant each method.
var methodScopes = map[string][]string{
	"Submit":      {identity.ScopeWrite},
	"GetEntry":    {identity.ScopeRead, identity.ScopeAudit},
	"Head":        {identity.ScopeRead, identity.ScopeAudit},
	"VerifyRange": {identity.ScopeAudit},
}

// Server implements LedgerServiceServer on top of service.Ledger.
type Server struct {
	svc    *service.Ledger
	logger *zap.Logger
}

// NewServer creates a Server.
func NewServer(svc *service.Ledger, logger *zap.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// NewGRPCServer builds a grpc.Server with LedgerService, the standard
// health service and reflection registered. A nil tokens disables auth.
func NewGRPCServer(srv *Server, tokens *identity.TokenIssuer, logger *zap.Logger) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(LoggingInterceptor(logger), AuthInterceptor(tokens)),
	)
	gs.RegisterService(&ServiceDesc, srv)

	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, healthSvc)
	healthSvc.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(gs)
	return gs, healthSvc
}

type payloadBody struct {
	Kind ledger.PayloadKind `json:"kind"`
	Data json.RawMessage    `json:"data"`
}

type submitRequest struct {
	EntryID string           `json:"entry_id"`
	Actor   ledger.Actor     `json:"actor"`
	Action  ledger.Action    `json:"action"`
	Entity  ledger.EntityRef `json:"entity"`
	Payload payloadBody      `json:"payload"`
	Wait    bool             `json:"wait"`
}

// Submit queues an entry. With "wait": true it returns the committed entry.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	payload, err := ledger.PayloadFromJSON(req.Payload.Kind, req.Payload.Data)
	if err != nil {
		return nil, toStatus(err)
	}
	cand := &ledger.Candidate{
		Actor:   req.Actor,
		Action:  req.Action,
		Entity:  req.Entity,
		Payload: payload,
	}
	if req.EntryID != "" {
		if cand.EntryID, err = uuid.Parse(req.EntryID); err != nil {
			return nil, status.Error(codes.InvalidArgument, "entry_id must be a UUID")
		}
	}
	if cand.Actor.ID == "" {
		cand.Actor.ID = subjectFromContext(ctx)
	}

	if !req.Wait {
		id, err := s.svc.Submit(ctx, cand)
		if err != nil {
			return nil, toStatus(err)
		}
		return toStruct(map[string]any{"entry_id": id})
	}
	entry, err := s.svc.SubmitAndWait(ctx, cand)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(entry)
}

// GetEntry looks an entry up by "entry_id" or "sequence_number".
func (s *Server) GetEntry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		EntryID        string  `json:"entry_id"`
		SequenceNumber *uint64 `json:"sequence_number"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	var (
		entry *ledger.Entry
		err   error
	)
	switch {
	case req.EntryID != "":
		id, perr := uuid.Parse(req.EntryID)
		if perr != nil {
			return nil, status.Error(codes.InvalidArgument, "entry_id must be a UUID")
		}
		entry, err = s.svc.GetEntry(ctx, id)
	case req.SequenceNumber != nil:
		entry, err = s.svc.GetBySequence(ctx, *req.SequenceNumber)
	default:
		return nil, status.Error(codes.InvalidArgument, "entry_id or sequence_number is required")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(entry)
}

// VerifyRange verifies [start, end]; absent bounds default to genesis and tail.
func (s *Server) VerifyRange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Start *uint64 `json:"start"`
		End   *uint64 `json:"end"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	rep, err := s.svc.VerifyRange(ctx, req.Start, req.End)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(rep)
}

// Head returns the current tail of the ledger.
func (s *Server) Head(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	head, err := s.svc.Head(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(head)
}

func fromStruct(in *structpb.Struct, v any) error {
	b, err := in.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(b, v); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("decode request: %v", err))
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// toStatus maps service errors to gRPC status codes.
func toStatus(err error) error {
	var (
		ve *ledger.ValidationError
		ee *ledger.EncodingError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ee):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ledger.ErrWriterUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ledger.ErrAckTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

type claimsKey struct{}

func subjectFromContext(ctx context.Context) string {
	if claims, ok := ctx.Value(claimsKey{}).(*identity.LedgerClaims); ok {
		return claims.Subject
	}
	return ""
}

// AuthInterceptor requires a Bearer token in the "authorization" metadata
// carrying a scope that grants the method. A nil tokens disables it.
func AuthInterceptor(tokens *identity.TokenIssuer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if tokens == nil || !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var auth string
		if v := md.Get("authorization"); len(v) > 0 {
			auth = v[0]
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			return nil, status.Error(codes.Unauthenticated, "Bearer token required")
		}
		claims, err := tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token: "+err.Error())
		}

		method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
		for _, scope := range methodScopes[method] {
			if identity.HasScope(claims, scope) {
				return handler(context.WithValue(ctx, claimsKey{}, claims), req)
			}
		}
		return nil, status.Errorf(codes.PermissionDenied, "token lacks scope for %s", method)
	}
}

// LoggingInterceptor returns a gRPC unary server interceptor that logs each call.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
