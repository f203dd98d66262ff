package api

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"riskdesk/internal/domain"
	"riskdesk/internal/engine"
	"riskdesk/internal/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "riskdesk.v1.RiskDesk"

// Method names.
const (
	MethodSizePosition      = "SizePosition"
	MethodPortfolioRisk     = "PortfolioRisk"
	MethodCheckEntry        = "CheckEntry"
	MethodSubmitBracket     = "SubmitBracket"
	MethodAutomatedExit     = "AutomatedExit"
	MethodRequestExit       = "RequestExit"
	MethodCancelExitRequest = "CancelExitRequest"
	MethodExitRequests      = "ExitRequests"
	MethodExitTrigger       = "ExitTrigger"
	MethodReconcile         = "Reconcile"
	MethodListAlarms        = "ListAlarms"
	MethodResolveAlarm      = "ResolveAlarm"
	StreamWatchAlarms       = "WatchAlarms"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Service implements the RiskDesk gRPC service. Requests and responses are
// JSON objects carried as google.protobuf.Struct.
type Service struct {
	engine  *engine.Engine
	monitor *engine.Monitor
	alarms  store.AlarmStore
	hub     *Hub
	log     *slog.Logger
}

// NewService creates a Service. monitor, alarms and hub may be nil; the
// methods that need them then fail with Unimplemented.
func NewService(e *engine.Engine, monitor *engine.Monitor, alarms store.AlarmStore, hub *Hub, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		engine:  e,
		monitor: monitor,
		alarms:  alarms,
		hub:     hub,
		log:     log.With("component", "api"),
	}
}

// RegisterGRPC registers the service on gs.
func (s *Service) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

type riskDeskServer interface {
	call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the RiskDesk service for grpc.Server.RegisterService
// and for clients opening streams.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*riskDeskServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodSizePosition),
		unaryHandler(MethodPortfolioRisk),
		unaryHandler(MethodCheckEntry),
		unaryHandler(MethodSubmitBracket),
		unaryHandler(MethodAutomatedExit),
		unaryHandler(MethodRequestExit),
		unaryHandler(MethodCancelExitRequest),
		unaryHandler(MethodExitRequests),
		unaryHandler(MethodExitTrigger),
		unaryHandler(MethodReconcile),
		unaryHandler(MethodListAlarms),
		unaryHandler(MethodResolveAlarm),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamWatchAlarms,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(*Service).watchAlarms(stream)
			},
		},
	},
}

func unaryHandler(name string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return srv.(riskDeskServer).call(ctx, name, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

// call dispatches one unary request and encodes its result. Failures carry
// their domain error kind in the ErrorKindKey trailer.
func (s *Service) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	out, err := s.handle(ctx, method, req)
	if err == nil {
		var resp *structpb.Struct
		if resp, err = toStruct(out); err == nil {
			s.log.Debug("rpc", "method", method, "elapsed", time.Since(start))
			return resp, nil
		}
	}

	kind := domain.KindOf(err)
	if kind != "" {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(ErrorKindKey, string(kind)))
	}
	s.log.Warn("rpc failed", "method", method, "kind", kind, "elapsed", time.Since(start), "error", err)
	return nil, toStatus(err)
}

func (s *Service) handle(ctx context.Context, method string, req *structpb.Struct) (any, error) {
	var p params
	if err := fromStruct(req, &p); err != nil {
		return nil, domain.Errorf(domain.KindInvalidInput, method, "decoding request: %v", err)
	}

	switch method {
	case MethodSizePosition:
		qty, err := s.engine.SizePosition(p.Entry, p.Stop, p.Risk)
		if err != nil {
			return nil, err
		}
		return map[string]any{"quantity": qty}, nil

	case MethodPortfolioRisk:
		return s.engine.PortfolioRisk(ctx)

	case MethodCheckEntry:
		cooldown := s.engine.Cooldown()
		if p.CooldownMinutes != nil && *p.CooldownMinutes >= 0 {
			cooldown = time.Duration(*p.CooldownMinutes * float64(time.Minute))
		}
		var (
			allowed bool
			reason  string
		)
		if p.History != nil {
			// The caller supplied the executions; the broker is not consulted.
			if p.Symbol == "" {
				return nil, domain.Errorf(domain.KindInvalidInput, method, "symbol is required")
			}
			allowed, reason = s.engine.IsEntryAllowed(*p.History, p.Symbol, cooldown)
		} else {
			var err error
			allowed, reason, err = s.engine.EntryAllowed(ctx, p.Symbol, cooldown)
			if err != nil {
				return nil, err
			}
		}
		return map[string]any{"allowed": allowed, "reason": reason, "cooldown_minutes": cooldown.Minutes()}, nil

	case MethodSubmitBracket:
		var br engine.BracketRequest
		if err := fromStruct(req, &br); err != nil {
			return nil, domain.Errorf(domain.KindInvalidInput, method, "decoding request: %v", err)
		}
		return s.engine.SubmitBracket(ctx, br)

	case MethodAutomatedExit:
		return s.engine.HandleAutomatedExit(ctx, p.Symbol)

	case MethodRequestExit:
		if err := s.engine.RequestExit(ctx, p.Symbol); err != nil {
			return nil, err
		}
		return map[string]any{"symbol": p.Symbol, "requested": true}, nil

	case MethodCancelExitRequest:
		if err := s.engine.CancelExitRequest(ctx, p.Symbol); err != nil {
			return nil, err
		}
		return map[string]any{"symbol": p.Symbol, "requested": false}, nil

	case MethodExitRequests:
		symbols, err := s.engine.ExitRequests(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"symbols": nonNil(symbols)}, nil

	case MethodExitTrigger:
		res, triggered, err := s.engine.OnExitTrigger(ctx, p.Symbol)
		if err != nil {
			return nil, err
		}
		return map[string]any{"triggered": triggered, "result": res}, nil

	case MethodReconcile:
		if s.monitor == nil {
			return nil, status.Error(codes.Unimplemented, "monitor is not configured")
		}
		return s.monitor.RunOnce(ctx)

	case MethodListAlarms:
		if s.alarms == nil {
			return nil, status.Error(codes.Unimplemented, "alarm store is not configured")
		}
		alarms, err := s.alarms.ListAlarms(ctx, p.ActiveOnly)
		if err != nil {
			return nil, err
		}
		return map[string]any{"alarms": nonNil(alarms)}, nil

	case MethodResolveAlarm:
		if s.alarms == nil {
			return nil, status.Error(codes.Unimplemented, "alarm store is not configured")
		}
		if err := s.alarms.ResolveAlarm(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]any{"id": p.ID, "active": false}, nil
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

// params holds the fields shared by the simple requests.
type params struct {
	Symbol          string   `json:"symbol"`
	Entry           float64  `json:"entry"`
	Stop            float64  `json:"stop"`
	Risk            float64  `json:"risk"`
	CooldownMinutes *float64 `json:"cooldown_minutes"`
	ActiveOnly      bool     `json:"active_only"`
	ID              int64    `json:"id"`

	History *[]domain.ExecutionFill `json:"history"`
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// watchAlarms streams alarm events until the client goes away.
func (s *Service) watchAlarms(stream grpc.ServerStream) error {
	if s.hub == nil {
		return status.Error(codes.Unimplemented, "alarm stream is not configured")
	}
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	id, ch := s.hub.Subscribe(64)
	defer s.hub.Unsubscribe(id)
	s.log.Info("alarm watcher subscribed", "sub_id", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("alarm watcher disconnected", "sub_id", id)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := toStruct(evt)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
