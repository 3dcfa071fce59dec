package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service. Every method takes and
// returns a google.protobuf.Struct holding the JSON request and result.
const ServiceName = "lotledger.v1.LotLedger"

// Metadata keys carrying caller identity when the request body omits it.
const (
	CallerHeader    = "x-caller"
	RequestIDHeader = "x-request-id"
)

// Config holds listen addresses and the shared request rate limit.
type Config struct {
	GRPCAddr  string  `yaml:"grpc_addr"`
	HTTPAddr  string  `yaml:"http_addr"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst int     `yaml:"rate_burst"`
}

// Server exposes the API over gRPC and an HTTP/JSON gateway.
type Server struct {
	cfg        Config
	api        *API
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcHealth *health.Server
	limiter    *rate.Limiter
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	gatherer   prometheus.Gatherer
	log        zerolog.Logger
}

// NewServer registers the service, health checking and the interceptor
// chain. gatherer backs /metrics on the gateway and may be nil.
func NewServer(cfg Config, api *API, hc *observability.HealthChecker, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		cfg:      cfg,
		api:      api,
		health:   hc,
		metrics:  metrics,
		gatherer: gatherer,
		log:      observability.NewLogger("server"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	s.grpcServer.RegisterService(serviceDesc(api.Methods()), &grpcService{api: api})

	s.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)
	s.SetServing(hc == nil || hc.IsReady())
	return s
}

// SetServing flips the gRPC health status alongside readiness.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.grpcHealth.SetServingStatus("", st)
	s.grpcHealth.SetServingStatus(ServiceName, st)
}

// StartGRPC serves until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Int("methods", len(s.api.Methods())).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// allow consumes one token from the shared limiter.
func (s *Server) allow(transport string) bool {
	if s.limiter == nil || s.limiter.Allow() {
		return true
	}
	if s.metrics != nil {
		s.metrics.APIRateLimited.WithLabelValues(transport).Inc()
	}
	return false
}

func (s *Server) observe(transport, method, code string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.APIRequests.WithLabelValues(transport, method, code).Inc()
	s.metrics.APIDuration.WithLabelValues(transport, method).Observe(time.Since(start).Seconds())
}

func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := path.Base(info.FullMethod)
	if !s.allow("grpc") {
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe("grpc", method, status.Code(err).String(), start)
	if err != nil && status.Code(err) == codes.Internal {
		s.log.Error().Err(err).Str("method", method).Msg("request failed")
	}
	return resp, err
}

// ============================================================================
// Service descriptor
// ============================================================================

type lotLedgerServer interface {
	invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

// serviceDesc builds one unary method per API method.
func serviceDesc(methods []string) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*lotLedgerServer)(nil),
		Metadata:    "lotledger/v1/lotledger.proto",
	}
	for _, m := range methods {
		name := m
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(lotLedgerServer).invoke(ctx, name, in)
				}
				info := &grpc.UnaryServerInfo{
					Server:     srv,
					FullMethod: "/" + ServiceName + "/" + name,
				}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(lotLedgerServer).invoke(ctx, name, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		})
	}
	return desc
}

type grpcService struct {
	api *API
}

func (g *grpcService) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = withCall(ctx, callFromMetadata(md))
	}
	out, err := g.api.Invoke(ctx, method, raw)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := toStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return res, nil
}

func callFromMetadata(md metadata.MD) core.Call {
	var c core.Call
	if v := md.Get(CallerHeader); len(v) > 0 && common.IsHexAddress(v[0]) {
		c.Caller = common.HexToAddress(v[0])
	}
	if v := md.Get(RequestIDHeader); len(v) > 0 {
		c.RequestID = v[0]
	}
	return c
}

// toStruct round-trips a result through its JSON form so amounts keep their
// decimal string encoding.
func toStruct(v any) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if v == nil {
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return out, nil
	}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
