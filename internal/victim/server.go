package victim

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/adversarial-harness/internal/imageio"
)

// #region service-desc
const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "victim.v1.VictimModel"

	// Greeting is returned by Hello once the model is serving.
	Greeting = "Hello"

	methodHello        = "/" + ServiceName + "/Hello"
	methodPredict      = "/" + ServiceName + "/Predict"
	methodBatchPredict = "/" + ServiceName + "/BatchPredict"
	methodNumClasses   = "/" + ServiceName + "/NumClasses"
)

// victimServer is the handler surface registered with grpc. Messages are
// protobuf well-known types so no generated code is needed.
type victimServer interface {
	Hello(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Predict(context.Context, *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error)
	BatchPredict(context.Context, *wrapperspb.BytesValue) (*structpb.ListValue, error)
	NumClasses(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*victimServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Hello", Handler: helloHandler},
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "BatchPredict", Handler: batchPredictHandler},
		{MethodName: "NumClasses", Handler: numClassesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "victim/v1/victim.proto",
}

func helloHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(victimServer).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHello}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(victimServer).Hello(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(victimServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPredict}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(victimServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func batchPredictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(victimServer).BatchPredict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodBatchPredict}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(victimServer).BatchPredict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func numClassesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(victimServer).NumClasses(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodNumClasses}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(victimServer).NumClasses(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
// #endregion service-desc

// #region handlers
// service adapts a Classifier to the wire protocol.
type service struct {
	model  Classifier
	logger *slog.Logger
}

func (s *service) Hello(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(Greeting), nil
}

func (s *service) Predict(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error) {
	if len(in.GetValue()) != imageio.Size {
		return nil, status.Errorf(codes.InvalidArgument, "image payload is %d bytes, want %d", len(in.GetValue()), imageio.Size)
	}
	label := s.model.Predict(imageio.Image{Pix: in.GetValue()})
	return wrapperspb.Int64(int64(label)), nil
}

func (s *service) BatchPredict(_ context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	payload := in.GetValue()
	if len(payload)%imageio.Size != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "batch payload is %d bytes, not a multiple of %d", len(payload), imageio.Size)
	}
	ims := make([]imageio.Image, len(payload)/imageio.Size)
	for i := range ims {
		ims[i] = imageio.Image{Pix: payload[i*imageio.Size : (i+1)*imageio.Size]}
	}
	labels := s.model.BatchPredict(ims)
	s.logger.Debug("batch predict", "size", len(ims))

	values := make([]*structpb.Value, len(labels))
	for i, l := range labels {
		values[i] = structpb.NewNumberValue(float64(l))
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *service) NumClasses(_ context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	return wrapperspb.Int64(int64(s.model.NumClasses())), nil
}
// #endregion handlers

// #region server
// Server exposes a Classifier over gRPC together with the standard health
// service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer registers model on a fresh grpc.Server.
func NewServer(model Classifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "victim_server")

	gs := grpc.NewServer()
	gs.RegisterService(&serviceDesc, &service{model: model, logger: logger})

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{grpc: gs, health: hs, logger: logger}
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully. A cancelled context is a clean shutdown and returns nil.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("victim model serving", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("victim model shutting down")
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve victim model: %w", err)
		}
		return nil
	}
}

// Stop terminates the server immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}
// #endregion server
