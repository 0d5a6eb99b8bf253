package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "specdec.SpeculativeService"

// SpeculativeServiceServer is implemented by the coordinator.
type SpeculativeServiceServer interface {
	StartGeneration(ctx context.Context, req *StartRequest) (*StartResponse, error)
	VerifyBatchTokens(ctx context.Context, req *VerifyBatchRequest) (*VerifyBatchResponse, error)
	VerifyDraftTokens(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error)
	FinalizeBatchTokens(ctx context.Context, req *FinalizeBatchRequest) (*FinalizeBatchResponse, error)
	FinalizeTokens(ctx context.Context, req *FinalizeRequest) (*FinalizeResponse, error)
	GenerateFull(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// RegisterSpeculativeServiceServer wires srv into a grpc.Server.
func RegisterSpeculativeServiceServer(s grpc.ServiceRegistrar, srv SpeculativeServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// The service descriptor is laid out by hand the way protoc-gen-go-grpc
// emits it; the handlers decode into the struct messages above.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SpeculativeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartGeneration", Handler: startGenerationHandler},
		{MethodName: "VerifyBatchTokens", Handler: verifyBatchTokensHandler},
		{MethodName: "VerifyDraftTokens", Handler: verifyDraftTokensHandler},
		{MethodName: "FinalizeBatchTokens", Handler: finalizeBatchTokensHandler},
		{MethodName: "FinalizeTokens", Handler: finalizeTokensHandler},
		{MethodName: "GenerateFull", Handler: generateFullHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/wire/service.go",
}

func unary[Req any, Resp any](
	method string,
	call func(SpeculativeServiceServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SpeculativeServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SpeculativeServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	startGenerationHandler     = unary("StartGeneration", SpeculativeServiceServer.StartGeneration)
	verifyBatchTokensHandler   = unary("VerifyBatchTokens", SpeculativeServiceServer.VerifyBatchTokens)
	verifyDraftTokensHandler   = unary("VerifyDraftTokens", SpeculativeServiceServer.VerifyDraftTokens)
	finalizeBatchTokensHandler = unary("FinalizeBatchTokens", SpeculativeServiceServer.FinalizeBatchTokens)
	finalizeTokensHandler      = unary("FinalizeTokens", SpeculativeServiceServer.FinalizeTokens)
	generateFullHandler        = unary("GenerateFull", SpeculativeServiceServer.GenerateFull)
)
