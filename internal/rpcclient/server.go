package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Handler serves one unary RPC method: it receives the caller's JSON-decoded
// request body and returns the JSON-encodable response body.
type Handler func(ctx context.Context, req json.RawMessage) (any, error)

// StreamHandler serves one server-streaming RPC method: it receives the
// caller's JSON-decoded request body and pushes chunks through send.
type StreamHandler func(ctx context.Context, req json.RawMessage, send func(any) error) error

// Server hosts a set of RPC Adapter methods behind one grpc.Server, grouped
// under serviceName (e.g. "nodeforge.nodes.NodeService").
type Server struct {
	serviceName string
	unary       map[string]Handler
	streams     map[string]StreamHandler
}

// NewServer creates a Server for serviceName. Call RegisterUnary and
// RegisterStream to add methods, then Serve to start listening.
func NewServer(serviceName string) *Server {
	return &Server{serviceName: serviceName, unary: map[string]Handler{}, streams: map[string]StreamHandler{}}
}

func (s *Server) RegisterUnary(method string, h Handler) { s.unary[method] = h }

func (s *Server) RegisterStream(method string, h StreamHandler) { s.streams[method] = h }

// Serve builds the grpc.ServiceDesc from the registered handlers and blocks
// accepting connections on lis until the server is stopped or lis closes.
func (s *Server) Serve(lis net.Listener, opts ...grpc.ServerOption) error {
	desc := s.serviceDesc()
	srv := grpc.NewServer(opts...)
	srv.RegisterService(desc, nil)
	return srv.Serve(lis)
}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: s.serviceName,
		HandlerType: (*any)(nil),
	}
	for method, h := range s.unary {
		handler := h
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: method,
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(wrapperspb.BytesValue)
				if err := dec(in); err != nil {
					return nil, err
				}
				var req json.RawMessage
				if err := json.Unmarshal(in.GetValue(), &req); err != nil {
					return nil, fmt.Errorf("rpcclient: decode request: %w", err)
				}
				resp, err := handler(ctx, req)
				if err != nil {
					return nil, err
				}
				body, err := json.Marshal(resp)
				if err != nil {
					return nil, fmt.Errorf("rpcclient: encode response: %w", err)
				}
				return &wrapperspb.BytesValue{Value: body}, nil
			},
		})
	}
	for method, h := range s.streams {
		handler := h
		desc.Streams = append(desc.Streams, grpc.StreamDesc{
			StreamName:    method,
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				in := new(wrapperspb.BytesValue)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				var req json.RawMessage
				if err := json.Unmarshal(in.GetValue(), &req); err != nil {
					return fmt.Errorf("rpcclient: decode request: %w", err)
				}
				return handler(stream.Context(), req, func(chunk any) error {
					body, err := json.Marshal(chunk)
					if err != nil {
						return fmt.Errorf("rpcclient: encode chunk: %w", err)
					}
					return stream.SendMsg(&wrapperspb.BytesValue{Value: body})
				})
			},
		})
	}
	return desc
}
