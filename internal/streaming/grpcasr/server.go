package grpcasr

import (
	"context"

	"github.com/rbright/scribe/internal/streaming"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

const (
	// ServiceName is the fully qualified recognizer service name.
	ServiceName     = "scribe.asr.v1.StreamingRecognizer"
	recognizeMethod = "/" + ServiceName + "/Recognize"
)

// RecognizerServer is implemented by recognition services speaking this protocol.
type RecognizerServer interface {
	Recognize(stream RecognizeStream) error
}

// RecognizeStream is the server side of one recognition call.
type RecognizeStream interface {
	Context() context.Context
	Config() streaming.PassConfig
	// RecvAudio returns io.EOF once the client closes its send side.
	RecvAudio() ([]int16, error)
	Send(results ...streaming.Result) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecognizerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Recognize",
			Handler:       recognizeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "scribe/asr/v1/recognizer.proto",
}

// RegisterRecognizerServer attaches srv to a gRPC server.
func RegisterRecognizerServer(s grpc.ServiceRegistrar, srv RecognizerServer) {
	s.RegisterService(&serviceDesc, srv)
}

func recognizeHandler(srv any, stream grpc.ServerStream) error {
	first := &anypb.Any{}
	if err := stream.RecvMsg(first); err != nil {
		return err
	}
	cfg, err := DecodePassConfig(first)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return srv.(RecognizerServer).Recognize(&serverStream{ServerStream: stream, cfg: cfg})
}

type serverStream struct {
	grpc.ServerStream
	cfg streaming.PassConfig
}

func (s *serverStream) Config() streaming.PassConfig { return s.cfg }

func (s *serverStream) RecvAudio() ([]int16, error) {
	msg := &anypb.Any{}
	if err := s.RecvMsg(msg); err != nil {
		return nil, err
	}
	frame, err := DecodeAudio(msg)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return frame, nil
}

func (s *serverStream) Send(results ...streaming.Result) error {
	resp, err := ResponseStruct(results...)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return s.SendMsg(resp)
}
