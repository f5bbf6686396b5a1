package schedulerapi

import (
	"fmt"
	"log/slog"

	"google.golang.org/grpc"

	"corefabric/internal/logging"
	"corefabric/internal/scheduler"
)

// Server backs the hand-wired scheduler gRPC service: NodeHeartbeat
// (bidirectional stream, one message per heartbeat) and JobEvents
// (server stream, one message per placement-cycle outcome).
type Server struct {
	registry    *scheduler.NodeRegistry
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewServer wires a registry (for heartbeat ingestion) and a broadcaster
// (for job-event fanout, fed by the cycle driver) into a Server.
func NewServer(registry *scheduler.NodeRegistry, broadcaster *Broadcaster, logger *slog.Logger) *Server {
	return &Server{
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logging.Default(logger).With("component", "schedulerapi"),
	}
}

// nodeHeartbeatStream is the subset of grpc.ServerStream NodeHeartbeat
// needs: receive client messages, send acks, both in any order.
type nodeHeartbeatStream interface {
	grpc.ServerStream
	SendMsg(m any) error
	RecvMsg(m any) error
}

func (s *Server) nodeHeartbeat(stream nodeHeartbeatStream) error {
	for {
		var hb NodeHeartbeat
		if err := stream.RecvMsg(&hb); err != nil {
			return err
		}

		ack := NodeHeartbeatAck{NodeID: hb.NodeID, Registered: true}
		if err := s.registry.Heartbeat(hb.NodeID, hb.SentAt); err != nil {
			ack.Registered = false
			ack.Error = err.Error()
			s.logger.Warn("heartbeat from unknown node", "node_id", hb.NodeID)
		}

		if err := stream.SendMsg(&ack); err != nil {
			return err
		}
	}
}

type jobEventsStream interface {
	grpc.ServerStream
	SendMsg(m any) error
}

func (s *Server) jobEvents(req *JobEventsRequest, stream jobEventsStream) error {
	ch, unsubscribe := s.broadcaster.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if req.JobID != "" && ev.JobID != req.JobID {
				continue
			}
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		}
	}
}

// nodeHeartbeatHandler adapts nodeHeartbeat to grpc.StreamHandler.
func nodeHeartbeatHandler(srv any, stream grpc.ServerStream) error {
	s, ok := srv.(*Server)
	if !ok {
		return fmt.Errorf("schedulerapi: unexpected service impl %T", srv)
	}
	return s.nodeHeartbeat(stream)
}

// jobEventsHandler adapts jobEvents to grpc.StreamHandler: it reads the
// single request message itself, since server-streaming RPCs receive
// exactly one client message before the handler takes over.
func jobEventsHandler(srv any, stream grpc.ServerStream) error {
	s, ok := srv.(*Server)
	if !ok {
		return fmt.Errorf("schedulerapi: unexpected service impl %T", srv)
	}
	var req JobEventsRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return s.jobEvents(&req, stream)
}

// ServiceDesc is the hand-written equivalent of a protoc-generated
// service descriptor: two streaming methods, no unary methods (the
// request/response surface lives over plain HTTP instead, per spec §6).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "corefabric.scheduler.v1.SchedulerControl",
	HandlerType: (*any)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "NodeHeartbeat",
			Handler:       nodeHeartbeatHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "JobEvents",
			Handler:       jobEventsHandler,
			ServerStreams: true,
			ClientStreams: false,
		},
	},
	Metadata: "schedulerapi/service.go",
}

// Register attaches the scheduler control service to a grpc.Server. Calls
// use the JSON codec above only when the client selects it with the "json"
// content-subtype (DialContentSubtype); no server codec is forced.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// DialContentSubtype is passed via grpc.CallContentSubtype by clients so
// the JSON codec is selected instead of grpc-go's proto default.
const DialContentSubtype = codecName
