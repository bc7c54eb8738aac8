// Package server implements the reference RPC server. It decodes the envelope of every
// request, routes it to the service registered for its service id and wraps the
// result (or the error) into a response envelope.
//
// Key Components:
//
//   - IService: Interface of all services. A service returns the main response or an
//     error, query services additionally send a head and stream result sets through
//     the Responder.
//
//   - NewRPCServer: Factory function creating a server on top of any
//     transport.IRPCServerTransport (tcp or ipc) and a header serializer.
//
//   - EchoService, SequenceService, StatusService: the reference services used by the
//     tests and the dlink CLI.
//
// Errors are reported as server diagnostics: an unknown service id yields code 404, a
// malformed request 400 and any other error 500 unless it is a *common.ServerError.
// A ServerError without message is sent as a bare status code on transports that
// support it (ipc).
//
// Usage Example:
//
//	s := server.NewRPCServer(
//	  common.ServerConfig{Endpoint: "localhost:8080", MaxWorkersPerConn: 8},
//	  tcp.NewTCPServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//	server.RegisterDefaultServices(s)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
package server
