package server

import (
	"github.com/ValentinKolb/dLink/rpc/transport"
)

// Request is one decoded request addressed to a service
type Request struct {
	SessionID uint64
	ServiceID uint64
	Payload   []byte
}

// IService is the interface for all services of the RPC server
type IService interface {
	// Handle processes a request. The returned payload is sent as the main response.
	// A returned error is reported to the client as server diagnostics, a
	// *common.ServerError keeps its code. Query services send the head and open
	// their result sets through rw before returning.
	Handle(req *Request, rw *Responder) ([]byte, error)
}

// ServiceFunc adapts a function to the IService interface
type ServiceFunc func(req *Request, rw *Responder) ([]byte, error)

func (f ServiceFunc) Handle(req *Request, rw *Responder) ([]byte, error) {
	return f(req, rw)
}

// ResultSet is the writer of one open result set
type ResultSet = transport.ResultSetWriter
