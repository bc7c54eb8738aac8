package server

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"os/signal"
	"runtime"
	"syscall"
)

var Logger = logger.GetLogger(common.LoggerServer)

// Diagnostic codes sent by the server
const (
	CodeBadRequest     uint32 = 400
	CodeUnknownService uint32 = 404
	CodeInternal       uint32 = 500
)

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	s.Register(server.ServiceIDEcho, server.EchoService())
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		services:   xsync.NewMapOf[uint64, IService](),
	}
}

// RPCServer routes the requests of all sessions to the registered services
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	services   *xsync.MapOf[uint64, IService]
}

// Register adds a service, an existing service with the same id is replaced
func (s *RPCServer) Register(serviceID uint64, service IService) {
	if _, loaded := s.services.LoadAndStore(serviceID, service); loaded {
		Logger.Warningf("Replaced service %d", serviceID)
	}
}

// RegisterAuthenticator sets the credential check of the handshake
func (s *RPCServer) RegisterAuthenticator(auth transport.AuthFunc) {
	s.transport.RegisterAuthenticator(auth)
}

// Serve starts the transport, it blocks until Close is called
func (s *RPCServer) Serve() error {
	s.transport.RegisterHandler(s.handle)
	return s.transport.Listen(s.config)
}

// Close stops the transport and closes all sessions
func (s *RPCServer) Close() error {
	return s.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *RPCServer) handle(sessionID uint64, frame []byte, w transport.ResponseWriter) {
	rw := &Responder{w: w, ser: s.serializer}

	req, err := s.decode(sessionID, frame)
	if err != nil {
		rw.fail(err)
		return
	}

	service, ok := s.services.Load(req.ServiceID)
	if !ok {
		rw.fail(common.NewServerError(CodeUnknownService, fmt.Sprintf("service %d not found", req.ServiceID)))
		return
	}

	payload, err := service.Handle(req, rw)
	if err != nil {
		rw.fail(err)
		return
	}
	if err := rw.reply(payload); err != nil {
		Logger.Warningf("Sending response of session %d: %v", sessionID, err)
	}
}

func (s *RPCServer) decode(sessionID uint64, frame []byte) (*Request, error) {
	hdrBytes, body, err := base.DecodeEnvelope(frame)
	if err != nil {
		return nil, common.NewServerError(CodeBadRequest, err.Error())
	}
	var hdr common.FrameHeader
	if err := s.serializer.Deserialize(hdrBytes, &hdr); err != nil {
		return nil, common.NewServerError(CodeBadRequest, fmt.Sprintf("failed to deserialize request header: %s", err))
	}
	if hdr.HeaderType != common.HdrTRequest {
		return nil, common.NewServerError(CodeBadRequest, fmt.Sprintf("unexpected header type %s", hdr.HeaderType))
	}
	if hdr.SessionID != sessionID {
		return nil, common.NewServerError(CodeBadRequest, fmt.Sprintf("request of session %d sent on session %d", hdr.SessionID, sessionID))
	}
	return &Request{SessionID: sessionID, ServiceID: hdr.ServiceID, Payload: body}, nil
}

// --------------------------------------------------------------------------
// Responder
// --------------------------------------------------------------------------

// Responder sends the responses of one request. Every response is wrapped into an
// envelope with a result or diagnostics header.
type Responder struct {
	w   transport.ResponseWriter
	ser serializer.IRPCSerializer
}

// Head sends the head of a query response
func (r *Responder) Head(body []byte) error {
	env, err := r.envelope(common.NewResultHeader(), body)
	if err != nil {
		return err
	}
	return r.w.ReplyHead(env)
}

// OpenResultSet opens a named result set, the client connects to it by name
func (r *Responder) OpenResultSet(name string) (ResultSet, error) {
	return r.w.OpenResultSet(name)
}

func (r *Responder) reply(payload []byte) error {
	env, err := r.envelope(common.NewResultHeader(), payload)
	if err != nil {
		return err
	}
	return r.w.Reply(env)
}

// fail reports err to the client. A bare status code (ServerError without message) is
// sent as such if the transport supports it.
func (r *Responder) fail(err error) {
	code, msg := CodeInternal, err.Error()
	var se *common.ServerError
	if errors.As(err, &se) {
		code, msg = se.Code, se.Message
	}

	if cw, ok := r.w.(transport.CodeWriter); ok && msg == "" {
		if werr := cw.ReplyCode(code); werr != nil {
			Logger.Warningf("Sending status code: %v", werr)
		}
		return
	}

	env, eerr := r.envelope(common.NewDiagnosticsHeader(code, msg), nil)
	if eerr != nil {
		Logger.Errorf("Encoding diagnostics: %v", eerr)
		return
	}
	if werr := r.w.Reply(env); werr != nil {
		Logger.Warningf("Sending diagnostics: %v", werr)
	}
}

func (r *Responder) envelope(hdr *common.FrameHeader, body []byte) ([]byte, error) {
	hdrBytes, err := r.ser.Serialize(*hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response header: %w", err)
	}
	return base.EncodeEnvelope(hdrBytes, body), nil
}
