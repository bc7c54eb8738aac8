package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	defaultBufferSize = 64 * 1024 // 64 KB

	// defaultAcceptTimeout bounds the wait for the client to open a session or result set socket
	defaultAcceptTimeout = 10 * time.Second
)

// serverConnector implements the IServerConnector interface for the ipc transport
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "ipc"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(config.Endpoint); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}
	listener, err := net.Listen("unix", config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create control socket: %v", err)
	}
	return listener, nil
}

// OpenSession answers the hello on the control connection and waits for the client to
// open the session socket. The control connection is closed afterwards.
func (c *serverConnector) OpenSession(conn net.Conn, sessionID uint64, auth transport.AuthFunc, config common.ServerConfig) (base.IServerSession, error) {
	defer conn.Close()

	timeout := acceptTimeout(config)
	_ = conn.SetDeadline(time.Now().Add(timeout))

	credential, err := readSized(conn)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if err := auth(credential); err != nil {
		if werr := writeSized(conn, []byte{helloNG}, []byte(err.Error())); werr != nil {
			base.ServerLogger.Debugf("Sending rejection: %v", werr)
		}
		return nil, fmt.Errorf("%w: %v", common.ErrSessionRejected, err)
	}

	path := sessionPath(config.Endpoint, sessionID)
	_ = os.RemoveAll(path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("creating session socket: %w", err)
	}
	defer ln.Close()

	if err := writeSized(conn, []byte{helloOK}, []byte(strconv.FormatUint(sessionID, 10))); err != nil {
		return nil, fmt.Errorf("%w: answering hello: %v", common.ErrIO, err)
	}

	_ = ln.SetDeadline(time.Now().Add(timeout))
	sconn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("waiting for session socket: %w", err)
	}
	return newServerSession(sconn, path, config), nil
}

func acceptTimeout(config common.ServerConfig) time.Duration {
	if config.TimeoutSecond > 0 {
		return time.Duration(config.TimeoutSecond) * time.Second
	}
	return defaultAcceptTimeout
}

// --------------------------------------------------------------------------
// Server Session
// --------------------------------------------------------------------------

type serverSession struct {
	conn    net.Conn
	r       *bufio.Reader
	path    string
	timeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newServerSession(conn net.Conn, path string, config common.ServerConfig) *serverSession {
	bufSize := config.ReadBufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &serverSession{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, bufSize),
		path:    path,
		timeout: acceptTimeout(config),
	}
}

func (s *serverSession) ReadRequest(buf []byte) (uint8, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[1:])
	if length > base.MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds the limit", common.ErrIO, length)
	}
	if int(length) > cap(buf) {
		buf = make([]byte, length)
	}
	data := buf[:length]
	if _, err := io.ReadFull(s.r, data); err != nil {
		return 0, nil, unexpectedEOF(err)
	}
	return hdr[0], data, nil
}

func (s *serverSession) Writer(slot uint8) transport.ResponseWriter {
	return &responseWriter{s: s, slot: slot}
}

// Close announces the end of the session to the client and closes the socket
func (s *serverSession) Close() error {
	s.closeOnce.Do(func() {
		if err := s.write(kindNull, 0, nil); err != nil {
			base.ServerLogger.Debugf("Announcing end of session %s: %v", s.path, err)
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *serverSession) write(kind, slot uint8, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeSized(s.conn, []byte{kind, slot}, payload)
}

// --------------------------------------------------------------------------
// Response Writer
// --------------------------------------------------------------------------

type responseWriter struct {
	s    *serverSession
	slot uint8
}

func (w *responseWriter) Reply(payload []byte) error {
	return w.s.write(kindPayload, w.slot, payload)
}

func (w *responseWriter) ReplyHead(head []byte) error {
	return w.s.write(kindBodyHead, w.slot, head)
}

func (w *responseWriter) ReplyCode(code uint32) error {
	return w.s.write(kindCode, w.slot, binary.LittleEndian.AppendUint32(nil, code))
}

// OpenResultSet creates the socket of the result set. The client connects to it once
// it received the head, writes block until then.
func (w *responseWriter) OpenResultSet(name string) (transport.ResultSetWriter, error) {
	path := resultSetPath(w.s.path, name)
	_ = os.RemoveAll(path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("creating result set socket: %w", err)
	}

	rs := &resultSetWriter{ready: make(chan struct{})}
	go func() {
		defer close(rs.ready)
		defer ln.Close()
		_ = ln.SetDeadline(time.Now().Add(w.s.timeout))
		rs.conn, rs.err = ln.Accept()
	}()
	return rs, nil
}

type resultSetWriter struct {
	ready  chan struct{}
	conn   net.Conn
	err    error
	closed bool
}

func (w *resultSetWriter) Write(chunk []byte) error {
	<-w.ready
	if w.err != nil {
		return fmt.Errorf("%w: result set not connected: %v", common.ErrIO, w.err)
	}
	if w.closed {
		return fmt.Errorf("%w: result set already closed", common.ErrIO)
	}
	return writeSized(w.conn, nil, chunk)
}

// Close ends the result set, the client reads the end of the stream
func (w *resultSetWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	<-w.ready
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewIPCServerTransport creates a new ipc server transport
func NewIPCServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, defaultBufferSize)
}
