package tcp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	defaultBufferSize = 512 * 1024 // 512 KB

	// maxResultSets bounds the open result sets of one session
	maxResultSets = 256
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}
	return listener, nil
}

func (c *serverConnector) OpenSession(conn net.Conn, sessionID uint64, auth transport.AuthFunc, config common.ServerConfig) (base.IServerSession, error) {
	if err := UpgradeConnection(conn, config.SocketConf, config.TCPConf); err != nil {
		return nil, err
	}

	s := newServerSession(conn, config)

	// the handshake is bounded by the frame timeout
	if s.timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
	kind, _, credential, err := s.readFrame(nil)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if kind != kindHello {
		return nil, fmt.Errorf("%w: expected hello, got frame kind %d", common.ErrIO, kind)
	}

	if err := auth(credential); err != nil {
		if werr := s.write(kindHelloNG, 0, false, []byte(err.Error())); werr != nil {
			base.ServerLogger.Debugf("Sending rejection: %v", werr)
		}
		return nil, fmt.Errorf("%w: %v", common.ErrSessionRejected, err)
	}
	if err := s.write(kindHelloOK, 0, false, []byte(strconv.FormatUint(sessionID, 10))); err != nil {
		return nil, err
	}
	return s, nil
}

// --------------------------------------------------------------------------
// Server Session
// --------------------------------------------------------------------------

// serverSession is the server side of one stream session
type serverSession struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration

	writeMu sync.Mutex

	// result set slots, a slot is reused only after the client acknowledged its BYE
	freeRS chan uint8
	openRS *xsync.MapOf[uint8, string]
}

func newServerSession(conn net.Conn, config common.ServerConfig) *serverSession {
	bufSize := config.ReadBufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	s := &serverSession{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, bufSize),
		timeout: time.Duration(config.TimeoutSecond) * time.Second,
		freeRS:  make(chan uint8, maxResultSets),
		openRS:  xsync.NewMapOf[uint8, string](),
	}
	for i := 0; i < maxResultSets; i++ {
		s.freeRS <- uint8(i)
	}
	return s
}

func (s *serverSession) ReadRequest(buf []byte) (uint8, []byte, error) {
	for {
		kind, slot, data, err := s.readFrame(buf)
		if err != nil {
			return 0, nil, err
		}
		switch kind {
		case kindRequest:
			return slot, data, nil
		case kindByeOK:
			if name, ok := s.openRS.LoadAndDelete(slot); ok {
				base.ServerLogger.Debugf("Result set %q on slot %d acknowledged", name, slot)
				s.freeRS <- slot
			}
		default:
			return 0, nil, fmt.Errorf("%w: unexpected frame kind %d", common.ErrIO, kind)
		}
	}
}

func (s *serverSession) Writer(slot uint8) transport.ResponseWriter {
	return &responseWriter{s: s, slot: slot}
}

func (s *serverSession) Close() error {
	return s.conn.Close()
}

// readFrame reads one client frame. The body is read into buf if it fits.
func (s *serverSession) readFrame(buf []byte) (kind, slot uint8, data []byte, err error) {
	var hdr [headerSize]byte
	if _, err = io.ReadFull(s.r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[2:])
	if length > base.MaxFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds the limit", common.ErrIO, length)
	}
	if int(length) > cap(buf) {
		buf = make([]byte, length)
	}
	data = buf[:length]
	if _, err = io.ReadFull(s.r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, nil, err
	}
	return hdr[0], hdr[1], data, nil
}

// write sends one frame to the client, physical writes are serialized
func (s *serverSession) write(kind, slot uint8, withWriter bool, payload []byte) error {
	bufs := net.Buffers{encodeHeader(kind, slot, len(payload), withWriter, 0), payload}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	if _, err := bufs.WriteTo(s.conn); err != nil {
		return fmt.Errorf("%w: writing frame: %v", common.ErrIO, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Response Writer
// --------------------------------------------------------------------------

type responseWriter struct {
	s    *serverSession
	slot uint8
}

func (w *responseWriter) Reply(payload []byte) error {
	return w.s.write(kindPayload, w.slot, false, payload)
}

func (w *responseWriter) ReplyHead(head []byte) error {
	return w.s.write(kindPayload, w.slot, false, head)
}

func (w *responseWriter) OpenResultSet(name string) (transport.ResultSetWriter, error) {
	var slot uint8
	select {
	case slot = <-w.s.freeRS:
	default:
		return nil, fmt.Errorf("%w: too many open result sets", common.ErrIO)
	}
	w.s.openRS.Store(slot, name)
	if err := w.s.write(kindResultSetHello, slot, false, []byte(name)); err != nil {
		return nil, err
	}
	return &resultSetWriter{s: w.s, slot: slot}, nil
}

type resultSetWriter struct {
	s      *serverSession
	slot   uint8
	closed bool
}

func (w *resultSetWriter) Write(chunk []byte) error {
	if w.closed {
		return fmt.Errorf("%w: result set already closed", common.ErrIO)
	}
	return w.s.write(kindResultSetPayload, w.slot, true, chunk)
}

func (w *resultSetWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.s.write(kindResultSetBye, w.slot, false, nil)
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewServerConnector returns the stream protocol server connector. Other stream
// transports reuse its sessions and replace Listen.
func NewServerConnector() base.IServerConnector {
	return &serverConnector{}
}

// NewTCPServerTransport creates a new TCP server transport
func NewTCPServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, defaultBufferSize)
}
