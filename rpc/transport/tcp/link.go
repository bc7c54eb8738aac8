package tcp

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"net"
	"strconv"
	"sync"
	"time"
)

var Logger = logger.GetLogger(common.LoggerTCP)

// StreamLink is the link over a byte stream. There is no receiver goroutine: a caller
// waiting for a response performs the physical read itself, see base.LinkBase.
type StreamLink struct {
	*base.LinkBase

	conn    net.Conn
	decoder *frameDecoder
	rsBox   *base.ResultSetBox

	writeMu sync.Mutex
}

// NewStreamLink creates a link on an established connection. The handshake is not
// performed yet, see Hello.
func NewStreamLink(conn net.Conn, slots int, ser serializer.IRPCSerializer) *StreamLink {
	l := &StreamLink{
		conn:    conn,
		decoder: newFrameDecoder(conn, kindResultSetPayload),
	}
	l.LinkBase = base.NewLinkBase("tcp", l, slots, ser)
	l.rsBox = base.NewResultSetBox(l, l.sendByeOK)
	l.SetPuller(l.pull)
	l.OnFail(l.rsBox.Fail)
	return l
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ILink)
// --------------------------------------------------------------------------

func (l *StreamLink) Send(slot uint8, header, payload []byte) error {
	env, n := base.EnvelopeBuffers(header, payload)
	return l.write(kindRequest, slot, n, env)
}

func (l *StreamLink) CreateResultSetWire() (transport.IResultSetWire, error) {
	if !l.Alive() {
		return nil, common.ErrLinkClosed
	}
	return l.rsBox.NewWire(), nil
}

func (l *StreamLink) IsAlive() bool {
	return l.Alive()
}

func (l *StreamLink) Close() error {
	if n := l.rsBox.Len(); n > 0 {
		Logger.Debugf("Closing link with %d open result sets", n)
	}
	return l.Shutdown(l.conn.Close)
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

// Hello sends the credential and waits for the session id assigned by the server.
// It must be called before the link is shared.
func (l *StreamLink) Hello(credential []byte) (uint64, error) {
	if err := l.write(kindHello, 0, len(credential), net.Buffers{credential}); err != nil {
		return 0, err
	}

	f, err := l.decoder.next()
	if err != nil {
		return 0, fmt.Errorf("%w: reading handshake response: %v", common.ErrIO, err)
	}
	switch f.kind {
	case kindHelloOK:
		id, err := strconv.ParseUint(string(f.data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed session id %q", common.ErrIO, f.data)
		}
		Logger.Debugf("Session %d established with %s", id, l.conn.RemoteAddr())
		return id, nil
	case kindHelloNG:
		return 0, fmt.Errorf("%w: %s", common.ErrSessionRejected, f.data)
	default:
		return 0, fmt.Errorf("%w: unexpected frame kind %d during handshake", common.ErrIO, f.kind)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// write sends one frame, physical writes are serialized
func (l *StreamLink) write(kind, slot uint8, length int, body net.Buffers) error {
	bufs := append(net.Buffers{encodeHeader(kind, slot, length, false, 0)}, body...)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := bufs.WriteTo(l.conn); err != nil {
		return fmt.Errorf("%w: writing frame: %v", common.ErrIO, err)
	}
	return nil
}

func (l *StreamLink) sendByeOK(slot uint8) error {
	return l.write(kindByeOK, slot, 0, nil)
}

// pull reads one frame and dispatches it. The read is bounded by the deadline of ctx,
// a cancellation interrupts it.
func (l *StreamLink) pull(ctx context.Context) error {
	deadline, _ := ctx.Deadline()
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	f, err := l.decoder.next()
	if err != nil {
		return err
	}
	return l.dispatch(f)
}

func (l *StreamLink) dispatch(f frame) error {
	switch f.kind {
	case kindPayload:
		l.ResponseBox().PushFrame(f.slot, f.data, func() transport.IResultSetWire {
			return l.rsBox.NewWire()
		})
	case kindResultSetPayload:
		l.rsBox.Payload(f.slot, f.writer, f.data)
	case kindResultSetHello:
		l.rsBox.Hello(f.slot, string(f.data))
	case kindResultSetBye:
		l.rsBox.Bye(f.slot)
	case kindHelloOK, kindHelloNG:
		Logger.Warningf("Ignoring handshake frame on established session")
	default:
		return fmt.Errorf("%w: invalid frame kind %d", common.ErrIO, f.kind)
	}
	return nil
}
