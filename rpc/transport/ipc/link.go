package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
	"sync"
	"time"
)

var Logger = logger.GetLogger(common.LoggerIPC)

const (
	readBufferSize = 64 * 1024 // 64 KB

	// dialRetryLimit bounds the wait for a result set socket if the context has no deadline
	dialRetryLimit = 5 * time.Second
	dialRetryDelay = 5 * time.Millisecond
)

// IpcLink is the link over a per-session unix socket. A dedicated receiver goroutine
// reads all frames, callers only wait for it.
type IpcLink struct {
	*base.LinkBase

	conn *net.UnixConn
	r    *bufio.Reader
	path string
	pid  int

	writeMu sync.Mutex

	binder *resultSetBinder
}

// newIpcLink creates the link on a connected session socket and starts its receiver
func newIpcLink(conn *net.UnixConn, path string, slots int, ser serializer.IRPCSerializer) *IpcLink {
	l := &IpcLink{
		conn: conn,
		r:    bufio.NewReaderSize(conn, readBufferSize),
		path: path,
	}
	pid, err := peerPID(conn)
	if err != nil {
		Logger.Warningf("Cannot determine server process of %s: %v", path, err)
	}
	l.pid = pid
	l.binder = &resultSetBinder{
		path:  path,
		conns: NewArena[net.Conn](),
		names: xsync.NewMapOf[string, Handle](),
	}
	l.LinkBase = base.NewLinkBase("ipc", l, slots, ser)
	l.StartReceiver(l.receive)
	Logger.Debugf("Session link %s opened (server pid %d)", path, pid)
	return l
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ILink)
// --------------------------------------------------------------------------

func (l *IpcLink) Send(slot uint8, header, payload []byte) error {
	env, n := base.EnvelopeBuffers(header, payload)
	bufs := append(net.Buffers{lengthPrefix([]byte{slot}, n)}, env...)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := bufs.WriteTo(l.conn); err != nil {
		return fmt.Errorf("%w: writing request: %v", common.ErrIO, err)
	}
	return nil
}

func (l *IpcLink) CreateResultSetWire() (transport.IResultSetWire, error) {
	if !l.Alive() {
		return nil, common.ErrLinkClosed
	}
	return base.NewResultSetWire(l.binder), nil
}

// IsAlive reports whether the link is open and the server process still exists
func (l *IpcLink) IsAlive() bool {
	return l.Alive() && processAlive(l.pid)
}

func (l *IpcLink) Close() error {
	return l.Shutdown(func() error {
		l.binder.closeAll()
		return l.conn.Close()
	})
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// receive reads and dispatches one frame, it runs on the receiver goroutine
func (l *IpcLink) receive() error {
	var hdr [2]byte
	if _, err := io.ReadFull(l.r, hdr[:]); err != nil {
		return err
	}
	kind, slot := hdr[0], hdr[1]
	data, err := readSized(l.r)
	if err != nil {
		return unexpectedEOF(err)
	}

	box := l.ResponseBox()
	switch kind {
	case kindNull:
		return base.ErrOrderlyClose
	case kindPayload:
		box.Push(slot, data)
	case kindBodyHead:
		box.PushHead(slot, data, base.NewResultSetWire(l.binder))
	case kindCode:
		if len(data) < 4 {
			return fmt.Errorf("%w: status frame of %d bytes", common.ErrIO, len(data))
		}
		code := binary.LittleEndian.Uint32(data)
		box.PushError(slot, common.NewServerError(code, "request failed with status code"))
	default:
		return fmt.Errorf("%w: invalid frame kind %d", common.ErrIO, kind)
	}
	return nil
}

// --------------------------------------------------------------------------
// Result Sets (one socket per result set)
// --------------------------------------------------------------------------

// resultSetBinder connects result set wires to their sockets. A goroutine per socket
// moves the chunks into the wire's buffer, so waiting is passive.
type resultSetBinder struct {
	path  string
	conns *Arena[net.Conn]
	names *xsync.MapOf[string, Handle]
}

func (b *resultSetBinder) Bind(ctx context.Context, name string) (*base.ChunkBuffer, error) {
	if _, ok := b.names.Load(name); ok {
		return nil, fmt.Errorf("%w: result set %q already connected", common.ErrIO, name)
	}
	conn, err := dialRetry(ctx, resultSetPath(b.path, name))
	if err != nil {
		return nil, err
	}
	h := b.conns.Register(conn)
	if _, loaded := b.names.LoadOrStore(name, h); loaded {
		b.conns.Release(h)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: result set %q already connected", common.ErrIO, name)
	}

	buf := base.NewChunkBuffer()
	go readChunks(conn, buf)
	return buf, nil
}

func (b *resultSetBinder) Await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return common.ContextError(ctx, "waiting for result set chunk")
	}
}

func (b *resultSetBinder) Unbind(name string) error {
	h, ok := b.names.LoadAndDelete(name)
	if !ok {
		return nil
	}
	if conn, ok := b.conns.Release(h); ok {
		return conn.Close()
	}
	return nil
}

func (b *resultSetBinder) closeAll() {
	b.conns.Drain(func(conn net.Conn) {
		_ = conn.Close()
	})
	b.names.Clear()
}

// readChunks moves the chunks of a result set socket into buf until the server closes it
func readChunks(conn net.Conn, buf *base.ChunkBuffer) {
	r := bufio.NewReaderSize(conn, readBufferSize)
	for {
		chunk, err := readSized(r)
		switch {
		case errors.Is(err, io.EOF):
			buf.End()
			return
		case err != nil:
			buf.Fail(fmt.Errorf("%w: reading result set: %v", common.ErrIO, err))
			return
		}
		buf.Push(chunk)
	}
}

// dialRetry dials a socket the server may not have created yet
func dialRetry(ctx context.Context, path string) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialRetryLimit)
		defer cancel()
	}

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: connecting result set socket %s: %v", common.ErrIO, path, err)
		case <-time.After(dialRetryDelay):
		}
	}
}
