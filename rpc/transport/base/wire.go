package base

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"sync"
	"time"
)

// Link is a transport.ILink that multiplexes its responses with a ResponseBox
type Link interface {
	transport.ILink
	ResponseBox() *ResponseBox
}

// --------------------------------------------------------------------------
// Wire
// --------------------------------------------------------------------------

// Wire implements transport.IWire on top of a Link. It wraps every payload into an
// envelope whose header names the service and the session.
type Wire struct {
	link      Link
	ser       serializer.IRPCSerializer
	sessionID uint64
}

// NewWire creates a session bound wire
func NewWire(link Link, sessionID uint64, ser serializer.IRPCSerializer) *Wire {
	return &Wire{link: link, ser: ser, sessionID: sessionID}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IWire)
// --------------------------------------------------------------------------

func (w *Wire) Send(serviceID uint64, payload []byte) (transport.FutureResponse[transport.Response], error) {
	hdr, err := w.header(serviceID)
	if err != nil {
		return nil, err
	}
	cr, err := w.link.ResponseBox().Register(hdr, payload, false)
	if err != nil {
		return nil, err
	}
	return newResponseFuture(cr, false), nil
}

func (w *Wire) SendQuery(serviceID uint64, payload []byte) (transport.FutureResponse[transport.Response], transport.FutureResponse[transport.Response], error) {
	hdr, err := w.header(serviceID)
	if err != nil {
		return nil, nil, err
	}
	cr, err := w.link.ResponseBox().Register(hdr, payload, true)
	if err != nil {
		return nil, nil, err
	}
	return newResponseFuture(cr, true), newResponseFuture(cr, false), nil
}

func (w *Wire) CreateResultSetWire() (transport.IResultSetWire, error) {
	return w.link.CreateResultSetWire()
}

func (w *Wire) SessionID() uint64 {
	return w.sessionID
}

func (w *Wire) IsAlive() bool {
	return w.link.IsAlive()
}

func (w *Wire) SetCloseTimeout(d time.Duration) {
	w.link.SetCloseTimeout(d)
}

func (w *Wire) Close() error {
	return w.link.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (w *Wire) header(serviceID uint64) ([]byte, error) {
	hdr, err := w.ser.Serialize(*common.NewRequestHeader(serviceID, w.sessionID))
	if err != nil {
		return nil, fmt.Errorf("serializing request header: %w", err)
	}
	return hdr, nil
}

// --------------------------------------------------------------------------
// Future Wire (result of a connector)
// --------------------------------------------------------------------------

// FutureWire waits for the end of a handshake. If a Get times out or Close is called
// before the wire was taken, the partially established connection is released.
type FutureWire struct {
	abort func()
	done  chan struct{}

	wire transport.IWire
	err  error

	mu      sync.Mutex
	taken   bool
	aborted bool
}

// NewFutureWire runs handshake in the background. abort must release the connection
// the handshake works on, it makes a running handshake fail.
func NewFutureWire(handshake func() (transport.IWire, error), abort func()) *FutureWire {
	f := &FutureWire{abort: abort, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.wire, f.err = handshake()
	}()
	return f
}

func (f *FutureWire) Get(ctx context.Context) (transport.IWire, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.release()
		return nil, common.ContextError(ctx, "waiting for handshake")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.aborted {
		return nil, fmt.Errorf("%w: handshake aborted", common.ErrIO)
	}
	f.taken = true
	return f.wire, nil
}

func (f *FutureWire) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *FutureWire) Close() error {
	f.release()
	return nil
}

// release aborts the handshake, or closes its wire if nobody took it
func (f *FutureWire) release() {
	f.mu.Lock()
	if f.taken || f.aborted {
		f.mu.Unlock()
		return
	}
	f.aborted = true
	f.mu.Unlock()

	f.abort()
	go func() {
		<-f.done
		if f.wire != nil {
			if err := f.wire.Close(); err != nil {
				Logger.Warningf("Closing abandoned wire: %v", err)
			}
		}
	}()
}
