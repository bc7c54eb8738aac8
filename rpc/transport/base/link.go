package base

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/lni/dragonboat/v4/logger"
	"sync"
	"time"
)

var Logger = logger.GetLogger(common.LoggerLink)

// ErrOrderlyClose is returned by a receiver when the server announced the end of the session
var ErrOrderlyClose = errors.New("orderly close by peer")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// Sender transmits one request frame for a slot. Implementations serialize physical writes.
type Sender interface {
	Send(slot uint8, header, payload []byte) error
}

// PullFunc reads exactly one frame from the connection and dispatches it.
// It is never called by more than one goroutine at a time.
type PullFunc func(ctx context.Context) error

// ReceiveFunc blocks until one frame was read and dispatched
type ReceiveFunc func() error

// -----------------------------------------------------------
// Link Base
// -----------------------------------------------------------

// LinkBase implements the parts of a link that do not depend on the medium:
// the message counter, the one reader / many waiters protocol, failure propagation
// into the response box and the bounded close.
//
// A link either has a PullFunc (the stream link, waiting callers take turns reading)
// or a receiver goroutine started with StartReceiver (the ipc link).
type LinkBase struct {
	name    string
	box     *ResponseBox
	metrics *linkMetrics
	pull    PullFunc
	onFail  func(err error)

	mu           sync.Mutex
	changed      chan struct{} // closed and replaced on every state change
	reading      bool
	received     uint64
	closed       bool
	err          error
	receiverDone chan struct{}
	closeTimeout time.Duration
}

// NewLinkBase creates the shared link state. The sender is the concrete link, it is
// used by the response box to transmit requests once a slot is bound.
func NewLinkBase(name string, sender Sender, slots int, ser serializer.IRPCSerializer) *LinkBase {
	box := NewResponseBox(name, sender, slots, ser)
	l := &LinkBase{
		name:    name,
		metrics: box.metrics,
		box:     box,
		changed: make(chan struct{}),
	}
	l.box.SetAwaiter(l)
	return l
}

// SetPuller installs the function that performs one physical read
func (l *LinkBase) SetPuller(pull PullFunc) {
	l.pull = pull
}

// OnFail installs fn, it is called with the link error once the link died
func (l *LinkBase) OnFail(fn func(err error)) {
	l.onFail = fn
}

// StartReceiver starts the dedicated receiver goroutine. It calls recv until it fails,
// the failure marks the link dead.
func (l *LinkBase) StartReceiver(recv ReceiveFunc) {
	l.receiverDone = make(chan struct{})
	go func() {
		defer close(l.receiverDone)
		for {
			if err := recv(); err != nil {
				l.fail(err)
				return
			}
			l.Delivered()
		}
	}()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ILink)
// --------------------------------------------------------------------------

func (l *LinkBase) PullMessage(ctx context.Context, checked uint64) error {
	l.mu.Lock()
	for {
		if l.received > checked {
			l.mu.Unlock()
			return nil
		}
		if l.err != nil {
			err := l.err
			l.mu.Unlock()
			return err
		}

		// become the reader
		if l.pull != nil && !l.reading {
			l.reading = true
			l.mu.Unlock()

			err := l.pull(ctx)

			l.mu.Lock()
			l.reading = false
			switch {
			case err == nil:
				l.received++
				l.metrics.framesReceived.Inc()
				l.broadcastLocked()
			case IsTimeout(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				// let another waiter take over the read
				l.broadcastLocked()
				l.mu.Unlock()
				if cerr := common.ContextError(ctx, "pull message"); cerr != nil {
					return cerr
				}
				return fmt.Errorf("%w: pull message: %v", common.ErrTimeout, err)
			default:
				l.mu.Unlock()
				l.fail(err)
				l.mu.Lock()
			}
			continue
		}

		// wait for the reader (or the receiver)
		ch := l.changed
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return common.ContextError(ctx, "pull message")
		}
		l.mu.Lock()
	}
}

func (l *LinkBase) MessageNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received
}

func (l *LinkBase) Await(ctx context.Context, done <-chan struct{}) error {
	for {
		checked := l.MessageNumber()
		select {
		case <-done:
			return nil
		default:
		}
		if err := l.PullMessage(ctx, checked); err != nil {
			select {
			case <-done:
				return nil
			default:
				return err
			}
		}
	}
}

func (l *LinkBase) SetCloseTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeTimeout = d
}

// --------------------------------------------------------------------------
// Methods used by the concrete links
// --------------------------------------------------------------------------

// ResponseBox returns the slot table of this link
func (l *LinkBase) ResponseBox() *ResponseBox {
	return l.box
}

// Name returns the transport name used for logging and metrics labels
func (l *LinkBase) Name() string {
	return l.name
}

// Alive reports whether the link is neither closed nor dead
func (l *LinkBase) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.err == nil
}

// Closed reports whether Shutdown was called
func (l *LinkBase) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Delivered advances the message counter after a receiver dispatched one frame
func (l *LinkBase) Delivered() {
	l.mu.Lock()
	l.received++
	l.broadcastLocked()
	l.mu.Unlock()
	l.metrics.framesReceived.Inc()
}

// Shutdown marks the link closed, closes the connection and waits until the reader
// (or the receiver goroutine) stopped. The wait is bounded by the close timeout.
// Errors of closeIO are logged, only a close timeout is returned.
func (l *LinkBase) Shutdown(closeIO func() error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	timeout := l.closeTimeout
	l.broadcastLocked()
	l.mu.Unlock()

	if err := closeIO(); err != nil {
		Logger.Warningf("Closing %s link: %v", l.name, err)
	}

	waitErr := l.waitReader(timeout)
	if waitErr != nil {
		Logger.Errorf("Receiver of %s link did not stop within %s", l.name, timeout)
	}

	// no-op if the reader already failed the link
	l.fail(common.ErrConnectionClosed)
	return waitErr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// broadcastLocked wakes all waiters, l.mu must be held
func (l *LinkBase) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// fail marks the link dead and fails every pending request. A failure after Shutdown
// or after an orderly close of the peer counts as intentional.
func (l *LinkBase) fail(cause error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return
	}
	intentional := l.closed || errors.Is(cause, ErrOrderlyClose)
	if intentional {
		l.err = common.ErrConnectionClosed
	} else {
		l.err = fmt.Errorf("%w: %v", common.ErrServerCrashed, cause)
		l.metrics.crashes.Inc()
		Logger.Errorf("%s link failed: %v", l.name, cause)
	}
	err := l.err
	l.broadcastLocked()
	l.mu.Unlock()

	l.box.DoClose(intentional)
	if l.onFail != nil {
		l.onFail(err)
	}
}

// waitReader waits until no goroutine reads from the connection anymore
func (l *LinkBase) waitReader(timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	if l.receiverDone != nil {
		select {
		case <-l.receiverDone:
			return nil
		case <-expired:
			return common.ErrCloseTimeout
		}
	}

	l.mu.Lock()
	for l.reading {
		ch := l.changed
		l.mu.Unlock()
		select {
		case <-ch:
		case <-expired:
			return common.ErrCloseTimeout
		}
		l.mu.Lock()
	}
	l.mu.Unlock()
	return nil
}
