package base

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errResponseClosed   = fmt.Errorf("%w: response already closed", common.ErrIO)
	errAlreadyConsumed  = fmt.Errorf("%w: main response already consumed", common.ErrIO)
	errNoResultSet      = fmt.Errorf("%w: response carries no result set", common.ErrIO)
	errResponseNotReady = fmt.Errorf("%w: main response not arrived", common.ErrIO)
	errWireTaken        = fmt.Errorf("%w: result set wire already taken", common.ErrIO)
)

// --------------------------------------------------------------------------
// Slot State
// --------------------------------------------------------------------------

type slotState uint8

const (
	slotEmpty    slotState = iota // not bound to a slot yet (queued)
	slotPending                   // request sent, waiting for the main response
	slotArrived                   // main response delivered
	slotConsumed                  // main response taken by Receive
	slotError                     // failed, err is set
)

func (s slotState) String() string {
	switch s {
	case slotPending:
		return "PENDING"
	case slotArrived:
		return "ARRIVED"
	case slotConsumed:
		return "CONSUMED"
	case slotError:
		return "ERROR"
	default:
		return "EMPTY"
	}
}

// terminal reports whether the server will not send anything more for this request
func (s slotState) terminal() bool {
	return s == slotArrived || s == slotConsumed || s == slotError
}

// --------------------------------------------------------------------------
// Channel Response
// --------------------------------------------------------------------------

// ChannelResponse is the once-settled cell holding the response of one request.
// A query response has two parts sharing one slot: the head (with its result set
// wire) and the main response (the body). Both are settled at most once.
type ChannelResponse struct {
	box         *ResponseBox
	query       bool
	requestedAt time.Time

	mu       sync.Mutex
	slot     int // -1 while not bound
	state    slotState
	main     []byte
	head     []byte
	headSet  bool
	rsw      transport.IResultSetWire
	rswTaken bool
	err      error
	refs     int
	released bool

	headCh chan struct{} // closed once the head (or, without head, the main response) is settled
	mainCh chan struct{} // closed once the main response is settled

	recvMu sync.Mutex // serializes the peek of Payload
}

func newChannelResponse(box *ResponseBox, query bool) *ChannelResponse {
	c := &ChannelResponse{
		box:         box,
		query:       query,
		requestedAt: time.Now(),
		slot:        -1,
		refs:        1,
		mainCh:      make(chan struct{}),
	}
	if query {
		c.refs = 2
		c.headCh = make(chan struct{})
	} else {
		c.headCh = c.mainCh
	}
	return c
}

// --------------------------------------------------------------------------
// Two phase receive
// --------------------------------------------------------------------------

// Receive waits for the main response and takes it (ARRIVED -> CONSUMED)
func (c *ChannelResponse) Receive(ctx context.Context) ([]byte, error) {
	if err := c.wait(ctx, c.mainCh); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case slotArrived:
		c.state = slotConsumed
		return c.main, nil
	case slotConsumed:
		return nil, errAlreadyConsumed
	case slotError:
		return nil, c.err
	default:
		return nil, errResponseNotReady
	}
}

// UnReceive puts a consumed main response back (CONSUMED -> ARRIVED), so the next
// Receive returns the same bytes
func (c *ChannelResponse) UnReceive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == slotConsumed {
		c.state = slotArrived
	}
}

// State returns the current slot state, mostly for diagnostics
func (c *ChannelResponse) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// --------------------------------------------------------------------------
// Settling (called by the response box)
// --------------------------------------------------------------------------

func (c *ChannelResponse) bind(slot uint8) {
	c.mu.Lock()
	c.slot = int(slot)
	c.state = slotPending
	c.mu.Unlock()
}

func (c *ChannelResponse) unbind() {
	c.mu.Lock()
	c.slot = -1
	c.state = slotEmpty
	c.mu.Unlock()
}

func (c *ChannelResponse) expectsHead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query && !c.headSet && c.state == slotPending
}

// setHead stores the head of a query response, it reports false if the head was not expected
func (c *ChannelResponse) setHead(head []byte, rsw transport.IResultSetWire) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.query || c.headSet || c.state != slotPending {
		return false
	}
	c.head, c.rsw, c.headSet = head, rsw, true
	if c.released && rsw != nil {
		// nobody will take the wire anymore
		c.rsw = nil
		defer rsw.Close()
	}
	close(c.headCh)
	return true
}

// setMain stores the main response. accepted is false if the slot did not wait for one,
// release is true if all references were closed before and the slot can be freed now.
func (c *ChannelResponse) setMain(main []byte) (accepted, release bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != slotPending {
		return false, false
	}
	c.main = main
	c.state = slotArrived
	c.settleLocked()
	return true, c.released
}

// fail settles the response with err unless the main response already arrived.
// release is true if the slot can be freed now.
func (c *ChannelResponse) fail(err error) (release bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return false
	}
	c.err = err
	c.state = slotError
	c.settleLocked()
	return c.released && c.slot >= 0
}

// closeFail settles the response with err when the link closes. Unlike fail it also
// drops a main response that arrived but was not consumed. release is true if the slot
// can be freed now.
func (c *ChannelResponse) closeFail(err error) (release bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case slotConsumed, slotError:
		return false
	case slotArrived:
		// mainCh is closed already, an arrived response released its slot on arrival
		// if all references were gone
		c.main = nil
		c.err = err
		c.state = slotError
		return false
	}
	c.err = err
	c.state = slotError
	c.settleLocked()
	return c.released && c.slot >= 0
}

// settleLocked closes the wait channels after the main response was settled
func (c *ChannelResponse) settleLocked() {
	if c.query && !c.headSet {
		close(c.headCh)
	}
	close(c.mainCh)
}

func (c *ChannelResponse) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// releaseRef drops one reference. With the last reference the slot is returned to the
// box, unless the server may still answer: then the release happens on arrival.
func (c *ChannelResponse) releaseRef() {
	c.mu.Lock()
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return
	}
	c.released = true
	var rsw transport.IResultSetWire
	if c.rsw != nil && !c.rswTaken {
		rsw, c.rsw = c.rsw, nil
	}
	slot, terminal := c.slot, c.state.terminal()
	c.mu.Unlock()

	if rsw != nil {
		if err := rsw.Close(); err != nil {
			Logger.Warningf("Closing unused result set wire: %v", err)
		}
	}
	if slot >= 0 && terminal {
		c.box.release(uint8(slot))
	}
}

// --------------------------------------------------------------------------
// Waiting and decoding
// --------------------------------------------------------------------------

// wait drives the link until ch is closed
func (c *ChannelResponse) wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	default:
	}
	start := time.Now()
	err := c.box.awaiter.Await(ctx, ch)
	c.box.metrics.responseWait.UpdateDuration(start)
	return err
}

// failure returns the error of the response, head reports whether the caller only needs the head
func (c *ChannelResponse) failure(head bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if head && c.headSet {
		return nil
	}
	if c.state == slotError {
		return c.err
	}
	return nil
}

func (c *ChannelResponse) payload(ctx context.Context) ([]byte, error) {
	if err := c.wait(ctx, c.mainCh); err != nil {
		return nil, err
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	frame, err := c.Receive(ctx)
	if err != nil {
		return nil, err
	}
	defer c.UnReceive()
	return c.box.decode(frame)
}

func (c *ChannelResponse) headPart(ctx context.Context) ([]byte, transport.IResultSetWire, error) {
	if err := c.wait(ctx, c.headCh); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	if !c.headSet {
		c.mu.Unlock()
		// a query that failed before producing a result set only has a main response
		if _, err := c.payload(ctx); err != nil {
			return nil, nil, err
		}
		return nil, nil, errNoResultSet
	}
	head, rsw := c.head, c.rsw
	c.mu.Unlock()

	body, err := c.box.decode(head)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rswTaken || c.rsw == nil {
		return nil, nil, errWireTaken
	}
	c.rswTaken = true
	return body, rsw, nil
}

// --------------------------------------------------------------------------
// Response reference (implements transport.Response)
// --------------------------------------------------------------------------

// responseRef is one owner's view on a ChannelResponse. Closing it drops the reference.
type responseRef struct {
	cr     *ChannelResponse
	closed atomic.Bool
}

func (r *responseRef) IsMainResponseReady() bool {
	select {
	case <-r.cr.mainCh:
		return true
	default:
		return false
	}
}

func (r *responseRef) WaitForMainResponse(ctx context.Context) error {
	if r.closed.Load() {
		return errResponseClosed
	}
	if err := r.cr.wait(ctx, r.cr.mainCh); err != nil {
		return err
	}
	return r.cr.failure(false)
}

func (r *responseRef) Payload(ctx context.Context) ([]byte, error) {
	if r.closed.Load() {
		return nil, errResponseClosed
	}
	return r.cr.payload(ctx)
}

func (r *responseRef) Head(ctx context.Context) ([]byte, transport.IResultSetWire, error) {
	if r.closed.Load() {
		return nil, nil, errResponseClosed
	}
	if !r.cr.query {
		return nil, nil, errNoResultSet
	}
	return r.cr.headPart(ctx)
}

func (r *responseRef) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.cr.releaseRef()
	}
	return nil
}

func (r *responseRef) String() string {
	return fmt.Sprintf("response{slot=%d, state=%s, query=%t}", r.cr.slotNumber(), r.cr.State(), r.cr.query)
}

func (c *ChannelResponse) slotNumber() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}
