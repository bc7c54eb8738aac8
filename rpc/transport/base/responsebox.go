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

// Awaiter drives a link until done is closed, see transport.ILink
type Awaiter interface {
	Await(ctx context.Context, done <-chan struct{}) error
}

// slotEntry binds a slot number to the response currently occupying it
type slotEntry struct {
	mu   sync.Mutex
	resp *ChannelResponse
}

// queuedRequest is a request that waits for a free slot, it has not been sent yet
type queuedRequest struct {
	resp            *ChannelResponse
	header, payload []byte
}

// ResponseBox is the slot table of a link. It binds requests to slots, sends them,
// and demultiplexes incoming frames by slot number. Requests that find no free slot
// wait in a FIFO queue and are sent in submission order once slots are released.
type ResponseBox struct {
	sender  Sender
	ser     serializer.IRPCSerializer
	metrics *linkMetrics
	awaiter Awaiter
	slots   []*slotEntry

	// dispatchMu guards free, queue and closeErr. Requests are physically sent while
	// holding it, so the send order is the dispatch order.
	dispatchMu sync.Mutex
	free       []uint8
	queue      []*queuedRequest
	closeErr   error
}

// NewResponseBox creates a slot table with the given number of slots (1..common.MaxSlots).
// name is the transport name used as metrics label.
func NewResponseBox(name string, sender Sender, slots int, ser serializer.IRPCSerializer) *ResponseBox {
	slots = min(max(slots, 1), common.MaxSlots)
	b := &ResponseBox{
		sender:  sender,
		ser:     ser,
		metrics: newLinkMetrics(name),
		slots:   make([]*slotEntry, slots),
		free:    make([]uint8, 0, slots),
	}
	for i := range b.slots {
		b.slots[i] = &slotEntry{}
	}
	// lowest slot number is handed out first
	for i := slots - 1; i >= 0; i-- {
		b.free = append(b.free, uint8(i))
	}
	return b
}

// SetAwaiter installs the link that is driven while waiting for responses
func (b *ResponseBox) SetAwaiter(a Awaiter) {
	b.awaiter = a
}

// --------------------------------------------------------------------------
// Request side
// --------------------------------------------------------------------------

// Register binds a new request to a free slot and sends it. Without a free slot the
// request is queued. A query response is shared by two owners (head and body).
func (b *ResponseBox) Register(header, payload []byte, query bool) (*ChannelResponse, error) {
	resp := newChannelResponse(b, query)

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	if b.closeErr != nil {
		return nil, b.closeErr
	}

	if len(b.free) == 0 || len(b.queue) > 0 {
		b.queue = append(b.queue, &queuedRequest{resp: resp, header: header, payload: payload})
		b.metrics.requestsQueued.Inc()
		Logger.Debugf("No free slot, request queued at position %d", len(b.queue))
		return resp, nil
	}

	num := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	if err := b.dispatchLocked(num, resp, header, payload); err != nil {
		b.free = append(b.free, num)
		return nil, err
	}
	return resp, nil
}

// release frees a slot. If requests are queued the oldest one takes the slot over.
func (b *ResponseBox) release(num uint8) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	s := b.slots[num]
	s.mu.Lock()
	s.resp = nil
	s.mu.Unlock()

	for b.closeErr == nil && len(b.queue) > 0 {
		q := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]

		// closed before it was sent, nothing to do on the server
		if q.resp.isReleased() {
			continue
		}
		if err := b.dispatchLocked(num, q.resp, q.header, q.payload); err != nil {
			q.resp.fail(err)
			continue
		}
		return
	}
	b.free = append(b.free, num)
}

// dispatchLocked binds resp to the slot and sends the request, b.dispatchMu must be held
func (b *ResponseBox) dispatchLocked(num uint8, resp *ChannelResponse, header, payload []byte) error {
	s := b.slots[num]
	s.mu.Lock()
	s.resp = resp
	s.mu.Unlock()
	resp.bind(num)

	if err := b.sender.Send(num, header, payload); err != nil {
		s.mu.Lock()
		s.resp = nil
		s.mu.Unlock()
		resp.unbind()
		return fmt.Errorf("%w: sending request on slot %d: %v", common.ErrIO, num, err)
	}
	b.metrics.framesSent.Inc()
	return nil
}

// --------------------------------------------------------------------------
// Response side (called by the link's reader)
// --------------------------------------------------------------------------

// Push delivers the main response of the request bound to the slot
func (b *ResponseBox) Push(num uint8, data []byte) {
	resp := b.lookup(num)
	if resp == nil {
		b.drop(num, "main response")
		return
	}
	accepted, release := resp.setMain(data)
	if !accepted {
		b.drop(num, "main response")
		return
	}
	Logger.Debugf("Response on slot %d arrived after %s", num, time.Since(resp.requestedAt))
	if release {
		b.release(num)
	}
}

// PushHead delivers the head of a query response together with its result set wire
func (b *ResponseBox) PushHead(num uint8, data []byte, rsw transport.IResultSetWire) {
	resp := b.lookup(num)
	if resp == nil || !resp.setHead(data, rsw) {
		b.drop(num, "query head")
		if rsw != nil {
			_ = rsw.Close()
		}
	}
}

// PushFrame routes a response frame of a link that does not mark heads on the wire.
// The first frame of a query is its head unless it reports a server error, which
// settles the main response instead. newWire is only called for a head.
func (b *ResponseBox) PushFrame(num uint8, data []byte, newWire func() transport.IResultSetWire) {
	if b.ExpectsHead(num) {
		if _, err := b.decode(data); err == nil {
			b.PushHead(num, data, newWire())
			return
		}
	}
	b.Push(num, data)
}

// PushError fails the request bound to the slot, e.g. with a status code sent by the server
func (b *ResponseBox) PushError(num uint8, err error) {
	resp := b.lookup(num)
	if resp == nil {
		b.drop(num, "error")
		return
	}
	if resp.fail(err) {
		b.release(num)
	}
}

// ExpectsHead reports whether the next frame for the slot is the head of a query response
func (b *ResponseBox) ExpectsHead(num uint8) bool {
	resp := b.lookup(num)
	return resp != nil && resp.expectsHead()
}

// DoClose fails every request whose main response was not consumed yet, queued
// requests included. The failure is ErrConnectionClosed if intentional, else ErrServerCrashed.
// Further registrations fail with the same error. DoClose is idempotent.
func (b *ResponseBox) DoClose(intentional bool) {
	err := common.ErrServerCrashed
	if intentional {
		err = common.ErrConnectionClosed
	}

	b.dispatchMu.Lock()
	if b.closeErr != nil {
		b.dispatchMu.Unlock()
		return
	}
	b.closeErr = err
	queue := b.queue
	b.queue = nil
	b.dispatchMu.Unlock()

	for _, q := range queue {
		q.resp.closeFail(err)
	}
	for num := range b.slots {
		if resp := b.lookup(uint8(num)); resp != nil && resp.closeFail(err) {
			b.release(uint8(num))
		}
	}
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// InUse returns the number of bound slots
func (b *ResponseBox) InUse() int {
	n := 0
	for _, s := range b.slots {
		s.mu.Lock()
		if s.resp != nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Queued returns the number of requests waiting for a slot
func (b *ResponseBox) Queued() int {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	return len(b.queue)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (b *ResponseBox) lookup(num uint8) *ChannelResponse {
	if int(num) >= len(b.slots) {
		return nil
	}
	s := b.slots[num]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp
}

func (b *ResponseBox) drop(num uint8, what string) {
	b.metrics.framesDropped.Inc()
	Logger.Warningf("Dropped %s for unbound slot %d", what, num)
}

// decode splits a response envelope, server diagnostics become a *common.ServerError
func (b *ResponseBox) decode(frame []byte) ([]byte, error) {
	hdrBytes, body, err := DecodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	var hdr common.FrameHeader
	if err := b.ser.Deserialize(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("%w: decoding response header: %v", common.ErrIO, err)
	}
	if err := hdr.AsError(); err != nil {
		return nil, err
	}
	return body, nil
}
