package base

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"sync"
	"sync/atomic"
)

var (
	errWireNotConnected = fmt.Errorf("%w: result set wire not connected", common.ErrIO)
	errWireConnected    = fmt.Errorf("%w: result set wire already connected", common.ErrIO)
	errWireClosed       = fmt.Errorf("%w: result set wire closed", common.ErrIO)
	errMetadataReceived = fmt.Errorf("%w: schema metadata already received", common.ErrIO)
)

// --------------------------------------------------------------------------
// Chunk Buffer
// --------------------------------------------------------------------------

// ChunkBuffer queues the chunks of one result set until the wire reads them
type ChunkBuffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	eof       bool
	err       error
	discarded bool
	changed   chan struct{}
}

// NewChunkBuffer creates a new ChunkBuffer
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{changed: make(chan struct{})}
}

// Push appends a chunk, chunks after End or Discard are dropped
func (b *ChunkBuffer) Push(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eof || b.discarded {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.broadcastLocked()
}

// End marks the end of the result set, buffered chunks can still be read
func (b *ChunkBuffer) End() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.eof {
		b.eof = true
		b.broadcastLocked()
	}
}

// Fail ends the result set with an error
func (b *ChunkBuffer) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil && !b.eof {
		b.err = err
		b.broadcastLocked()
	}
}

// Discard drops the buffered chunks and ignores further ones
func (b *ChunkBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discarded = true
	b.chunks = nil
	b.broadcastLocked()
}

// next pops the next chunk. Without a chunk it returns a channel that is closed on the
// next change of the buffer.
func (b *ChunkBuffer) next() ([]byte, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case len(b.chunks) > 0:
		chunk := b.chunks[0]
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		return chunk, nil, nil
	case b.discarded:
		return nil, nil, errWireClosed
	case b.err != nil:
		return nil, nil, b.err
	case b.eof:
		return nil, nil, io.EOF
	default:
		return nil, b.changed, nil
	}
}

func (b *ChunkBuffer) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// --------------------------------------------------------------------------
// Result Set Wire
// --------------------------------------------------------------------------

// ResultSetBinder attaches result set wires to the transport
type ResultSetBinder interface {
	// Bind attaches a wire to the named result set and returns the buffer its chunks arrive in
	Bind(ctx context.Context, name string) (*ChunkBuffer, error)
	// Await waits until done is closed, driving the link if necessary
	Await(ctx context.Context, done <-chan struct{}) error
	// Unbind releases the named result set
	Unbind(name string) error
}

// ResultSetWire implements transport.IResultSetWire on top of a ResultSetBinder.
// Reads are meant for one goroutine, Close may be called from any goroutine.
type ResultSetWire struct {
	binder ResultSetBinder

	mu           sync.Mutex
	name         string
	buf          *ChunkBuffer
	closed       bool
	cur          []byte
	metadataDone bool

	// claim is called once the wire bound its result set or was closed unconnected
	claim     func()
	claimOnce sync.Once
}

// NewResultSetWire creates an unconnected result set wire
func NewResultSetWire(binder ResultSetBinder) *ResultSetWire {
	return &ResultSetWire{binder: binder}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IResultSetWire)
// --------------------------------------------------------------------------

func (w *ResultSetWire) Connect(ctx context.Context, name string) error {
	w.mu.Lock()
	switch {
	case w.closed:
		w.mu.Unlock()
		return errWireClosed
	case w.buf != nil:
		w.mu.Unlock()
		return errWireConnected
	}
	w.mu.Unlock()

	buf, err := w.binder.Bind(ctx, name)
	w.claimed()
	if err != nil {
		return fmt.Errorf("connecting result set %q: %w", name, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.name, w.buf = name, buf
	if w.closed {
		// closed while binding
		buf.Discard()
		return errWireClosed
	}
	return nil
}

func (w *ResultSetWire) ReceiveSchemaMetadata(ctx context.Context) ([]byte, error) {
	if w.metadataDone {
		return nil, errMetadataReceived
	}
	chunk, err := w.nextChunk(ctx, true)
	if err == io.EOF {
		return nil, fmt.Errorf("%w: result set ended before its metadata", common.ErrIO)
	}
	if err != nil {
		return nil, err
	}
	w.metadataDone = true
	return chunk, nil
}

func (w *ResultSetWire) ReadChunk(ctx context.Context) ([]byte, error) {
	if !w.metadataDone {
		if _, err := w.ReceiveSchemaMetadata(ctx); err != nil {
			return nil, err
		}
	}
	if len(w.cur) > 0 {
		return w.cur, nil
	}
	chunk, err := w.nextChunk(ctx, false)
	if err != nil {
		return nil, err
	}
	w.cur = chunk
	return chunk, nil
}

func (w *ResultSetWire) Dispose(length int) {
	w.cur = w.cur[min(max(length, 0), len(w.cur)):]
}

func (w *ResultSetWire) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	buf, name := w.buf, w.name
	w.mu.Unlock()

	if buf == nil {
		w.claimed()
		return nil
	}
	buf.Discard()
	return w.binder.Unbind(name)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (w *ResultSetWire) claimed() {
	if w.claim != nil {
		w.claimOnce.Do(w.claim)
	}
}

// nextChunk waits for the next chunk, empty chunks are skipped unless allowEmpty is set
func (w *ResultSetWire) nextChunk(ctx context.Context, allowEmpty bool) ([]byte, error) {
	w.mu.Lock()
	buf, closed := w.buf, w.closed
	w.mu.Unlock()
	switch {
	case closed:
		return nil, errWireClosed
	case buf == nil:
		return nil, errWireNotConnected
	}

	for {
		chunk, changed, err := buf.next()
		if err != nil {
			return nil, err
		}
		if changed == nil {
			if len(chunk) > 0 || allowEmpty {
				return chunk, nil
			}
			continue
		}
		if err := w.binder.Await(ctx, changed); err != nil {
			return nil, err
		}
	}
}

// --------------------------------------------------------------------------
// Result Set Box (result sets multiplexed on the link itself)
// --------------------------------------------------------------------------

// rsEntry is the state of one named result set
type rsEntry struct {
	buf *ChunkBuffer

	mu       sync.Mutex
	name     string
	slot     uint8
	bound    bool
	closed   bool
	bye      bool
	byeAcked bool
}

// ResultSetBox demultiplexes result set frames that travel on the link. The server
// announces a result set with HELLO(slot, name), streams PAYLOAD(slot) chunks and ends
// it with BYE(slot). The slot may only be reused by the server after the client
// answered with BYE_OK, which happens once the wire is closed.
type ResultSetBox struct {
	awaiter Awaiter
	byeOK   func(slot uint8) error

	byName *xsync.MapOf[string, *rsEntry]
	bySlot *xsync.MapOf[uint8, *rsEntry]

	// unclaimed counts wires that may still connect to a result set
	unclaimed atomic.Int64
}

// NewResultSetBox creates a ResultSetBox. byeOK sends the acknowledgment of a BYE.
func NewResultSetBox(awaiter Awaiter, byeOK func(slot uint8) error) *ResultSetBox {
	return &ResultSetBox{
		awaiter: awaiter,
		byeOK:   byeOK,
		byName:  xsync.NewMapOf[string, *rsEntry](),
		bySlot:  xsync.NewMapOf[uint8, *rsEntry](),
	}
}

// NewWire creates a wire that holds a claim on the box until it connects or closes.
// Ended result sets that no wire bound are kept only while a claim is held.
func (r *ResultSetBox) NewWire() *ResultSetWire {
	r.unclaimed.Add(1)
	w := NewResultSetWire(r)
	w.claim = r.release
	return w
}

// Len returns the number of known result sets
func (r *ResultSetBox) Len() int {
	return r.byName.Size()
}

// Hello binds a result set name to its slot
func (r *ResultSetBox) Hello(slot uint8, name string) {
	e := r.entry(name)
	e.mu.Lock()
	e.slot = slot
	e.mu.Unlock()
	r.bySlot.Store(slot, e)
	Logger.Debugf("Result set %q opened on slot %d", name, slot)
}

// Payload appends a chunk to the result set bound to the slot
func (r *ResultSetBox) Payload(slot uint8, writer uint8, chunk []byte) {
	e, ok := r.bySlot.Load(slot)
	if !ok {
		Logger.Warningf("Dropped result set chunk for unknown slot %d (writer %d)", slot, writer)
		return
	}
	e.buf.Push(chunk)
}

// Bye ends the result set bound to the slot
func (r *ResultSetBox) Bye(slot uint8) {
	e, ok := r.bySlot.LoadAndDelete(slot)
	if !ok {
		Logger.Warningf("Result set bye for unknown slot %d", slot)
		r.ack(slot)
		return
	}
	e.buf.End()

	e.mu.Lock()
	e.bye = true
	// a closed wire is done, an unbound one keeps its chunks for a late Connect
	ackNow := e.closed || !e.bound
	if ackNow {
		e.byeAcked = true
	}
	remove := e.closed || (!e.bound && r.unclaimed.Load() == 0)
	e.mu.Unlock()

	if remove {
		r.byName.Delete(e.name)
	}
	if ackNow {
		r.ack(slot)
	}
}

// Fail ends all open result sets with err, e.g. when the link died
func (r *ResultSetBox) Fail(err error) {
	r.byName.Range(func(_ string, e *rsEntry) bool {
		e.buf.Fail(err)
		return true
	})
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.ResultSetBinder)
// --------------------------------------------------------------------------

func (r *ResultSetBox) Bind(_ context.Context, name string) (*ChunkBuffer, error) {
	e := r.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bound {
		return nil, errWireConnected
	}
	e.bound = true
	return e.buf, nil
}

func (r *ResultSetBox) Await(ctx context.Context, done <-chan struct{}) error {
	return r.awaiter.Await(ctx, done)
}

func (r *ResultSetBox) Unbind(name string) error {
	e, ok := r.byName.Load(name)
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.closed = true
	ackNow := e.bye && !e.byeAcked
	if ackNow {
		e.byeAcked = true
	}
	slot, remove := e.slot, e.bye
	e.mu.Unlock()

	if remove {
		r.byName.Delete(name)
	}
	if ackNow {
		return r.byeOK(slot)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (r *ResultSetBox) entry(name string) *rsEntry {
	e, _ := r.byName.LoadOrCompute(name, func() *rsEntry {
		return &rsEntry{name: name, buf: NewChunkBuffer()}
	})
	return e
}

// release drops a claim. Without claims left, ended result sets nobody bound are removed.
func (r *ResultSetBox) release() {
	if r.unclaimed.Add(-1) > 0 {
		return
	}
	r.byName.Range(func(name string, e *rsEntry) bool {
		e.mu.Lock()
		orphan := e.bye && !e.bound
		e.mu.Unlock()
		if orphan {
			r.byName.Delete(name)
			Logger.Debugf("Dropped unclaimed result set %q", name)
		}
		return true
	})
}

func (r *ResultSetBox) ack(slot uint8) {
	if err := r.byeOK(slot); err != nil {
		Logger.Warningf("Sending result set bye ok for slot %d: %v", slot, err)
	}
}
