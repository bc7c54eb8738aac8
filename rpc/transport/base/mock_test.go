package base

import (
	"context"
	"errors"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testSerializer = serializer.NewBinarySerializer()

// sentFrame is a request as it was handed to the mock link
type sentFrame struct {
	slot    uint8
	header  []byte
	payload []byte
}

// mockFrame is a frame the mock link delivers on the next pull
type mockFrame struct {
	slot uint8
	data []byte
	head bool
	fail error
}

// mockLink is a stream like link whose frames are supplied by the test
type mockLink struct {
	*LinkBase

	sent    chan sentFrame
	frames  chan mockFrame
	stop    chan struct{}
	sendErr atomic.Pointer[error]

	pullers    atomic.Int32
	maxPullers atomic.Int32
}

func newMockLink(t *testing.T, slots int) *mockLink {
	t.Helper()
	m := &mockLink{
		sent:   make(chan sentFrame, 256),
		frames: make(chan mockFrame, 256),
		stop:   make(chan struct{}),
	}
	m.LinkBase = NewLinkBase("mock", m, slots, testSerializer)
	m.SetPuller(m.pull)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (m *mockLink) Send(slot uint8, header, payload []byte) error {
	if errp := m.sendErr.Load(); errp != nil {
		return *errp
	}
	m.sent <- sentFrame{slot: slot, header: header, payload: payload}
	return nil
}

func (m *mockLink) pull(ctx context.Context) error {
	n := m.pullers.Add(1)
	defer m.pullers.Add(-1)
	for {
		old := m.maxPullers.Load()
		if n <= old || m.maxPullers.CompareAndSwap(old, n) {
			break
		}
	}

	select {
	case f := <-m.frames:
		switch {
		case f.fail != nil:
			return f.fail
		case f.head:
			m.ResponseBox().PushHead(f.slot, f.data, NewResultSetWire(&chanBinder{}))
		default:
			m.ResponseBox().Push(f.slot, f.data)
		}
		return nil
	case <-m.stop:
		return errors.New("use of closed connection")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockLink) CreateResultSetWire() (transport.IResultSetWire, error) {
	return NewResultSetWire(&chanBinder{}), nil
}

func (m *mockLink) IsAlive() bool {
	return m.Alive()
}

func (m *mockLink) Close() error {
	return m.Shutdown(func() error {
		close(m.stop)
		return nil
	})
}

// deliver queues a service result for the slot
func (m *mockLink) deliver(slot uint8, body string) {
	m.frames <- mockFrame{slot: slot, data: resultFrame(body)}
}

// nextSent returns the next request handed to the link
func (m *mockLink) nextSent(t *testing.T) sentFrame {
	t.Helper()
	select {
	case f := <-m.sent:
		return f
	case <-time.After(time.Second):
		t.Fatalf("Expected a request to be sent")
		return sentFrame{}
	}
}

// noneSent asserts that no request is waiting to be observed
func (m *mockLink) noneSent(t *testing.T) {
	t.Helper()
	select {
	case f := <-m.sent:
		t.Fatalf("Expected no request, got %q on slot %d", f.payload, f.slot)
	default:
	}
}

func resultFrame(body string) []byte {
	hdr, _ := testSerializer.Serialize(*common.NewResultHeader())
	return EncodeEnvelope(hdr, []byte(body))
}

func diagnosticsFrame(code uint32, msg string) []byte {
	hdr, _ := testSerializer.Serialize(*common.NewDiagnosticsHeader(code, msg))
	return EncodeEnvelope(hdr, nil)
}

// chanBinder is a result set binder whose buffer is fed by the test
type chanBinder struct {
	mu      sync.Mutex
	buf     *ChunkBuffer
	unbound []string
	bindErr error
}

func (b *chanBinder) Bind(_ context.Context, name string) (*ChunkBuffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindErr != nil {
		return nil, b.bindErr
	}
	if b.buf == nil {
		b.buf = NewChunkBuffer()
	}
	return b.buf, nil
}

func (b *chanBinder) Await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return common.ContextError(ctx, "await")
	}
}

func (b *chanBinder) Unbind(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbound = append(b.unbound, name)
	return nil
}

// payloadProcessor returns the body of the main response
type payloadProcessor struct{}

func (payloadProcessor) IsMainResponseRequired() bool { return true }

func (payloadProcessor) Process(ctx context.Context, resp transport.Response) ([]byte, error) {
	defer resp.Close()
	return resp.Payload(ctx)
}

// headProcessor returns the head body and the result set wire of a query
type headProcessor struct{}

type headResult struct {
	head []byte
	rsw  transport.IResultSetWire
}

func (headProcessor) IsMainResponseRequired() bool { return false }

func (headProcessor) Process(ctx context.Context, resp transport.Response) (headResult, error) {
	defer resp.Close()
	head, rsw, err := resp.Head(ctx)
	return headResult{head: head, rsw: rsw}, err
}
