package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

var testSerializer = serializer.NewBinarySerializer()

// ----- helpers -----

type payloadProcessor struct{}

func (payloadProcessor) IsMainResponseRequired() bool { return true }

func (payloadProcessor) Process(ctx context.Context, resp transport.Response) ([]byte, error) {
	defer resp.Close()
	return resp.Payload(ctx)
}

type queryHead struct {
	name string
	rsw  transport.IResultSetWire
}

type headProcessor struct{}

func (headProcessor) IsMainResponseRequired() bool { return false }

func (headProcessor) Process(ctx context.Context, resp transport.Response) (queryHead, error) {
	defer resp.Close()
	body, rsw, err := resp.Head(ctx)
	return queryHead{name: string(body), rsw: rsw}, err
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func result(body []byte) []byte {
	hdr, _ := testSerializer.Serialize(*common.NewResultHeader())
	return base.EncodeEnvelope(hdr, body)
}

// socketBase returns a short socket base name, t.TempDir() may exceed the path limit of unix sockets
func socketBase(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, uuid.NewString()[:8])
}

func clientConfig(endpoint string) common.ClientConfig {
	return common.ClientConfig{
		Transport: common.ClientTransportConfig{Endpoint: endpoint, MaxSlots: 4},
	}
}

func connect(t *testing.T, endpoint string, credential common.Credential) (transport.IWire, error) {
	t.Helper()
	ctx := testContext(t)
	fut, err := NewConnector(clientConfig(endpoint), testSerializer).Connect(ctx, credential)
	if err != nil {
		return nil, err
	}
	wire, err := fut.Get(ctx)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = wire.Close() })
	return wire, nil
}

func get(t *testing.T, fut transport.FutureResponse[transport.Response]) ([]byte, error) {
	t.Helper()
	return base.NewForegroundFuture[[]byte](fut, payloadProcessor{}).Get(testContext(t))
}

// testHandler echoes service 1, streams a result set for service 2, answers service 3
// with a bare status code and blocks service 4 until release is closed
func testHandler(release <-chan struct{}) transport.ServerHandleFunc {
	return func(_ uint64, req []byte, w transport.ResponseWriter) {
		hdrBytes, body, err := base.DecodeEnvelope(req)
		if err != nil {
			return
		}
		var hdr common.FrameHeader
		if err := testSerializer.Deserialize(hdrBytes, &hdr); err != nil {
			return
		}

		switch hdr.ServiceID {
		case 1:
			_ = w.Reply(result(body))
		case 2:
			name := "rs-" + string(body)
			_ = w.ReplyHead(result([]byte(name)))
			rs, err := w.OpenResultSet(name)
			if err != nil {
				return
			}
			_ = rs.Write([]byte("meta"))
			for _, row := range []string{"r1", "r2", "r3"} {
				_ = rs.Write([]byte(row))
			}
			_ = rs.Close()
			_ = w.Reply(result([]byte("done")))
		case 3:
			_ = w.(transport.CodeWriter).ReplyCode(7)
		case 4:
			<-release
		default:
			dhdr, _ := testSerializer.Serialize(*common.NewDiagnosticsHeader(404, "unknown service"))
			_ = w.Reply(base.EncodeEnvelope(dhdr, nil))
		}
	}
}

func startServer(t *testing.T, auth transport.AuthFunc) (string, transport.IRPCServerTransport) {
	t.Helper()
	endpoint := socketBase(t)

	release := make(chan struct{})
	srv := NewIPCServerTransport()
	srv.RegisterHandler(testHandler(release))
	srv.RegisterAuthenticator(auth)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(common.ServerConfig{Endpoint: endpoint, MaxWorkersPerConn: 4, TimeoutSecond: 2})
	}()
	t.Cleanup(func() {
		close(release)
		_ = srv.Close()
		<-errCh
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(endpoint)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return endpoint, srv
}

// startRawServer answers one hello with session id 7 and hands the session socket to the test
func startRawServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	endpoint := socketBase(t)
	ln, err := net.Listen("unix", endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		ctrl, err := ln.Accept()
		if err != nil {
			return
		}
		defer ctrl.Close()
		if _, err := readSized(ctrl); err != nil {
			return
		}
		sln, err := net.Listen("unix", sessionPath(endpoint, 7))
		if err != nil {
			return
		}
		defer sln.Close()
		if err := writeSized(ctrl, []byte{helloOK}, []byte("7")); err != nil {
			return
		}
		conn, err := sln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return endpoint, conns
}

// readRequest reads one request from a raw session socket
func readRequest(t *testing.T, conn net.Conn) (uint8, []byte) {
	t.Helper()
	var slot [1]byte
	_, err := io.ReadFull(conn, slot[:])
	require.NoError(t, err)
	data, err := readSized(conn)
	require.NoError(t, err)
	_, body, err := base.DecodeEnvelope(data)
	require.NoError(t, err)
	return slot[0], body
}

func writeFrame(t *testing.T, conn net.Conn, kind, slot uint8, payload []byte) {
	t.Helper()
	require.NoError(t, writeSized(conn, []byte{kind, slot}, payload))
}

// ----- tests -----

func TestEchoRoundTrip(t *testing.T) {
	endpoint, _ := startServer(t, nil)
	wire, err := connect(t, endpoint, common.NullCredential{})
	require.NoError(t, err)
	require.NotZero(t, wire.SessionID())
	require.True(t, wire.IsAlive())

	fut, err := wire.Send(1, []byte("hello"))
	require.NoError(t, err)
	got, err := get(t, fut)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestStatusCodeIsServerError(t *testing.T) {
	endpoint, _ := startServer(t, nil)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)

	fut, err := wire.Send(3, nil)
	require.NoError(t, err)
	_, err = get(t, fut)

	var se *common.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, uint32(7), se.Code)

	// the slot was released, the session goes on
	fut, err = wire.Send(1, []byte("after"))
	require.NoError(t, err)
	got, err := get(t, fut)
	require.NoError(t, err)
	require.Equal(t, "after", string(got))
}

func TestDiagnosticsIsServerError(t *testing.T) {
	endpoint, _ := startServer(t, nil)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)

	fut, err := wire.Send(99, nil)
	require.NoError(t, err)
	_, err = get(t, fut)

	var se *common.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, uint32(404), se.Code)
	require.Equal(t, "unknown service", se.Message)
}

func TestHandshakeRejected(t *testing.T) {
	endpoint, _ := startServer(t, func(credential []byte) error {
		if string(credential) != "admin\x00secret" {
			return errors.New("invalid credential")
		}
		return nil
	})

	_, err := connect(t, endpoint, common.UserPasswordCredential{User: "admin", Password: "wrong"})
	require.ErrorIs(t, err, common.ErrSessionRejected)
	require.ErrorContains(t, err, "invalid credential")

	wire, err := connect(t, endpoint, common.UserPasswordCredential{User: "admin", Password: "secret"})
	require.NoError(t, err)
	require.True(t, wire.IsAlive())
}

func TestQueryStreamsResultSet(t *testing.T) {
	endpoint, _ := startServer(t, nil)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		head, body, err := wire.SendQuery(2, []byte(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)

		qh, err := base.NewForegroundFuture[queryHead](head, headProcessor{}).Get(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("rs-q%d", i), qh.name)

		rsw := qh.rsw
		require.NoError(t, rsw.Connect(ctx, qh.name))
		meta, err := rsw.ReceiveSchemaMetadata(ctx)
		require.NoError(t, err)
		require.Equal(t, "meta", string(meta))

		var rows []string
		for {
			chunk, err := rsw.ReadChunk(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			rows = append(rows, string(chunk))
			rsw.Dispose(len(chunk))
		}
		require.Equal(t, []string{"r1", "r2", "r3"}, rows)
		require.NoError(t, rsw.Close())

		got, err := base.NewForegroundFuture[[]byte](body, payloadProcessor{}).Get(ctx)
		require.NoError(t, err)
		require.Equal(t, "done", string(got))
	}
}

func TestConcurrentRequests(t *testing.T) {
	endpoint, _ := startServer(t, nil)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)
	ctx := testContext(t)

	const n = 32
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := "msg-" + strconv.Itoa(i)
			fut, err := wire.Send(1, []byte(want))
			if err != nil {
				errs <- err
				return
			}
			got, err := base.NewForegroundFuture[[]byte](fut, payloadProcessor{}).Get(ctx)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != want {
				errs <- fmt.Errorf("expected %q, got %q", want, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestServerShutdownIsOrderlyClose(t *testing.T) {
	endpoint, srv := startServer(t, nil)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)

	// the session is served once the first request was answered
	fut, err := wire.Send(1, []byte("ping"))
	require.NoError(t, err)
	_, err = get(t, fut)
	require.NoError(t, err)

	// blocks on the server until the test ends
	fut, err = wire.Send(4, nil)
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	_, err = get(t, fut)
	require.ErrorIs(t, err, common.ErrConnectionClosed)
	require.NotErrorIs(t, err, common.ErrServerCrashed)
	require.False(t, wire.IsAlive())
}

func TestNullFrameFailsPendingAsClosed(t *testing.T) {
	endpoint, conns := startRawServer(t)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(7), wire.SessionID())
	conn := <-conns
	defer conn.Close()

	fut, err := wire.Send(1, []byte("a"))
	require.NoError(t, err)
	readRequest(t, conn)
	writeFrame(t, conn, kindNull, 0, nil)

	_, err = get(t, fut)
	require.ErrorIs(t, err, common.ErrConnectionClosed)

	_, err = wire.Send(1, []byte("b"))
	require.ErrorIs(t, err, common.ErrConnectionClosed)
}

func TestServerCrashFailsPending(t *testing.T) {
	endpoint, conns := startRawServer(t)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)
	conn := <-conns

	fut, err := wire.Send(1, []byte("a"))
	require.NoError(t, err)
	readRequest(t, conn)
	require.NoError(t, conn.Close())

	_, err = get(t, fut)
	require.ErrorIs(t, err, common.ErrServerCrashed)
	require.False(t, wire.IsAlive())
}

func TestRawFrames(t *testing.T) {
	endpoint, conns := startRawServer(t)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)
	conn := <-conns
	defer conn.Close()

	// a payload and a status code, answered in reverse order
	f1, err := wire.Send(1, []byte("one"))
	require.NoError(t, err)
	f2, err := wire.Send(1, []byte("two"))
	require.NoError(t, err)
	s1, b1 := readRequest(t, conn)
	s2, b2 := readRequest(t, conn)
	require.Equal(t, "one", string(b1))
	require.Equal(t, "two", string(b2))
	require.NotEqual(t, s1, s2)

	writeFrame(t, conn, kindCode, s2, binary.LittleEndian.AppendUint32(nil, 503))
	writeFrame(t, conn, kindPayload, s1, result([]byte("ONE")))

	got, err := get(t, f1)
	require.NoError(t, err)
	require.Equal(t, "ONE", string(got))

	_, err = get(t, f2)
	var se *common.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, uint32(503), se.Code)

	// an unknown frame kind is a protocol error
	writeFrame(t, conn, 42, 0, nil)
	require.Eventually(t, func() bool { return !wire.IsAlive() }, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeTimeoutReleasesConnection(t *testing.T) {
	endpoint := socketBase(t)
	ln, err := net.Listen("unix", endpoint)
	require.NoError(t, err)
	defer ln.Close()

	// accepts but never answers the hello
	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
		close(closed)
	}()

	c := NewConnector(clientConfig(endpoint), testSerializer)
	fut, err := c.Connect(testContext(t), nil)
	require.NoError(t, err)
	require.Equal(t, 1, c.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fut.Get(ctx)
	require.ErrorIs(t, err, common.ErrTimeout)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the control connection to be released")
	}
	require.Eventually(t, func() bool { return c.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectWithoutServer(t *testing.T) {
	_, err := NewConnector(clientConfig(socketBase(t)), testSerializer).Connect(testContext(t), nil)
	require.ErrorIs(t, err, common.ErrIO)
}

func TestCloseIsIdempotent(t *testing.T) {
	endpoint, _ := startServer(t, nil)
	wire, err := connect(t, endpoint, nil)
	require.NoError(t, err)

	require.NoError(t, wire.Close())
	require.NoError(t, wire.Close())
	require.False(t, wire.IsAlive())

	_, err = wire.Send(1, nil)
	require.ErrorIs(t, err, common.ErrConnectionClosed)

	_, err = wire.CreateResultSetWire()
	require.ErrorIs(t, err, common.ErrLinkClosed)
}
