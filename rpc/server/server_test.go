package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/client"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"github.com/ValentinKolb/dLink/rpc/transport/ipc"
	"github.com/ValentinKolb/dLink/rpc/transport/tcp"
	"github.com/ValentinKolb/dLink/rpc/transport/unix"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testSerializer = serializer.NewBinarySerializer()

// ----- helpers -----

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type testTransport struct {
	name      string
	endpoint  func(t *testing.T) string
	server    func() transport.IRPCServerTransport
	connector func(config common.ClientConfig) transport.IConnector
}

var testTransports = []testTransport{
	{
		name: "tcp",
		endpoint: func(t *testing.T) string {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()
			return ln.Addr().String()
		},
		server: tcp.NewTCPServerTransport,
		connector: func(config common.ClientConfig) transport.IConnector {
			return tcp.NewConnector(config, testSerializer)
		},
	},
	{
		name: "ipc",
		endpoint: func(t *testing.T) string {
			dir, err := os.MkdirTemp("", "dl")
			require.NoError(t, err)
			t.Cleanup(func() { _ = os.RemoveAll(dir) })
			return filepath.Join(dir, uuid.NewString()[:8])
		},
		server: ipc.NewIPCServerTransport,
		connector: func(config common.ClientConfig) transport.IConnector {
			return ipc.NewConnector(config, testSerializer)
		},
	},
	{
		name: "unix",
		endpoint: func(t *testing.T) string {
			dir, err := os.MkdirTemp("", "dl")
			require.NoError(t, err)
			t.Cleanup(func() { _ = os.RemoveAll(dir) })
			return filepath.Join(dir, "dlink.sock")
		},
		server: unix.NewUnixServerTransport,
		connector: func(config common.ClientConfig) transport.IConnector {
			return unix.NewConnector(config, testSerializer)
		},
	},
}

// startServer starts a server with the default services and returns the client side config
func startServer(t *testing.T, tt testTransport, users map[string]string) (common.ClientConfig, transport.IConnector) {
	t.Helper()
	endpoint := tt.endpoint(t)

	s := NewRPCServer(common.ServerConfig{Endpoint: endpoint, MaxWorkersPerConn: 4, TimeoutSecond: 2}, tt.server(), testSerializer)
	RegisterDefaultServices(s)
	s.RegisterAuthenticator(UserPasswordAuthenticator(users))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()
	t.Cleanup(func() {
		_ = s.Close()
		<-errCh
	})

	config := common.ClientConfig{
		TimeoutSecond: 5,
		Transport:     common.ClientTransportConfig{Endpoint: endpoint, MaxSlots: 4},
	}
	connector := tt.connector(config)
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		fut, err := connector.Connect(ctx, common.UserPasswordCredential{User: "probe"})
		if err != nil {
			return false
		}
		defer fut.Close()
		wire, err := fut.Get(ctx)
		if err == nil {
			_ = wire.Close()
			return true
		}
		return errors.Is(err, common.ErrSessionRejected)
	}, 2*time.Second, 10*time.Millisecond)
	return config, connector
}

func connect(t *testing.T, tt testTransport, credential common.Credential) *client.Session {
	t.Helper()
	config, connector := startServer(t, tt, nil)
	s, err := client.Connect(testContext(t), connector, credential, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingWriter struct {
	replies [][]byte
	codes   []uint32
}

func (w *recordingWriter) Reply(payload []byte) error {
	w.replies = append(w.replies, payload)
	return nil
}

func (w *recordingWriter) ReplyHead(head []byte) error { return w.Reply(head) }

func (w *recordingWriter) OpenResultSet(string) (transport.ResultSetWriter, error) {
	return nil, errors.New("not supported")
}

type codeWriter struct{ recordingWriter }

func (w *codeWriter) ReplyCode(code uint32) error {
	w.codes = append(w.codes, code)
	return nil
}

func decodeResponse(t *testing.T, frame []byte) (common.FrameHeader, []byte) {
	t.Helper()
	hdrBytes, body, err := base.DecodeEnvelope(frame)
	require.NoError(t, err)
	var hdr common.FrameHeader
	require.NoError(t, testSerializer.Deserialize(hdrBytes, &hdr))
	return hdr, body
}

func request(t *testing.T, serviceID, sessionID uint64, body []byte) []byte {
	t.Helper()
	hdr, err := testSerializer.Serialize(*common.NewRequestHeader(serviceID, sessionID))
	require.NoError(t, err)
	return base.EncodeEnvelope(hdr, body)
}

// ----- tests over all transports -----

func TestServices(t *testing.T) {
	for _, tt := range testTransports {
		t.Run(tt.name, func(t *testing.T) {
			s := connect(t, tt, nil)
			ctx := testContext(t)

			t.Run("echo", func(t *testing.T) {
				got, err := s.Call(ctx, ServiceIDEcho, []byte("hello"))
				require.NoError(t, err)
				require.Equal(t, "hello", string(got))
			})

			t.Run("unknown service", func(t *testing.T) {
				_, err := s.Call(ctx, 77, nil)
				var se *common.ServerError
				require.ErrorAs(t, err, &se)
				require.Equal(t, CodeUnknownService, se.Code)
			})

			t.Run("status", func(t *testing.T) {
				_, err := s.Call(ctx, ServiceIDStatus, []byte("418"))
				var se *common.ServerError
				require.ErrorAs(t, err, &se)
				require.Equal(t, uint32(418), se.Code)
			})

			t.Run("sequence", func(t *testing.T) {
				head, body, err := client.SendQuery(s, ServiceIDSequence, []byte("150"))
				require.NoError(t, err)
				defer head.Close()
				defer body.Close()

				q, err := head.Get(ctx)
				require.NoError(t, err)
				defer q.Close()
				meta, err := q.Metadata(ctx)
				require.NoError(t, err)
				require.Equal(t, SequenceMetadata, string(meta))

				chunks, err := q.ReadAll(ctx)
				require.NoError(t, err)
				require.Len(t, chunks, 3) // 64 + 64 + 22 rows

				var rows []string
				for _, c := range chunks {
					rows = append(rows, strings.Fields(string(c))...)
				}
				require.Len(t, rows, 150)
				require.Equal(t, "1", rows[0])
				require.Equal(t, "150", rows[149])

				n, err := body.Get(ctx)
				require.NoError(t, err)
				require.Equal(t, "150", string(n))
			})

			t.Run("invalid sequence", func(t *testing.T) {
				head, body, err := client.SendQuery(s, ServiceIDSequence, []byte("many"))
				require.NoError(t, err)
				defer head.Close()
				defer body.Close()

				_, err = head.Get(ctx)
				var se *common.ServerError
				require.ErrorAs(t, err, &se)
				require.Equal(t, CodeBadRequest, se.Code)

				_, err = body.Get(ctx)
				require.ErrorAs(t, err, &se)
			})
		})
	}
}

func TestAuthentication(t *testing.T) {
	for _, tt := range testTransports {
		t.Run(tt.name, func(t *testing.T) {
			config, connector := startServer(t, tt, map[string]string{"admin": "secret"})
			ctx := testContext(t)

			_, err := client.Connect(ctx, connector, common.UserPasswordCredential{User: "admin", Password: "nope"}, config)
			require.ErrorIs(t, err, common.ErrSessionRejected)

			_, err = client.Connect(ctx, connector, common.NullCredential{}, config)
			require.ErrorIs(t, err, common.ErrSessionRejected)

			s, err := client.Connect(ctx, connector, common.UserPasswordCredential{User: "admin", Password: "secret"}, config)
			require.NoError(t, err)
			require.NoError(t, s.Close())
		})
	}
}

// ----- unit tests -----

func TestDecodeRejectsForeignSession(t *testing.T) {
	s := NewRPCServer(common.ServerConfig{}, tcp.NewTCPServerTransport(), testSerializer)

	req, err := s.decode(3, request(t, ServiceIDEcho, 3, []byte("x")))
	require.NoError(t, err)
	require.Equal(t, &Request{SessionID: 3, ServiceID: ServiceIDEcho, Payload: []byte("x")}, req)

	_, err = s.decode(3, request(t, ServiceIDEcho, 4, nil))
	var se *common.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, CodeBadRequest, se.Code)

	_, err = s.decode(3, []byte{0xff})
	require.ErrorAs(t, err, &se)
}

func TestHandleWrapsResults(t *testing.T) {
	s := NewRPCServer(common.ServerConfig{}, tcp.NewTCPServerTransport(), testSerializer)
	s.Register(9, ServiceFunc(func(req *Request, _ *Responder) ([]byte, error) {
		if len(req.Payload) == 0 {
			return nil, errors.New("empty")
		}
		return append([]byte("ok:"), req.Payload...), nil
	}))

	w := &recordingWriter{}
	s.handle(1, request(t, 9, 1, []byte("a")), w)
	s.handle(1, request(t, 9, 1, nil), w)
	s.handle(1, request(t, 10, 1, nil), w)
	require.Len(t, w.replies, 3)

	hdr, body := decodeResponse(t, w.replies[0])
	require.Equal(t, common.HdrTServiceResult, hdr.HeaderType)
	require.Equal(t, "ok:a", string(body))

	hdr, _ = decodeResponse(t, w.replies[1])
	require.Equal(t, common.HdrTServerDiagnostics, hdr.HeaderType)
	require.Equal(t, CodeInternal, hdr.Code)
	require.Equal(t, "empty", hdr.Err)

	hdr, _ = decodeResponse(t, w.replies[2])
	require.Equal(t, CodeUnknownService, hdr.Code)
}

func TestBareStatusCodeUsesCodeWriter(t *testing.T) {
	rw := &Responder{w: &codeWriter{}, ser: testSerializer}
	rw.fail(common.NewServerError(503, ""))
	rw.fail(common.NewServerError(400, "with message"))

	cw := rw.w.(*codeWriter)
	require.Equal(t, []uint32{503}, cw.codes)
	require.Len(t, cw.replies, 1)

	// without code support a bare status code becomes diagnostics
	plain := &Responder{w: &recordingWriter{}, ser: testSerializer}
	plain.fail(common.NewServerError(503, ""))
	hdr, _ := decodeResponse(t, plain.w.(*recordingWriter).replies[0])
	require.Equal(t, uint32(503), hdr.Code)
}

func TestUserPasswordAuthenticator(t *testing.T) {
	auth := UserPasswordAuthenticator(map[string]string{"u": "p"})
	require.NoError(t, auth(common.UserPasswordCredential{User: "u", Password: "p"}.Bytes()))
	require.Error(t, auth(common.UserPasswordCredential{User: "u", Password: "x"}.Bytes()))
	require.Error(t, auth(common.UserPasswordCredential{User: "x", Password: "p"}.Bytes()))
	require.Error(t, auth(nil))

	require.NoError(t, UserPasswordAuthenticator(nil)(nil))
}

func TestWriteSequence(t *testing.T) {
	for _, tc := range []struct {
		n, perChunk int
		chunks      int
	}{
		{0, 4, 0},
		{3, 4, 1},
		{8, 4, 2},
		{9, 4, 3},
	} {
		t.Run(fmt.Sprintf("%d/%d", tc.n, tc.perChunk), func(t *testing.T) {
			rs := &memResultSet{}
			require.NoError(t, writeSequence(rs, uint64(tc.n), tc.perChunk))
			require.Equal(t, SequenceMetadata, string(rs.chunks[0]))
			require.Len(t, rs.chunks[1:], tc.chunks)
			require.Len(t, strings.Fields(string(joinChunks(rs.chunks[1:]))), tc.n)
		})
	}
}

type memResultSet struct{ chunks [][]byte }

func (m *memResultSet) Write(chunk []byte) error {
	m.chunks = append(m.chunks, append([]byte(nil), chunk...))
	return nil
}

func (m *memResultSet) Close() error { return nil }

func joinChunks(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
