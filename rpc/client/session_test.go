package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/server"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/tcp"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

const serviceIDSlow uint64 = 100

var testSerializer = serializer.NewBinarySerializer()

// ----- helpers -----

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startSession starts a tcp server with the default services and a slow echo service.
// The slow service answers once the returned release function was called.
func startSession(t *testing.T, config common.ClientConfig) (*Session, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ch := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(ch) }) }

	s := server.NewRPCServer(common.ServerConfig{Endpoint: addr, MaxWorkersPerConn: 8}, tcp.NewTCPServerTransport(), testSerializer)
	server.RegisterDefaultServices(s)
	s.Register(serviceIDSlow, server.ServiceFunc(func(req *server.Request, _ *server.Responder) ([]byte, error) {
		<-ch
		return req.Payload, nil
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()
	t.Cleanup(func() {
		release()
		_ = s.Close()
		<-errCh
	})

	config.Transport.Endpoint = addr
	connector := tcp.NewConnector(config, testSerializer)
	var session *Session
	require.Eventually(t, func() bool {
		sess, err := Connect(context.Background(), connector, nil, config)
		if err != nil {
			return false
		}
		session = sess
		return true
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = session.Close() })
	return session, release
}

// ----- tests -----

func TestForegroundAndBackground(t *testing.T) {
	s, _ := startSession(t, common.ClientConfig{TimeoutSecond: 2})
	ctx := testContext(t)

	for _, background := range []bool{false, true} {
		t.Run(fmt.Sprintf("background=%t", background), func(t *testing.T) {
			fut, err := Send[[]byte](s, server.ServiceIDEcho, []byte("hi"), PayloadProcessor{}, background)
			require.NoError(t, err)
			defer fut.Close()

			got, err := fut.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, "hi", string(got))
			require.True(t, fut.IsDone())

			// the result is cached
			got, err = fut.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, "hi", string(got))
		})
	}
}

func TestMoreRequestsThanSlots(t *testing.T) {
	for _, background := range []bool{false, true} {
		t.Run(fmt.Sprintf("background=%t", background), func(t *testing.T) {
			s, _ := startSession(t, common.ClientConfig{
				BackgroundWorkers: 2,
				Transport:         common.ClientTransportConfig{MaxSlots: 2},
			})
			ctx := testContext(t)

			// foreground futures hold their slot until Get, the rest waits in the queue
			const n = 40
			var futs []transport.FutureResponse[[]byte]
			for i := 0; i < n; i++ {
				fut, err := Send[[]byte](s, server.ServiceIDEcho, []byte(fmt.Sprint(i)), PayloadProcessor{}, background)
				require.NoError(t, err)
				futs = append(futs, fut)
			}
			for i, fut := range futs {
				got, err := fut.Get(ctx)
				require.NoError(t, err)
				require.Equal(t, fmt.Sprint(i), string(got))
				require.NoError(t, fut.Close())
			}
		})
	}
}

func TestTimedOutGetResumes(t *testing.T) {
	s, release := startSession(t, common.ClientConfig{})

	fut, err := Send[[]byte](s, serviceIDSlow, []byte("late"), PayloadProcessor{}, false)
	require.NoError(t, err)
	defer fut.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = fut.Get(ctx)
	cancel()
	require.ErrorIs(t, err, common.ErrTimeout)

	release()
	got, err := fut.Get(testContext(t))
	require.NoError(t, err)
	require.Equal(t, "late", string(got))
}

func TestCallHonorsConfigTimeout(t *testing.T) {
	s, _ := startSession(t, common.ClientConfig{TimeoutSecond: 1})

	start := time.Now()
	_, err := s.Call(context.Background(), serviceIDSlow, nil)
	require.ErrorIs(t, err, common.ErrTimeout)
	require.Less(t, time.Since(start), 3*time.Second)
	require.True(t, s.IsAlive())
}

func TestCloseFailsPendingAndWaitsForWorkers(t *testing.T) {
	s, _ := startSession(t, common.ClientConfig{})

	bg, err := Send[[]byte](s, serviceIDSlow, nil, PayloadProcessor{}, true)
	require.NoError(t, err)
	fg, err := Send[[]byte](s, serviceIDSlow, nil, PayloadProcessor{}, false)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.False(t, s.IsAlive())

	// the background worker finished during Close
	require.True(t, bg.IsDone())
	_, err = bg.Get(testContext(t))
	require.ErrorIs(t, err, common.ErrConnectionClosed)
	_, err = fg.Get(testContext(t))
	require.ErrorIs(t, err, common.ErrConnectionClosed)

	_, err = Send[[]byte](s, server.ServiceIDEcho, nil, PayloadProcessor{}, false)
	require.ErrorIs(t, err, common.ErrConnectionClosed)
	_, _, err = SendQuery(s, server.ServiceIDSequence, []byte("1"))
	require.ErrorIs(t, err, common.ErrConnectionClosed)
}

func TestQuery(t *testing.T) {
	s, _ := startSession(t, common.ClientConfig{})
	ctx := testContext(t)

	head, body, err := SendQuery(s, server.ServiceIDSequence, []byte("5"))
	require.NoError(t, err)
	defer head.Close()
	defer body.Close()

	q, err := head.Get(ctx)
	require.NoError(t, err)
	defer q.Close()
	require.NotEmpty(t, q.Name)

	// Next reads the metadata first
	chunk, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "1\n2\n3\n4\n5\n", string(chunk))
	_, err = q.Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	meta, err := q.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, server.SequenceMetadata, string(meta))

	n, err := body.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "5", string(n))
}

func TestQueryFailureBeforeHead(t *testing.T) {
	s, _ := startSession(t, common.ClientConfig{})
	ctx := testContext(t)

	head, body, err := SendQuery(s, server.ServiceIDSequence, []byte("-1"))
	require.NoError(t, err)
	defer head.Close()
	defer body.Close()

	_, err = head.Get(ctx)
	var se *common.ServerError
	require.True(t, errors.As(err, &se))
	require.Equal(t, server.CodeBadRequest, se.Code)
	require.True(t, strings.Contains(se.Message, "invalid count"))

	// the session is still usable
	got, err := s.Call(ctx, server.ServiceIDEcho, []byte("ok"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(got))
}
