package unix

import (
	"context"
	"errors"
	"github.com/ValentinKolb/dLink/rpc/client"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/server"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testSerializer = serializer.NewBinarySerializer()

func startSession(t *testing.T, users map[string]string, credential common.Credential) (*client.Session, error) {
	t.Helper()

	dir, err := os.MkdirTemp("", "dl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "dlink.sock")

	s := server.NewRPCServer(common.ServerConfig{Endpoint: path, TimeoutSecond: 2}, NewUnixServerTransport(), testSerializer)
	server.RegisterDefaultServices(s)
	s.RegisterAuthenticator(server.UserPasswordAuthenticator(users))
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()
	t.Cleanup(func() {
		_ = s.Close()
		<-errCh
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	config := common.ClientConfig{TimeoutSecond: 2, Transport: common.ClientTransportConfig{Endpoint: path, MaxSlots: 4}}
	sess, err := client.Connect(context.Background(), NewConnector(config, testSerializer), credential, config)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess, nil
}

func TestEchoAndQuery(t *testing.T) {
	s, err := startSession(t, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := s.Call(ctx, server.ServiceIDEcho, []byte("over unix"))
	require.NoError(t, err)
	require.Equal(t, "over unix", string(got))

	head, body, err := client.SendQuery(s, server.ServiceIDSequence, []byte("3"))
	require.NoError(t, err)
	defer head.Close()
	defer body.Close()

	q, err := head.Get(ctx)
	require.NoError(t, err)
	defer q.Close()
	chunks, err := q.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1\n2\n3\n")}, chunks)

	n, err := body.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "3", string(n))
}

func TestRejectedCredential(t *testing.T) {
	_, err := startSession(t, map[string]string{"alice": "secret"}, common.UserPasswordCredential{User: "alice", Password: "wrong"})
	require.True(t, errors.Is(err, common.ErrSessionRejected), "got %v", err)
}

func TestConnectorName(t *testing.T) {
	require.Equal(t, "unix", NewConnector(common.ClientConfig{}, testSerializer).GetName())
	require.Equal(t, "unix", (&serverConnector{}).GetName())
}
