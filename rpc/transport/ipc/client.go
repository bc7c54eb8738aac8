package ipc

import (
	"bufio"
	"context"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"net"
	"strconv"
)

// Connector implements transport.IConnector for the ipc transport. The handshake runs on
// the control socket of the server, the session itself on a socket named after the
// assigned session id.
type Connector struct {
	config common.ClientConfig
	ser    serializer.IRPCSerializer

	// control connections of running handshakes
	pending *Arena[net.Conn]
}

// NewConnector creates a connector for the base name in config
func NewConnector(config common.ClientConfig, ser serializer.IRPCSerializer) *Connector {
	return &Connector{config: config, ser: ser, pending: NewArena[net.Conn]()}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *Connector) GetName() string {
	return "ipc"
}

func (c *Connector) Connect(ctx context.Context, credential common.Credential) (transport.FutureResponse[transport.IWire], error) {
	if credential == nil {
		credential = common.NullCredential{}
	}
	endpoint := c.config.Transport.Endpoint

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", common.ErrIO, endpoint, err)
	}
	h := c.pending.Register(conn)

	handshake := func() (transport.IWire, error) {
		defer c.release(h)

		id, err := hello(conn, credential.Bytes())
		if err != nil {
			return nil, err
		}

		path := sessionPath(endpoint, id)
		sconn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		if err != nil {
			return nil, fmt.Errorf("%w: opening session socket %s: %v", common.ErrIO, path, err)
		}
		link := newIpcLink(sconn, path, c.config.Transport.Slots(), c.ser)
		link.SetCloseTimeout(c.config.CloseTimeout())
		return base.NewWire(link, id, c.ser), nil
	}
	return base.NewFutureWire(handshake, func() { c.release(h) }), nil
}

// Pending returns the number of handshakes that still hold a control connection
func (c *Connector) Pending() int {
	return c.pending.Len()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Connector) release(h Handle) {
	if conn, ok := c.pending.Release(h); ok {
		_ = conn.Close()
	}
}

// hello presents the credential and returns the session id assigned by the server
func hello(conn net.Conn, credential []byte) (uint64, error) {
	if err := writeSized(conn, nil, credential); err != nil {
		return 0, fmt.Errorf("%w: sending hello: %v", common.ErrIO, err)
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: reading handshake response: %v", common.ErrIO, err)
	}
	payload, err := readSized(r)
	if err != nil {
		return 0, fmt.Errorf("%w: reading handshake response: %v", common.ErrIO, unexpectedEOF(err))
	}

	switch status {
	case helloOK:
		id, err := strconv.ParseUint(string(payload), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed session id %q", common.ErrIO, payload)
		}
		return id, nil
	case helloNG:
		return 0, fmt.Errorf("%w: %s", common.ErrSessionRejected, payload)
	default:
		return 0, fmt.Errorf("%w: unknown handshake status %d", common.ErrIO, status)
	}
}
