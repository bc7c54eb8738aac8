package tcp

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"net"
)

// Connector implements transport.IConnector for the stream protocol
type Connector struct {
	network string
	config  common.ClientConfig
	ser     serializer.IRPCSerializer
}

// NewConnector creates a TCP connector for the endpoint in config
func NewConnector(config common.ClientConfig, ser serializer.IRPCSerializer) *Connector {
	return NewStreamConnector("tcp", config, ser)
}

// NewStreamConnector creates a connector speaking the stream protocol over any
// stream oriented network (tcp, unix)
func NewStreamConnector(network string, config common.ClientConfig, ser serializer.IRPCSerializer) *Connector {
	return &Connector{network: network, config: config, ser: ser}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *Connector) GetName() string {
	return c.network
}

func (c *Connector) Connect(ctx context.Context, credential common.Credential) (transport.FutureResponse[transport.IWire], error) {
	if credential == nil {
		credential = common.NullCredential{}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.config.Transport.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", common.ErrIO, c.config.Transport.Endpoint, err)
	}
	if err := UpgradeConnection(conn, c.config.Transport.SocketConf, c.config.Transport.TCPConf); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: configuring connection: %v", common.ErrIO, err)
	}

	link := NewStreamLink(conn, c.config.Transport.Slots(), c.ser)
	link.SetCloseTimeout(c.config.CloseTimeout())

	handshake := func() (transport.IWire, error) {
		id, err := link.Hello(credential.Bytes())
		if err != nil {
			_ = link.Close()
			return nil, err
		}
		return base.NewWire(link, id, c.ser), nil
	}
	return base.NewFutureWire(handshake, func() { _ = conn.Close() }), nil
}
