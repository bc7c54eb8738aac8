package unix

import (
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport/tcp"
)

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewConnector creates a connector speaking the stream protocol over the unix socket
// at the endpoint in config
func NewConnector(config common.ClientConfig, ser serializer.IRPCSerializer) *tcp.Connector {
	return tcp.NewStreamConnector("unix", config, ser)
}
