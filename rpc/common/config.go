package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxSlots is the number of response slots of a session (one in-flight request each)
	DefaultMaxSlots = 16

	// MaxSlots is the upper bound, a slot number has to fit into one byte on the wire
	MaxSlots = 256
)

// --------------------------------------------------------------------------
// Transport configuration structs
// --------------------------------------------------------------------------

// SocketConf holds socket buffer options shared by all socket based transports
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds options only applied to TCP connections
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of the reference server.
type ServerConfig struct {
	// Endpoint is the tcp address or the ipc base name the server listens on
	Endpoint string

	// Timeout for reads and writes of one frame
	TimeoutSecond int64

	// Concurrent requests handled per session
	MaxWorkersPerConn int

	// Logging configuration
	LogLevel string

	SocketConf
	TCPConf
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Session", strconv.Itoa(max(1, c.MaxWorkersPerConn)))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig holds the settings of the link to the server
type ClientTransportConfig struct {
	// Endpoint is "host:port" for the stream transport or the base name for ipc
	Endpoint string

	// MaxSlots bounds the number of requests in flight, further requests are queued
	MaxSlots int

	SocketConf
	TCPConf
}

// ClientConfig holds all configuration parameters of a client session.
type ClientConfig struct {
	// TimeoutSecond bounds the handshake and, if > 0, every request wait
	TimeoutSecond int

	// CloseTimeoutSecond bounds how long Close waits for the receiver (0 = forever)
	CloseTimeoutSecond int

	// BackgroundWorkers limits the goroutines processing responses in background
	BackgroundWorkers int

	Transport ClientTransportConfig
}

// Timeout returns the request timeout as a duration (0 = no timeout)
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// CloseTimeout returns the close timeout as a duration (0 = no timeout)
func (c *ClientConfig) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutSecond) * time.Second
}

// Slots returns the effective slot table size
func (c *ClientTransportConfig) Slots() int {
	switch {
	case c.MaxSlots <= 0:
		return DefaultMaxSlots
	case c.MaxSlots > MaxSlots:
		return MaxSlots
	default:
		return c.MaxSlots
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Close Timeout", fmt.Sprintf("%d sec", c.CloseTimeoutSecond))
	addField("Background Workers", strconv.Itoa(c.BackgroundWorkers))

	addSection("Transport")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Slots", strconv.Itoa(c.Transport.Slots()))
	addField("Write Buffer", fmt.Sprintf("%d B", c.Transport.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d B", c.Transport.ReadBufferSize))
	addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPNoDelay))

	return sb.String()
}
