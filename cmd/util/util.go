package util

import (
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/ipc"
	"github.com/ValentinKolb/dLink/rpc/transport/tcp"
	"github.com/ValentinKolb/dLink/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (e.g. DLINK_TIMEOUT=15)
	EnvPrefix = "dlink"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and makes viper read environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds the session and transport flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the handshake and of every request (0 = wait forever)"))

	key = "close-timeout"
	cmd.PersistentFlags().Int(key, 5, WrapString("How long closing the session waits for the receiver (in seconds, 0 = wait forever)"))

	key = "background-workers"
	cmd.PersistentFlags().Int(key, 4, WrapString("Number of goroutines processing responses in background"))

	key = "user"
	cmd.PersistentFlags().String(key, "", WrapString("User presented in the handshake (anonymous if empty)"))

	key = "password"
	cmd.PersistentFlags().String(key, "", WrapString("Password presented in the handshake"))

	key = "transport-endpoint"
	cmd.PersistentFlags().String(key, "localhost:8080", WrapString("The address of the server: host:port for tcp, the socket base name (e.g. /tmp/dlink.sock) for ipc"))

	key = "transport-slots"
	cmd.PersistentFlags().Int(key, common.DefaultMaxSlots, WrapString("Number of requests in flight per session, further requests are queued"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY for the transport (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval for the transport (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("The linger time for the transport (in seconds, only for tcp)"))
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		TimeoutSecond:      viper.GetInt("timeout"),
		CloseTimeoutSecond: viper.GetInt("close-timeout"),
		BackgroundWorkers:  viper.GetInt("background-workers"),
		Transport: common.ClientTransportConfig{
			Endpoint: viper.GetString("transport-endpoint"),
			MaxSlots: viper.GetInt("transport-slots"),
			SocketConf: common.SocketConf{
				WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
			},
			TCPConf: common.TCPConf{
				TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
				TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			},
		},
	}
}

// GetCredential returns the credential configured by the user flags
func GetCredential() common.Credential {
	if user := viper.GetString("user"); user != "" {
		return common.UserPasswordCredential{User: user, Password: viper.GetString("password")}
	}
	return common.NullCredential{}
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	s, ok := serializer.ByName(viper.GetString("serializer"))
	if !ok {
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
	return s, nil
}

// GetConnector creates the connector of the configured transport
func GetConnector(config common.ClientConfig, ser serializer.IRPCSerializer) (transport.IConnector, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewConnector(config, ser), nil
	case "ipc":
		return ipc.NewConnector(config, ser), nil
	case "unix":
		return unix.NewConnector(config, ser), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// GetServerTransport creates the server side of the configured transport
func GetServerTransport() (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "ipc":
		return ipc.NewIPCServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// ParseUsers parses a comma-separated list of user:password pairs
func ParseUsers(s string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, password, ok := strings.Cut(entry, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("invalid user format: %s (expected user:password)", entry)
		}
		users[user] = password
	}
	return users, nil
}
