package call

import (
	"context"
	"github.com/ValentinKolb/dLink/cmd/util"
	"github.com/ValentinKolb/dLink/rpc/client"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
)

var (
	session *client.Session

	// CallCommands represents the call command group
	CallCommands = &cobra.Command{
		Use:                "call",
		Short:              "Call the services of a dLink server",
		PersistentPreRunE:  setupSession,
		PersistentPostRunE: closeSession,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the call command
	util.SetupRPCClientFlags(CallCommands)

	CallCommands.PersistentFlags().Bool("metrics", false, util.WrapString("Print the transport metrics in Prometheus text format after the command"))
	CallCommands.PersistentFlags().String("log-level", "error", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	// Add subcommands
	CallCommands.AddCommand(echoCmd)
	CallCommands.AddCommand(statusCmd)
	CallCommands.AddCommand(queryCmd)
	CallCommands.AddCommand(perfTestCmd)
}

// setupSession establishes the session used by all subcommands
func setupSession(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	config := util.GetClientConfig()

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	connector, err := util.GetConnector(*config, s)
	if err != nil {
		return err
	}

	session, err = client.Connect(context.Background(), connector, util.GetCredential(), *config)
	return err
}

// closeSession closes the session and optionally prints the metrics
func closeSession(_ *cobra.Command, _ []string) error {
	var err error
	if session != nil {
		err = session.Close()
	}
	if viper.GetBool("metrics") {
		base.WriteMetrics(os.Stdout)
	}
	return err
}
