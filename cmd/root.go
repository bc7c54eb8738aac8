package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dLink/cmd/call"
	"github.com/ValentinKolb/dLink/cmd/serve"
	"github.com/ValentinKolb/dLink/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dlink",
		Short: "client transport for a database server",
		Long: fmt.Sprintf(`dLink (v%s)

The client transport of a database server written in Go. It multiplexes
concurrent requests over one session and streams query results out of band.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dLink",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dLink v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(call.CallCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer of the frame headers (binary, json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, ipc, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
