package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSync/cmd/call"
	"github.com/ValentinKolb/dSync/cmd/channel"
	"github.com/ValentinKolb/dSync/cmd/exchange"
	"github.com/ValentinKolb/dSync/cmd/kv"
	"github.com/ValentinKolb/dSync/cmd/lock"
	"github.com/ValentinKolb/dSync/cmd/serve"
	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsync",
		Short: "realtime state synchronization",
		Long: fmt.Sprintf(`dSync (v%s)

Live entities, collections and streams for websocket clients. Application
servers share their state through an exchange broker offering key value
storage, locks and pub/sub channels.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSync v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(exchange.ExchangeCommands)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(channel.ChannelCommands)
	RootCmd.AddCommand(call.CallCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer of the exchange protocol (binary, json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport of the exchange protocol (tcp, unix, ws)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
// Commands get a context that is cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, cancel := util.SignalContext()
	err := RootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
