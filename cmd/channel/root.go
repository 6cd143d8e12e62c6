package channel

import (
	"fmt"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	exchange *client.Exchange

	// ChannelCommands represents the channel command group
	ChannelCommands = &cobra.Command{
		Use:                "channel",
		Short:              "Publish to and subscribe to exchange channels",
		PersistentPreRunE:  setupChannelClient,
		PersistentPostRunE: closeChannelClient,
	}

	publishCmd = &cobra.Command{
		Use:   "publish [channel] [message]",
		Short: "Publishes a message to every subscriber of a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := exchange.Publish(cmd.Context(), args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("published successfully")
			return nil
		},
	}

	subscribeCmd = &cobra.Command{
		Use:   "subscribe [channel]",
		Short: "Prints the messages of a channel until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubscribe,
	}

	entityCmd = &cobra.Command{
		Use:   "entity [entityName]",
		Short: "Prints the change events of an entity type until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runEntity,
	}
)

func init() {
	util.SetupExchangeClientFlags(ChannelCommands)

	ChannelCommands.AddCommand(publishCmd)
	ChannelCommands.AddCommand(subscribeCmd)
	ChannelCommands.AddCommand(entityCmd)
}

// setupChannelClient connects to the exchange broker
func setupChannelClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	var err error
	exchange, err = util.ConnectExchange()
	return err
}

func closeChannelClient(*cobra.Command, []string) error {
	return exchange.Close()
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	sub, err := exchange.Subscribe(cmd.Context(), args[0], func(payload []byte) {
		fmt.Printf("%s\n", payload)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	return wait(cmd)
}

func runEntity(cmd *cobra.Command, args []string) error {
	sub, err := exchange.SubscribeEntity(cmd.Context(), args[0], func(e *entity.Event) {
		switch e.Type {
		case entity.EventRemoveMany:
			fmt.Printf("%s ids=%v\n", e.Type, e.IDs)
		case entity.EventPatch:
			fmt.Printf("%s id=%s version=%d patch=%v\n", e.Type, e.ID, e.Version, e.Patch)
		default:
			fmt.Printf("%s id=%s version=%d item=%v\n", e.Type, e.ID, e.Version, e.Item)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	return wait(cmd)
}

// wait blocks until the command is interrupted or the broker is gone
func wait(cmd *cobra.Command) error {
	select {
	case <-cmd.Context().Done():
		return nil
	case <-exchange.Done():
		return fmt.Errorf("connection to exchange lost")
	}
}
