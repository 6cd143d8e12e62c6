package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	exchange    *client.Exchange
	waitTimeout time.Duration
	holdFor     time.Duration

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:                "lock",
		Short:              "Perform lock operations on the exchange broker",
		PersistentPreRunE:  setupLockClient,
		PersistentPostRunE: closeLockClient,
	}

	// holdCmd represents the hold command
	holdCmd = &cobra.Command{
		Use:   "hold [name]",
		Short: "Acquire a lock and hold it",
		Long:  "Acquire a lock and hold it for the given duration or until interrupted. Broker locks belong to their connection, so the lock is released when the command exits.",
		Args:  cobra.ExactArgs(1),
		RunE:  runHold,
	}

	// statusCmd represents the status command
	statusCmd = &cobra.Command{
		Use:   "status [name]",
		Short: "Check whether a lock is held",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
)

func init() {
	// Add subcommands to lock command
	LockCommands.AddCommand(holdCmd)
	LockCommands.AddCommand(statusCmd)

	// Add common exchange flags to the lock command
	util.SetupExchangeClientFlags(LockCommands)

	// Add flags specific to hold
	holdCmd.Flags().DurationVar(&waitTimeout, "wait", 30*time.Second, "How long to wait for the lock (negative waits forever, 0 fails at once if taken)")
	holdCmd.Flags().DurationVar(&holdFor, "for", 0, "How long to hold the lock (0 holds until interrupted)")
}

// setupLockClient connects to the exchange broker
func setupLockClient(cmd *cobra.Command, _ []string) error {
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

func closeLockClient(*cobra.Command, []string) error {
	return exchange.Close()
}

// runHold handles the hold command
func runHold(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := cmd.Context()

	l, err := exchange.Lock(ctx, name, waitTimeout)
	if errors.Is(err, client.ErrLockTimeout) {
		fmt.Printf("acquired=false\n")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	fmt.Printf("acquired=true, ownerId=%s\n", l.OwnerID())

	var expired <-chan time.Time
	if holdFor > 0 {
		expired = time.After(holdFor)
	}
	select {
	case <-ctx.Done():
	case <-expired:
	case <-exchange.Done():
		return fmt.Errorf("connection to exchange lost, lock %s released", name)
	}

	if err := l.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Printf("released=true\n")
	return nil
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	locked, err := exchange.IsLocked(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("locked=%v\n", locked)
	return nil
}
