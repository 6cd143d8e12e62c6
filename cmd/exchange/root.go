package exchange

import (
	"context"
	"errors"
	"net/http"
	"time"

	cmdUtil "github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	serveConfig = &common.ServerConfig{}

	// ExchangeCommands represents the exchange command group
	ExchangeCommands = &cobra.Command{
		Use:   "exchange",
		Short: "Run or benchmark the exchange broker",
	}

	serveCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start the exchange broker",
		Long:    `Start the exchange broker (key value, locks, channels). The configuration can be set via command line flags or environment variables. The format of the environment variables is DSYNC_<flag> (e.g. DSYNC_LOCK_TTL=30s)`,
		PreRunE: processServeConfig,
		RunE:    runServe,
	}
)

func init() {
	ExchangeCommands.AddCommand(serveCmd)
	ExchangeCommands.AddCommand(perfCmd)

	key := "endpoint"
	serveCmd.Flags().String(key, "0.0.0.0:7070", cmdUtil.WrapString("The address on which the broker will listen (host:port for tcp and ws, a socket path for unix)"))

	key = "lock-ttl"
	serveCmd.Flags().Duration(key, 0, cmdUtil.WrapString("Lease ttl of a lock. A lock held longer is considered abandoned (0 disables the ttl, locks are still released when their connection closes)"))

	key = "lock-poll-interval"
	serveCmd.Flags().Duration(key, 50*time.Millisecond, cmdUtil.WrapString("How often waiting lockers recheck an expired lease"))

	key = "metrics-endpoint"
	serveCmd.Flags().String(key, "", cmdUtil.WrapString("Address of an http endpoint exposing prometheus metrics under /metrics (disabled if empty)"))

	key = "transport-write-buffer"
	serveCmd.Flags().Int(key, 512, cmdUtil.WrapString("The size of the write buffer of every connection (in KB)"))

	key = "transport-read-buffer"
	serveCmd.Flags().Int(key, 512, cmdUtil.WrapString("The size of the read buffer of every connection (in KB)"))

	key = "transport-tcp-nodelay"
	serveCmd.Flags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	serveCmd.Flags().Int(key, 0, cmdUtil.WrapString("The keepalive interval of a connection (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	serveCmd.Flags().Int(key, 0, cmdUtil.WrapString("The linger time of a connection (in seconds, only for tcp)"))
}

// processServeConfig converts flags and environment variables into the broker configuration
func processServeConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	*serveConfig = BrokerConfig(viper.GetString("endpoint"))
	serveConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	return common.InitLoggers(serveConfig.LogLevel)
}

// BrokerConfig reads the broker configuration of the global and socket flags
// from viper. The serve command of the application server uses it to embed a
// broker.
func BrokerConfig(endpoint string) common.ServerConfig {
	return common.ServerConfig{
		Transport:        viper.GetString("transport"),
		Endpoint:         endpoint,
		Serializer:       viper.GetString("serializer"),
		SocketConf:       cmdUtil.GetSocketConf(),
		LockTTL:          viper.GetDuration("lock-ttl"),
		LockPollInterval: viper.GetDuration("lock-poll-interval"),
		LogLevel:         viper.GetString("log-level"),
	}
}

// runServe starts the broker and the optional metrics endpoint
func runServe(cmd *cobra.Command, _ []string) error {
	g, ctx := errgroup.WithContext(cmd.Context())
	if err := StartBroker(ctx, g, *serveConfig); err != nil {
		return err
	}
	if serveConfig.MetricsEndpoint != "" {
		g.Go(func() error {
			return serveMetrics(ctx, serveConfig.MetricsEndpoint)
		})
	}
	return g.Wait()
}

// StartBroker runs a broker with config on g until ctx is done
func StartBroker(ctx context.Context, g *errgroup.Group, config common.ServerConfig) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}
	broker := server.NewExchangeServer(config, t, s)
	g.Go(func() error {
		return broker.Serve(ctx)
	})
	return nil
}

func serveMetrics(ctx context.Context, endpoint string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		server.WriteMetrics(w)
	})
	srv := &http.Server{Addr: endpoint, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	server.Logger.Infof("Serving metrics on %s/metrics", endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
