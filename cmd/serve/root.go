package serve

import (
	"fmt"

	"github.com/ValentinKolb/dSync/cmd/exchange"
	cmdUtil "github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/database/memdb"
	"github.com/ValentinKolb/dSync/lib/filestore"
	"github.com/ValentinKolb/dSync/live/server"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	serveConfig = &server.Config{}

	// ServeCmd starts the application server
	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the dSync application server",
		Long: `Start the application server with the todo and file controllers. Clients connect with a websocket on the configured path. ` +
			`All state shared between servers goes through the exchange broker, which can be embedded with --embed-exchange. ` +
			`The configuration can be set via command line flags or environment variables. The format of the environment variables is DSYNC_<flag> (e.g. DSYNC_JWT_KEY=secret)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cmdUtil.SetupExchangeClientFlags(ServeCmd)

	key := "endpoint"
	ServeCmd.Flags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the application server will listen"))

	key = "path"
	ServeCmd.Flags().String(key, server.DefaultPath, cmdUtil.WrapString("The http path of the websocket endpoint"))

	key = "chunk-size"
	ServeCmd.Flags().Int(key, 0, cmdUtil.WrapString("The largest message sent in one frame in bytes (0 uses the default)"))

	key = "write-timeout"
	ServeCmd.Flags().Duration(key, server.DefaultWriteTimeout, cmdUtil.WrapString("The timeout of a single frame write"))

	key = "metrics"
	ServeCmd.Flags().Bool(key, false, cmdUtil.WrapString("Expose prometheus metrics under /metrics"))

	key = "jwt-key"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("HMAC key of the accepted JWT tokens (anonymous access if empty)"))

	key = "jwt-issuer"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Required issuer of the JWT tokens (any issuer if empty)"))

	key = "data-dir"
	ServeCmd.Flags().String(key, "data", cmdUtil.WrapString("The directory of the file store content"))

	key = "embed-exchange"
	ServeCmd.Flags().Bool(key, false, cmdUtil.WrapString("Run an exchange broker in this process on the exchange endpoint"))
}

// processConfig converts flags and environment variables into the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	*serveConfig = server.Config{
		Endpoint:     viper.GetString("endpoint"),
		Path:         viper.GetString("path"),
		ChunkSize:    viper.GetInt("chunk-size"),
		WriteTimeout: viper.GetDuration("write-timeout"),
		Metrics:      viper.GetBool("metrics"),
		LogLevel:     viper.GetString("log-level"),
	}
	if serveConfig.ChunkSize < 0 {
		return fmt.Errorf("invalid chunk size %d", serveConfig.ChunkSize)
	}
	return common.InitLoggers(serveConfig.LogLevel)
}

func run(cmd *cobra.Command, _ []string) error {
	g, ctx := errgroup.WithContext(cmd.Context())

	if viper.GetBool("embed-exchange") {
		if err := exchange.StartBroker(ctx, g, exchange.BrokerConfig(viper.GetString("exchange-endpoint"))); err != nil {
			return err
		}
	}

	ex, err := cmdUtil.ConnectExchangeRetry(ctx)
	if err != nil {
		return err
	}
	defer ex.Close()

	db := memdb.New(ex)
	files := filestore.New(filestore.Config{Dir: viper.GetString("data-dir")}, afero.NewOsFs(), ex, db)

	srv := server.New(*serveConfig, Actions(db, files), ex, db)
	if key := viper.GetString("jwt-key"); key != "" {
		srv.SetAuthenticator(server.NewJWTAuthenticator([]byte(key), viper.GetString("jwt-issuer")))
	}

	if viper.GetString("log-level") == "debug" {
		fmt.Fprint(cmd.OutOrStdout(), serveConfig.String())
		fmt.Fprint(cmd.OutOrStdout(), cmdUtil.GetClientConfig().String())
	}

	g.Go(func() error {
		return srv.Listen(ctx)
	})
	g.Go(func() error {
		// a lost broker connection stops the server
		select {
		case <-ctx.Done():
			return nil
		case <-ex.Done():
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("exchange connection lost")
		}
	})
	return g.Wait()
}
