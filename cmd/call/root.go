package call

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	cmdUtil "github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/live/action"
	"github.com/ValentinKolb/dSync/live/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	callConfig = &client.Config{}

	// CallCmd calls an action of an application server
	CallCmd = &cobra.Command{
		Use:   "call [controller] [action] [args...]",
		Short: "Call an action of a dSync application server",
		Long: `Call an action and print its result. Every argument is parsed as JSON, arguments that are no valid JSON are sent as strings. ` +
			`With --follow entity, collection and stream results are printed on every change until the command is interrupted.`,
		Args:    cobra.MinimumNArgs(2),
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "url"
	CallCmd.Flags().String(key, "ws://localhost:8080/live", cmdUtil.WrapString("The websocket url of the application server"))

	key = "token"
	CallCmd.Flags().String(key, "", cmdUtil.WrapString("JWT token to authenticate with"))

	key = "chunk-size"
	CallCmd.Flags().Int(key, 0, cmdUtil.WrapString("The largest message sent in one frame in bytes (0 uses the default)"))

	key = "request-timeout"
	CallCmd.Flags().Duration(key, client.DefaultTimeout, cmdUtil.WrapString("The timeout of a single request"))

	key = "follow"
	CallCmd.Flags().BoolP(key, "f", false, cmdUtil.WrapString("Keep printing entity, collection and stream results until interrupted"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	*callConfig = client.Config{
		URL:       viper.GetString("url"),
		Token:     viper.GetString("token"),
		ChunkSize: viper.GetInt("chunk-size"),
		Timeout:   viper.GetDuration("request-timeout"),
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, err := client.Dial(ctx, *callConfig)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Call(ctx, args[0], args[1], parseArgs(args[2:])...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = res.Close(closeCtx)
	}()

	out := cmd.OutOrStdout()
	follow := viper.GetBool("follow")

	switch res.Kind {
	case action.ResultScalar:
		printJSON(out, res.Value)
		return nil

	case action.ResultEntity:
		if res.Entity == nil {
			fmt.Fprintln(out, "null")
			return nil
		}
		printValue(out, res.Entity.Value())
		if !follow {
			return nil
		}
		res.Entity.OnPatch(func(map[string]any) { printValue(out, res.Entity.Value()) })
		res.Entity.OnDeletion(func() { fmt.Fprintln(out, "deleted") })
		return wait(ctx, c, res.Entity.Done())

	case action.ResultCollection:
		col := res.Collection.Collection()
		select {
		case <-col.Ready():
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
		printValue(out, col.All())
		if !follow {
			return nil
		}
		col.Subscribe(func(e collection.Event) {
			fmt.Fprintf(out, "# %s (%d items)\n", e.Type, col.Count())
			printValue(out, col.All())
		})
		return wait(ctx, c, col.Done())

	case action.ResultStream:
		s, err := res.Stream.Subscribe(ctx)
		if err != nil {
			return err
		}
		if !follow {
			printValue(out, s.Value())
			return nil
		}
		s.Subscribe(subject.Observer[any]{
			Next:   func(v any) { printValue(out, v) },
			Append: func(any) { printValue(out, s.Value()) },
			Error:  func(err error) { fmt.Fprintf(out, "error: %v\n", err) },
		})
		return wait(ctx, c, s.Done())
	}
	return fmt.Errorf("unknown result kind %s", res.Kind)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseArgs decodes every argument as JSON, falling back to the plain string
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, a := range raw {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			args[i] = a
			continue
		}
		args[i] = v
	}
	return args
}

// wait blocks until done is closed, the command is interrupted or the connection is lost
func wait(ctx context.Context, c *client.Client, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}

func printJSON(out io.Writer, raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(out, string(raw))
		return
	}
	printValue(out, v)
}

func printValue(out io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(out, "%v\n", v)
		return
	}
	fmt.Fprintln(out, string(data))
}
