package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"gamepilot/internal/client"
)

type options struct {
	server     string
	token      string
	outputJSON bool
}

// NewRootCmd builds the gamepilotctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "gamepilotctl",
		Short: "Control a running gamepilotd",
		Long: `gamepilotctl submits automation tasks to gamepilotd and controls them.

Examples:
  # Validate an action file without a server
  gamepilotctl validate daily.yaml

  # Queue it as an urgent task
  gamepilotctl submit -f daily.yaml --name "daily login" --priority urgent

  # Inspect the queue or one task
  gamepilotctl status
  gamepilotctl status <task-id>`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("GAMEPILOT_SERVER", "http://127.0.0.1:7171"), "gamepilotd address")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("GAMEPILOT_AUTH_TOKEN"), "API bearer token")
	root.PersistentFlags().BoolVarP(&opts.outputJSON, "json", "j", false, "print JSON")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newControlCmd(opts, "pause", "Pause the running execution of a task"),
		newControlCmd(opts, "resume", "Resume a paused task"),
		newControlCmd(opts, "stop", "Stop or cancel the current execution of a task"),
		newLogsCmd(opts),
		newValidateCmd(opts),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) client() *client.Client {
	return client.New(o.server, o.token)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func progress(p float64) string {
	return fmt.Sprintf("%.0f%%", p*100)
}
