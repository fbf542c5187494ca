package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"gamepilot/internal/action"
	"gamepilot/internal/client"
	"gamepilot/internal/core"
)

func newSubmitCmd(opts *options) *cobra.Command {
	var (
		file, name, taskType, priority string
		retries                        int
	)
	cmd := &cobra.Command{
		Use:   "submit -f <actions.yaml>",
		Short: "Create a task from an action file and queue it",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			specs, _, err := action.ParseYAML(data)
			if err != nil {
				return err
			}
			p, err := core.ParsePriority(priority)
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			}
			res, err := opts.client().Submit(cmd.Context(), client.SubmitRequest{
				Name:       name,
				Type:       core.TaskType(taskType),
				Priority:   p,
				Actions:    specs,
				MaxRetries: retries,
			})
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s queued as execution %s (%s)\n", res.Task.ID, res.ExecutionID, p)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "action file (YAML or JSON)")
	cmd.Flags().StringVar(&name, "name", "", "task name (default: file name)")
	cmd.Flags().StringVar(&taskType, "type", string(core.TaskTypeCustom), "task type")
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "urgent, high, medium or low")
	cmd.Flags().IntVar(&retries, "retries", 0, "extra attempts after a failed run")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show the queue, or one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c := opts.client()
			if len(args) == 1 {
				task, err := c.Task(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.outputJSON {
					return printJSON(out, task)
				}
				fmt.Fprintf(out, "%s  %s\n", task.ID, task.Name)
				fmt.Fprintf(out, "  status:   %s\n", task.Status)
				fmt.Fprintf(out, "  type:     %s\n", task.Type)
				fmt.Fprintf(out, "  priority: %s\n", task.Priority)
				fmt.Fprintf(out, "  retries:  %d/%d\n", task.RetryCount, task.MaxRetries)
				if task.Execution != nil {
					fmt.Fprintf(out, "  execution %s: %s %s\n", task.Execution.ExecutionID, task.Execution.State, progress(task.Execution.Progress))
				}
				return nil
			}

			status, err := c.QueueStatus(cmd.Context())
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return printJSON(out, status)
			}
			fmt.Fprintln(out, "PRIORITY  QUEUED")
			for _, p := range core.Priorities {
				fmt.Fprintf(out, "%-8s  %d\n", p, status.Depths[p])
			}
			st := status.Stats
			fmt.Fprintf(out, "\nactive %d  total %d  completed %d  failed %d  cancelled %d  timed out %d\n",
				status.ActiveCount, st.TotalTasks, st.CompletedTasks, st.FailedTasks, st.CancelledTasks, st.TimedOutTasks)
			for _, w := range status.Workers {
				state := "idle"
				if w.Busy {
					state = "busy " + w.CurrentExecutionID
				}
				fmt.Fprintf(out, "%s  %s  (%d done)\n", w.WorkerID, state, w.TasksCompleted)
			}
			return nil
		},
	}
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a queued or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "execution %s cancelled\n", args[0])
			return nil
		},
	}
}

func newControlCmd(opts *options, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Control(cmd.Context(), args[0], op); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requested for task %s\n", op, args[0])
			return nil
		},
	}
}

func newLogsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Print the execution log of a task, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := opts.client().Logs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return printJSON(cmd.OutOrStdout(), logs)
			}
			for i := len(logs) - 1; i >= 0; i-- {
				l := logs[i]
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-5s %s\n", l.CreatedAt.Local().Format("15:04:05.000"), l.Level, l.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of records")
	return cmd
}

// newValidateCmd checks action files locally.
func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <actions.yaml>...",
		Short: "Check action files without contacting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err == nil {
					var actions []action.Action
					_, actions, err = action.ParseYAML(data)
					if err == nil {
						kinds := make([]string, 0, len(actions))
						for _, a := range actions {
							kinds = append(kinds, string(a.Kind()))
						}
						fmt.Fprintf(cmd.OutOrStdout(), "ok    %s: %d actions (%s)\n", path, len(actions), strings.Join(kinds, ", "))
						continue
					}
				}
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "error %s: %v\n", path, err)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files are invalid", failed, len(args))
			}
			return nil
		},
	}
}
