package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewExecutionCmd создаёт группу команд для журнала выполнений.
func NewExecutionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Inspect workflow executions",
	}

	cmd.AddCommand(
		newExecutionRecentCmd(clientFn, outputFn),
		newExecutionShowCmd(clientFn, outputFn),
	)

	return cmd
}

func addExecutionFlags(cmd *cobra.Command, opts *ListExecutionsOpts) {
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (pending, running, completed, failed, rate_limited)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Maximum number of executions")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip first N executions")
}

func printExecutions(out *Output, execs []ExecutionResponse) {
	headers := []string{"ID", "WORKFLOW", "TRIGGERED", "EVENT", "STATUS", "REASON", "CONTEXT", "DURATION"}
	rows := make([][]string, len(execs))
	for i, e := range execs {
		rows[i] = []string{
			e.ID,
			e.WorkflowID,
			shortTime(e.TriggeredAt),
			e.TriggerType,
			e.Status,
			orDash(e.RejectReason),
			orDash(e.ContextKey),
			fmt.Sprintf("%dms", e.DurationMs),
		}
	}
	out.Print(headers, rows, execs)
}

func newExecutionRecentCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListExecutionsOpts

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recent executions across all workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			execs, err := client.ListRecentExecutions(opts)
			if err != nil {
				return err
			}

			printExecutions(out, execs)
			return nil
		},
	}

	addExecutionFlags(cmd, &opts)
	return cmd
}

func newExecutionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show execution details with action results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			e, err := client.GetExecution(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(e)
				return nil
			}

			out.Details([][2]string{
				{"ID", e.ID},
				{"Workflow", e.WorkflowID},
				{"Event", e.TriggerType},
				{"Status", e.Status},
				{"Reject reason", orDash(e.RejectReason)},
				{"Context key", orDash(e.ContextKey)},
				{"Triggered", shortTime(e.TriggeredAt)},
				{"Started", shortTime(e.StartedAt)},
				{"Completed", shortTime(e.CompletedAt)},
				{"Duration", fmt.Sprintf("%dms", e.DurationMs)},
				{"Error", orDash(e.ErrorMessage)},
			}, e)

			if len(e.ActionsExecuted) > 0 {
				rows := make([][]string, len(e.ActionsExecuted))
				for i, a := range e.ActionsExecuted {
					rows[i] = []string{
						strconv.Itoa(i + 1), a.ActionType, a.Status,
						fmt.Sprintf("%dms", a.DurationMs), orDash(a.ErrorMessage),
					}
				}
				out.Table([]string{"#", "ACTION", "STATUS", "DURATION", "ERROR"}, rows)
			}
			return nil
		},
	}
}
