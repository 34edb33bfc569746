package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewWorkflowCmd создаёт группу команд для управления workflows.
func NewWorkflowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflows",
	}

	cmd.AddCommand(
		newWorkflowListCmd(clientFn, outputFn),
		newWorkflowShowCmd(clientFn, outputFn),
		newWorkflowCreateCmd(clientFn, outputFn),
		newWorkflowUpdateCmd(clientFn, outputFn),
		newWorkflowDeleteCmd(clientFn, outputFn),
		newWorkflowToggleCmd(clientFn, outputFn, true),
		newWorkflowToggleCmd(clientFn, outputFn, false),
		newWorkflowTestCmd(clientFn, outputFn),
		newWorkflowExecutionsCmd(clientFn, outputFn),
	)

	return cmd
}

var workflowHeaders = []string{"ID", "NAME", "TRIGGER", "ENABLED", "PRIORITY", "EXECUTIONS", "LAST EXECUTED"}

func workflowRow(wf WorkflowResponse) []string {
	return []string{
		wf.ID,
		wf.Name,
		wf.Trigger.Type,
		strconv.FormatBool(wf.Enabled),
		strconv.Itoa(wf.Priority),
		fmt.Sprintf("%d (%d ok / %d failed)", wf.ExecutionCount, wf.SuccessCount, wf.FailureCount),
		shortTime(wf.LastExecutedAt),
	}
}

func newWorkflowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			workflows, err := client.ListWorkflows()
			if err != nil {
				return err
			}

			rows := make([][]string, len(workflows))
			for i, wf := range workflows {
				rows[i] = workflowRow(wf)
			}

			out.Print(workflowHeaders, rows, workflows)
			return nil
		},
	}
}

func newWorkflowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show workflow details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			wf, err := client.GetWorkflow(args[0])
			if err != nil {
				return err
			}

			actions := make([]string, len(wf.Actions))
			for i, a := range wf.Actions {
				actions[i] = a.Type
				if a.ContinueOnFailure {
					actions[i] += " (continue on failure)"
				}
			}

			breaker := "-"
			if len(wf.CircuitBreaker) > 0 && string(wf.CircuitBreaker) != "null" {
				breaker = string(wf.CircuitBreaker)
			}
			conditions := "-"
			if len(wf.Conditions) > 0 && string(wf.Conditions) != "null" {
				conditions = string(wf.Conditions)
			}

			out.Details([][2]string{
				{"ID", wf.ID},
				{"Name", wf.Name},
				{"Description", orDash(wf.Description)},
				{"Enabled", strconv.FormatBool(wf.Enabled)},
				{"Trigger", wf.Trigger.Type},
				{"Priority", strconv.Itoa(wf.Priority)},
				{"Cooldown", fmt.Sprintf("%ds", wf.CooldownSeconds)},
				{"Max per hour", strconv.Itoa(wf.MaxExecutionsPerHour)},
				{"Circuit breaker", breaker},
				{"Conditions", conditions},
				{"Actions", strings.Join(actions, " -> ")},
				{"Executions", fmt.Sprintf("%d (%d ok / %d failed)", wf.ExecutionCount, wf.SuccessCount, wf.FailureCount)},
				{"Last executed", shortTime(wf.LastExecutedAt)},
				{"Updated", shortTime(wf.UpdatedAt)},
			}, wf)
			return nil
		},
	}
}

func newWorkflowCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from a JSON definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			definition, err := readJSON(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			wf, err := client.CreateWorkflow(definition)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow created: %s", wf.ID))
			out.Print(workflowHeaders, [][]string{workflowRow(*wf)}, wf)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to workflow JSON, - for stdin (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newWorkflowUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Replace a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			definition, err := readJSON(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			wf, err := client.UpdateWorkflow(args[0], definition)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow updated: %s", wf.ID))
			out.Print(workflowHeaders, [][]string{workflowRow(*wf)}, wf)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to workflow JSON, - for stdin (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newWorkflowDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a workflow (execution history is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteWorkflow(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow deleted: %s", args[0]))
			return nil
		},
	}
}

func newWorkflowToggleCmd(clientFn func() *Client, outputFn func() *Output, enabled bool) *cobra.Command {
	use, short, verb := "disable ID", "Disable a workflow", "disabled"
	if enabled {
		use, short, verb = "enable ID", "Enable a workflow", "enabled"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			wf, err := client.SetWorkflowEnabled(args[0], enabled)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow %s: %s", verb, wf.ID))
			out.Print(workflowHeaders, [][]string{workflowRow(*wf)}, wf)
			return nil
		},
	}
}

func newWorkflowTestCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		file string
		sets []string
	)

	cmd := &cobra.Command{
		Use:   "test ID",
		Short: "Dry-run a workflow against a synthetic event",
		Long: `Dry-run a workflow against a synthetic event.

Nothing is executed and nothing is recorded: cooldown, hourly cap and
circuit breaker are not consulted. The event type defaults to the
workflow trigger.

  celerywatch workflow test ID --set task_name=payments.charge --set retries=3
  celerywatch workflow test ID -f event.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			event := map[string]any{}
			if file != "" {
				raw, err := readJSON(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &event); err != nil {
					return fmt.Errorf("%s: event must be a JSON object: %w", file, err)
				}
			}
			if err := parseSetFlags(sets, event); err != nil {
				return err
			}

			res, err := client.TestWorkflow(args[0], event)
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(res)
				return nil
			}

			out.Details([][2]string{
				{"Trigger matched", strconv.FormatBool(res.TriggerMatched)},
				{"Conditions met", strconv.FormatBool(res.ConditionsMet)},
				{"Would execute", strconv.FormatBool(res.WouldExecute)},
				{"Notes", orDash(strings.Join(res.Notes, "; "))},
			}, res)

			if len(res.Conditions) > 0 {
				rows := make([][]string, len(res.Conditions))
				for i, c := range res.Conditions {
					rows[i] = []string{
						c.Path, c.Field, c.Operator,
						fmt.Sprint(c.Expected), fmt.Sprint(c.Actual), strconv.FormatBool(c.Matched),
					}
				}
				out.Table([]string{"PATH", "FIELD", "OPERATOR", "EXPECTED", "ACTUAL", "MATCHED"}, rows)
			}

			rows := make([][]string, len(res.Actions))
			for i, a := range res.Actions {
				params, _ := json.Marshal(a.Params)
				rows[i] = []string{strconv.Itoa(i + 1), a.Type, string(params), orDash(a.RenderError)}
			}
			out.Table([]string{"#", "ACTION", "PARAMS", "RENDER ERROR"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to event JSON, - for stdin")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Event field as key=value (repeatable)")

	return cmd
}

func newWorkflowExecutionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListExecutionsOpts

	cmd := &cobra.Command{
		Use:   "executions ID",
		Short: "List executions of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			execs, err := client.ListWorkflowExecutions(args[0], opts)
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
