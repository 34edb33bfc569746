package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewActionConfigCmd создаёт группу команд для конфигураций действий.
func NewActionConfigCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action-config",
		Short: "Manage reusable action configurations",
	}

	cmd.AddCommand(
		newActionConfigListCmd(clientFn, outputFn),
		newActionConfigCreateCmd(clientFn, outputFn),
		newActionConfigDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

var actionConfigHeaders = []string{"ID", "NAME", "TYPE", "KEYS", "UPDATED"}

func actionConfigRow(c ActionConfigResponse) []string {
	return []string{c.ID, c.Name, c.Type, fmt.Sprint(len(c.Config)), shortTime(c.UpdatedAt)}
}

func newActionConfigListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List action configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			configs, err := client.ListActionConfigs()
			if err != nil {
				return err
			}

			rows := make([][]string, len(configs))
			for i, c := range configs {
				rows[i] = actionConfigRow(c)
			}

			out.Print(actionConfigHeaders, rows, configs)
			return nil
		},
	}
}

func newActionConfigCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		req        CreateActionConfigRequest
		configJSON string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an action config",
		Example: `  celerywatch action-config create --name ops-slack --type slack.notify \
    --config '{"webhook_url": "https://hooks.slack.com/services/..."}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &req.Config); err != nil {
					return fmt.Errorf("--config must be a JSON object: %w", err)
				}
			}

			cfg, err := client.CreateActionConfig(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Action config created: %s", cfg.ID))
			out.Print(actionConfigHeaders, [][]string{actionConfigRow(*cfg)}, cfg)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Config name (required)")
	cmd.Flags().StringVar(&req.Type, "type", "", "Action type: slack.notify, email.send, webhook.call, task.retry (required)")
	cmd.Flags().StringVar(&req.Description, "description", "", "Description")
	cmd.Flags().StringVar(&configJSON, "config", "", "Config values as a JSON object")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("type")

	return cmd
}

func newActionConfigDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an action config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteActionConfig(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Action config deleted: %s", args[0]))
			return nil
		},
	}
}
