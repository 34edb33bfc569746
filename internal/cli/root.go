package cli

import (
	"github.com/spf13/cobra"
)

// DefaultAPIURL: адрес API по умолчанию.
const DefaultAPIURL = "http://localhost:8080"

// NewRootCmd собирает корневую команду celerywatch.
func NewRootCmd(version string) *cobra.Command {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "celerywatch",
		Short:         "celerywatch CLI: manage Celery monitoring workflows",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", DefaultAPIURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *Client { return NewClient(apiURL) }
	outputFn := func() *Output { return NewOutputTo(jsonOutput, rootCmd.OutOrStdout(), rootCmd.ErrOrStderr()) }

	rootCmd.AddCommand(
		NewWorkflowCmd(clientFn, outputFn),
		NewExecutionCmd(clientFn, outputFn),
		NewActionConfigCmd(clientFn, outputFn),
	)

	return rootCmd
}
