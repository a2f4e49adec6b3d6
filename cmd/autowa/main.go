package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "autowa",
	Short: "Local WhatsApp automation engine",
	Long: `autowa answers WhatsApp Business messages with a generative model,
remembers each conversation, and executes send, draft and schedule commands.

Run "autowa serve" to start the webhook server, then use the other
commands to inspect and steer it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(autoreplyCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// usageError is returned for bad arguments that cobra cannot catch.
func usageError(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
