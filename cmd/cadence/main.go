package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "cadence",
	Short:         "Adaptive multi-touch outreach sequences",
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
	rootCmd.AddCommand(cadencesCmd)
	rootCmd.AddCommand(sequenceCmd)
	rootCmd.AddCommand(touchesCmd)
	rootCmd.AddCommand(outcomeCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(meetingCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
