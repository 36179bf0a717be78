package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:     "autopilot-worker",
		Short:   "Autopilot worker - drives planning, execution and scheduled jobs",
		Version: Version,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", os.Getenv("CONFIG_FILE"), "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd(&opts))
	rootCmd.AddCommand(tickCmd(&opts))
	rootCmd.AddCommand(jobCmd(&opts))
	rootCmd.AddCommand(migrateCmd(&opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
