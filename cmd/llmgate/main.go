package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "llmgate",
		Short: "Multi-dimensional rate limiter for LLM backends",
		Long:  "Run the llmgate daemon to expose limiter stats and metrics, coordinating instances through Redis when clustering is enabled",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (JSON or YAML)")
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(loadgenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
