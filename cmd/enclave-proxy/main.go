package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "2.0.0"

var (
	configFile string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "enclave-proxy",
		Short: "In-enclave proxy agent",
		Long:  "Brokers the enclave's outbound I/O to the parent host proxy over vsock and supervises the user workload",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env overrides)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("enclave-proxy %s\n", version)
		},
	}
}
