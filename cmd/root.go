// Package cmd is the clawlite CLI: the gateway daemon plus a small
// chat client for talking to a running gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawlite/clawlite/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/clawlite/clawlite/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clawlite",
	Short: "ClawLite — a personal always-on agent",
	Long: "ClawLite runs a single personal agent as a long-lived process: chat channels,\n" +
		"scheduled jobs, skills, and long-term memory behind one gateway.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <state>/config.json or $CLAWLITE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(versionCmd())
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway daemon (channels, scheduler, HTTP/WS API)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawlite %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CLAWLITE_CONFIG"); v != "" {
		return v
	}
	state := os.Getenv("CLAWLITE_STATE")
	if state == "" {
		state = config.Default().State
	}
	return config.ConfigPath(config.ExpandHome(state))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
