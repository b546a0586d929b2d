package main

import (
	"fmt"
	"os"

	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kypseli",
	Short: "Multi-agent swarm coordinator",
	Long: `Kypseli runs a swarm of agents that share a memory store and a
message channel, and turns objectives into task plans it executes
across the swarm.

Run 'kypseli serve' to start a coordinator, then drive it with
'kypseli ctl' or the HTTP API.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kypseli %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $KYPSELI_CONFIG or config/kypseli.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(objectiveCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config named by --config, falling back to
// config.Path, and returns it with the path it was read from.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}
