// Command cyris is the operator CLI for the range orchestrator: a thin
// adapter that parses a description file or flags, calls into
// pkg/orchestrator, and renders the result — it holds no orchestration
// logic of its own, mirroring cmd/warren's root-command/subcommand-group
// split between CLI plumbing and the manager/worker packages it drives.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyberrange/cyris/pkg/config"
	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/orchestrator"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cyris",
	Short: "cyris — provisions and tears down cyber range VM ensembles",
	Long: `cyris provisions declared topologies of KVM virtual machines into a
cyber range, configures them over SSH, and tears them down on command,
tracking every range in a persistent on-disk registry.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cyris version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to cyris config file (YAML)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(sshInfoCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(setupPermissionsCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadSettings resolves the validated config.Settings record for every
// subcommand that talks to an orchestrator, honoring --config and the
// CYRIS_ environment overrides layered on top.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newOrchestrator(cmd *cobra.Command) (*orchestrator.Orchestrator, error) {
	settings, err := loadSettings(cmd)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o, err := orchestrator.New(settings)
	if err != nil {
		return nil, fmt.Errorf("start orchestrator: %w", err)
	}
	return o, nil
}
