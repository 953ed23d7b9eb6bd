package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cyberrange/cyris/pkg/config"
)

var configShowCmd = &cobra.Command{
	Use:   "config-show",
	Short: "Print the resolved configuration",
	RunE:  runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

var configInitCmd = &cobra.Command{
	Use:   "config-init <path>",
	Short: "Write a default configuration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	force, _ := cmd.Flags().GetBool("force")

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	out, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("marshal default settings: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("wrote default configuration to %s\n", path)
	return nil
}
