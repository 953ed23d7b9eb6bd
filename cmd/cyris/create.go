package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyberrange/cyris/pkg/descfile"
	"github.com/cyberrange/cyris/pkg/orchestrator"
)

var createCmd = &cobra.Command{
	Use:   "create <description.yml>",
	Short: "Provision a cyber range from a description file",
	Long: `Parse a three-section range description (host_settings,
guest_settings, clone_settings) and provision every declared host,
network, and guest, running post-boot tasks before the range is
marked ACTIVE.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().String("range-id", "", "Override the range id from clone_settings")
	createCmd.Flags().Bool("dry-run", false, "Validate and plan without issuing any libvirt call")
	createCmd.Flags().String("network-mode", "", "Force network mode: user or bridge")
	createCmd.Flags().Bool("enable-ssh", true, "Enable SSH-reachable guests")
	createCmd.Flags().String("display-name", "", "Human-readable name recorded in metadata")
	createCmd.Flags().String("owner", "", "Owner recorded in metadata")
}

func runCreate(cmd *cobra.Command, args []string) error {
	descPath := args[0]
	rangeIDFlag, _ := cmd.Flags().GetString("range-id")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	networkMode, _ := cmd.Flags().GetString("network-mode")
	enableSSH, _ := cmd.Flags().GetBool("enable-ssh")
	displayName, _ := cmd.Flags().GetString("display-name")
	owner, _ := cmd.Flags().GetString("owner")

	desc, err := descfile.Load(descPath)
	if err != nil {
		return fmt.Errorf("load description: %w", err)
	}

	rangeID := rangeIDFlag
	if rangeID == "" {
		if len(desc.Clones) == 0 {
			return fmt.Errorf("description has no clone_settings entry and no --range-id given")
		}
		rangeID = desc.Clones[0].RangeID
	}

	o, err := newOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer o.Stop()

	opts := orchestrator.CreateOptions{
		DryRun:      dryRun,
		NetworkMode: networkMode,
		EnableSSH:   enableSSH,
		DisplayName: displayName,
		Owner:       owner,
	}

	if err := o.Create(context.Background(), rangeID, desc, opts); err != nil {
		return fmt.Errorf("create range %s: %w", rangeID, err)
	}

	if dryRun {
		fmt.Printf("dry run OK: range %s validated, no infrastructure changes made\n", rangeID)
		return nil
	}
	fmt.Printf("range %s is ACTIVE\n", rangeID)
	return nil
}
