package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cyberrange/cyris/pkg/types"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known ranges",
	RunE:  runList,
}

func init() {
	listCmd.Flags().String("range-id", "", "Show only this range")
	listCmd.Flags().Bool("all", false, "Include DESTROYED ranges")
	listCmd.Flags().Bool("verbose", false, "Show IP assignments and task results")
}

func runList(cmd *cobra.Command, args []string) error {
	rangeID, _ := cmd.Flags().GetString("range-id")
	all, _ := cmd.Flags().GetBool("all")
	verbose, _ := cmd.Flags().GetBool("verbose")

	o, err := newOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer o.Stop()

	metas := o.List()
	fmt.Printf("%-20s %-10s %-20s %s\n", "RANGE ID", "STATUS", "CREATED", "OWNER")
	for _, m := range metas {
		if rangeID != "" && m.RangeID != rangeID {
			continue
		}
		if !all && m.Status == types.RangeStatusDestroyed {
			continue
		}
		fmt.Printf("%-20s %-10s %-20s %s\n",
			m.RangeID, m.Status, m.CreatedAt.Format("2006-01-02 15:04:05"), m.Owner)
		if verbose {
			for iid, ip := range m.IPAssignments {
				fmt.Printf("    %s -> %s\n", iid, ip)
			}
			for _, tr := range m.TaskResults {
				outcome := "ok"
				if !tr.Success {
					outcome = "FAILED: " + tr.Error
				}
				fmt.Printf("    [%s] %s/%s: %s\n", tr.GuestID, tr.TaskID, tr.Kind, outcome)
			}
		}
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status <range-id>",
	Short: "Show a range's lifecycle status and domain states",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("verbose", false, "Show resource ids")
}

func runStatus(cmd *cobra.Command, args []string) error {
	rangeID := args[0]
	verbose, _ := cmd.Flags().GetBool("verbose")

	o, err := newOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer o.Stop()

	meta, res, states, err := o.Status(context.Background(), rangeID)
	if err != nil {
		return err
	}

	fmt.Printf("Range: %s\n", meta.RangeID)
	fmt.Printf("  Status: %s\n", meta.Status)
	fmt.Printf("  Created: %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Last Modified: %s\n", meta.LastModified.Format("2006-01-02 15:04:05"))
	if len(states) > 0 {
		fmt.Println("  Domains:")
		for name, state := range states {
			fmt.Printf("    %s: %s\n", name, state)
		}
	}
	if verbose {
		fmt.Printf("  Networks: %s\n", strings.Join(res.NetworkNames, ", "))
		fmt.Printf("  Disks: %s\n", strings.Join(res.DiskPaths, ", "))
		if len(meta.TaskResults) > 0 {
			fmt.Println("  Task results:")
			for _, tr := range meta.TaskResults {
				outcome := "ok"
				if !tr.Success {
					outcome = "FAILED: " + tr.Error
				}
				fmt.Printf("    [%s] %s/%s: %s\n", tr.GuestID, tr.TaskID, tr.Kind, outcome)
			}
		}
	}
	return nil
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <range-id>",
	Short: "Tear down a range's VMs, networks, disks, and tunnels",
	Args:  cobra.ExactArgs(1),
	RunE:  runDestroy,
}

func init() {
	destroyCmd.Flags().Bool("force", false, "No effect on destroy itself, which proceeds for any range not already DESTROYED; passed on to the --rm step")
	destroyCmd.Flags().Bool("rm", false, "Also remove the range's registry entry and directory")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	rangeID := args[0]
	force, _ := cmd.Flags().GetBool("force")
	remove, _ := cmd.Flags().GetBool("rm")

	o, err := newOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer o.Stop()

	ctx := context.Background()
	if err := o.Destroy(ctx, rangeID, force); err != nil {
		return err
	}
	fmt.Printf("range %s destroyed\n", rangeID)

	if remove {
		if err := o.Remove(ctx, rangeID, force); err != nil {
			return err
		}
		fmt.Printf("range %s removed from registry\n", rangeID)
	}
	return nil
}

var rmCmd = &cobra.Command{
	Use:   "rm <range-id>",
	Short: "Remove a range's registry entry and directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

func init() {
	rmCmd.Flags().Bool("force", false, "Force-destroy a non-terminal range before removing it")
}

func runRm(cmd *cobra.Command, args []string) error {
	rangeID := args[0]
	force, _ := cmd.Flags().GetBool("force")

	o, err := newOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer o.Stop()

	if err := o.Remove(context.Background(), rangeID, force); err != nil {
		return err
	}
	fmt.Printf("range %s removed\n", rangeID)
	return nil
}

var sshInfoCmd = &cobra.Command{
	Use:   "ssh-info <range-id>",
	Short: "Print per-VM SSH connection details for a range",
	Args:  cobra.ExactArgs(1),
	RunE:  runSSHInfo,
}

func runSSHInfo(cmd *cobra.Command, args []string) error {
	rangeID := args[0]

	o, err := newOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer o.Stop()

	meta, res, states, err := o.Status(context.Background(), rangeID)
	if err != nil {
		return err
	}

	if len(res.InstanceDomains) == 0 {
		fmt.Printf("range %s has no domains\n", rangeID)
		return nil
	}

	entryPointByInstance := make(map[string]types.EntryPoint, len(res.EntryPoints))
	for _, ep := range res.EntryPoints {
		entryPointByInstance[ep.InstanceID] = ep
	}

	fmt.Printf("SSH info for range %s:\n", rangeID)
	for iid, domName := range res.InstanceDomains {
		ip := meta.IPAssignments[iid]
		fmt.Printf("  %s (%s)  state=%s", iid, domName, states[domName])
		if ip != "" {
			fmt.Printf("  ssh <account>@%s\n", ip)
		} else {
			fmt.Println("  (no IP assigned yet)")
		}
		if ep, ok := entryPointByInstance[iid]; ok {
			fmt.Printf("    published: ssh -p %d %s@<gateway-host>  (password: %s)\n", ep.PublishedPort, ep.Account, ep.Password)
		}
	}
	return nil
}
