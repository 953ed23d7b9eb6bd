package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyberrange/cyris/pkg/diskbuilder"
)

var setupPermissionsCmd = &cobra.Command{
	Use:   "setup-permissions",
	Short: "Grant the libvirt daemon account ACL traversal into the cyber range directory",
	Long: `Under qemu:///system, the libvirt daemon runs as a different
account than the operator and cannot traverse into a session-owned
disk directory by default. This walks the cyber range directory tree
applying setfacl so libvirt can read the overlay disks it is handed.
A no-op under qemu:///session.`,
	RunE: runSetupPermissions,
}

func init() {
	setupPermissionsCmd.Flags().String("libvirt-user", "libvirt-qemu", "Account the libvirt daemon runs as")
}

func runSetupPermissions(cmd *cobra.Command, args []string) error {
	libvirtUser, _ := cmd.Flags().GetString("libvirt-user")

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	builder := diskbuilder.New(settings.CyberRangeDir)
	if err := builder.ApplyPermissions(context.Background(), settings.LibvirtURI, libvirtUser); err != nil {
		return err
	}
	fmt.Printf("permissions applied under %s for %s\n", settings.CyberRangeDir, libvirtUser)
	return nil
}
