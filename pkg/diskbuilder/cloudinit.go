package diskbuilder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cyberrange/cyris/pkg/cyerr"
)

const userDataTemplate = `#cloud-config
users:
  - name: ubuntu
    shell: /bin/bash
    sudo: ALL=(ALL) NOPASSWD:ALL
network:
  version: 2
  ethernets:
    eth0:
      match:
        macaddress: "%s"
      dhcp4: true
`

const metaDataTemplate = `instance-id: %s
local-hostname: %s
`

// BuildSeedISO writes a minimal cloud-init NoCloud seed directory for
// domainName/mac and packs it into an ISO under the range's disks directory,
// using whichever of genisoimage or mkisofs is available on PATH.
func (b *Builder) BuildSeedISO(ctx context.Context, domainName, mac string) (string, error) {
	seedDir, err := os.MkdirTemp("", "cyris-seed-"+domainName)
	if err != nil {
		return "", cyerr.Wrap(cyerr.ResourceError, "BuildSeedISO", "", err)
	}
	defer os.RemoveAll(seedDir)

	userData := fmt.Sprintf(userDataTemplate, mac)
	metaData := fmt.Sprintf(metaDataTemplate, domainName, domainName)

	if err := os.WriteFile(filepath.Join(seedDir, "user-data"), []byte(userData), 0o644); err != nil {
		return "", cyerr.Wrap(cyerr.ResourceError, "BuildSeedISO", "", err)
	}
	if err := os.WriteFile(filepath.Join(seedDir, "meta-data"), []byte(metaData), 0o644); err != nil {
		return "", cyerr.Wrap(cyerr.ResourceError, "BuildSeedISO", "", err)
	}

	isoTool, err := seedISOTool()
	if err != nil {
		return "", cyerr.Wrap(cyerr.ConfigError, "BuildSeedISO", "", err)
	}

	if err := os.MkdirAll(b.disksDir(), 0o755); err != nil {
		return "", cyerr.Wrap(cyerr.ResourceError, "BuildSeedISO", "", err)
	}
	isoPath := filepath.Join(b.disksDir(), domainName+"-seed.iso")

	args := []string{"-output", isoPath, "-volid", "cidata", "-joliet", "-rock", seedDir}
	cmd := exec.CommandContext(ctx, isoTool, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", cyerr.Wrap(cyerr.VirtualizationError, "BuildSeedISO", "", fmt.Errorf("%s: %w (output: %s)", isoTool, err, out))
	}
	return isoPath, nil
}

// seedISOTool prefers genisoimage, falling back to mkisofs.
func seedISOTool() (string, error) {
	if path, err := exec.LookPath("genisoimage"); err == nil {
		return path, nil
	}
	if path, err := exec.LookPath("mkisofs"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("neither genisoimage nor mkisofs found on PATH")
}
