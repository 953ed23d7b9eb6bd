// Package diskbuilder prepares the bootable base image and per-VM
// copy-on-write overlays that the KVM provider boots from, and injects
// cloud-init seed ISOs for guests that need first-boot configuration.
package diskbuilder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/log"
)

// minBaseImageBytes is the floor below which a base image is treated
// as a trivial placeholder rather than a real disk.
const minBaseImageBytes = 1 << 20 // 1 MiB

// Builder creates overlay disks and seed ISOs under a range's disk
// directory.
type Builder struct {
	RangeDir      string // <cyber_range_dir>/<range_id>
	DefaultSizeGB int
}

// New creates a Builder rooted at rangeDir.
func New(rangeDir string) *Builder {
	return &Builder{RangeDir: rangeDir, DefaultSizeGB: 10}
}

func (b *Builder) disksDir() string {
	return filepath.Join(b.RangeDir, "disks")
}

// ResolveBaseImage locates a usable base image for a guest template:
// either a file alongside the template's XML config with a qcow2
// extension, or the given shared base image path. If the shared image
// is absent or trivially small, it is created as a blank qcow2 of the
// configured floor size so callers can still build overlays against it.
func (b *Builder) ResolveBaseImage(ctx context.Context, templateConfigPath, sharedBasePath string) (string, error) {
	if templateConfigPath != "" {
		candidate := withExt(templateConfigPath, ".qcow2")
		if info, err := os.Stat(candidate); err == nil && info.Size() > minBaseImageBytes {
			return candidate, nil
		}
	}

	if sharedBasePath != "" {
		if info, err := os.Stat(sharedBasePath); err == nil && info.Size() > minBaseImageBytes {
			return sharedBasePath, nil
		}
	}

	if sharedBasePath == "" {
		return "", cyerr.Wrap(cyerr.ConfigError, "ResolveBaseImage", "", fmt.Errorf("no base image available and no shared path configured"))
	}

	if err := b.createBlankImage(ctx, sharedBasePath, b.DefaultSizeGB); err != nil {
		return "", cyerr.Wrap(cyerr.ResourceError, "ResolveBaseImage", "", err)
	}
	return sharedBasePath, nil
}

func withExt(path, ext string) string {
	return path[:len(path)-len(filepath.Ext(path))] + ext
}

// CreateOverlay creates a copy-on-write qcow2 overlay for one domain,
// referencing base. Overlay files live under <range_dir>/disks/ so
// they are owned by the range.
func (b *Builder) CreateOverlay(ctx context.Context, domainName, base string) (string, error) {
	if err := os.MkdirAll(b.disksDir(), 0o755); err != nil {
		return "", cyerr.Wrap(cyerr.ResourceError, "CreateOverlay", "", fmt.Errorf("mkdir disks dir: %w", err))
	}
	overlay := filepath.Join(b.disksDir(), domainName+".qcow2")

	info, err := os.Stat(base)
	if err != nil || info.Size() <= minBaseImageBytes {
		log.WithComponent("diskbuilder").Warn().Str("base", base).Msg("base image trivial, creating blank overlay")
		if err := b.createBlankImage(ctx, overlay, b.DefaultSizeGB); err != nil {
			return "", cyerr.Wrap(cyerr.VirtualizationError, "CreateOverlay", "", err)
		}
		return overlay, nil
	}

	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", "-b", base, "-F", "qcow2", overlay)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", cyerr.Wrap(cyerr.VirtualizationError, "CreateOverlay", "", fmt.Errorf("qemu-img create: %w (output: %s)", err, out))
	}
	return overlay, nil
}

func (b *Builder) createBlankImage(ctx context.Context, path string, sizeGB int) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", path, fmt.Sprintf("%dG", sizeGB))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img create blank: %w (output: %s)", err, out)
	}
	return nil
}

// DeleteOverlay removes the overlay file for a domain. Missing files
// are not an error (idempotent destroy).
func (b *Builder) DeleteOverlay(domainName string) error {
	overlay := filepath.Join(b.disksDir(), domainName+".qcow2")
	if err := os.Remove(overlay); err != nil && !os.IsNotExist(err) {
		return cyerr.Wrap(cyerr.ResourceError, "DeleteOverlay", "", err)
	}
	return nil
}

// ApplyPermissions applies filesystem ACLs so the libvirt daemon
// account can traverse into and read a session-owned disk directory.
// Only needed when the hypervisor URI implies system-wide libvirt.
func (b *Builder) ApplyPermissions(ctx context.Context, libvirtURI, libvirtUser string) error {
	if !isSystemURI(libvirtURI) {
		return nil
	}
	dir := b.RangeDir
	for dir != "/" && dir != "." {
		cmd := exec.CommandContext(ctx, "setfacl", "-m", fmt.Sprintf("u:%s:x", libvirtUser), dir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return cyerr.Wrap(cyerr.ResourceError, "ApplyPermissions", "", fmt.Errorf("setfacl %s: %w (output: %s)", dir, err, out))
		}
		dir = filepath.Dir(dir)
	}
	cmd := exec.CommandContext(ctx, "setfacl", "-R", "-m", fmt.Sprintf("u:%s:rx", libvirtUser), b.disksDir())
	if out, err := cmd.CombinedOutput(); err != nil {
		return cyerr.Wrap(cyerr.ResourceError, "ApplyPermissions", "", fmt.Errorf("setfacl -R: %w (output: %s)", err, out))
	}
	return nil
}

func isSystemURI(uri string) bool {
	return uri == "qemu:///system" || uri == ""
}
