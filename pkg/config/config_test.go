package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyris.yaml")
	require.NoError(t, os.WriteFile(path, []byte("libvirt_uri: qemu:///system\nmax_ssh_connections: 25\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qemu:///system", s.LibvirtURI)
	assert.Equal(t, 25, s.MaxSSHConnections)
	assert.Equal(t, Default().PortRangeStart, s.PortRangeStart)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyris.yaml")
	require.NoError(t, os.WriteFile(path, []byte("libvirt_uri: qemu:///system\n"), 0o644))

	t.Setenv("CYRIS_LIBVIRT_URI", "qemu+ssh://host/system")
	t.Setenv("CYRIS_MAX_SSH_CONNECTIONS", "3")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qemu+ssh://host/system", s.LibvirtURI)
	assert.Equal(t, 3, s.MaxSSHConnections)
}

func TestLoad_GatewayModeRequiresAccountAndAddr(t *testing.T) {
	t.Setenv("CYRIS_GW_MODE", "true")
	_, err := Load("")
	assert.EqualError(t, err, "gw_mode requires gw_account and gw_mgmt_addr")
}

func TestValidate_RejectsInvertedPortRange(t *testing.T) {
	s := Default()
	s.PortRangeStart, s.PortRangeEnd = 65000, 60000
	assert.Error(t, s.Validate())
}

func TestValidate_RejectsNonPositiveSSHConnections(t *testing.T) {
	s := Default()
	s.MaxSSHConnections = 0
	assert.Error(t, s.Validate())
}
