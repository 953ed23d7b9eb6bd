// Package tunnel opens and closes one- or two-hop SSH port forwards
// for published entry points, launched as detached subprocesses with a
// recognisable process name so teardown can pkill -f them.
package tunnel

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/types"
)

// Manager launches and tears down SSH forward subprocesses.
type Manager struct {
	LocalUser string // account used for the local SSH hop
}

// New creates a Manager.
func New(localUser string) *Manager {
	return &Manager{LocalUser: localUser}
}

func marker(rangeID string, port int, suffix string) string {
	if suffix != "" {
		return fmt.Sprintf("ct%s_%d_%s", rangeID, port, suffix)
	}
	return fmt.Sprintf("ct%s_%d", rangeID, port)
}

// OpenDirect launches a local forward publishedPort -> target:targetPort.
func (m *Manager) OpenDirect(ctx context.Context, rangeID string, publishedPort int, targetHost string, targetPort int) (types.Tunnel, error) {
	mk := marker(rangeID, publishedPort, "")
	if err := m.launch(ctx, mk, publishedPort, targetHost, targetPort); err != nil {
		return types.Tunnel{}, cyerr.Wrap(cyerr.TunnelError, "OpenDirect", rangeID, err)
	}
	return types.Tunnel{
		Mode:           types.TunnelModeDirect,
		ProcessMarkers: []string{mk},
		LocalPort:      publishedPort,
		TargetHost:     targetHost,
		TargetPort:     targetPort,
	}, nil
}

// OpenGateway launches the gateway-side hop first (publishedPort ->
// localhost:publishedPort on gatewayHost), then the local hop to the
// real target. Creation is transactional: if the second hop fails,
// the first is killed before the error surfaces.
func (m *Manager) OpenGateway(ctx context.Context, rangeID string, publishedPort int, gatewayHost, targetHost string, targetPort int) (types.Tunnel, error) {
	gwMarker := marker(rangeID, publishedPort, "gw")
	if err := m.launchRemote(ctx, gatewayHost, gwMarker, publishedPort, "localhost", publishedPort); err != nil {
		return types.Tunnel{}, cyerr.Wrap(cyerr.TunnelError, "OpenGateway.remote", rangeID, err)
	}

	localMarker := marker(rangeID, publishedPort, "")
	if err := m.launch(ctx, localMarker, publishedPort, targetHost, targetPort); err != nil {
		m.killMarker(ctx, gwMarker)
		return types.Tunnel{}, cyerr.Wrap(cyerr.TunnelError, "OpenGateway.local", rangeID, err)
	}

	return types.Tunnel{
		Mode:           types.TunnelModeGateway,
		ProcessMarkers: []string{localMarker, gwMarker},
		LocalPort:      publishedPort,
		TargetHost:     targetHost,
		TargetPort:     targetPort,
		GatewayHost:    gatewayHost,
	}, nil
}

// Close tears down every process marker belonging to t.
func (m *Manager) Close(ctx context.Context, t types.Tunnel) error {
	for _, mk := range t.ProcessMarkers {
		m.killMarker(ctx, mk)
	}
	return nil
}

// controlPath gives the spawned ssh process a unique control socket and,
// since the path is a literal argv token, doubles as the process marker
// killMarker's "pkill -f mk" matches against — pkill inspects argv, not
// environment, so the marker has to live in the command line itself.
func controlPath(mk string) string {
	return fmt.Sprintf("/tmp/cyris-tunnel-%s.sock", mk)
}

func (m *Manager) launch(ctx context.Context, mk string, localPort int, targetHost string, targetPort int) error {
	forward := fmt.Sprintf("0.0.0.0:%d:%s:%d", localPort, targetHost, targetPort)
	cmd := exec.CommandContext(ctx, "ssh", "-f", "-N",
		"-L", forward,
		"-o", "PermitLocalCommand=no",
		"-o", "ControlPath="+controlPath(mk),
		fmt.Sprintf("%s@localhost", m.LocalUser))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("launch tunnel %s: %w (output: %s)", mk, err, out)
	}
	return nil
}

func (m *Manager) launchRemote(ctx context.Context, host, mk string, remotePort int, targetHost string, targetPort int) error {
	forward := fmt.Sprintf("0.0.0.0:%d:%s:%d", remotePort, targetHost, targetPort)
	cmd := exec.CommandContext(ctx, "ssh", "-f", "-N",
		"-L", forward,
		"-o", "ControlPath="+controlPath(mk),
		fmt.Sprintf("%s@%s", m.LocalUser, host))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("launch remote tunnel %s on %s: %w (output: %s)", mk, host, err, out)
	}
	return nil
}

func (m *Manager) killMarker(ctx context.Context, mk string) {
	if err := exec.CommandContext(ctx, "pkill", "-f", mk).Run(); err != nil {
		log.WithComponent("tunnel").Debug().Str("marker", mk).Msg("pkill found no matching process (already gone)")
	}
}
