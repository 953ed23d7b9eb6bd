// Package gateway allocates published ports, generates transient
// credentials, and orchestrates entry-point creation through the
// tunnel manager, emitting the operator-facing access notification.
package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/tunnel"
	"github.com/cyberrange/cyris/pkg/types"
)

// Config validates the gateway settings the orchestrator received.
type Config struct {
	Enabled       bool
	Account       string
	MgmtAddr      string
	InsideAddr    string
	PortRangeLow  int
	PortRangeHigh int
	PasswordLen   int
}

// Validate enforces the presence of gateway settings when enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Account == "" || c.MgmtAddr == "" {
		return cyerr.Wrap(cyerr.ConfigError, "Config.Validate", "", fmt.Errorf("gateway mode requires account and mgmt_addr"))
	}
	return nil
}

// Service allocates ports and brokers entry-point creation for a
// single orchestrator process.
type Service struct {
	cfg     Config
	tunnels *tunnel.Manager

	mu         sync.Mutex
	usedPorts  map[int]bool
}

// New creates a Service.
func New(cfg Config, tunnels *tunnel.Manager) *Service {
	return &Service{cfg: cfg, tunnels: tunnels, usedPorts: make(map[int]bool)}
}

// SeedUsedPorts marks ports already published by ranges recovered from
// the registry as in use, so a restarted orchestrator never republishes
// a port an existing tunnel still owns.
func (s *Service) SeedUsedPorts(ports []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range ports {
		s.usedPorts[p] = true
	}
}

func (s *Service) allocatePort() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	low, high := s.cfg.PortRangeLow, s.cfg.PortRangeHigh
	if low == 0 && high == 0 {
		low, high = 60000, 65000
	}
	for p := low; p <= high; p++ {
		if !s.usedPorts[p] {
			s.usedPorts[p] = true
			return p, nil
		}
	}
	return 0, cyerr.Wrap(cyerr.GatewayError, "allocatePort", "", fmt.Errorf("no free published port in [%d, %d]", low, high))
}

func (s *Service) releasePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usedPorts, port)
}

// GeneratePassword returns a random alphanumeric password of length n
// (default 12).
func GeneratePassword(n int) (string, error) {
	if n <= 0 {
		n = 12
	}
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// CreateEntryPoint allocates a port, generates credentials, and
// instantiates the tunnel (direct or gateway-mediated depending on
// s.cfg.Enabled) fronting a guest instance.
func (s *Service) CreateEntryPoint(ctx context.Context, rangeID, instanceID, guestID, targetHost string, targetPort int, account string) (types.EntryPoint, types.Tunnel, error) {
	if err := s.cfg.Validate(); err != nil {
		return types.EntryPoint{}, types.Tunnel{}, err
	}

	port, err := s.allocatePort()
	if err != nil {
		return types.EntryPoint{}, types.Tunnel{}, err
	}

	password, err := GeneratePassword(s.cfg.PasswordLen)
	if err != nil {
		s.releasePort(port)
		return types.EntryPoint{}, types.Tunnel{}, cyerr.Wrap(cyerr.GatewayError, "CreateEntryPoint", rangeID, err)
	}

	var t types.Tunnel
	if s.cfg.Enabled {
		t, err = s.tunnels.OpenGateway(ctx, rangeID, port, s.cfg.MgmtAddr, targetHost, targetPort)
	} else {
		t, err = s.tunnels.OpenDirect(ctx, rangeID, port, targetHost, targetPort)
	}
	if err != nil {
		s.releasePort(port)
		return types.EntryPoint{}, types.Tunnel{}, err
	}

	ep := types.EntryPoint{
		RangeID:       rangeID,
		InstanceID:    instanceID,
		GuestID:       guestID,
		PublishedPort: port,
		TargetHost:    targetHost,
		TargetPort:    targetPort,
		Account:       account,
		Password:      password,
		CreatedAt:     time.Now(),
	}
	return ep, t, nil
}

// ReleaseEntryPoint tears down t and frees its published port for
// reuse by subsequent ranges.
func (s *Service) ReleaseEntryPoint(ctx context.Context, ep types.EntryPoint, t types.Tunnel) error {
	if err := s.tunnels.Close(ctx, t); err != nil {
		return err
	}
	s.releasePort(ep.PublishedPort)
	return nil
}

// AccessNotification renders the operator-facing string listing, per
// entry point, the SSH command to run and the credentials.
func AccessNotification(host string, entryPoints []types.EntryPoint) string {
	msg := "Cyber range access details:\n"
	for _, ep := range entryPoints {
		msg += fmt.Sprintf("  ssh -p %d %s@%s  (password: %s)\n", ep.PublishedPort, ep.Account, host, ep.Password)
	}
	return msg
}
