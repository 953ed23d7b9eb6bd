// Package config loads the environment settings record the orchestrator
// is handed at start-up: a YAML file plus CYRIS_-prefixed environment
// overrides, validated before anything downstream trusts it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the validated environment record. Parsing the CLI's
// config file and environment is out of this module's scope per the
// orchestrator's contract; this package exists to produce the record
// the orchestrator and its collaborators receive.
type Settings struct {
	CyrisPath       string `yaml:"cyris_path"`
	CyberRangeDir   string `yaml:"cyber_range_dir"`
	GatewayMode     bool   `yaml:"gw_mode"`
	GatewayAccount  string `yaml:"gw_account"`
	GatewayMgmtAddr string `yaml:"gw_mgmt_addr"`
	GatewayInsideAddr string `yaml:"gw_inside_addr"`
	UserEmail       string `yaml:"user_email"`

	LibvirtURI       string `yaml:"libvirt_uri"`
	DefaultSubnet    string `yaml:"default_subnet"`
	MaxSSHConnections int   `yaml:"max_ssh_connections"`
	PortRangeStart   int    `yaml:"port_range_start"`
	PortRangeEnd     int    `yaml:"port_range_end"`
	ReconcileInterval string `yaml:"reconcile_interval"` // empty disables
	MetricsAddr       string `yaml:"metrics_addr"`       // empty disables the serve command's HTTP listener

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// Default returns the baseline settings used when no file is present.
func Default() Settings {
	return Settings{
		CyberRangeDir:     "/var/lib/cyris/ranges",
		LibvirtURI:        "qemu:///session",
		DefaultSubnet:     "192.168.122.0/24",
		MaxSSHConnections: 10,
		PortRangeStart:    60000,
		PortRangeEnd:      65000,
		MetricsAddr:       ":9477",
		LogLevel:          "info",
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies CYRIS_ environment overrides, then validates.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&s)

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func applyEnvOverrides(s *Settings) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("CYRIS_" + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv("CYRIS_" + key); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv("CYRIS_" + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("PATH", &s.CyrisPath)
	str("CYBER_RANGE_DIR", &s.CyberRangeDir)
	boolean("GW_MODE", &s.GatewayMode)
	str("GW_ACCOUNT", &s.GatewayAccount)
	str("GW_MGMT_ADDR", &s.GatewayMgmtAddr)
	str("GW_INSIDE_ADDR", &s.GatewayInsideAddr)
	str("USER_EMAIL", &s.UserEmail)
	str("LIBVIRT_URI", &s.LibvirtURI)
	str("DEFAULT_SUBNET", &s.DefaultSubnet)
	integer("MAX_SSH_CONNECTIONS", &s.MaxSSHConnections)
	integer("PORT_RANGE_START", &s.PortRangeStart)
	integer("PORT_RANGE_END", &s.PortRangeEnd)
	str("RECONCILE_INTERVAL", &s.ReconcileInterval)
	str("METRICS_ADDR", &s.MetricsAddr)
	str("LOG_LEVEL", &s.LogLevel)
	boolean("LOG_JSON", &s.LogJSON)
}

// Validate checks invariants that must hold before the orchestrator
// trusts a Settings record.
func (s Settings) Validate() error {
	if s.CyberRangeDir == "" {
		return fmt.Errorf("cyber_range_dir must not be empty")
	}
	if s.PortRangeStart <= 0 || s.PortRangeEnd <= s.PortRangeStart {
		return fmt.Errorf("invalid port range [%d, %d]", s.PortRangeStart, s.PortRangeEnd)
	}
	if s.MaxSSHConnections <= 0 {
		return fmt.Errorf("max_ssh_connections must be positive")
	}
	if s.GatewayMode {
		if s.GatewayAccount == "" || s.GatewayMgmtAddr == "" {
			return fmt.Errorf("gw_mode requires gw_account and gw_mgmt_addr")
		}
	}
	return nil
}
