// Package descfile parses the three-section range description YAML
// file into a types.Description. The on-disk shape is a list of three
// single-key documents (host_settings, guest_settings, clone_settings)
// rather than one object, and each guest's tasks are encoded as single-
// key maps keyed by task kind, so the loosely-typed YAML body is decoded
// by dispatching on a discriminator key rather than unmarshalling
// straight into a typed struct.
package descfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/types"
)

// Load reads and parses the description file at path.
func Load(path string) (types.Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Description{}, cyerr.Wrap(cyerr.ConfigError, "descfile.Load", "", fmt.Errorf("read %s: %w", path, err))
	}
	desc, err := Parse(data)
	if err != nil {
		return types.Description{}, cyerr.Wrap(cyerr.ConfigError, "descfile.Load", "", err)
	}
	return desc, nil
}

// Parse decodes the raw bytes of a description file.
func Parse(data []byte) (types.Description, error) {
	var sections []map[string]interface{}
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return types.Description{}, fmt.Errorf("parse description: %w", err)
	}

	var desc types.Description
	var rawGuests []rawGuestTemplate

	for _, section := range sections {
		for key, val := range section {
			switch key {
			case "host_settings":
				if err := remarshal(val, &desc.Hosts); err != nil {
					return desc, fmt.Errorf("host_settings: %w", err)
				}
			case "guest_settings":
				if err := remarshal(val, &rawGuests); err != nil {
					return desc, fmt.Errorf("guest_settings: %w", err)
				}
			case "clone_settings":
				if err := remarshal(val, &desc.Clones); err != nil {
					return desc, fmt.Errorf("clone_settings: %w", err)
				}
			default:
				return desc, fmt.Errorf("unknown top-level section %q", key)
			}
		}
	}

	for _, rg := range rawGuests {
		guest, err := rg.toGuestTemplate()
		if err != nil {
			return desc, fmt.Errorf("guest %s: %w", rg.ID, err)
		}
		desc.Guests = append(desc.Guests, guest)
	}

	return desc, nil
}

// rawGuestTemplate mirrors types.GuestTemplate but leaves Tasks as the
// loosely-typed form it actually appears in on disk.
type rawGuestTemplate struct {
	ID               string                   `yaml:"id"`
	BaseVMHost       string                   `yaml:"basevm_host"`
	BaseVMConfigFile string                   `yaml:"basevm_config_file,omitempty"`
	BaseVMType       types.BaseVMKind         `yaml:"basevm_type"`
	BaseVMOSType     string                   `yaml:"basevm_os_type"`
	IPAddr           string                   `yaml:"ip_addr,omitempty"`
	RootPasswd       string                   `yaml:"root_passwd,omitempty"`
	Tasks            []map[string]interface{} `yaml:"tasks,omitempty"`
}

func (rg rawGuestTemplate) toGuestTemplate() (types.GuestTemplate, error) {
	g := types.GuestTemplate{
		ID:               rg.ID,
		BaseVMHost:       rg.BaseVMHost,
		BaseVMConfigFile: rg.BaseVMConfigFile,
		BaseVMType:       rg.BaseVMType,
		BaseVMOSType:     rg.BaseVMOSType,
		IPAddr:           rg.IPAddr,
		RootPasswd:       rg.RootPasswd,
	}
	tasks, err := parseTasks(rg.Tasks)
	if err != nil {
		return g, err
	}
	g.Tasks = tasks
	return g, nil
}

// parseTasks converts the on-disk list of single-key task maps into
// types.Task values. A key's value may be a single parameter map or a
// list of parameter maps — the latter expands to one Task per entry.
func parseTasks(raw []map[string]interface{}) ([]types.Task, error) {
	var tasks []types.Task
	for _, entry := range raw {
		if len(entry) != 1 {
			return nil, fmt.Errorf("task entry must have exactly one key, got %d", len(entry))
		}
		for kindStr, val := range entry {
			kind := types.TaskKind(kindStr)
			paramMaps, err := asParamMapList(val)
			if err != nil {
				return nil, fmt.Errorf("task %q: %w", kindStr, err)
			}
			for _, pm := range paramMaps {
				t, err := buildTask(kind, pm)
				if err != nil {
					return nil, fmt.Errorf("task %q: %w", kindStr, err)
				}
				tasks = append(tasks, t)
			}
		}
	}
	return tasks, nil
}

func asParamMapList(val interface{}) ([]map[string]interface{}, error) {
	switch v := val.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("list entry must be a map")
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value must be a map or a list of maps")
	}
}

func buildTask(kind types.TaskKind, params map[string]interface{}) (types.Task, error) {
	t := types.Task{Kind: kind}
	switch kind {
	case types.TaskAddAccount:
		var p types.AddAccountParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.AddAccount = &p
	case types.TaskModifyAccount:
		var p types.AddAccountParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.ModifyAccount = &p
	case types.TaskInstallPackage:
		var p types.InstallPackageParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.InstallPackage = &p
	case types.TaskCopyContent:
		var p types.CopyContentParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.CopyContent = &p
	case types.TaskExecuteProgram:
		var p types.ExecuteProgramParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.ExecuteProgram = &p
	case types.TaskEmulateAttack:
		var p types.EmulateAttackParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.EmulateAttack = &p
	case types.TaskEmulateMalware:
		var p types.EmulateMalwareParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.EmulateMalware = &p
	case types.TaskEmulateTrafficCapture:
		var p types.EmulateTrafficParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.EmulateTraffic = &p
	case types.TaskFirewallRules:
		var p types.FirewallRulesParams
		if err := remarshal(params, &p); err != nil {
			return t, err
		}
		t.FirewallRules = &p
	default:
		return t, fmt.Errorf("unknown task kind")
	}
	return t, nil
}

// remarshal round-trips v through YAML into out, the simplest way to
// turn a loosely-typed map[string]interface{} tree into a concrete
// struct without hand-writing a field-by-field converter per shape.
func remarshal(v interface{}, out interface{}) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}
