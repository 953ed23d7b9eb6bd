// Package types defines cyris's domain model: hosts, guest templates,
// tasks, topology, and the persisted range metadata/resource records
// that the registry keeps across process restarts.
package types

import "time"

// Host is a physical or hypervisor machine that will run guests.
type Host struct {
	ID         string `json:"id" yaml:"id"`
	MgmtAddr   string `json:"mgmt_addr" yaml:"mgmt_addr"`
	VirbrAddr  string `json:"virbr_addr" yaml:"virbr_addr"`
	Account    string `json:"account" yaml:"account"`
}

// BaseVMKind identifies the provider that backs a guest template.
type BaseVMKind string

const (
	BaseVMKindKVM BaseVMKind = "kvm"
	BaseVMKindAWS BaseVMKind = "aws" // reserved, not implemented
)

// GuestTemplate describes a VM before it is cloned; one template may be
// instantiated many times within a range.
type GuestTemplate struct {
	ID              string     `json:"id" yaml:"id"`
	BaseVMHost      string     `json:"basevm_host" yaml:"basevm_host"`
	BaseVMConfigFile string    `json:"basevm_config_file,omitempty" yaml:"basevm_config_file,omitempty"`
	BaseVMType      BaseVMKind `json:"basevm_type" yaml:"basevm_type"`
	BaseVMOSType    string     `json:"basevm_os_type" yaml:"basevm_os_type"`
	IPAddr          string     `json:"ip_addr,omitempty" yaml:"ip_addr,omitempty"`
	RootPasswd      string     `json:"root_passwd,omitempty" yaml:"root_passwd,omitempty"`
	Tasks           []Task     `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// TaskKind enumerates the closed set of post-boot task variants.
type TaskKind string

const (
	TaskAddAccount           TaskKind = "add_account"
	TaskModifyAccount        TaskKind = "modify_account"
	TaskInstallPackage       TaskKind = "install_package"
	TaskCopyContent          TaskKind = "copy_content"
	TaskExecuteProgram       TaskKind = "execute_program"
	TaskEmulateAttack        TaskKind = "emulate_attack"
	TaskEmulateMalware       TaskKind = "emulate_malware"
	TaskEmulateTrafficCapture TaskKind = "emulate_traffic_capture"
	TaskFirewallRules        TaskKind = "firewall_rules"
)

// Task is a tagged variant: Kind selects which of the parameter structs
// below is populated. Exactly one should be non-nil; the executor
// switches on Kind exhaustively rather than probing for nil fields.
type Task struct {
	Kind TaskKind `json:"kind" yaml:"-"`

	AddAccount     *AddAccountParams     `json:"add_account,omitempty" yaml:"add_account,omitempty"`
	ModifyAccount  *AddAccountParams     `json:"modify_account,omitempty" yaml:"modify_account,omitempty"`
	InstallPackage *InstallPackageParams `json:"install_package,omitempty" yaml:"install_package,omitempty"`
	CopyContent    *CopyContentParams    `json:"copy_content,omitempty" yaml:"copy_content,omitempty"`
	ExecuteProgram *ExecuteProgramParams `json:"execute_program,omitempty" yaml:"execute_program,omitempty"`
	EmulateAttack  *EmulateAttackParams  `json:"emulate_attack,omitempty" yaml:"emulate_attack,omitempty"`
	EmulateMalware *EmulateMalwareParams `json:"emulate_malware,omitempty" yaml:"emulate_malware,omitempty"`
	EmulateTraffic *EmulateTrafficParams `json:"emulate_traffic_capture,omitempty" yaml:"emulate_traffic_capture,omitempty"`
	FirewallRules  *FirewallRulesParams  `json:"firewall_rules,omitempty" yaml:"firewall_rules,omitempty"`
}

type AddAccountParams struct {
	Account  string `json:"account" yaml:"account"`
	Passwd   string `json:"passwd" yaml:"passwd"`
	FullName string `json:"full_name,omitempty" yaml:"full_name,omitempty"`
}

type InstallPackageParams struct {
	Manager string `json:"manager" yaml:"manager"`
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

type CopyContentParams struct {
	Src string `json:"src" yaml:"src"`
	Dst string `json:"dst" yaml:"dst"`
}

type ExecuteProgramParams struct {
	Interpreter string   `json:"interpreter" yaml:"interpreter"`
	Program     string   `json:"program" yaml:"program"`
	Args        []string `json:"args,omitempty" yaml:"args,omitempty"`
}

type EmulateAttackParams struct {
	AttackType string            `json:"attack_type" yaml:"attack_type"`
	TargetIP   string            `json:"target_ip" yaml:"target_ip"`
	Options    map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

type EmulateMalwareParams struct {
	MalwareName string `json:"malware_name" yaml:"malware_name"`
}

type EmulateTrafficParams struct {
	Interface string `json:"interface" yaml:"interface"`
	Duration  int    `json:"duration_sec" yaml:"duration_sec"`
}

type FirewallRulesParams struct {
	Rules []string `json:"rules" yaml:"rules"`
}

// TaskResult is what the task executor records for one executed Task.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	GuestID  string        `json:"guest_id"`
	Kind     TaskKind      `json:"kind"`
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Network is one declared virtual network: a named set of member NICs
// of the form "<guest>.<nic>", with an optional gateway NIC.
type Network struct {
	Name      string   `json:"name" yaml:"name"`
	Members   []string `json:"members" yaml:"members"`
	GatewayNIC string  `json:"gateway_nic,omitempty" yaml:"gw,omitempty"`
	Subnet    string   `json:"subnet,omitempty" yaml:"subnet,omitempty"`
}

// ForwardingRule is a src-network -> dst-network rule declared on a
// gateway guest, translated to concrete firewall_rules task parameters
// by the topology engine.
type ForwardingRule struct {
	GatewayGuestID string `json:"gateway_guest_id" yaml:"gateway_guest_id"`
	SrcNetwork     string `json:"src_network" yaml:"src"`
	DstNetwork     string `json:"dst_network" yaml:"dst"`
}

// Topology is the set of networks and forwarding rules for one host's
// clone settings entry.
type Topology struct {
	Networks        []Network        `json:"networks" yaml:"networks"`
	ForwardingRules  []ForwardingRule `json:"forwarding_rules,omitempty" yaml:"forwarding_rules,omitempty"`
}

// CloneGuest is one guest template's instance count within a host's
// clone settings.
type CloneGuest struct {
	GuestID     string `json:"guest_id" yaml:"guest_id"`
	Number      int    `json:"number" yaml:"number"`
	EntryPoint  bool   `json:"entry_point,omitempty" yaml:"entry_point,omitempty"`
}

// CloneHost is one host's clone settings: how many instances of the
// host, which guests to clone onto it, and its topology.
type CloneHost struct {
	HostID         string       `json:"host_id" yaml:"host_id"`
	InstanceNumber int          `json:"instance_number" yaml:"instance_number"`
	Guests         []CloneGuest `json:"guests" yaml:"guests"`
	Topology       Topology     `json:"topology" yaml:"topology"`
}

// CloneSettings is the top-level clone_settings entry for a range.
type CloneSettings struct {
	RangeID string      `json:"range_id" yaml:"range_id"`
	Hosts   []CloneHost `json:"hosts" yaml:"hosts"`
}

// Description is the fully parsed three-section YAML range description.
type Description struct {
	Hosts   []Host          `yaml:"host_settings"`
	Guests  []GuestTemplate `yaml:"guest_settings"`
	Clones  []CloneSettings `yaml:"clone_settings"`
}

// RangeStatus is the lifecycle state of a range.
type RangeStatus string

const (
	RangeStatusCreating  RangeStatus = "CREATING"
	RangeStatusActive    RangeStatus = "ACTIVE"
	RangeStatusStopping  RangeStatus = "STOPPING"
	RangeStatusStopped   RangeStatus = "STOPPED"
	RangeStatusError     RangeStatus = "ERROR"
	RangeStatusDestroyed RangeStatus = "DESTROYED"
)

// RangeMetadata is the persisted, queryable record of one range.
type RangeMetadata struct {
	RangeID        string            `json:"range_id"`
	DisplayName    string            `json:"display_name,omitempty"`
	Description    string            `json:"description,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastModified   time.Time         `json:"last_modified"`
	Owner          string            `json:"owner,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Status         RangeStatus       `json:"status"`
	ProviderURI    string            `json:"provider_uri,omitempty"`
	IPAssignments  map[string]string `json:"ip_assignments,omitempty"`
	TaskResults    []TaskResult      `json:"task_results,omitempty"`
}

// RangeResources is the persisted list of resource ids a range owns.
type RangeResources struct {
	RangeID         string            `json:"range_id"`
	HostIDs         []string          `json:"host_ids,omitempty"`
	DomainNames     []string          `json:"domain_names,omitempty"`
	DiskPaths       []string          `json:"disk_paths,omitempty"`
	NetworkNames    []string          `json:"network_names,omitempty"`
	TunnelIDs       []string          `json:"tunnel_ids,omitempty"`
	InstanceDomains map[string]string `json:"instance_domains,omitempty"` // instance id -> domain name
	EntryPoints     []EntryPoint      `json:"entry_points,omitempty"`
}

// TunnelMode selects a direct or gateway-mediated SSH forward.
type TunnelMode string

const (
	TunnelModeDirect  TunnelMode = "direct"
	TunnelModeGateway TunnelMode = "gateway"
)

// Tunnel is one open (or torn-down) SSH port forward.
type Tunnel struct {
	ID              string     `json:"id"`
	Mode            TunnelMode `json:"mode"`
	ProcessMarkers  []string   `json:"process_markers"`
	LocalPort       int        `json:"local_port"`
	TargetHost      string     `json:"target_host"`
	TargetPort      int        `json:"target_port"`
	GatewayHost     string     `json:"gateway_host,omitempty"`
}

// EntryPoint is a published, SSH-reachable tuple fronting a guest
// instance.
type EntryPoint struct {
	RangeID       string    `json:"range_id"`
	InstanceID    string    `json:"instance_id"`
	GuestID       string    `json:"guest_id"`
	PublishedPort int       `json:"published_port"`
	TargetHost    string    `json:"target_host"`
	TargetPort    int       `json:"target_port"`
	Account       string    `json:"account"`
	Password      string    `json:"password"`
	TunnelID      string    `json:"tunnel_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// DomainState is the observed libvirt domain state, collapsed to the
// vocabulary the KVM provider reports through Status.
type DomainState string

const (
	DomainActive   DomainState = "active"
	DomainStopped  DomainState = "stopped"
	DomainPaused   DomainState = "paused"
	DomainUnknown  DomainState = "unknown"
	DomainNotFound DomainState = "not_found"
	DomainError    DomainState = "error"
)

// GuestInstance is one concrete VM cloned from a GuestTemplate.
type GuestInstance struct {
	InstanceID   string      `json:"instance_id"`
	TemplateID   string      `json:"template_id"`
	HostID       string      `json:"host_id"`
	DomainName   string      `json:"domain_name"`
	DiskPath     string      `json:"disk_path"`
	MAC          string      `json:"mac"`
	IP           string      `json:"ip,omitempty"`
	State        DomainState `json:"state"`
	EntryPoint   bool        `json:"entry_point"`
}
