package domain

// ModeInputs captures the facts the network-mode policy decides on.
type ModeInputs struct {
	EnableSSH        bool
	RequestedBridge  bool   // caller asked for --network-mode bridge
	SystemURI        bool   // libvirt URI is qemu:///system
	TemplateBridge   string // bridge name declared in the template, if any
	TemplateBridgeExists bool
}

// DecideNetworkMode implements the interface-element network-mode
// policy: enable_ssh or bridge+system attaches to the default libvirt
// network; bridge on a session URI keeps an existing template bridge
// if it exists, else falls back to default, else user-mode; anything
// else is user-mode (isolated NAT).
func DecideNetworkMode(in ModeInputs) (mode NetworkMode, bridgeName string) {
	if in.EnableSSH || (in.RequestedBridge && in.SystemURI) {
		return NetworkModeDefault, ""
	}
	if in.RequestedBridge {
		if in.TemplateBridge != "" && in.TemplateBridgeExists {
			return NetworkModeBridge, in.TemplateBridge
		}
		return NetworkModeDefault, ""
	}
	return NetworkModeUser, ""
}
