package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideNetworkMode_EnableSSHAlwaysUsesDefault(t *testing.T) {
	mode, bridge := DecideNetworkMode(ModeInputs{EnableSSH: true, RequestedBridge: false})
	assert.Equal(t, NetworkModeDefault, mode)
	assert.Empty(t, bridge)
}

func TestDecideNetworkMode_BridgeOnSystemURIUsesDefault(t *testing.T) {
	mode, bridge := DecideNetworkMode(ModeInputs{RequestedBridge: true, SystemURI: true})
	assert.Equal(t, NetworkModeDefault, mode)
	assert.Empty(t, bridge)
}

func TestDecideNetworkMode_BridgeOnSessionURIKeepsExistingTemplateBridge(t *testing.T) {
	mode, bridge := DecideNetworkMode(ModeInputs{
		RequestedBridge:      true,
		SystemURI:            false,
		TemplateBridge:       "br0",
		TemplateBridgeExists: true,
	})
	assert.Equal(t, NetworkModeBridge, mode)
	assert.Equal(t, "br0", bridge)
}

func TestDecideNetworkMode_BridgeOnSessionURIFallsBackWhenBridgeMissing(t *testing.T) {
	mode, bridge := DecideNetworkMode(ModeInputs{
		RequestedBridge:      true,
		SystemURI:            false,
		TemplateBridge:       "br0",
		TemplateBridgeExists: false,
	})
	assert.Equal(t, NetworkModeDefault, mode)
	assert.Empty(t, bridge)
}

func TestDecideNetworkMode_NoRequestUsesUserMode(t *testing.T) {
	mode, bridge := DecideNetworkMode(ModeInputs{})
	assert.Equal(t, NetworkModeUser, mode)
	assert.Empty(t, bridge)
}
