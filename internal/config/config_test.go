package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
devices:
  - type: ocpp-j
    name: cp-001
    server_address: ws://central.example.com/ocpp
    protocols: ["ocpp1.6"]
    spec_chargePointVendor: Acme
  - type: ensto
    name: cp-002
    server_host: central.example.com
    server_port: 8090
simulations:
  - name: default
    device_name: cp-001
    frequent_flow_enabled: true
    frequent_flows:
      - flow: Heartbeat
        delay_seconds: 300
        count: -1
      - flow: Charge
        delay_seconds: 120
        count: 5
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 2)
	require.Len(t, cfg.Simulations, 1)

	assert.Equal(t, DeviceTypeOCPPJ, cfg.Devices[0].Type)
	assert.Equal(t, "cp-001", cfg.Devices[0].Name)
	assert.False(t, cfg.Devices[0].IsOCPP201())

	assert.Equal(t, DeviceTypeEnsto, cfg.Devices[1].Type)
	assert.Equal(t, 8090, cfg.Devices[1].ServerPort)

	sim := cfg.Simulations[0]
	assert.Equal(t, "cp-001", sim.DeviceName)
	require.Len(t, sim.FrequentFlows, 2)
	assert.Equal(t, "Heartbeat", sim.FrequentFlows[0].Flow)
	assert.Equal(t, -1, sim.FrequentFlows[0].Count)
}

func TestDeviceConfig_IsOCPP201(t *testing.T) {
	d := DeviceConfig{Type: DeviceTypeOCPPJ, Protocols: []string{"ocpp1.6", "ocpp2.0.1"}}
	assert.True(t, d.IsOCPP201())

	d2 := DeviceConfig{Type: DeviceTypeOCPPJ, Protocols: []string{"ocpp1.6"}}
	assert.False(t, d2.IsOCPP201())
}

func TestLoad_RejectsInvalidDeviceType(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  - type: not-a-real-type
    name: bad-device
simulations: []
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_FindDeviceAndSimulation(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	dev, ok := cfg.FindDevice("cp-002")
	require.True(t, ok)
	assert.Equal(t, DeviceTypeEnsto, dev.Type)

	_, ok = cfg.FindDevice("does-not-exist")
	assert.False(t, ok)

	sim, err := cfg.FindSimulation("default")
	require.NoError(t, err)
	assert.Equal(t, "cp-001", sim.DeviceName)

	_, err = cfg.FindSimulation("missing")
	assert.EqualError(t, err, "Simulation not found")
}

func TestResponseTimeout_DefaultsAndEnvOverride(t *testing.T) {
	os.Unsetenv("RESPONSE_TIMEOUT_SECONDS")
	assert.Equal(t, 10, int(ResponseTimeout().Seconds()))

	os.Setenv("RESPONSE_TIMEOUT_SECONDS", "25")
	defer os.Unsetenv("RESPONSE_TIMEOUT_SECONDS")
	assert.Equal(t, 25, int(ResponseTimeout().Seconds()))
}
