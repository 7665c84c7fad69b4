// Package config loads the simulator's DeviceConfig/SimulationConfig
// (spec.md §6) the way the teacher's internal/config loads gateway config:
// viper defaults, a YAML file merged on top, environment-variable
// override for high-traffic keys, and a post-unmarshal
// go-playground/validator pass.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DeviceType selects the wire dialect a device speaks (spec.md §6).
type DeviceType string

const (
	DeviceTypeOCPPJ  DeviceType = "ocpp-j"
	DeviceTypeOCPPS  DeviceType = "ocpp-s"
	DeviceTypeEnsto  DeviceType = "ensto"
)

// DeviceConfig is one entry of the top-level `devices` list.
type DeviceConfig struct {
	Type           DeviceType `mapstructure:"type" validate:"required,oneof=ocpp-j ocpp-s ensto"`
	Name           string     `mapstructure:"name" validate:"required"`
	SpecIdentifier string     `mapstructure:"spec_identifier"`

	// OCPP-J / OCPP-S
	ServerAddress string   `mapstructure:"server_address"`
	Protocols     []string `mapstructure:"protocols"`
	FromAddress   string   `mapstructure:"from_address"`

	SpecChargePointVendor       string `mapstructure:"spec_chargePointVendor"`
	SpecChargePointModel        string `mapstructure:"spec_chargePointModel"`
	SpecChargeBoxSerialNumber   string `mapstructure:"spec_chargeBoxSerialNumber"`
	SpecChargePointSerialNumber string `mapstructure:"spec_chargePointSerialNumber"`
	SpecFirmwareVersion         string `mapstructure:"spec_firmwareVersion"`
	SpecIccid                   string `mapstructure:"spec_iccid"`
	SpecImsi                    string `mapstructure:"spec_imsi"`
	SpecMeterType                string `mapstructure:"spec_meterType"`
	SpecMeterSerialNumber        string `mapstructure:"spec_meterSerialNumber"`

	// Ensto
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
	SpecVendor string `mapstructure:"spec_vendor"`
	SpecModel  string `mapstructure:"spec_model"`
	SpecSw     string `mapstructure:"spec_sw"`

	RegisterOnInitialize   bool `mapstructure:"register_on_initialize"`
	ErrorExit              bool `mapstructure:"error_exit"`
	ResponseTimeoutSeconds int  `mapstructure:"response_timeout_seconds"`
}

// IsOCPP201 reports whether Protocols names the 2.0.1 sub-protocol
// (spec.md §6: "if contains ocpp2.0.1 → 2.0.1 dialect, else 1.6").
func (d DeviceConfig) IsOCPP201() bool {
	for _, p := range d.Protocols {
		if strings.EqualFold(p, "ocpp2.0.1") {
			return true
		}
	}
	return false
}

// FrequentFlowConfig is one entry of a simulation's `frequent_flows` list.
type FrequentFlowConfig struct {
	Flow         string `mapstructure:"flow" validate:"required,oneof=Heartbeat Authorize Charge"`
	DelaySeconds int    `mapstructure:"delay_seconds"`
	Count        int    `mapstructure:"count"`
}

// SimulationConfig is one entry of the top-level `simulations` list.
type SimulationConfig struct {
	Name                string                 `mapstructure:"name" validate:"required"`
	DeviceName          string                 `mapstructure:"device_name" validate:"required"`
	FlowChargeOptions   map[string]interface{} `mapstructure:"flow_charge_options"`
	FrequentFlowEnabled bool                   `mapstructure:"frequent_flow_enabled"`
	IsInteractive       bool                   `mapstructure:"is_interactive"`
	FrequentFlows       []FrequentFlowConfig   `mapstructure:"frequent_flows"`
}

// Config is the whole loaded `--config` file (spec.md §6): top-level
// `devices` and `simulations` lists.
type Config struct {
	Devices     []DeviceConfig     `mapstructure:"devices"`
	Simulations []SimulationConfig `mapstructure:"simulations"`
}

// ResponseTimeout returns RESPONSE_TIMEOUT_SECONDS (spec.md §6
// Environment), default 10s.
func ResponseTimeout() time.Duration {
	seconds := 10
	if v := os.Getenv("RESPONSE_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := parseIntEnv(v); err == nil {
			seconds = parsed
		}
	}
	return time.Duration(seconds) * time.Second
}

func parseIntEnv(v string) (int, error) {
	var n int
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}

// Load reads path (a YAML file) via viper, applies defaults, and validates
// every Device/Simulation entry with go-playground/validator — mirroring
// the teacher's Load()'s defaults-then-file-then-env sequence, minus the
// gateway's profile-specific overlay (the simulator takes one explicit
// config path, not a profile name).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("devices", []DeviceConfig{})
	v.SetDefault("simulations", []SimulationConfig{})
}

var validate = validator.New()

func validateConfig(cfg *Config) error {
	for i, d := range cfg.Devices {
		if err := validate.Struct(d); err != nil {
			return fmt.Errorf("config: devices[%d] (%s): %w", i, d.Name, err)
		}
	}
	for i, s := range cfg.Simulations {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("config: simulations[%d] (%s): %w", i, s.Name, err)
		}
		for j, f := range s.FrequentFlows {
			if err := validate.Struct(f); err != nil {
				return fmt.Errorf("config: simulations[%d].frequent_flows[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// FindDevice looks up a device by name (the `devices` list's `name` key).
func (c *Config) FindDevice(name string) (*DeviceConfig, bool) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], true
		}
	}
	return nil, false
}

// FindSimulation looks up a simulation by name, returning an error in the
// exact form spec.md §6 requires ("Simulation not found") when absent.
func (c *Config) FindSimulation(name string) (*SimulationConfig, error) {
	for i := range c.Simulations {
		if c.Simulations[i].Name == name {
			return &c.Simulations[i], nil
		}
	}
	return nil, fmt.Errorf("Simulation not found")
}
