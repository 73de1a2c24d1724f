// Package config loads the radio-interface list and central-address
// override (spec §6) from YAML, grounded on the pack's yaml.v3 config
// loaders (meermanr/LightwaveRF-go, USA-RedDragon/DMRHub).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Homegear/Homegear-MAX/packet"
)

// InterfaceConfig is one entry in the interfaces list, a superset of the
// fields any transport kind needs; unused fields are left at zero for
// kinds that don't need them.
type InterfaceConfig struct {
	ID               string        `yaml:"id"`
	Type             string        `yaml:"type"` // serial-dongle | gateway-tls | spi-cc1101
	Device           string        `yaml:"device"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Default          bool          `yaml:"default"`
	ResponseDelayMs  int           `yaml:"responseDelayMs"`
	CAFile           string        `yaml:"caFile"`
	CertFile         string        `yaml:"certFile"`
	KeyFile          string        `yaml:"keyFile"`
	GPIO1            string        `yaml:"gpio1"`
	GPIO2            string        `yaml:"gpio2"`
	InterruptPin     string        `yaml:"interruptPin"`
	StackPosition    int           `yaml:"stackPosition"`
	AdditionalCmds   []string      `yaml:"additionalCommands"`
	HasRSSIByte      bool          `yaml:"hasRssiByte"`
	BaudRate         int           `yaml:"baudRate"`
}

// ResponseDelay returns the configured delay as a Duration.
func (c InterfaceConfig) ResponseDelay() time.Duration {
	return time.Duration(c.ResponseDelayMs) * time.Millisecond
}

// Config is the top-level maxd configuration document.
type Config struct {
	Interfaces     []InterfaceConfig `yaml:"interfaces"`
	CentralAddress string            `yaml:"centraladdress"`
	LogLevel       string            `yaml:"logLevel"`
	StorePath      string            `yaml:"storePath"`
}

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// CentralAddr parses CentralAddress as a hex MAX! address, returning ok=false
// if it is unset so the caller can fall back to a random default.
func (c *Config) CentralAddr() (packet.Addr, bool) {
	if c.CentralAddress == "" {
		return 0, false
	}
	var v uint32
	if _, err := fmt.Sscanf(c.CentralAddress, "%06X", &v); err != nil {
		return 0, false
	}
	return packet.Addr(v & 0xFFFFFF), true
}
