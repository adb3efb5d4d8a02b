// Package config loads the bridge's TOML configuration file into a typed
// struct, applying sensible defaults for fields the file omits.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// UDPConfig configures the GWMP listening socket.
type UDPConfig struct {
	Bind string `toml:"bind"`
}

// LoRaWANConfig configures PHY-layer behaviour.
type LoRaWANConfig struct {
	// DecryptPayload is currently advisory: this phase neither decrypts nor
	// verifies payloads, but the flag is retained so a future keyed phase has
	// a place to read it from.
	DecryptPayload bool `toml:"decrypt-payload"`
}

// UpstreamConfig configures the Airlock-style HTTP bridge client. It is
// optional; when absent the bridge runs in decode-only mode.
type UpstreamConfig struct {
	URL   string `toml:"url"`
	Ship  string `toml:"ship"`
	Code  string `toml:"code"`
	Agent string `toml:"agent"`
}

// ExternalNetworkConfig configures the reserved third-party packet-router
// integration point. It is parsed but not wired into the uplink/downlink
// path in this phase.
type ExternalNetworkConfig struct {
	ID               uint64 `toml:"id"`
	NetworkID        string `toml:"network-id"`
	ConfigHost       string `toml:"config-host"`
	DelegatedKeypair string `toml:"delegated-keypair"`
}

// LoggingConfig configures the process-wide log level.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Config is the top-level decoded configuration file.
type Config struct {
	UDP             UDPConfig              `toml:"udp"`
	LoRaWAN         LoRaWANConfig          `toml:"lorawan"`
	Upstream        *UpstreamConfig        `toml:"upstream"`
	ExternalNetwork *ExternalNetworkConfig `toml:"external-network"`
	Logging         LoggingConfig          `toml:"logging"`
}

// Default returns the configuration used when no file can be loaded.
func Default() Config {
	return Config{
		UDP:     UDPConfig{Bind: "0.0.0.0:1680"},
		LoRaWAN: LoRaWANConfig{DecryptPayload: false},
		Logging: LoggingConfig{Level: "info"},
	}
}

// applyDefaults fills in zero-valued fields the file left unset.
func (c *Config) applyDefaults() {
	if c.UDP.Bind == "" {
		c.UDP.Bind = "0.0.0.0:1680"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Load reads and parses the TOML configuration file at path.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	c.applyDefaults()
	return c, nil
}
