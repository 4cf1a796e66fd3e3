// Package config defines the node configuration surface and its loading
// from an optional JSON file plus command-line flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
)

// Config is the set of options the core recognizes.
type Config struct {
	StoreDir             string   `json:"storeDir"`
	ListenPort           int      `json:"listenPort"`
	BootstrapPeers       []string `json:"bootstrapPeers,omitempty"`
	DiscoveryServers     []string `json:"discoveryServers,omitempty"`
	PublicKey            string   `json:"publicKey,omitempty"`
	PrivateKey           string   `json:"privateKey,omitempty"`
	NetworkID            string   `json:"networkId"`
	EnableLocalDiscovery bool     `json:"enableLocalDiscovery"`
}

// Default returns the configuration defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		StoreDir:   filepath.Join(home, ".dig", "stores"),
		ListenPort: constants.DefaultListenPort,
		NetworkID:  constants.DefaultNetworkID,
	}
}

// LoadFile merges a JSON config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, digerr.Wrap(digerr.CodeConfigInvalid, "failed to read config file", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, digerr.Wrap(digerr.CodeConfigInvalid, "failed to parse config file", err)
	}
	return cfg, nil
}

// Validate checks the configuration for coherence.
func (c *Config) Validate() error {
	if c.StoreDir == "" {
		return digerr.New(digerr.CodeConfigInvalid, "storeDir is required")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return digerr.New(digerr.CodeConfigInvalid,
			fmt.Sprintf("listenPort %d out of range", c.ListenPort))
	}
	if c.NetworkID == "" {
		return digerr.New(digerr.CodeConfigInvalid, "networkId is required")
	}
	if (c.PublicKey == "") != (c.PrivateKey == "") {
		return digerr.New(digerr.CodeConfigInvalid, "publicKey and privateKey must be set together")
	}
	return nil
}

// ListenAddrs renders the transport listen addresses: QUIC preferred, TCP
// fallback, both on the base port.
func (c *Config) ListenAddrs() []string {
	return []string{
		fmt.Sprintf("quic://0.0.0.0:%d", c.ListenPort),
		fmt.Sprintf("tcp://0.0.0.0:%d", c.ListenPort),
	}
}

// IdentityPath returns where the node identity file lives relative to the
// store directory.
func (c *Config) IdentityPath() string {
	return filepath.Join(filepath.Dir(c.StoreDir), "identity.json")
}
