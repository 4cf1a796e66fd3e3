package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenPort != 4001 {
		t.Errorf("default port: %d", cfg.ListenPort)
	}
	if cfg.NetworkID != "mainnet" {
		t.Errorf("default network: %s", cfg.NetworkID)
	}
	if cfg.StoreDir == "" {
		t.Error("default store dir empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
		valid  bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"no store dir", func(c *Config) { c.StoreDir = "" }, false},
		{"port zero", func(c *Config) { c.ListenPort = 0 }, false},
		{"port too large", func(c *Config) { c.ListenPort = 70000 }, false},
		{"no network", func(c *Config) { c.NetworkID = "" }, false},
		{"public key only", func(c *Config) { c.PublicKey = "aa" }, false},
		{"both keys", func(c *Config) { c.PublicKey = "aa"; c.PrivateKey = "bb" }, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.valid && err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"storeDir": "/data/stores",
		"listenPort": 5001,
		"bootstrapPeers": ["quic://203.0.113.5:4001"],
		"networkId": "testnet",
		"enableLocalDiscovery": true
	}`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.StoreDir != "/data/stores" || cfg.ListenPort != 5001 || cfg.NetworkID != "testnet" {
		t.Errorf("loaded config: %+v", cfg)
	}
	if !cfg.EnableLocalDiscovery || len(cfg.BootstrapPeers) != 1 {
		t.Errorf("loaded config: %+v", cfg)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile("/does/not/exist.json"); err == nil {
		t.Error("missing file accepted")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{nope"), 0644)
	if _, err := LoadFile(path); err == nil {
		t.Error("malformed file accepted")
	}
}

func TestListenAddrs(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 4500
	addrs := cfg.ListenAddrs()
	if len(addrs) != 2 {
		t.Fatalf("ListenAddrs: %v", addrs)
	}
	if !strings.HasPrefix(addrs[0], "quic://") || !strings.HasSuffix(addrs[0], ":4500") {
		t.Errorf("quic addr: %s", addrs[0])
	}
	if !strings.HasPrefix(addrs[1], "tcp://") {
		t.Errorf("tcp addr: %s", addrs[1])
	}
}
