package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateDerivations(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(id.PeerID()) != 64 {
		t.Errorf("PeerID length: got %d, want 64", len(id.PeerID()))
	}

	addr := id.OverlayAddress()
	if !ValidOverlayAddress(addr) {
		t.Errorf("overlay address %q is not valid", addr)
	}
	if !strings.HasPrefix(addr, "fd00:") {
		t.Errorf("overlay address %q missing fixed prefix", addr)
	}
	groups := strings.Split(addr, ":")
	if len(groups) != 8 {
		t.Errorf("overlay address groups: got %d, want 8", len(groups))
	}

	// Deterministic from the key
	if OverlayAddressFromKey(id.SigningPublicKey) != addr {
		t.Error("overlay address is not deterministic from the public key")
	}
}

func TestDistinctKeysDistinctAddresses(t *testing.T) {
	a, _ := Generate()
	b, _ := Generate()
	if a.OverlayAddress() == b.OverlayAddress() {
		t.Error("two fresh identities yielded the same overlay address")
	}
	if a.PeerID() == b.PeerID() {
		t.Error("two fresh identities yielded the same peer id")
	}
}

func TestValidOverlayAddress(t *testing.T) {
	testCases := []struct {
		name string
		addr string
		want bool
	}{
		{"valid", "fd00:1111:2222:3333:4444:5555:6666:7777", true},
		{"wrong prefix", "fe80:1111:2222:3333:4444:5555:6666:7777", false},
		{"too few groups", "fd00:1111:2222:3333", false},
		{"short group", "fd00:111:2222:3333:4444:5555:6666:7777", false},
		{"non-hex group", "fd00:zzzz:2222:3333:4444:5555:6666:7777", false},
		{"empty", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidOverlayAddress(tc.addr); got != tc.want {
				t.Errorf("ValidOverlayAddress(%q) = %v, want %v", tc.addr, got, tc.want)
			}
		})
	}
}

func TestValidStoreID(t *testing.T) {
	testCases := []struct {
		name string
		id   string
		want bool
	}{
		{"min length", strings.Repeat("ab", 16), true},
		{"max length", strings.Repeat("cd", 64), true},
		{"too short", strings.Repeat("ab", 15), false},
		{"too long", strings.Repeat("ab", 65), false},
		{"odd length", strings.Repeat("a", 33), false},
		{"non hex", strings.Repeat("zz", 16), false},
		{"empty", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidStoreID(tc.id); got != tc.want {
				t.Errorf("ValidStoreID(%q) = %v, want %v", tc.id, got, tc.want)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "identity.json")

	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := id.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("identity file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("identity file permissions: got %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.PeerID() != id.PeerID() {
		t.Error("loaded identity has different peer id")
	}
	if loaded.OverlayAddress() != id.OverlayAddress() {
		t.Error("loaded identity has different overlay address")
	}

	// Signature made by the loaded copy verifies against the original key
	sig := loaded.Sign([]byte("probe"))
	if len(sig) == 0 {
		t.Error("loaded identity cannot sign")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (fresh) failed: %v", err)
	}
	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (existing) failed: %v", err)
	}
	if first.PeerID() != second.PeerID() {
		t.Error("LoadOrGenerate did not return the persisted identity")
	}
}

func TestFromKeysRoundTrip(t *testing.T) {
	id, _ := Generate()
	rebuilt, err := FromKeys(id.PublicKeyHex(), hexOf(id.SigningPrivateKey))
	if err != nil {
		t.Fatalf("FromKeys failed: %v", err)
	}
	if rebuilt.PeerID() != id.PeerID() {
		t.Error("FromKeys changed the peer id")
	}

	if _, err := FromKeys("not-hex", "also-not-hex"); err == nil {
		t.Error("FromKeys accepted malformed keys")
	}
	if _, err := FromKeys("abcd", "ef01"); err == nil {
		t.Error("FromKeys accepted truncated keys")
	}
}

func hexOf(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, v := range b {
		out = append(out, digits[v>>4], digits[v&0x0f])
	}
	return string(out)
}
