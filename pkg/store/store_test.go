package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DIG-Network/dig-node/pkg/digerr"
)

const testStoreID = "00ab00ab00ab00ab00ab00ab00ab00ab"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestNewManagerCreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stores")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := os.Stat(m.DownloadsDir()); err != nil {
		t.Errorf("downloads dir missing: %v", err)
	}
}

func TestScanPicksUpStores(t *testing.T) {
	m := newTestManager(t)

	// Valid store file, a dotfile, and an invalid name.
	os.WriteFile(filepath.Join(m.Dir(), testStoreID+".store"), []byte("hello"), 0644)
	os.WriteFile(filepath.Join(m.Dir(), ".hidden"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(m.Dir(), "not-a-store.txt"), []byte("x"), 0644)

	added, removed, err := m.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(added) != 1 || added[0] != testStoreID {
		t.Errorf("added: %v", added)
	}
	if len(removed) != 0 {
		t.Errorf("removed: %v", removed)
	}

	info, ok := m.Get(testStoreID)
	if !ok {
		t.Fatal("store not indexed")
	}
	if info.Size != 5 {
		t.Errorf("size: got %d", info.Size)
	}
	if info.Mime != "application/octet-stream" {
		t.Errorf("mime: got %s", info.Mime)
	}

	// Removal is observed on the next scan.
	os.Remove(info.Path)
	_, removed, _ = m.Scan()
	if len(removed) != 1 || removed[0] != testStoreID {
		t.Errorf("removed after delete: %v", removed)
	}
	if m.Has(testStoreID) {
		t.Error("removed store still indexed")
	}
}

func TestReadRange(t *testing.T) {
	m := newTestManager(t)
	content := []byte("0123456789")
	if _, err := m.Finalize(testStoreID, content); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	testCases := []struct {
		name       string
		start, end int64
		want       string
		errCode    string
	}{
		{"full", 0, 9, "0123456789", ""},
		{"middle", 3, 5, "345", ""},
		{"single byte", 0, 0, "0", ""},
		{"last byte", 9, 9, "9", ""},
		{"start after end", 5, 3, "", digerr.CodeInvalidRange},
		{"end past size", 0, 10, "", digerr.CodeInvalidRange},
		{"negative start", -1, 3, "", digerr.CodeInvalidRange},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, info, err := m.ReadRange(testStoreID, tc.start, tc.end)
			if tc.errCode != "" {
				if !digerr.Is(err, tc.errCode) {
					t.Errorf("got err %v, want %s", err, tc.errCode)
				}
				// The invalid-range path still reports the total size.
				if info == nil || info.Size != 10 {
					t.Error("invalid range lost total size")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadRange failed: %v", err)
			}
			if string(data) != tc.want {
				t.Errorf("data: %q, want %q", data, tc.want)
			}
		})
	}

	if _, _, err := m.ReadRange(strings.Repeat("ff", 16), 0, 1); !digerr.Is(err, digerr.CodeStoreNotFound) {
		t.Error("missing store did not yield store-not-found")
	}
}

func TestFinalizeAtomicity(t *testing.T) {
	m := newTestManager(t)
	content := bytes.Repeat([]byte{0xAB}, 4096)

	info, err := m.Finalize(testStoreID, content)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	// Nothing half-written remains in the staging area.
	entries, _ := os.ReadDir(m.DownloadsDir())
	if len(entries) != 0 {
		t.Errorf("staging area not empty after finalize: %d entries", len(entries))
	}

	onDisk, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatalf("final file unreadable: %v", err)
	}
	if !bytes.Equal(onDisk, content) {
		t.Error("final file content mismatch")
	}
	if !m.Has(testStoreID) {
		t.Error("finalized store not indexed")
	}
}

func TestFinalizeEmptyStore(t *testing.T) {
	m := newTestManager(t)
	info, err := m.Finalize(testStoreID, nil)
	if err != nil {
		t.Fatalf("Finalize of empty store failed: %v", err)
	}
	if info.Size != 0 {
		t.Errorf("empty store size: %d", info.Size)
	}
}

func TestFinalizeRejectsBadID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Finalize("nope", []byte("x")); err == nil {
		t.Error("invalid store id accepted")
	}
}

func TestListSorted(t *testing.T) {
	m := newTestManager(t)
	ids := []string{
		strings.Repeat("cc", 16),
		strings.Repeat("aa", 16),
		strings.Repeat("bb", 16),
	}
	for _, id := range ids {
		m.Finalize(id, []byte("x"))
	}
	list := m.List()
	if len(list) != 3 {
		t.Fatalf("List: %v", list)
	}
	for i := 1; i < len(list); i++ {
		if list[i-1] >= list[i] {
			t.Errorf("List not sorted: %v", list)
		}
	}
	if m.Count() != 3 {
		t.Errorf("Count: %d", m.Count())
	}
}
