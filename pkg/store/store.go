// Package store manages the on-disk store directory: immutable artifacts
// named <storeId>.<ext>, plus the hidden .downloads/ staging area. The
// manager only ever reads finished files and renames finished downloads in;
// it never rewrites a store.
package store

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/identity"
)

// DownloadsDirName is the hidden staging subdirectory.
const DownloadsDirName = ".downloads"

// DefaultExt is used when a download has no better MIME hint.
const DefaultExt = ".store"

// Info is the metadata computed for one local store.
type Info struct {
	StoreID string
	Path    string
	Size    int64
	Created time.Time
	Mime    string
}

// Manager owns the store directory.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	stores map[string]*Info
}

// NewManager creates the directory layout and scans existing stores.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, digerr.Wrap(digerr.CodeIOError, "failed to create store directory", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, DownloadsDirName), 0755); err != nil {
		return nil, digerr.Wrap(digerr.CodeIOError, "failed to create downloads directory", err)
	}
	m := &Manager{
		dir:    dir,
		stores: make(map[string]*Info),
	}
	if _, _, err := m.Scan(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir returns the store directory path.
func (m *Manager) Dir() string {
	return m.dir
}

// DownloadsDir returns the staging directory path.
func (m *Manager) DownloadsDir() string {
	return filepath.Join(m.dir, DownloadsDirName)
}

// Scan rescans the directory and reconciles the in-memory index. It returns
// the store ids that appeared and disappeared since the last scan.
func (m *Manager) Scan() (added, removed []string, err error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, nil, digerr.Wrap(digerr.CodeIOError, "failed to read store directory", err)
	}

	found := make(map[string]*Info)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		storeID, ok := storeIDFromName(entry.Name())
		if !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		found[storeID] = &Info{
			StoreID: storeID,
			Path:    filepath.Join(m.dir, entry.Name()),
			Size:    fi.Size(),
			Created: fi.ModTime(),
			Mime:    mimeFromName(entry.Name()),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range found {
		if _, ok := m.stores[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range m.stores {
		if _, ok := found[id]; !ok {
			removed = append(removed, id)
		}
	}
	m.stores = found
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed, nil
}

// Get returns the info for a local store.
func (m *Manager) Get(storeID string) (*Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.stores[storeID]
	if !ok {
		return nil, false
	}
	c := *info
	return &c, true
}

// Has reports whether storeID is present locally.
func (m *Manager) Has(storeID string) bool {
	_, ok := m.Get(storeID)
	return ok
}

// List returns all local store ids, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.stores))
	for id := range m.stores {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of local stores.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stores)
}

// Open opens a store file for reading.
func (m *Manager) Open(storeID string) (*os.File, *Info, error) {
	info, ok := m.Get(storeID)
	if !ok {
		return nil, nil, digerr.New(digerr.CodeStoreNotFound, "store not present").WithStore(storeID)
	}
	f, err := os.Open(info.Path)
	if err != nil {
		return nil, nil, digerr.Wrap(digerr.CodeIOError, "failed to open store file", err).WithStore(storeID)
	}
	return f, info, nil
}

// ReadRange reads the inclusive byte range [start, end] of a store. The
// range must satisfy 0 <= start <= end < size.
func (m *Manager) ReadRange(storeID string, start, end int64) ([]byte, *Info, error) {
	info, ok := m.Get(storeID)
	if !ok {
		return nil, nil, digerr.New(digerr.CodeStoreNotFound, "store not present").WithStore(storeID)
	}
	if start < 0 || start > end || end >= info.Size {
		return nil, info, digerr.New(digerr.CodeInvalidRange,
			fmt.Sprintf("range [%d,%d] outside store of %d bytes", start, end, info.Size)).WithStore(storeID)
	}

	f, err := os.Open(info.Path)
	if err != nil {
		return nil, info, digerr.Wrap(digerr.CodeIOError, "failed to open store file", err).WithStore(storeID)
	}
	defer f.Close()

	data := make([]byte, end-start+1)
	if _, err := f.ReadAt(data, start); err != nil && err != io.EOF {
		return nil, info, digerr.Wrap(digerr.CodeIOError, "failed to read range", err).WithStore(storeID)
	}
	return data, info, nil
}

// Finalize atomically installs finished content as a store: the bytes are
// written inside .downloads/ and renamed into place, so a partial file is
// never observable at the final path.
func (m *Manager) Finalize(storeID string, data []byte) (*Info, error) {
	if !identity.ValidStoreID(storeID) {
		return nil, digerr.New(digerr.CodeDecodeFailed, "invalid store id").WithStore(storeID)
	}

	tempPath := filepath.Join(m.DownloadsDir(), storeID+".finalize")
	finalPath := filepath.Join(m.dir, storeID+DefaultExt)

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return nil, digerr.Wrap(digerr.CodeIOError, "failed to write finalize temp", err).WithStore(storeID)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return nil, digerr.Wrap(digerr.CodeIOError, "failed to rename into store directory", err).WithStore(storeID)
	}

	info := &Info{
		StoreID: storeID,
		Path:    finalPath,
		Size:    int64(len(data)),
		Created: time.Now(),
		Mime:    mimeFromName(finalPath),
	}
	m.mu.Lock()
	m.stores[storeID] = info
	m.mu.Unlock()
	c := *info
	return &c, nil
}

// storeIDFromName extracts and validates the store id from a file name.
func storeIDFromName(name string) (string, bool) {
	base := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		base = name[:i]
	}
	if !identity.ValidStoreID(base) {
		return "", false
	}
	return base, true
}

func mimeFromName(name string) string {
	ext := filepath.Ext(name)
	if ext == DefaultExt || ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
