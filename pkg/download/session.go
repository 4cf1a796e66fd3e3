// Package download implements the resumable parallel chunked downloader and
// the strategy-ladder orchestrator built on top of it.
package download

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
)

// SourceKind selects the transport a chunk is fetched over.
type SourceKind string

// Source kinds.
const (
	SourceDirect    SourceKind = "direct"
	SourceRelay     SourceKind = "relay"
	SourceDirectory SourceKind = "directory"
)

// Source is one place chunk bytes can come from.
type Source struct {
	Kind     SourceKind `json:"kind"`
	PeerID   string     `json:"peerId,omitempty"`
	Endpoint string     `json:"endpoint,omitempty"`
	Priority int        `json:"priority"`
	Failures int        `json:"failures"`
	LastUsed time.Time  `json:"lastUsed,omitempty"`
}

// Status of a download session.
type Status string

// Session statuses.
const (
	StatusInitializing Status = "initializing"
	StatusDownloading  Status = "downloading"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Session carries all state for one in-flight store download. All mutation
// goes through methods holding the session lock; chunk fetch goroutines
// never touch fields directly.
type Session struct {
	mu sync.Mutex

	StoreID             string
	TotalSize           int64
	DownloadedBytes     int64
	ChunkSize           int64
	MaxConcurrentChunks int

	status Status

	completedChunks map[int]bool
	activeChunks    map[int]bool
	failedChunks    map[int]bool

	Sources []*Source

	TempFilePath string
	MetadataPath string

	StartTime    time.Time
	LastActivity time.Time

	cancelled chan struct{}
	cancelOnce sync.Once
}

// sessionMetadata is the crash-safe on-disk form.
type sessionMetadata struct {
	StoreID         string    `json:"storeId"`
	TotalSize       int64     `json:"totalSize"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	ChunkSize       int64     `json:"chunkSize"`
	CompletedChunks []int     `json:"completedChunks"`
	FailedChunks    []int     `json:"failedChunks"`
	Sources         []*Source `json:"sources"`
	LastActivity    time.Time `json:"lastActivity"`
}

// newSession creates a session in the initializing state.
func newSession(downloadsDir, storeID string, totalSize int64, sources []*Source, chunkSize int64, maxConcurrent int) *Session {
	if chunkSize <= 0 {
		chunkSize = constants.DefaultChunkSize
	}
	if maxConcurrent <= 0 {
		maxConcurrent = constants.DefaultMaxConcurrentChunks
	}
	now := time.Now()
	return &Session{
		StoreID:             storeID,
		TotalSize:           totalSize,
		ChunkSize:           chunkSize,
		MaxConcurrentChunks: maxConcurrent,
		status:              StatusInitializing,
		completedChunks:     make(map[int]bool),
		activeChunks:        make(map[int]bool),
		failedChunks:        make(map[int]bool),
		Sources:             sources,
		TempFilePath:        filepath.Join(downloadsDir, storeID+".temp"),
		MetadataPath:        filepath.Join(downloadsDir, storeID+".meta"),
		StartTime:           now,
		LastActivity:        now,
		cancelled:           make(chan struct{}),
	}
}

// TotalChunks returns ceil(totalSize / chunkSize).
func (s *Session) TotalChunks() int {
	if s.TotalSize == 0 {
		return 0
	}
	return int((s.TotalSize + s.ChunkSize - 1) / s.ChunkSize)
}

// ChunkRange returns the inclusive byte range chunk i covers.
func (s *Session) ChunkRange(i int) (start, end int64) {
	start = int64(i) * s.ChunkSize
	end = start + s.ChunkSize - 1
	if end >= s.TotalSize {
		end = s.TotalSize - 1
	}
	return start, end
}

// Status returns the session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Cancel moves the session to cancelled; outstanding chunk fetches observe
// it at their next suspension point.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.setStatus(StatusCancelled)
		close(s.cancelled)
	})
}

// Cancelled returns the channel closed on cancellation.
func (s *Session) Cancelled() <-chan struct{} {
	return s.cancelled
}

// markActive moves a chunk into the active set, enforcing the concurrency
// bound and set disjointness.
func (s *Session) markActive(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completedChunks[i] || s.activeChunks[i] {
		return false
	}
	if len(s.activeChunks) >= s.MaxConcurrentChunks {
		return false
	}
	delete(s.failedChunks, i)
	s.activeChunks[i] = true
	return true
}

// markCompleted moves a chunk from active to completed and accounts its
// bytes.
func (s *Session) markCompleted(i int, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeChunks[i] {
		return
	}
	delete(s.activeChunks, i)
	if !s.completedChunks[i] {
		s.completedChunks[i] = true
		s.DownloadedBytes += n
	}
	s.LastActivity = time.Now()
}

// markFailed moves a chunk from active to failed.
func (s *Session) markFailed(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeChunks[i] {
		return
	}
	delete(s.activeChunks, i)
	s.failedChunks[i] = true
	s.LastActivity = time.Now()
}

// remainingChunks returns the chunks not yet completed or active, sorted.
func (s *Session) remainingChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	total := s.TotalChunks()
	for i := 0; i < total; i++ {
		if !s.completedChunks[i] && !s.activeChunks[i] {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// completedCount returns |completedChunks|.
func (s *Session) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completedChunks)
}

// CompletedChunks returns the completed ordinals, sorted.
func (s *Session) CompletedChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.completedChunks))
	for i := range s.completedChunks {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Snapshot returns the three chunk sets for observation; used by tests
// checking disjointness and the concurrency bound.
func (s *Session) Snapshot() (completed, active, failed []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.completedChunks {
		completed = append(completed, i)
	}
	for i := range s.activeChunks {
		active = append(active, i)
	}
	for i := range s.failedChunks {
		failed = append(failed, i)
	}
	sort.Ints(completed)
	sort.Ints(active)
	sort.Ints(failed)
	return
}

// sourceForAttempt picks the source for chunk i on the given retry round,
// rotating by i mod len(sources) + attempt and skipping exhausted sources.
func (s *Session) sourceForAttempt(i, attempt int) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.Sources)
	if n == 0 {
		return nil
	}
	for probe := 0; probe < n; probe++ {
		src := s.Sources[(i+attempt+probe)%n]
		if src.Failures < constants.SourceFailureLimit {
			src.LastUsed = time.Now()
			return src
		}
	}
	return nil
}

// recordSourceResult updates a source's consecutive-failure counter.
func (s *Session) recordSourceResult(src *Source, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		src.Failures = 0
	} else {
		src.Failures++
	}
}

// sourcesExhausted reports whether every source is past the failure limit.
func (s *Session) sourcesExhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.Sources {
		if src.Failures < constants.SourceFailureLimit {
			return false
		}
	}
	return true
}

// persistMetadata atomically writes the session metadata file.
func (s *Session) persistMetadata() error {
	s.mu.Lock()
	meta := sessionMetadata{
		StoreID:         s.StoreID,
		TotalSize:       s.TotalSize,
		DownloadedBytes: s.DownloadedBytes,
		ChunkSize:       s.ChunkSize,
		Sources:         s.Sources,
		LastActivity:    s.LastActivity,
	}
	for i := range s.completedChunks {
		meta.CompletedChunks = append(meta.CompletedChunks, i)
	}
	for i := range s.failedChunks {
		meta.FailedChunks = append(meta.FailedChunks, i)
	}
	s.mu.Unlock()
	sort.Ints(meta.CompletedChunks)
	sort.Ints(meta.FailedChunks)

	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return digerr.Wrap(digerr.CodeIOError, "failed to encode session metadata", err)
	}
	tempPath := s.MetadataPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return digerr.Wrap(digerr.CodeIOError, "failed to write session metadata", err)
	}
	if err := os.Rename(tempPath, s.MetadataPath); err != nil {
		os.Remove(tempPath)
		return digerr.Wrap(digerr.CodeIOError, "failed to rename session metadata", err)
	}
	return nil
}

// removeArtifacts deletes the temp and metadata files.
func (s *Session) removeArtifacts() {
	os.Remove(s.TempFilePath)
	os.Remove(s.MetadataPath)
}

// loadSessionMetadata reads one .meta file back into a paused session.
func loadSessionMetadata(downloadsDir, path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, digerr.Wrap(digerr.CodeIOError, "failed to read session metadata", err)
	}
	var meta sessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, digerr.Wrap(digerr.CodeDecodeFailed, "failed to decode session metadata", err)
	}
	if meta.StoreID == "" || meta.ChunkSize <= 0 {
		return nil, digerr.New(digerr.CodeDecodeFailed, "session metadata missing fields")
	}

	s := newSession(downloadsDir, meta.StoreID, meta.TotalSize, meta.Sources, meta.ChunkSize, 0)
	s.status = StatusPaused
	s.LastActivity = meta.LastActivity
	for _, i := range meta.CompletedChunks {
		s.completedChunks[i] = true
	}
	for _, i := range meta.FailedChunks {
		s.failedChunks[i] = true
	}
	// Recompute from the completed set rather than trusting the stored
	// total; metadata lists chunks durably captured.
	s.DownloadedBytes = 0
	for i := range s.completedChunks {
		start, end := s.ChunkRange(i)
		s.DownloadedBytes += end - start + 1
	}
	return s, nil
}

// metaFiles lists the .meta files in a downloads directory.
func metaFiles(downloadsDir string) ([]string, error) {
	entries, err := os.ReadDir(downloadsDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".meta") {
			out = append(out, filepath.Join(downloadsDir, e.Name()))
		}
	}
	return out, nil
}

// String renders a short progress line for logs.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s: %d/%d bytes, %d/%d chunks, %s",
		s.StoreID, s.DownloadedBytes, s.TotalSize, len(s.completedChunks), s.TotalChunks(), s.status)
}
