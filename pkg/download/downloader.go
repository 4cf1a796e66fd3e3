package download

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"

	"lukechampine.com/blake3"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/store"
)

// ChunkFetcher fetches one byte range from a source. The node implements
// direct fetches over dig/1, relay fetches through an established relay
// session, and directory fetches over HTTPS.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, src *Source, storeID string, rangeStart, rangeEnd int64, chunkID int) ([]byte, error)
}

// Downloader runs chunked, resumable downloads. At most one session exists
// per storeId; a second start request returns the existing session.
type Downloader struct {
	mu sync.Mutex

	manager *store.Manager
	fetcher ChunkFetcher

	sessions map[string]*Session
	waiters  map[string][]chan error

	logger *log.Logger
}

// NewDownloader creates a downloader over the given store manager.
func NewDownloader(manager *store.Manager, fetcher ChunkFetcher, logger *log.Logger) *Downloader {
	if logger == nil {
		logger = log.New(os.Stderr, "download ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Downloader{
		manager:  manager,
		fetcher:  fetcher,
		sessions: make(map[string]*Session),
		waiters:  make(map[string][]chan error),
		logger:   logger,
	}
}

// Session returns the live session for storeID, if any.
func (d *Downloader) Session(storeID string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[storeID]
	return s, ok
}

// Cancel cancels the session for storeID and removes its metadata.
func (d *Downloader) Cancel(storeID string) bool {
	d.mu.Lock()
	s, ok := d.sessions[storeID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	s.Cancel()
	s.removeArtifacts()
	return true
}

// Download fetches storeID from sources, resuming any persisted session.
// Concurrent calls for the same store share one session and all receive the
// same outcome.
func (d *Downloader) Download(ctx context.Context, storeID string, totalSize int64, sources []*Source) error {
	d.mu.Lock()
	if _, ok := d.sessions[storeID]; ok {
		// Join the in-flight session.
		ch := make(chan error, 1)
		d.waiters[storeID] = append(d.waiters[storeID], ch)
		d.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return digerr.Wrap(digerr.CodeCancelled, "download wait cancelled", ctx.Err()).WithStore(storeID)
		}
	}

	s := d.resumable(storeID)
	if s == nil {
		s = newSession(d.manager.DownloadsDir(), storeID, totalSize, sources, 0, 0)
	} else if len(sources) > 0 {
		// Fresh sources supersede the persisted ones.
		s.Sources = sources
		s.TotalSize = totalSize
	}
	d.sessions[storeID] = s
	d.mu.Unlock()

	err := d.run(ctx, s)

	d.mu.Lock()
	delete(d.sessions, storeID)
	waiters := d.waiters[storeID]
	delete(d.waiters, storeID)
	d.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
	return err
}

// ResumeAll scans the downloads directory for persisted sessions and
// returns them in the paused state, ready to hand back to Download.
func (d *Downloader) ResumeAll() []*Session {
	files, err := metaFiles(d.manager.DownloadsDir())
	if err != nil {
		return nil
	}
	var out []*Session
	for _, path := range files {
		s, err := loadSessionMetadata(d.manager.DownloadsDir(), path)
		if err != nil {
			d.logger.Printf("dropping unreadable session metadata %s: %v", path, err)
			os.Remove(path)
			continue
		}
		if d.manager.Has(s.StoreID) {
			// Finalized before the crash; the metadata is stale.
			s.removeArtifacts()
			continue
		}
		out = append(out, s)
	}
	return out
}

// resumable loads persisted metadata for storeID, if present. Caller holds
// the downloader lock.
func (d *Downloader) resumable(storeID string) *Session {
	path := d.manager.DownloadsDir() + "/" + storeID + ".meta"
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	s, err := loadSessionMetadata(d.manager.DownloadsDir(), path)
	if err != nil {
		os.Remove(path)
		return nil
	}
	return s
}

// chunkResult carries one finished chunk fetch back to the scheduler.
type chunkResult struct {
	index int
	size  int64
	err   error
	src   *Source
}

// run drives a session to completion. Chunks are scheduled in batches of up
// to MaxConcurrentChunks; each chunk is assigned the source at
// (index + attempt) mod len(sources), skipping exhausted sources, so
// retries rotate away from sticky failures. Metadata is persisted after
// every batch.
func (d *Downloader) run(ctx context.Context, s *Session) error {
	if s.TotalSize < 0 {
		s.setStatus(StatusFailed)
		return digerr.New(digerr.CodeSizeMismatch, "negative total size").WithStore(s.StoreID)
	}
	s.setStatus(StatusDownloading)

	// Empty store: nothing to fetch, finalize immediately.
	if s.TotalSize == 0 {
		return d.finalize(s)
	}

	if len(s.Sources) == 0 {
		s.setStatus(StatusFailed)
		return digerr.New(digerr.CodePeerNotConnected, "no sources").WithStore(s.StoreID)
	}

	temp, err := os.OpenFile(s.TempFilePath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		s.setStatus(StatusFailed)
		return digerr.Wrap(digerr.CodeIOError, "failed to open temp file", err).WithStore(s.StoreID)
	}
	defer temp.Close()
	if err := temp.Truncate(s.TotalSize); err != nil {
		s.setStatus(StatusFailed)
		return digerr.Wrap(digerr.CodeIOError, "failed to size temp file", err).WithStore(s.StoreID)
	}

	attempt := 0
	for s.completedCount() < s.TotalChunks() {
		select {
		case <-s.Cancelled():
			return digerr.New(digerr.CodeCancelled, "session cancelled").WithStore(s.StoreID)
		case <-ctx.Done():
			s.setStatus(StatusPaused)
			s.persistMetadata()
			return digerr.Wrap(digerr.CodeCancelled, "download context done", ctx.Err()).WithStore(s.StoreID)
		default:
		}

		remaining := s.remainingChunks()
		if len(remaining) == 0 {
			break
		}

		progressed, err := d.runBatch(ctx, s, temp, remaining, attempt)
		if err != nil {
			return err
		}
		if perr := s.persistMetadata(); perr != nil {
			d.logger.Printf("%s: metadata persist failed: %v", s.StoreID, perr)
		}

		if !progressed {
			if s.sourcesExhausted() {
				s.setStatus(StatusFailed)
				return digerr.New(digerr.CodePeerNotConnected, "all sources exhausted").WithStore(s.StoreID)
			}
			attempt++
		}
	}

	return d.finalize(s)
}

// runBatch launches up to MaxConcurrentChunks fetches and waits for all of
// them. It reports whether any chunk completed.
func (d *Downloader) runBatch(ctx context.Context, s *Session, temp *os.File, remaining []int, attempt int) (bool, error) {
	results := make(chan chunkResult, s.MaxConcurrentChunks)
	launched := 0

	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()
	go func() {
		select {
		case <-s.Cancelled():
			cancelBatch()
		case <-batchCtx.Done():
		}
	}()

	for _, i := range remaining {
		if !s.markActive(i) {
			continue
		}
		src := s.sourceForAttempt(i, attempt)
		if src == nil {
			s.markFailed(i)
			continue
		}
		launched++
		go func(i int, src *Source) {
			start, end := s.ChunkRange(i)
			fetchCtx, cancel := context.WithTimeout(batchCtx, constants.ChunkReadTimeout)
			defer cancel()

			data, err := d.fetcher.FetchChunk(fetchCtx, src, s.StoreID, start, end, i)
			if err == nil && int64(len(data)) != end-start+1 {
				err = digerr.New(digerr.CodeSizeMismatch,
					fmt.Sprintf("chunk %d: got %d bytes, want %d", i, len(data), end-start+1)).WithStore(s.StoreID)
			}
			if err != nil {
				results <- chunkResult{index: i, err: err, src: src}
				return
			}
			if _, werr := temp.WriteAt(data, start); werr != nil {
				results <- chunkResult{index: i,
					err: digerr.Wrap(digerr.CodeIOError, "temp write failed", werr).WithStore(s.StoreID), src: src}
				return
			}
			results <- chunkResult{index: i, size: int64(len(data)), src: src}
		}(i, src)
	}

	progressed := false
	for n := 0; n < launched; n++ {
		r := <-results
		if r.err != nil {
			s.markFailed(r.index)
			s.recordSourceResult(r.src, false)
			d.logger.Printf("%s: chunk %d failed from %s: %v", s.StoreID, r.index, sourceName(r.src), r.err)
			continue
		}
		s.markCompleted(r.index, r.size)
		s.recordSourceResult(r.src, true)
		progressed = true
	}

	select {
	case <-s.Cancelled():
		return progressed, digerr.New(digerr.CodeCancelled, "session cancelled").WithStore(s.StoreID)
	default:
	}
	return progressed, nil
}

// finalize concatenates the chunks in ordinal order, verifies the total
// length, installs the file atomically, and removes the session artifacts.
func (d *Downloader) finalize(s *Session) error {
	var data []byte
	if s.TotalSize > 0 {
		f, err := os.Open(s.TempFilePath)
		if err != nil {
			s.setStatus(StatusFailed)
			return digerr.Wrap(digerr.CodeIOError, "failed to open temp file", err).WithStore(s.StoreID)
		}
		buf := make([]byte, s.TotalSize)
		_, err = f.ReadAt(buf, 0)
		f.Close()
		if err != nil {
			s.setStatus(StatusFailed)
			return digerr.Wrap(digerr.CodeIOError, "failed to read temp file", err).WithStore(s.StoreID)
		}
		data = buf
	}

	if int64(len(data)) != s.TotalSize {
		s.setStatus(StatusFailed)
		return digerr.New(digerr.CodeSizeMismatch,
			fmt.Sprintf("assembled %d bytes, want %d", len(data), s.TotalSize)).WithStore(s.StoreID)
	}

	if _, err := d.manager.Finalize(s.StoreID, data); err != nil {
		s.setStatus(StatusFailed)
		return err
	}

	sum := blake3.Sum256(data)
	d.logger.Printf("%s: finalized %d bytes, blake3 %s", s.StoreID, len(data), hex.EncodeToString(sum[:8]))

	s.removeArtifacts()
	s.setStatus(StatusCompleted)
	return nil
}

func sourceName(src *Source) string {
	if src.PeerID != "" {
		return string(src.Kind) + ":" + src.PeerID
	}
	return string(src.Kind) + ":" + src.Endpoint
}
