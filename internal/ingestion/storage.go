package ingestion

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/pricewatch/ingestd/internal/models"
)

var (
	// ErrNotFound is returned when a referenced run, file or chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned when an optimistic concurrency check fails.
	ErrConflict = errors.New("conflict: record was modified concurrently")
)

// Store persists the run hierarchy. Reads outside Atomically never lock.
type Store interface {
	// Atomically runs fn in a single transaction. Nothing fn wrote is kept
	// when it returns an error. fn may be run again when the backend aborts
	// the transaction on a lock conflict, so it must not keep state across
	// calls.
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	GetRun(ctx context.Context, id string) (*models.Run, error)
	GetFile(ctx context.Context, id string) (*models.File, error)
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)

	// ListRuns orders by creation time, newest first.
	ListRuns(ctx context.Context, filter models.RunFilter, page models.Page) ([]models.Run, int, error)

	// ListFiles orders by discovery, oldest first.
	ListFiles(ctx context.Context, runID string, filter models.FileFilter, page models.Page) ([]models.File, int, error)

	// ListChunks orders by chunk index.
	ListChunks(ctx context.Context, fileID string, filter models.ChunkFilter, page models.Page) ([]models.Chunk, int, error)

	// ListErrors orders by creation time, newest first.
	ListErrors(ctx context.Context, filter models.ErrorFilter, page models.Page) ([]models.IngestionError, int, error)

	// Stats aggregates runs created and errors recorded since the given time.
	Stats(ctx context.Context, since time.Time) (*models.Stats, error)

	// DeleteRuns removes runs with their files, chunks and errors and returns
	// how many runs existed.
	DeleteRuns(ctx context.Context, ids []string) (int, error)

	Ping(ctx context.Context) error
}

// Tx is the read-modify-write view inside Store.Atomically. Getters lock the
// returned row until the transaction ends.
type Tx interface {
	GetRun(ctx context.Context, id string) (*models.Run, error)
	GetFile(ctx context.Context, id string) (*models.File, error)
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)

	InsertRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
	InsertFile(ctx context.Context, file *models.File) error
	UpdateFile(ctx context.Context, file *models.File) error
	InsertChunks(ctx context.Context, chunks []models.Chunk) error
	UpdateChunk(ctx context.Context, chunk *models.Chunk) error
	InsertError(ctx context.Context, e *models.IngestionError) error

	ListRunFiles(ctx context.Context, runID string) ([]models.File, error)
	ListFileChunks(ctx context.Context, fileID string) ([]models.Chunk, error)
}

type memState struct {
	runs   map[string]models.Run
	files  map[string]models.File
	chunks map[string]models.Chunk
	errors map[string]models.IngestionError
}

// MemoryStore implements Store in memory for testing/development. Transactions
// are serialized and write in place; each write journals the row it replaced
// so a failed transaction restores exactly the rows it touched.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			runs:   make(map[string]models.Run),
			files:  make(map[string]models.File),
			chunks: make(map[string]models.Chunk),
			errors: make(map[string]models.IngestionError),
		},
	}
}

// Atomically runs fn against a private copy and commits it when fn succeeds.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{st: s.state}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRun(s.state, id)
}

func (s *MemoryStore) GetFile(ctx context.Context, id string) (*models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getFile(s.state, id)
}

func (s *MemoryStore) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getChunk(s.state, id)
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter models.RunFilter, page models.Page) ([]models.Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Run
	for _, run := range s.state.runs {
		if filter.ChainSlug != "" && run.ChainSlug != filter.ChainSlug {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ParentRunID != "" && (run.ParentRunID == nil || *run.ParentRunID != filter.ParentRunID) {
			continue
		}
		matched = append(matched, run)
	}

	slices.SortFunc(matched, func(a, b models.Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	return paginate(matched, page), len(matched), nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, runID string, filter models.FileFilter, page models.Page) ([]models.File, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.File
	for _, file := range runFiles(s.state, runID) {
		if filter.Status != "" && file.Status != filter.Status {
			continue
		}
		matched = append(matched, file)
	}
	return paginate(matched, page), len(matched), nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, fileID string, filter models.ChunkFilter, page models.Page) ([]models.Chunk, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Chunk
	for _, chunk := range fileChunks(s.state, fileID) {
		if filter.Status != "" && chunk.Status != filter.Status {
			continue
		}
		matched = append(matched, chunk)
	}
	return paginate(matched, page), len(matched), nil
}

func (s *MemoryStore) ListErrors(ctx context.Context, filter models.ErrorFilter, page models.Page) ([]models.IngestionError, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.IngestionError
	for _, e := range s.state.errors {
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.FileID != "" && (e.FileID == nil || *e.FileID != filter.FileID) {
			continue
		}
		if filter.ChunkID != "" && (e.ChunkID == nil || *e.ChunkID != filter.ChunkID) {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		matched = append(matched, e)
	}

	slices.SortFunc(matched, func(a, b models.IngestionError) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	return paginate(matched, page), len(matched), nil
}

func (s *MemoryStore) Stats(ctx context.Context, since time.Time) (*models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.NewStats("", since)
	for _, run := range s.state.runs {
		if run.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRuns++
		stats.RunsByStatus[run.Status]++
		stats.TotalFiles += run.TotalFiles
		stats.ProcessedFiles += run.ProcessedFiles
		stats.TotalEntries += run.TotalEntries
		stats.ProcessedEntries += run.ProcessedEntries
	}
	for _, e := range s.state.errors {
		if e.CreatedAt.Before(since) {
			continue
		}
		stats.TotalErrors++
		stats.ErrorsByType[e.ErrorType]++
		stats.ErrorsBySeverity[e.Severity]++
	}
	return stats, nil
}

func (s *MemoryStore) DeleteRuns(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, ok := s.state.runs[id]; !ok {
			continue
		}
		delete(s.state.runs, id)
		deleted++

		for fileID, file := range s.state.files {
			if file.RunID != id {
				continue
			}
			for chunkID, chunk := range s.state.chunks {
				if chunk.FileID == fileID {
					delete(s.state.chunks, chunkID)
				}
			}
			delete(s.state.files, fileID)
		}
		for errID, e := range s.state.errors {
			if e.RunID == id {
				delete(s.state.errors, errID)
			}
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

type memTx struct {
	st   memState
	undo []func()
}

// put writes v under k and journals the previous row.
func put[K comparable, V any](tx *memTx, m map[K]V, k K, v V) {
	prev, had := m[k]
	tx.undo = append(tx.undo, func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return getRun(tx.st, id)
}

func (tx *memTx) GetFile(ctx context.Context, id string) (*models.File, error) {
	return getFile(tx.st, id)
}

func (tx *memTx) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	return getChunk(tx.st, id)
}

func (tx *memTx) InsertRun(ctx context.Context, run *models.Run) error {
	put(tx, tx.st.runs, run.ID, *run)
	return nil
}

func (tx *memTx) UpdateRun(ctx context.Context, run *models.Run) error {
	if _, ok := tx.st.runs[run.ID]; !ok {
		return ErrNotFound
	}
	put(tx, tx.st.runs, run.ID, *run)
	return nil
}

func (tx *memTx) InsertFile(ctx context.Context, file *models.File) error {
	if _, ok := tx.st.runs[file.RunID]; !ok {
		return ErrNotFound
	}
	put(tx, tx.st.files, file.ID, *file)
	return nil
}

func (tx *memTx) UpdateFile(ctx context.Context, file *models.File) error {
	if _, ok := tx.st.files[file.ID]; !ok {
		return ErrNotFound
	}
	put(tx, tx.st.files, file.ID, *file)
	return nil
}

func (tx *memTx) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	for _, chunk := range chunks {
		if _, ok := tx.st.files[chunk.FileID]; !ok {
			return ErrNotFound
		}
		put(tx, tx.st.chunks, chunk.ID, chunk)
	}
	return nil
}

func (tx *memTx) UpdateChunk(ctx context.Context, chunk *models.Chunk) error {
	if _, ok := tx.st.chunks[chunk.ID]; !ok {
		return ErrNotFound
	}
	put(tx, tx.st.chunks, chunk.ID, *chunk)
	return nil
}

func (tx *memTx) InsertError(ctx context.Context, e *models.IngestionError) error {
	if _, ok := tx.st.runs[e.RunID]; !ok {
		return ErrNotFound
	}
	put(tx, tx.st.errors, e.ID, *e)
	return nil
}

func (tx *memTx) ListRunFiles(ctx context.Context, runID string) ([]models.File, error) {
	return runFiles(tx.st, runID), nil
}

func (tx *memTx) ListFileChunks(ctx context.Context, fileID string) ([]models.Chunk, error) {
	return fileChunks(tx.st, fileID), nil
}

func getRun(st memState, id string) (*models.Run, error) {
	run, ok := st.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

func getFile(st memState, id string) (*models.File, error) {
	file, ok := st.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &file, nil
}

func getChunk(st memState, id string) (*models.Chunk, error) {
	chunk, ok := st.chunks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &chunk, nil
}

func runFiles(st memState, runID string) []models.File {
	var files []models.File
	for _, file := range st.files {
		if file.RunID == runID {
			files = append(files, file)
		}
	}
	slices.SortFunc(files, func(a, b models.File) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return files
}

func fileChunks(st memState, fileID string) []models.Chunk {
	var chunks []models.Chunk
	for _, chunk := range st.chunks {
		if chunk.FileID == fileID {
			chunks = append(chunks, chunk)
		}
	}
	slices.SortFunc(chunks, func(a, b models.Chunk) int {
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	return chunks
}

func paginate[T any](items []T, page models.Page) []T {
	page = page.Normalize()
	offset := page.Offset()
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+page.PageSize, len(items))
	return items[offset:end]
}
