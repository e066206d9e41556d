package models

import (
	"fmt"
	"math"
	"time"
)

// Run represents one ingestion attempt for one retailer chain.
type Run struct {
	ID               string     `json:"id"`
	ChainSlug        string     `json:"chainSlug"`
	Source           RunSource  `json:"source"`
	Status           Status     `json:"status"`
	TotalFiles       int        `json:"totalFiles"`
	ProcessedFiles   int        `json:"processedFiles"`
	TotalEntries     int        `json:"totalEntries"`
	ProcessedEntries int        `json:"processedEntries"`
	ErrorCount       int        `json:"errorCount"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ParentRunID      *string    `json:"parentRunId"`
	RerunType        *RerunType `json:"rerunType"`
	RerunTargetID    *string    `json:"rerunTargetId"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"` // Optimistic concurrency token for operator overrides
}

// IsRerun reports whether the run was created from a rerun request.
func (r Run) IsRerun() bool {
	return r.ParentRunID != nil
}

// RunSource identifies what started a run.
type RunSource string

const (
	RunSourceManual    RunSource = "manual"
	RunSourceScheduled RunSource = "scheduled"
	RunSourceWorker    RunSource = "worker"
)

// Valid reports whether s is a known run source.
func (s RunSource) Valid() bool {
	switch s {
	case RunSourceManual, RunSourceScheduled, RunSourceWorker:
		return true
	}
	return false
}

// RerunType is the granularity a rerun was requested at. A nil RerunType on a
// rerun means the whole run was repeated.
type RerunType string

const (
	RerunTypeFile  RerunType = "file"
	RerunTypeChunk RerunType = "chunk"
	RerunTypeEntry RerunType = "entry"
)

// File represents one source file discovered within a run.
type File struct {
	ID              string     `json:"id"`
	RunID           string     `json:"runId"`
	Filename        string     `json:"filename"`
	FileType        string     `json:"fileType"`
	FileSize        int64      `json:"fileSize"`
	FileHash        string     `json:"fileHash"` // Content hash, used to spot unchanged files across runs
	Status          Status     `json:"status"`
	EntryCount      int        `json:"entryCount"`
	TotalChunks     int        `json:"totalChunks"`
	ProcessedChunks int        `json:"processedChunks"`
	ChunkSize       int        `json:"chunkSize"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Chunk is one fixed-size slice of rows within a file, the atomic unit of
// (re)processing. EndRow is exclusive.
type Chunk struct {
	ID             string     `json:"id"`
	FileID         string     `json:"fileId"`
	ChunkIndex     int        `json:"chunkIndex"`
	StartRow       int        `json:"startRow"`
	EndRow         int        `json:"endRow"`
	RowCount       int        `json:"rowCount"`
	Status         Status     `json:"status"`
	PersistedCount int        `json:"persistedCount"`
	ErrorCount     int        `json:"errorCount"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
}

// Row counts are stored as 32-bit integers.
const (
	MaxEntryCount    = math.MaxInt32
	MaxChunksPerFile = 100_000
)

// PlanChunks partitions [0, entryCount) into chunks of chunkSize rows. The
// returned chunks carry index and row bounds only; IDs and status are assigned
// by the caller.
func PlanChunks(fileID string, entryCount, chunkSize int) ([]Chunk, error) {
	if entryCount < 0 || entryCount > MaxEntryCount {
		return nil, fmt.Errorf("entry count must be between 0 and %d, got %d", MaxEntryCount, entryCount)
	}
	if chunkSize <= 0 || chunkSize > MaxEntryCount {
		return nil, fmt.Errorf("chunk size must be between 1 and %d, got %d", MaxEntryCount, chunkSize)
	}

	count := entryCount / chunkSize
	if entryCount%chunkSize != 0 {
		count++
	}
	if count > MaxChunksPerFile {
		return nil, fmt.Errorf("%d entries in chunks of %d would need %d chunks, at most %d allowed", entryCount, chunkSize, count, MaxChunksPerFile)
	}

	chunks := make([]Chunk, 0, count)
	for start, idx := 0, 0; start < entryCount; start, idx = start+chunkSize, idx+1 {
		end := min(start+chunkSize, entryCount)
		chunks = append(chunks, Chunk{
			FileID:     fileID,
			ChunkIndex: idx,
			StartRow:   start,
			EndRow:     end,
			RowCount:   end - start,
		})
	}
	return chunks, nil
}
