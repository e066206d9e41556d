package models

import (
	"errors"
	"math"
	"sort"
	"testing"
	"time"
)

func TestPlanChunks_PartitionsRows(t *testing.T) {
	tests := []struct {
		name       string
		entryCount int
		chunkSize  int
		expected   int
	}{
		{name: "exact multiple", entryCount: 300, chunkSize: 100, expected: 3},
		{name: "remainder chunk", entryCount: 250, chunkSize: 100, expected: 3},
		{name: "single short chunk", entryCount: 7, chunkSize: 100, expected: 1},
		{name: "empty file", entryCount: 0, chunkSize: 100, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := PlanChunks("file_1", tt.entryCount, tt.chunkSize)
			if err != nil {
				t.Fatalf("PlanChunks returned error: %v", err)
			}
			if len(chunks) != tt.expected {
				t.Fatalf("expected %d chunks, got %d", tt.expected, len(chunks))
			}

			next, rows := 0, 0
			for i, c := range chunks {
				if c.ChunkIndex != i {
					t.Errorf("chunk %d has index %d", i, c.ChunkIndex)
				}
				if c.StartRow != next {
					t.Errorf("chunk %d starts at %d, want %d (gap or overlap)", i, c.StartRow, next)
				}
				if c.RowCount != c.EndRow-c.StartRow {
					t.Errorf("chunk %d row count %d does not match bounds", i, c.RowCount)
				}
				next = c.EndRow
				rows += c.RowCount
			}
			if rows != tt.entryCount {
				t.Errorf("chunks cover %d rows, want %d", rows, tt.entryCount)
			}
		})
	}
}

func TestPlanChunks_RejectsInvalidInput(t *testing.T) {
	if _, err := PlanChunks("file_1", 10, 0); err == nil {
		t.Error("expected error for zero chunk size")
	}
	if _, err := PlanChunks("file_1", -1, 10); err == nil {
		t.Error("expected error for negative entry count")
	}
}

func TestPlanChunks_BoundsSize(t *testing.T) {
	tests := []struct {
		name       string
		entryCount int
		chunkSize  int
	}{
		{name: "entry count beyond int32", entryCount: math.MaxInt, chunkSize: 1000},
		{name: "chunk size beyond int32", entryCount: 10, chunkSize: math.MaxInt},
		{name: "too many chunks", entryCount: 2_000_000_000, chunkSize: 1},
		{name: "one chunk over the cap", entryCount: MaxChunksPerFile + 1, chunkSize: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := PlanChunks("file_1", tt.entryCount, tt.chunkSize); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	chunks, err := PlanChunks("file_1", MaxChunksPerFile, 1)
	if err != nil {
		t.Fatalf("PlanChunks at the cap returned error: %v", err)
	}
	if len(chunks) != MaxChunksPerFile {
		t.Fatalf("expected %d chunks, got %d", MaxChunksPerFile, len(chunks))
	}
}

func TestCheckRunTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusRunning, StatusProcessing, false},
	}

	for _, tt := range tests {
		err := CheckRunTransition(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok {
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Errorf("%s -> %s: expected TransitionError, got %v", tt.from, tt.to, err)
			}
		}
	}
}

func TestCheckItemTransition(t *testing.T) {
	if err := CheckItemTransition("chunk", StatusPending, StatusProcessing); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := CheckItemTransition("chunk", StatusProcessing, StatusPending); err == nil {
		t.Error("expected processing -> pending to be rejected")
	}
	if err := CheckItemTransition("file", StatusCompleted, StatusFailed); err == nil {
		t.Error("expected completed -> failed to be rejected")
	}
}

func TestNewID_PrefixedAndSortable(t *testing.T) {
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		ids = append(ids, NewID(PrefixRun))
		time.Sleep(time.Millisecond)
	}

	for _, id := range ids {
		if !HasPrefix(id, PrefixRun) {
			t.Fatalf("id %q missing run prefix", id)
		}
	}

	if !sort.StringsAreSorted(ids) {
		t.Error("expected ids minted over time to sort in creation order")
	}
}

func TestRunIsRerun(t *testing.T) {
	parent := "run_parent"
	if (Run{}).IsRerun() {
		t.Error("original run reported as rerun")
	}
	if !(Run{ParentRunID: &parent}).IsRerun() {
		t.Error("run with parent not reported as rerun")
	}
}
