package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
)

const runColumns = `id, chain_slug, source, status, total_files, processed_files, total_entries,
	processed_entries, error_count, started_at, completed_at, parent_run_id, rerun_type,
	rerun_target_id, created_at, updated_at`

const fileColumns = `id, run_id, filename, file_type, file_size, file_hash, status, entry_count,
	total_chunks, processed_chunks, chunk_size, processed_at, created_at`

const chunkColumns = `id, file_id, chunk_index, start_row, end_row, row_count, status,
	persisted_count, error_count, processed_at`

// PostgresTrackerStore implements ingestion.Store using PostgreSQL.
type PostgresTrackerStore struct {
	db *sql.DB
}

var _ ingestion.Store = (*PostgresTrackerStore)(nil)

// NewPostgresTrackerStore creates a new PostgreSQL-based tracker store.
func NewPostgresTrackerStore(db *sql.DB) *PostgresTrackerStore {
	return &PostgresTrackerStore{db: db}
}

// maxTxAttempts bounds how often Atomically reruns a transaction that
// Postgres aborted on a deadlock or serialization failure.
const maxTxAttempts = 3

// Atomically runs fn inside a transaction and commits when it succeeds.
// Transactions aborted by a lock conflict are retried.
func (s *PostgresTrackerStore) Atomically(ctx context.Context, fn func(tx ingestion.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.atomically(ctx, fn)
		if err == nil || !isLockConflict(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (s *PostgresTrackerStore) atomically(ctx context.Context, fn func(tx ingestion.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isLockConflict reports a deadlock_detected or serialization_failure abort.
func isLockConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40P01" || pqErr.Code == "40001"
}

func (s *PostgresTrackerStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return getRun(ctx, s.db, id, false)
}

func (s *PostgresTrackerStore) GetFile(ctx context.Context, id string) (*models.File, error) {
	return getFile(ctx, s.db, id, false)
}

func (s *PostgresTrackerStore) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	return getChunk(ctx, s.db, id, false)
}

// ListRuns lists runs newest first.
func (s *PostgresTrackerStore) ListRuns(ctx context.Context, filter models.RunFilter, page models.Page) ([]models.Run, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.ChainSlug != "" {
		args = append(args, filter.ChainSlug)
		where = append(where, fmt.Sprintf("chain_slug = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ParentRunID != "" {
		args = append(args, filter.ParentRunID)
		where = append(where, fmt.Sprintf("parent_run_id = $%d", len(args)))
	}
	clause := whereClause(where)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingestion_runs"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := "SELECT " + runColumns + " FROM ingestion_runs" + clause +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, page.PageSize, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *run)
	}
	return runs, total, rows.Err()
}

// ListFiles lists a run's files in discovery order.
func (s *PostgresTrackerStore) ListFiles(ctx context.Context, runID string, filter models.FileFilter, page models.Page) ([]models.File, int, error) {
	where := []string{"run_id = $1"}
	args := []any{runID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := whereClause(where)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingestion_files"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count files: %w", err)
	}

	query := "SELECT " + fileColumns + " FROM ingestion_files" + clause +
		fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, page.PageSize, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	files := []models.File{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, *file)
	}
	return files, total, rows.Err()
}

// ListChunks lists a file's chunks by index.
func (s *PostgresTrackerStore) ListChunks(ctx context.Context, fileID string, filter models.ChunkFilter, page models.Page) ([]models.Chunk, int, error) {
	where := []string{"file_id = $1"}
	args := []any{fileID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := whereClause(where)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingestion_chunks"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count chunks: %w", err)
	}

	query := "SELECT " + chunkColumns + " FROM ingestion_chunks" + clause +
		fmt.Sprintf(" ORDER BY chunk_index ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, page.PageSize, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	chunks := []models.Chunk{}
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, 0, err
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, total, rows.Err()
}

// Stats aggregates runs created and errors recorded since the given time.
func (s *PostgresTrackerStore) Stats(ctx context.Context, since time.Time) (*models.Stats, error) {
	stats := models.NewStats("", since)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(total_files), 0),
			COALESCE(SUM(processed_files), 0),
			COALESCE(SUM(total_entries), 0),
			COALESCE(SUM(processed_entries), 0)
		FROM ingestion_runs
		WHERE created_at >= $1
	`, since).Scan(&stats.TotalRuns, &stats.TotalFiles, &stats.ProcessedFiles, &stats.TotalEntries, &stats.ProcessedEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM ingestion_runs WHERE created_at >= $1 GROUP BY status
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate run statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan run status count: %w", err)
		}
		stats.RunsByStatus[models.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := aggregateErrors(ctx, s.db, since, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// DeleteRuns removes runs; files, chunks and errors follow by cascade.
func (s *PostgresTrackerStore) DeleteRuns(ctx context.Context, ids []string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM ingestion_runs WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func (s *PostgresTrackerStore) Ping(ctx context.Context) error {
	return HealthCheck(ctx, s.db)
}

// postgresTx locks every row it reads until commit.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return getRun(ctx, t.tx, id, true)
}

func (t *postgresTx) GetFile(ctx context.Context, id string) (*models.File, error) {
	return getFile(ctx, t.tx, id, true)
}

func (t *postgresTx) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	return getChunk(ctx, t.tx, id, true)
}

func (t *postgresTx) InsertRun(ctx context.Context, run *models.Run) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ingestion_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		run.ID,
		run.ChainSlug,
		string(run.Source),
		string(run.Status),
		run.TotalFiles,
		run.ProcessedFiles,
		run.TotalEntries,
		run.ProcessedEntries,
		run.ErrorCount,
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullString(run.ParentRunID),
		nullRerunType(run.RerunType),
		nullString(run.RerunTargetID),
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateRun(ctx context.Context, run *models.Run) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ingestion_runs SET
			status = $2,
			total_files = $3,
			processed_files = $4,
			total_entries = $5,
			processed_entries = $6,
			error_count = $7,
			started_at = $8,
			completed_at = $9,
			updated_at = $10
		WHERE id = $1
	`,
		run.ID,
		string(run.Status),
		run.TotalFiles,
		run.ProcessedFiles,
		run.TotalEntries,
		run.ProcessedEntries,
		run.ErrorCount,
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return requireAffected(res, ingestion.ErrNotFound)
}

func (t *postgresTx) InsertFile(ctx context.Context, file *models.File) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ingestion_files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		file.ID,
		file.RunID,
		file.Filename,
		file.FileType,
		file.FileSize,
		file.FileHash,
		string(file.Status),
		file.EntryCount,
		file.TotalChunks,
		file.ProcessedChunks,
		file.ChunkSize,
		nullTime(file.ProcessedAt),
		file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateFile(ctx context.Context, file *models.File) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ingestion_files SET
			status = $2,
			processed_chunks = $3,
			processed_at = $4
		WHERE id = $1
	`, file.ID, string(file.Status), file.ProcessedChunks, nullTime(file.ProcessedAt))
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	return requireAffected(res, ingestion.ErrNotFound)
}

func (t *postgresTx) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO ingestion_chunks (`+chunkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		_, err := stmt.ExecContext(ctx,
			c.ID,
			c.FileID,
			c.ChunkIndex,
			c.StartRow,
			c.EndRow,
			c.RowCount,
			string(c.Status),
			c.PersistedCount,
			c.ErrorCount,
			nullTime(c.ProcessedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return nil
}

func (t *postgresTx) UpdateChunk(ctx context.Context, chunk *models.Chunk) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ingestion_chunks SET
			status = $2,
			persisted_count = $3,
			error_count = $4,
			processed_at = $5
		WHERE id = $1
	`, chunk.ID, string(chunk.Status), chunk.PersistedCount, chunk.ErrorCount, nullTime(chunk.ProcessedAt))
	if err != nil {
		return fmt.Errorf("failed to update chunk: %w", err)
	}
	return requireAffected(res, ingestion.ErrNotFound)
}

func (t *postgresTx) InsertError(ctx context.Context, e *models.IngestionError) error {
	return insertError(ctx, t.tx, e)
}

func (t *postgresTx) ListRunFiles(ctx context.Context, runID string) ([]models.File, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM ingestion_files WHERE run_id = $1 ORDER BY created_at ASC, id ASC FOR UPDATE", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run files: %w", err)
	}
	defer rows.Close()

	var files []models.File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *file)
	}
	return files, rows.Err()
}

func (t *postgresTx) ListFileChunks(ctx context.Context, fileID string) ([]models.Chunk, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM ingestion_chunks WHERE file_id = $1 ORDER BY chunk_index ASC FOR UPDATE", fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, rows.Err()
}

func getRun(ctx context.Context, q queryer, id string, lock bool) (*models.Run, error) {
	query := "SELECT " + runColumns + " FROM ingestion_runs WHERE id = $1"
	if lock {
		query += " FOR UPDATE"
	}
	run, err := scanRun(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrNotFound
	}
	return run, err
}

func getFile(ctx context.Context, q queryer, id string, lock bool) (*models.File, error) {
	query := "SELECT " + fileColumns + " FROM ingestion_files WHERE id = $1"
	if lock {
		query += " FOR UPDATE"
	}
	file, err := scanFile(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrNotFound
	}
	return file, err
}

func getChunk(ctx context.Context, q queryer, id string, lock bool) (*models.Chunk, error) {
	query := "SELECT " + chunkColumns + " FROM ingestion_chunks WHERE id = $1"
	if lock {
		query += " FOR UPDATE"
	}
	chunk, err := scanChunk(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrNotFound
	}
	return chunk, err
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run                        models.Run
		source, status             string
		startedAt, completedAt     sql.NullTime
		parentRunID, rerunTargetID sql.NullString
		rerunType                  sql.NullString
	)

	err := row.Scan(
		&run.ID,
		&run.ChainSlug,
		&source,
		&status,
		&run.TotalFiles,
		&run.ProcessedFiles,
		&run.TotalEntries,
		&run.ProcessedEntries,
		&run.ErrorCount,
		&startedAt,
		&completedAt,
		&parentRunID,
		&rerunType,
		&rerunTargetID,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Source = models.RunSource(source)
	run.Status = models.Status(status)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.ParentRunID = stringPtr(parentRunID)
	run.RerunTargetID = stringPtr(rerunTargetID)
	if rerunType.Valid {
		rt := models.RerunType(rerunType.String)
		run.RerunType = &rt
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return &run, nil
}

func scanFile(row rowScanner) (*models.File, error) {
	var (
		file        models.File
		status      string
		processedAt sql.NullTime
	)

	err := row.Scan(
		&file.ID,
		&file.RunID,
		&file.Filename,
		&file.FileType,
		&file.FileSize,
		&file.FileHash,
		&status,
		&file.EntryCount,
		&file.TotalChunks,
		&file.ProcessedChunks,
		&file.ChunkSize,
		&processedAt,
		&file.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}

	file.Status = models.Status(status)
	file.ProcessedAt = timePtr(processedAt)
	file.CreatedAt = file.CreatedAt.UTC()
	return &file, nil
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var (
		chunk       models.Chunk
		status      string
		processedAt sql.NullTime
	)

	err := row.Scan(
		&chunk.ID,
		&chunk.FileID,
		&chunk.ChunkIndex,
		&chunk.StartRow,
		&chunk.EndRow,
		&chunk.RowCount,
		&status,
		&chunk.PersistedCount,
		&chunk.ErrorCount,
		&processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}

	chunk.Status = models.Status(status)
	chunk.ProcessedAt = timePtr(processedAt)
	return &chunk, nil
}

func nullRerunType(rt *models.RerunType) sql.NullString {
	if rt == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*rt), Valid: true}
}

func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}
