package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pricewatch/ingestd/internal/models"
)

const errorColumns = `id, run_id, file_id, chunk_id, entry_id, error_type, error_message,
	error_details, severity, created_at`

// insertError appends an ingestion error. Errors are never updated.
func insertError(ctx context.Context, q queryer, e *models.IngestionError) error {
	if e.ID == "" {
		e.ID = models.NewID(models.PrefixError)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var details sql.NullString
	if e.ErrorDetails != "" {
		if !json.Valid([]byte(e.ErrorDetails)) {
			return fmt.Errorf("error details must be valid JSON")
		}
		details = sql.NullString{String: e.ErrorDetails, Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO ingestion_errors (`+errorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		e.ID,
		e.RunID,
		nullString(e.FileID),
		nullString(e.ChunkID),
		nullString(e.EntryID),
		e.ErrorType,
		e.ErrorMessage,
		details,
		string(e.Severity),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ingestion error: %w", err)
	}
	return nil
}

// ListErrors lists ingestion errors newest first.
func (s *PostgresTrackerStore) ListErrors(ctx context.Context, filter models.ErrorFilter, page models.Page) ([]models.IngestionError, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("run_id", filter.RunID)
	add("file_id", filter.FileID)
	add("chunk_id", filter.ChunkID)
	add("severity", string(filter.Severity))
	add("error_type", filter.ErrorType)
	clause := whereClause(where)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingestion_errors"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ingestion errors: %w", err)
	}

	query := "SELECT " + errorColumns + " FROM ingestion_errors" + clause +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, page.PageSize, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query ingestion errors: %w", err)
	}
	defer rows.Close()

	errs := []models.IngestionError{}
	for rows.Next() {
		var (
			e                        models.IngestionError
			fileID, chunkID, entryID sql.NullString
			details                  sql.NullString
			severity                 string
		)
		if err := rows.Scan(
			&e.ID,
			&e.RunID,
			&fileID,
			&chunkID,
			&entryID,
			&e.ErrorType,
			&e.ErrorMessage,
			&details,
			&severity,
			&e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan ingestion error: %w", err)
		}

		e.FileID = stringPtr(fileID)
		e.ChunkID = stringPtr(chunkID)
		e.EntryID = stringPtr(entryID)
		if details.Valid {
			e.ErrorDetails = details.String
		}
		e.Severity = models.Severity(severity)
		e.CreatedAt = e.CreatedAt.UTC()
		errs = append(errs, e)
	}

	return errs, total, rows.Err()
}

// aggregateErrors fills the error totals and breakdowns of stats.
func aggregateErrors(ctx context.Context, q queryer, since time.Time, stats *models.Stats) error {
	rows, err := q.QueryContext(ctx, `
		SELECT error_type, severity, COUNT(*)
		FROM ingestion_errors
		WHERE created_at >= $1
		GROUP BY error_type, severity
	`, since)
	if err != nil {
		return fmt.Errorf("failed to aggregate ingestion errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var errorType, severity string
		var count int
		if err := rows.Scan(&errorType, &severity, &count); err != nil {
			return fmt.Errorf("failed to scan error counts: %w", err)
		}
		stats.TotalErrors += count
		stats.ErrorsByType[errorType] += count
		stats.ErrorsBySeverity[models.Severity(severity)] += count
	}
	return rows.Err()
}
