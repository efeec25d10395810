package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/flowdial/internal/database/models"
)

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

const callLogColumns = `id, call_id, direction, number, display_name, disposition,
	 start_time, answer_time, end_time, duration`

func (r *callLogRepo) Create(ctx context.Context, e *models.CallLogEntry) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (call_id, direction, number, display_name, disposition,
		 start_time, answer_time, end_time, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.Direction, e.Number, e.DisplayName, e.Disposition,
		e.StartTime, e.AnswerTime, e.EndTime, e.Duration,
	)
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// GetByCallID returns ErrNotFound when no entry exists for callID.
func (r *callLogRepo) GetByCallID(ctx context.Context, callID string) (*models.CallLogEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_log WHERE call_id = ?`, callID)

	var e models.CallLogEntry
	err := row.Scan(&e.ID, &e.CallID, &e.Direction, &e.Number, &e.DisplayName,
		&e.Disposition, &e.StartTime, &e.AnswerTime, &e.EndTime, &e.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call log entry: %w", err)
	}
	return &e, nil
}

func (r *callLogRepo) Update(ctx context.Context, e *models.CallLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_log SET direction = ?, number = ?, display_name = ?, disposition = ?,
		 start_time = ?, answer_time = ?, end_time = ?, duration = ?
		 WHERE id = ?`,
		e.Direction, e.Number, e.DisplayName, e.Disposition,
		e.StartTime, e.AnswerTime, e.EndTime, e.Duration, e.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call log entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, newest first, along with the
// total count.
func (r *callLogRepo) List(ctx context.Context, filter CallLogFilter) ([]models.CallLogEntry, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Disposition != "" {
		where += " AND disposition = ?"
		args = append(args, filter.Disposition)
	}
	if filter.Search != "" {
		where += " AND (number LIKE ? OR display_name LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + callLogColumns + ` FROM call_log WHERE ` + where +
		` ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call log: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLogEntry
	for rows.Next() {
		var e models.CallLogEntry
		if err := rows.Scan(&e.ID, &e.CallID, &e.Direction, &e.Number, &e.DisplayName,
			&e.Disposition, &e.StartTime, &e.AnswerTime, &e.EndTime, &e.Duration); err != nil {
			return nil, 0, fmt.Errorf("scanning call log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call log rows: %w", err)
	}
	return entries, total, nil
}

// CountByDisposition returns the number of entries per disposition.
func (r *callLogRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM call_log GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting call log by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var d string
		var n int64
		if err := rows.Scan(&d, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		counts[d] = n
	}
	return counts, rows.Err()
}

// DeleteBefore removes entries that started before cutoff and reports how
// many were removed.
func (r *callLogRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM call_log WHERE start_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning call log: %w", err)
	}
	return res.RowsAffected()
}
