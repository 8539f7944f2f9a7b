package repository

import (
	"context"
	"time"

	"github.com/mvajha/talon/internal/db"
	"github.com/mvajha/talon/model"
)

// LogRepository is the log sink. Sandbox agents append lines through the
// ingest endpoint; the tail subscription reads them back by seq.
type LogRepository struct {
	db *db.DB
}

func NewLogRepository(db *db.DB) *LogRepository {
	return &LogRepository{db: db}
}

func (r *LogRepository) Append(ctx context.Context, jobID string, ts time.Time, message string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, ts, message)
		VALUES ($1, $2, $3)
	`, jobID, ts, message)
	return err
}

// Tail returns up to limit lines with seq greater than afterSeq, in
// arrival order. The last returned seq is the continuation token for the
// next poll, so re-polling never replays from the start.
func (r *LogRepository) Tail(ctx context.Context, jobID string, afterSeq int64, limit int) ([]model.LogLine, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT seq, job_id, ts, message
		FROM job_logs
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, jobID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.Seq, &l.JobID, &l.Timestamp, &l.Message); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
