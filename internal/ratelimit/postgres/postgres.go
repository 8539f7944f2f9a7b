package postgres

import (
	"context"
	"time"

	"github.com/mvajha/talon/internal/db"
	"github.com/mvajha/talon/internal/ratelimit"
	"github.com/mvajha/talon/internal/service/logger"
	"github.com/mvajha/talon/internal/util"
)

type PostgresLimiter struct {
	db    *db.DB
	limit int
	now   func() time.Time
}

func NewPostgresLimiter(db *db.DB, limit int) ratelimit.Limiter {
	return &PostgresLimiter{db: db, limit: limit, now: time.Now}
}

// Admit increments the counter for the (submitter, minute) bucket iff the
// result stays within the limit. The upsert's WHERE clause makes the
// check-and-increment a single atomic statement; concurrent submitters on
// the same bucket serialize on the row and the count never exceeds the
// limit.
func (l *PostgresLimiter) Admit(ctx context.Context, submitterID string) (bool, error) {
	bucket := util.MinuteBucket(submitterID, l.now())

	tag, err := l.db.Pool.Exec(ctx, `
		INSERT INTO rate_limits (bucket, count, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (bucket) DO UPDATE
		SET count = rate_limits.count + 1, updated_at = now()
		WHERE rate_limits.count < $2
	`, bucket, l.limit)
	if err != nil {
		// Fail open. Availability wins over strict enforcement here.
		logger.Log.Warn().Err(err).Str("bucket", bucket).Msg("rate limit store unavailable, admitting")
		return true, nil
	}
	return tag.RowsAffected() == 1, nil
}
