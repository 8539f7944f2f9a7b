package db

import (
	"context"

	_ "embed"
)

//go:embed schema.sql
var schema string

// EnsureSchema creates the jobs, rate_limits and job_logs tables when they
// do not exist. Safe to run at every startup.
func (d *DB) EnsureSchema(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, schema)
	return err
}
