package storage

import (
	"context"
	"time"
)

// Storage is the artifact store for screenshots and archived logs.
type Storage interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	// Presign returns a time-limited download URL for an object.
	Presign(ctx context.Context, objectPath string, expiry time.Duration) (string, error)
	Close()
}
