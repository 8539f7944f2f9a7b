//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/mvajha/talon/internal/db"
	tdb "github.com/mvajha/talon/tests/integration_test/infra/db"
)

var (
	container testcontainers.Container
	testDB    *db.DB
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, testDB, _ = tdb.SetupContainer(ctx)
	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestAdmitUpToLimit(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	limiter := NewPostgresLimiter(testDB, 5)

	for i := 0; i < 5; i++ {
		admitted, err := limiter.Admit(ctx, "user-1")
		require.NoError(t, err)
		require.True(t, admitted, "request %d should be admitted", i+1)
	}

	admitted, err := limiter.Admit(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, admitted, "request over the limit must be rejected")
}

func TestAdmitIsolatesSubmitters(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	limiter := NewPostgresLimiter(testDB, 1)

	admitted, err := limiter.Admit(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = limiter.Admit(ctx, "user-2")
	require.NoError(t, err)
	require.True(t, admitted, "a different submitter has its own bucket")
}

func TestAdmitConcurrentNeverExceedsLimit(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	limiter := NewPostgresLimiter(testDB, 20)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Admit(ctx, "user-1")
			require.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(20), admitted.Load())
}
