package db

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mvajha/talon/internal/db"
)

func SetupContainer(ctx context.Context) (testcontainers.Container, *db.DB, string) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "talon",
			"POSTGRES_PASSWORD": "talon123",
			"POSTGRES_DB":       "talon",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(err)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")

	POSTGRES_URL := fmt.Sprintf(
		"postgres://talon:talon123@%s:%s/talon?sslmode=disable",
		host,
		port.Port(),
	)

	os.Setenv("POSTGRES_URL", POSTGRES_URL)

	dbClient, err := db.New(ctx, POSTGRES_URL)
	if err != nil {
		panic(err)
	}
	if err := dbClient.EnsureSchema(ctx); err != nil {
		panic(err)
	}
	return container, dbClient, POSTGRES_URL
}

func TruncateTables(t *testing.T, dbClient *db.DB) {
	t.Helper()
	_, err := dbClient.Pool.Exec(context.Background(),
		`TRUNCATE TABLE jobs, rate_limits, job_logs RESTART IDENTITY`)
	require.NoError(t, err)
}
