package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/metrics"
)

// startContainer runs image and returns host:port for the exposed port.
func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

// openEventually retries OpenSQL until the server accepts connections.
func openEventually(t *testing.T, driver, dsn string) *SQL {
	t.Helper()
	var (
		s   *SQL
		err error
	)
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err = OpenSQL(ctx, driver, dsn, metrics.NewCollector())
		return err == nil
	}, 60*time.Second, time.Second, "open %s", driver)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestSQL_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "synthkit",
			"POSTGRES_PASSWORD": "synthkit",
			"POSTGRES_DB":       "synthkit",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432")

	s := openEventually(t, config.StorePostgres,
		fmt.Sprintf("postgres://synthkit:synthkit@%s/synthkit?sslmode=disable", addr))
	// Schema creation is idempotent.
	require.NoError(t, s.InitSchema(context.Background()))

	testJobStore(t, s, "pg")
}

func TestSQL_MySQL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mysql:8.4",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "synthkit",
			"MYSQL_DATABASE":      "synthkit",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(120 * time.Second),
	}, "3306")

	s := openEventually(t, config.StoreMySQL, fmt.Sprintf("root:synthkit@tcp(%s)/synthkit", addr))
	testJobStore(t, s, "my")
}

func TestOpenSQL_UnsupportedDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "sqlite", "", nil)
	require.ErrorIs(t, err, config.ErrConfig)
}
