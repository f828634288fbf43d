package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnavailable is returned when neither a DSN nor a Docker daemon is available.
var ErrUnavailable = errors.New("infra: no database available (set TEST_DATABASE_URL or start docker)")

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness reuses TEST_DATABASE_URL inside an isolated schema when set, and
// otherwise boots a throwaway container. Migrations are applied either way.
func NewHarness(ctx context.Context) (*Harness, error) {
	shared := os.Getenv("TEST_DATABASE_URL")
	if shared == "" && !DockerAvailable(ctx) {
		return nil, ErrUnavailable
	}

	container, dsn, err := StartPostgres16(ctx, shared)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared != "")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Harness{container: container, pool: pool, teardown: teardown}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to provide a clean slate between tests.
func (h *Harness) Reset(ctx context.Context) error {
	const truncate = `
TRUNCATE TABLE outbox, visit_tasks, visits, agent_commission_balances, commission_events,
    stock_movements, order_items, orders, boards, surveys, customers, products CASCADE`
	if _, err := h.pool.Exec(ctx, truncate); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// PoolForTest returns a migrated pool for t, skipping t when no database is
// reachable. Resources are released through t.Cleanup.
func PoolForTest(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := NewHarness(ctx)
	if errors.Is(err, ErrUnavailable) {
		t.Skip(err.Error())
	}
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		h.Close(closeCtx)
	})
	return h.Pool()
}

// DockerAvailable reports whether a Docker daemon answers `docker info`.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
