package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Terminator kills random backends of the current database while the stress
// actors run. Services must surface the dropped connection as a persistence
// error and leave no partial writes.
type Terminator struct {
	Pool     *pgxpool.Pool
	Interval time.Duration
	// Odds is the chance, one in Odds, of a kill on each tick.
	Odds   int
	killed atomic.Int64
}

// Run blocks until ctx is cancelled or stop is closed.
func (t *Terminator) Run(ctx context.Context, stop <-chan struct{}) {
	interval := t.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	odds := t.Odds
	if odds <= 0 {
		odds = 5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(odds) != 0 {
				continue
			}
			var n int64
			err := t.Pool.QueryRow(ctx, `
				SELECT COUNT(*) FROM (
				    SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				    WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
				    ORDER BY random() LIMIT 1
				) AS killed`).Scan(&n)
			if err == nil {
				t.killed.Add(n)
			}
		}
	}
}

// Killed returns how many backends were terminated.
func (t *Terminator) Killed() int64 {
	return t.killed.Load()
}
