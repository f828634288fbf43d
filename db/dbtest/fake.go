// Package dbtest provides in-memory stand-ins for the pgx transaction surface
// so workflow services can be exercised without a database.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Beginner hands out FakeTx values and remembers every one it created.
type Beginner struct {
	mu       sync.Mutex
	BeginErr error
	Txs      []*FakeTx
}

func (b *Beginner) Begin(context.Context) (pgx.Tx, error) {
	if b.BeginErr != nil {
		return nil, b.BeginErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := &FakeTx{}
	b.Txs = append(b.Txs, tx)
	return tx, nil
}

// Reads are served by faked repositories; the pool itself is never queried.
func (b *Beginner) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("dbtest: unexpected pool Exec")
}

func (b *Beginner) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("dbtest: unexpected pool Query")
}

func (b *Beginner) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("dbtest: unexpected pool QueryRow")
}

// Last returns the most recently started transaction, or nil.
func (b *Beginner) Last() *FakeTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Txs) == 0 {
		return nil
	}
	return b.Txs[len(b.Txs)-1]
}

// Committed counts transactions that reached Commit.
func (b *Beginner) Committed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, tx := range b.Txs {
		if tx.Committed {
			n++
		}
	}
	return n
}

// FakeTx records Commit and Rollback. Query methods panic: repositories are
// faked one level up.
type FakeTx struct {
	Committed  bool
	RolledBack bool
	CommitErr  error

	undo []func()
}

// OnRollback registers fn to run if the transaction rolls back, so faked
// repositories can discard what they wrote under it.
func (f *FakeTx) OnRollback(fn func()) {
	f.undo = append(f.undo, fn)
}

func (f *FakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: nested transactions not supported")
}

func (f *FakeTx) Commit(context.Context) error {
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.Committed = true
	return nil
}

func (f *FakeTx) Rollback(context.Context) error {
	if f.Committed || f.RolledBack {
		return nil
	}
	f.RolledBack = true
	for i := len(f.undo) - 1; i >= 0; i-- {
		f.undo[i]()
	}
	f.undo = nil
	return nil
}

func (f *FakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *FakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *FakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *FakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *FakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *FakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *FakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *FakeTx) Conn() *pgx.Conn {
	return nil
}
