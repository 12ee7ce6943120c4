package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

type Tx interface {
	Querier
	IsOpen() bool
	// Owned is false when the transaction was joined from an outer GetTx call.
	Owned() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transaction wraps sqlx.Tx. Only the owner commits or rolls back; joined
// handles leave that to the outermost caller.
type Transaction struct {
	*sqlx.Tx
	logger   ectologger.Logger
	isClosed bool
	owned    bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) *Transaction {
	return &Transaction{
		Tx:     tx,
		logger: logger,
		owned:  true,
	}
}

// joinedTx is an inner handle on a transaction owned further up the stack.
type joinedTx struct {
	*Transaction
}

func (j joinedTx) Owned() bool { return false }

func (j joinedTx) Commit(context.Context) error { return nil }

func (j joinedTx) Rollback(context.Context) error { return nil }

// TxFromContext returns the open transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) Tx {
	tx, ok := ctx.Value(txKey).(*Transaction)
	if !ok || tx == nil || !tx.IsOpen() {
		return nil
	}
	return tx
}

// GetTx begins a transaction, or joins the one already open on ctx.
//
//	ctx, tx, err := db.GetTx(ctx, nil)
//	if err != nil { return err }
//	defer tx.Rollback(ctx)
//	...
//	return tx.Commit(ctx)
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(*Transaction); ok && existing != nil && existing.IsOpen() {
		return ctx, joinedTx{existing}, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction: %w", err)
	}

	newTx := NewTx(tx, logger)
	ctx = context.WithValue(ctx, txKey, newTx)
	return ctx, newTx, nil
}

func (t *Transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *Transaction) Owned() bool {
	return t.owned
}

// Rollback aborts the transaction unless it was already committed, which
// makes it safe to defer unconditionally.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil
	}
	t.isClosed = true

	if err := t.Tx.Rollback(); err != nil && err != sql.ErrTxDone {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction: %w", err)
	}
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil
	}
	t.isClosed = true

	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction: %w", err)
	}
	return nil
}

// Transactor runs fn inside one transaction. Stores that reach the
// connection through DB.Conn(ctx) join it automatically.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransactorFunc adapts a function to Transactor.
type TransactorFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f TransactorFunc) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// NoTx runs fn directly, for stores without transactions.
var NoTx Transactor = TransactorFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})

// WithinTx commits fn's writes as one unit. AfterCommit callbacks queued by
// fn run once the owning transaction commits and are dropped on rollback.
func (db *DatabaseInstance) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, tx, err := db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if !tx.Owned() {
		return fn(ctx)
	}

	ctx, flush := WithCommitHooks(ctx)
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	flush()
	return nil
}

type commitHooksKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

// AfterCommit defers fn until the transaction collecting hooks on ctx
// commits. Without one, fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	hooks, ok := ctx.Value(commitHooksKey{}).(*commitHooks)
	if !ok {
		fn()
		return
	}
	hooks.mu.Lock()
	hooks.fns = append(hooks.fns, fn)
	hooks.mu.Unlock()
}

// WithCommitHooks makes ctx collect AfterCommit callbacks. A Transactor
// calls flush after its commit succeeded; on rollback it never does.
func WithCommitHooks(ctx context.Context) (_ context.Context, flush func()) {
	hooks := &commitHooks{}
	return context.WithValue(ctx, commitHooksKey{}, hooks), func() {
		hooks.mu.Lock()
		fns := hooks.fns
		hooks.fns = nil
		hooks.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}
