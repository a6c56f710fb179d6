// Package postgres is the pgx backed implementation of storage.Store. Every balance affecting
// write takes the account row lock (`SELECT ... FOR UPDATE`) for the life of its transaction.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/onemorebsmith/camly-rewards/src/storage"
	"github.com/pkg/errors"
)

// querier is satisfied by the pool, a pooled conn and a tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

func Connect(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool to pg")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	return &Store{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) DoQuery(ctx context.Context, handler func(conn *pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection to pg")
	}
	defer conn.Release()
	return handler(conn)
}

// DoTx runs handler in a transaction, committing only if it returns nil
func (s *Store) DoTx(ctx context.Context, handler func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := handler(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "failed to commit transaction")
}

func (s *Store) DoExec(ctx context.Context, command string, args ...any) error {
	_, err := s.pool.Exec(ctx, command, args...)
	return err
}

func (s *Store) DoExecOrDie(ctx context.Context, command string, args ...any) {
	if err := s.DoExec(ctx, command, args...); err != nil {
		panic(err)
	}
}
