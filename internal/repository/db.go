// Package repository is the hand-written pgx persistence layer: one file per
// table, parameter structs, pgtype columns, and pgx.ErrNoRows signaling for
// guarded writes that matched no row.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{
		db: tx,
	}
}

// Store is the full persistence surface: the query methods plus transactional
// execution for writes that must commit or roll back together.
type Store interface {
	Querier

	// InTx runs fn inside a single database transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Querier) error) error
}

// TxDB is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxDB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgxStore implements Store on a pgx pool or connection.
type PgxStore struct {
	*Queries
	db TxDB
}

var _ Store = (*PgxStore)(nil)

func NewStore(db TxDB) *PgxStore {
	return &PgxStore{
		Queries: New(db),
		db:      db,
	}
}

func (s *PgxStore) InTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
