package storage

import (
	"context"
	"fmt"
	"regexp"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mercury/internal/errs"
	"mercury/internal/proto"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Postgres keeps one row per profile: id, version and the JSON record.
type Postgres[T Record[T]] struct {
	pool  *pgxpool.Pool
	table string
}

// ConnectPostgres opens a pool and checks the server is reachable.
func ConnectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errs.Wrap(errors.Wrap(err, "create postgres pool"), errs.StorageFailed)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errors.Wrap(err, "ping postgres"), errs.StorageFailed)
	}
	return pool, nil
}

// NewPostgres creates the table when missing.
func NewPostgres[T Record[T]](ctx context.Context, pool *pgxpool.Pool, table string) (*Postgres[T], error) {
	if !tableName.MatchString(table) {
		return nil, errors.Newf("bad table name %q", table)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id      BYTEA PRIMARY KEY,
		version BIGINT NOT NULL,
		data    JSONB NOT NULL
	)`, table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, errs.Wrap(errors.Wrapf(err, "migrate %s", table), errs.StorageFailed)
	}
	return &Postgres[T]{pool: pool, table: table}, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres[T]) load(ctx context.Context, q querier, id proto.ProfileID, lock bool) (T, bool, error) {
	var zero T
	sql := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, p.table)
	if lock {
		sql += ` FOR UPDATE`
	}
	var data []byte
	err := q.QueryRow(ctx, sql, id[:]).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, errs.Wrap(err, errs.StorageFailed)
	}
	rec, err := decode[T](data)
	return rec, err == nil, err
}

func (p *Postgres[T]) Get(ctx context.Context, id proto.ProfileID) (T, error) {
	rec, ok, err := p.load(ctx, p.pool, id, false)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, notFound(id)
	}
	return visible(rec, id)
}

func (p *Postgres[T]) Set(ctx context.Context, rec T) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		return p.setTx(ctx, tx, rec)
	})
}

func (p *Postgres[T]) setTx(ctx context.Context, tx pgx.Tx, rec T) error {
	id := rec.RecordID()
	stored, found, err := p.load(ctx, tx, id, true)
	if err != nil {
		return err
	}
	write, err := admit(stored, found, rec)
	if err != nil || !write {
		return err
	}
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, version, data) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, data = EXCLUDED.data`, p.table)
	if _, err := tx.Exec(ctx, sql, id[:], int64(rec.RecordVersion()), raw); err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	return nil
}

func (p *Postgres[T]) Clear(ctx context.Context, id proto.ProfileID) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		stored, found, err := p.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !found || stored.IsTombstone() {
			return notFound(id)
		}
		return p.setTx(ctx, tx, stored.Tombstone())
	})
}

func (p *Postgres[T]) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	return nil
}
