package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const documentsTable = "documents"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresBackend stores documents as JSONB rows of a single table created
// by the migrations package.
type PostgresBackend struct {
	db *pgxpool.Pool
}

// NewPostgresBackend creates a backend over an open pool.
func NewPostgresBackend(db *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Get(ctx context.Context, path string) (DocumentSnapshot, error) {
	_, id, err := splitDocPath(path)
	if err != nil {
		return DocumentSnapshot{}, err
	}

	query, args, err := psql.Select("data").From(documentsTable).Where(sq.Eq{"path": path}).ToSql()
	if err != nil {
		return DocumentSnapshot{}, fmt.Errorf("failed to build query: %w", err)
	}

	var data map[string]any
	err = b.db.QueryRow(ctx, query, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return DocumentSnapshot{Path: path, ID: id}, nil
	}
	if err != nil {
		return DocumentSnapshot{}, classifyPgError(fmt.Errorf("failed to get document %s: %w", path, err))
	}
	return DocumentSnapshot{Path: path, ID: id, Exists: true, Data: data}, nil
}

func (b *PostgresBackend) Query(ctx context.Context, q Query) ([]DocumentSnapshot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	builder := psql.Select("path", "data").From(documentsTable).Where(sq.Eq{"parent": q.collection})
	for _, f := range q.filters {
		field := fieldPathArray(f.Field)
		switch f.Op {
		case OpEqual:
			if f.Value == nil {
				builder = builder.Where(sq.Or{
					sq.Expr("data #> ?::text[] IS NULL", field),
					sq.Expr("data #> ?::text[] = 'null'::jsonb", field),
				})
				continue
			}
			value, err := json.Marshal(f.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to encode filter value: %w", err)
			}
			builder = builder.Where(sq.Expr("data #> ?::text[] = ?::jsonb", field, string(value)))
		case OpArrayContains:
			value, err := json.Marshal([]any{f.Value})
			if err != nil {
				return nil, fmt.Errorf("failed to encode filter value: %w", err)
			}
			builder = builder.Where(sq.Expr("jsonb_typeof(data #> ?::text[]) = 'array' AND data #> ?::text[] @> ?::jsonb", field, field, string(value)))
		}
	}

	if q.orderBy != "" {
		if q.dir == Desc {
			builder = builder.OrderByClause("data #> ?::text[] DESC NULLS LAST", fieldPathArray(q.orderBy)).OrderBy("path DESC")
		} else {
			builder = builder.OrderByClause("data #> ?::text[] ASC NULLS FIRST", fieldPathArray(q.orderBy)).OrderBy("path ASC")
		}
	} else {
		builder = builder.OrderBy("path ASC")
	}
	if q.limit > 0 {
		builder = builder.Limit(uint64(q.limit))
	}
	if q.offset > 0 {
		builder = builder.Offset(uint64(q.offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to query %s: %w", q.collection, err))
	}
	defer rows.Close()

	docs := make([]DocumentSnapshot, 0)
	for rows.Next() {
		var (
			path string
			data map[string]any
		)
		if err := rows.Scan(&path, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		_, id, _ := splitDocPath(path)
		docs = append(docs, DocumentSnapshot{Path: path, ID: id, Exists: true, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to iterate documents: %w", err))
	}
	return docs, nil
}

// Commit locks every touched row, applies the writes in memory and persists
// the results in one transaction.
func (b *PostgresBackend) Commit(ctx context.Context, writes []Write) error {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	paths := make([]string, 0, len(writes))
	for _, w := range writes {
		paths = append(paths, w.Path)
	}

	query, args, err := psql.Select("path", "data").From(documentsTable).
		Where(sq.Eq{"path": paths}).OrderBy("path").Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to lock documents: %w", err))
	}
	original := make(map[string]map[string]any, len(writes))
	for rows.Next() {
		var (
			path string
			data map[string]any
		)
		if err := rows.Scan(&path, &data); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan document: %w", err)
		}
		original[path] = data
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classifyPgError(fmt.Errorf("failed to lock documents: %w", err))
	}

	type staged struct {
		data   map[string]any
		exists bool
	}
	pending := make(map[string]staged, len(writes))
	order := make([]string, 0, len(writes))
	for _, w := range writes {
		cur, ok := pending[w.Path]
		if !ok {
			data, exists := original[w.Path]
			cur = staged{data: data, exists: exists}
			order = append(order, w.Path)
		}
		next, exists, err := w.apply(cur.data, cur.exists)
		if err != nil {
			return err
		}
		pending[w.Path] = staged{data: next, exists: exists}
	}

	for _, path := range order {
		st := pending[path]
		_, existed := original[path]
		if err := b.persist(ctx, tx, path, st.data, existed, st.exists); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (b *PostgresBackend) persist(ctx context.Context, tx pgx.Tx, path string, data map[string]any, existed, exists bool) error {
	var builder sq.Sqlizer
	switch {
	case !existed && !exists:
		return nil
	case existed && !exists:
		builder = psql.Delete(documentsTable).Where(sq.Eq{"path": path})
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", path, err)
		}
		if existed {
			builder = psql.Update(documentsTable).
				Set("data", sq.Expr("?::jsonb", string(raw))).
				Set("updated_at", sq.Expr("now()")).
				Where(sq.Eq{"path": path})
		} else {
			// A concurrent insert of the same path surfaces as zero rows
			// affected because the row did not exist when it was locked.
			builder = psql.Insert(documentsTable).
				Columns("path", "parent", "data").
				Values(path, parentOf(path), sq.Expr("?::jsonb", string(raw))).
				Suffix("ON CONFLICT (path) DO NOTHING")
		}
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build statement: %w", err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to write document %s: %w", path, err))
	}
	if !existed && exists && tag.RowsAffected() == 0 {
		return fmt.Errorf("%s was created concurrently: %w", path, ErrUnavailable)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.db.Close()
	return nil
}

func fieldPathArray(field string) []string {
	return strings.Split(field, ".")
}

// classifyPgError marks errors worth retrying with ErrUnavailable.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected,
			pgErr.Code == pgerrcode.TransactionRollback,
			pgErr.Code == pgerrcode.CannotConnectNow:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return err
}
