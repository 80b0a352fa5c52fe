// Package postgres provides the durable metadata store. It mirrors the
// semantics of the memory store on hand-written SQL; schema changes ship
// as embedded migrations applied at Open.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/aryla/kuha/internal/storage"
	"github.com/aryla/kuha/pkg/platform/sentinel"
)

//go:embed migrations/*.sql
var migrations embed.FS

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists harvested metadata in PostgreSQL.
//
// Mutations accumulate in a session transaction opened lazily by the
// first write and closed by Commit, so a harvest run reads its own
// pending writes but crashes leave the published data untouched.
// Concurrent reads are safe; mutations and Commit belong to a single
// goroutine, the harvest loop.
type Store struct {
	db    *sql.DB
	clock func() time.Time
	tx    *sql.Tx
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for record datestamps and the
// synchronization datestamp.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Open connects to the PostgreSQL at databaseURL, verifies the
// connection and brings the schema up to date.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close rolls back any uncommitted mutations and closes the pool.
func (s *Store) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

// Health checks if the database connection is healthy.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// now normalizes clock readings to UTC at second granularity, the finest
// precision datestamps are served with.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

// q returns the open session transaction when one exists, so reads
// observe pending writes, and the pool otherwise.
func (s *Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// begin opens the session transaction if none is open yet.
func (s *Store) begin(ctx context.Context) (querier, error) {
	if s.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

func (s *Store) ItemExists(ctx context.Context, identifier string, ignoreDeleted bool) (bool, error) {
	var exists bool
	err := s.q().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM items WHERE identifier = $1 AND NOT (deleted AND $2))`,
		identifier, ignoreDeleted,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check item: %w", err)
	}
	return exists, nil
}

func (s *Store) ListItems(ctx context.Context, ignoreDeleted bool) ([]storage.Item, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT identifier, deleted FROM items WHERE NOT (deleted AND $1) ORDER BY identifier`,
		ignoreDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []storage.Item
	for rows.Next() {
		var item storage.Item
		if err := rows.Scan(&item.Identifier, &item.Deleted); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *Store) GetItem(ctx context.Context, identifier string) (storage.Item, error) {
	var item storage.Item
	err := s.q().QueryRowContext(ctx,
		`SELECT identifier, deleted FROM items WHERE identifier = $1`,
		identifier,
	).Scan(&item.Identifier, &item.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Item{}, fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	if err != nil {
		return storage.Item{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (s *Store) UpsertItem(ctx context.Context, identifier string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO items (identifier, deleted)
		VALUES ($1, FALSE)
		ON CONFLICT (identifier) DO UPDATE SET deleted = FALSE
	`, identifier)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func (s *Store) MarkItemDeleted(ctx context.Context, identifier string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	result, err := q.ExecContext(ctx, `UPDATE items SET deleted = TRUE WHERE identifier = $1`, identifier)
	if err != nil {
		return fmt.Errorf("mark item deleted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark item deleted: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) ClearItemSets(ctx context.Context, identifier string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	exists, err := s.ItemExists(ctx, identifier, false)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM item_sets WHERE identifier = $1`, identifier); err != nil {
		return fmt.Errorf("clear item sets: %w", err)
	}
	return nil
}

func (s *Store) AddItemToSet(ctx context.Context, identifier, spec string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	exists, err := s.ItemExists(ctx, identifier, false)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	var setExists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sets WHERE spec = $1)`, spec).Scan(&setExists); err != nil {
		return fmt.Errorf("check set: %w", err)
	}
	if !setExists {
		return fmt.Errorf("set %q: %w", spec, sentinel.ErrNotFound)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO item_sets (identifier, spec)
		VALUES ($1, $2)
		ON CONFLICT (identifier, spec) DO NOTHING
	`, identifier, spec)
	if err != nil {
		return fmt.Errorf("add item to set: %w", err)
	}
	return nil
}

func (s *Store) FormatExists(ctx context.Context, prefix string, ignoreDeleted bool) (bool, error) {
	var exists bool
	err := s.q().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM formats WHERE prefix = $1 AND NOT (deleted AND $2))`,
		prefix, ignoreDeleted,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check format: %w", err)
	}
	return exists, nil
}

func (s *Store) ListFormats(ctx context.Context, query storage.FormatQuery) ([]storage.Format, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT f.prefix, f.namespace, f.schema, f.deleted
		FROM formats f
		WHERE NOT (f.deleted AND $1)
		  AND ($2 = '' OR EXISTS (
		        SELECT 1
		        FROM records r
		        JOIN items i ON i.identifier = r.identifier
		        WHERE r.identifier = $2
		          AND r.prefix = f.prefix
		          AND NOT ($1 AND (r.deleted OR i.deleted OR f.deleted))))
		ORDER BY f.prefix
	`, query.IgnoreDeleted, query.Identifier)
	if err != nil {
		return nil, fmt.Errorf("list formats: %w", err)
	}
	defer rows.Close()

	var formats []storage.Format
	for rows.Next() {
		var format storage.Format
		if err := rows.Scan(&format.Prefix, &format.Namespace, &format.Schema, &format.Deleted); err != nil {
			return nil, fmt.Errorf("scan format: %w", err)
		}
		formats = append(formats, format)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list formats: %w", err)
	}
	return formats, nil
}

func (s *Store) UpsertFormat(ctx context.Context, prefix, namespace, schema string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO formats (prefix, namespace, schema, deleted)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (prefix) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			schema = EXCLUDED.schema,
			deleted = FALSE
	`, prefix, namespace, schema)
	if err != nil {
		return fmt.Errorf("upsert format: %w", err)
	}
	return nil
}

func (s *Store) MarkFormatDeleted(ctx context.Context, prefix string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	result, err := q.ExecContext(ctx, `UPDATE formats SET deleted = TRUE WHERE prefix = $1`, prefix)
	if err != nil {
		return fmt.Errorf("mark format deleted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark format deleted: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("format %q: %w", prefix, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, query storage.RecordQuery) ([]storage.Record, error) {
	conditions := []string{"TRUE"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if query.Identifier != "" {
		conditions = append(conditions, "r.identifier = "+arg(query.Identifier))
	}
	if query.MetadataPrefix != "" {
		conditions = append(conditions, "r.prefix = "+arg(query.MetadataPrefix))
	}
	if query.Offset != "" {
		conditions = append(conditions, "r.identifier >= "+arg(query.Offset))
	}
	if query.From != nil {
		conditions = append(conditions, "r.datestamp >= "+arg(*query.From))
	}
	if query.Until != nil {
		conditions = append(conditions, "r.datestamp <= "+arg(*query.Until))
	}
	if query.IgnoreDeleted {
		conditions = append(conditions, "NOT (r.deleted OR i.deleted OR f.deleted)")
	}
	if query.Set != "" {
		spec := arg(query.Set)
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM item_sets m WHERE m.identifier = r.identifier AND (m.spec = %s OR m.spec LIKE %s || ':%%'))",
			spec, spec,
		))
	}

	sqlText := `
		SELECT r.identifier, r.prefix, r.payload, r.datestamp,
		       (r.deleted OR i.deleted OR f.deleted) AS deleted,
		       (SELECT array_agg(m.spec ORDER BY m.spec) FROM item_sets m WHERE m.identifier = r.identifier) AS sets
		FROM records r
		JOIN items i ON i.identifier = r.identifier
		JOIN formats f ON f.prefix = r.prefix
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY r.identifier, r.prefix`
	if query.Limit > 0 {
		sqlText += " LIMIT " + arg(query.Limit)
	}

	rows, err := s.q().QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []storage.Record
	for rows.Next() {
		var rec storage.Record
		var sets pq.StringArray
		if err := rows.Scan(&rec.Identifier, &rec.Prefix, &rec.Payload, &rec.Datestamp, &rec.Deleted, &sets); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Datestamp = rec.Datestamp.UTC()
		rec.Sets = sets
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func (s *Store) UpsertRecord(ctx context.Context, identifier, prefix, payload string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	itemExists, err := s.ItemExists(ctx, identifier, false)
	if err != nil {
		return err
	}
	if !itemExists {
		return fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	formatExists, err := s.FormatExists(ctx, prefix, false)
	if err != nil {
		return err
	}
	if !formatExists {
		return fmt.Errorf("format %q: %w", prefix, sentinel.ErrNotFound)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (identifier, prefix, payload, datestamp, deleted)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (identifier, prefix) DO UPDATE SET
			payload = EXCLUDED.payload,
			datestamp = EXCLUDED.datestamp,
			deleted = FALSE
	`, identifier, prefix, payload, s.now())
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// MarkRecordDeleted tombstones the record for the pair if one exists and
// advances its datestamp, so incremental harvesters see the deletion as
// a change. Marking a pair that was never harvested is a no-op.
func (s *Store) MarkRecordDeleted(ctx context.Context, identifier, prefix string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE records SET deleted = TRUE, datestamp = $3 WHERE identifier = $1 AND prefix = $2`,
		identifier, prefix, s.now(),
	)
	if err != nil {
		return fmt.Errorf("mark record deleted: %w", err)
	}
	return nil
}

func (s *Store) EarliestDatestamp(ctx context.Context, ignoreDeleted bool) (time.Time, bool, error) {
	var earliest sql.NullTime
	err := s.q().QueryRowContext(ctx, `
		SELECT MIN(r.datestamp)
		FROM records r
		JOIN items i ON i.identifier = r.identifier
		JOIN formats f ON f.prefix = r.prefix
		WHERE NOT ($1 AND (r.deleted OR i.deleted OR f.deleted))
	`, ignoreDeleted).Scan(&earliest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest datestamp: %w", err)
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return earliest.Time.UTC(), true, nil
}

func (s *Store) ListSets(ctx context.Context) ([]storage.Set, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT spec, name FROM sets ORDER BY spec`)
	if err != nil {
		return nil, fmt.Errorf("list sets: %w", err)
	}
	defer rows.Close()

	var sets []storage.Set
	for rows.Next() {
		var set storage.Set
		if err := rows.Scan(&set.Spec, &set.Name); err != nil {
			return nil, fmt.Errorf("scan set: %w", err)
		}
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sets: %w", err)
	}
	return sets, nil
}

// UpsertSet stores the set and synthesizes any missing ancestors, naming
// them by their last spec segment. An existing ancestor keeps its name.
func (s *Store) UpsertSet(ctx context.Context, spec, name string) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	for _, ancestor := range storage.Ancestors(spec) {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sets (spec, name)
			VALUES ($1, $2)
			ON CONFLICT (spec) DO NOTHING
		`, ancestor, storage.LastSegment(ancestor))
		if err != nil {
			return fmt.Errorf("upsert ancestor set: %w", err)
		}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sets (spec, name)
		VALUES ($1, $2)
		ON CONFLICT (spec) DO UPDATE SET name = EXCLUDED.name
	`, spec, name)
	if err != nil {
		return fmt.Errorf("upsert set: %w", err)
	}
	return nil
}

func (s *Store) LatestDatestamp(ctx context.Context) (time.Time, bool, error) {
	var latest time.Time
	err := s.q().QueryRowContext(ctx, `SELECT datestamp FROM sync_datestamp WHERE id = 1`).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest datestamp: %w", err)
	}
	return latest.UTC(), true, nil
}

// PurgeDeleted removes every entity carrying the deleted mark. Items and
// formats cascade onto their records and memberships.
func (s *Store) PurgeDeleted(ctx context.Context) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM records WHERE deleted`); err != nil {
		return fmt.Errorf("purge records: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM items WHERE deleted`); err != nil {
		return fmt.Errorf("purge items: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM formats WHERE deleted`); err != nil {
		return fmt.Errorf("purge formats: %w", err)
	}
	return nil
}

// Commit advances the synchronization datestamp and makes the pending
// mutations durable. Resumption tokens issued at or before the new
// datestamp are expired from then on.
func (s *Store) Commit(ctx context.Context) error {
	q, err := s.begin(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sync_datestamp (id, datestamp)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET datestamp = EXCLUDED.datestamp
	`, s.now())
	if err != nil {
		return fmt.Errorf("advance datestamp: %w", err)
	}
	if err := s.tx.Commit(); err != nil {
		s.tx = nil
		return fmt.Errorf("commit: %w", err)
	}
	s.tx = nil
	return nil
}
