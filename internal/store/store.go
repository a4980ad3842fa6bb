// Package store persists shard ledgers and the fraud service's tables.
//
// Both stores run on database/sql so a deployment can point a DSN at either
// PostgreSQL (postgres:// or postgresql://, through the pgx stdlib driver) or
// a SQLite file (anything else, through go-sqlite3). The SQL is written to be
// accepted by both: numbered placeholders, ON CONFLICT clauses, RETURNING, and
// UTC timestamps in TIMESTAMP columns.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed ledger_schema.sql
var ledgerSchema string

//go:embed fraud_schema.sql
var fraudSchema string

const (
	driverPostgres = "pgx"
	driverSQLite   = "sqlite3"

	postgresMaxConns = 25
)

// database is the connection shared by every table group in one store.
type database struct {
	conn   *sql.DB
	driver string
	name   string
}

func open(name, dsn, schema string) (*database, error) {
	driver := driverFor(dsn)

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s database: %w", name, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to ping %s database: %w", name, err)
	}

	if driver == driverSQLite {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		if err := applyPragmas(conn); err != nil {
			conn.Close()
			return nil, err
		}
	} else {
		conn.SetMaxOpenConns(postgresMaxConns)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := applySchema(conn, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply %s schema: %w", name, err)
	}
	return &database{conn: conn, driver: driver, name: name}, nil
}

func driverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres
	}
	return driverSQLite
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema runs each statement separately; the schema files never contain
// a semicolon inside a statement.
func applySchema(conn *sql.DB, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Name identifies the store in logs and metrics.
func (d *database) Name() string {
	return d.name
}

// Ping checks the connection.
func (d *database) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (d *database) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// DB exposes the pool for tooling such as the seeder.
func (d *database) DB() *sql.DB {
	return d.conn
}

// inTx runs fn in a transaction and commits when it returns nil.
func (d *database) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Shard is the ledger database of one shard.
type Shard struct {
	*database
	index int
}

// OpenShard opens (and migrates) the ledger database of shard index.
func OpenShard(index int, dsn string) (*Shard, error) {
	db, err := open(fmt.Sprintf("shard-%d", index), dsn, ledgerSchema)
	if err != nil {
		return nil, err
	}
	return &Shard{database: db, index: index}, nil
}

// Index returns the shard index this database serves.
func (s *Shard) Index() int {
	return s.index
}

// FraudStore holds decisions, actions, statuses, reviews and alerts.
type FraudStore struct {
	*database
}

// OpenFraud opens (and migrates) the fraud database.
func OpenFraud(dsn string) (*FraudStore, error) {
	db, err := open("fraud", dsn, fraudSchema)
	if err != nil {
		return nil, err
	}
	return &FraudStore{database: db}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
