package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
)

//go:embed postgres_migrations/*.sql
var postgresMigrationsFS embed.FS

// PostgresDB implements DB using PostgreSQL via the pgx stdlib driver.
// Schema changes are applied with golang-migrate.
type PostgresDB struct {
	db  *sql.DB
	q   querier
	dsn string
}

// NewPostgres opens a PostgreSQL connection pool using cfg.DSN.
func NewPostgres(cfg config.DatabaseConfig) (*PostgresDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required when driver is postgres")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &PostgresDB{db: db, q: db, dsn: cfg.DSN}
	if err := p.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return p, nil
}

func (p *PostgresDB) Driver() string { return "postgres" }

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// Migrate runs the embedded up migrations. It uses a dedicated connection
// because closing the migrator also closes the database handle it was given.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	migrationDB, err := sql.Open("pgx", p.dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}

	driver, err := migratepgx.WithInstance(migrationDB, &migratepgx.Config{})
	if err != nil {
		_ = migrationDB.Close()
		return fmt.Errorf("creating migration driver: %w", err)
	}
	src, err := iofs.New(postgresMigrationsFS, "postgres_migrations")
	if err != nil {
		_ = migrationDB.Close()
		return fmt.Errorf("reading postgres migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = migrationDB.Close()
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("applying postgres migrations: %w", err)
	}
	version, _, _ := m.Version()
	slog.Info("Applied migration", "version", version, "driver", "postgres")
	return nil
}

// Select executes query and scans all rows into dest.
func (p *PostgresDB) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := p.q.QueryContext(ctx, rebindDollar(query), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

// Get executes query and scans a single row.
func (p *PostgresDB) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	row := p.q.QueryRowContext(ctx, rebindDollar(query), args...)
	return scanRow(row, dest)
}

// Exec executes a statement returning no rows.
func (p *PostgresDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := p.q.ExecContext(ctx, rebindDollar(query), args...)
	return err
}

// Insert inserts record into table. PostgreSQL has no LastInsertId, so the
// returned ID is always 0.
func (p *PostgresDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	cols, placeholders, vals := structToInsert(record)
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := p.q.ExecContext(ctx, rebindDollar(query), vals...); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return 0, nil
}

// Update updates rows matching where clause.
func (p *PostgresDB) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	cols, vals := structToUpdate(record)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	_, err := p.q.ExecContext(ctx, rebindDollar(query), append(vals, args...)...)
	return err
}

// Upsert uses INSERT ... ON CONFLICT ... DO UPDATE.
func (p *PostgresDB) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	cols, placeholders, vals := structToInsert(record)
	updates := upsertAssignments(cols, conflictCols, "%s = EXCLUDED.%s")

	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictCols, ", "),
		strings.Join(updates, ", "),
	)
	_, err := p.q.ExecContext(ctx, rebindDollar(query), vals...)
	return err
}

func (p *PostgresDB) InTx(ctx context.Context, fn func(tx DB) error) error {
	return runInTx(ctx, p.db, p.q, func(q querier) DB {
		return &PostgresDB{db: p.db, q: q, dsn: p.dsn}
	}, fn)
}
