package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
)

type hitRow struct {
	RepoURL   string `db:"repo_url"`
	Hits      int    `db:"hits"`
	LastHitAt string `db:"last_hit_at"`
}

type countRow struct {
	N int `db:"n"`
}

func newTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	db := newTestSQLite(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var c countRow
	if err := db.Get(context.Background(), &c, `SELECT COUNT(*) AS n FROM schema_migrations`); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	names, _ := migrationNames()
	if c.N != len(names) {
		t.Fatalf("expected %d applied migrations, got %d", len(names), c.N)
	}
}

func TestSQLiteUpsertReplacesNonKeyColumns(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	if err := db.Upsert(ctx, "scan_cache_hits", hitRow{RepoURL: "https://x/a/b", Hits: 1, LastHitAt: "t1"}, []string{"repo_url"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := db.Upsert(ctx, "scan_cache_hits", hitRow{RepoURL: "https://x/a/b", Hits: 7, LastHitAt: "t2"}, []string{"repo_url"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var rows []hitRow
	if err := db.Select(ctx, &rows, `SELECT repo_url, hits, last_hit_at FROM scan_cache_hits`); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0].Hits != 7 || rows[0].LastHitAt != "t2" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestSQLiteGetReturnsErrNoRows(t *testing.T) {
	db := newTestSQLite(t)
	var r hitRow
	err := db.Get(context.Background(), &r, `SELECT repo_url, hits, last_hit_at FROM scan_cache_hits WHERE repo_url = ?`, "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)`)
	want := `SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)`
	if got != want {
		t.Fatalf("rebindDollar:\n got %s\nwant %s", got, want)
	}
}

func TestMySQLAdaptTranslatesAutoincrement(t *testing.T) {
	got := mysqlAdapt("id INTEGER PRIMARY KEY AUTOINCREMENT, score REAL NOT NULL")
	if got != "id INT NOT NULL AUTO_INCREMENT PRIMARY KEY, score DOUBLE NOT NULL" {
		t.Fatalf("unexpected translation: %s", got)
	}
}

func TestMySQLAdaptKeepsSharedSchemaValid(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_scan_records.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	var stmts []string
	for _, stmt := range strings.Split(mysqlAdapt(string(data)), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	if len(stmts) != 4 {
		t.Fatalf("expected 4 statements, got %d: %q", len(stmts), stmts)
	}
	for _, table := range []string{"scan_records", "scan_current", "scan_cache_hits"} {
		found := false
		for _, stmt := range stmts {
			if strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS "+table+" ") {
				found = true
			}
		}
		if !found {
			t.Errorf("no CREATE TABLE for %s", table)
		}
	}
	for _, stmt := range stmts {
		if strings.Contains(stmt, "AUTOINCREMENT") || strings.Contains(stmt, "excluded.") {
			t.Errorf("sqlite-only syntax survived: %s", stmt)
		}
	}
}

func TestSQLiteInTxRollsBackOnError(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.InTx(ctx, func(tx DB) error {
		if err := tx.Upsert(ctx, "scan_cache_hits", hitRow{RepoURL: "https://x/a/b", Hits: 1, LastHitAt: "t1"}, []string{"repo_url"}); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return tx.InTx(ctx, func(DB) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var c countRow
	if err := db.Get(ctx, &c, `SELECT COUNT(*) AS n FROM scan_cache_hits`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if c.N != 0 {
		t.Fatalf("rolled back transaction left %d rows", c.N)
	}

	if err := db.InTx(ctx, func(tx DB) error {
		return tx.Upsert(ctx, "scan_cache_hits", hitRow{RepoURL: "https://x/a/b", Hits: 2, LastHitAt: "t2"}, []string{"repo_url"})
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Get(ctx, &c, `SELECT COUNT(*) AS n FROM scan_cache_hits`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if c.N != 1 {
		t.Fatalf("expected committed row, got %d", c.N)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
