package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hulloitskai/imo/internal/db"
)

// Each dialect ships the same numbered files: NNNN_name.sql.
//
//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var files embed.FS

type step struct {
	version int
	name    string
	body    string
}

// Applied is one row of the schema_migrations ledger.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

func steps(dialect db.Dialect) ([]step, error) {
	dir := path.Join("sql", string(dialect))
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for %s: %w", dialect, err)
	}
	out := make([]step, 0, len(entries))
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil {
			return nil, fmt.Errorf("migration %s: name must start with a version", e.Name())
		}
		body, err := fs.ReadFile(files, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: version, name: strings.TrimSuffix(e.Name(), ".sql"), body: string(body)})
	}
	slices.SortFunc(out, func(a, b step) int { return a.version - b.version })
	return out, nil
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`

// Migrate brings the schema up to date. Every pending step runs in its own
// transaction together with its ledger row.
func Migrate(conn *db.DB) error {
	pending, err := steps(conn.Dialect)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ledgerDDL); err != nil {
		return fmt.Errorf("schema_migrations: %w", err)
	}
	current, err := Version(conn)
	if err != nil {
		return err
	}
	for _, s := range pending {
		if s.version <= current {
			continue
		}
		if err := apply(conn, s); err != nil {
			return fmt.Errorf("migration %s: %w", s.name, err)
		}
	}
	return nil
}

func apply(conn *db.DB, s step) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.body); err != nil {
		return err
	}
	record := conn.Dialect.Rebind(`INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`)
	if _, err := tx.Exec(record, s.version, s.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

// Version reports the highest applied version, 0 on a fresh database.
func Version(conn *db.DB) (int, error) {
	var v sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Status lists applied migrations, oldest first.
func Status(conn *db.DB) ([]Applied, error) {
	rows, err := conn.Query(`SELECT version,name,applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		var at string
		if err := rows.Scan(&a.Version, &a.Name, &at); err != nil {
			return nil, err
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, a)
	}
	return out, rows.Err()
}
