package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "parley_schema_migrations"

// Migration is one embedded schema change, loaded from a
// NNNN_name.up.sql / NNNN_name.down.sql pair.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a row of the migrations table.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies and rolls back the embedded migrations. Each migration
// runs in its own transaction together with its bookkeeping row.
type Migrator struct {
	db         *sql.DB
	dialect    Dialect
	migrations []Migration
	now        func() time.Time
}

func NewMigrator(db *sql.DB, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, dialect: dialect, migrations: migrations, now: time.Now}, nil
}

// Up applies up to steps pending migrations in ID order, or all of them
// when steps <= 0. It returns the IDs it applied, including on error.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	insert := m.dialect.Rebind(`INSERT INTO ` + migrationsTable + ` (id, applied_at) VALUES (?, ?)`)
	var done []string
	for _, mig := range pending {
		if strings.TrimSpace(mig.UpSQL) == "" {
			return done, fmt.Errorf("migration %s has no up script", mig.ID)
		}
		err := m.run(ctx, mig.ID, mig.UpSQL, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, insert, mig.ID, m.now().UnixMilli())
			return err
		})
		if err != nil {
			return done, err
		}
		done = append(done, mig.ID)
	}
	return done, nil
}

// Down rolls back the most recent steps migrations, newest first. steps
// below one means one.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	steps = max(steps, 1)

	remove := m.dialect.Rebind(`DELETE FROM ` + migrationsTable + ` WHERE id = ?`)
	var done []string
	for i := len(applied) - 1; i >= 0 && len(done) < steps; i-- {
		id := applied[i].ID
		idx := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.ID == id })
		if idx < 0 {
			return done, fmt.Errorf("applied migration %s is not known to this build", id)
		}
		script := m.migrations[idx].DownSQL
		if strings.TrimSpace(script) == "" {
			return done, fmt.Errorf("migration %s has no down script", id)
		}
		err := m.run(ctx, id, script, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, remove, id)
			return err
		})
		if err != nil {
			return done, err
		}
		done = append(done, id)
	}
	return done, nil
}

// Status lists applied migrations and those still pending, both in ID
// order. It creates the migrations table if needed.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		id TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", migrationsTable, err)
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		seen[a.ID] = struct{}{}
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if _, ok := seen[mig.ID]; !ok {
			pending = append(pending, mig)
		}
	}
	return applied, pending, nil
}

// run executes script and then record inside one transaction.
func (m *Migrator) run(ctx context.Context, id, script string, record func(*sql.Tx) error) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s: failed to begin: %w", id, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range splitStatements(script) {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s: %w", id, err)
		}
	}
	if err = record(tx); err != nil {
		return fmt.Errorf("migration %s: failed to record: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: failed to commit: %w", id, err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM `+migrationsTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan applied migration: %w", err)
		}
		out = append(out, AppliedMigration{ID: id, AppliedAt: time.UnixMilli(ms)})
	}
	return out, rows.Err()
}

// splitStatements splits a script on semicolons that end a line.
func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";\n") {
		stmt := strings.TrimSpace(part)
		stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	byID := map[string]*Migration{}
	for _, e := range entries {
		name := e.Name()
		id, up := strings.CutSuffix(name, ".up.sql")
		if !up {
			var down bool
			if id, down = strings.CutSuffix(name, ".down.sql"); !down {
				continue
			}
		}
		data, err := fs.ReadFile(fsys, "migrations/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		mig := byID[id]
		if mig == nil {
			mig = &Migration{ID: id}
			byID[id] = mig
		}
		if up {
			mig.UpSQL = string(data)
		} else {
			mig.DownSQL = string(data)
		}
	}

	out := make([]Migration, 0, len(byID))
	for _, mig := range byID {
		out = append(out, *mig)
	}
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}
