// Package migrate runs versioned SQL migrations from an embedded filesystem.
// Files are named NNN_description.sql and split into up/down sections by
// "-- +migrate Up" / "-- +migrate Down" markers.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/pkg/config"
)

// Migration is one versioned schema change
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrator applies migrations against a PostgreSQL database
type Migrator struct {
	db     *sql.DB
	source fs.FS
	dir    string
}

// NewMigrator connects to the database and prepares a migration runner
func NewMigrator(cfg *config.DatabaseConfig, source fs.FS, dir string) (*Migrator, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Migrator{db: db, source: source, dir: dir}, nil
}

// Up applies every migration not yet recorded in schema_migrations
func (m *Migrator) Up() error {
	if err := m.ensureTable(); err != nil {
		return err
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return err
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}

	pending := 0
	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.apply(migration.UpSQL,
			"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
			migration.Version, migration.Name); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applied migration")
		pending++
	}

	if pending == 0 {
		log.Info().Msg("No pending migrations")
	}
	return nil
}

// Down rolls back the most recently applied migration
func (m *Migrator) Down() error {
	if err := m.ensureTable(); err != nil {
		return err
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		log.Info().Msg("No migrations to roll back")
		return nil
	}

	last := 0
	for version := range applied {
		if version > last {
			last = version
		}
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}
	for _, migration := range migrations {
		if migration.Version != last {
			continue
		}
		if err := m.apply(migration.DownSQL,
			"DELETE FROM schema_migrations WHERE version = $1",
			migration.Version); err != nil {
			return fmt.Errorf("failed to roll back migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Rolled back migration")
		return nil
	}
	return fmt.Errorf("migration file for version %d not found", last)
}

// Close closes the database connection
func (m *Migrator) Close() error {
	return m.db.Close()
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) load() ([]*Migration, error) {
	entries, err := fs.ReadDir(m.source, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		migration, err := m.parse(entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping invalid migration file")
			continue
		}
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) parse(filename string) (*Migration, error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok {
		return nil, fmt.Errorf("invalid migration filename: %s", filename)
	}

	var v int
	if _, err := fmt.Sscanf(version, "%d", &v); err != nil {
		return nil, fmt.Errorf("failed to parse version from %s: %w", filename, err)
	}

	content, err := fs.ReadFile(m.source, path.Join(m.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration file %s: %w", filename, err)
	}

	upSQL, downSQL := splitSections(string(content))
	return &Migration{Version: v, Name: name, UpSQL: upSQL, DownSQL: downSQL}, nil
}

func splitSections(content string) (string, string) {
	var up, down []string
	inDown := false
	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case "-- +migrate Up":
			inDown = false
		case "-- +migrate Down":
			inDown = true
		default:
			if inDown {
				down = append(down, line)
			} else {
				up = append(up, line)
			}
		}
	}
	return strings.Join(up, "\n"), strings.Join(down, "\n")
}

// apply runs the migration SQL and the bookkeeping statement in one transaction
func (m *Migrator) apply(migrationSQL, recordSQL string, args ...interface{}) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migrationSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(recordSQL, args...); err != nil {
		return fmt.Errorf("failed to record migration state: %w", err)
	}
	return tx.Commit()
}
