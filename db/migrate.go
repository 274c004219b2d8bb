package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// Migrate brings the schema up to date, applying each pending migration in
// its own transaction. A nil logger runs silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	files, err := migrationFiles()
	if err != nil {
		return err
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]
		if applied[version] {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", filename)
			}
			continue
		}
		if err := applyMigration(db, filename, version, logger); err != nil {
			return err
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete", "total_migrations", len(files))
	}
	return nil
}

// migrationFiles lists the embedded migrations in apply order. Version
// prefixes are zero-padded, so a name sort is an apply-order sort.
func migrationFiles() ([]string, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// appliedVersions reads the recorded migration versions. On a fresh
// database the tracking table itself does not exist yet; that reads as
// nothing applied, and the bootstrap migration creates it.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var name string
	err := db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "inspect schema")
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "scan migration version")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate applied migrations")
	}
	return applied, nil
}

func applyMigration(db *sql.DB, filename, version string, logger *zap.SugaredLogger) error {
	ddl, err := migrationFS.ReadFile(path.Join(migrationDir, filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	if logger != nil {
		logger.Infow("Applying migration", "migration", filename, "version", version)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(ddl)); err != nil {
		return errors.Wrapf(err, "execute %s", filename)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		return errors.Wrapf(err, "record %s", filename)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}
