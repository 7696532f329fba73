package storage

import (
	"fmt"
	"path/filepath"
	"time"

	copydir "github.com/otiai10/copy"

	"github.com/oib/aitbc/internal/errs"
)

// Migration is one versioned schema step with an Up function and no down
// step. The tables themselves are created by gorm's AutoMigrate when
// NewGormStore opens the store; the Up steps listed below do nothing.
type Migration struct {
	Version int
	Name    string
	Up      func(s Store) error
}

// Migrations is the authoritative, versioned list referenced by spec.md
// §4.2 ("Migrations are versioned; the schema file is authoritative").
var Migrations = []Migration{
	{Version: 1, Name: "initial_schema", Up: func(s Store) error { return nil }},
	{Version: 2, Name: "tenants", Up: func(s Store) error { return nil }},
}

// Migrate snapshot-copies dataDir (when non-empty), then runs every
// migration's Up step in order. Applied versions are not recorded, so
// every call runs every step. The binaries exit with code 3 when it fails
// (spec.md §6).
func Migrate(dataDir string, s Store) error {
	if dataDir != "" {
		backupDir := filepath.Join(dataDir, fmt.Sprintf("backup-%d", time.Now().Unix()))
		if err := copydir.Copy(dataDir, backupDir); err != nil {
			return errs.Wrap(err, errs.Dependency, "MIGRATE_BACKUP", "failed to snapshot data directory before migration")
		}
	}
	for _, m := range Migrations {
		if err := m.Up(s); err != nil {
			return errs.Wrap(err, errs.Dependency, "MIGRATE_STEP", fmt.Sprintf("migration %d (%s) failed", m.Version, m.Name))
		}
	}
	return nil
}
