package database

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

type MigrationConfig struct {
	// MigrationFolderPath holds NNNNNN_name.{up,down}.sql files. Relative
	// paths are resolved against the working directory.
	MigrationFolderPath string
	// Version pins the schema to one version; zero migrates to the latest.
	Version uint
	// Force marks the schema as being at this version before migrating,
	// to recover from a dirty state by hand.
	Force int
	// AutoRollback forces a dirty schema back to the version it had before
	// the failed run. The run still fails.
	AutoRollback bool
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{config: config, logger: logger}
}

// migrationLog routes golang-migrate's output into the service logger.
type migrationLog struct {
	ectologger.Logger
}

func (l migrationLog) Printf(format string, v ...any) { l.Infof(strings.TrimSuffix(format, "\n"), v...) }

func (l migrationLog) Verbose() bool { return false }

// MigratePostgres brings the schema of db up to date. The connection stays
// open for the caller.
func (ms *MigrationService) MigratePostgres(db DB, databaseName string) error {
	folder, err := filepath.Abs(ms.config.MigrationFolderPath)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve migration folder %s", ms.config.MigrationFolderPath)
	}
	if _, err := os.Stat(folder); err != nil {
		return errors.Wrapf(err, "migration folder %s does not exist", folder)
	}

	driver, err := postgres.WithInstance(db.SQL(), &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create postgres migration driver")
		return errors.Wrap(err, "failed to create postgres migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to open migrations")
		return errors.Wrap(err, "failed to open migrations")
	}
	m.Log = migrationLog{ms.logger}

	return ms.apply(m, folder)
}

func (ms *MigrationService) apply(m *migrate.Migrate, folder string) error {
	log := ms.logger.WithField("folder", folder)

	if ms.config.Force != 0 {
		log.Warnf("Forcing schema to version %d", ms.config.Force)
		if err := m.Force(ms.config.Force); err != nil {
			return errors.Wrapf(err, "failed to force schema to version %d", ms.config.Force)
		}
	}

	before, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read schema version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		after, _, _ := m.Version()
		log.WithFields(map[string]any{
			"from":     before,
			"to":       after,
			"duration": time.Since(start).String(),
		}).Info("Applied migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		log.WithField("version", before).Info("Schema is up to date")
		return nil
	case errors.Is(err, fs.ErrNotExist) || strings.Contains(err.Error(), "no migration found for version"):
		// the schema is ahead of this build's folder, e.g. after a rollback
		latest, lerr := latestVersion(folder)
		if lerr != nil {
			return errors.Wrap(lerr, "failed to find latest migration")
		}
		log.Warnf("Schema version %d has no migration file, forcing to %d", before, latest)
		return errors.Wrapf(m.Force(latest), "failed to force schema to version %d", latest)
	}

	log.WithError(err).Error("Migration failed")
	version, dirty, verr := m.Version()
	if verr == nil && dirty && ms.config.AutoRollback {
		target := int(before)
		if before == 0 {
			target = int(version) - 1
		}
		log.Warnf("Schema is dirty at version %d, forcing back to %d", version, target)
		if ferr := m.Force(target); ferr != nil {
			return errors.Wrapf(ferr, "failed to force schema back to version %d after: %v", target, err)
		}
	}
	return errors.Wrap(err, "failed to apply migrations")
}

// latestVersion returns the highest NNNNNN prefix among the up files.
func latestVersion(folder string) (int, error) {
	files, err := filepath.Glob(filepath.Join(folder, "*.up.sql"))
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, f := range files {
		prefix, _, ok := strings.Cut(filepath.Base(f), "_")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		latest = max(latest, v)
	}
	if latest == 0 {
		return 0, errors.Errorf("no migration files in %s", folder)
	}
	return latest, nil
}
