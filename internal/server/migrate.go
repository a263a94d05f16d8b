package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate runs schema migrations against Postgres. src is a
// golang-migrate source URL such as file://migrations; callers resolve
// the DSN through config.PostgresConfig.DSN. steps limits how many
// migrations run in the given direction, 0 meaning all of them.
func Migrate(src, dsn, direction string, steps int) error {
	if src == "" {
		src = "file://migrations"
	}
	if strings.TrimSpace(dsn) == "" {
		return errors.New("migrate: postgres dsn is empty, set storage.postgres in the config")
	}

	m, err := migrate.New(src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: opening %s: %w", src, err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("migrate: unknown direction %q", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
