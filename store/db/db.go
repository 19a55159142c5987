// Package db provides the database driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/internal/profile"
	"github.com/taskmesh/taskmesh/store"
	"github.com/taskmesh/taskmesh/store/db/postgres"
	"github.com/taskmesh/taskmesh/store/db/sqlite"
)

// NewDBDriver creates a new database driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q", profile.Driver)
	}
}
