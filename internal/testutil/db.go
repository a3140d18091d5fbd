// Package testutil provides an in-memory database for package tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
)

// NewDB opens a migrated, private in-memory sqlite database
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), database.Config(false))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection serialises access so nested transactions never wait on each other.
	sqlDB.SetMaxOpenConns(1)

	database.RegisterHooks(db)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}
