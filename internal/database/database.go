package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

// Connect establishes a connection to the database
func Connect(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), Config(debug))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	RegisterHooks(db)
	return db, nil
}

// Config returns the gorm configuration shared by every dialect
func Config(debug bool) *gorm.Config {
	logLevel := logger.Error
	if debug {
		logLevel = logger.Info
	}
	return &gorm.Config{
		Logger: logger.New(logAdapter{}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		TranslateError: true,
	}
}

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Event{},
		&models.Organization{},
		&models.OrganizationUnit{},
		&models.User{},
		&models.UserRole{},
		&models.Role{},
		&models.Invitation{},
		&models.EntityLink{},
		&models.Entity{},
		&models.WorkflowQueueJob{},
	)
}

// IsDuplicateKey reports whether err is a unique constraint violation
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// IsRecordNotFound checks if an error is a record not found error
func IsRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// logAdapter routes gorm's logger through zerolog
type logAdapter struct{}

func (logAdapter) Printf(format string, args ...interface{}) {
	log.Debug().Str("component", "gorm").Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
