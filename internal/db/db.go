package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/feedline/feedsync/internal/models"
	"github.com/feedline/feedsync/pkg/config"
	"github.com/feedline/feedsync/pkg/logging"
)

// zapWriter adapts zap.Logger to logger.Writer interface
type zapWriter struct {
	logger *zap.Logger
}

func (w *zapWriter) Printf(format string, args ...interface{}) {
	w.logger.Sugar().Infof(format, args...)
}

// DB wraps GORM database connection
type DB struct {
	*gorm.DB
}

// dialector picks the driver from the URL scheme. sqlite:// and file: URLs
// and :memory: open sqlite, anything else is handed to postgres.
func dialector(url string) (gorm.Dialector, bool) {
	switch {
	case url == ":memory:":
		return sqlite.Open("file::memory:"), true
	case strings.HasPrefix(url, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(url, "sqlite://")), true
	case strings.HasPrefix(url, "file:"):
		return sqlite.Open(url), true
	default:
		return postgres.Open(url), false
	}
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "DEBUG", "debug":
		return logger.Info
	case "INFO", "info":
		return logger.Warn
	case "WARN", "warn", "WARNING", "warning":
		return logger.Error
	case "ERROR", "error":
		return logger.Silent
	default:
		return logger.Warn
	}
}

// New creates a new database connection
func New(cfg *config.DatabaseConfig, logLevel string) (*DB, error) {
	writer := &zapWriter{logger: logging.WithComponent("db")}

	gormLogger := logger.New(
		writer,
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogLevel(logLevel),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dial, isSQLite := dialector(cfg.URL)
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
		// Posts and comments may reference actors whose profile row does not
		// exist yet
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pool configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if isSQLite {
		// One connection keeps an in-memory database alive and shared
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.GetLogger().Info("Database connection established", zap.Bool("sqlite", isSQLite))

	d := &DB{DB: db}
	if cfg.AutoMigrate {
		if err := d.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Migrate creates or updates the feed tables
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.DB.WithContext(ctx).AutoMigrate(
		&models.Profile{},
		&models.Post{},
		&models.Like{},
		&models.Comment{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks database health
func (d *DB) Health(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
