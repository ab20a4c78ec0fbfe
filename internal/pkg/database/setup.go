package database

import (
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxRetries = 5
	retryDelay = 5 * time.Second
)

var DB *gorm.DB

// DSN builds the MySQL data source name from the environment.
func DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// SetupDatabase connects with retries and, when autoMigrate is set, brings
// the schema up to date with the models.
func SetupDatabase(autoMigrate bool) (*gorm.DB, error) {
	level := logger.Warn
	if env.IsDev() {
		level = logger.Info
	}
	dialector := mysql.New(mysql.Config{
		DSN:                      DSN(),
		DefaultStringSize:        256,
		DisableDatetimePrecision: true,
		DontSupportRenameIndex:   true,
		DontSupportRenameColumn:  true,
	})

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		DB, err = gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
		if err == nil {
			break
		}
		log.Warnf("[Database] Connect attempt %d/%d failed: %v", attempt, maxRetries, err)
		if attempt < maxRetries {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if autoMigrate {
		if err := AutoMigrate(DB); err != nil {
			return nil, err
		}
	}
	log.Info("[Database] Connected")
	return DB, nil
}

// AutoMigrate creates or updates the tables of every model.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// GetDB returns the connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}
