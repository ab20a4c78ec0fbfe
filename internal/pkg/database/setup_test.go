package database

import (
	"testing"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestDSN(t *testing.T) {
	prev := env.Env
	env.Env = map[string]string{
		"DB_USER":     "payrecon",
		"DB_PASSWORD": "secret",
		"DB_HOST":     "db",
		"DB_PORT":     "3307",
		"DB_NAME":     "payrecon_db",
	}
	t.Cleanup(func() { env.Env = prev })

	assert.Equal(t, "payrecon:secret@tcp(db:3307)/payrecon_db?charset=utf8mb4&parseTime=True&loc=UTC", DSN())
}

func TestAutoMigrateCreatesTables(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(db))
	for _, table := range []string{"plans", "subscriber_profiles", "subscriptions", "checkout_attempts", "tax_transactions", "webhook_events"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}
