package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 10, config.MaxOpenConns)
	assert.Equal(t, 5, config.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, config.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, config.ConnMaxIdleTime)
	assert.Equal(t, 30*time.Second, config.QueryTimeout)
	assert.Empty(t, config.DSN)
}

func TestNewManagerWithoutDSNIsDisabled(t *testing.T) {
	manager, err := NewManager(DefaultConfig())
	require.NoError(t, err)

	assert.False(t, manager.IsEnabled())
	assert.Nil(t, manager.Repository())
	assert.Nil(t, manager.DB())

	// Health keeps working when the sink is off.
	health := manager.Health().Health(context.Background())
	assert.True(t, health.Healthy)
	require.NotEmpty(t, health.Errors)
	assert.Contains(t, health.Errors[0], "disabled")

	assert.NoError(t, manager.Health().Ping(context.Background()))
	assert.Error(t, manager.EnsureSchema(context.Background()))
	assert.NoError(t, manager.Close())
}

func TestHealthCheckerReportsPoolStats(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	checker := &healthChecker{
		enabled: true,
		db:      sqlx.NewDb(mockDB, "postgres"),
		timeout: 5 * time.Second,
	}

	mock.ExpectPing()

	health := checker.Health(context.Background())
	assert.True(t, health.Healthy)
	assert.Empty(t, health.Errors)
	assert.Contains(t, health.ConnectionPool, "max_open")
	assert.GreaterOrEqual(t, health.ResponseTimeMS, int64(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheckerReportsPingFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	checker := &healthChecker{
		enabled: true,
		db:      sqlx.NewDb(mockDB, "postgres"),
		timeout: 5 * time.Second,
	}

	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)

	health := checker.Health(context.Background())
	assert.False(t, health.Healthy)
	require.NotEmpty(t, health.Errors)
	assert.Contains(t, health.Errors[0], "ping failed")
}
