package db

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
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
}

func TestNewManager_MissingDSN(t *testing.T) {
	_, err := NewManager(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSN is required")
}

func TestHealthChecker_Healthy(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	h := &healthChecker{db: sqlx.NewDb(mockDB, "postgres"), timeout: 5 * time.Second}

	mock.ExpectPing()
	check := h.Health(context.Background())
	assert.True(t, check.Healthy)
	assert.Empty(t, check.Errors)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_PingFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	h := &healthChecker{db: sqlx.NewDb(mockDB, "postgres"), timeout: 5 * time.Second}

	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)
	check := h.Health(context.Background())
	assert.False(t, check.Healthy)
	require.Len(t, check.Errors, 1)
	assert.Contains(t, check.Errors[0], "ping failed")
}

func TestHealthChecker_Stats(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := &healthChecker{db: sqlx.NewDb(mockDB, "postgres"), timeout: 5 * time.Second}

	stats := h.Stats(context.Background())
	assert.Contains(t, stats, "max_open_connections")
	assert.Contains(t, stats, "open_connections")
}
