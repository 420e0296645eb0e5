package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDatabase_ReusesInstance(t *testing.T) {
	cfg := DatabaseConfig{Backend: BackendLocal, LocalDataDir: t.TempDir()}

	first, err := GetDatabase(cfg)
	require.NoError(t, err)
	second, err := GetDatabase(cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)

	stats := GetConnectionStats()
	assert.Equal(t, "connected", stats["status"])

	assert.True(t, CleanupIdleConnections(-time.Second))
	assert.Equal(t, "no_connection", GetConnectionStats()["status"])
}

func TestNewDatabase_RejectsIncompleteConfig(t *testing.T) {
	_, err := NewDatabase(DatabaseConfig{Backend: BackendPostgres})
	assert.Error(t, err)
	_, err = NewDatabase(DatabaseConfig{Backend: BackendSupabase})
	assert.Error(t, err)
	_, err = NewDatabase(DatabaseConfig{Backend: "mongo"})
	assert.Error(t, err)
}
