package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg := Load()

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 10*time.Second, cfg.ServiceTimeout)
	assert.Equal(t, "scanner", cfg.ScannerTag)
	assert.Equal(t, "camera", cfg.ScannerInput)
	assert.Equal(t, 3*time.Second, cfg.AutoReset)
	assert.Equal(t, 5, cfg.RosterPreview)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, "redis", cfg.RateLimitStore)
	assert.False(t, cfg.Production())
	assert.False(t, cfg.CloudinaryConfigured())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("APP_ENV", "production")
	t.Setenv("SERVICE_TIMEOUT", "2s")
	t.Setenv("AUTO_RESET", "0s")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")
	t.Setenv("QUEUE_BACKEND", "memory")

	cfg := Load()
	assert.True(t, cfg.Production())
	assert.Equal(t, 2*time.Second, cfg.ServiceTimeout)
	assert.Equal(t, time.Duration(0), cfg.AutoReset)
	assert.Equal(t, 30, cfg.RateLimitPerMin)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, "redis", cfg.RateLimitStore, "the limiter backend is set on its own")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanner.env")
	if err := os.WriteFile(path, []byte("SCANNER_TAG=gate-2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv never overrides variables that are already set.
	t.Setenv("SCANNER_TAG", "")
	os.Unsetenv("SCANNER_TAG")

	cfg := Load()
	assert.Equal(t, "gate-2", cfg.ScannerTag)
}
