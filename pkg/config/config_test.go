package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectornode/vectornode/pkg/artifacts"
	"github.com/vectornode/vectornode/pkg/config"
	"github.com/vectornode/vectornode/pkg/liability"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"ENVIRONMENT", "PORT", "HEALTH_PORT", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL",
		"DATA_DIR", "AUTH_SECRET", "QR_SECRET", "ARTIFACT_STORAGE_TYPE", "DISPUTE_DEADLINE_HOURS", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "SCAN_RPM", "ACTOR_RPM", "UPLOAD_CONCURRENCY"} {
		t.Setenv(k, "")
	}
}

// Lite mode must boot with no configuration at all.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8081", cfg.HealthPort)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "data", cfg.Artifacts.DataDir)
	assert.Equal(t, 48*time.Hour, cfg.DisputeDeadline)
	assert.Equal(t, 20, cfg.RateLimitRPS)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.Equal(t, 60, cfg.ScanRPM)
	assert.Equal(t, 4, cfg.UploadConcurrency)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.True(t, cfg.IsDevelopment())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://db:5432/vectornode")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "S3")
	t.Setenv("DISPUTE_DEADLINE_HOURS", "72")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("SCAN_RPM", "not-a-number")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://db:5432/vectornode", cfg.DatabaseURL)
	assert.Equal(t, artifacts.StoreTypeS3, cfg.Artifacts.Type)
	assert.Equal(t, 72*time.Hour, cfg.DisputeDeadline)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 60, cfg.ScanRPM)
}

func TestValidate_Production(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	err := config.Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_SECRET")
	assert.Contains(t, err.Error(), "QR_SECRET")

	t.Setenv("AUTH_SECRET", "short")
	t.Setenv("QR_SECRET", "qr")
	err = config.Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")

	t.Setenv("AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	assert.NoError(t, config.Load().Validate())
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: default
deadline_hours: 24
liability:
  - name: missing-after-pod
    when: dispute_type == "MISSING_ITEMS" && has_pod
    liability: CLIENT
`), 0o600))

	rules, assessor, err := config.LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "default", rules.Name)
	assert.Equal(t, 24*time.Hour, rules.Deadline(48*time.Hour))
	require.Len(t, rules.Liability, 1)
	require.NotNil(t, assessor)

	var none *config.Rules
	assert.Equal(t, 48*time.Hour, none.Deadline(48*time.Hour))

	s, err := assessor.Suggest(liability.Input{DisputeType: "DAMAGE"})
	require.NoError(t, err)
	assert.Equal(t, liability.Unknown, s.Party)
}

func TestLoadRules_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, _, err := config.LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("liability:\n  - name: x\n    when: scans + 1\n    liability: CARRIER\n"), 0o600))
	_, _, err = config.LoadRules(bad)
	assert.ErrorContains(t, err, "boolean")

	neg := filepath.Join(dir, "neg.yaml")
	require.NoError(t, os.WriteFile(neg, []byte("deadline_hours: -1\n"), 0o600))
	_, _, err = config.LoadRules(neg)
	assert.ErrorContains(t, err, "negative")
}
