package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func validEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":     "postgres://u:p@db:5432/fees",
		"SFTP_HOST":        "sftp.example.com",
		"SFTP_USERNAME":    "reports",
		"SFTP_PASSWORD":    "pw",
		"MIRROR_BUCKET":    "statements-mirror",
		"FEE_API_URL":      "https://fees.example.com/graphql",
		"FEE_API_TOKEN":    "tok",
		"BIGQUERY_PROJECT": "analytics",
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, 22, cfg.SFTPPort)
	assert.Equal(t, ".", cfg.SFTPRemoteDir)
	assert.Equal(t, 30*time.Second, cfg.SFTPTimeout)
	assert.Equal(t, "statements", cfg.MirrorPrefix)
	assert.Equal(t, 30, cfg.FeeLookbackDays)
	assert.Equal(t, 5000, cfg.FeePageSize)
	assert.Equal(t, 1000, cfg.FeeMaxPages)
	assert.Equal(t, "INTE100F", cfg.StatementTypeACode)
	assert.Equal(t, "INTE400F", cfg.StatementTypeBCode)
	assert.Equal(t, 30*24*time.Hour, cfg.FeeLookback())
}

func TestFromEnv_Overrides(t *testing.T) {
	env := validEnv()
	env["SFTP_PORT"] = "2222"
	env["FEE_SYNC_LOOKBACK_DAYS"] = "7"
	env["SFTP_TIMEOUT"] = "5s"
	env["STATEMENT_TYPE_A_CODE"] = " STMT_A "

	cfg, err := FromEnv(envMap(env))
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.SFTPPort)
	assert.Equal(t, 7, cfg.FeeLookbackDays)
	assert.Equal(t, 5*time.Second, cfg.SFTPTimeout)
	assert.Equal(t, "STMT_A", cfg.StatementTypeACode)
}

func TestFromEnv_BadNumbers(t *testing.T) {
	_, err := FromEnv(envMap(map[string]string{"SFTP_PORT": "twenty-two", "SFTP_TIMEOUT": "soon"}))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "SFTP_PORT")
	assert.Contains(t, err.Error(), "SFTP_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cfg, err := FromEnv(envMap(validEnv()))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate(All))

	tests := []struct {
		name   string
		mutate func(c *Config)
		req    Requirements
		want   string
	}{
		{"missing sftp host", func(c *Config) { c.SFTPHost = "" }, Requirements{Files: true}, "SFTP_HOST"},
		{"no sftp credentials", func(c *Config) { c.SFTPPassword = "" }, Requirements{Files: true}, "SFTP_PASSWORD"},
		{"same codes", func(c *Config) { c.StatementTypeBCode = c.StatementTypeACode }, Requirements{Files: true}, "differ"},
		{"missing bucket", func(c *Config) { c.MirrorBucket = "" }, Requirements{Files: true}, "MIRROR_BUCKET"},
		{"missing fee url", func(c *Config) { c.FeeAPIURL = "" }, Requirements{Fees: true}, "FEE_API_URL"},
		{"client id without token url", func(c *Config) { c.FeeAPIClientID = "id" }, Requirements{Fees: true}, "FEE_API_TOKEN_URL"},
		{"zero page size", func(c *Config) { c.FeePageSize = 0 }, Requirements{Fees: true}, "FEE_SYNC_PAGE_SIZE"},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, Requirements{Store: true}, "DATABASE_URL"},
		{"missing bigquery project", func(c *Config) { c.BigQueryProject = "" }, Requirements{Export: true}, "BIGQUERY_PROJECT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			tt.mutate(&c)
			err := c.Validate(tt.req)
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_OnlyRequestedGroups(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{"FEE_API_URL": "https://x"}))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate(Requirements{Fees: true, Store: true}))
	assert.Error(t, cfg.Validate(Requirements{Files: true}))
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("FINSYNC_TEST_ONLY=1\nMIRROR_PREFIX=from-file\n"), 0o600))
	t.Setenv("MIRROR_PREFIX", "from-env")
	t.Cleanup(func() { os.Unsetenv("FINSYNC_TEST_ONLY") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.MirrorPrefix, "existing variables win over the file")
	assert.Equal(t, "1", os.Getenv("FINSYNC_TEST_ONLY"))
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}
