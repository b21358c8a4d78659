// Package config loads finsync settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid wraps every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all settings of a sync run.
type Config struct {
	DatabaseURL string

	SFTPHost       string
	SFTPPort       int
	SFTPUsername   string
	SFTPPassword   string
	SFTPPrivateKey string
	SFTPHostKey    string
	SFTPRemoteDir  string
	SFTPTimeout    time.Duration

	MirrorBucket string
	MirrorPrefix string
	DownloadDir  string

	FeeAPIURL          string
	FeeAPIToken        string
	FeeAPITokenURL     string
	FeeAPIClientID     string
	FeeAPIClientSecret string
	FeeLookbackDays    int
	FeePageSize        int
	FeeMaxPages        int

	BigQueryProject string
	BigQueryDataset string

	StatementTypeACode string
	StatementTypeBCode string
}

// Requirements selects which groups of settings must be present.
type Requirements struct {
	Files  bool
	Fees   bool
	Store  bool
	Export bool
}

// All requires every group.
var All = Requirements{Files: true, Fees: true, Store: true, Export: true}

// Load reads envFile (when it exists) into the process environment without
// overriding variables that are already set, then builds a Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalid, envFile, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, filling defaults for unset variables.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}
	cfg := &Config{
		DatabaseURL: e.str("DATABASE_URL", "postgres://localhost:5432/finsync?sslmode=disable"),

		SFTPHost:       e.str("SFTP_HOST", ""),
		SFTPPort:       e.integer("SFTP_PORT", 22),
		SFTPUsername:   e.str("SFTP_USERNAME", ""),
		SFTPPassword:   e.str("SFTP_PASSWORD", ""),
		SFTPPrivateKey: e.str("SFTP_PRIVATE_KEY", ""),
		SFTPHostKey:    e.str("SFTP_HOST_KEY", ""),
		SFTPRemoteDir:  e.str("SFTP_REMOTE_DIR", "."),
		SFTPTimeout:    e.duration("SFTP_TIMEOUT", 30*time.Second),

		MirrorBucket: e.str("MIRROR_BUCKET", ""),
		MirrorPrefix: e.str("MIRROR_PREFIX", "statements"),
		DownloadDir:  e.str("DOWNLOAD_DIR", filepath.Join(os.TempDir(), "finsync")),

		FeeAPIURL:          e.str("FEE_API_URL", ""),
		FeeAPIToken:        e.str("FEE_API_TOKEN", ""),
		FeeAPITokenURL:     e.str("FEE_API_TOKEN_URL", ""),
		FeeAPIClientID:     e.str("FEE_API_CLIENT_ID", ""),
		FeeAPIClientSecret: e.str("FEE_API_CLIENT_SECRET", ""),
		FeeLookbackDays:    e.integer("FEE_SYNC_LOOKBACK_DAYS", 30),
		FeePageSize:        e.integer("FEE_SYNC_PAGE_SIZE", 5000),
		FeeMaxPages:        e.integer("FEE_SYNC_MAX_PAGES", 1000),

		BigQueryProject: e.str("BIGQUERY_PROJECT", ""),
		BigQueryDataset: e.str("BIGQUERY_DATASET", "finsync"),

		StatementTypeACode: e.str("STATEMENT_TYPE_A_CODE", "INTE100F"),
		StatementTypeBCode: e.str("STATEMENT_TYPE_B_CODE", "INTE400F"),
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(e.errs...))
	}
	return cfg, nil
}

// Validate checks that the settings needed by req are present and sane.
func (c *Config) Validate(req Requirements) error {
	var errs []error
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	if req.Store {
		need(c.DatabaseURL != "", "DATABASE_URL is required")
	}
	if req.Files {
		need(c.SFTPHost != "", "SFTP_HOST is required")
		need(c.SFTPUsername != "", "SFTP_USERNAME is required")
		need(c.SFTPPassword != "" || c.SFTPPrivateKey != "", "SFTP_PASSWORD or SFTP_PRIVATE_KEY is required")
		need(c.SFTPPort > 0 && c.SFTPPort < 65536, "SFTP_PORT must be between 1 and 65535")
		need(c.MirrorBucket != "", "MIRROR_BUCKET is required")
		need(c.StatementTypeACode != "" && c.StatementTypeBCode != "", "statement type codes must not be empty")
		need(c.StatementTypeACode != c.StatementTypeBCode, "statement type codes must differ")
	}
	if req.Fees {
		need(c.FeeAPIURL != "", "FEE_API_URL is required")
		need(c.FeeAPIClientID == "" || c.FeeAPITokenURL != "", "FEE_API_TOKEN_URL is required with FEE_API_CLIENT_ID")
		need(c.FeeLookbackDays > 0, "FEE_SYNC_LOOKBACK_DAYS must be positive")
		need(c.FeePageSize > 0, "FEE_SYNC_PAGE_SIZE must be positive")
		need(c.FeeMaxPages > 0, "FEE_SYNC_MAX_PAGES must be positive")
	}
	if req.Export {
		need(c.BigQueryProject != "", "BIGQUERY_PROJECT is required for export")
		need(c.BigQueryDataset != "", "BIGQUERY_DATASET is required for export")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// FeeLookback is the incremental overlap as a duration.
func (c *Config) FeeLookback() time.Duration {
	return time.Duration(c.FeeLookbackDays) * 24 * time.Hour
}

type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}
