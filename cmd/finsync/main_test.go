package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finsync/internal/config"
	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/feesource"
	"github.com/dvloznov/finsync/internal/infra/postgres"
	"github.com/dvloznov/finsync/internal/pipeline"
	"github.com/dvloznov/finsync/internal/sftpsource"
	"github.com/dvloznov/finsync/internal/statements"
)

func TestRunMain_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, pipeline.ExitUsage},
		{"unknown command", []string{"sync-everything"}, pipeline.ExitUsage},
		{"help", []string{"help"}, pipeline.ExitOK},
		{"bad flag", []string{"run", "-no-such-flag"}, pipeline.ExitUsage},
		{"command help", []string{"status", "-h"}, pipeline.ExitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tt.want, runMain(tt.args, &stdout, &stderr))
		})
	}
}

func TestRunMain_InvalidConfig(t *testing.T) {
	t.Setenv("FEE_SYNC_PAGE_SIZE", "lots")
	var stdout, stderr bytes.Buffer

	code := runMain([]string{"status", "-env-file", ""}, &stdout, &stderr)
	assert.Equal(t, pipeline.ExitUsage, code)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, isFatal(fmt.Errorf("Ingestor.Ingest: fetch: %w", feesource.ErrUnauthorized)))
	assert.True(t, isFatal(fmt.Errorf("%w: SFTP_HOST is required", config.ErrInvalid)))
	assert.True(t, isFatal(postgres.ErrRunLocked))
	assert.False(t, isFatal(errors.New("connection reset by peer")))
}

func TestFailedPhase(t *testing.T) {
	boom := errors.New("no credentials")
	p := &failedPhase{name: pipeline.PhaseExport, err: boom}

	s := pipeline.NewRunner(pipeline.Options{Fatal: isFatal}, p).Run(context.Background())
	require.Len(t, s.Phases, 1)
	assert.Equal(t, pipeline.StatusFailed, s.Phases[0].Status)
	assert.ErrorIs(t, s.Phases[0].Err, boom)
	assert.Equal(t, pipeline.ExitFailed, s.ExitCode())
}

// MockRemote is a mock implementation of remoteClient.
type MockRemote struct {
	ListFilesFunc func(ctx context.Context) ([]string, error)
	Closed        bool
}

func (m *MockRemote) ListFiles(ctx context.Context) ([]string, error) { return m.ListFilesFunc(ctx) }

func (m *MockRemote) Download(ctx context.Context, remoteName, localPath string) error { return nil }

func (m *MockRemote) Close() error {
	m.Closed = true
	return nil
}

func TestLazySFTP_DialsOnce(t *testing.T) {
	remote := &MockRemote{ListFilesFunc: func(ctx context.Context) ([]string, error) { return []string{"a"}, nil }}
	dials := 0
	l := &lazySFTP{
		cfg: sftpsource.Config{Host: "sftp.example.com"},
		dial: func(ctx context.Context, cfg sftpsource.Config) (remoteClient, error) {
			dials++
			assert.Equal(t, "sftp.example.com", cfg.Host)
			return remote, nil
		},
	}

	_, err := l.ListFiles(context.Background())
	require.NoError(t, err)
	require.NoError(t, l.Download(context.Background(), "a", "/tmp/a"))
	assert.Equal(t, 1, dials)

	require.NoError(t, l.Close())
	assert.True(t, remote.Closed)
}

func TestLazySFTP_DialError(t *testing.T) {
	boom := errors.New("no route to host")
	l := &lazySFTP{dial: func(ctx context.Context, cfg sftpsource.Config) (remoteClient, error) { return nil, boom }}

	_, err := l.ListFiles(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, l.Close())
}

func TestWriteSelection(t *testing.T) {
	ts := time.Date(2025, 3, 1, 6, 30, 0, 0, time.UTC)
	sel := statements.SelectionResult{
		Selected: []statements.Descriptor{{Account: "5012", Type: statements.TypeA, Timestamp: ts, RawName: "5012-20250301063000-INTE100F.xlsx"}},
		Rejected: []statements.Rejection{{RawName: "notes.txt", Reason: statements.RejectUnparsable, Detail: "no match"}},
	}

	var buf bytes.Buffer
	writeSelection(&buf, sel, true)
	assert.Contains(t, buf.String(), "Selected (1)")
	assert.Contains(t, buf.String(), "5012-20250301063000-INTE100F.xlsx")
	assert.Contains(t, buf.String(), "Not selected (1)")

	buf.Reset()
	writeSelection(&buf, sel, false)
	assert.NotContains(t, buf.String(), "notes.txt")
}

func TestWriteStatus(t *testing.T) {
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r := statusReport{
		Version:    2,
		Watermarks: []fees.Watermark{{Source: "fee_deductions", LastSyncedAt: started}},
		Syncs: []fees.SyncStatus{{
			Source:              "fee_deductions",
			Status:              fees.SyncError,
			LastRunMode:         fees.ModeIncremental,
			LastDuration:        2500 * time.Millisecond,
			LastRecordCount:     42,
			LastSeenFeeID:       "fee-9",
			LastSeenBookingDate: time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
			LastError:           "gateway timeout",
			StartedAt:           started,
		}},
		Counts: []postgres.TableCount{{Table: "fee_records", Rows: 42}},
	}

	var buf bytes.Buffer
	writeStatus(&buf, r)

	out := buf.String()
	assert.Contains(t, out, "Schema version:")
	assert.Contains(t, out, "error (incremental, 2.5s, 42 records)")
	assert.Contains(t, out, "fee-9 (2024-05-31)")
	assert.Contains(t, out, "gateway timeout")
	assert.Regexp(t, `Latest booking date:\s+none`, out)
	assert.NotContains(t, out, "last success")
}
