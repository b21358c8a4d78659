package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finsync/internal/statements"
)

// Status is the lifecycle state of an UploadTask.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// ErrPermanent marks an upload failure that retrying will not fix.
var ErrPermanent = errors.New("permanent upload failure")

// RateLimitError is returned by a Mirror when the destination throttles us.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RetryDelay exposes the retry-after value to the retry executor.
func (e *RateLimitError) RetryDelay() time.Duration { return e.RetryAfter }

// Downloader fetches one remote file into a local path.
type Downloader interface {
	Download(ctx context.Context, remoteName, localPath string) error
}

// Mirror is the destination folder that receives the selected files.
type Mirror interface {
	// Clear removes every object currently in the mirror folder.
	Clear(ctx context.Context) error
	// Upload stores the local file under name inside the mirror folder.
	Upload(ctx context.Context, localPath, name string) error
}

// UploadTask tracks one selected file through download and upload.
type UploadTask struct {
	Descriptor statements.Descriptor
	LocalPath  string
	Attempts   int
	LastErr    error
	Status     Status
}

// Key identifies the task by account and statement type.
func (t UploadTask) Key() string {
	return t.Descriptor.Key()
}

// Result partitions the tasks of one run.
type Result struct {
	Succeeded []UploadTask
	Failed    []UploadTask

	// ClearErr is set when the mirror could not be cleared; nothing was uploaded then.
	ClearErr error
}

// FailedKeys lists the account/type keys of permanently failed tasks.
func (r Result) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failed))
	for _, t := range r.Failed {
		keys = append(keys, t.Key())
	}
	return keys
}

// OK reports whether every selected file reached the mirror.
func (r Result) OK() bool {
	return len(r.Failed) == 0 && r.ClearErr == nil
}
