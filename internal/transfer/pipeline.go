// Package transfer mirrors the selected statement files into the destination
// folder: download, clear the mirror, upload with pacing and bounded retries.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dvloznov/finsync/internal/logger"
	"github.com/dvloznov/finsync/internal/retry"
	"github.com/dvloznov/finsync/internal/statements"
)

// DefaultUploadInterval is the pause inserted between consecutive uploads.
const DefaultUploadInterval = 500 * time.Millisecond

// Options configures a Pipeline.
type Options struct {
	DownloadDir       string
	UploadInterval    time.Duration
	DeleteAfterUpload bool

	// Download is applied to each remote download.
	Download retry.Policy
	// Upload bounds the total upload attempts per file, the first pass included.
	Upload retry.Policy
}

// DefaultOptions returns the pacing and retry settings used in production.
func DefaultOptions(downloadDir string) Options {
	return Options{
		DownloadDir:    downloadDir,
		UploadInterval: DefaultUploadInterval,
		Download: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
		},
		Upload: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    60 * time.Second,
			Multiplier:  2,
		},
	}
}

// Pipeline moves a SelectionResult from the remote source to the mirror.
type Pipeline struct {
	downloader Downloader
	mirror     Mirror
	opts       Options
	limiter    *rate.Limiter
}

// NewPipeline creates a pipeline. A non-positive UploadInterval disables pacing.
func NewPipeline(downloader Downloader, mirror Mirror, opts Options) *Pipeline {
	if opts.Download.MaxAttempts < 1 {
		opts.Download.MaxAttempts = 1
	}
	if opts.Upload.MaxAttempts < 1 {
		opts.Upload.MaxAttempts = 1
	}
	limit := rate.Inf
	if opts.UploadInterval > 0 {
		limit = rate.Every(opts.UploadInterval)
	}
	return &Pipeline{
		downloader: downloader,
		mirror:     mirror,
		opts:       opts,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Run transfers every selected file. Per-file failures are reported in the
// Result and never returned as an error; the error is only set when ctx is
// cancelled, in which case the Result still describes the work done so far.
func (p *Pipeline) Run(ctx context.Context, sel statements.SelectionResult) (Result, error) {
	log := logger.FromContext(ctx)

	if len(sel.Selected) == 0 {
		// The mirror reflects the latest selection, so an empty one empties it.
		if err := p.mirror.Clear(ctx); err != nil {
			log.Error().Err(err).Msg("Mirror clear failed")
			return Result{ClearErr: err}, ctx.Err()
		}
		log.Info().Msg("No files selected; mirror cleared")
		return Result{}, nil
	}

	tasks := make([]*UploadTask, 0, len(sel.Selected))
	for _, d := range sel.Selected {
		tasks = append(tasks, &UploadTask{
			Descriptor: d,
			LocalPath:  filepath.Join(p.opts.DownloadDir, d.RawName),
			Status:     StatusPending,
		})
	}

	if err := os.MkdirAll(p.opts.DownloadDir, 0o755); err != nil {
		failAll(tasks, fmt.Errorf("Pipeline.Run: create download dir: %w", err))
		return p.finish(ctx, tasks, nil), nil
	}

	// Phase 1a: downloads.
	for _, task := range tasks {
		tlog := taskLogger(log, task)
		err := retry.Do(ctx, p.opts.Download, func(ctx context.Context, attempt int) error {
			err := p.downloader.Download(ctx, task.Descriptor.RawName, task.LocalPath)
			if err != nil {
				tlog.Warn().Err(err).Int("attempt", attempt).Msg("Download attempt failed")
			}
			return err
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			failPending(tasks, ctxErr)
			return p.finish(ctx, tasks, nil), ctxErr
		}
		if err != nil {
			task.Status = StatusFailed
			task.LastErr = fmt.Errorf("download: %w", err)
			tlog.Error().Err(err).Msg("Download failed")
			continue
		}
		tlog.Debug().Str("local_path", task.LocalPath).Msg("Downloaded")
	}

	// The mirror must be empty before the first upload.
	if err := p.mirror.Clear(ctx); err != nil {
		log.Error().Err(err).Msg("Mirror clear failed; skipping uploads")
		failPending(tasks, fmt.Errorf("mirror clear: %w", err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return p.finish(ctx, tasks, err), ctxErr
		}
		return p.finish(ctx, tasks, err), nil
	}

	// Phase 1b: one paced attempt per downloaded file.
	for _, task := range tasks {
		if task.Status != StatusPending {
			continue
		}
		if err := p.attempt(ctx, task); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				failPending(tasks, ctxErr)
				return p.finish(ctx, tasks, nil), ctxErr
			}
			if retry.IsPermanent(err) {
				task.Status = StatusFailed
			}
		}
	}

	// Phase 2: bounded retries for what is still pending.
	for _, task := range tasks {
		if task.Status != StatusPending {
			continue
		}
		tlog := taskLogger(log, task)
		tlog.Info().Err(task.LastErr).Msg("Retrying upload")

		err := retry.Resume(ctx, p.opts.Upload, task.Attempts, task.LastErr, func(ctx context.Context, attempt int) error {
			return p.attempt(ctx, task)
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			failPending(tasks, ctxErr)
			return p.finish(ctx, tasks, nil), ctxErr
		}
		if err != nil {
			task.Status = StatusFailed
			tlog.Error().Err(task.LastErr).Int("attempt", task.Attempts).Msg("Upload permanently failed")
		}
	}

	return p.finish(ctx, tasks, nil), nil
}

// attempt performs one paced upload and records its outcome on the task.
func (p *Pipeline) attempt(ctx context.Context, task *UploadTask) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	task.Attempts++
	err := p.mirror.Upload(ctx, task.LocalPath, task.Descriptor.RawName)
	tlog := taskLogger(logger.FromContext(ctx), task).With().Int("attempt", task.Attempts).Logger()
	if err == nil {
		task.Status = StatusSucceeded
		task.LastErr = nil
		tlog.Info().Str("file", task.Descriptor.RawName).Msg("Uploaded")
		return nil
	}

	task.LastErr = err
	var rl *RateLimitError
	switch {
	case errors.Is(err, ErrPermanent):
		tlog.Error().Err(err).Msg("Upload rejected")
		return retry.Permanent(err)
	case errors.As(err, &rl):
		tlog.Warn().Dur("retry_after", rl.RetryAfter).Msg("Upload rate limited")
	default:
		tlog.Warn().Err(err).Msg("Upload attempt failed")
	}
	return err
}

// finish applies local cleanup and partitions the tasks.
func (p *Pipeline) finish(ctx context.Context, tasks []*UploadTask, clearErr error) Result {
	log := logger.FromContext(ctx)
	res := Result{ClearErr: clearErr}

	for _, task := range tasks {
		if task.Status == StatusSucceeded {
			if p.opts.DeleteAfterUpload {
				if err := os.Remove(task.LocalPath); err != nil {
					log.Warn().Err(err).Str("local_path", task.LocalPath).Msg("Failed to delete local file")
				}
			}
			res.Succeeded = append(res.Succeeded, *task)
			continue
		}
		res.Failed = append(res.Failed, *task)
	}

	log.Info().
		Int("succeeded", len(res.Succeeded)).
		Int("failed", len(res.Failed)).
		Strs("failed_keys", res.FailedKeys()).
		Msg("Transfer finished")
	return res
}

func failAll(tasks []*UploadTask, err error) {
	for _, task := range tasks {
		task.Status = StatusFailed
		task.LastErr = err
	}
}

func failPending(tasks []*UploadTask, err error) {
	for _, task := range tasks {
		if task.Status == StatusPending {
			task.Status = StatusFailed
			task.LastErr = err
		}
	}
}

func taskLogger(log zerolog.Logger, task *UploadTask) zerolog.Logger {
	return log.With().
		Str("account", task.Descriptor.Account).
		Str("statement_type", string(task.Descriptor.Type)).
		Logger()
}
