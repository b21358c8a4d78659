package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/dvloznov/finsync/internal/logger"
	"github.com/dvloznov/finsync/internal/retry"
	"github.com/dvloznov/finsync/internal/transfer"
)

// Mirror is a folder inside a bucket whose contents are fully replaced on
// every file sync. It implements transfer.Mirror.
type Mirror struct {
	store  ObjectStore
	prefix string
}

// NewMirror creates a mirror rooted at prefix. An empty prefix mirrors into
// the bucket root.
func NewMirror(store ObjectStore, prefix string) *Mirror {
	return &Mirror{store: store, prefix: strings.Trim(prefix, "/")}
}

// ObjectName returns the full object name for a file stored in the mirror.
func (m *Mirror) ObjectName(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func (m *Mirror) listPrefix() string {
	if m.prefix == "" {
		return ""
	}
	return m.prefix + "/"
}

// Clear deletes every object under the mirror prefix. All deletions are
// attempted; the returned error joins the ones that failed.
func (m *Mirror) Clear(ctx context.Context) error {
	log := logger.FromContext(ctx)

	names, err := m.store.List(ctx, m.listPrefix())
	if err != nil {
		return fmt.Errorf("Mirror.Clear: list: %w", err)
	}
	if len(names) == 0 {
		log.Info().Str("prefix", m.prefix).Msg("Mirror already empty")
		return nil
	}

	var errs []error
	for _, name := range names {
		if err := m.store.Delete(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("Mirror.Clear: %d of %d deletions failed: %w", len(errs), len(names), errors.Join(errs...))
	}

	log.Info().Str("prefix", m.prefix).Int("deleted", len(names)).Msg("Cleared mirror")
	return nil
}

// Upload copies the local file into the mirror under name. Errors are
// classified for the transfer pipeline: throttling becomes a
// *transfer.RateLimitError and client errors wrap transfer.ErrPermanent.
func (m *Mirror) Upload(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: open %q: %w", transfer.ErrPermanent, localPath, err)
	}
	defer f.Close()

	if err := m.store.Put(ctx, m.ObjectName(name), f); err != nil {
		return classify(err)
	}
	return nil
}

// List returns the file names currently in the mirror, sorted.
func (m *Mirror) List(ctx context.Context) ([]string, error) {
	objects, err := m.store.List(ctx, m.listPrefix())
	if err != nil {
		return nil, fmt.Errorf("Mirror.List: %w", err)
	}
	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, strings.TrimPrefix(o, m.listPrefix()))
	}
	sort.Strings(names)
	return names, nil
}

func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return &transfer.RateLimitError{RetryAfter: retry.ParseRetryAfter(gerr.Header), Err: err}
	case gerr.Code == http.StatusRequestTimeout:
		return err
	case gerr.Code >= 400 && gerr.Code < 500:
		return fmt.Errorf("%w: %w", transfer.ErrPermanent, err)
	default:
		return err
	}
}
