package main

import (
	"context"
	"sync"

	"github.com/dvloznov/finsync/internal/sftpsource"
)

type remoteClient interface {
	ListFiles(ctx context.Context) ([]string, error)
	Download(ctx context.Context, remoteName, localPath string) error
	Close() error
}

// lazySFTP connects on first use, so an unreachable host fails the file
// sync phase instead of the whole run.
type lazySFTP struct {
	cfg  sftpsource.Config
	dial func(ctx context.Context, cfg sftpsource.Config) (remoteClient, error)

	mu     sync.Mutex
	client remoteClient
}

func (l *lazySFTP) connect(ctx context.Context) (remoteClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	dial := l.dial
	if dial == nil {
		dial = func(ctx context.Context, cfg sftpsource.Config) (remoteClient, error) {
			return sftpsource.Dial(ctx, cfg)
		}
	}
	c, err := dial(ctx, l.cfg)
	if err != nil {
		return nil, err
	}
	l.client = c
	return c, nil
}

func (l *lazySFTP) ListFiles(ctx context.Context) ([]string, error) {
	c, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	return c.ListFiles(ctx)
}

func (l *lazySFTP) Download(ctx context.Context, remoteName, localPath string) error {
	c, err := l.connect(ctx)
	if err != nil {
		return err
	}
	return c.Download(ctx, remoteName, localPath)
}

func (l *lazySFTP) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return err
}
