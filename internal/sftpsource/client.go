// Package sftpsource lists and downloads statement files from the custodian's
// SFTP drop. It implements statements.Catalog and transfer.Downloader.
package sftpsource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/dvloznov/finsync/internal/logger"
)

// Config holds the connection settings of the remote file host.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// PrivateKey is a PEM key, optionally base64 encoded or with escaped newlines.
	PrivateKey string
	// HostKey pins the server key in authorized_keys format. Empty accepts any key.
	HostKey   string
	RemoteDir string
	Timeout   time.Duration
}

// ErrNoCredentials is returned when neither a password nor a usable key is configured.
var ErrNoCredentials = errors.New("sftp: no authentication method available (provide password or private key)")

// Client is a connected SFTP session.
type Client struct {
	ssh       *ssh.Client
	sftp      *sftp.Client
	remoteDir string
}

// Dial connects and authenticates against the remote host.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	log := logger.FromContext(ctx)

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := hostKeyCallback(cfg.HostKey)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	log.Info().Str("addr", addr).Str("user", cfg.Username).Msg("Connecting to SFTP")

	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sftp dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}

	log.Info().Msg("SFTP connected")
	c := newClient(sftpClient, cfg.RemoteDir)
	c.ssh = sshClient
	return c, nil
}

func newClient(sc *sftp.Client, remoteDir string) *Client {
	if remoteDir == "" {
		remoteDir = "."
	}
	return &Client{sftp: sc, remoteDir: remoteDir}
}

// Close ends the SFTP session and the underlying SSH connection.
func (c *Client) Close() error {
	err := c.sftp.Close()
	if c.ssh != nil {
		if sshErr := c.ssh.Close(); err == nil {
			err = sshErr
		}
	}
	return err
}

// ListFiles returns the names of regular files in the remote directory, sorted.
func (c *Client) ListFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := c.sftp.ReadDir(c.remoteDir)
	if err != nil {
		return nil, fmt.Errorf("Client.ListFiles: read %q: %w", c.remoteDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Mode().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	log := logger.FromContext(ctx)
	log.Info().Int("files", len(names)).Str("remote_dir", c.remoteDir).Msg("Listed remote files")
	return names, nil
}

// Download copies one remote file to localPath. The file is written under a
// temporary name and renamed once complete, so a failed download never leaves
// a truncated file at localPath.
func (c *Client) Download(ctx context.Context, remoteName, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := c.sftp.Open(c.remotePath(remoteName))
	if err != nil {
		return fmt.Errorf("Client.Download: open remote %q: %w", remoteName, err)
	}
	defer src.Close()
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()

	tmp := localPath + ".part"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("Client.Download: create %q: %w", tmp, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("Client.Download: copy %q: %w", remoteName, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("Client.Download: close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("Client.Download: rename to %q: %w", localPath, err)
	}
	return nil
}

func (c *Client) remotePath(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	return path.Join(c.remoteDir, name)
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := parsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sftp private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, ErrNoCredentials
	}
	return methods, nil
}

// parsePrivateKey accepts a PEM block as-is, with literal "\n" sequences, or
// base64 encoded.
func parsePrivateKey(text string) (ssh.Signer, error) {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "BEGIN") {
		if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
			text = string(decoded)
		}
	}
	text = strings.ReplaceAll(text, `\n`, "\n")
	return ssh.ParsePrivateKey([]byte(text))
}

func hostKeyCallback(pinned string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(pinned) == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pinned))
	if err != nil {
		return nil, fmt.Errorf("sftp host key: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}
