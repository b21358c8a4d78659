package sftpsource

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

// newPipeClient serves the local filesystem over an in-process SFTP server.
func newPipeClient(t *testing.T, remoteDir string) *Client {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	server, err := sftp.NewServer(pipeConn{Reader: c2sR, WriteCloser: s2cW})
	require.NoError(t, err)
	go server.Serve()

	sc, err := sftp.NewClientPipe(s2cR, c2sW)
	require.NoError(t, err)

	c := newClient(sc, remoteDir)
	t.Cleanup(func() {
		c.Close()
		server.Close()
	})
	return c
}

func TestClient_ListFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"200-20250101T0800-A.xlsx", "100-20250102T0900-B.xlsx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))

	c := newPipeClient(t, dir)
	names, err := c.ListFiles(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"100-20250102T0900-B.xlsx", "200-20250101T0800-A.xlsx"}, names)
}

func TestClient_ListFilesMissingDir(t *testing.T) {
	c := newPipeClient(t, filepath.Join(t.TempDir(), "missing"))

	_, err := c.ListFiles(context.Background())
	assert.Error(t, err)
}

func TestClient_Download(t *testing.T) {
	remote := t.TempDir()
	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(remote, "f.xlsx"), []byte("statement"), 0o644))

	c := newPipeClient(t, remote)
	dst := filepath.Join(local, "f.xlsx")

	require.NoError(t, c.Download(context.Background(), "f.xlsx", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "statement", string(data))
	_, err = os.Stat(dst + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestClient_DownloadMissingFile(t *testing.T) {
	c := newPipeClient(t, t.TempDir())
	dst := filepath.Join(t.TempDir(), "nope.xlsx")

	err := c.Download(context.Background(), "nope.xlsx", dst)

	require.Error(t, err)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestClient_DownloadCancelled(t *testing.T) {
	c := newPipeClient(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Download(ctx, "f.xlsx", filepath.Join(t.TempDir(), "f.xlsx"))
	assert.ErrorIs(t, err, context.Canceled)
}

func generateKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func TestParsePrivateKey_Formats(t *testing.T) {
	raw := generateKeyPEM(t)

	tests := []struct {
		name string
		text string
	}{
		{name: "pem", text: raw},
		{name: "escaped newlines", text: strings.ReplaceAll(raw, "\n", `\n`)},
		{name: "base64", text: base64.StdEncoding.EncodeToString([]byte(raw))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := parsePrivateKey(tt.text)
			require.NoError(t, err)
			assert.Equal(t, ssh.KeyAlgoED25519, signer.PublicKey().Type())
		})
	}

	_, err := parsePrivateKey("not a key")
	assert.Error(t, err)
}

func TestAuthMethods(t *testing.T) {
	_, err := authMethods(Config{})
	assert.ErrorIs(t, err, ErrNoCredentials)

	methods, err := authMethods(Config{Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	methods, err = authMethods(Config{Password: "secret", PrivateKey: generateKeyPEM(t)})
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	_, err = authMethods(Config{PrivateKey: "garbage"})
	assert.Error(t, err)
}

func TestHostKeyCallback(t *testing.T) {
	cb, err := hostKeyCallback("")
	require.NoError(t, err)
	assert.NotNil(t, cb)

	signer, err := parsePrivateKey(generateKeyPEM(t))
	require.NoError(t, err)
	pinned := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))

	cb, err = hostKeyCallback(pinned)
	require.NoError(t, err)
	assert.NoError(t, cb("host:22", nil, signer.PublicKey()))

	other, err := parsePrivateKey(generateKeyPEM(t))
	require.NoError(t, err)
	assert.Error(t, cb("host:22", nil, other.PublicKey()))

	_, err = hostKeyCallback("ssh-ed25519 !!!")
	assert.Error(t, err)
}

func TestRemotePath(t *testing.T) {
	assert.Equal(t, "f.xlsx", newClient(nil, "").remotePath("f.xlsx"))
	assert.Equal(t, "/out/f.xlsx", newClient(nil, "/out").remotePath("f.xlsx"))
	assert.Equal(t, "/abs/f.xlsx", newClient(nil, "/out").remotePath("/abs/f.xlsx"))
}
