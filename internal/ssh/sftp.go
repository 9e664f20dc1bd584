package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path via SFTP and verifies the
// remote SHA-256 matches. A mismatched upload is removed. mode 0 keeps the
// local file's permissions.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string, mode os.FileMode) (string, error) {
	sum, err := FileChecksum(localPath)
	if err != nil {
		return "", fmt.Errorf("checksum local: %w", err)
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	stop := context.AfterFunc(ctx, func() { sf.Close() })
	defer stop()

	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return "", fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	if mode == 0 {
		if st, err := src.Stat(); err == nil {
			mode = st.Mode().Perm()
		}
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close remote: %w", err)
	}
	if err := sf.Chmod(remotePath, mode); err != nil {
		return "", fmt.Errorf("chmod remote: %w", err)
	}

	res, err := Run(ctx, client, "sha256sum "+ShellQuote(remotePath))
	if err != nil {
		return "", fmt.Errorf("checksum remote: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("checksum remote: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	remote := strings.Fields(res.Stdout)
	if len(remote) == 0 || remote[0] != sum {
		_ = sf.Remove(remotePath)
		got := ""
		if len(remote) > 0 {
			got = remote[0]
		}
		return "", fmt.Errorf("checksum mismatch: expected %s, got %s", sum, got)
	}
	return sum, nil
}

// PullFile downloads a remote file to a local path via SFTP.
func PullFile(ctx context.Context, client *xssh.Client, remotePath, localPath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	stop := context.AfterFunc(ctx, func() { sf.Close() })
	defer stop()

	if err := os.MkdirAll(path.Dir(localPath), 0o700); err != nil {
		return fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

// FileChecksum returns the hex SHA-256 of a local file.
func FileChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
