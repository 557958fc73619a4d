package sshtransport

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"

	glueerr "github.com/jpoppe/libglue/internal/errors"
)

// Push implements Conn. Directories are copied recursively; symlinks
// are skipped.
func (c *clientConn) Push(ctx context.Context, localSrc, remoteDst string) (int64, error) {
	client, err := c.live()
	if err != nil {
		return 0, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return 0, &glueerr.ConnectionError{Addr: c.target.Addr(), Err: fmt.Errorf("sftp: %w", err)}
	}
	defer sftpClient.Close()

	srcInfo, err := os.Stat(localSrc)
	if err != nil {
		return 0, fmt.Errorf("stat source %s: %w", localSrc, err)
	}

	if srcInfo.IsDir() {
		return c.pushDir(ctx, sftpClient, localSrc, remoteDst)
	}
	return c.pushFile(ctx, sftpClient, localSrc, remoteDst, srcInfo.Mode())
}

// Pull implements Conn.
func (c *clientConn) Pull(ctx context.Context, remoteSrc, localDst string) (int64, error) {
	client, err := c.live()
	if err != nil {
		return 0, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return 0, &glueerr.ConnectionError{Addr: c.target.Addr(), Err: fmt.Errorf("sftp: %w", err)}
	}
	defer sftpClient.Close()

	srcInfo, err := sftpClient.Stat(remoteSrc)
	if err != nil {
		return 0, fmt.Errorf("stat remote source %s: %w", remoteSrc, err)
	}

	if srcInfo.IsDir() {
		return c.pullDir(ctx, sftpClient, remoteSrc, localDst)
	}
	return c.pullFile(ctx, sftpClient, remoteSrc, localDst, srcInfo.Mode())
}

func (c *clientConn) pushFile(ctx context.Context, sc *sftp.Client, localSrc, remoteDst string, mode fs.FileMode) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	src, err := os.Open(localSrc)
	if err != nil {
		return 0, fmt.Errorf("open local file %s: %w", localSrc, err)
	}
	defer src.Close()

	dst, err := sc.Create(remoteDst)
	if err != nil {
		return 0, fmt.Errorf("create remote file %s: %w", remoteDst, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("copy to %s: %w", remoteDst, err)
	}

	// Best effort; some servers reject chmod.
	_ = sc.Chmod(remoteDst, mode)

	return n, nil
}

func (c *clientConn) pushDir(ctx context.Context, sc *sftp.Client, localSrc, remoteDst string) (int64, error) {
	var total int64
	err := filepath.WalkDir(localSrc, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		relPath, err := filepath.Rel(localSrc, path)
		if err != nil {
			return err
		}
		remotePath := filepath.ToSlash(filepath.Join(remoteDst, relPath))

		if d.IsDir() {
			return sc.MkdirAll(remotePath)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := c.pushFile(ctx, sc, path, remotePath, info.Mode())
		total += n
		return err
	})
	return total, err
}

func (c *clientConn) pullFile(ctx context.Context, sc *sftp.Client, remoteSrc, localDst string, mode fs.FileMode) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	src, err := sc.Open(remoteSrc)
	if err != nil {
		return 0, fmt.Errorf("open remote file %s: %w", remoteSrc, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localDst), 0o755); err != nil {
		return 0, fmt.Errorf("create local directory: %w", err)
	}

	dst, err := os.OpenFile(localDst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("create local file %s: %w", localDst, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("copy from %s: %w", remoteSrc, err)
	}
	return n, nil
}

func (c *clientConn) pullDir(ctx context.Context, sc *sftp.Client, remoteSrc, localDst string) (int64, error) {
	var total int64
	walker := sc.Walk(remoteSrc)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if err := walker.Err(); err != nil {
			return total, err
		}

		remotePath := walker.Path()
		relPath, err := filepath.Rel(remoteSrc, remotePath)
		if err != nil {
			return total, err
		}
		localPath := filepath.Join(localDst, relPath)

		info := walker.Stat()
		if info.Mode()&fs.ModeSymlink != 0 {
			continue
		}
		if info.IsDir() {
			if err := os.MkdirAll(localPath, info.Mode().Perm()); err != nil {
				return total, fmt.Errorf("create local directory %s: %w", localPath, err)
			}
			continue
		}

		n, err := c.pullFile(ctx, sc, remotePath, localPath, info.Mode())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
