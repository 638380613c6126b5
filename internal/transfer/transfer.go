// Package transfer uploads deploy artifacts over SFTP.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// PushFile uploads localPath to remotePath over an existing SSH connection.
// The SHA-256 of the stream is compared against the remote copy read back
// on the same SFTP session. A non-zero mode is applied after the upload.
func PushFile(ctx context.Context, sshClient *ssh.Client, localPath, remotePath string, mode os.FileMode, host string, progressFn ProgressFunc) (checksum string, bytesWritten int64, err error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("open local file: %w", err)
	}
	defer localFile.Close()

	stat, err := localFile.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat local file: %w", err)
	}
	if stat.IsDir() {
		return "", 0, fmt.Errorf("%s is a directory", localPath)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return "", 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	// remotePath is always a Unix path on the remote host.
	remoteDir := path.Dir(remotePath)
	if remoteDir != "." && remoteDir != "/" {
		if err := sftpClient.MkdirAll(remoteDir); err != nil {
			return "", 0, fmt.Errorf("create remote dir %s: %w", remoteDir, err)
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return "", 0, fmt.Errorf("create remote file: %w", err)
	}

	hasher := sha256.New()
	pw := newProgressWriter(remoteFile, host, stat.Size(), progressFn)
	written, err := copyWithContext(ctx, io.MultiWriter(pw, hasher), localFile)
	// Flush before reading back.
	remoteFile.Close()
	if err != nil {
		return "", written, fmt.Errorf("copy: %w", err)
	}

	localChecksum := hex.EncodeToString(hasher.Sum(nil))

	remoteChecksum, err := remoteSHA256(sftpClient, remotePath)
	if err != nil {
		return localChecksum, written, fmt.Errorf("remote checksum verification failed: %w", err)
	}
	if remoteChecksum != localChecksum {
		return localChecksum, written, fmt.Errorf("checksum mismatch: local=%s remote=%s", localChecksum, remoteChecksum)
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			return localChecksum, written, fmt.Errorf("chmod %s: %w", remotePath, err)
		}
	}

	return localChecksum, written, nil
}

// remoteSHA256 hashes a remote file by reading it back over SFTP, so the
// remote host needs no sha256sum binary.
func remoteSHA256(sftpClient *sftp.Client, remotePath string) (string, error) {
	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote file for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("read remote file for checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyWithContext copies src to dst in chunks, checking ctx between them.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
