// SPDX-License-Identifier: MPL-2.0

// Package download fetches dependency archives over HTTPS and extracts them.
package download

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mario-eth/soldeer/pkg/integrity"
)

var (
	// ErrArchiveMalformed is returned when a zip archive cannot be read.
	ErrArchiveMalformed = errors.New("archive is not a valid zip file")

	// ErrPathTraversal is returned when an archive entry would escape the
	// extraction directory.
	ErrPathTraversal = errors.New("archive entry escapes the target directory")
)

// DownloadError is returned when fetching an archive fails.
type DownloadError struct {
	// URL is the archive URL.
	URL string
	// Status is the HTTP status code, zero on transport errors.
	Status int
	// Err is the underlying error, nil for bad statuses.
	Err error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to download %s: %s", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to download %s: status %d", e.URL, e.Status)
}

// Unwrap returns the underlying error.
func (e *DownloadError) Unwrap() error { return e.Err }

// Fetch streams the archive at url into a temp file in dir, computing the
// SHA-256 of the bytes on the fly. It returns the temp file path and the
// checksum. There are no retries; failures surface to the caller.
func Fetch(ctx context.Context, client *http.Client, url, dir string) (string, integrity.Checksum, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", "", &DownloadError{URL: url, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", &DownloadError{URL: url, Status: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(dir, "soldeer-*.zip")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", "", &DownloadError{URL: url, Err: err}
	}
	checksum := integrity.Checksum(hex.EncodeToString(hasher.Sum(nil)))
	return tmpPath, checksum, nil
}

// Unzip extracts a zip archive into dest, which is created if needed. Entries
// with absolute paths or `..` components are rejected. On any error the
// partially extracted folder is removed.
func Unzip(zipPath, dest string) (err error) {
	defer func() {
		if err != nil {
			os.RemoveAll(dest)
		}
	}()

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrArchiveMalformed, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	for _, file := range reader.File {
		target, pathErr := safeJoin(dest, file.Name)
		if pathErr != nil {
			return pathErr
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirMode(file)); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := extractFile(file, target); err != nil {
			return fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
	}
	return nil
}

// safeJoin joins an archive entry name onto dest, rejecting traversal.
func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) || filepath.IsAbs(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	return filepath.Join(dest, cleaned), nil
}

func dirMode(file *zip.File) os.FileMode {
	if mode := file.Mode().Perm(); mode != 0 {
		return mode | 0o700
	}
	return 0o755
}

func extractFile(file *zip.File, target string) (err error) {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrArchiveMalformed, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(out, rc)
	return err
}
