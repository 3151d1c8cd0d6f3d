// SPDX-License-Identifier: MPL-2.0

// Package integrity computes the checksums that identify installed
// dependencies: a SHA-256 over downloaded archive bytes and a canonical
// SHA-256 over the contents of an extracted folder.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// ignoreFileNames are the ignore files honored at the root of a hashed
// folder, in order of increasing precedence.
var ignoreFileNames = []string{".gitignore", ".ignore", ".soldeerignore"}

// Checksum is the lowercase hex representation of a SHA-256 digest.
type Checksum string

// String returns the hex digest.
func (c Checksum) String() string { return string(c) }

// HashReader computes the SHA-256 of everything readable from r.
func HashReader(r io.Reader) (Checksum, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return sum(h), nil
}

// HashBytes computes the SHA-256 of the given bytes.
func HashBytes(data []byte) Checksum {
	digest := sha256.Sum256(data)
	return Checksum(hex.EncodeToString(digest[:]))
}

// HashFile computes the SHA-256 of the contents of the file at path.
func HashFile(path string) (Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashFolder computes the canonical digest of a directory tree.
//
// The walk visits entries sorted by their slash-separated relative path, so
// the digest is stable across operating systems. Regular files contribute
// their relative path, a newline, and their contents; symlinks contribute
// only their path. Empty directories are ignored and the name of the root
// folder itself is excluded. Any `.git` directory is skipped, and ignore
// files present at the root of the folder exclude matching paths so that
// build artefacts don't change the digest.
func HashFolder(root string) (Checksum, error) {
	matcher, err := rootMatcher(root)
	if err != nil {
		return "", err
	}

	var entries []folderEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// directory paths show up inside their children's relative
			// paths; empty directories are ignored
			return nil
		}
		entries = append(entries, folderEntry{rel: rel, path: path, d: d})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk folder for hashing: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	h := sha256.New()
	for _, entry := range entries {
		h.Write([]byte(entry.rel))
		h.Write([]byte{'\n'})
		if !entry.d.Type().IsRegular() {
			continue
		}
		if err := writeFileContents(h, entry.path); err != nil {
			return "", err
		}
	}
	return sum(h), nil
}

type folderEntry struct {
	rel  string
	path string
	d    fs.DirEntry
}

// rootMatcher builds the combined ignore matcher from the ignore files at the
// folder root. Later files take precedence by being appended last.
func rootMatcher(root string) (*ignore.GitIgnore, error) {
	var lines []string
	for _, name := range ignoreFileNames {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read ignore file %s: %w", name, err)
		}
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return ignore.CompileIgnoreLines(lines...), nil
}

func writeFileContents(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash file contents: %w", err)
	}
	return nil
}

func sum(h hash.Hash) Checksum {
	return Checksum(hex.EncodeToString(h.Sum(nil)))
}
