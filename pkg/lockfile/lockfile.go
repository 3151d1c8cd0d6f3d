// SPDX-License-Identifier: MPL-2.0

// Package lockfile reads and writes soldeer.lock, the record of concrete
// resolved versions and integrity checksums.
//
// The file is a TOML document with a `[[dependencies]]` array of tables.
// Entries are keyed by (name, version) and canonicalized on write, so the
// output is deterministic regardless of install completion order.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

// ErrLockMalformed is returned when the lockfile cannot be parsed.
var ErrLockMalformed = errors.New("lockfile is not valid TOML")

type (
	// Entry is one locked dependency. Fields that don't apply to the
	// dependency's source kind are left empty and omitted on write.
	Entry struct {
		// Name is the dependency name.
		Name string `toml:"name"`

		// Version is the concrete resolved version: an exact version for
		// registry dependencies, the declared label for HTTP and git ones.
		Version string `toml:"version"`

		// Git is the repository URL for git dependencies.
		Git string `toml:"git,omitempty"`

		// URL is the archive URL for HTTP and registry dependencies.
		URL string `toml:"url,omitempty"`

		// Rev is the full commit hash for git dependencies.
		Rev string `toml:"rev,omitempty"`

		// Checksum is the SHA-256 of the downloaded zip archive.
		Checksum string `toml:"checksum,omitempty"`

		// Integrity is the SHA-256 of the extracted folder contents.
		Integrity string `toml:"integrity,omitempty"`
	}

	document struct {
		Dependencies []Entry `toml:"dependencies"`
	}
)

// IsGit reports whether the entry locks a git dependency.
func (e Entry) IsGit() bool { return e.Git != "" }

// InstallDirName returns the folder name under dependencies/ for this entry.
func (e Entry) InstallDirName() string {
	return soldeerfile.SanitizeName(e.Name) + "-" + soldeerfile.SanitizeName(e.Version)
}

// InstallPath returns the install folder for this entry under deps.
func (e Entry) InstallPath(deps string) string {
	return filepath.Join(deps, e.InstallDirName())
}

// Read loads the lockfile at path. A missing file yields an empty list.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLockMalformed, err)
	}
	seen := make(map[string]bool, len(doc.Dependencies))
	for _, entry := range doc.Dependencies {
		key := entry.Name + "~" + entry.Version
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate entry %s", ErrLockMalformed, key)
		}
		seen[key] = true
	}
	return doc.Dependencies, nil
}

// Write stores the entries at path, sorted by name then version. The write
// is atomic. An empty entry list removes the lockfile.
func Write(path string, entries []Entry) error {
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove empty lockfile: %w", err)
		}
		return nil
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Version < sorted[j].Version
	})

	data, err := toml.Marshal(document{Dependencies: sorted})
	if err != nil {
		return fmt.Errorf("failed to serialize lockfile: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close lockfile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace lockfile: %w", err)
	}
	return nil
}

// FindByName returns the entry for the given dependency name, if any.
func FindByName(entries []Entry, name string) (Entry, bool) {
	for _, entry := range entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return Entry{}, false
}

// Replace returns a copy of entries with any entry named like the
// replacement removed and the replacement appended.
func Replace(entries []Entry, replacement Entry) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	for _, entry := range entries {
		if entry.Name != replacement.Name {
			out = append(out, entry)
		}
	}
	return append(out, replacement)
}

// Remove returns a copy of entries without any entry of the given name,
// along with whether an entry was removed.
func Remove(entries []Entry, name string) ([]Entry, bool) {
	out := make([]Entry, 0, len(entries))
	removed := false
	for _, entry := range entries {
		if entry.Name == name {
			removed = true
			continue
		}
		out = append(out, entry)
	}
	return out, removed
}
