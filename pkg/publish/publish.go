// SPDX-License-Identifier: MPL-2.0

// Package publish packages a project directory into a zip archive and
// uploads it to the registry as a new revision.
package publish

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/mario-eth/soldeer/pkg/registry"
)

var (
	// ErrNoFiles is returned when nothing remains to publish after the
	// ignore rules are applied.
	ErrNoFiles = errors.New("no files to publish")

	// ErrNameInvalid is returned when the project name does not satisfy
	// the registry naming rules.
	ErrNameInvalid = errors.New("invalid project name")
)

// ignoreFileNames are the per-directory ignore files, in order of
// increasing precedence.
var ignoreFileNames = []string{".gitignore", ".ignore", ".soldeerignore"}

// publishNameRegex validates names for the registry: lowercase
// alphanumerics and hyphens, optionally scoped with `@`, not starting or
// ending with a hyphen.
var publishNameRegex = regexp.MustCompile(`^[@a-z0-9][a-z0-9-]*[a-z0-9]$`)

type (
	// DotfilesError is returned when the archive would contain dotfiles and
	// the warning was not explicitly skipped.
	DotfilesError struct {
		// Files are the offending archive paths.
		Files []string
	}

	// Options modify a publish run.
	Options struct {
		// DryRun creates the archive without uploading it.
		DryRun bool
		// SkipWarnings allows dotfiles in the archive.
		SkipWarnings bool
	}

	// Publisher uploads project archives to a registry.
	Publisher struct {
		// Registry is the authenticated registry client.
		Registry *registry.Client
	}

	// layer is one ignore file in effect for a subtree.
	layer struct {
		base    string
		matcher *ignore.GitIgnore
	}
)

// Error implements the error interface.
func (e *DotfilesError) Error() string {
	return fmt.Sprintf("archive would contain dotfiles (use --skip-warnings to publish anyway): %s",
		strings.Join(e.Files, ", "))
}

// ValidateName checks a project name against the registry rules: 3 to 100
// characters, lowercase alphanumerics and hyphens, optional `@` scope
// prefix.
func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 100 || !publishNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	return nil
}

// Push archives the directory and publishes it as projectName@version. The
// returned path is the created archive; it is only retained for dry runs.
func (p *Publisher) Push(ctx context.Context, projectName, version, dir string, opts Options) (string, error) {
	if err := ValidateName(projectName); err != nil {
		return "", err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}

	files, err := CollectFiles(root)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", ErrNoFiles
	}
	if !opts.SkipWarnings {
		if dotfiles := findDotfiles(files); len(dotfiles) > 0 {
			return "", &DotfilesError{Files: dotfiles}
		}
	}

	zipPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s.zip", strings.TrimPrefix(projectName, "@"), version))
	if err := CreateZip(root, files, zipPath); err != nil {
		return "", err
	}
	if opts.DryRun {
		return zipPath, nil
	}
	defer os.Remove(zipPath)

	if err := p.Registry.Push(ctx, projectName, version, zipPath); err != nil {
		return "", err
	}
	return zipPath, nil
}

// CollectFiles walks root and returns the files to publish, as
// slash-separated paths relative to root. Ignore files apply to their own
// subtree, and a path is skipped when any ignore file in effect matches it; a
// negated pattern re-includes only paths matched earlier in the same file,
// not paths ignored by another file. `.git` directories are always skipped.
func CollectFiles(root string) ([]string, error) {
	var files []string
	if err := collect(root, root, nil, &files); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func collect(root, dir string, layers []layer, files *[]string) error {
	for _, name := range ignoreFileNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read ignore file: %w", err)
		}
		layers = append(layers, layer{
			base:    dir,
			matcher: ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if entry.Name() == ".git" {
				continue
			}
			if ignored(layers, path, true) {
				continue
			}
			if err := collect(root, path, layers, files); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if ignored(layers, path, false) {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		*files = append(*files, filepath.ToSlash(rel))
	}
	return nil
}

// ignored applies the layered matchers to a path and reports true when any
// layer matches it; no layer can re-include a path another layer ignores.
func ignored(layers []layer, path string, isDir bool) bool {
	result := false
	for _, l := range layers {
		rel, err := filepath.Rel(l.base, path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if isDir {
			rel += "/"
		}
		if l.matcher.MatchesPath(rel) {
			result = true
		}
	}
	return result
}

func findDotfiles(files []string) []string {
	var dotfiles []string
	for _, file := range files {
		for _, part := range strings.Split(file, "/") {
			if strings.HasPrefix(part, ".") {
				dotfiles = append(dotfiles, file)
				break
			}
		}
	}
	return dotfiles
}

// CreateZip writes the given files (relative slash paths under root) into a
// deflate-compressed zip archive at outPath. Directories get explicit
// entries so less forgiving tools can extract the hierarchy.
func CreateZip(root string, files []string, outPath string) (err error) {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(outPath)
		}
	}()

	writer := zip.NewWriter(out)
	defer func() {
		if closeErr := writer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	addedDirs := make(map[string]bool)
	for _, file := range files {
		for _, dir := range parentDirs(file) {
			if !addedDirs[dir] {
				if _, dirErr := writer.Create(dir + "/"); dirErr != nil {
					return fmt.Errorf("failed to add directory entry: %w", dirErr)
				}
				addedDirs[dir] = true
			}
		}
		if err := addFile(writer, root, file); err != nil {
			return err
		}
	}
	return nil
}

func parentDirs(file string) []string {
	var dirs []string
	parts := strings.Split(file, "/")
	for i := 1; i < len(parts); i++ {
		dirs = append(dirs, strings.Join(parts[:i], "/"))
	}
	return dirs
}

func addFile(writer *zip.Writer, root, file string) error {
	path := filepath.Join(root, filepath.FromSlash(file))
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", file, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create archive header: %w", err)
	}
	header.Name = file
	header.Method = zip.Deflate

	entry, err := writer.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to add archive entry: %w", err)
	}
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer in.Close()
	if _, err := io.Copy(entry, in); err != nil {
		return fmt.Errorf("failed to write archive entry: %w", err)
	}
	return nil
}
