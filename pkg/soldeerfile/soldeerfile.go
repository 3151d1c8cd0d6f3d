// SPDX-License-Identifier: MPL-2.0

// Package soldeerfile reads and edits the project configuration file that
// owns the `[dependencies]` table, which is either `foundry.toml` or a
// dedicated `soldeer.toml`.
//
// Reads decode the TOML document as a whole; writes are structural edits over
// the raw bytes (see edit.go) so that comments, key order and whitespace of
// untouched sections are preserved exactly.
package soldeerfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	// FoundryFileName is the foundry config file name.
	FoundryFileName = "foundry.toml"

	// SoldeerFileName is the dedicated soldeer config file name.
	SoldeerFileName = "soldeer.toml"

	// LockFileName is the lockfile name, stored next to the config.
	LockFileName = "soldeer.lock"

	// DependenciesDir is the folder where dependencies are installed.
	DependenciesDir = "dependencies"

	// RemappingsFileName is the sidecar remappings file name.
	RemappingsFileName = "remappings.txt"
)

var (
	// ErrConfigMissing is returned when there is neither a foundry.toml with
	// a `[dependencies]` table nor a soldeer.toml; `soldeer init` must be run
	// first.
	ErrConfigMissing = errors.New("config file not found, run `soldeer init` first")

	// ErrConfigMalformed is returned when the config file cannot be parsed.
	ErrConfigMalformed = errors.New("config file is not valid TOML")

	// ErrNameInvalid is returned when a dependency name does not match the
	// allowed pattern.
	ErrNameInvalid = errors.New("invalid dependency name")

	// ErrVersionReqInvalid is returned when a version requirement is empty
	// or not usable for the dependency kind.
	ErrVersionReqInvalid = errors.New("invalid version requirement")

	// ErrUnknownDependency is returned when a named dependency is not
	// declared in the config.
	ErrUnknownDependency = errors.New("dependency not found in config")

	// ErrDuplicateDependency is returned when a dependency is declared
	// twice.
	ErrDuplicateDependency = errors.New("dependency declared more than once")
)

// nameRegex validates dependency names: lowercase alphanumerics and hyphens,
// with an optional leading `@` for scoped packages.
var nameRegex = regexp.MustCompile(`^[@a-z0-9][a-z0-9-]*$`)

// invalidFilenameChars are replaced with a hyphen when a dependency name or
// version is used as part of an install folder name.
var invalidFilenameChars = regexp.MustCompile(`[/\\:*?"<>|\x00-\x1f]`)

type (
	// DependencyKind discriminates how a dependency is sourced.
	DependencyKind string

	// GitIdentifier pins a git dependency to a rev, branch or tag.
	GitIdentifier struct {
		// Kind is one of "rev", "branch" or "tag".
		Kind string
		// Value is the commit hash, branch name or tag name.
		Value string
	}

	// Dependency is a single declared dependency from the config file.
	// Exactly one source variant applies: registry (neither URL nor Git
	// set), a direct HTTP zip URL, or a git repository.
	Dependency struct {
		// Name is the unique dependency name within the project.
		Name string

		// VersionReq is the version requirement string. For registry
		// dependencies it is a SemVer requirement; for the other kinds it
		// is an opaque label used in the install folder name.
		VersionReq string

		// URL is the zip archive URL for HTTP dependencies.
		URL string

		// Git is the repository URL for git dependencies.
		Git string

		// Identifier optionally pins a git dependency to a specific ref.
		Identifier *GitIdentifier
	}

	// Paths groups the filesystem locations of a project.
	Paths struct {
		// Root is the project root directory.
		Root string
		// Config is the host config file (foundry.toml or soldeer.toml).
		Config string
		// Lock is the lockfile path.
		Lock string
		// Dependencies is the install folder.
		Dependencies string
		// Remappings is the sidecar remappings.txt path.
		Remappings string
	}
)

const (
	// KindRegistry identifies dependencies resolved via the registry.
	KindRegistry DependencyKind = "registry"
	// KindHTTP identifies dependencies fetched from a direct zip URL.
	KindHTTP DependencyKind = "http"
	// KindGit identifies dependencies cloned from a git repository.
	KindGit DependencyKind = "git"
)

// Kind returns the source variant of the dependency.
func (d Dependency) Kind() DependencyKind {
	switch {
	case d.Git != "":
		return KindGit
	case d.URL != "":
		return KindHTTP
	default:
		return KindRegistry
	}
}

// String renders the dependency as `name~versionreq`.
func (d Dependency) String() string {
	return d.Name + "~" + d.VersionReq
}

// Validate checks the name and version requirement invariants.
func (d Dependency) Validate() error {
	if !nameRegex.MatchString(d.Name) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, d.Name)
	}
	if d.VersionReq == "" {
		return fmt.Errorf("%w: empty version for %s", ErrVersionReqInvalid, d.Name)
	}
	if d.Kind() != KindRegistry && strings.Contains(d.VersionReq, "=") {
		// the requirement string becomes part of the folder name and of the
		// remappings alias, where `=` is the separator
		return fmt.Errorf("%w: version of %s must not contain `=`", ErrVersionReqInvalid, d.Name)
	}
	if d.Git == "" && d.Identifier != nil {
		return fmt.Errorf("%w: rev/branch/tag requires a git URL for %s", ErrVersionReqInvalid, d.Name)
	}
	return nil
}

// InstallDirName returns the folder name under dependencies/ for the given
// concrete version.
func (d Dependency) InstallDirName(version string) string {
	return SanitizeName(d.Name) + "-" + SanitizeName(version)
}

// SanitizeName replaces characters that are not safe in folder names.
func SanitizeName(s string) string {
	return invalidFilenameChars.ReplaceAllString(s, "-")
}

// PathsFrom locates the host config under root and derives the project
// paths. foundry.toml owns the dependencies when it contains a
// `[dependencies]` table; otherwise a soldeer.toml is used when present.
func PathsFrom(root string) (*Paths, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	config, err := locateConfig(absRoot)
	if err != nil {
		return nil, err
	}
	return &Paths{
		Root:         absRoot,
		Config:       config,
		Lock:         filepath.Join(absRoot, LockFileName),
		Dependencies: filepath.Join(absRoot, DependenciesDir),
		Remappings:   filepath.Join(absRoot, RemappingsFileName),
	}, nil
}

// IsFoundry reports whether the host config is a foundry.toml file.
func (p *Paths) IsFoundry() bool {
	return filepath.Base(p.Config) == FoundryFileName
}

func locateConfig(root string) (string, error) {
	foundry := filepath.Join(root, FoundryFileName)
	if data, err := os.ReadFile(foundry); err == nil {
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("%w: %s: %s", ErrConfigMalformed, foundry, err)
		}
		if _, ok := doc["dependencies"].(map[string]any); ok {
			return foundry, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", foundry, err)
	}

	soldeer := filepath.Join(root, SoldeerFileName)
	if _, err := os.Stat(soldeer); err == nil {
		return soldeer, nil
	}
	return "", ErrConfigMissing
}

// knownDependencyKeys are the recognized fields of a dependency table.
var knownDependencyKeys = map[string]bool{
	"version": true, "url": true, "git": true,
	"rev": true, "branch": true, "tag": true,
}

// ReadDependencies parses the declared dependencies from the config file.
// The second return value lists warnings about unknown keys, which are
// preserved on disk but ignored.
func ReadDependencies(path string) ([]Dependency, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var doc struct {
		Dependencies map[string]any `toml:"dependencies"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrConfigMalformed, err)
	}

	var warnings []string
	deps := make([]Dependency, 0, len(doc.Dependencies))
	for name, value := range doc.Dependencies {
		dep, warns, err := parseDependency(name, value)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, warns...)
		deps = append(deps, dep)
	}
	sortDependencies(deps)
	return deps, warnings, nil
}

// FindDependency returns the declared dependency with the given name.
func FindDependency(path, name string) (Dependency, error) {
	deps, _, err := ReadDependencies(path)
	if err != nil {
		return Dependency{}, err
	}
	for _, dep := range deps {
		if dep.Name == name {
			return dep, nil
		}
	}
	return Dependency{}, fmt.Errorf("%w: %s", ErrUnknownDependency, name)
}

func parseDependency(name string, value any) (Dependency, []string, error) {
	dep := Dependency{Name: name}

	switch v := value.(type) {
	case string:
		dep.VersionReq = v
	case map[string]any:
		var warnings []string
		for key := range v {
			if !knownDependencyKeys[key] {
				warnings = append(warnings, fmt.Sprintf("unknown key %q in dependency %q", key, name))
			}
		}
		version, err := stringField(v, "version", name)
		if err != nil {
			return Dependency{}, nil, err
		}
		if version == "" {
			return Dependency{}, nil, fmt.Errorf("%w: missing version for %s", ErrVersionReqInvalid, name)
		}
		dep.VersionReq = version

		if dep.Git, err = stringField(v, "git", name); err != nil {
			return Dependency{}, nil, err
		}
		if dep.URL, err = stringField(v, "url", name); err != nil {
			return Dependency{}, nil, err
		}
		if dep.Git != "" && dep.URL != "" {
			return Dependency{}, nil, fmt.Errorf("%w: %s declares both url and git", ErrConfigMalformed, name)
		}

		identifier, err := parseIdentifier(v, name)
		if err != nil {
			return Dependency{}, nil, err
		}
		if identifier != nil && dep.Git == "" {
			return Dependency{}, nil, fmt.Errorf("%w: %s has a git ref but no git URL", ErrConfigMalformed, name)
		}
		dep.Identifier = identifier
		if err := dep.Validate(); err != nil {
			return Dependency{}, nil, err
		}
		return dep, warnings, nil
	default:
		return Dependency{}, nil, fmt.Errorf("%w: dependency %s has an unsupported value type", ErrConfigMalformed, name)
	}

	if err := dep.Validate(); err != nil {
		return Dependency{}, nil, err
	}
	return dep, nil, nil
}

func parseIdentifier(table map[string]any, name string) (*GitIdentifier, error) {
	var found []GitIdentifier
	for _, kind := range []string{"rev", "branch", "tag"} {
		value, err := stringField(table, kind, name)
		if err != nil {
			return nil, err
		}
		if value != "" {
			found = append(found, GitIdentifier{Kind: kind, Value: value})
		}
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		identifier := found[0]
		return &identifier, nil
	default:
		return nil, fmt.Errorf("%w: %s declares more than one of rev, branch and tag", ErrConfigMalformed, name)
	}
}

func stringField(table map[string]any, key, dep string) (string, error) {
	value, ok := table[key]
	if !ok {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q of dependency %s must be a string", ErrConfigMalformed, key, dep)
	}
	return s, nil
}

func sortDependencies(deps []Dependency) {
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
}
