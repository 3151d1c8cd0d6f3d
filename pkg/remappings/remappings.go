// SPDX-License-Identifier: MPL-2.0

// Package remappings synchronizes compiler import-path aliases with the set
// of installed dependencies.
//
// Generated entries point into the dependencies folder and are the only ones
// soldeer considers its own; everything else is user-authored and never
// modified. Entries are written either to a sidecar remappings.txt or into
// the host config's remappings array, depending on the `[soldeer]` options.
package remappings

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/mario-eth/soldeer/pkg/lockfile"
	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

// ownedPrefix marks remapping targets that soldeer manages.
const ownedPrefix = soldeerfile.DependenciesDir + "/"

// Remapping is one alias-to-path rule.
type Remapping struct {
	// Alias is the import prefix. Generated aliases carry no trailing slash;
	// parsed aliases keep whatever the source wrote.
	Alias string
	// Path is the on-disk target, relative to the project root.
	Path string
}

// String renders the entry in remappings.txt syntax.
func (r Remapping) String() string { return r.Alias + "=" + r.Path }

// Soldeer reports whether the entry points into the dependencies folder and
// is therefore managed by soldeer.
func (r Remapping) Soldeer() bool {
	return strings.HasPrefix(r.Path, ownedPrefix)
}

// Update recomputes the remappings after an install or uninstall. deps are
// the declared dependencies and entries the current lockfile; only
// dependencies present in both contribute a desired entry.
func Update(paths *soldeerfile.Paths, cfg soldeerfile.SoldeerConfig, deps []soldeerfile.Dependency, entries []lockfile.Entry) error {
	if !cfg.RemappingsGenerate {
		return nil
	}

	desired := Desired(cfg, deps, entries)

	useConfig := cfg.RemappingsLocation == soldeerfile.RemappingsLocationConfig && paths.IsFoundry()
	existing, err := load(paths, useConfig)
	if err != nil {
		return err
	}

	merged := merge(desired, existing, cfg.RemappingsRegenerate, paths.Root)
	if len(merged) == 0 && len(existing) == 0 && !useConfig {
		// nothing to write and nothing written before
		if _, err := os.Stat(paths.Remappings); os.IsNotExist(err) {
			return nil
		}
	}

	if useConfig {
		lines := make([]string, len(merged))
		for i, remapping := range merged {
			lines[i] = remapping.String()
		}
		return soldeerfile.SetConfigRemappings(paths.Config, lines)
	}
	return writeTxt(paths.Remappings, merged)
}

// Desired computes the wanted soldeer-owned entries from the declared
// dependencies and their lock entries. The alias carries the requirement
// string as written in the config (so humans can target a major line) while
// the path carries the resolved version.
func Desired(cfg soldeerfile.SoldeerConfig, deps []soldeerfile.Dependency, entries []lockfile.Entry) []Remapping {
	desired := make([]Remapping, 0, len(deps))
	for _, dep := range deps {
		entry, ok := lockfile.FindByName(entries, dep.Name)
		if !ok {
			continue
		}
		desired = append(desired, Remapping{
			Alias: Alias(cfg, dep),
			Path:  path.Join(soldeerfile.DependenciesDir, entry.InstallDirName()) + "/",
		})
	}
	return desired
}

// Alias computes the left-hand side for a dependency according to the
// remappings options. `=` characters are stripped from the requirement
// because they would collide with the entry separator.
func Alias(cfg soldeerfile.SoldeerConfig, dep soldeerfile.Dependency) string {
	alias := cfg.RemappingsPrefix + dep.Name
	if cfg.RemappingsVersion {
		alias += "-" + strings.ReplaceAll(dep.VersionReq, "=", "")
	}
	return alias
}

// merge combines desired entries with the existing ones. Foreign entries are
// always kept untouched. Soldeer-owned entries are replaced alias-by-alias;
// owned entries not in the desired set survive only while their target still
// exists on disk (they are assumed to be manual). With regenerate, all owned
// entries are discarded first.
func merge(desired, existing []Remapping, regenerate bool, root string) []Remapping {
	byAlias := make(map[string]Remapping, len(desired))
	for _, remapping := range desired {
		byAlias[remapping.Alias] = remapping
	}

	out := make([]Remapping, 0, len(desired)+len(existing))
	seen := make(map[string]bool, len(desired))
	for _, remapping := range existing {
		if !remapping.Soldeer() {
			out = append(out, remapping)
			continue
		}
		if regenerate {
			continue
		}
		if replacement, ok := byAlias[remapping.Alias]; ok {
			out = append(out, replacement)
			seen[remapping.Alias] = true
			continue
		}
		if targetExists(root, remapping.Path) {
			out = append(out, remapping)
		}
	}
	for _, remapping := range desired {
		if !seen[remapping.Alias] {
			out = append(out, remapping)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

func targetExists(root, target string) bool {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(target, "/"))))
	return err == nil
}

// load reads the current entries from remappings.txt or the host config.
func load(paths *soldeerfile.Paths, fromConfig bool) ([]Remapping, error) {
	if fromConfig {
		return loadConfig(paths.Config)
	}
	return LoadTxt(paths.Remappings)
}

// LoadTxt parses a remappings.txt file. A missing file yields no entries.
func LoadTxt(path string) ([]Remapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read remappings file: %w", err)
	}
	return Parse(string(data)), nil
}

// Parse splits remappings.txt contents into entries, skipping lines without
// a separator.
func Parse(contents string) []Remapping {
	var out []Remapping
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		alias, target, found := strings.Cut(line, "=")
		if !found || alias == "" {
			continue
		}
		out = append(out, Remapping{Alias: alias, Path: target})
	}
	return out
}

func loadConfig(configPath string) ([]Remapping, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var doc struct {
		Profile map[string]struct {
			Remappings []string `toml:"remappings"`
		} `toml:"profile"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", soldeerfile.ErrConfigMalformed, err)
	}
	var lines []string
	if profile, ok := doc.Profile["default"]; ok {
		lines = profile.Remappings
	}
	return Parse(strings.Join(lines, "\n")), nil
}

// writeTxt stores the entries in remappings.txt, one per line. The write is
// atomic via a temp file in the same directory.
func writeTxt(path string, entries []Remapping) error {
	var sb strings.Builder
	for _, remapping := range entries {
		sb.WriteString(remapping.String())
		sb.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "remappings-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write remappings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close remappings file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace remappings file: %w", err)
	}
	return nil
}
