// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/mario-eth/soldeer/internal/gitcmd"
	"github.com/mario-eth/soldeer/pkg/lockfile"
	"github.com/mario-eth/soldeer/pkg/remappings"
	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

// defaultSoldeerTable is appended to the host config by Bootstrap when no
// `[soldeer]` table exists yet.
const defaultSoldeerTable = `[soldeer]
remappings_generate = true
remappings_regenerate = false
remappings_version = true
remappings_prefix = ""
remappings_location = "txt"
recursive_deps = false
`

// Add declares a dependency in the config file and then runs a full install
// across all declared dependencies. Running the full reconcile makes the
// result independent of declaration order and repairs any drifted installs.
func (in *Installer) Add(ctx context.Context, dep soldeerfile.Dependency) ([]DepResult, error) {
	if err := soldeerfile.AddDependency(in.Paths.Config, dep); err != nil {
		return nil, err
	}
	return in.Install(ctx)
}

// Uninstall removes a dependency from the config, the lockfile, the
// dependencies folder and the remappings, in that order; the remappings come
// last so the removed dependency's owned entry is dropped once its folder is
// gone. Missing pieces are logged and skipped so the operation is idempotent.
func (in *Installer) Uninstall(_ context.Context, name string) error {
	if err := soldeerfile.RemoveDependency(in.Paths.Config, name); err != nil {
		if !errors.Is(err, soldeerfile.ErrUnknownDependency) {
			return err
		}
		in.Logger.Warn("dependency not declared in config, skipping", "dependency", name)
	}

	locks, err := lockfile.Read(in.Paths.Lock)
	if err != nil {
		return err
	}
	entry, locked := lockfile.FindByName(locks, name)
	if locked {
		remaining, _ := lockfile.Remove(locks, name)
		if err := lockfile.Write(in.Paths.Lock, remaining); err != nil {
			return err
		}
		locks = remaining
	} else {
		in.Logger.Warn("dependency not present in lockfile, skipping", "dependency", name)
	}

	removed := false
	if locked {
		path := entry.InstallPath(in.Paths.Dependencies)
		if _, statErr := os.Stat(path); statErr == nil {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove install folder: %w", err)
			}
			removed = true
		}
	}
	if !removed {
		// no lock entry or the folder name drifted; remove by name prefix
		removed = in.removeFoldersByName(name)
	}
	if !removed {
		in.Logger.Warn("no install folder found, skipping", "dependency", name)
	}

	deps, _, err := soldeerfile.ReadDependencies(in.Paths.Config)
	if err != nil {
		return err
	}
	return remappings.Update(in.Paths, in.Config, deps, locks)
}

func (in *Installer) removeFoldersByName(name string) bool {
	dirEntries, err := os.ReadDir(in.Paths.Dependencies)
	if err != nil {
		return false
	}
	prefix := soldeerfile.SanitizeName(name) + "-"
	removed := false
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() && strings.HasPrefix(dirEntry.Name(), prefix) {
			if err := os.RemoveAll(filepath.Join(in.Paths.Dependencies, dirEntry.Name())); err == nil {
				removed = true
			}
		}
	}
	return removed
}

// Bootstrap creates or augments the host config so the project is ready for
// installs: an existing foundry.toml becomes the host (gaining a
// `[dependencies]` table and the dependencies folder in its libs), otherwise
// a soldeer.toml is created. The `[soldeer]` defaults are written out when
// absent. Returns the project paths.
func Bootstrap(root string) (*soldeerfile.Paths, error) {
	foundry := filepath.Join(root, soldeerfile.FoundryFileName)
	soldeer := filepath.Join(root, soldeerfile.SoldeerFileName)

	hostIsFoundry := false
	if _, err := os.Stat(foundry); err == nil {
		hostIsFoundry = true
	} else if _, err := os.Stat(soldeer); err != nil {
		if writeErr := os.WriteFile(soldeer, []byte("[dependencies]\n"), 0o644); writeErr != nil {
			return nil, fmt.Errorf("failed to create config file: %w", writeErr)
		}
	}

	host := soldeer
	if hostIsFoundry {
		host = foundry
	}
	if err := soldeerfile.EnsureDependenciesTable(host); err != nil {
		return nil, err
	}
	if hostIsFoundry {
		if err := soldeerfile.EnsureFoundryLibs(host); err != nil {
			return nil, err
		}
	}
	if err := ensureSoldeerDefaults(host); err != nil {
		return nil, err
	}
	if err := appendGitignore(root); err != nil {
		return nil, err
	}
	return soldeerfile.PathsFrom(root)
}

func ensureSoldeerDefaults(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if strings.Contains(string(data), "[soldeer]") {
		return nil
	}
	out := append([]byte{}, data...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, '\n')
	out = append(out, defaultSoldeerTable...)
	return os.WriteFile(path, out, 0o644)
}

// appendGitignore adds the dependencies folder to an existing .gitignore.
// Projects without a .gitignore are left alone.
func appendGitignore(root string) error {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read .gitignore: %w", err)
	}
	if strings.Contains(string(data), "dependencies") {
		return nil
	}
	out := append([]byte{}, data...)
	out = append(out, "\n# Soldeer\n/dependencies\n"...)
	return os.WriteFile(path, out, 0o644)
}

// CleanFoundry removes the forge-std git submodule, the lib directory and
// the .gitmodules file from a foundry project that is being converted.
func CleanFoundry(ctx context.Context, runner gitcmd.Runner, logger *log.Logger, root string) error {
	forgeStd := filepath.Join(root, "lib", "forge-std")
	if _, err := os.Stat(forgeStd); err == nil {
		if _, err := runner.Run(ctx, root, "rm", forgeStd); err != nil {
			logger.Warn("failed to git rm lib/forge-std", "err", err)
		}
	}
	libDir := filepath.Join(root, "lib")
	if _, err := os.Stat(libDir); err == nil {
		if err := os.RemoveAll(libDir); err != nil {
			return fmt.Errorf("failed to remove lib directory: %w", err)
		}
	}
	gitmodules := filepath.Join(root, ".gitmodules")
	if _, err := os.Stat(gitmodules); err == nil {
		if err := os.Remove(gitmodules); err != nil {
			return fmt.Errorf("failed to remove .gitmodules: %w", err)
		}
	}
	return nil
}
