// SPDX-License-Identifier: MPL-2.0

// Package install orchestrates the dependency lifecycle: planning against
// the lockfile, fetching and extracting archives or cloning repositories in
// parallel, verifying integrity and synchronizing the lockfile and
// remappings.
package install

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/mario-eth/soldeer/internal/gitcmd"
	"github.com/mario-eth/soldeer/pkg/download"
	"github.com/mario-eth/soldeer/pkg/integrity"
	"github.com/mario-eth/soldeer/pkg/lockfile"
	"github.com/mario-eth/soldeer/pkg/registry"
	"github.com/mario-eth/soldeer/pkg/remappings"
	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

// Status tracks a per-dependency install through its state machine.
type Status string

const (
	// StatusPlan is the initial state.
	StatusPlan Status = "plan"
	// StatusFetching covers the archive download or git clone.
	StatusFetching Status = "fetching"
	// StatusExtracting covers unzipping an archive; git clones are made
	// directly in the install folder.
	StatusExtracting Status = "extracting"
	// StatusHashing covers the folder digest computation.
	StatusHashing Status = "hashing"
	// StatusInstalled is the successful terminal state.
	StatusInstalled Status = "installed"
	// StatusSkipped is the fast path: the on-disk folder already matches
	// the lockfile integrity.
	StatusSkipped Status = "skipped"
	// StatusFailed is the failing terminal state.
	StatusFailed Status = "failed"
)

type (
	// HashMismatchError is returned when a downloaded archive does not
	// match the checksum recorded in the lockfile.
	HashMismatchError struct {
		// Name is the dependency name.
		Name string
		// Expected is the checksum from the lockfile.
		Expected string
		// Actual is the computed checksum.
		Actual string
	}

	// FailedError aggregates per-dependency failures of a run. Successful
	// sibling installs are kept.
	FailedError struct {
		// Failures maps dependency names to their errors.
		Failures map[string]error
	}

	// DepResult is the outcome of one per-dependency state machine.
	DepResult struct {
		// Dependency is the declared dependency.
		Dependency soldeerfile.Dependency
		// Status is the terminal state.
		Status Status
		// Entry is the lock entry, valid when Status is Installed or
		// Skipped.
		Entry lockfile.Entry
		// Err is set when Status is Failed.
		Err error
	}

	// Installer runs dependency installs for one project.
	Installer struct {
		// Paths are the project file locations.
		Paths *soldeerfile.Paths
		// Config are the `[soldeer]` options.
		Config soldeerfile.SoldeerConfig
		// Registry resolves registry dependencies.
		Registry *registry.Client
		// HTTP downloads archives.
		HTTP *http.Client
		// Git runs git commands.
		Git gitcmd.Runner
		// Logger receives progress and debug output.
		Logger *log.Logger
		// Recursive enables descending into installed dependencies.
		Recursive bool
		// Limit caps the worker pool; zero means min(deps, CPUs).
		Limit int
	}
)

// Error implements the error interface.
func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d dependency install(s) failed:", len(e.Failures))
	for _, name := range names {
		fmt.Fprintf(&sb, "\n  %s: %s", name, e.Failures[name])
	}
	return sb.String()
}

// Install reconciles the declared dependencies with the lockfile and the
// dependencies folder. All dependency state machines run concurrently under
// a bounded worker pool; the lockfile and remappings are written once after
// every machine has terminated. Per-dependency failures do not abort
// siblings; they are aggregated into a FailedError.
func (in *Installer) Install(ctx context.Context) ([]DepResult, error) {
	deps, warnings, err := soldeerfile.ReadDependencies(in.Paths.Config)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		in.Logger.Warn(warning)
	}
	locks, err := lockfile.Read(in.Paths.Lock)
	if err != nil {
		return nil, err
	}
	results, err := in.run(ctx, deps, locks, in.installOne)
	if err != nil {
		return results, err
	}
	return results, nil
}

// run executes fn for every dependency under the worker pool, then writes
// the lockfile and remappings from the results.
func (in *Installer) run(
	ctx context.Context,
	deps []soldeerfile.Dependency,
	locks []lockfile.Entry,
	fn func(context.Context, soldeerfile.Dependency, *lockfile.Entry) (lockfile.Entry, Status, error),
) ([]DepResult, error) {
	if err := os.MkdirAll(in.Paths.Dependencies, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dependencies directory: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make([]DepResult, 0, len(deps))
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(in.workers(len(deps)))

	for _, dep := range deps {
		group.Go(func() error {
			lockEntry := matchingLock(dep, locks)
			entry, status, err := fn(groupCtx, dep, lockEntry)
			result := DepResult{Dependency: dep, Status: status, Entry: entry, Err: err}
			if err != nil {
				result.Status = StatusFailed
				in.Logger.Error("install failed", "dependency", dep.Name, "err", err)
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Dependency.Name < results[j].Dependency.Name
	})

	failures := make(map[string]error)
	entries := make([]lockfile.Entry, 0, len(results))
	for _, result := range results {
		switch result.Status {
		case StatusFailed:
			failures[result.Dependency.Name] = result.Err
			// keep the previous lock entry for a dependency that failed to
			// update, so a consistent state remains on disk
			if prior := matchingLock(result.Dependency, locks); prior != nil {
				entries = append(entries, *prior)
			}
		default:
			entries = append(entries, result.Entry)
		}
	}

	if err := lockfile.Write(in.Paths.Lock, entries); err != nil {
		return results, err
	}
	if err := remappings.Update(in.Paths, in.Config, deps, entries); err != nil {
		return results, err
	}

	if in.recursive() {
		for _, result := range results {
			if result.Status == StatusInstalled {
				in.installSubdependencies(ctx, result.Entry.InstallPath(in.Paths.Dependencies))
			}
		}
	}

	if len(failures) > 0 {
		return results, &FailedError{Failures: failures}
	}
	return results, nil
}

func (in *Installer) workers(deps int) int {
	limit := in.Limit
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	if deps > 0 && deps < limit {
		limit = deps
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (in *Installer) recursive() bool {
	return in.Recursive || in.Config.RecursiveDeps
}

// installOne drives the state machine for a single dependency.
func (in *Installer) installOne(ctx context.Context, dep soldeerfile.Dependency, lockEntry *lockfile.Entry) (lockfile.Entry, Status, error) {
	in.Logger.Debug("planning install", "dependency", dep.Name, "status", StatusPlan)

	if lockEntry != nil {
		switch status, err := in.checkIntegrity(ctx, dep, *lockEntry); {
		case err != nil:
			return lockfile.Entry{}, StatusFailed, err
		case status == depInstalled:
			in.Logger.Debug("already up to date with lockfile", "dependency", dep.Name, "status", StatusSkipped)
			return *lockEntry, StatusSkipped, nil
		case status == depFailedIntegrity && lockEntry.IsGit():
			// reset the working tree to the locked commit instead of
			// re-cloning
			if err := gitcmd.Reset(ctx, in.Git, lockEntry.InstallPath(in.Paths.Dependencies), lockEntry.Rev); err != nil {
				return lockfile.Entry{}, StatusFailed, err
			}
			in.Logger.Info("reset to locked commit", "dependency", dep.Name, "rev", lockEntry.Rev)
			return *lockEntry, StatusSkipped, nil
		case status == depFailedIntegrity:
			in.Logger.Info("failed integrity check, reinstalling", "dependency", dep.Name)
			if err := os.RemoveAll(lockEntry.InstallPath(in.Paths.Dependencies)); err != nil {
				return lockfile.Entry{}, StatusFailed, fmt.Errorf("failed to remove stale folder: %w", err)
			}
		case status == depMissing:
			in.removeStaleFolders(dep)
		}
		return in.installFromLock(ctx, dep, *lockEntry)
	}

	// no usable lock entry: resolve the target version first
	version, url := dep.VersionReq, dep.URL
	if dep.Kind() == soldeerfile.KindRegistry {
		resolved, err := in.Registry.Resolve(ctx, dep.Name, dep.VersionReq)
		if err != nil {
			return lockfile.Entry{}, StatusFailed, err
		}
		version, url = resolved.Version, resolved.URL
		in.Logger.Debug("resolved version", "dependency", dep.Name, "version", version)
	}
	in.removeStaleFolders(dep)

	if dep.Kind() == soldeerfile.KindGit {
		return in.installGit(ctx, dep, version, nil)
	}
	return in.installHTTP(ctx, dep, version, url, "")
}

// installFromLock reinstalls a dependency using the pinned information of
// its lock entry.
func (in *Installer) installFromLock(ctx context.Context, dep soldeerfile.Dependency, entry lockfile.Entry) (lockfile.Entry, Status, error) {
	if entry.IsGit() {
		identifier := &gitcmd.Identifier{Kind: gitcmd.IdentifierRev, Value: entry.Rev}
		return in.installGit(ctx, dep, entry.Version, identifier)
	}
	return in.installHTTP(ctx, dep, entry.Version, entry.URL, entry.Checksum)
}

// installHTTP downloads, verifies, extracts and hashes an archive
// dependency.
func (in *Installer) installHTTP(ctx context.Context, dep soldeerfile.Dependency, version, url, expectedChecksum string) (lockfile.Entry, Status, error) {
	target := filepath.Join(in.Paths.Dependencies, dep.InstallDirName(version))

	in.Logger.Debug("downloading", "dependency", dep.Name, "url", url, "status", StatusFetching)
	zipPath, checksum, err := download.Fetch(ctx, in.HTTP, url, in.Paths.Dependencies)
	if err != nil {
		return lockfile.Entry{}, StatusFailed, err
	}
	defer os.Remove(zipPath)

	if expectedChecksum != "" && expectedChecksum != checksum.String() {
		return lockfile.Entry{}, StatusFailed, &HashMismatchError{
			Name:     dep.Name,
			Expected: expectedChecksum,
			Actual:   checksum.String(),
		}
	}

	in.Logger.Debug("extracting", "dependency", dep.Name, "status", StatusExtracting)
	if err := download.Unzip(zipPath, target); err != nil {
		return lockfile.Entry{}, StatusFailed, err
	}

	in.Logger.Debug("hashing", "dependency", dep.Name, "status", StatusHashing)
	folderHash, err := integrity.HashFolder(target)
	if err != nil {
		os.RemoveAll(target)
		return lockfile.Entry{}, StatusFailed, err
	}

	entry := lockfile.Entry{
		Name:      dep.Name,
		Version:   version,
		URL:       url,
		Checksum:  checksum.String(),
		Integrity: folderHash.String(),
	}
	in.Logger.Info("installed", "dependency", dep.Name, "version", version)
	return entry, StatusInstalled, nil
}

// installGit clones a git dependency. identifier overrides the declared ref
// (used when reinstalling from a lock entry pinned to a commit).
func (in *Installer) installGit(ctx context.Context, dep soldeerfile.Dependency, version string, identifier *gitcmd.Identifier) (lockfile.Entry, Status, error) {
	target := filepath.Join(in.Paths.Dependencies, dep.InstallDirName(version))

	if identifier == nil && dep.Identifier != nil {
		identifier = &gitcmd.Identifier{Kind: gitcmd.IdentifierKind(dep.Identifier.Kind), Value: dep.Identifier.Value}
	}

	in.Logger.Debug("cloning", "dependency", dep.Name, "url", dep.Git, "status", StatusFetching)
	rev, err := gitcmd.Clone(ctx, in.Git, dep.Git, identifier, target)
	if err != nil {
		os.RemoveAll(target)
		return lockfile.Entry{}, StatusFailed, err
	}

	entry := lockfile.Entry{
		Name:    dep.Name,
		Version: version,
		Git:     dep.Git,
		Rev:     rev,
	}
	in.Logger.Info("installed", "dependency", dep.Name, "version", version, "rev", shortRev(rev))
	return entry, StatusInstalled, nil
}

// depStatus is the integrity check outcome for an installed dependency.
type depStatus int

const (
	depMissing depStatus = iota
	depFailedIntegrity
	depInstalled
)

// checkIntegrity verifies the on-disk state of a locked dependency: folder
// digest for archives, HEAD commit and clean worktree for git clones.
func (in *Installer) checkIntegrity(ctx context.Context, dep soldeerfile.Dependency, entry lockfile.Entry) (depStatus, error) {
	path := entry.InstallPath(in.Paths.Dependencies)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return depMissing, nil
		}
		return depMissing, fmt.Errorf("failed to check install folder: %w", err)
	}

	if entry.IsGit() {
		head, err := gitcmd.Head(ctx, in.Git, path)
		if err != nil {
			// not a git repository anymore
			return depMissing, nil
		}
		if head != entry.Rev {
			return depFailedIntegrity, nil
		}
		clean, err := gitcmd.IsClean(ctx, in.Git, path)
		if err != nil || !clean {
			return depFailedIntegrity, nil
		}
		return depInstalled, nil
	}

	folderHash, err := integrity.HashFolder(path)
	if err != nil {
		return depMissing, err
	}
	if folderHash.String() != entry.Integrity {
		return depFailedIntegrity, nil
	}
	return depInstalled, nil
}

// removeStaleFolders deletes any folder in the dependencies directory that
// belongs to the dependency, so a fresh install never merges with stale
// content. Files the user placed elsewhere are untouched.
func (in *Installer) removeStaleFolders(dep soldeerfile.Dependency) {
	dirEntries, err := os.ReadDir(in.Paths.Dependencies)
	if err != nil {
		return
	}
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		if pathMatches(dep, dirEntry.Name()) {
			os.RemoveAll(filepath.Join(in.Paths.Dependencies, dirEntry.Name()))
		}
	}
}

// pathMatches reports whether a folder name corresponds to the dependency.
// For semver requirements any matching version qualifies, otherwise the
// folder must carry the literal requirement string.
func pathMatches(dep soldeerfile.Dependency, folderName string) bool {
	prefix := soldeerfile.SanitizeName(dep.Name) + "-"
	if !strings.HasPrefix(folderName, prefix) {
		return false
	}
	rest := strings.TrimPrefix(folderName, prefix)
	if dep.Kind() == soldeerfile.KindRegistry {
		if req := registry.ParseVersionReq(dep.VersionReq); req != nil {
			if version, err := semverParse(rest); err == nil {
				return req.Check(version)
			}
		}
	}
	return rest == soldeerfile.SanitizeName(dep.VersionReq)
}

// matchingLock returns the lock entry usable for the dependency: same name,
// same source, and a locked version satisfying the declared requirement.
func matchingLock(dep soldeerfile.Dependency, locks []lockfile.Entry) *lockfile.Entry {
	entry, ok := lockfile.FindByName(locks, dep.Name)
	if !ok {
		return nil
	}
	switch dep.Kind() {
	case soldeerfile.KindGit:
		if entry.Git != dep.Git {
			return nil
		}
		if entry.Version != dep.VersionReq {
			return nil
		}
		if dep.Identifier != nil && dep.Identifier.Kind == "rev" && dep.Identifier.Value != entry.Rev {
			return nil
		}
	case soldeerfile.KindHTTP:
		if entry.IsGit() || entry.URL != dep.URL {
			return nil
		}
		if entry.Version != dep.VersionReq {
			return nil
		}
	default:
		if entry.IsGit() {
			return nil
		}
		if !versionSatisfies(entry.Version, dep.VersionReq) {
			return nil
		}
	}
	return &entry
}

// versionSatisfies reports whether a concrete version satisfies a
// requirement string, falling back to string equality for non-semver
// schemes.
func versionSatisfies(version, versionReq string) bool {
	req := registry.ParseVersionReq(versionReq)
	if req == nil {
		return version == versionReq
	}
	parsed, err := semverParse(version)
	if err != nil {
		return version == versionReq
	}
	return req.Check(parsed)
}

// installSubdependencies updates git submodules and runs a nested install
// inside a freshly installed dependency. Failures are logged, not fatal.
func (in *Installer) installSubdependencies(ctx context.Context, path string) {
	if _, err := os.Stat(filepath.Join(path, ".gitmodules")); err == nil {
		if err := gitcmd.UpdateSubmodules(ctx, in.Git, path); err != nil {
			in.Logger.Warn("failed to update submodules", "path", path, "err", err)
		}
	}

	childPaths, err := soldeerfile.PathsFrom(path)
	if err != nil {
		// no nested config, nothing to install
		return
	}
	childConfig, err := soldeerfile.ReadSoldeerConfig(childPaths.Config)
	if err != nil {
		in.Logger.Warn("failed to read nested config", "path", path, "err", err)
		return
	}
	child := &Installer{
		Paths:    childPaths,
		Config:   childConfig,
		Registry: in.Registry,
		HTTP:     in.HTTP,
		Git:      in.Git,
		Logger:   in.Logger.With("subproject", filepath.Base(path)),
		// child installs are non-recursive to bound the depth
		Recursive: false,
		Limit:     in.Limit,
	}
	child.Config.RecursiveDeps = false
	if _, err := child.Install(ctx); err != nil {
		in.Logger.Warn("failed to install subdependencies", "path", path, "err", err)
	}
}

// semverParse parses a concrete version, tolerating a leading `v`.
func semverParse(version string) (*semver.Version, error) {
	return semver.NewVersion(version)
}

func shortRev(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
