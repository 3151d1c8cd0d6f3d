// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"os"

	"github.com/mario-eth/soldeer/internal/gitcmd"
	"github.com/mario-eth/soldeer/pkg/lockfile"
	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

// Update re-resolves the declared dependencies and moves them to their
// newest allowed versions. Registry dependencies are re-resolved against the
// full version list, HTTP dependencies are re-downloaded and re-hashed, git
// dependencies tracking a branch (or the default HEAD) are fast-forwarded,
// and git dependencies pinned to a rev or tag are reset to their pin. The
// lockfile and remappings are rewritten after the barrier.
func (in *Installer) Update(ctx context.Context) ([]DepResult, error) {
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
	return in.run(ctx, deps, locks, in.updateOne)
}

func (in *Installer) updateOne(ctx context.Context, dep soldeerfile.Dependency, lockEntry *lockfile.Entry) (lockfile.Entry, Status, error) {
	switch dep.Kind() {
	case soldeerfile.KindGit:
		if dep.Identifier == nil || dep.Identifier.Kind == "branch" {
			return in.updateGitBranch(ctx, dep, lockEntry)
		}
		// rev- and tag-pinned clones cannot move; reuse the install
		// machinery which resets or re-clones as needed
		return in.installOne(ctx, dep, lockEntry)
	case soldeerfile.KindHTTP:
		// no version range semantics for a fixed URL: re-download, re-hash
		in.removeStaleFolders(dep)
		return in.installHTTP(ctx, dep, dep.VersionReq, dep.URL, "")
	default:
		resolved, err := in.Registry.Resolve(ctx, dep.Name, dep.VersionReq)
		if err != nil {
			return lockfile.Entry{}, StatusFailed, err
		}
		if lockEntry != nil && lockEntry.Version == resolved.Version {
			// already at the newest allowed version; verify integrity only
			return in.installOne(ctx, dep, lockEntry)
		}
		in.removeStaleFolders(dep)
		return in.installHTTP(ctx, dep, resolved.Version, resolved.URL, "")
	}
}

// updateGitBranch fast-forwards a branch-tracking clone to the remote head.
// A missing or broken clone is replaced by a fresh one.
func (in *Installer) updateGitBranch(ctx context.Context, dep soldeerfile.Dependency, lockEntry *lockfile.Entry) (lockfile.Entry, Status, error) {
	var path string
	if lockEntry != nil {
		path = lockEntry.InstallPath(in.Paths.Dependencies)
	} else {
		entry := lockfile.Entry{Name: dep.Name, Version: dep.VersionReq}
		path = entry.InstallPath(in.Paths.Dependencies)
	}

	if _, err := os.Stat(path); err != nil {
		in.removeStaleFolders(dep)
		return in.installGit(ctx, dep, dep.VersionReq, nil)
	}
	if _, err := gitcmd.Head(ctx, in.Git, path); err != nil {
		// folder exists but is not a usable repository
		os.RemoveAll(path)
		return in.installGit(ctx, dep, dep.VersionReq, nil)
	}

	// drop local changes so the fast-forward cannot conflict
	if err := gitcmd.Reset(ctx, in.Git, path, "HEAD"); err != nil {
		return lockfile.Entry{}, StatusFailed, err
	}
	branch := ""
	if dep.Identifier != nil {
		branch = dep.Identifier.Value
	} else {
		defaultBranch, err := gitcmd.DefaultBranch(ctx, in.Git, path)
		if err != nil {
			return lockfile.Entry{}, StatusFailed, err
		}
		branch = defaultBranch
	}
	if _, err := in.Git.Run(ctx, path, "checkout", branch); err != nil {
		return lockfile.Entry{}, StatusFailed, err
	}
	if err := gitcmd.Pull(ctx, in.Git, path); err != nil {
		return lockfile.Entry{}, StatusFailed, err
	}
	rev, err := gitcmd.Head(ctx, in.Git, path)
	if err != nil {
		return lockfile.Entry{}, StatusFailed, err
	}

	entry := lockfile.Entry{
		Name:    dep.Name,
		Version: dep.VersionReq,
		Git:     dep.Git,
		Rev:     rev,
	}
	if lockEntry != nil && lockEntry.Rev == rev {
		return entry, StatusSkipped, nil
	}
	in.Logger.Info("updated", "dependency", dep.Name, "rev", shortRev(rev))
	return entry, StatusInstalled, nil
}
