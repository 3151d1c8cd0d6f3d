// SPDX-License-Identifier: MPL-2.0

package install

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mario-eth/soldeer/internal/config"
	"github.com/mario-eth/soldeer/internal/gitcmd"
	"github.com/mario-eth/soldeer/pkg/integrity"
	"github.com/mario-eth/soldeer/pkg/lockfile"
	"github.com/mario-eth/soldeer/pkg/registry"
	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

// fakeRegistry serves revision metadata and zip archives, counting requests
// so tests can assert on network activity.
type fakeRegistry struct {
	mu       sync.Mutex
	zips     map[string][]byte            // name -> zip bytes
	versions map[string][]registry.Revision // name -> revisions
	requests atomic.Int64
	server   *httptest.Server
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{
		zips:     make(map[string][]byte),
		versions: make(map[string][]registry.Revision),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/revision", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.mu.Lock()
		revisions, ok := f.versions[r.URL.Query().Get("project_name")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": revisions, "status": "success"})
	})
	mux.HandleFunc("/api/v1/revision-cli", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		query := r.URL.Query()
		version := query.Get("revision")
		if version == "" {
			t.Error("URL lookup request is missing the revision parameter")
		}
		f.mu.Lock()
		revisions := f.versions[query.Get("project_name")]
		f.mu.Unlock()
		var data []registry.Revision
		for _, rev := range revisions {
			if rev.Version == version {
				data = append(data, rev)
				break
			}
		}
		if len(data) == 0 {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data, "status": "success"})
	})
	mux.HandleFunc("/zips/", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.mu.Lock()
		data, ok := f.zips[strings.TrimPrefix(r.URL.Path, "/zips/")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// addPackage publishes a package with a single source file whose content is
// derived from the name and version.
func (f *fakeRegistry) addPackage(t *testing.T, name, version string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	zipName := fmt.Sprintf("%s-%s.zip", name, version)
	f.zips[zipName] = zipBytes(t, map[string]string{
		"src/Lib.sol": fmt.Sprintf("// %s %s", name, version),
	})
	f.versions[name] = append(f.versions[name], registry.Revision{
		Version:         version,
		URL:             f.server.URL + "/zips/" + zipName,
		InternalVersion: int64(len(f.versions[name]) + 1),
	})
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, contents := range files {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := entry.Write([]byte(contents)); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeGit simulates the git binary for clone-based dependencies.
type fakeGit struct {
	mu    sync.Mutex
	calls []string
	rev   string
}

func (f *fakeGit) Run(_ context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	f.mu.Unlock()
	switch args[0] {
	case "clone":
		dest := args[len(args)-1]
		if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
			return "", err
		}
		return "", os.WriteFile(filepath.Join(dest, "README.md"), []byte("cloned"), 0o644)
	case "rev-parse":
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			return "", &gitcmd.Error{Args: args, Stderr: "not a git repository"}
		}
		return f.rev + "\n", nil
	default:
		return "", nil
	}
}

func writeConfig(t *testing.T, root, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, soldeerfile.SoldeerFileName), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestInstaller(t *testing.T, root string, reg *fakeRegistry, git gitcmd.Runner) *Installer {
	t.Helper()
	paths, err := soldeerfile.PathsFrom(root)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := soldeerfile.ReadSoldeerConfig(paths.Config)
	if err != nil {
		t.Fatal(err)
	}
	runtime := &config.Runtime{
		APIURL:      reg.server.URL,
		LoginFile:   filepath.Join(t.TempDir(), ".soldeer_login"),
		HTTPTimeout: 5 * time.Second,
	}
	if git == nil {
		git = &fakeGit{rev: "d5d72fa135d28b2e8307650b3ea79115183f2406"}
	}
	return &Installer{
		Paths:    paths,
		Config:   cfg,
		Registry: registry.NewClient(runtime),
		HTTP:     &http.Client{Timeout: 5 * time.Second},
		Git:      git,
		Logger:   log.New(io.Discard),
	}
}

func TestInstallRegistry(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "openzeppelin", "4.9.3")

	root := t.TempDir()
	writeConfig(t, root, "[dependencies]\nopenzeppelin = \"4.9.3\"\n")
	installer := newTestInstaller(t, root, reg, nil)

	results, err := installer.Install(t.Context())
	if err != nil {
		t.Fatalf("Install() failed: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusInstalled {
		t.Fatalf("unexpected results: %+v", results)
	}

	folder := filepath.Join(root, "dependencies", "openzeppelin-4.9.3")
	if _, err := os.Stat(filepath.Join(folder, "src", "Lib.sol")); err != nil {
		t.Fatalf("install folder missing: %v", err)
	}

	locks, err := lockfile.Read(installer.Paths.Lock)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 1 {
		t.Fatalf("expected 1 lock entry, got %d", len(locks))
	}
	entry := locks[0]
	if entry.Name != "openzeppelin" || entry.Version != "4.9.3" {
		t.Errorf("unexpected lock entry: %+v", entry)
	}
	if entry.Checksum != integrity.HashBytes(reg.zips["openzeppelin-4.9.3.zip"]).String() {
		t.Errorf("zip checksum mismatch: %s", entry.Checksum)
	}
	folderHash, err := integrity.HashFolder(folder)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Integrity != folderHash.String() {
		t.Errorf("folder integrity mismatch: %s vs %s", entry.Integrity, folderHash)
	}

	data, err := os.ReadFile(installer.Paths.Remappings)
	if err != nil {
		t.Fatal(err)
	}
	want := "openzeppelin-4.9.3=dependencies/openzeppelin-4.9.3/\n"
	if string(data) != want {
		t.Errorf("remappings.txt = %q, want %q", data, want)
	}
}

func TestInstallVersionRange(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "x", "1.2.0")
	reg.addPackage(t, "x", "1.2.5")
	reg.addPackage(t, "x", "1.3.0")
	reg.addPackage(t, "x", "2.0.0")

	root := t.TempDir()
	writeConfig(t, root, "[dependencies]\nx = \"^1.2\"\n")
	installer := newTestInstaller(t, root, reg, nil)

	if _, err := installer.Install(t.Context()); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}

	locks, err := lockfile.Read(installer.Paths.Lock)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 1 || locks[0].Version != "1.3.0" {
		t.Fatalf("expected resolved version 1.3.0, got %+v", locks)
	}
	if _, err := os.Stat(filepath.Join(root, "dependencies", "x-1.3.0")); err != nil {
		t.Error("install folder for resolved version missing")
	}

	// the alias keeps the requirement string as written
	data, err := os.ReadFile(installer.Paths.Remappings)
	if err != nil {
		t.Fatal(err)
	}
	want := "x-^1.2=dependencies/x-1.3.0/\n"
	if string(data) != want {
		t.Errorf("remappings.txt = %q, want %q", data, want)
	}
}

func TestInstallIdempotent(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "openzeppelin", "4.9.3")

	root := t.TempDir()
	writeConfig(t, root, "[dependencies]\nopenzeppelin = \"4.9.3\"\n")
	installer := newTestInstaller(t, root, reg, nil)

	if _, err := installer.Install(t.Context()); err != nil {
		t.Fatal(err)
	}
	after := reg.requests.Load()

	results, err := installer.Install(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != StatusSkipped {
		t.Errorf("second install status = %s, want skipped", results[0].Status)
	}
	if reg.requests.Load() != after {
		t.Errorf("second install performed %d network requests", reg.requests.Load()-after)
	}
}

func TestInstallReinstallsOnDrift(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "openzeppelin", "4.9.3")

	root := t.TempDir()
	writeConfig(t, root, "[dependencies]\nopenzeppelin = \"4.9.3\"\n")
	installer := newTestInstaller(t, root, reg, nil)

	if _, err := installer.Install(t.Context()); err != nil {
		t.Fatal(err)
	}

	// tamper with the installed folder
	tampered := filepath.Join(root, "dependencies", "openzeppelin-4.9.3", "src", "Lib.sol")
	if err := os.WriteFile(tampered, []byte("modified"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := installer.Install(t.Context())
	if err != nil {
		t.Fatalf("Install() failed: %v", err)
	}
	if results[0].Status != StatusInstalled {
		t.Errorf("status = %s, want installed (reinstall)", results[0].Status)
	}
	data, err := os.ReadFile(tampered)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "// openzeppelin 4.9.3" {
		t.Errorf("folder was not restored: %q", data)
	}
}

func TestInstallHashMismatchIsFatal(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "openzeppelin", "4.9.3")

	root := t.TempDir()
	writeConfig(t, root, "[dependencies]\nopenzeppelin = \"4.9.3\"\n")
	installer := newTestInstaller(t, root, reg, nil)

	if _, err := installer.Install(t.Context()); err != nil {
		t.Fatal(err)
	}

	// the upstream archive changes while the lockfile still pins the old
	// checksum
	reg.mu.Lock()
	reg.zips["openzeppelin-4.9.3.zip"] = zipBytes(t, map[string]string{"src/Lib.sol": "// evil"})
	reg.mu.Unlock()
	folder := filepath.Join(root, "dependencies", "openzeppelin-4.9.3")
	if err := os.WriteFile(filepath.Join(folder, "src", "Lib.sol"), []byte("drift"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := installer.Install(t.Context())
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	var mismatch *HashMismatchError
	if !errors.As(failed.Failures["openzeppelin"], &mismatch) {
		t.Fatalf("expected HashMismatchError, got %v", failed.Failures["openzeppelin"])
	}
	if _, statErr := os.Stat(folder); !os.IsNotExist(statErr) {
		t.Error("folder still present after fatal hash mismatch")
	}
}

func TestInstallParallelPartialFailure(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "lib-a", "1.0.0")
	reg.addPackage(t, "lib-b", "2.0.0")
	// lib-c is not published: its resolution 404s

	root := t.TempDir()
	writeConfig(t, root, `[dependencies]
lib-a = "1.0.0"
lib-b = "2.0.0"
lib-c = "3.0.0"
`)
	installer := newTestInstaller(t, root, reg, nil)

	_, err := installer.Install(t.Context())
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	if len(failed.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", failed.Failures)
	}
	if _, ok := failed.Failures["lib-c"]; !ok {
		t.Errorf("expected lib-c to fail, got %+v", failed.Failures)
	}

	locks, err := lockfile.Read(installer.Paths.Lock)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 2 {
		t.Fatalf("expected 2 lock entries, got %+v", locks)
	}
	if _, ok := lockfile.FindByName(locks, "lib-c"); ok {
		t.Error("failed dependency must not appear in the lockfile")
	}

	data, err := os.ReadFile(installer.Paths.Remappings)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "lib-c") {
		t.Errorf("failed dependency must not appear in remappings: %q", data)
	}
	if !strings.Contains(string(data), "lib-a") || !strings.Contains(string(data), "lib-b") {
		t.Errorf("successful dependencies missing from remappings: %q", data)
	}
}

func TestInstallHTTPDependency(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.mu.Lock()
	reg.zips["custom.zip"] = zipBytes(t, map[string]string{"src/X.sol": "// custom"})
	reg.mu.Unlock()
	url := reg.server.URL + "/zips/custom.zip"

	root := t.TempDir()
	writeConfig(t, root, fmt.Sprintf("[dependencies]\ncustom = { version = \"1.0\", url = %q }\n", url))
	installer := newTestInstaller(t, root, reg, nil)

	if _, err := installer.Install(t.Context()); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}

	locks, err := lockfile.Read(installer.Paths.Lock)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 1 {
		t.Fatalf("expected 1 lock entry, got %d", len(locks))
	}
	entry := locks[0]
	if entry.Version != "1.0" || entry.URL != url || entry.Git != "" || entry.Rev != "" {
		t.Errorf("unexpected lock entry: %+v", entry)
	}
	if _, err := os.Stat(filepath.Join(root, "dependencies", "custom-1.0")); err != nil {
		t.Error("install folder missing")
	}
}

func TestInstallGitDependency(t *testing.T) {
	const rev = "d5d72fa135d28b2e8307650b3ea79115183f2406"
	reg := newFakeRegistry(t)
	git := &fakeGit{rev: rev}

	root := t.TempDir()
	writeConfig(t, root, `[dependencies]
test = { version = "v1", git = "https://github.com/a/b.git", rev = "`+rev+`" }
`)
	installer := newTestInstaller(t, root, reg, git)

	results, err := installer.Install(t.Context())
	if err != nil {
		t.Fatalf("Install() failed: %v", err)
	}
	if results[0].Status != StatusInstalled {
		t.Fatalf("unexpected results: %+v", results)
	}

	locks, err := lockfile.Read(installer.Paths.Lock)
	if err != nil {
		t.Fatal(err)
	}
	entry := locks[0]
	if entry.Rev != rev || entry.Git != "https://github.com/a/b.git" {
		t.Errorf("unexpected lock entry: %+v", entry)
	}
	if entry.Checksum != "" || entry.Integrity != "" {
		t.Errorf("git entries must not carry archive checksums: %+v", entry)
	}
	if _, err := os.Stat(filepath.Join(root, "dependencies", "test-v1", "README.md")); err != nil {
		t.Error("clone missing")
	}

	// second install takes the fast path: HEAD matches, worktree clean
	git.mu.Lock()
	callsBefore := len(git.calls)
	git.mu.Unlock()
	results, err = installer.Install(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != StatusSkipped {
		t.Errorf("second install status = %s, want skipped", results[0].Status)
	}
	git.mu.Lock()
	defer git.mu.Unlock()
	for _, call := range git.calls[callsBefore:] {
		if strings.HasPrefix(call, "clone") {
			t.Error("second install cloned again")
		}
	}
}

func TestAddThenUninstallRestoresState(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "openzeppelin", "4.9.3")

	root := t.TempDir()
	writeConfig(t, root, "[dependencies]\n")
	installer := newTestInstaller(t, root, reg, nil)

	configBefore, err := os.ReadFile(installer.Paths.Config)
	if err != nil {
		t.Fatal(err)
	}

	dep := soldeerfile.Dependency{Name: "openzeppelin", VersionReq: "4.9.3"}
	if _, err := installer.Add(t.Context(), dep); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "dependencies", "openzeppelin-4.9.3")); err != nil {
		t.Fatal("install folder missing after add")
	}

	if err := installer.Uninstall(t.Context(), "openzeppelin"); err != nil {
		t.Fatalf("Uninstall() failed: %v", err)
	}

	configAfter, err := os.ReadFile(installer.Paths.Config)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(configBefore, configAfter) {
		t.Errorf("config not restored:\n%s\nvs\n%s", configBefore, configAfter)
	}
	if _, err := os.Stat(installer.Paths.Lock); !os.IsNotExist(err) {
		t.Error("lockfile still present")
	}
	if _, err := os.Stat(filepath.Join(root, "dependencies", "openzeppelin-4.9.3")); !os.IsNotExist(err) {
		t.Error("install folder still present")
	}

	// uninstalling again is a no-op
	if err := installer.Uninstall(t.Context(), "openzeppelin"); err != nil {
		t.Errorf("second Uninstall() failed: %v", err)
	}
}

func TestUpdateRegistryDependency(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "x", "1.2.0")

	root := t.TempDir()
	writeConfig(t, root, "[dependencies]\nx = \"^1.2\"\n")
	installer := newTestInstaller(t, root, reg, nil)

	if _, err := installer.Install(t.Context()); err != nil {
		t.Fatal(err)
	}

	// a newer version appears in the registry
	reg.addPackage(t, "x", "1.3.0")

	results, err := installer.Update(t.Context())
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if results[0].Status != StatusInstalled {
		t.Errorf("update status = %s, want installed", results[0].Status)
	}
	locks, err := lockfile.Read(installer.Paths.Lock)
	if err != nil {
		t.Fatal(err)
	}
	if locks[0].Version != "1.3.0" {
		t.Errorf("lock version = %s, want 1.3.0", locks[0].Version)
	}
	if _, err := os.Stat(filepath.Join(root, "dependencies", "x-1.2.0")); !os.IsNotExist(err) {
		t.Error("stale folder for old version still present")
	}
	if _, err := os.Stat(filepath.Join(root, "dependencies", "x-1.3.0")); err != nil {
		t.Error("folder for new version missing")
	}
}

func TestBootstrap(t *testing.T) {
	t.Run("creates soldeer.toml", func(t *testing.T) {
		root := t.TempDir()
		paths, err := Bootstrap(root)
		if err != nil {
			t.Fatalf("Bootstrap() failed: %v", err)
		}
		if filepath.Base(paths.Config) != soldeerfile.SoldeerFileName {
			t.Errorf("expected soldeer.toml host, got %s", paths.Config)
		}
		data, err := os.ReadFile(paths.Config)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "[dependencies]") || !strings.Contains(string(data), "[soldeer]") {
			t.Errorf("unexpected config:\n%s", data)
		}
	})

	t.Run("augments foundry.toml", func(t *testing.T) {
		root := t.TempDir()
		foundry := filepath.Join(root, soldeerfile.FoundryFileName)
		if err := os.WriteFile(foundry, []byte("[profile.default]\nsrc = \"src\"\nlibs = [\"lib\"]\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths, err := Bootstrap(root)
		if err != nil {
			t.Fatalf("Bootstrap() failed: %v", err)
		}
		if filepath.Base(paths.Config) != soldeerfile.FoundryFileName {
			t.Errorf("expected foundry.toml host, got %s", paths.Config)
		}
		data, err := os.ReadFile(foundry)
		if err != nil {
			t.Fatal(err)
		}
		text := string(data)
		if !strings.Contains(text, "[dependencies]") {
			t.Error("dependencies table missing")
		}
		if !strings.Contains(text, `libs = ["lib", "dependencies"]`) {
			t.Errorf("libs not updated:\n%s", text)
		}
	})

	t.Run("appends to gitignore", func(t *testing.T) {
		root := t.TempDir()
		gitignore := filepath.Join(root, ".gitignore")
		if err := os.WriteFile(gitignore, []byte("out/\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Bootstrap(root); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(gitignore)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "/dependencies") {
			t.Errorf(".gitignore not updated:\n%s", data)
		}
	})
}

func TestRemappingsAfterPartialInstallKeepForeign(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addPackage(t, "openzeppelin", "4.9.3")

	root := t.TempDir()
	writeConfig(t, root, "[dependencies]\nopenzeppelin = \"4.9.3\"\n")
	installer := newTestInstaller(t, root, reg, nil)

	foreign := "ds-test/=lib/ds-test/src/\n"
	if err := os.WriteFile(installer.Paths.Remappings, []byte(foreign), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := installer.Install(t.Context()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(installer.Paths.Remappings)
	if err != nil {
		t.Fatal(err)
	}
	want := "ds-test/=lib/ds-test/src/\nopenzeppelin-4.9.3=dependencies/openzeppelin-4.9.3/\n"
	if string(data) != want {
		t.Errorf("remappings.txt = %q, want %q", data, want)
	}
}
