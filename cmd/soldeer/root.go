// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for soldeer.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mario-eth/soldeer/internal/config"
	"github.com/mario-eth/soldeer/internal/gitcmd"
	"github.com/mario-eth/soldeer/pkg/install"
	"github.com/mario-eth/soldeer/pkg/registry"
	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"

	// verbose enables debug output
	verbose bool

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "soldeer",
		Short: "A package manager for Solidity projects",
		Long: TitleStyle.Render("soldeer") + SubtitleStyle.Render(" - a package manager for Solidity projects") + `

soldeer installs dependencies declared in foundry.toml or soldeer.toml,
locks their exact versions and integrity hashes in soldeer.lock, and keeps
the compiler remappings in sync.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Run 'soldeer init' in your foundry project
  2. Add dependencies with 'soldeer install <name>~<version>'
  3. Commit foundry.toml and soldeer.lock`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(pushCmd)
}

func versionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the logger handed to the library layer.
func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// app bundles the dependencies every command needs.
type app struct {
	runtime  *config.Runtime
	logger   *log.Logger
	registry *registry.Client
	http     *http.Client
	git      gitcmd.Runner
}

func newApp() (*app, error) {
	runtime, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &app{
		runtime:  runtime,
		logger:   newLogger(),
		registry: registry.NewClient(runtime),
		http:     &http.Client{Timeout: runtime.HTTPTimeout},
		git:      gitcmd.CLI{},
	}, nil
}

// installer builds an Installer for the project in the current directory.
func (a *app) installer(recursive bool) (*install.Installer, error) {
	paths, err := soldeerfile.PathsFrom(".")
	if err != nil {
		return nil, err
	}
	return a.installerAt(paths, recursive)
}

func (a *app) installerAt(paths *soldeerfile.Paths, recursive bool) (*install.Installer, error) {
	cfg, err := soldeerfile.ReadSoldeerConfig(paths.Config)
	if err != nil {
		return nil, err
	}
	return &install.Installer{
		Paths:     paths,
		Config:    cfg,
		Registry:  a.registry,
		HTTP:      a.http,
		Git:       a.git,
		Logger:    a.logger,
		Recursive: recursive,
	}, nil
}
