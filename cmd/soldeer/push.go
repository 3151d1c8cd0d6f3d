// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mario-eth/soldeer/pkg/publish"
)

var (
	pushDryRun       bool
	pushSkipWarnings bool

	pushCmd = &cobra.Command{
		Use:   "push <name>~<version> [path]",
		Short: "Publish a new version to the registry",
		Long: `Package a directory and upload it to the registry.

The directory (default: the current one) is zipped while honoring
.gitignore, .ignore and .soldeerignore rules; .git folders are never
included. Publishing requires being logged in or setting
SOLDEER_API_TOKEN.

Examples:
  soldeer push mylib~1.0.0
  soldeer push mylib~1.0.0 ./contracts --dry-run`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runPush,
	}
)

func init() {
	pushCmd.Flags().BoolVar(&pushDryRun, "dry-run", false, "create the archive without uploading")
	pushCmd.Flags().BoolVar(&pushSkipWarnings, "skip-warnings", false, "allow dotfiles in the archive")
}

func runPush(cmd *cobra.Command, args []string) error {
	name, version, found := strings.Cut(args[0], "~")
	if !found || name == "" || version == "" {
		return fmt.Errorf("expected <name>~<version>, got %q", args[0])
	}
	dir := "."
	if len(args) == 2 {
		dir = args[1]
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	publisher := &publish.Publisher{Registry: a.registry}
	zipPath, err := publisher.Push(cmd.Context(), name, version, dir, publish.Options{
		DryRun:       pushDryRun,
		SkipWarnings: pushSkipWarnings,
	})
	if err != nil {
		return err
	}
	if pushDryRun {
		fmt.Println(SuccessStyle.Render("Archive created at " + zipPath))
		return nil
	}
	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Pushed %s~%s to the registry", name, version)))
	return nil
}
