// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	updateRecursive bool

	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Update dependencies to their newest allowed versions",
		Long: `Re-resolve the declared dependencies and rewrite the lockfile.

Registry dependencies move to the newest version satisfying their
requirement. Git dependencies tracking a branch are fast-forwarded;
dependencies pinned to a rev or tag are reset to their pin. HTTP
dependencies are re-downloaded and re-hashed.`,
		Args: cobra.NoArgs,
		RunE: runUpdate,
	}
)

func init() {
	updateCmd.Flags().BoolVar(&updateRecursive, "recursive-deps", false, "install dependencies of dependencies")
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	installer, err := a.installer(updateRecursive)
	if err != nil {
		return err
	}
	if _, err := installer.Update(cmd.Context()); err != nil {
		return err
	}
	fmt.Println(SuccessStyle.Render("Dependencies updated"))
	return nil
}
