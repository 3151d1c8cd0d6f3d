// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <name>",
	Short: "Remove a dependency",
	Long: `Remove a dependency from the config file, the lockfile, the
remappings and the dependencies folder. Pieces that are already gone are
skipped, so the command can be re-run safely.`,
	Args: cobra.ExactArgs(1),
	RunE: runUninstall,
}

func runUninstall(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	installer, err := a.installer(false)
	if err != nil {
		return err
	}
	if err := installer.Uninstall(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Uninstalled %s", args[0])))
	return nil
}
