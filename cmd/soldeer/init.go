// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mario-eth/soldeer/pkg/install"
	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

var (
	initClean bool

	initCmd = &cobra.Command{
		Use:   "init [--clean]",
		Short: "Convert a project to use soldeer",
		Long: `Prepare the project for soldeer.

An existing foundry.toml becomes the host config and gains a [dependencies]
table; otherwise a soldeer.toml is created. The latest forge-std release is
installed as the first dependency. With --clean, the lib directory and any
.gitmodules file from a submodule-based setup are removed first.`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}
)

func init() {
	initCmd.Flags().BoolVar(&initClean, "clean", false, "remove .gitmodules and the lib directory first")
}

func runInit(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if initClean {
		a.logger.Info("removing lib directory and git submodules")
		if err := install.CleanFoundry(cmd.Context(), a.git, a.logger, "."); err != nil {
			return err
		}
	}

	paths, err := install.Bootstrap(".")
	if err != nil {
		return err
	}
	installer, err := a.installerAt(paths, false)
	if err != nil {
		return err
	}

	latest, err := a.registry.Latest(cmd.Context(), "forge-std")
	if err != nil {
		return err
	}
	dep := soldeerfile.Dependency{Name: "forge-std", VersionReq: latest.Version}
	if _, err := installer.Add(cmd.Context(), dep); err != nil {
		return err
	}

	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Project initialized with %s", dep)))
	return nil
}
