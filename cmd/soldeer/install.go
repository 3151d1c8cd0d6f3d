// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mario-eth/soldeer/pkg/soldeerfile"
)

var (
	installURL       string
	installGitURL    string
	installRev       string
	installBranch    string
	installTag       string
	installRecursive bool

	installCmd = &cobra.Command{
		Use:   "install [<name>~<version>]",
		Short: "Install project dependencies",
		Long: `Install the dependencies declared in the config file.

Without arguments, the declared dependencies are reconciled against the
lockfile and the dependencies folder. With a <name>~<version> argument, the
dependency is added to the config first and a full install runs afterwards.

Version formats for registry dependencies:
  1.2.3     exact version
  ^1.2.0    compatible releases (>=1.2.0 <2.0.0)
  >=1,<2    explicit range

Examples:
  soldeer install
  soldeer install forge-std~1.9.2
  soldeer install mylib~1.0 --url https://example.com/mylib.zip
  soldeer install mylib~dev --git https://github.com/user/mylib.git --branch dev`,
		Args: cobra.MaximumNArgs(1),
		RunE: runInstall,
	}
)

func init() {
	installCmd.Flags().StringVar(&installURL, "url", "", "zip archive URL for the new dependency")
	installCmd.Flags().StringVar(&installGitURL, "git", "", "git repository URL for the new dependency")
	installCmd.Flags().StringVar(&installRev, "rev", "", "git commit hash to check out")
	installCmd.Flags().StringVar(&installBranch, "branch", "", "git branch to check out")
	installCmd.Flags().StringVar(&installTag, "tag", "", "git tag to check out")
	installCmd.Flags().BoolVar(&installRecursive, "recursive-deps", false, "install dependencies of dependencies")
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	installer, err := a.installer(installRecursive)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		if installURL != "" || installGitURL != "" || installRev != "" || installBranch != "" || installTag != "" {
			return fmt.Errorf("source flags require a <name>~<version> argument")
		}
		_, err := installer.Install(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(SuccessStyle.Render("Dependencies installed"))
		return nil
	}

	dep, err := dependencyFromArgs(a, cmd, args[0])
	if err != nil {
		return err
	}
	if _, err := installer.Add(cmd.Context(), dep); err != nil {
		return err
	}
	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Installed %s", dep)))
	return nil
}

// dependencyFromArgs parses `name~version` plus the source flags into a
// declared dependency. A bare name resolves to the latest registry version.
func dependencyFromArgs(a *app, cmd *cobra.Command, arg string) (soldeerfile.Dependency, error) {
	name, versionReq, _ := strings.Cut(arg, "~")
	if name == "" {
		return soldeerfile.Dependency{}, fmt.Errorf("dependency name cannot be empty")
	}
	if installURL != "" && installGitURL != "" {
		return soldeerfile.Dependency{}, fmt.Errorf("--url and --git are mutually exclusive")
	}

	dep := soldeerfile.Dependency{
		Name:       name,
		VersionReq: versionReq,
		URL:        installURL,
		Git:        installGitURL,
	}

	var refs []soldeerfile.GitIdentifier
	for kind, value := range map[string]string{"rev": installRev, "branch": installBranch, "tag": installTag} {
		if value != "" {
			refs = append(refs, soldeerfile.GitIdentifier{Kind: kind, Value: value})
		}
	}
	switch {
	case len(refs) > 1:
		return soldeerfile.Dependency{}, fmt.Errorf("--rev, --branch and --tag are mutually exclusive")
	case len(refs) == 1:
		if dep.Git == "" {
			return soldeerfile.Dependency{}, fmt.Errorf("--rev, --branch and --tag require --git")
		}
		dep.Identifier = &refs[0]
	}

	if dep.VersionReq == "" {
		if dep.Kind() != soldeerfile.KindRegistry {
			return soldeerfile.Dependency{}, fmt.Errorf("a version is required for url and git dependencies")
		}
		latest, err := a.registry.Latest(cmd.Context(), name)
		if err != nil {
			return soldeerfile.Dependency{}, err
		}
		dep.VersionReq = latest.Version
	}

	if err := dep.Validate(); err != nil {
		return soldeerfile.Dependency{}, err
	}
	return dep, nil
}
