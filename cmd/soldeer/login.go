// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	loginEmail string
	loginToken string

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Log in to the registry",
		Long: `Authenticate against the registry and store the bearer token.

The token is written to $HOME/.soldeer/.soldeer_login (override with
SOLDEER_LOGIN_FILE). With --token, the given token is stored directly
without contacting the registry.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
)

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "registry account email")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "store this token instead of logging in")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if loginToken != "" {
		if err := a.registry.SaveToken(loginToken); err != nil {
			return err
		}
		fmt.Println(SuccessStyle.Render("Token saved to " + a.runtime.LoginFile))
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	email := loginEmail
	if email == "" {
		fmt.Print("Email: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read email: %w", err)
		}
		email = strings.TrimSpace(line)
	}
	fmt.Print("Password: ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimSpace(line)

	tokenPath, err := a.registry.Login(cmd.Context(), email, password)
	if err != nil {
		return err
	}
	fmt.Println(SuccessStyle.Render("Logged in, token saved to " + tokenPath))
	return nil
}
