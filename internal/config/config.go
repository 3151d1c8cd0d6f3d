// SPDX-License-Identifier: MPL-2.0

// Package config holds the process-wide runtime settings for soldeer.
//
// Settings come from environment variables only; there is no user-facing
// settings file. The values are resolved once at process start and passed
// down explicitly — library packages never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultAPIURL is the base URL of the public Soldeer registry.
	DefaultAPIURL = "https://api.soldeer.xyz"

	// DefaultHTTPTimeout is the total timeout for registry and download requests.
	DefaultHTTPTimeout = 300 * time.Second

	// LoginDirName is the hidden directory under $HOME holding the token file.
	LoginDirName = ".soldeer"

	// LoginFileName is the name of the token file inside LoginDirName.
	LoginFileName = ".soldeer_login"
)

// Runtime carries the resolved process-wide settings.
type Runtime struct {
	// APIURL is the registry base URL, without a trailing slash.
	APIURL string

	// LoginFile is the path where the bearer token is stored.
	LoginFile string

	// Token is a bearer token override from the environment. When set, it
	// takes precedence over the contents of LoginFile.
	Token string

	// HTTPTimeout is the total timeout for HTTP requests.
	HTTPTimeout time.Duration
}

// Load resolves the runtime settings from the environment.
func Load() (*Runtime, error) {
	v := viper.New()
	v.SetDefault("api_url", DefaultAPIURL)
	v.SetDefault("http_timeout", DefaultHTTPTimeout)

	// SOLDEER_API_URL, SOLDEER_LOGIN_FILE, SOLDEER_API_TOKEN, SOLDEER_HTTP_TIMEOUT
	v.SetEnvPrefix("soldeer")
	v.AutomaticEnv()

	loginFile := v.GetString("login_file")
	if loginFile == "" {
		var err error
		loginFile, err = defaultLoginFile()
		if err != nil {
			return nil, fmt.Errorf("failed to determine login file location: %w", err)
		}
	}

	return &Runtime{
		APIURL:      strings.TrimSuffix(v.GetString("api_url"), "/"),
		LoginFile:   loginFile,
		Token:       v.GetString("api_token"),
		HTTPTimeout: v.GetDuration("http_timeout"),
	}, nil
}

// defaultLoginFile returns $HOME/.soldeer/.soldeer_login, falling back to the
// current directory when the home directory cannot be determined.
func defaultLoginFile() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, LoginDirName, LoginFileName), nil
}
