// SPDX-License-Identifier: MPL-2.0

package soldeerfile

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type (
	// RemappingsLocation selects where generated remappings are written.
	RemappingsLocation string

	// SoldeerConfig holds the `[soldeer]` options of the config file.
	SoldeerConfig struct {
		// RemappingsGenerate enables remappings generation entirely.
		RemappingsGenerate bool

		// RemappingsRegenerate rebuilds soldeer-owned remappings from
		// scratch instead of merging with existing entries.
		RemappingsRegenerate bool

		// RemappingsVersion includes the version requirement string in the
		// remapping alias.
		RemappingsVersion bool

		// RemappingsPrefix is prepended to every generated alias.
		RemappingsPrefix string

		// RemappingsLocation selects the remappings.txt sidecar or the host
		// config's remappings array. The config target only applies to
		// foundry.toml hosts; soldeer.toml hosts always use the sidecar.
		RemappingsLocation RemappingsLocation

		// RecursiveDeps descends into installed dependencies and installs
		// their own dependencies and git submodules.
		RecursiveDeps bool
	}
)

const (
	// RemappingsLocationTxt writes a sibling remappings.txt file.
	RemappingsLocationTxt RemappingsLocation = "txt"
	// RemappingsLocationConfig writes into the host config's remappings
	// array.
	RemappingsLocationConfig RemappingsLocation = "config"
)

// DefaultSoldeerConfig returns the option defaults.
func DefaultSoldeerConfig() SoldeerConfig {
	return SoldeerConfig{
		RemappingsGenerate:   true,
		RemappingsRegenerate: false,
		RemappingsVersion:    true,
		RemappingsPrefix:     "",
		RemappingsLocation:   RemappingsLocationTxt,
		RecursiveDeps:        false,
	}
}

// ReadSoldeerConfig parses the `[soldeer]` table from the config file,
// applying defaults for absent options. A missing table yields the defaults.
func ReadSoldeerConfig(path string) (SoldeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SoldeerConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var doc struct {
		Soldeer struct {
			RemappingsGenerate   *bool   `toml:"remappings_generate"`
			RemappingsRegenerate *bool   `toml:"remappings_regenerate"`
			RemappingsVersion    *bool   `toml:"remappings_version"`
			RemappingsPrefix     *string `toml:"remappings_prefix"`
			RemappingsLocation   *string `toml:"remappings_location"`
			RecursiveDeps        *bool   `toml:"recursive_deps"`
		} `toml:"soldeer"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return SoldeerConfig{}, fmt.Errorf("%w: %s", ErrConfigMalformed, err)
	}

	cfg := DefaultSoldeerConfig()
	raw := doc.Soldeer
	if raw.RemappingsGenerate != nil {
		cfg.RemappingsGenerate = *raw.RemappingsGenerate
	}
	if raw.RemappingsRegenerate != nil {
		cfg.RemappingsRegenerate = *raw.RemappingsRegenerate
	}
	if raw.RemappingsVersion != nil {
		cfg.RemappingsVersion = *raw.RemappingsVersion
	}
	if raw.RemappingsPrefix != nil {
		cfg.RemappingsPrefix = *raw.RemappingsPrefix
	}
	if raw.RemappingsLocation != nil {
		switch RemappingsLocation(*raw.RemappingsLocation) {
		case RemappingsLocationTxt, RemappingsLocationConfig:
			cfg.RemappingsLocation = RemappingsLocation(*raw.RemappingsLocation)
		default:
			return SoldeerConfig{}, fmt.Errorf("%w: invalid remappings_location %q", ErrConfigMalformed, *raw.RemappingsLocation)
		}
	}
	if raw.RecursiveDeps != nil {
		cfg.RecursiveDeps = *raw.RecursiveDeps
	}
	return cfg, nil
}
