// Package config provides the service settings and the operator-editable
// run configuration and template documents.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings holds process-level configuration for the serve command. The run
// configuration proper is a separate on-disk document (see RunConfig) so the
// API can read and replace it while the process runs.
type Settings struct {
	Server ServerSettings `mapstructure:"server"`
	Paths  PathSettings   `mapstructure:"paths"`
}

// ServerSettings holds HTTP server configuration.
type ServerSettings struct {
	Bind string `mapstructure:"bind"`
}

// PathSettings locates the run configuration and template documents.
type PathSettings struct {
	Config   string `mapstructure:"config"`
	Template string `mapstructure:"template"`
}

// LoadSettings reads service settings from files and environment variables.
func LoadSettings() (*Settings, error) {
	v := viper.New()

	v.SetConfigName("adgen")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/adgen")

	// Enable environment variable override (ADGEN_SERVER_BIND etc.)
	v.SetEnvPrefix("ADGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read settings file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		// Settings file not found is OK, we use defaults and env vars
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	return &s, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "0.0.0.0:8787")
	v.SetDefault("paths.config", "./run-config.yaml")
	v.SetDefault("paths.template", "./template.yml")
}
