package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

const envPrefix = "SWITCHYARD"

// settings are the process settings of the gateway.
type settings struct {
	Listen         string        `mapstructure:"listen"`
	ServersPath    string        `mapstructure:"servers"`
	ConfigPath     string        `mapstructure:"config"`
	CatalogPath    string        `mapstructure:"catalog"`
	TokenDir       string        `mapstructure:"tokens"`
	CallbackURL    string        `mapstructure:"callback-url"`
	ConsumerTag    string        `mapstructure:"consumer-tag"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	LogLevel       string        `mapstructure:"log-level"`
	Isolate        bool          `mapstructure:"isolate"`
	Runtime        string        `mapstructure:"runtime"`
	Watch          bool          `mapstructure:"watch"`
	Stdio          bool          `mapstructure:"stdio"`
	Version        bool          `mapstructure:"version"`
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("switchyard", pflag.ContinueOnError)

	flags.String("listen", ":8080", "Address of the control plane and MCP endpoint")
	flags.String("servers", "", "Path to the target servers file")
	flags.String("config", "", "Path to the tool group and permission configuration")
	flags.String("catalog", "", "Path to the catalog of approved servers")
	flags.String("tokens", "", "Directory OAuth tokens are stored in")
	flags.String("callback-url", "", "OAuth redirect URL")
	flags.String("consumer-tag", "", "Consumer tag of the stdio agent")
	flags.Duration("connect-timeout", upstream.DefaultConnectTimeout, "Timeout of each connection attempt")
	flags.String("log-level", "info", "Log level")
	flags.Bool("isolate", false, "Run npx and uvx servers in containers")
	flags.String("runtime", "", "Container runtime (docker or podman)")
	flags.Bool("watch", false, "Watch the configuration file for changes")
	flags.Bool("stdio", false, "Serve the MCP endpoint over stdio")
	flags.Bool("version", false, "Show version information")

	return flags
}

// loadSettings reads flags with SWITCHYARD_ environment overrides.
// Paths left empty default to the user config directory.
func loadSettings(args []string) (settings, error) {
	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return settings{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return settings{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}

	if s.Version {
		return s, nil
	}

	if s.ServersPath == "" {
		path, err := config.DefaultServersPath()
		if err != nil {
			return settings{}, err
		}

		s.ServersPath = path
	}

	dir := filepath.Dir(s.ServersPath)

	if s.ConfigPath == "" {
		s.ConfigPath = filepath.Join(dir, "config.yaml")
	}

	if s.CatalogPath == "" {
		s.CatalogPath = filepath.Join(dir, "catalog.yaml")
	}

	if s.TokenDir == "" {
		s.TokenDir = filepath.Join(dir, "tokens")
	}

	return s, nil
}
