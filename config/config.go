// Package config loads pses-host settings.
//
// Values are resolved in viper's order: command line flags, PSES_*
// environment variables, the pses-host.yaml config file, then defaults. An
// optional .env file is loaded into the environment first; variables that
// are already set win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Keys.
const (
	KeyPwshPath          = "pwsh.path"
	KeyStartTimeout      = "pwsh.start_timeout"
	KeyCompletionTimeout = "completion_timeout"
	KeyHostName          = "host.name"
	KeyLogLevel          = "log.level"
	KeyLogFile           = "log.file"
	KeyTestMode          = "test_mode"
)

// EnvPrefix prefixes environment variables, e.g. PSES_LOG_LEVEL.
const EnvPrefix = "PSES"

// ConfigName is the config file name without extension.
const ConfigName = "pses-host"

// Config is the resolved configuration.
type Config struct {
	Pwsh              PwshConfig    `mapstructure:"pwsh"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	Host              HostConfig    `mapstructure:"host"`
	Log               LogConfig     `mapstructure:"log"`
	TestMode          bool          `mapstructure:"test_mode"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// PwshConfig selects and starts the PowerShell process.
type PwshConfig struct {
	Path         string        `mapstructure:"path"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

// HostConfig describes the host reported to PowerShell.
type HostConfig struct {
	Name string `mapstructure:"name"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Loader collects sources and resolves a Config.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFile    string
	searchDirs []string
}

// NewLoader creates a loader with the defaults set. The config file is
// searched for in the working directory and the user config directory.
func NewLoader() *Loader {
	v := viper.New()
	v.SetDefault(KeyPwshPath, "pwsh")
	v.SetDefault(KeyStartTimeout, 30*time.Second)
	v.SetDefault(KeyCompletionTimeout, 3*time.Second)
	v.SetDefault(KeyHostName, "pses-host")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyTestMode, false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	dirs := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, "pses-host"))
	}
	return &Loader{v: v, envFile: ".env", searchDirs: dirs}
}

// SetConfigFile reads path instead of searching for pses-host.yaml. A
// missing explicit file is an error.
func (l *Loader) SetConfigFile(path string) { l.configFile = path }

// SetEnvFile sets the .env file. Empty disables it.
func (l *Loader) SetEnvFile(path string) { l.envFile = path }

// SetSearchDirs replaces the directories searched for the config file.
func (l *Loader) SetSearchDirs(dirs ...string) { l.searchDirs = dirs }

// BindFlag makes a command line flag override key when it is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: no such flag", key)
	}
	if err := l.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("bind %s: %w", key, err)
	}
	return nil
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", l.envFile, err)
		}
	}

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(ConfigName)
		l.v.SetConfigType("yaml")
		for _, dir := range l.searchDirs {
			l.v.AddConfigPath(dir)
		}
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = l.v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Pwsh.Path) == "":
		return fmt.Errorf("%s must not be empty", KeyPwshPath)
	case c.Pwsh.StartTimeout <= 0:
		return fmt.Errorf("%s must be positive, got %s", KeyStartTimeout, c.Pwsh.StartTimeout)
	case c.CompletionTimeout <= 0:
		return fmt.Errorf("%s must be positive, got %s", KeyCompletionTimeout, c.CompletionTimeout)
	}
	return nil
}

// YAML renders the configuration in config file form.
func (c *Config) YAML() ([]byte, error) {
	type pwsh struct {
		Path         string `yaml:"path"`
		StartTimeout string `yaml:"start_timeout"`
	}
	type hostCfg struct {
		Name string `yaml:"name"`
	}
	type logCfg struct {
		Level string `yaml:"level"`
		File  string `yaml:"file,omitempty"`
	}
	doc := struct {
		Pwsh              pwsh    `yaml:"pwsh"`
		CompletionTimeout string  `yaml:"completion_timeout"`
		Host              hostCfg `yaml:"host"`
		Log               logCfg  `yaml:"log"`
		TestMode          bool    `yaml:"test_mode,omitempty"`
	}{
		Pwsh:              pwsh{Path: c.Pwsh.Path, StartTimeout: c.Pwsh.StartTimeout.String()},
		CompletionTimeout: c.CompletionTimeout.String(),
		Host:              hostCfg{Name: c.Host.Name},
		Log:               logCfg{Level: c.Log.Level, File: c.Log.File},
		TestMode:          c.TestMode,
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
