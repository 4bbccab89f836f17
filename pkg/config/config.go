package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".cfidump"
	configFile string = "config.yml"
)

// Defaults used when the configuration file does not set a value.
const (
	DefaultMaxDepth     = 50
	DefaultFDECacheSize = 1024
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Arch is the architecture used when it can not be determined from
	// the object file. One of amd64, arm64 and sparc64.
	Arch string `yaml:"arch,omitempty"`

	// WindowSave selects how DW_CFA_GNU_window_save is interpreted: auto
	// (depends on the architecture), sparc, aarch64 or none.
	WindowSave string `yaml:"window-save,omitempty"`

	// FDECacheSize is the number of pc to FDE lookups remembered.
	FDECacheSize *int `yaml:"fde-cache-size,omitempty"`

	// MaxDepth is the maximum number of frames printed by the unwind
	// command.
	MaxDepth *int `yaml:"max-depth,omitempty"`

	// LogOutput is the default value of --log-output.
	LogOutput string `yaml:"log-output,omitempty"`

	// NoColor disables colored output on terminals.
	NoColor bool `yaml:"no-color"`
}

// GetMaxDepth returns MaxDepth or its default.
func (c *Config) GetMaxDepth() int {
	if c.MaxDepth == nil {
		return DefaultMaxDepth
	}
	return *c.MaxDepth
}

// GetFDECacheSize returns FDECacheSize or its default.
func (c *Config) GetFDECacheSize() int {
	if c.FDECacheSize == nil {
		return DefaultFDECacheSize
	}
	return *c.FDECacheSize
}

// Validate checks the values of the enumerated options.
func (c *Config) Validate() error {
	switch c.Arch {
	case "", "amd64", "arm64", "sparc64":
	default:
		return fmt.Errorf("unknown architecture %q", c.Arch)
	}
	switch c.WindowSave {
	case "", "auto", "sparc", "aarch64", "none":
	default:
		return fmt.Errorf("unknown window-save policy %q", c.WindowSave)
	}
	if c.MaxDepth != nil && *c.MaxDepth < 0 {
		return fmt.Errorf("negative max-depth %d", *c.MaxDepth)
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file
// in the user's configuration directory, creating a default one if it
// does not exist. Errors are reported on stderr and an empty Config is
// returned.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v.\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %v", path, err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for cfidump.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Architecture used for objects that do not specify one (amd64, arm64, sparc64).
# arch: amd64

# Interpretation of DW_CFA_GNU_window_save: auto, sparc, aarch64 or none.
# window-save: auto

# Number of pc to FDE lookups remembered.
# fde-cache-size: 1024

# Maximum number of frames printed by the unwind command.
# max-depth: 50

# Comma separated list of layers that log debug messages (frame, unwind, op, proc).
# log-output: unwind

# Uncomment to disable colors when printing to a terminal.
# no-color: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir, err := homedir.Dir()
	if err != nil {
		userHomeDir = "."
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
