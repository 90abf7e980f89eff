package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".rwmem"
	configFile string = "config.yml"
)

const (
	// DefaultWaitTimeout is the wait command timeout when none is configured.
	DefaultWaitTimeout = 10 * time.Second
	// DefaultMapSlack is the number of records reserved above the region
	// count when listing mappings.
	DefaultMapSlack = 50
	// DefaultMaxNameLength is the size of the name field of encoded region
	// records, terminator included.
	DefaultMaxNameLength = 512
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// WaitTimeout is the default timeout of the wait command.
	WaitTimeout *time.Duration `yaml:"wait-timeout,omitempty"`

	// MapSlack is the number of records reserved above the current region
	// count by get-mem-map and maps.
	MapSlack *int `yaml:"map-slack,omitempty"`

	// MaxNameLength is the maximum length of region backing names,
	// including the terminator.
	MaxNameLength *int `yaml:"max-name-length,omitempty"`

	// ResidencyChunkPages bounds the number of pages examined by a single
	// residency query.
	ResidencyChunkPages *int `yaml:"residency-chunk-pages,omitempty"`

	// If Force is true memory commands bypass page protections unless told
	// otherwise.
	Force bool `yaml:"force"`

	// MetricsListen is the address the metrics endpoint is served on. Empty
	// disables it.
	MetricsListen string `yaml:"metrics-listen"`

	// Prompt color (3/4 bit color codes as defined
	// here: https://en.wikipedia.org/wiki/ANSI_escape_code#Colors)
	PromptColor int `yaml:"prompt-color"`
}

// GetWaitTimeout returns the configured wait timeout or the default.
func (c *Config) GetWaitTimeout() time.Duration {
	if c == nil || c.WaitTimeout == nil || *c.WaitTimeout <= 0 {
		return DefaultWaitTimeout
	}
	return *c.WaitTimeout
}

// GetMapSlack returns the configured map slack or the default.
func (c *Config) GetMapSlack() int {
	if c == nil || c.MapSlack == nil || *c.MapSlack < 0 {
		return DefaultMapSlack
	}
	return *c.MapSlack
}

// GetMaxNameLength returns the configured name length or the default.
func (c *Config) GetMaxNameLength() int {
	if c == nil || c.MaxNameLength == nil || *c.MaxNameLength <= 0 {
		return DefaultMaxNameLength
	}
	return *c.MaxNameLength
}

// GetResidencyChunkPages returns the configured chunk size, or 0 to use the
// enumerator's default.
func (c *Config) GetResidencyChunkPages() int {
	if c == nil || c.ResidencyChunkPages == nil || *c.ResidencyChunkPages < 0 {
		return 0
	}
	return *c.ResidencyChunkPages
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
		}
		return &Config{}
	}
	defer f.Close()

	c, err := decode(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration from path. Unlike LoadConfig it
// reports errors instead of falling back to an empty configuration.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return c, nil
}

func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
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

	return os.WriteFile(fullConfigFile, out, 0600)
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

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for rwmem.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Default timeout of the wait command.
# wait-timeout: 10s

# Number of extra records reserved when listing mappings of a process whose
# mappings are still changing.
# map-slack: 50

# Size of the backing name field of region records, terminator included.
# max-name-length: 512

# Number of pages examined by a single residency query.
# residency-chunk-pages: 8192

# Uncomment to bypass page protections in read-mem and write-mem by default.
# force: true

# Address to serve prometheus metrics on, for example localhost:9090.
# metrics-listen: ""

# ANSI foreground color of the console prompt (see
# https://en.wikipedia.org/wiki/ANSI_escape_code#3/4_bit).
# prompt-color: 34
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
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
