// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the bot.
//
// Configuration comes from a single yaml file specified by:
//   - IPABOT_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is the
// single source of truth; environment variables do not override values.
// The only expansion performed is ${VAR} substitution in paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the bot.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Telegram configures the Bot API connection and chat surface.
	Telegram TelegramConfig `yaml:"telegram"`

	// Queue configures admission and scheduling.
	Queue QueueConfig `yaml:"queue"`

	// Device configures the SSH connection to the jailbroken device.
	Device DeviceConfig `yaml:"device"`

	// AppStore configures metadata lookup and ipatool invocation.
	AppStore AppStoreConfig `yaml:"appstore"`

	// Paths configures local directory locations.
	Paths PathsConfig `yaml:"paths"`
}

// TelegramConfig configures the Bot API connection.
type TelegramConfig struct {
	// Token is the bot token from BotFather.
	Token string `yaml:"token"`

	// APIURL is the Bot API base URL. Override only for tests or a
	// local Bot API server (which raises the upload limit to 2GB).
	APIURL string `yaml:"api_url"`

	// OwnerID is the Telegram user ID of the bot owner. The owner is
	// unique and fixed for the process lifetime.
	OwnerID int64 `yaml:"owner_id"`

	// BackupChannelID is the archive channel. The bot must be an
	// administrator there so that its own posts and other members'
	// posts arrive as channel_post updates.
	BackupChannelID int64 `yaml:"backup_channel_id"`
}

// QueueConfig configures admission and scheduling.
type QueueConfig struct {
	// FreeDailyLimit is the number of completed jobs a free user may
	// accumulate per calendar day.
	FreeDailyLimit int `yaml:"free_daily_limit"`

	// Public is the initial system mode. The owner can toggle it at
	// runtime with /mode.
	Public bool `yaml:"public"`

	// PollInterval is the idle-queue poll interval for the executor,
	// as a Go duration string. The wake channel makes dispatch
	// immediate in practice; this is the safety net.
	PollInterval string `yaml:"poll_interval"`

	// TimeZone is the IANA zone used for quota day boundaries.
	TimeZone string `yaml:"time_zone"`
}

// DeviceConfig configures the SSH connection to the device.
type DeviceConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// Password authenticates when KeyFile is empty. Default iOS
	// root password is "alpine"; change it.
	Password string `yaml:"password"`

	// KeyFile is a path to an SSH private key. Takes precedence over
	// Password when set.
	KeyFile string `yaml:"key_file"`

	// WorkDir is the directory on the device where decrypted payloads
	// appear.
	WorkDir string `yaml:"work_dir"`

	// CommandTimeout bounds a single remote command, as a Go duration
	// string.
	CommandTimeout string `yaml:"command_timeout"`
}

// AppStoreConfig configures metadata lookup and purchases.
type AppStoreConfig struct {
	// Country is the two-letter storefront code for lookups and
	// purchases.
	Country string `yaml:"country"`

	// IPAToolBin is the ipatool binary name.
	IPAToolBin string `yaml:"ipatool_bin"`

	// BinDir, when set, is searched for IPAToolBin before PATH. This
	// gives hermetic binary resolution independent of user PATH.
	BinDir string `yaml:"bin_dir"`
}

// PathsConfig configures local directories.
type PathsConfig struct {
	// Downloads is where fetched and pulled IPA files are staged
	// before upload. Contents are deleted after each job settles.
	Downloads string `yaml:"downloads"`
}

// Default returns the base configuration merged under the loaded file.
// It exists to give every field a sensible zero-value, not as a
// substitute for the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".cache", "ipabot")

	return &Config{
		LogLevel: "info",
		Telegram: TelegramConfig{
			APIURL: "https://api.telegram.org",
		},
		Queue: QueueConfig{
			FreeDailyLimit: 5,
			Public:         true,
			PollInterval:   "3s",
			TimeZone:       "UTC",
		},
		Device: DeviceConfig{
			Port:           22,
			User:           "root",
			WorkDir:        "/var/mobile/Documents/decrypted",
			CommandTimeout: "2m",
		},
		AppStore: AppStoreConfig{
			Country:    "US",
			IPAToolBin: "ipatool",
		},
		Paths: PathsConfig{
			Downloads: filepath.Join(root, "downloads"),
		},
	}
}

// Load loads configuration from the IPABOT_CONFIG environment variable.
func Load() (*Config, error) {
	path := os.Getenv("IPABOT_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("IPABOT_CONFIG environment variable not set; " +
			"set it to the path of your ipabot.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Downloads = expandVars(c.Paths.Downloads, vars)
	c.AppStore.BinDir = expandVars(c.AppStore.BinDir, vars)
	c.Device.KeyFile = expandVars(c.Device.KeyFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level: %q", c.LogLevel))
	}

	if c.Telegram.Token == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required"))
	}
	if c.Telegram.OwnerID == 0 {
		errs = append(errs, fmt.Errorf("telegram.owner_id is required"))
	}
	if c.Telegram.BackupChannelID == 0 {
		errs = append(errs, fmt.Errorf("telegram.backup_channel_id is required"))
	}

	if c.Queue.FreeDailyLimit < 0 {
		errs = append(errs, fmt.Errorf("queue.free_daily_limit must not be negative"))
	}
	if _, err := time.ParseDuration(c.Queue.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("queue.poll_interval: %w", err))
	}
	if _, err := time.LoadLocation(c.Queue.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("queue.time_zone: %w", err))
	}

	if c.Device.Host == "" {
		errs = append(errs, fmt.Errorf("device.host is required"))
	}
	if c.Device.Password == "" && c.Device.KeyFile == "" {
		errs = append(errs, fmt.Errorf("device.password or device.key_file is required"))
	}
	if _, err := time.ParseDuration(c.Device.CommandTimeout); err != nil {
		errs = append(errs, fmt.Errorf("device.command_timeout: %w", err))
	}

	if c.AppStore.Country == "" {
		errs = append(errs, fmt.Errorf("appstore.country is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PollInterval returns queue.poll_interval parsed. Call Validate first.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Queue.PollInterval)
	return d
}

// CommandTimeout returns device.command_timeout parsed. Call Validate
// first.
func (c *Config) CommandTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Device.CommandTimeout)
	return d
}

// Location returns the quota time zone. Call Validate first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Queue.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EnsurePaths creates the configured local directories.
func (c *Config) EnsurePaths() error {
	if c.Paths.Downloads == "" {
		return nil
	}
	if err := os.MkdirAll(c.Paths.Downloads, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.Downloads, err)
	}
	return nil
}

// BinaryPath resolves an external binary: BinDir first when configured,
// then PATH.
func (c *Config) BinaryPath(name string) (string, error) {
	if c.AppStore.BinDir != "" {
		p := filepath.Join(c.AppStore.BinDir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		if c.AppStore.BinDir != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.AppStore.BinDir)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
