// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads config.toml through viper, applies JOBAGENT__ env
// overrides and owns the process logger.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/nukleus/jobagent/internal/domain"
)

const (
	EnvPrefix         = "JOBAGENT__"
	configFileName    = "config.toml"
	defaultDBFileName = "jobagent.db"
)

// AppConfig is the loaded configuration plus the viper instance backing it.
type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configPath string

	mu        sync.RWMutex
	listeners []func(*domain.Config)
	logCloser func() error
}

// New loads the configuration from configPath. A directory is resolved to
// config.toml inside it, an empty path to the default config directory. A
// missing file is created from the default template.
func New(configPath string) (*AppConfig, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := writeDefaultConfig(path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		log.Info().Str("path", path).Msg("config: created default configuration")
	} else if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	c := &AppConfig{
		viper:      viper.New(),
		configPath: path,
	}
	c.defaults()
	c.viper.SetConfigFile(path)
	c.viper.SetConfigType("toml")
	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c.bindEnv()

	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	c.Config = cfg
	return c, nil
}

func resolveConfigPath(configPath string) (string, error) {
	if configPath == "" {
		configPath = getDefaultConfigDir()
	}
	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		configPath = filepath.Join(configPath, configFileName)
	} else if filepath.Ext(configPath) == "" {
		configPath = filepath.Join(configPath, configFileName)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return abs, nil
}

// getDefaultConfigDir returns /config inside containers, the XDG config
// home otherwise.
func getDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg == "/config" {
		return xdg
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "jobagent")
}

func (c *AppConfig) defaults() {
	hostname, _ := os.Hostname()

	v := c.viper
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7480)
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("metricsEnabled", true)
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("databaseEngine", "sqlite")
	v.SetDefault("databasePort", 5432)
	v.SetDefault("databaseSslMode", "disable")
	v.SetDefault("databaseConnectTimeout", 10)
	v.SetDefault("databaseMaxOpenConns", 25)
	v.SetDefault("databaseMaxIdleConns", 5)
	v.SetDefault("databaseConnMaxLifetime", 300)
	v.SetDefault("redisChannel", "jobagent:changes")
	v.SetDefault("batchSize", 10)
	v.SetDefault("runBudgetSeconds", 900)
	v.SetDefault("lockTtlSeconds", 60)
	v.SetDefault("stuckRunMinutes", 60)
	v.SetDefault("changePollSeconds", 5)
	v.SetDefault("correctClient", true)
	v.SetDefault("agentName", hostname)
}

// envKeys are the scalar settings overridable from the environment.
var envKeys = []string{
	"host", "port", "apiToken",
	"logLevel", "logPath", "logMaxSize", "logMaxBackups",
	"dataDir", "databasePath", "metricsEnabled", "metricsHost", "metricsPort", "metricsBasicAuthUsers",
	"databaseEngine", "databaseDsn", "databaseHost", "databasePort", "databaseUser",
	"databasePassword", "databaseName", "databaseSslMode", "databaseConnectTimeout",
	"databaseMaxOpenConns", "databaseMaxIdleConns", "databaseConnMaxLifetime",
	"redisAddr", "redisPassword", "redisDb", "redisChannel",
	"batchSize", "runBudgetSeconds", "lockTtlSeconds", "stuckRunMinutes", "changePollSeconds",
	"correctClient", "notificationUrls", "corsAllowedOrigins",
	"dispatchUrl", "dispatchToken", "agentName",
}

func (c *AppConfig) bindEnv() {
	for _, key := range envKeys {
		_ = c.viper.BindEnv(key, envName(key))
	}
}

// envName maps a camelCase key to its env variable, for example
// databasePath to JOBAGENT__DATABASE_PATH.
func envName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for i, r := range key {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

func (c *AppConfig) load() (*domain.Config, error) {
	var cfg domain.Config
	if err := c.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// a comma separated env value arrives as one element
	if len(cfg.NotificationURLs) == 1 && strings.Contains(cfg.NotificationURLs[0], ",") {
		cfg.NotificationURLs = splitList(cfg.NotificationURLs[0])
	}
	if len(cfg.CORSAllowedOrigins) == 1 && strings.Contains(cfg.CORSAllowedOrigins[0], ",") {
		cfg.CORSAllowedOrigins = splitList(cfg.CORSAllowedOrigins[0])
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid logLevel %q: %w", cfg.LogLevel, err)
	}
	if err := cfg.ValidateStorages(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateJobs(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigPath returns the absolute path of the loaded config.toml.
func (c *AppConfig) ConfigPath() string {
	return c.configPath
}

// ConfigDir returns the directory holding config.toml.
func (c *AppConfig) ConfigDir() string {
	return filepath.Dir(c.configPath)
}

// GetDatabasePath returns the SQLite file path: databasePath when set,
// else jobagent.db in dataDir, else next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p := strings.TrimSpace(c.Config.DatabasePath); p != "" {
		return p
	}
	if dir := strings.TrimSpace(c.Config.DataDir); dir != "" {
		return filepath.Join(dir, defaultDBFileName)
	}
	return filepath.Join(c.ConfigDir(), defaultDBFileName)
}

// OnChange registers fn to run with the new config after a reload.
func (c *AppConfig) OnChange(fn func(*domain.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Watch reloads the file on change. Only the log level takes effect live;
// listeners see the full new config.
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := c.load()
		if err != nil {
			log.Error().Err(err).Str("path", e.Name).Msg("config: reload failed, keeping previous configuration")
			return
		}

		c.mu.Lock()
		cfg.Version = c.Config.Version
		c.Config = cfg
		listeners := append([]func(*domain.Config){}, c.listeners...)
		c.mu.Unlock()

		setLevel(cfg.LogLevel)
		log.Info().Str("level", cfg.LogLevel).Msg("config: reloaded")
		for _, fn := range listeners {
			fn(cfg)
		}
	})
	c.viper.WatchConfig()
}

// generateToken returns a random hex token for the default config.
func generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var defaultConfigTemplate = template.Must(template.New("config").Parse(`# config.toml - Auto-generated on first run

# Hostname / IP of the control API
# Default: "127.0.0.1"
host = "{{ .Host }}"

# Port of the control API
# Default: 7480
port = 7480

# Bearer token required by the control API
apiToken = "{{ .Token }}"

# Origins allowed to call the control API from a browser
#corsAllowedOrigins = ["https://dashboard.example.com"]

# Data directory holding jobagent.db
# Default: next to this file
#dataDir = ""

# Explicit SQLite database file, overrides dataDir
#databasePath = ""

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/jobagent.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: 50
#logMaxSize = 50

# Number of rotated log files to retain (0 keeps all)
# Default: 3
#logMaxBackups = 3

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Expose Prometheus metrics on /metrics
#metricsEnabled = true

# Serve metrics on a separate listener instead of the control API
#metricsPort = 9074
#metricsBasicAuthUsers = "user:password"

# Database engine: "sqlite" or "postgres"
#databaseEngine = "sqlite"
#databaseDsn = ""

# Redis enables the cross-agent target lock and push change triggers
#redisAddr = ""

# Targets diffed and applied concurrently per batch
#batchSize = 10

# Wall-clock budget of one run in seconds, 0 for none
#runBudgetSeconds = 900

# Let the consistency job move entities to the client owning their parent
#correctClient = true

# Admin notification URLs (shoutrrr format)
#notificationUrls = []

# Job scheduling service websocket
#dispatchUrl = ""

#[[storages]]
#id = "primary"
#type = "local"
#path = "/var/lib/jobagent/objects"

#[jobs.folder-size]
#interval = "5m"
`))

func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("generate api token: %w", err)
	}

	host := "127.0.0.1"
	if inContainer() {
		host = "0.0.0.0"
	}

	var buf bytes.Buffer
	if err := defaultConfigTemplate.Execute(&buf, struct{ Host, Token string }{host, token}); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

func inContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("XDG_CONFIG_HOME") == "/config"
}
