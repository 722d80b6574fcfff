// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	Version  string
	Host     string `toml:"host" mapstructure:"host"`
	Port     int    `toml:"port" mapstructure:"port"`
	APIToken string `toml:"apiToken" mapstructure:"apiToken"`
	// CORSAllowedOrigins lets browser dashboards call the control API.
	CORSAllowedOrigins []string `toml:"corsAllowedOrigins" mapstructure:"corsAllowedOrigins"`
	LogLevel           string   `toml:"logLevel" mapstructure:"logLevel"`
	LogPath            string   `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize         int      `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups      int      `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir            string   `toml:"dataDir" mapstructure:"dataDir"`
	DatabasePath       string   `toml:"databasePath" mapstructure:"databasePath"`

	MetricsEnabled bool `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	// MetricsPort moves /metrics to its own listener; 0 serves it on the API.
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	DatabaseEngine          string `toml:"databaseEngine" mapstructure:"databaseEngine"`
	DatabaseDSN             string `toml:"databaseDsn" mapstructure:"databaseDsn"`
	DatabaseHost            string `toml:"databaseHost" mapstructure:"databaseHost"`
	DatabasePort            int    `toml:"databasePort" mapstructure:"databasePort"`
	DatabaseUser            string `toml:"databaseUser" mapstructure:"databaseUser"`
	DatabasePassword        string `toml:"databasePassword" mapstructure:"databasePassword"`
	DatabaseName            string `toml:"databaseName" mapstructure:"databaseName"`
	DatabaseSSLMode         string `toml:"databaseSslMode" mapstructure:"databaseSslMode"`
	DatabaseConnectTimeout  int    `toml:"databaseConnectTimeout" mapstructure:"databaseConnectTimeout"`
	DatabaseMaxOpenConns    int    `toml:"databaseMaxOpenConns" mapstructure:"databaseMaxOpenConns"`
	DatabaseMaxIdleConns    int    `toml:"databaseMaxIdleConns" mapstructure:"databaseMaxIdleConns"`
	DatabaseConnMaxLifetime int    `toml:"databaseConnMaxLifetime" mapstructure:"databaseConnMaxLifetime"`

	// RedisAddr enables the cross-agent target lock and the pub/sub change
	// trigger. Empty keeps both in-process.
	RedisAddr     string `toml:"redisAddr" mapstructure:"redisAddr"`
	RedisPassword string `toml:"redisPassword" mapstructure:"redisPassword"`
	RedisDB       int    `toml:"redisDb" mapstructure:"redisDb"`
	RedisChannel  string `toml:"redisChannel" mapstructure:"redisChannel"`

	BatchSize        int `toml:"batchSize" mapstructure:"batchSize"`
	RunBudgetSeconds int `toml:"runBudgetSeconds" mapstructure:"runBudgetSeconds"`
	LockTTLSeconds   int `toml:"lockTtlSeconds" mapstructure:"lockTtlSeconds"`
	// StuckRunMinutes is how old a running job_runs row must be at startup
	// before it is marked failed.
	StuckRunMinutes int `toml:"stuckRunMinutes" mapstructure:"stuckRunMinutes"`
	// ChangePollSeconds drives change_events polling when Redis is unset.
	ChangePollSeconds int `toml:"changePollSeconds" mapstructure:"changePollSeconds"`

	// CorrectClient lets the consistency job reassign an entity to the
	// client owning its parent. When false the mismatch is only reported.
	CorrectClient bool `toml:"correctClient" mapstructure:"correctClient"`

	NotificationURLs []string `toml:"notificationUrls" mapstructure:"notificationUrls"`

	DispatchURL   string `toml:"dispatchUrl" mapstructure:"dispatchUrl"`
	DispatchToken string `toml:"dispatchToken" mapstructure:"dispatchToken"`
	AgentName     string `toml:"agentName" mapstructure:"agentName"`

	Storages []StorageConfig      `toml:"storages" mapstructure:"storages"`
	Jobs     map[string]JobConfig `toml:"jobs" mapstructure:"jobs"`
}

// StorageConfig describes one object-storage backend.
type StorageConfig struct {
	ID   string `toml:"id" mapstructure:"id"`
	Type string `toml:"type" mapstructure:"type"`

	// local
	Path string `toml:"path" mapstructure:"path"`

	// s3 and gcs
	Bucket          string `toml:"bucket" mapstructure:"bucket"`
	Prefix          string `toml:"prefix" mapstructure:"prefix"`
	Region          string `toml:"region" mapstructure:"region"`
	Endpoint        string `toml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `toml:"accessKeyId" mapstructure:"accessKeyId"`
	SecretAccessKey string `toml:"secretAccessKey" mapstructure:"secretAccessKey"`
	UsePathStyle    bool   `toml:"usePathStyle" mapstructure:"usePathStyle"`
	CredentialsFile string `toml:"credentialsFile" mapstructure:"credentialsFile"`

	RequestsPerSecond float64 `toml:"requestsPerSecond" mapstructure:"requestsPerSecond"`
	VerifyCopies      bool    `toml:"verifyCopies" mapstructure:"verifyCopies"`
}

// JobConfig overrides a registered job's trigger and default parameters.
type JobConfig struct {
	Disabled bool              `toml:"disabled" mapstructure:"disabled"`
	Schedule string            `toml:"schedule" mapstructure:"schedule"`
	Interval string            `toml:"interval" mapstructure:"interval"`
	Params   map[string]string `toml:"params" mapstructure:"params"`
}

var storageTypes = []string{"local", "s3", "gcs", "memory"}

// RunBudget returns the wall-clock budget per run, zero meaning unbounded.
func (c *Config) RunBudget() time.Duration {
	return time.Duration(c.RunBudgetSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c *Config) StuckRunThreshold() time.Duration {
	return time.Duration(c.StuckRunMinutes) * time.Minute
}

func (c *Config) ChangePollInterval() time.Duration {
	return time.Duration(c.ChangePollSeconds) * time.Second
}

func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

// Job returns the override for name, or the zero value.
func (c *Config) Job(name string) JobConfig {
	if c.Jobs == nil {
		return JobConfig{}
	}
	return c.Jobs[name]
}

// ValidateStorages checks backend ids are unique and each type has the
// fields it needs.
func (c *Config) ValidateStorages() error {
	seen := make(map[string]struct{}, len(c.Storages))
	for i, s := range c.Storages {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("storages[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("storages[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		if !slices.Contains(storageTypes, s.Type) {
			return fmt.Errorf("storage %q: unsupported type %q", id, s.Type)
		}
		switch s.Type {
		case "local":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage %q: path is required", id)
			}
		case "s3", "gcs":
			if strings.TrimSpace(s.Bucket) == "" {
				return fmt.Errorf("storage %q: bucket is required", id)
			}
		}
	}
	return nil
}

// ValidateJobs rejects interval overrides that do not parse.
func (c *Config) ValidateJobs() error {
	var errs []error
	for name, job := range c.Jobs {
		if job.Interval == "" {
			continue
		}
		d, err := time.ParseDuration(job.Interval)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("jobs.%s.interval: invalid duration %q", name, job.Interval))
		}
	}
	return errors.Join(errs...)
}
