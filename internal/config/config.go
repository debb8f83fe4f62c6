// Package config loads application settings from the environment
// (populated by the .env file in main.go) and the optional partitions file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SYNC"

const (
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	DriverSQLServer = "sqlserver"

	GraphSurreal = "surrealdb"
	GraphMongo   = "mongodb"
)

// Config holds all configuration for the application.
type Config struct {
	Partitions []Partition

	PageSize       int
	BatchSize      int
	MaxRetries     int
	RequestTimeout time.Duration
	CacheTTL       time.Duration

	WatchInterval time.Duration
	WatchMinDelay time.Duration

	FetchRegistrations bool
	IPFSGateway        string

	Relational RelationalConfig
	Graph      GraphConfig

	LogLevel string
}

type RelationalConfig struct {
	Driver string
	DSN    string
}

func (r RelationalConfig) Enabled() bool {
	return r.Driver != ""
}

type GraphConfig struct {
	Backend   string
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

func (g GraphConfig) Enabled() bool {
	return g.Backend != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("page_size", 500)
	v.SetDefault("batch_size", 200)
	v.SetDefault("max_retries", 5)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("cache_ttl", 5*time.Minute)
	v.SetDefault("watch_interval", time.Minute)
	v.SetDefault("watch_min_delay", 10*time.Second)
	v.SetDefault("fetch_registrations", false)
	v.SetDefault("ipfs_gateway", "https://ipfs.io/ipfs/")
	v.SetDefault("graph_namespace", "indexsync")
	v.SetDefault("graph_database", "indexsync")
	v.SetDefault("log_level", "info")
}

// LoadConfig loads application settings from SYNC_* environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		PageSize:           v.GetInt("page_size"),
		BatchSize:          v.GetInt("batch_size"),
		MaxRetries:         v.GetInt("max_retries"),
		RequestTimeout:     v.GetDuration("request_timeout"),
		CacheTTL:           v.GetDuration("cache_ttl"),
		WatchInterval:      v.GetDuration("watch_interval"),
		WatchMinDelay:      v.GetDuration("watch_min_delay"),
		FetchRegistrations: v.GetBool("fetch_registrations"),
		IPFSGateway:        v.GetString("ipfs_gateway"),
		Relational: RelationalConfig{
			Driver: strings.ToLower(v.GetString("relational_driver")),
			DSN:    v.GetString("relational_dsn"),
		},
		Graph: GraphConfig{
			Backend:   strings.ToLower(v.GetString("graph_backend")),
			URL:       v.GetString("graph_url"),
			Namespace: v.GetString("graph_namespace"),
			Database:  v.GetString("graph_database"),
			Username:  v.GetString("graph_user"),
			Password:  v.GetString("graph_password"),
		},
		LogLevel: v.GetString("log_level"),
	}

	partitions, err := loadPartitions(v)
	if err != nil {
		return nil, err
	}
	cfg.Partitions = partitions

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside a pass.
func (c *Config) Validate() error {
	if len(c.Partitions) == 0 {
		return errors.New("no partitions configured: set SYNC_PARTITIONS or SYNC_PARTITIONS_FILE")
	}
	for _, p := range c.Partitions {
		if p.Endpoint == "" {
			return fmt.Errorf("partition %q has no upstream url (SYNC_UPSTREAM_URL_%s)", p.Name, envSuffix(p.Name))
		}
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}

	switch c.Relational.Driver {
	case "", DriverPostgres, DriverSQLite, DriverSQLServer:
	default:
		return fmt.Errorf("unsupported relational driver %q", c.Relational.Driver)
	}
	if c.Relational.Enabled() && c.Relational.DSN == "" {
		return errors.New("SYNC_RELATIONAL_DSN environment variable not set")
	}

	switch c.Graph.Backend {
	case "", GraphSurreal, GraphMongo:
	default:
		return fmt.Errorf("unsupported graph backend %q", c.Graph.Backend)
	}
	if c.Graph.Enabled() && c.Graph.URL == "" {
		return errors.New("SYNC_GRAPH_URL environment variable not set")
	}
	return nil
}

// Partition returns the named partition.
func (c *Config) Partition(name string) (Partition, bool) {
	for _, p := range c.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}
