// Package config loads Nexus's runtime configuration: an ini file mapped
// onto section structs via go-ini/ini's MapTo, with a handful of fields
// overridable by environment variables (so the same binary runs unchanged
// under container schedulers that inject env vars instead of mounting a
// file) and an on-disk node identity file so the cluster worker id
// survives restarts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-ini/ini"
)

const (
	defaultConfigName = "conf.ini"
	defaultIDName     = "id.lock"
)

// ServerConfig holds the node identity and listener addresses.
type ServerConfig struct {
	Name           string `ini:"server_name"`
	Host           string `ini:"server_host"`
	Port           int    `ini:"server_port"`
	GatewayPort    int    `ini:"gateway_port"`
	FederationPort int    `ini:"federation_port"`
	LogFilter      string `ini:"log_filter"`
}

// AuthConfig holds token signing and expiry options.
type AuthConfig struct {
	JWTSecret         string `ini:"jwt_secret"`
	JWTExpirySecs     int    `ini:"jwt_expiry_secs"`
	RefreshExpirySecs int    `ini:"refresh_expiry_secs"`
}

// DatabaseConfig holds the relational store connection options.
type DatabaseConfig struct {
	URL            string `ini:"database_url"`
	MaxConnections int    `ini:"db_max_connections"`
}

// RedisConfig holds the cross-node relay / shared-state connection options.
type RedisConfig struct {
	URL string `ini:"redis_url"`
}

// CollaboratorConfig holds addresses of collaborator services the message
// plane merely references (object storage, search index).
type CollaboratorConfig struct {
	StorageEndpoint string `ini:"storage_endpoint"`
	SearchURL       string `ini:"search_url"`
}

// GatewayConfig holds session-manager tunables.
type GatewayConfig struct {
	HeartbeatIntervalMS    int `ini:"heartbeat_interval_ms"`
	SessionResumeWindowSec int `ini:"session_resume_window_secs"`
}

// FederationConfig holds federation transaction-engine tunables.
type FederationConfig struct {
	RetryMaxSecs int `ini:"fed_retry_max_secs"`
}

// Config is the fully assembled application configuration.
type Config struct {
	Server     ServerConfig
	Auth       AuthConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Collab     CollaboratorConfig
	Gateway    GatewayConfig
	Federation FederationConfig
	DataDir    string
	NodeID     string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Name:           "nexus.local",
			Host:           "0.0.0.0",
			Port:           8080,
			GatewayPort:    8443,
			FederationPort: 8448,
			LogFilter:      "info",
		},
		Auth: AuthConfig{
			JWTExpirySecs:     3600,
			RefreshExpirySecs: 1209600,
		},
		Database: DatabaseConfig{
			MaxConnections: 10,
		},
		Gateway: GatewayConfig{
			HeartbeatIntervalMS:    45000,
			SessionResumeWindowSec: 90,
		},
		Federation: FederationConfig{
			RetryMaxSecs: 86400,
		},
		DataDir: "./data",
	}
}

// Load reads configPath (an ini file; missing file falls back to defaults)
// and overlays the recognized NEXUS_* environment variables.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath == "" {
		configPath = defaultConfigName
	}
	if _, err := os.Stat(configPath); err == nil {
		file, err := ini.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
		if err := file.Section("server").MapTo(&cfg.Server); err != nil {
			return nil, err
		}
		if err := file.Section("auth").MapTo(&cfg.Auth); err != nil {
			return nil, err
		}
		if err := file.Section("database").MapTo(&cfg.Database); err != nil {
			return nil, err
		}
		if err := file.Section("redis").MapTo(&cfg.Redis); err != nil {
			return nil, err
		}
		if err := file.Section("collaborators").MapTo(&cfg.Collab); err != nil {
			return nil, err
		}
		if err := file.Section("gateway").MapTo(&cfg.Gateway); err != nil {
			return nil, err
		}
		if err := file.Section("federation").MapTo(&cfg.Federation); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create data dir: %w", err)
		}
	}

	nodeID, err := buildNodeID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.NodeID = nodeID

	return &cfg, nil
}

// applyEnvOverrides maps the recognized environment variables onto the
// Config fields they override.
func applyEnvOverrides(cfg *Config) {
	str := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(env string, dst *int) {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("NEXUS_SERVER_HOST", &cfg.Server.Host)
	num("NEXUS_SERVER_PORT", &cfg.Server.Port)
	num("NEXUS_GATEWAY_PORT", &cfg.Server.GatewayPort)
	num("NEXUS_FEDERATION_PORT", &cfg.Server.FederationPort)
	str("NEXUS_SERVER_NAME", &cfg.Server.Name)
	str("NEXUS_JWT_SECRET", &cfg.Auth.JWTSecret)
	num("NEXUS_JWT_EXPIRY_SECS", &cfg.Auth.JWTExpirySecs)
	num("NEXUS_REFRESH_EXPIRY_SECS", &cfg.Auth.RefreshExpirySecs)
	str("NEXUS_DATABASE_URL", &cfg.Database.URL)
	num("NEXUS_DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections)
	str("NEXUS_REDIS_URL", &cfg.Redis.URL)
	str("NEXUS_STORAGE_ENDPOINT", &cfg.Collab.StorageEndpoint)
	str("NEXUS_SEARCH_URL", &cfg.Collab.SearchURL)
	str("NEXUS_LOG_FILTER", &cfg.Server.LogFilter)
	num("NEXUS_HEARTBEAT_INTERVAL_MS", &cfg.Gateway.HeartbeatIntervalMS)
	num("NEXUS_SESSION_RESUME_WINDOW_SECS", &cfg.Gateway.SessionResumeWindowSec)
	num("NEXUS_FED_RETRY_MAX_SECS", &cfg.Federation.RetryMaxSecs)
}

// buildNodeID returns a cluster-unique, restart-stable node id, creating one
// on first run and caching it under dataDir/id.lock.
func buildNodeID(dataDir string) (string, error) {
	idFile := filepath.Join(dataDir, defaultIDName)
	if _, err := os.Stat(idFile); err != nil {
		id := fmt.Sprintf("%d", time.Now().UnixNano())
		if err := os.WriteFile(idFile, []byte(id), 0o644); err != nil {
			return "", err
		}
	}
	b, err := os.ReadFile(idFile)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
