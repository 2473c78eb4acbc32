package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Reply       ReplyConfig               `json:"reply"`
}

type BasicConfig struct {
	ServerAddress        string `json:"server_address"`
	FileBaseDir          string `json:"file_base_dir"`
	UploadTTLMinutes     int    `json:"upload_ttl_minutes"`
	CleanIntervalMinutes int    `json:"clean_interval_minutes"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Disabled bool   `json:"disabled"`
}

// ReplyConfig selects the provider backing the companion replies.
type ReplyConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	SystemPrompt string `json:"system_prompt"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if sqlite, ok := cfg.Databases["sqlite3"]; ok && sqlite.DSN != "" && sqlite.DSN != ":memory:" {
		if !filepath.IsAbs(sqlite.DSN) {
			sqlite.DSN = filepath.Join(filepath.Dir(absPath), sqlite.DSN)
			cfg.Databases["sqlite3"] = sqlite
		}
	}

	return &cfg, nil
}
