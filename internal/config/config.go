package config

import (
	"fmt"
	"os"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file
func Load(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg models.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// LoadOrDefault loads config from file or returns default config
func LoadOrDefault(path string) *models.Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = &models.Config{}
		applyDefaults(cfg)
	}
	return cfg
}

func applyDefaults(cfg *models.Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/fleet.db"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Gateway.URL == "" {
		cfg.Gateway.URL = "http://localhost:3000"
	}

	if cfg.Sync.IntervalSeconds == 0 {
		cfg.Sync.IntervalSeconds = 900 // 15 minutes
	}

	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 2
	}

	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = 64
	}

	if cfg.Jobs.MaxTries == 0 {
		cfg.Jobs.MaxTries = 3
	}

	if cfg.Jobs.BackoffSeconds == 0 {
		cfg.Jobs.BackoffSeconds = 60
	}

	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = 30
	}

	for i := range cfg.Connections {
		if cfg.Connections[i].Environment == "" {
			cfg.Connections[i].Environment = models.EnvProduction
		}
		if cfg.Connections[i].TimeoutSeconds == 0 {
			cfg.Connections[i].TimeoutSeconds = 30
		}
		if cfg.Connections[i].MaxRequestsPerMinute == 0 {
			cfg.Connections[i].MaxRequestsPerMinute = 60
		}
	}
}
