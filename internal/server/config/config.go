package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server runtime configuration, loaded from yaml.
type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`

	// JWTSecret signs bearer tokens; must be at least 32 bytes.
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpiryHours int    `yaml:"token_expiry_hours"`

	// Territories is the catalog of known floor-sets. Requests naming a
	// territory outside this list are rejected, not faulted.
	Territories []Territory `yaml:"territories"`

	// StatisticsAccounts lists account ids granted the statistics role
	// on top of plain read/write access.
	StatisticsAccounts []string `yaml:"statistics_accounts"`

	// MaxMarkersPerUpload bounds a single upload batch.
	MaxMarkersPerUpload int `yaml:"max_markers_per_upload"`
}

type Territory struct {
	Type uint16 `yaml:"type"`
	Name string `yaml:"name"`
}

func Defaults() Config {
	return Config{
		Addr:                ":8080",
		DBPath:              "./data/atlas.db",
		TokenExpiryHours:    24 * 30,
		MaxMarkersPerUpload: 100,
	}
}

func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("server.yaml: %w", err)
	}
	if c.MaxMarkersPerUpload <= 0 {
		c.MaxMarkersPerUpload = 100
	}
	return c, nil
}

// KnownTerritory reports whether the catalog contains the territory.
func (c *Config) KnownTerritory(territoryType uint16) bool {
	for _, t := range c.Territories {
		if t.Type == territoryType {
			return true
		}
	}
	return false
}
