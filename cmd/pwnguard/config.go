package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// Config holds the query-service's external configuration, loaded from
// a YAML or JSON file (detected by extension) via -c/--config.
type Config struct {
	originalFilepath string
	hashOfConfigFile string

	// Listen is the fasthttp query listener address.
	Listen string `json:"listen" yaml:"listen"`
	// MetricsListen is the net/http Prometheus listener address.
	MetricsListen string `json:"metrics_listen" yaml:"metrics_listen"`
}

const (
	DefaultListen        = ":8080"
	DefaultMetricsListen = ":9090"
)

// LoadConfig reads and parses the config file at configFilepath.
func LoadConfig(configFilepath string) (*Config, error) {
	var config Config
	if isJSONFile(configFilepath) {
		if err := loadFromJSON(configFilepath, &config); err != nil {
			return nil, err
		}
	} else if isYAMLFile(configFilepath) {
		if err := loadFromYAML(configFilepath, &config); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("config file %q must be JSON or YAML", configFilepath)
	}
	config.originalFilepath = configFilepath
	sum, err := hashFileSha256(configFilepath)
	if err != nil {
		return nil, fmt.Errorf("config file %q: %s", configFilepath, err.Error())
	}
	config.hashOfConfigFile = sum
	config.withDefaults()
	return &config, nil
}

func (c *Config) withDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MetricsListen == "" {
		c.MetricsListen = DefaultMetricsListen
	}
}

func (c *Config) ConfigFilepath() string {
	return c.originalFilepath
}

func (c *Config) HashOfConfigFile() string {
	return c.hashOfConfigFile
}

func hashFileSha256(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
