package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pairgrid/pairgrid/internal/store"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	NATS struct {
		URL             string `yaml:"url"`
		DocBucket       string `yaml:"doc_bucket"`
		EphBucket       string `yaml:"eph_bucket"`
		EphemeralTTLSec int    `yaml:"ephemeral_ttl_seconds"`
	} `yaml:"nats"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the yaml config file and applies environment overrides.
// A missing file is fine; everything has a default.
func loadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Server.Port = getEnv("PORT", defaultString(config.Server.Port, "8080"))
	config.NATS.URL = getEnv("NATS_URL", defaultString(config.NATS.URL, store.DefaultNATSConfig().URL))
	config.NATS.DocBucket = getEnv("NATS_DOC_BUCKET", defaultString(config.NATS.DocBucket, store.DefaultNATSConfig().DocBucket))
	config.NATS.EphBucket = getEnv("NATS_EPH_BUCKET", defaultString(config.NATS.EphBucket, store.DefaultNATSConfig().EphBucket))
	if config.NATS.EphemeralTTLSec == 0 {
		config.NATS.EphemeralTTLSec = int(store.DefaultNATSConfig().EphemeralTTL / time.Second)
	}
	config.NATS.EphemeralTTLSec = getEnvAsInt("NATS_EPHEMERAL_TTL_SECONDS", config.NATS.EphemeralTTLSec)

	return &config, nil
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func (c *Config) natsConfig() store.NATSConfig {
	natsConfig := store.DefaultNATSConfig()
	natsConfig.URL = c.NATS.URL
	natsConfig.DocBucket = c.NATS.DocBucket
	natsConfig.EphBucket = c.NATS.EphBucket
	natsConfig.EphemeralTTL = time.Duration(c.NATS.EphemeralTTLSec) * time.Second
	return natsConfig
}
