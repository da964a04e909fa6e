package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "snacpub"
const ConfigFileName = "config.yaml"
const EnvPrefix = "SNACPUB_"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                   string `yaml:"host"`
		Prefix                 string `yaml:"prefix"`
		Address                string `yaml:"address"`
		Port                   int    `yaml:"port"`
		DbPath                 string `yaml:"dbPath"`
		QueueRetryMinutes      int    `yaml:"queueRetryMinutes"`
		QueueRetryMax          int    `yaml:"queueRetryMax"`
		QueuePollSeconds       int    `yaml:"queuePollSeconds"`
		MaxTimelineEntries     int    `yaml:"maxTimelineEntries"`
		TimelinePurgeDays      int    `yaml:"timelinePurgeDays"`
		ActorCacheHours        int    `yaml:"actorCacheHours"`
		ActorCacheSize         int    `yaml:"actorCacheSize"`
		ThreadMaxDepth         int    `yaml:"threadMaxDepth"`
		OutboundTimeoutSeconds int    `yaml:"outboundTimeoutSeconds"`
		OutboundWorkers        int    `yaml:"outboundWorkers"`
		StrictSignatures       bool   `yaml:"strictSignatures"`
		DebugLevel             int    `yaml:"debugLevel"`
	} `yaml:"conf"`
}

// Defaults returns a configuration with every key set to its declared default.
func Defaults() *AppConfig {
	c := &AppConfig{}
	c.Conf.Host = "localhost"
	c.Conf.Prefix = ""
	c.Conf.Address = "0.0.0.0"
	c.Conf.Port = 8001
	c.Conf.DbPath = "database.db"
	c.Conf.QueueRetryMinutes = 2
	c.Conf.QueueRetryMax = 10
	c.Conf.QueuePollSeconds = 3
	c.Conf.MaxTimelineEntries = 256
	c.Conf.TimelinePurgeDays = 120
	c.Conf.ActorCacheHours = 36
	c.Conf.ActorCacheSize = 1024
	c.Conf.ThreadMaxDepth = 64
	c.Conf.OutboundTimeoutSeconds = 10
	c.Conf.OutboundWorkers = 8
	c.Conf.StrictSignatures = true
	c.Conf.DebugLevel = 0
	return c
}

func ReadConf() (*AppConfig, error) {

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	return ParseConf(buf)
}

// ParseConf applies yaml content and then SNACPUB_* environment overrides on
// top of the defaults. Keys absent from the yaml keep their default.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := Defaults()

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envString(&c.Conf.Host, "HOST")
	envString(&c.Conf.Prefix, "PREFIX")
	envString(&c.Conf.Address, "ADDRESS")
	envInt(&c.Conf.Port, "PORT")
	envString(&c.Conf.DbPath, "DBPATH")
	envInt(&c.Conf.QueueRetryMinutes, "QUEUE_RETRY_MINUTES")
	envInt(&c.Conf.QueueRetryMax, "QUEUE_RETRY_MAX")
	envInt(&c.Conf.QueuePollSeconds, "QUEUE_POLL_SECONDS")
	envInt(&c.Conf.MaxTimelineEntries, "MAX_TIMELINE_ENTRIES")
	envInt(&c.Conf.TimelinePurgeDays, "TIMELINE_PURGE_DAYS")
	envInt(&c.Conf.ActorCacheHours, "ACTOR_CACHE_HOURS")
	envInt(&c.Conf.ActorCacheSize, "ACTOR_CACHE_SIZE")
	envInt(&c.Conf.ThreadMaxDepth, "THREAD_MAX_DEPTH")
	envInt(&c.Conf.OutboundTimeoutSeconds, "OUTBOUND_TIMEOUT_SECONDS")
	envInt(&c.Conf.OutboundWorkers, "OUTBOUND_WORKERS")
	envInt(&c.Conf.DebugLevel, "DEBUG")

	if v := os.Getenv(EnvPrefix + "STRICT_SIGNATURES"); v != "" {
		c.Conf.StrictSignatures = v == "true"
	}

	c.Conf.Prefix = strings.TrimRight(c.Conf.Prefix, "/")

	return c, nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

// envInt keeps the current value when the variable does not parse.
func envInt(dst *int, key string) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Config: ignoring %s%s=%q: %v", EnvPrefix, key, v, err)
		return
	}
	*dst = n
}

// BaseURL is the public root every local actor URL hangs off.
func (c *AppConfig) BaseURL() string {
	return "https://" + c.Conf.Host + c.Conf.Prefix
}

func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Conf.Address, c.Conf.Port)
}

func (c *AppConfig) RetryUnit() time.Duration {
	return time.Duration(c.Conf.QueueRetryMinutes) * time.Minute
}

func (c *AppConfig) PollInterval() time.Duration {
	return time.Duration(c.Conf.QueuePollSeconds) * time.Second
}

func (c *AppConfig) ActorCacheTTL() time.Duration {
	return time.Duration(c.Conf.ActorCacheHours) * time.Hour
}

func (c *AppConfig) OutboundTimeout() time.Duration {
	return time.Duration(c.Conf.OutboundTimeoutSeconds) * time.Second
}

func (c *AppConfig) PurgeHorizon() time.Duration {
	return time.Duration(c.Conf.TimelinePurgeDays) * 24 * time.Hour
}
