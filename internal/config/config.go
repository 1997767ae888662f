package config

import (
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env  string `mapstructure:"env"`
	Port int    `mapstructure:"port"`
}

type MongoConfig struct {
	URI string `mapstructure:"uri"`
	DB  string `mapstructure:"db"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	ChangelogTopic string   `mapstructure:"changelog_topic"`
	GroupID        string   `mapstructure:"group_id"`
}

type JWTConfig struct {
	HSSecret string `mapstructure:"hs_secret"`
}

type SyncConfig struct {
	RetryAttempts    int   `mapstructure:"retry_attempts"`
	RetryBaseMillis  int   `mapstructure:"retry_base_millis"`
	MaxContentBytes  int   `mapstructure:"max_content_bytes"`
	MaxImagesPerSend int   `mapstructure:"max_images_per_send"`
	MetricsPort      int   `mapstructure:"metrics_port"`
	WriteTimeoutSecs int64 `mapstructure:"write_timeout_seconds"`
}

type Config struct {
	App   AppConfig   `mapstructure:"app"`
	Mongo MongoConfig `mapstructure:"mongo"`
	Redis RedisConfig `mapstructure:"redis"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	JWT   JWTConfig   `mapstructure:"jwt"`
	Sync  SyncConfig  `mapstructure:"sync"`

	// derived
	RetryBase    time.Duration
	WriteTimeout time.Duration
}

// Load reads the config file at path (if any) with environment overrides and
// fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}

	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "convsync"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "convsync"
	}
	if c.Kafka.ChangelogTopic == "" {
		c.Kafka.ChangelogTopic = "convsync.changelog"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "convsync-relay"
	}
	if c.Sync.RetryAttempts == 0 {
		c.Sync.RetryAttempts = 3
	}
	if c.Sync.RetryBaseMillis == 0 {
		c.Sync.RetryBaseMillis = 250
	}
	if c.Sync.MaxContentBytes == 0 {
		c.Sync.MaxContentBytes = 65536
	}
	if c.Sync.MaxImagesPerSend == 0 {
		c.Sync.MaxImagesPerSend = 10
	}
	if c.Sync.MetricsPort == 0 {
		c.Sync.MetricsPort = 9090
	}
	if c.Sync.WriteTimeoutSecs == 0 {
		c.Sync.WriteTimeoutSecs = 10
	}
	c.RetryBase = time.Duration(c.Sync.RetryBaseMillis) * time.Millisecond
	c.WriteTimeout = time.Duration(c.Sync.WriteTimeoutSecs) * time.Second
	return &c, nil
}
