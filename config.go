package main

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		Path          string        `yaml:"path"`
		Database      string        `yaml:"database"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		SessionMaxAge time.Duration `yaml:"session_max_age"`
	} `yaml:"storage"`
	API struct {
		Key string `yaml:"key"`
	} `yaml:"api"`
	Quota struct {
		InitialSpaceMB int64         `yaml:"initial_space_mb"`
		CacheTTL       time.Duration `yaml:"cache_ttl"`
	} `yaml:"quota"`
	Transcode struct {
		FFmpegPath     string `yaml:"ffmpeg_path"`
		SegmentSeconds int    `yaml:"segment_seconds"`
		ThumbnailWidth int    `yaml:"thumbnail_width"`
		Workers        int    `yaml:"workers"`
		QueueSize      int    `yaml:"queue_size"`
	} `yaml:"transcode"`
	Mirror struct {
		Enabled  bool   `yaml:"enabled"`
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"mirror"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
}

func LoadConfig() *Config {
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	config := defaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read config file, using defaults")
		return config
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		log.Warn().Err(err).Msg("Failed to parse config file, using defaults")
		return defaultConfig()
	}

	// Override API key from environment variable if set
	if envAPIKey := os.Getenv("VAULT_API_KEY"); envAPIKey != "" {
		config.API.Key = envAPIKey
	}

	applyDefaults(config)
	return config
}

func defaultConfig() *Config {
	config := &Config{}
	config.Server.Port = "8080"
	config.Storage.Path = "./storage"
	config.Storage.Database = "./storage.db"
	config.API.Key = os.Getenv("VAULT_API_KEY")
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
	if config.Storage.Path == "" {
		config.Storage.Path = "./storage"
	}
	if config.Storage.Database == "" {
		config.Storage.Database = "./storage.db"
	}
	if config.Storage.SweepInterval <= 0 {
		config.Storage.SweepInterval = time.Hour
	}
	if config.Storage.SessionMaxAge <= 0 {
		config.Storage.SessionMaxAge = 24 * time.Hour
	}
	if config.Quota.InitialSpaceMB <= 0 {
		config.Quota.InitialSpaceMB = 5 * 1024 // 5GB per new user
	}
	if config.Quota.CacheTTL <= 0 {
		config.Quota.CacheTTL = 24 * time.Hour
	}
	if config.Transcode.FFmpegPath == "" {
		config.Transcode.FFmpegPath = "ffmpeg"
	}
	if config.Transcode.SegmentSeconds <= 0 {
		config.Transcode.SegmentSeconds = 30
	}
	if config.Transcode.ThumbnailWidth <= 0 {
		config.Transcode.ThumbnailWidth = 150
	}
	if config.Transcode.Workers <= 0 {
		config.Transcode.Workers = 4
	}
	if config.Transcode.QueueSize <= 0 {
		config.Transcode.QueueSize = 256
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
}
