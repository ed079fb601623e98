package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Batch selects one course to archive.
type Batch struct {
	ID   string `yaml:"id"`
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel string `yaml:"logLevel"`
	ServerID string `yaml:"serverId"`

	DatabaseURL       string `yaml:"databaseURL"`
	FallbackCachePath string `yaml:"fallbackCachePath"`

	DownloadDir             string   `yaml:"downloadDir"`
	DownloadCommand         string   `yaml:"downloadCommand"`
	DownloadArgs            []string `yaml:"downloadArgs"`
	QueueSize               int      `yaml:"queueSize"`
	DownloadWorkers         int      `yaml:"downloadWorkers"`
	UploadWorkers           int      `yaml:"uploadWorkers"`
	LeaseTTLMinutes         int      `yaml:"leaseTtlMinutes"`
	MaxRetries              int      `yaml:"maxRetries"`
	RetryBaseDelaySeconds   int      `yaml:"retryBaseDelaySeconds"`
	OperationTimeoutSeconds int      `yaml:"operationTimeoutSeconds"`
	DeleteAfterUpload       bool     `yaml:"deleteAfterUpload"`
	ForceReupload           bool     `yaml:"forceReupload"`

	TelegramToken   string `yaml:"telegramToken"`
	TelegramChatID  string `yaml:"telegramChatId"`
	TelegramBaseURL string `yaml:"telegramBaseURL"`
	TelegramAsVideo bool   `yaml:"telegramAsVideo"`
	SendsPerMinute  int    `yaml:"sendsPerMinute"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	QueueStream   string `yaml:"queueStream"`
	QueueGroup    string `yaml:"queueGroup"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioPrefix    string `yaml:"minioPrefix"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	Batches []Batch `yaml:"batches"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("VAULT_SERVER_ID"); v != "" {
		cfg.ServerID = v
	}
	if v := os.Getenv("VAULT_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("VAULT_FALLBACK_CACHE_PATH"); v != "" {
		cfg.FallbackCachePath = v
	}
	if v := os.Getenv("VAULT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueSize = n
		}
	}
	if v := os.Getenv("VAULT_DOWNLOAD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DownloadWorkers = n
		}
	}
	if v := os.Getenv("VAULT_UPLOAD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadWorkers = n
		}
	}
	if v := os.Getenv("VAULT_LEASE_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseTTLMinutes = n
		}
	}
	if v := os.Getenv("VAULT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("VAULT_OPERATION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OperationTimeoutSeconds = n
		}
	}
	if v := os.Getenv("VAULT_DELETE_AFTER_UPLOAD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DeleteAfterUpload = b
		}
	}
	if v := os.Getenv("VAULT_FORCE_REUPLOAD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ForceReupload = b
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.TelegramChatID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("VAULT_QUEUE_STREAM"); v != "" {
		cfg.QueueStream = v
	}
	if v := os.Getenv("VAULT_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return errors.New("config: telegramToken is required (set in config.yaml or TELEGRAM_BOT_TOKEN)")
	}
	if strings.TrimSpace(cfg.TelegramChatID) == "" {
		return errors.New("config: telegramChatId is required (set in config.yaml or TELEGRAM_CHAT_ID)")
	}
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		return errors.New("config: downloadDir is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.DownloadCommand) == "" {
		return errors.New("config: downloadCommand is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" && cfg.FallbackCachePath == "" {
		return errors.New("config: one of databaseURL or fallbackCachePath is required")
	}
	if cfg.QueueSize < 0 {
		return errors.New("config: queueSize must be >= 0")
	}
	if cfg.DownloadWorkers < 0 || cfg.UploadWorkers < 0 {
		return errors.New("config: worker counts must be >= 0")
	}
	if cfg.LeaseTTLMinutes < 0 {
		return errors.New("config: leaseTtlMinutes must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: maxRetries must be >= 0")
	}
	if cfg.OperationTimeoutSeconds < 0 {
		return errors.New("config: operationTimeoutSeconds must be >= 0")
	}
	if cfg.SendsPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: sendsPerMinute requires redisAddr")
	}
	if cfg.MinioEndpoint != "" {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio backup requires minioAccessKey, minioSecretKey and minioBucket")
		}
	}
	return nil
}
