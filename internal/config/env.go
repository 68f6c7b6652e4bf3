package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig holds runtime settings read from the environment.
type ServerConfig struct {
	Addr           string        `env:"READINESS_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath       string        `env:"READINESS_BASE_PATH" envDefault:"/v0"`
	JWTSecret      string        `env:"READINESS_JWT_SECRET"`
	LogLevel       string        `env:"READINESS_LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"READINESS_LOG_FORMAT" envDefault:"text"`
	AutosaveWindow time.Duration `env:"READINESS_AUTOSAVE_WINDOW" envDefault:"1500ms"`
	MaxUploadBytes int64         `env:"READINESS_MAX_UPLOAD_BYTES" envDefault:"33554432"`
	// Unauthenticated X-Actor-Id access, for local use behind a trusted proxy.
	AllowLegacyActorHeader bool `env:"READINESS_ALLOW_LEGACY_ACTOR_HEADER" envDefault:"false"`
	AllowDevLogin          bool `env:"READINESS_ALLOW_DEV_LOGIN" envDefault:"false"`
	Storage                StorageConfig
}

// StorageConfig selects where evidence documents are kept.
type StorageConfig struct {
	Backend    string        `env:"READINESS_STORAGE" envDefault:"fs"`
	Dir        string        `env:"READINESS_STORAGE_DIR"`
	PublicURL  string        `env:"READINESS_STORAGE_PUBLIC_URL"`
	Endpoint   string        `env:"READINESS_MINIO_ENDPOINT"`
	AccessKey  string        `env:"READINESS_MINIO_ACCESS_KEY"`
	SecretKey  string        `env:"READINESS_MINIO_SECRET_KEY"`
	Bucket     string        `env:"READINESS_MINIO_BUCKET" envDefault:"readiness-evidence"`
	UseSSL     bool          `env:"READINESS_MINIO_USE_SSL" envDefault:"false"`
	PresignTTL time.Duration `env:"READINESS_MINIO_PRESIGN_TTL" envDefault:"1h"`
}

// LoadServer parses ServerConfig from the environment.
func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	switch c.Storage.Backend {
	case "fs":
	case "minio":
		if c.Storage.Endpoint == "" || c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("minio storage requires READINESS_MINIO_ENDPOINT, READINESS_MINIO_ACCESS_KEY and READINESS_MINIO_SECRET_KEY")
		}
	default:
		return fmt.Errorf("READINESS_STORAGE must be fs or minio, got %q", c.Storage.Backend)
	}
	if c.AllowDevLogin && c.JWTSecret == "" {
		return fmt.Errorf("READINESS_ALLOW_DEV_LOGIN requires READINESS_JWT_SECRET")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("READINESS_MAX_UPLOAD_BYTES must be positive")
	}
	if c.AutosaveWindow <= 0 {
		return fmt.Errorf("READINESS_AUTOSAVE_WINDOW must be positive")
	}
	return nil
}
