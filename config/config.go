package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StorageMinio = "minio"
	StorageS3    = "s3"
	StorageGCS   = "gcs"

	MQRabbitMQ = "rabbitmq"
	MQPubSub   = "pubsub"
)

type Config struct {
	ServerPort int            `env:"SERVER_PORT" envDefault:"8080"`
	Database   DatabaseConfig `envPrefix:"DB_"`
	Auth       AuthConfig
	Storage    StorageConfig
	MQ         MQConfig
	Log        LogConfig `envPrefix:"LOG_"`
}

type DatabaseConfig struct {
	Host         string        `env:"HOST" envDefault:"localhost"`
	Port         int           `env:"PORT" envDefault:"5432"`
	User         string        `env:"USER" envDefault:"accountdesk"`
	Password     string        `env:"PASSWORD" envDefault:"password"`
	DBName       string        `env:"NAME" envDefault:"accountdesk_db"`
	UseSSL       bool          `env:"USE_SSL" envDefault:"false"`
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT" envDefault:"5s"`
	MaxOpenConns int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
}

// AuthConfig holds session token settings. JWTSecret is read once at
// startup and never mutated afterwards.
type AuthConfig struct {
	JWTSecret          string `env:"JWT_SECRET,required"`
	CookieSecure       bool   `env:"COOKIE_SECURE" envDefault:"false"`
	RevealUnknownEmail bool   `env:"AUTH_REVEAL_UNKNOWN_EMAIL" envDefault:"false"`
}

type StorageConfig struct {
	Backend       string        `env:"STORAGE_BACKEND" envDefault:"minio"`
	UploadTimeout time.Duration `env:"STORAGE_UPLOAD_TIMEOUT" envDefault:"30s"`
	MaxUploadSize int64         `env:"STORAGE_MAX_UPLOAD_BYTES" envDefault:"10485760"`
	Minio         MinioConfig   `envPrefix:"MINIO_"`
	S3            S3Config      `envPrefix:"S3_"`
	GCS           GCSConfig     `envPrefix:"GCS_"`
}

type MinioConfig struct {
	Endpoint      string `env:"ENDPOINT"`
	AccessKey     string `env:"ACCESS_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	Bucket        string `env:"BUCKET" envDefault:"reports"`
	UseSSL        bool   `env:"USE_SSL" envDefault:"false"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
}

type S3Config struct {
	Region        string `env:"REGION" envDefault:"us-east-1"`
	AccessKey     string `env:"ACCESS_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	Bucket        string `env:"BUCKET"`
	BaseEndpoint  string `env:"BASE_ENDPOINT"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
}

type GCSConfig struct {
	Bucket          string `env:"BUCKET"`
	ProjectID       string `env:"PROJECT_ID"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
	PublicBaseURL   string `env:"PUBLIC_BASE_URL"`
}

// MQConfig selects the broker used for account events. An empty Backend
// disables publishing.
type MQConfig struct {
	Backend        string         `env:"MQ_BACKEND"`
	AccountChannel string         `env:"MQ_ACCOUNT_CHANNEL" envDefault:"account-events"`
	RabbitMQ       RabbitMQConfig `envPrefix:"RABBITMQ_"`
	PubSub         PubSubConfig   `envPrefix:"PUBSUB_"`
}

type RabbitMQConfig struct {
	URL             string `env:"URL"`
	QueueDurable    bool   `env:"QUEUE_DURABLE" envDefault:"true"`
	QueueAutoDelete bool   `env:"QUEUE_AUTO_DELETE" envDefault:"false"`
	PrefetchCount   int    `env:"PREFETCH_COUNT" envDefault:"10"`
}

type PubSubConfig struct {
	ProjectID          string        `env:"PROJECT_ID"`
	CredentialsFile    string        `env:"CREDENTIALS_FILE"`
	SubscriptionSuffix string        `env:"SUBSCRIPTION_SUFFIX" envDefault:"-sub"`
	AckDeadline        time.Duration `env:"ACK_DEADLINE" envDefault:"30s"`
	MaxOutstanding     int           `env:"MAX_OUTSTANDING" envDefault:"10"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from the environment. In dev mode a local
// .env file is loaded first.
func LoadConfig() (Config, error) {
	if os.Getenv("ENV") == "dev" {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Auth.JWTSecret = strings.TrimSpace(cfg.Auth.JWTSecret)
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.MQ.Backend = strings.ToLower(strings.TrimSpace(cfg.MQ.Backend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.ServerPort)
	}
	switch c.Storage.Backend {
	case StorageMinio, StorageS3, StorageGCS:
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Storage.Backend)
	}
	switch c.MQ.Backend {
	case "", MQRabbitMQ, MQPubSub:
	default:
		return fmt.Errorf("unsupported MQ_BACKEND %q", c.MQ.Backend)
	}
	if c.Storage.MaxUploadSize <= 0 {
		return errors.New("STORAGE_MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}
