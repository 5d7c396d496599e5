package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb" envPrefix:"DYNAMODB_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	AWS       AWSConfig       `yaml:"aws" envPrefix:"AWS_"`
	Blob      BlobConfig      `yaml:"blob" envPrefix:"BLOB_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	JWT       JWTConfig       `yaml:"jwt" envPrefix:"JWT_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Push      PushConfig      `yaml:"push" envPrefix:"PUSH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	Host           string   `yaml:"host" env:"HOST"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// StoreConfig selects the document store backend and change feed
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER" validate:"oneof=memory postgres dynamodb"`
	Feed   string `yaml:"feed" env:"FEED" validate:"oneof=local postgres redis"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"dbname" env:"NAME"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`
	Channel  string `yaml:"channel" env:"CHANNEL"`
}

// DynamoDBConfig holds DynamoDB document table settings
type DynamoDBConfig struct {
	Table       string `yaml:"table" env:"TABLE"`
	CreateTable bool   `yaml:"create_table" env:"CREATE_TABLE"`
}

// RedisConfig holds the change feed connection
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Channel  string `yaml:"channel" env:"CHANNEL"`
}

// AWSConfig holds AWS configuration
type AWSConfig struct {
	Region    string `yaml:"region" env:"REGION"`
	S3Bucket  string `yaml:"s3_bucket" env:"S3_BUCKET"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY_ID"`
	SecretKey string `yaml:"secret_key" env:"SECRET_ACCESS_KEY"`
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT_URL"`
}

// BlobConfig holds photo blob storage settings
type BlobConfig struct {
	Driver        string        `yaml:"driver" env:"DRIVER" validate:"oneof=fs s3"`
	Dir           string        `yaml:"dir" env:"DIR"`
	PublicBaseURL string        `yaml:"public_base_url" env:"PUBLIC_BASE_URL"`
	URLTTL        time.Duration `yaml:"url_ttl" env:"URL_TTL"`
}

// CacheConfig holds the local media cache used by the sync worker
type CacheConfig struct {
	Dir          string        `yaml:"dir" env:"DIR"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	BrokenSize   int           `yaml:"broken_size" env:"BROKEN_SIZE"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string `yaml:"secret" env:"SECRET" validate:"required,min=16"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=console json"`
}

// PushConfig selects the push notification driver
type PushConfig struct {
	Driver string     `yaml:"driver" env:"DRIVER" validate:"oneof=none apns sns"`
	APNs   APNsConfig `yaml:"apns" envPrefix:"APNS_"`
}

// APNsConfig holds token-based APNs credentials
type APNsConfig struct {
	KeyFile    string `yaml:"key_file" env:"KEY_FILE"`
	KeyID      string `yaml:"key_id" env:"KEY_ID"`
	TeamID     string `yaml:"team_id" env:"TEAM_ID"`
	Topic      string `yaml:"topic" env:"TOPIC"`
	Production bool   `yaml:"production" env:"PRODUCTION"`
}

// RateLimitConfig bounds pair join attempts per client
type RateLimitConfig struct {
	JoinRPS   float64 `yaml:"join_rps" env:"JOIN_RPS" validate:"gt=0"`
	JoinBurst int     `yaml:"join_burst" env:"JOIN_BURST" validate:"min=1"`
}

// Defaults returns the values used for every setting left empty
func Defaults() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, Host: "0.0.0.0", AllowedOrigins: []string{"*"}},
		Store:    StoreConfig{Driver: "memory", Feed: "local"},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, SSLMode: "disable", Channel: "docstore_changes"},
		DynamoDB: DynamoDBConfig{Table: "documents"},
		Redis:    RedisConfig{Addr: "localhost:6379", Channel: "docstore_changes"},
		AWS:      AWSConfig{Region: "us-east-1"},
		Blob:     BlobConfig{Driver: "fs", Dir: "data/blobs", URLTTL: time.Hour},
		Cache:    CacheConfig{Dir: "data/media", FetchTimeout: 30 * time.Second, BrokenSize: 1024},
		Log:      LogConfig{Level: "info", Format: "console"},
		Push:     PushConfig{Driver: "none"},
		RateLimit: RateLimitConfig{
			JoinRPS:   1,
			JoinBurst: 5,
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides (a .env file is honoured) and defaults
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var fileCfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := mergo.Merge(&cfg, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to merge config file: %w", err)
	}
	if err := mergo.Merge(&cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the assembled configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Feed == "postgres" && c.Store.Driver != "postgres" {
		return errors.New("invalid config: postgres feed requires the postgres store driver")
	}
	if c.Blob.Driver == "s3" && c.AWS.S3Bucket == "" {
		return errors.New("invalid config: s3 blob driver requires aws.s3_bucket")
	}
	if c.Push.Driver == "apns" && (c.Push.APNs.KeyFile == "" || c.Push.APNs.Topic == "") {
		return errors.New("invalid config: apns push driver requires key_file and topic")
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
