package models

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v2"
)

const EnvProduction = "production"

type Config struct {
	Env       string          `yaml:"env" env:"APP_ENV"`
	Server    ServerConfig    `yaml:"server" envPrefix:"HTTP_"`
	Upload    UploadConfig    `yaml:"upload" envPrefix:"UPLOAD_"`
	Worker    WorkerConfig    `yaml:"worker" envPrefix:"WORKER_"`
	SignedURL SignedURLConfig `yaml:"signed_url" envPrefix:"SIGNED_URL_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DB_"`
	S3        S3Config        `yaml:"s3" envPrefix:"S3_"`
	Kafka     KafkaConfig     `yaml:"kafka" envPrefix:"KAFKA_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	RateLimit RateLimitConfig `yaml:"ratelimit" envPrefix:"RATELIMIT_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type UploadConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size" env:"MAX_FILE_SIZE"`
	MaxFiles          int      `yaml:"max_files" env:"MAX_FILES"`
	MaxDimension      int      `yaml:"max_dimension" env:"MAX_DIMENSION"`
	TempDir           string   `yaml:"temp_dir" env:"TEMP_DIR"`
	AllowedMIMETypes  []string `yaml:"allowed_mime_types" env:"ALLOWED_MIME_TYPES" envSeparator:","`
	DirectPersistence bool     `yaml:"direct_persistence" env:"DIRECT_PERSISTENCE"`
	InlinePayload     bool     `yaml:"inline_payload" env:"INLINE_PAYLOAD"`
}

type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency" env:"CONCURRENCY"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffBase   time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	Breakpoints   []int         `yaml:"breakpoints" env:"BREAKPOINTS" envSeparator:","`
	ThumbnailSize int           `yaml:"thumbnail_size" env:"THUMBNAIL_SIZE"`
	JPEGQuality   int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
	WebPQuality   int           `yaml:"webp_quality" env:"WEBP_QUALITY"`
	AVIFQuality   int           `yaml:"avif_quality" env:"AVIF_QUALITY"`
	WatermarkText string        `yaml:"watermark_text" env:"WATERMARK_TEXT"`
	StallTimeout  time.Duration `yaml:"stall_timeout" env:"STALL_TIMEOUT"`
	StallSweep    string        `yaml:"stall_sweep" env:"STALL_SWEEP"`
	MaxRequeues   int           `yaml:"max_requeues" env:"MAX_REQUEUES"`
}

type SignedURLConfig struct {
	ExpirySeconds int `yaml:"expiry_seconds" env:"EXPIRY_SECONDS"`
}

func (c SignedURLConfig) Expiry() time.Duration {
	return time.Duration(c.ExpirySeconds) * time.Second
}

type DatabaseConfig struct {
	Backend    string `yaml:"backend" env:"BACKEND"`
	URL        string `yaml:"url" env:"URL"`
	Host       string `yaml:"host" env:"HOST"`
	Port       int    `yaml:"port" env:"PORT"`
	User       string `yaml:"user" env:"USER"`
	Password   string `yaml:"password" env:"PASSWORD"`
	Name       string `yaml:"name" env:"NAME"`
	SSLMode    string `yaml:"sslmode" env:"SSLMODE"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	JobsTopic     string   `yaml:"jobs_topic" env:"JOBS_TOPIC"`
	EventsTopic   string   `yaml:"events_topic" env:"EVENTS_TOPIC"`
	GroupID       string   `yaml:"group_id" env:"GROUP_ID"`
	EventsGroupID string   `yaml:"events_group_id" env:"EVENTS_GROUP_ID"`
	MaxBytes      int      `yaml:"max_bytes" env:"MAX_BYTES"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type RateLimitConfig struct {
	Limit  int           `yaml:"limit" env:"LIMIT"`
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

func DefaultConfig() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Upload: UploadConfig{
			MaxFileSize:      10 << 20,
			MaxFiles:         10,
			MaxDimension:     10000,
			TempDir:          "./data/tmp",
			AllowedMIMETypes: []string{"image/jpeg", "image/png", "image/webp", "image/avif"},
			InlinePayload:    true,
		},
		Worker: WorkerConfig{
			Concurrency:   5,
			MaxAttempts:   3,
			BackoffBase:   2 * time.Second,
			Breakpoints:   []int{320, 640, 1024, 2048},
			ThumbnailSize: 200,
			JPEGQuality:   85,
			WebPQuality:   80,
			AVIFQuality:   60,
			StallTimeout:  5 * time.Minute,
			StallSweep:    "@every 1m",
			MaxRequeues:   1,
		},
		SignedURL: SignedURLConfig{ExpirySeconds: 3600},
		Database: DatabaseConfig{
			Port:       5432,
			SSLMode:    "disable",
			SQLitePath: "./data/images.db",
		},
		S3: S3Config{Bucket: "images", Region: "us-east-1"},
		Kafka: KafkaConfig{
			JobsTopic:     "image-jobs",
			EventsTopic:   "image-events",
			GroupID:       "image-workers",
			EventsGroupID: "image-gateway",
			MaxBytes:      32 << 20,
		},
		RateLimit: RateLimitConfig{Limit: 30, Window: time.Minute},
		Log:       LogConfig{Level: "info"},
	}
}

// LoadConfig reads the yaml file at path (a missing file is fine) and then
// applies environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("%s: %w", op, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%s: parse %s: %w", op, path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%s: env: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Upload.MaxFileSize <= 0:
		return errors.New("upload.max_file_size must be positive")
	case c.Upload.MaxFiles <= 0:
		return errors.New("upload.max_files must be positive")
	case c.Upload.MaxDimension <= 0:
		return errors.New("upload.max_dimension must be positive")
	case c.Worker.Concurrency <= 0:
		return errors.New("worker.concurrency must be positive")
	case c.Worker.MaxAttempts <= 0:
		return errors.New("worker.max_attempts must be positive")
	case c.Worker.ThumbnailSize <= 0:
		return errors.New("worker.thumbnail_size must be positive")
	case len(c.Worker.Breakpoints) == 0:
		return errors.New("worker.breakpoints must not be empty")
	case c.SignedURL.ExpirySeconds <= 0:
		return errors.New("signed_url.expiry_seconds must be positive")
	}
	for _, bp := range c.Worker.Breakpoints {
		if bp <= 0 {
			return fmt.Errorf("worker.breakpoints: invalid breakpoint %d", bp)
		}
	}
	sort.Ints(c.Worker.Breakpoints)
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}
