package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Database  DatabaseConfig     `mapstructure:"database"`
	Storage   StorageConfig      `mapstructure:"storage"`
	Qdrant    QdrantConfig       `mapstructure:"qdrant"`
	Pipeline  PipelineConfig     `mapstructure:"pipeline"`
	Queue     QueueConfig        `mapstructure:"queue"`
	Thumbnail ThumbnailConfig    `mapstructure:"thumbnail"`
	Embedding ModelServiceConfig `mapstructure:"embedding"`
	Quality   QualityConfig      `mapstructure:"quality"`
	Grouping  GroupingConfig     `mapstructure:"grouping"`
	Ingest    IngestConfig       `mapstructure:"ingest"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// DSN builds the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // local, s3, r2, s3compatible
	Root      string `mapstructure:"root"` // local only
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type QdrantConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Dimensions int    `mapstructure:"dimensions"`
}

type PipelineConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
	SweepOnStart   bool          `mapstructure:"sweep_on_start"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	SweepPageSize  int           `mapstructure:"sweep_page_size"`
}

type QueueConfig struct {
	Backend       string `mapstructure:"backend"` // memory, redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Name          string `mapstructure:"name"`
	Concurrency   int    `mapstructure:"concurrency"`
}

type ThumbnailConfig struct {
	Scale   int `mapstructure:"scale"`
	AspectW int `mapstructure:"aspect_w"`
	AspectH int `mapstructure:"aspect_h"`
	Quality int `mapstructure:"quality"`
}

type QualityConfig struct {
	ModelServiceConfig `mapstructure:",squash"`
	DefaultMetric      string `mapstructure:"default_metric"`
	Concurrency        int    `mapstructure:"concurrency"`
}

type GroupingConfig struct {
	Algorithm      string        `mapstructure:"algorithm"`
	Metric         string        `mapstructure:"metric"`
	MinClusterSize int           `mapstructure:"min_cluster_size"`
	MinSamples     int           `mapstructure:"min_samples"`
	Eps            float64       `mapstructure:"eps"`
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

type IngestConfig struct {
	MaxFileSize       int64    `mapstructure:"max_file_size"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	Workers           int      `mapstructure:"workers"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets come from the environment
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("queue.redis_addr", "REDIS_ADDR")
	v.BindEnv("queue.redis_password", "REDIS_PASSWORD")
	v.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")
	v.BindEnv("quality.api_key", "QUALITY_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Embedding.ResolveEnvVars()
	cfg.Quality.ResolveEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/pixal.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.root", "./data/assets")
	v.SetDefault("storage.bucket", "pixal")

	v.SetDefault("qdrant.enabled", false)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "images")
	v.SetDefault("qdrant.dimensions", 512)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.initial_backoff", 2*time.Second)
	v.SetDefault("pipeline.max_backoff", time.Minute)
	v.SetDefault("pipeline.stage_timeout", 2*time.Minute)
	v.SetDefault("pipeline.sweep_on_start", true)
	v.SetDefault("pipeline.sweep_schedule", "@every 10m")
	v.SetDefault("pipeline.sweep_page_size", 200)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.name", "pixal-stages")
	v.SetDefault("queue.concurrency", 4)

	v.SetDefault("thumbnail.scale", 150)
	v.SetDefault("thumbnail.aspect_w", 16)
	v.SetDefault("thumbnail.aspect_h", 9)
	v.SetDefault("thumbnail.quality", 85)

	v.SetDefault("embedding.base_url", "http://localhost:8001")
	v.SetDefault("embedding.model", "clip-vit-b-32")
	v.SetDefault("embedding.timeout", 60*time.Second)

	v.SetDefault("quality.base_url", "http://localhost:8002")
	v.SetDefault("quality.timeout", 120*time.Second)
	v.SetDefault("quality.default_metric", "liqe")
	v.SetDefault("quality.concurrency", 4)

	v.SetDefault("grouping.algorithm", "dbscan")
	v.SetDefault("grouping.metric", "cosine")
	v.SetDefault("grouping.min_cluster_size", 5)
	v.SetDefault("grouping.min_samples", 5)
	v.SetDefault("grouping.eps", 0.5)
	v.SetDefault("grouping.timeout", 5*time.Minute)
	v.SetDefault("grouping.max_attempts", 2)
	v.SetDefault("grouping.stale_after", 30*time.Minute)

	v.SetDefault("ingest.max_file_size", 10<<20)
	v.SetDefault("ingest.allowed_extensions", []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff"})
	v.SetDefault("ingest.workers", 4)
}

// Validate rejects unknown enumerations and non-positive sizes.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}
	switch c.Storage.Type {
	case "local", "s3", "r2", "s3compatible":
	default:
		return fmt.Errorf("storage: unknown type %q", c.Storage.Type)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue: unknown backend %q", c.Queue.Backend)
	}
	switch c.Grouping.Algorithm {
	case "dbscan", "hdbscan":
	default:
		return fmt.Errorf("grouping: unknown algorithm %q", c.Grouping.Algorithm)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline: workers must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline: max_attempts must be positive")
	}
	if c.Thumbnail.Scale <= 0 || c.Thumbnail.AspectW <= 0 || c.Thumbnail.AspectH <= 0 {
		return fmt.Errorf("thumbnail: scale and aspect must be positive")
	}
	if c.Ingest.MaxFileSize <= 0 {
		return fmt.Errorf("ingest: max_file_size must be positive")
	}
	return nil
}
