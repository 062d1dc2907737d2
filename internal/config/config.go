package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config recognizes the keys named in SPEC_FULL.md §6: sqlalchemy.url
// (DatabaseConfig.URL), mq.url (RabbitMQConfig.URL), and max_processes
// (JudgeConfig.MaxProcesses), layered the way the teacher layers YAML
// under environment overrides.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Judge    JudgeConfig    `yaml:"judge"`
	Docker   DockerConfig   `yaml:"docker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// MetricsConfig exposes the Prometheus registry over plain HTTP; this
// process otherwise never listens on a port (the HTTP API is out of
// scope, spec §1).
type MetricsConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RabbitMQConfig struct {
	URL           string `yaml:"url"`
	QueueName     string `yaml:"queue_name"`
	EventExchange string `yaml:"event_exchange"`
	DeadLetter    string `yaml:"dead_letter_exchange"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// MinIOConfig backs the supplementary compiled-binary artifact cache
// (SPEC_FULL.md §11) — additive to, not a replacement for, the relational
// byte-column storage §3 mandates.
type MinIOConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	BucketName string `yaml:"bucket_name"`
	UseSSL     bool   `yaml:"use_ssl"`
	Enabled    bool   `yaml:"enabled"`
}

type JudgeConfig struct {
	// MaxProcesses is spec §6's max_processes: 0 or missing means the
	// number of available CPUs.
	MaxProcesses      int           `yaml:"max_processes"`
	CompileMemoryMb   int           `yaml:"compile_memory_mb"`
	CompileTimeoutSec int           `yaml:"compile_timeout_sec"`
	TestPidsLimit     int           `yaml:"test_pids_limit"`
	OutputLimitMb     int           `yaml:"output_limit_mb"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type DockerConfig struct {
	Host string `yaml:"host"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadFromYAML(cfg); err != nil {
		return nil, err
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromYAML(cfg *Config) error {
	configFile := "config.yaml"
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func loadFromEnv(cfg *Config) error {
	// sqlalchemy.url in the original; DATABASE_URL here.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}

	// mq.url in the original; RABBITMQ_URL here.
	if rabbitURL := os.Getenv("RABBITMQ_URL"); rabbitURL != "" {
		cfg.RabbitMQ.URL = rabbitURL
	}

	if queueName := os.Getenv("RABBITMQ_QUEUE_NAME"); queueName != "" {
		cfg.RabbitMQ.QueueName = queueName
	}
	if cfg.RabbitMQ.QueueName == "" {
		cfg.RabbitMQ.QueueName = "judge_queue"
	}
	if cfg.RabbitMQ.DeadLetter == "" {
		cfg.RabbitMQ.DeadLetter = "judge.failed"
	}
	if cfg.RabbitMQ.EventExchange == "" {
		cfg.RabbitMQ.EventExchange = "judge.events"
	}

	if prefetchCount := os.Getenv("RABBITMQ_PREFETCH_COUNT"); prefetchCount != "" {
		if count, err := strconv.Atoi(prefetchCount); err == nil {
			cfg.RabbitMQ.PrefetchCount = count
		}
	}

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		cfg.MinIO.Endpoint = endpoint
	}
	if accessKey := os.Getenv("MINIO_ACCESS_KEY"); accessKey != "" {
		cfg.MinIO.AccessKey = accessKey
	}
	if secretKey := os.Getenv("MINIO_SECRET_KEY"); secretKey != "" {
		cfg.MinIO.SecretKey = secretKey
	}
	if bucketName := os.Getenv("MINIO_BUCKET_NAME"); bucketName != "" {
		cfg.MinIO.BucketName = bucketName
	}
	if cfg.MinIO.BucketName == "" {
		cfg.MinIO.BucketName = "judge-artifacts"
	}
	if useSSL := os.Getenv("MINIO_USE_SSL"); useSSL != "" {
		if ssl, err := strconv.ParseBool(useSSL); err == nil {
			cfg.MinIO.UseSSL = ssl
		}
	}
	if enabled := os.Getenv("MINIO_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			cfg.MinIO.Enabled = v
		}
	}

	// max_processes: 0 or missing -> number of available CPUs (spec §6).
	if maxProcesses := os.Getenv("MAX_PROCESSES"); maxProcesses != "" {
		if count, err := strconv.Atoi(maxProcesses); err == nil {
			cfg.Judge.MaxProcesses = count
		}
	}
	if cfg.Judge.MaxProcesses <= 0 {
		cfg.Judge.MaxProcesses = runtime.NumCPU()
	}
	// Prefetch defaults to the Executor pool size (spec §4.1).
	if cfg.RabbitMQ.PrefetchCount <= 0 {
		cfg.RabbitMQ.PrefetchCount = cfg.Judge.MaxProcesses
	}

	if cfg.Judge.CompileMemoryMb == 0 {
		cfg.Judge.CompileMemoryMb = 1024 // 1 GiB, spec §4.4.
	}
	if cfg.Judge.CompileTimeoutSec == 0 {
		cfg.Judge.CompileTimeoutSec = 60 // agent-enforced cap, spec §4.4.
	}
	if cfg.Judge.TestPidsLimit == 0 {
		cfg.Judge.TestPidsLimit = 20 // spec §4.4.
	}
	if cfg.Judge.OutputLimitMb == 0 {
		cfg.Judge.OutputLimitMb = 16 // spec §4.4 Preparation.output_limit.
	}
	if cfg.Judge.HeartbeatInterval == 0 {
		cfg.Judge.HeartbeatInterval = 60 * time.Second // T_h, spec §4.6.
	}

	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		cfg.Docker.Host = dockerHost
	}

	if port := os.Getenv("METRICS_PORT"); port != "" {
		cfg.Metrics.Port = port
	}
	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = "9090"
	}

	return nil
}
