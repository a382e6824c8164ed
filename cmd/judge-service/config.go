package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ojudge/internal/common/cache"
	"ojudge/internal/common/db"
	"ojudge/internal/common/mq"
	"ojudge/internal/common/storage"
	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/language"
	"ojudge/internal/judge/orchestrator"
	"ojudge/internal/judge/service"
	"ojudge/internal/judge/sqlrunner"
	"ojudge/internal/judge/task"
	"ojudge/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	backendHost      = "host"
	backendContainer = "container"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings. Without brokers the service judges in-process.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`

	Topics        service.Topics `yaml:"topics"`
	TopicWeights  map[string]int `yaml:"topicWeights"`
	ConsumerGroup string         `yaml:"consumerGroup"`
	InstanceID    string         `yaml:"instanceID"`
	PrefetchCount int            `yaml:"prefetchCount"`
	Concurrency   int            `yaml:"concurrency"`
	MaxRetries    int            `yaml:"maxRetries"`
	RetryDelay    time.Duration  `yaml:"retryDelay"`
	MessageTTL    time.Duration  `yaml:"messageTTL"`
	PoolRetryMax  int            `yaml:"poolRetryMax"`
	PoolRetryBase time.Duration  `yaml:"poolRetryBaseDelay"`
	PoolRetryMaxD time.Duration  `yaml:"poolRetryMaxDelay"`
}

// Enabled reports whether Kafka is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// ObjectStorageConfig selects MinIO or a local directory for packs, sources and artifacts.
type ObjectStorageConfig struct {
	MinIO     storage.MinIOConfig `yaml:"minio"`
	LocalRoot string              `yaml:"localRoot"`
}

// TaskConfig selects where test data comes from.
type TaskConfig struct {
	// Root is a directory of plain task directories. Used when Pack.Bucket is empty.
	Root string          `yaml:"root"`
	Pack task.PackConfig `yaml:"pack"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	PoolSize       int           `yaml:"poolSize"`
	MaxPending     int           `yaml:"maxPending"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	Timeout        time.Duration `yaml:"timeout"`
}

// SourceConfig holds settings for sources uploaded to object storage.
type SourceConfig struct {
	Bucket   string `yaml:"bucket"`
	MaxBytes int64  `yaml:"maxBytes"`
}

// StatusConfig holds status persistence settings.
type StatusConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	Timeout    time.Duration `yaml:"timeout"`
	Migrate    bool          `yaml:"migrate"`
	FinalTopic string        `yaml:"finalTopic"`
}

// ArtifactConfig holds diagnostic artifact settings.
type ArtifactConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// JudgeConfig holds judging settings.
type JudgeConfig struct {
	WorkRoot     string                   `yaml:"workRoot"`
	Backend      string                   `yaml:"backend"`
	Host         executor.HostConfig      `yaml:"host"`
	Container    executor.ContainerConfig `yaml:"container"`
	Orchestrator orchestrator.Config      `yaml:"orchestrator"`
	SQL          sqlrunner.Config         `yaml:"sql"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Kafka     KafkaConfig         `yaml:"kafka"`
	Database  db.MySQLConfig      `yaml:"database"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	Storage   ObjectStorageConfig `yaml:"storage"`
	Tasks     TaskConfig          `yaml:"tasks"`
	Worker    WorkerConfig        `yaml:"worker"`
	Source    SourceConfig        `yaml:"source"`
	Status    StatusConfig        `yaml:"status"`
	Artifacts ArtifactConfig      `yaml:"artifacts"`
	Judge     JudgeConfig         `yaml:"judge"`
	Languages []language.Spec     `yaml:"languages"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.Judge.WorkRoot == "" {
		return fmt.Errorf("judge workRoot is required")
	}
	if cfg.Tasks.Root == "" && cfg.Tasks.Pack.Bucket == "" {
		return fmt.Errorf("tasks root or tasks pack bucket is required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	switch cfg.Judge.Backend {
	case "":
		cfg.Judge.Backend = backendHost
	case backendHost, backendContainer:
	default:
		return fmt.Errorf("unknown judge backend %q", cfg.Judge.Backend)
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 1
	}
	if cfg.Source.Bucket == "" {
		cfg.Source.Bucket = "sources"
	}
	if cfg.Artifacts.Bucket == "" {
		cfg.Artifacts.Bucket = "artifacts"
	}
	if cfg.Kafka.Enabled() {
		if cfg.Kafka.Topics.Judge == "" {
			cfg.Kafka.Topics.Judge = "judge.request"
		}
		if cfg.Kafka.Topics.Retry == "" {
			cfg.Kafka.Topics.Retry = "judge.retry"
		}
		if cfg.Kafka.Topics.Cancel == "" {
			cfg.Kafka.Topics.Cancel = "judge.cancel"
		}
		if cfg.Kafka.Topics.Final == "" {
			cfg.Kafka.Topics.Final = "judge.status.final"
		}
		if cfg.Kafka.ConsumerGroup == "" {
			cfg.Kafka.ConsumerGroup = "ojudge-judge"
		}
		if cfg.Kafka.InstanceID == "" {
			host, _ := os.Hostname()
			cfg.Kafka.InstanceID = host
		}
		if cfg.Kafka.PoolRetryMax <= 0 {
			cfg.Kafka.PoolRetryMax = 5
		}
		if cfg.Kafka.PoolRetryBase == 0 {
			cfg.Kafka.PoolRetryBase = time.Second
		}
		if cfg.Kafka.PoolRetryMaxD == 0 {
			cfg.Kafka.PoolRetryMaxD = 30 * time.Second
		}
		if len(cfg.Kafka.TopicWeights) == 0 {
			cfg.Kafka.TopicWeights = defaultTopicWeights([]string{cfg.Kafka.Topics.Judge, cfg.Kafka.Topics.Retry})
		}
	}
	return nil
}

// defaultTopicWeights favours earlier topics: 8, 4, 2, then 1.
func defaultTopicWeights(topics []string) map[string]int {
	weights := []int{8, 4, 2, 1}
	out := make(map[string]int, len(topics))
	for i, topic := range topics {
		if topic == "" {
			continue
		}
		if i < len(weights) {
			out[topic] = weights[i]
			continue
		}
		out[topic] = 1
	}
	return out
}

func (k KafkaConfig) weightedTopics() ([]mq.WeightedTopic, error) {
	topics := []string{k.Topics.Judge, k.Topics.Retry}
	out := make([]mq.WeightedTopic, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		weight, ok := k.TopicWeights[topic]
		if !ok || weight <= 0 {
			return nil, fmt.Errorf("invalid weight for topic %s", topic)
		}
		out = append(out, mq.WeightedTopic{Topic: topic, Weight: weight})
	}
	return out, nil
}

func (k KafkaConfig) subscribeOptions(group string, fromLatest bool) *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   group,
		PrefetchCount:   k.PrefetchCount,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.Topics.DeadLetter,
		MessageTTL:      k.MessageTTL,
		FromLatest:      fromLatest,
	}
}
