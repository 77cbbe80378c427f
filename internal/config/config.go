package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"taskpipe/internal/broker"
)

type Config struct {
	App      App      `yaml:"app"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Pipeline Pipeline `yaml:"pipeline"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"taskpipe"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"taskpipe_db"`
	SSLMode  string `yaml:"sslmode" env:"POSTGRES_SSLMODE" env-default:"disable"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
}

// Topic describes one provisioned topic. Retention is broker-side; the
// consumer side never depends on it being long.
type Topic struct {
	Name       string        `yaml:"name"`
	Partitions int           `yaml:"partitions" env-default:"3"`
	Retention  time.Duration `yaml:"retention"`
}

type Topics struct {
	TaskEvents  Topic `yaml:"task_events"`
	Reminders   Topic `yaml:"reminders"`
	TaskUpdates Topic `yaml:"task_updates"`
}

type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"5"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"RETRY_INITIAL_BACKOFF" env-default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"RETRY_MAX_BACKOFF" env-default:"30s"`
	Multiplier     float64       `yaml:"multiplier" env:"RETRY_MULTIPLIER" env-default:"2.0"`
	Jitter         float64       `yaml:"jitter" env:"RETRY_JITTER" env-default:"0.1"`
}

type Pipeline struct {
	Group             string        `yaml:"group" env:"PIPELINE_GROUP" env-default:"task-pipeline"`
	InstanceID        string        `yaml:"instance_id" env:"PIPELINE_INSTANCE_ID" env-default:""`
	Topics            Topics        `yaml:"topics"`
	LeaseTTL          time.Duration `yaml:"lease_ttl" env:"PIPELINE_LEASE_TTL" env-default:"15s"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"PIPELINE_HEARTBEAT_INTERVAL" env-default:"5s"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval" env:"PIPELINE_REBALANCE_INTERVAL" env-default:"3s"`
	BatchSize         int           `yaml:"batch_size" env:"PIPELINE_BATCH_SIZE" env-default:"100"`
	StartOffset       string        `yaml:"start_offset" env:"PIPELINE_START_OFFSET" env-default:"earliest"`
	DedupTTL          time.Duration `yaml:"dedup_ttl" env:"PIPELINE_DEDUP_TTL" env-default:"168h"`
	Downstreams       []string      `yaml:"downstreams" env:"PIPELINE_DOWNSTREAMS" env-default:"notification,recurring-task,audit"`
	Retry             Retry         `yaml:"retry"`
	MirrorUpdates     bool          `yaml:"mirror_updates" env:"PIPELINE_MIRROR_UPDATES" env-default:"true"`
	BreakerThreshold  int           `yaml:"breaker_threshold" env:"PIPELINE_BREAKER_THRESHOLD" env-default:"5"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" env:"PIPELINE_BREAKER_COOLDOWN" env-default:"30s"`
}

// TopicSpecs returns the three pipeline topics in provisioning order,
// with unset fields filled from the defaults.
func (p Pipeline) TopicSpecs() []broker.TopicSpec {
	defaults := []Topic{
		{Name: "task-events", Partitions: 3, Retention: 168 * time.Hour},
		{Name: "reminders", Partitions: 3, Retention: 24 * time.Hour},
		{Name: "task-updates", Partitions: 3, Retention: time.Hour},
	}
	configured := []Topic{p.Topics.TaskEvents, p.Topics.Reminders, p.Topics.TaskUpdates}

	specs := make([]broker.TopicSpec, len(defaults))
	for i, def := range defaults {
		t := configured[i]
		if t.Name == "" {
			t.Name = def.Name
		}
		if t.Partitions <= 0 {
			t.Partitions = def.Partitions
		}
		if t.Retention <= 0 {
			t.Retention = def.Retention
		}
		specs[i] = broker.TopicSpec{Name: t.Name, Partitions: t.Partitions, Retention: t.Retention}
	}
	return specs
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	return cfg, nil
}
