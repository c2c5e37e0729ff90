package config

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type ServerCfg struct {
	Hostname string
	Port     int
}

type WorkerCfg struct {
	Mode       bool
	ID         string
	Partitions []int
}

type DescriberCfg struct {
	OllamaURL string
}

type ObjectStoreCfg struct {
	Endpoint  string
	Port      string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

type QueueCfg struct {
	RedisURL         string
	KafkaBrokers     string
	KafkaWakeupTopic string
	Env              string
}

type AppCfg struct {
	APIEndpoint string
}

type Config struct {
	ServerCfg
	WorkerCfg
	DescriberCfg
	ObjectStoreCfg
	QueueCfg
	AppCfg
}

// In covers every env var from spec.md §6, plus KAFKA_BROKERS,
// KAFKA_WAKEUP_TOPIC and ENV for the Kafka wake-up path, the way the
// teacher's config.In does for its own (smaller) env surface.
type In struct {
	Hostname string `env:"HOSTNAME, default=0.0.0.0"`
	Port     int    `env:"PORT, default=3000"`

	WorkerMode string `env:"WORKER_MODE, default=false"`
	WorkerID   string `env:"WORKER_ID"`
	Partitions string `env:"PARTITIONS"`

	OllamaURL string `env:"OLLAMA_URL, default=http://localhost:11434"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT, default=localhost"`
	MinioPort      string `env:"MINIO_PORT, default=9000"`
	MinioUseSSL    string `env:"MINIO_USE_SSL, default=false"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY, default=minioadmin"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY, default=minioadmin"`

	RedisURL         string `env:"REDIS_URL, default=localhost:6379"`
	KafkaBrokers     string `env:"KAFKA_BROKERS, default=localhost:9092"`
	KafkaWakeupTopic string `env:"KAFKA_WAKEUP_TOPIC, default=vision-batch-wakeups"`
	Env              string `env:"ENV, default=development"`

	APIEndpoint string `env:"API_ENDPOINT"`
}

func LoadCfg(ctx context.Context) (Config, error) {
	var input In

	c, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := envconfig.Process(c, &input); err != nil {
		return Config{}, err
	}

	return Config{
		ServerCfg: ServerCfg{Hostname: input.Hostname, Port: input.Port},
		WorkerCfg: WorkerCfg{
			Mode:       strings.EqualFold(input.WorkerMode, "true"),
			ID:         input.WorkerID,
			Partitions: parsePartitions(input.Partitions),
		},
		DescriberCfg:   DescriberCfg{OllamaURL: input.OllamaURL},
		ObjectStoreCfg: ObjectStoreCfg{
			Endpoint:  input.MinioEndpoint,
			Port:      input.MinioPort,
			UseSSL:    strings.EqualFold(input.MinioUseSSL, "true"),
			AccessKey: input.MinioAccessKey,
			SecretKey: input.MinioSecretKey,
		},
		QueueCfg: QueueCfg{
			RedisURL:         input.RedisURL,
			KafkaBrokers:     input.KafkaBrokers,
			KafkaWakeupTopic: input.KafkaWakeupTopic,
			Env:              input.Env,
		},
		AppCfg:   AppCfg{APIEndpoint: input.APIEndpoint},
	}, nil
}

// parsePartitions reads PARTITIONS as a comma-separated list of partition
// indices, e.g. "0,2,3". An unparseable entry is skipped rather than
// failing config load, since a worker with zero partitions simply leases
// nothing.
func parsePartitions(raw string) []int {
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
