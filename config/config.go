package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/extractor"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

type Config struct {
	AppName                       string   `mapstructure:"APP_NAME"`
	Port                          int      `mapstructure:"PORT"`
	LogLevel                      string   `mapstructure:"LOG_LEVEL"`
	PrettyLogs                    bool     `mapstructure:"PRETTY_LOGS"`
	HttpServerWriteTimeoutSeconds int      `mapstructure:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS"`
	HttpServerReadTimeoutSeconds  int      `mapstructure:"HTTP_SERVER_READ_TIMEOUT_SECONDS"`
	HttpServerIdleTimeoutSeconds  int      `mapstructure:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS"`
	ReadHeaderTimeoutSeconds      int      `mapstructure:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS"`
	AllowOrigins                  []string `mapstructure:"HTTP_SERVER_ALLOW_ORIGINS"`
	StartupMaxAttempts            int      `mapstructure:"STARTUP_MAX_ATTEMPTS"`

	// PostgreSQL
	DatabaseHost                  string        `mapstructure:"DB_HOST"`
	DatabasePort                  int           `mapstructure:"DB_PORT"`
	DatabaseUserName              string        `mapstructure:"DB_USER_NAME"`
	DatabasePassword              string        `mapstructure:"DB_PASSWORD"`
	DatabaseName                  string        `mapstructure:"DB_NAME"`
	DatabaseSSLMode               string        `mapstructure:"DB_SSL_MODE"`
	DatabaseMaxOpenConns          int           `mapstructure:"DB_MAX_OPEN_CONNS"`
	DatabaseMaxIdleConns          int           `mapstructure:"DB_MAX_IDLE_CONNS"`
	DatabaseConnMaxLifetime       time.Duration `mapstructure:"DB_CONN_MAX_LIFETIME"`
	DatabaseMigrationFolderPath   string        `mapstructure:"DB_MIGRATION_FOLDER_PATH"`
	DatabaseMigrationVersion      uint          `mapstructure:"DB_MIGRATION_VERSION"`
	DatabaseMigrationForce        int           `mapstructure:"DB_MIGRATION_FORCE"`
	DatabaseMigrationAutoRollback bool          `mapstructure:"DB_MIGRATION_AUTO_ROLLBACK"`

	// Graph database (Memgraph / Neo4j over bolt). Empty host disables projection.
	GraphDBHost     string `mapstructure:"GRAPH_DB_HOST"`
	GraphDBPort     int    `mapstructure:"GRAPH_DB_PORT"`
	GraphDBUser     string `mapstructure:"GRAPH_DB_USER"`
	GraphDBPassword string `mapstructure:"GRAPH_DB_PASSWORD"`

	// Redis second cache tier. Empty host keeps the type cache in-process only.
	RedisHost     string        `mapstructure:"REDIS_HOST"`
	RedisPort     int           `mapstructure:"REDIS_PORT"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	TypeCacheTTL  time.Duration `mapstructure:"TYPE_CACHE_TTL"`

	// Kafka
	KafkaBrokers         []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaInputTopic      string        `mapstructure:"KAFKA_INPUT_TOPIC"`
	KafkaConsumerGroup   string        `mapstructure:"KAFKA_CONSUMER_GROUP"`
	KafkaConsumerEnabled bool          `mapstructure:"KAFKA_CONSUMER_ENABLED"`
	KafkaOutputTopic     string        `mapstructure:"KAFKA_OUTPUT_TOPIC"`
	KafkaProducerEnabled bool          `mapstructure:"KAFKA_PRODUCER_ENABLED"`
	KafkaBatchSize       int           `mapstructure:"KAFKA_BATCH_SIZE"`
	KafkaBatchTimeout    time.Duration `mapstructure:"KAFKA_BATCH_TIMEOUT"`
	KafkaRequiredAcks    int           `mapstructure:"KAFKA_REQUIRED_ACKS"`
	KafkaCompression     string        `mapstructure:"KAFKA_COMPRESSION"`

	// Tracing
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPProtocol string `mapstructure:"OTEL_EXPORTER_OTLP_PROTOCOL"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Resolution
	SimilarityThreshold float64       `mapstructure:"RESOLVER_SIMILARITY_THRESHOLD"`
	MaxCandidates       int           `mapstructure:"RESOLVER_MAX_CANDIDATES"`
	OracleHints         int           `mapstructure:"RESOLVER_ORACLE_HINTS"`
	OracleTimeout       time.Duration `mapstructure:"RESOLVER_ORACLE_TIMEOUT"`
	OracleMinConfidence float64       `mapstructure:"RESOLVER_ORACLE_MIN_CONFIDENCE"`
	BatchConcurrency    int           `mapstructure:"RESOLVER_BATCH_CONCURRENCY"`

	// Sync
	SourcesFile      string `mapstructure:"SOURCES_FILE"`
	SchedulerEnabled bool   `mapstructure:"SCHEDULER_ENABLED"`
}

func defaults() map[string]any {
	r := resolver.DefaultConfig()
	return map[string]any{
		"APP_NAME":                                "fern",
		"PORT":                                    3004,
		"LOG_LEVEL":                               "info",
		"PRETTY_LOGS":                             false,
		"HTTP_SERVER_WRITE_TIMEOUT_SECONDS":       10,
		"HTTP_SERVER_READ_TIMEOUT_SECONDS":        10,
		"HTTP_SERVER_IDLE_TIMEOUT_SECONDS":        10,
		"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS": 10,
		"HTTP_SERVER_ALLOW_ORIGINS":               []string{"*"},
		"STARTUP_MAX_ATTEMPTS":                    5,

		"DB_HOST":                    "localhost",
		"DB_PORT":                    5432,
		"DB_USER_NAME":               "",
		"DB_PASSWORD":                "",
		"DB_NAME":                    "fern",
		"DB_SSL_MODE":                "disable",
		"DB_MAX_OPEN_CONNS":          25,
		"DB_MAX_IDLE_CONNS":          10,
		"DB_CONN_MAX_LIFETIME":       10 * time.Minute,
		"DB_MIGRATION_FOLDER_PATH":   "db/pg",
		"DB_MIGRATION_VERSION":       0,
		"DB_MIGRATION_FORCE":         0,
		"DB_MIGRATION_AUTO_ROLLBACK": true,

		"GRAPH_DB_HOST":     "",
		"GRAPH_DB_PORT":     7687,
		"GRAPH_DB_USER":     "",
		"GRAPH_DB_PASSWORD": "",

		"REDIS_HOST":     "",
		"REDIS_PORT":     6379,
		"REDIS_PASSWORD": "",
		"REDIS_DB":       0,
		"TYPE_CACHE_TTL": 5 * time.Minute,

		"KAFKA_BROKERS":          []string{"localhost:9092"},
		"KAFKA_INPUT_TOPIC":      "fern.records",
		"KAFKA_CONSUMER_GROUP":   "fern-consumer",
		"KAFKA_CONSUMER_ENABLED": false,
		"KAFKA_OUTPUT_TOPIC":     "entity-events",
		"KAFKA_PRODUCER_ENABLED": false,
		"KAFKA_BATCH_SIZE":       100,
		"KAFKA_BATCH_TIMEOUT":    100 * time.Millisecond,
		"KAFKA_REQUIRED_ACKS":    1,
		"KAFKA_COMPRESSION":      "snappy",

		"OTEL_EXPORTER_OTLP_ENDPOINT": "",
		"OTEL_EXPORTER_OTLP_PROTOCOL": "grpc",
		"OTEL_EXPORTER_OTLP_INSECURE": true,

		"RESOLVER_SIMILARITY_THRESHOLD":  r.SimilarityThreshold,
		"RESOLVER_MAX_CANDIDATES":        r.MaxCandidates,
		"RESOLVER_ORACLE_HINTS":          r.OracleHints,
		"RESOLVER_ORACLE_TIMEOUT":        r.OracleTimeout,
		"RESOLVER_ORACLE_MIN_CONFIDENCE": r.OracleMinConfidence,
		"RESOLVER_BATCH_CONCURRENCY":     r.BatchConcurrency,

		"SOURCES_FILE":      "sources.yaml",
		"SCHEDULER_ENABLED": true,
	}
}

// Load reads configuration from the environment. The given .env files are
// loaded first when present; variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Database() database.Config {
	return database.Config{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             c.DatabaseMigrationVersion,
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) Graph() graph.Config {
	return graph.Config{Host: c.GraphDBHost, Port: c.GraphDBPort, Username: c.GraphDBUser, Password: c.GraphDBPassword}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{Host: c.RedisHost, Port: c.RedisPort, Password: c.RedisPassword, DB: c.RedisDB}
}

func (c *Config) Producer() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokers,
		Topic:        c.KafkaOutputTopic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: c.KafkaBatchTimeout,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

func (c *Config) Consumer() kafka.ConsumerConfig {
	return kafka.ConsumerConfig{Brokers: c.KafkaBrokers, Topic: c.KafkaInputTopic, ConsumerGroup: c.KafkaConsumerGroup}
}

func (c *Config) OTLP() exporters.OTLPConfig {
	return exporters.OTLPConfig{Endpoint: c.OTLPEndpoint, Protocol: c.OTLPProtocol, Insecure: c.OTLPInsecure}
}

func (c *Config) Resolver() resolver.Config {
	return resolver.Config{
		SimilarityThreshold: c.SimilarityThreshold,
		MaxCandidates:       c.MaxCandidates,
		OracleHints:         c.OracleHints,
		OracleTimeout:       c.OracleTimeout,
		OracleMinConfidence: c.OracleMinConfidence,
		BatchConcurrency:    c.BatchConcurrency,
	}
}

// SourcesFile is the YAML document listing external sources.
type SourcesFile struct {
	Sources []models.ExternalSource `yaml:"sources" validate:"dive"`
}

// LoadSources reads and validates the external source declarations at path.
// A missing file yields no sources.
func LoadSources(path string) ([]models.ExternalSource, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file %s: %w", path, err)
	}

	var file SourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sources file %s: %w", path, err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid sources file %s: %w", path, err)
	}

	seen := map[string]bool{}
	for _, src := range file.Sources {
		if seen[src.Slug] {
			return nil, fmt.Errorf("invalid sources file %s: duplicate source %q", path, src.Slug)
		}
		seen[src.Slug] = true
		for _, field := range []string{src.NameField, src.ExternalIDField, src.ParentField} {
			if err := extractor.Validate(field); err != nil {
				return nil, fmt.Errorf("invalid sources file %s: source %q: %w", path, src.Slug, err)
			}
		}
	}
	return file.Sources, nil
}
