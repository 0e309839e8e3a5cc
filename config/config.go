package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"go.yaml.in/yaml/v4"
)

// EnvPrefix is the prefix of environment overrides, e.g. LICENSEFLOW_DATABASE_HOST.
const EnvPrefix = "LICENSEFLOW"

const (
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Log       LogConfig       `yaml:"log"`
	Printing  PrintingConfig  `yaml:"printing"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	API       APIConfig       `yaml:"api"`
	Worker    WorkerConfig    `yaml:"worker"`
	Courier   CourierConfig   `yaml:"courier"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"gt=0"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name" envconfig:"NAME" validate:"required"`
	SSLMode  string `yaml:"ssl_mode" split_words:"true"`
}

func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type KafkaConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Topic         string `yaml:"topic"`
	ConsumerGroup string `yaml:"consumer_group" split_words:"true"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	// Host empty disables the workflow cache and the processed-event guard.
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	WorkflowTTLSeconds       int    `yaml:"workflow_ttl_seconds" split_words:"true"`
	ProcessedEventTTLSeconds int    `yaml:"processed_event_ttl_seconds" split_words:"true"`
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

func (r RedisConfig) WorkflowTTL() time.Duration {
	return time.Duration(r.WorkflowTTLSeconds) * time.Second
}

func (r RedisConfig) ProcessedEventTTL() time.Duration {
	return time.Duration(r.ProcessedEventTTLSeconds) * time.Second
}

type BrokerConfig struct {
	Driver string `yaml:"driver" validate:"oneof=kafka memory"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type PrintingConfig struct {
	CentralHubLocationCode   string `yaml:"central_hub_location_code" split_words:"true"`
	MaxRetries               int    `yaml:"max_retries" split_words:"true" validate:"gte=0"`
	AssignmentTimeoutSeconds int    `yaml:"assignment_timeout_seconds" split_words:"true" validate:"gt=0"`
	AutoEnqueue              bool   `yaml:"auto_enqueue" split_words:"true"`
	DefaultPriority          int    `yaml:"default_priority" split_words:"true"`
}

func (p PrintingConfig) AssignmentTimeout() time.Duration {
	return time.Duration(p.AssignmentTimeoutSeconds) * time.Second
}

type LifecycleConfig struct {
	RequireCaptureHardware bool   `yaml:"require_capture_hardware" split_words:"true"`
	LicenseNumberPrefix    string `yaml:"license_number_prefix" split_words:"true"`
	ComplianceVersion      string `yaml:"compliance_version" split_words:"true"`
}

type APIConfig struct {
	GRPCAddr string `yaml:"grpc_addr" envconfig:"GRPC_ADDR"`
	HTTPAddr string `yaml:"http_addr" split_words:"true"`
}

type WorkerConfig struct {
	HTTPAddr string `yaml:"http_addr" split_words:"true"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" split_words:"true" validate:"gt=0"`
	SweepBatchSize       int `yaml:"sweep_batch_size" split_words:"true" validate:"gt=0"`

	RelayIntervalSeconds int `yaml:"relay_interval_seconds" split_words:"true" validate:"gt=0"`
	RelayBatchSize       int `yaml:"relay_batch_size" split_words:"true" validate:"gt=0"`
	RelayLeaseSeconds    int `yaml:"relay_lease_seconds" split_words:"true" validate:"gt=0"`

	CheckIntervalSeconds    int `yaml:"check_interval_seconds" split_words:"true" validate:"gt=0"`
	CheckBatchSize          int `yaml:"check_batch_size" split_words:"true" validate:"gt=0"`
	CheckConcurrency        int `yaml:"check_concurrency" split_words:"true" validate:"gt=0"`
	CheckLeaseSeconds       int `yaml:"check_lease_seconds" split_words:"true" validate:"gt=0"`
	CheckRateLimitPerMinute int `yaml:"check_rate_limit_per_minute" split_words:"true" validate:"gte=0"`
	// CheckCarrierRateLimits overrides the limit per carrier, e.g. "dhl:30,ems:60".
	CheckCarrierRateLimits map[string]int64 `yaml:"check_carrier_rate_limits" split_words:"true"`

	// Courier check scheduling. Zero keeps the planner defaults:
	// in transit 30..120 minutes, unknown 90 minutes, backoff 5/15/30/60 minutes.
	NextCheckInTransitMinSeconds int `yaml:"next_check_in_transit_min_seconds" split_words:"true"`
	NextCheckInTransitMaxSeconds int `yaml:"next_check_in_transit_max_seconds" split_words:"true"`
	NextCheckUnknownSeconds      int `yaml:"next_check_unknown_seconds" split_words:"true"`
	Backoff1Seconds              int `yaml:"backoff_1_seconds" envconfig:"BACKOFF_1_SECONDS"`
	Backoff2Seconds              int `yaml:"backoff_2_seconds" envconfig:"BACKOFF_2_SECONDS"`
	Backoff3Seconds              int `yaml:"backoff_3_seconds" envconfig:"BACKOFF_3_SECONDS"`
	Backoff4Seconds              int `yaml:"backoff_4_seconds" envconfig:"BACKOFF_4_SECONDS"`
}

type CourierConfig struct {
	Mode           string `yaml:"mode" validate:"oneof=fake trackhttp"`
	BaseURL        string `yaml:"base_url" envconfig:"BASE_URL"`
	APIKey         string `yaml:"api_key" envconfig:"API_KEY"`
	Domain         string `yaml:"domain"`
	TimeoutSeconds int    `yaml:"timeout_seconds" split_words:"true"`
}

// LoadConfig reads the YAML file (when filename is set), applies LICENSEFLOW_*
// environment overrides, fills defaults and validates the result.
func LoadConfig(filename string) (*Config, error) {
	var config Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	config.applyDefaults()

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.Port, 5432)

	setString(&c.Kafka.Host, "localhost")
	setInt(&c.Kafka.Port, 9092)
	setString(&c.Kafka.Topic, "licenseflow.events")
	setString(&c.Kafka.ConsumerGroup, "fulfillment-api")

	setInt(&c.Redis.Port, 6379)
	setInt(&c.Redis.WorkflowTTLSeconds, 600)
	setInt(&c.Redis.ProcessedEventTTLSeconds, 7*24*3600)

	setString(&c.Broker.Driver, BrokerKafka)
	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "json")

	setInt(&c.Printing.MaxRetries, 3)
	setInt(&c.Printing.AssignmentTimeoutSeconds, 4*3600)
	setInt(&c.Printing.DefaultPriority, 50)

	setString(&c.Lifecycle.LicenseNumberPrefix, "LIC")
	setString(&c.Lifecycle.ComplianceVersion, "v1")

	setString(&c.API.GRPCAddr, ":50051")
	setString(&c.API.HTTPAddr, ":8080")

	setString(&c.Worker.HTTPAddr, ":8082")
	setInt(&c.Worker.SweepIntervalSeconds, 10)
	setInt(&c.Worker.SweepBatchSize, 100)
	setInt(&c.Worker.RelayIntervalSeconds, 1)
	setInt(&c.Worker.RelayBatchSize, 100)
	setInt(&c.Worker.RelayLeaseSeconds, 30)
	setInt(&c.Worker.CheckIntervalSeconds, 30)
	setInt(&c.Worker.CheckBatchSize, 100)
	setInt(&c.Worker.CheckConcurrency, 10)
	setInt(&c.Worker.CheckLeaseSeconds, 120)
	setInt(&c.Worker.CheckRateLimitPerMinute, 120)

	setString(&c.Courier.Mode, "fake")
	setInt(&c.Courier.TimeoutSeconds, 10)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
