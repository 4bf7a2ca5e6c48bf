package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "ORDER_SAGA"

type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Env         string    `mapstructure:"env"`
	Port        string    `mapstructure:"port"`
	Log         Log       `mapstructure:"log"`
	Bus         Bus       `mapstructure:"bus"`
	Store       Store     `mapstructure:"store"`
	Steps       Steps     `mapstructure:"steps"`
	Telemetry   Telemetry `mapstructure:"telemetry"`
	AWS         AWS       `mapstructure:"aws"`
}

type Log struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// Bus configures event dispatch. Workers == 0 dispatches on the publisher's goroutine.
type Bus struct {
	Workers        int `mapstructure:"workers"`
	QueueSize      int `mapstructure:"queue_size"`
	MaxChainEvents int `mapstructure:"max_chain_events"`
}

type Store struct {
	Shards int `mapstructure:"shards"`
}

type Steps struct {
	Payment   Step `mapstructure:"payment"`
	Inventory Step `mapstructure:"inventory"`
}

// Step configures a simulated step collaborator. A disabled step is expected
// to run out of process and report through HTTP or SQS.
type Step struct {
	Enabled     bool          `mapstructure:"enabled"`
	SuccessRate float64       `mapstructure:"success_rate"`
	Latency     time.Duration `mapstructure:"latency"`
	MaxRetries  uint          `mapstructure:"max_retries"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type AWS struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	EndpointSNS     string `mapstructure:"endpoint_sns"`
	EndpointSQS     string `mapstructure:"endpoint_sqs"`
	SNSTopicArn     string `mapstructure:"sns_topic_arn"`
	SQSQueueURL     string `mapstructure:"sqs_queue_url"`
}

// SNSEnabled reports whether CANCELLED and CREATED announcements are forwarded to SNS
func (a AWS) SNSEnabled() bool {
	return a.SNSTopicArn != ""
}

// SQSEnabled reports whether external step outcomes are consumed from SQS
func (a AWS) SQSEnabled() bool {
	return a.SQSQueueURL != ""
}

// ReadConfig loads <ENVIRONMENT>.json from this package's directory
func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, errors.New("unable to get current file")
	}

	return Load(filepath.Dir(filename))
}

// Load reads the environment's config file from configDir, applies defaults
// and ORDER_SAGA_* environment overrides. A missing file is not an error.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(getConfigName())
	v.SetConfigType("json")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks values viper cannot type-check
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	for name, step := range map[string]Step{"payment": c.Steps.Payment, "inventory": c.Steps.Inventory} {
		if step.SuccessRate < 0 || step.SuccessRate > 1 {
			return errors.Errorf("steps.%s.success_rate must be within [0, 1], got %v", name, step.SuccessRate)
		}
		if step.Latency < 0 {
			return errors.Errorf("steps.%s.latency must not be negative", name)
		}
	}

	if c.Bus.Workers < 0 || c.Bus.QueueSize < 0 || c.Bus.MaxChainEvents < 0 {
		return errors.New("bus settings must not be negative")
	}

	return nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service_name", "order-saga")
	v.SetDefault("env", getEnv("ENV", "local"))
	v.SetDefault("port", getEnv("PORT", "8080"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("bus.workers", 0)
	v.SetDefault("bus.queue_size", 256)
	v.SetDefault("bus.max_chain_events", 1024)

	v.SetDefault("store.shards", 32)

	v.SetDefault("steps.payment.enabled", true)
	v.SetDefault("steps.payment.success_rate", 0.8)
	v.SetDefault("steps.payment.latency", "0s")
	v.SetDefault("steps.payment.max_retries", 0)
	v.SetDefault("steps.inventory.enabled", true)
	v.SetDefault("steps.inventory.success_rate", 0.7)
	v.SetDefault("steps.inventory.latency", "0s")
	v.SetDefault("steps.inventory.max_retries", 0)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.otlp_endpoint", "")

	// AWS defaults, empty topic and queue keep the adapters off
	v.SetDefault("aws.access_key_id", getEnv("AWS_ACCESS_KEY_ID", ""))
	v.SetDefault("aws.secret_access_key", getEnv("AWS_SECRET_ACCESS_KEY", ""))
	v.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	v.SetDefault("aws.endpoint_sns", getEnv("AWS_ENDPOINT_URL_SNS", ""))
	v.SetDefault("aws.endpoint_sqs", getEnv("AWS_ENDPOINT_URL_SQS", ""))
	v.SetDefault("aws.sns_topic_arn", "")
	v.SetDefault("aws.sqs_queue_url", "")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
