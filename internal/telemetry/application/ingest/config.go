package ingest

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxBatchSize     = 1000
	DefaultMaxDelay         = time.Second
	DefaultTick             = 100 * time.Millisecond
	DefaultReconnectBackoff = time.Second
	DefaultPersistTimeout   = 10 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryBackoff     = 200 * time.Millisecond
)

// MQTTConfig defines the broker subscription.
type MQTTConfig struct {
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"client_id"`
	Namespace string        `yaml:"namespace"`
	QoS       int           `yaml:"qos"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	Buffer    int           `yaml:"buffer"`
}

// DatabaseConfig defines the store pool.
type DatabaseConfig struct {
	MaxConns int    `yaml:"max_conns"`
	Table    string `yaml:"table"`
}

// BatchConfig defines the flush triggers.
type BatchConfig struct {
	MaxSize  int           `yaml:"max_size"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Tick     time.Duration `yaml:"tick"`
}

// PersistConfig defines write bounds and the failure policy.
type PersistConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	FailurePolicy string        `yaml:"failure_policy"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// PayloadConfig defines the message encoding.
type PayloadConfig struct {
	Codec string `yaml:"codec"`
}

// ValkeyConfig defines the latest-value cache. Empty Addr disables it.
type ValkeyConfig struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

// Config is the ingestor configuration, read once at startup.
type Config struct {
	MQTT             MQTTConfig     `yaml:"mqtt"`
	DatabaseURL      string         `yaml:"database_url"`
	Database         DatabaseConfig `yaml:"database"`
	Batch            BatchConfig    `yaml:"batch"`
	ReconnectBackoff time.Duration  `yaml:"reconnect_backoff"`
	Persist          PersistConfig  `yaml:"persist"`
	Payload          PayloadConfig  `yaml:"payload"`
	Valkey           ValkeyConfig   `yaml:"valkey"`
	HTTPAddr         string         `yaml:"http_addr"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MQTT: MQTTConfig{
			Broker:    "tcp://localhost:1883",
			ClientID:  "ingestor-main",
			Namespace: "nordic_pulse",
			QoS:       1,
			KeepAlive: 5 * time.Second,
			Buffer:    1024,
		},
		Database: DatabaseConfig{
			MaxConns: 5,
			Table:    "iot_data",
		},
		Batch: BatchConfig{
			MaxSize:  DefaultMaxBatchSize,
			MaxDelay: DefaultMaxDelay,
			Tick:     DefaultTick,
		},
		ReconnectBackoff: DefaultReconnectBackoff,
		Persist: PersistConfig{
			Timeout:       DefaultPersistTimeout,
			FailurePolicy: string(PolicyDrop),
			RetryAttempts: DefaultRetryAttempts,
			RetryBackoff:  DefaultRetryBackoff,
		},
		Payload:  PayloadConfig{Codec: string(CodecJSON)},
		Valkey:   ValkeyConfig{TTL: 24 * time.Hour},
		HTTPAddr: ":9090",
	}
}

// LoadConfig applies the yaml file at path (if any) and then the
// environment on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("INGEST_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("ingest config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("ingest config: %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if os.Getenv("MQTT_HOST") != "" || os.Getenv("MQTT_PORT") != "" {
		host := getenvDefault("MQTT_HOST", "localhost")
		port := getenvDefault("MQTT_PORT", "1883")
		c.MQTT.Broker = "tcp://" + host + ":" + port
	}
	overrideString(&c.MQTT.Broker, "MQTT_BROKER")
	overrideString(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	overrideString(&c.MQTT.Namespace, "MQTT_NAMESPACE")
	overrideString(&c.DatabaseURL, "PG_DSN")
	overrideString(&c.DatabaseURL, "DATABASE_URL")
	overrideString(&c.Database.Table, "DB_TABLE")
	overrideString(&c.Persist.FailurePolicy, "PERSIST_FAILURE_POLICY")
	overrideString(&c.Payload.Codec, "PAYLOAD_CODEC")
	overrideString(&c.Valkey.Addr, "VALKEY_ADDR")
	overrideString(&c.HTTPAddr, "HTTP_ADDR")

	var errs []error
	errs = append(errs,
		overrideInt(&c.MQTT.QoS, "MQTT_QOS"),
		overrideInt(&c.MQTT.Buffer, "MQTT_BUFFER"),
		overrideInt(&c.Database.MaxConns, "DB_MAX_CONNS"),
		overrideInt(&c.Batch.MaxSize, "BATCH_MAX_SIZE"),
		overrideInt(&c.Persist.RetryAttempts, "PERSIST_RETRY_ATTEMPTS"),
		overrideDuration(&c.MQTT.KeepAlive, "MQTT_KEEP_ALIVE"),
		overrideDuration(&c.Batch.MaxDelay, "BATCH_MAX_DELAY"),
		overrideDuration(&c.Batch.Tick, "BATCH_TICK"),
		overrideDuration(&c.ReconnectBackoff, "RECONNECT_BACKOFF"),
		overrideDuration(&c.Persist.Timeout, "PERSIST_TIMEOUT"),
		overrideDuration(&c.Persist.RetryBackoff, "PERSIST_RETRY_BACKOFF"),
		overrideDuration(&c.Valkey.TTL, "VALKEY_TTL"),
	)
	return errors.Join(errs...)
}

// Validate checks the configuration before anything is started.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("ingest config: DATABASE_URL or PG_DSN is required"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("ingest config: mqtt broker is required"))
	}
	if c.MQTT.Namespace == "" || strings.ContainsAny(c.MQTT.Namespace, "#+") {
		errs = append(errs, fmt.Errorf("ingest config: invalid namespace %q", c.MQTT.Namespace))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("ingest config: qos must be 0..2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.Buffer < 0 {
		errs = append(errs, errors.New("ingest config: mqtt buffer must be >= 0"))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("ingest config: database max_conns must be > 0"))
	}
	if c.Batch.MaxSize <= 0 {
		errs = append(errs, errors.New("ingest config: batch max_size must be > 0"))
	}
	if c.Batch.MaxDelay <= 0 {
		errs = append(errs, errors.New("ingest config: batch max_delay must be > 0"))
	}
	if c.Batch.Tick <= 0 {
		errs = append(errs, errors.New("ingest config: batch tick must be > 0"))
	}
	if c.ReconnectBackoff < 0 || c.Persist.Timeout < 0 || c.Persist.RetryBackoff < 0 {
		errs = append(errs, errors.New("ingest config: durations must not be negative"))
	}
	policy, err := ParseFailurePolicy(c.Persist.FailurePolicy)
	if err != nil {
		errs = append(errs, err)
	}
	if policy == PolicyRetry && c.Persist.RetryAttempts <= 0 {
		errs = append(errs, errors.New("ingest config: retry_attempts must be > 0"))
	}
	if _, err := ParseCodec(c.Payload.Codec); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func overrideString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("ingest config: %s: %w", key, err)
	}
	*target = parsed
	return nil
}

func overrideDuration(target *time.Duration, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("ingest config: %s: %w", key, err)
	}
	*target = parsed
	return nil
}
