package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion"`
	Alarms      AlarmsConfig      `mapstructure:"alarms"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	Environment  string `mapstructure:"environment"`
}

// DatabaseConfig holds database-specific configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Brokers        string `mapstructure:"brokers"`
	ConsumerGroup  string `mapstructure:"consumer_group"`
	IngestTopic    string `mapstructure:"ingest_topic"`
	AlarmTopic     string `mapstructure:"alarm_topic"`
	SecurityEnable bool   `mapstructure:"security_enable"`
	SecurityUser   string `mapstructure:"security_user"`
	SecurityPass   string `mapstructure:"security_pass"`
}

// MQTTConfig holds the field broker connection used for device telemetry
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BrokerURL   string `mapstructure:"broker_url"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

// CredentialsConfig holds device credential settings
type CredentialsConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// IngestionConfig holds ingestion pipeline settings
type IngestionConfig struct {
	ResolverCacheTTL time.Duration `mapstructure:"resolver_cache_ttl"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	AtomicBatches    bool          `mapstructure:"atomic_batches"`
}

// AlarmsConfig holds alarm evaluation settings
type AlarmsConfig struct {
	NoDataSchedule string `mapstructure:"no_data_schedule"`
	DurationClock  string `mapstructure:"duration_clock"`
	DispatchBuffer int    `mapstructure:"dispatch_buffer"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Duration clock modes
const (
	DurationClockArrival = "arrival"
	DurationClockDevice  = "device"
)

// LoadConfig loads the application configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath == "" {
		configPath = "./config"
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// Environment overrides, e.g. TELEMETRY_CORE_DATABASE_HOST
	v.SetEnvPrefix("TELEMETRY_CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env vars apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	v.AutomaticEnv()
	setDefaults(v)

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)  // seconds
	v.SetDefault("server.write_timeout", 15) // seconds
	v.SetDefault("server.idle_timeout", 60)  // seconds
	v.SetDefault("server.environment", "development")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.path", "telemetry.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "telemetry")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "kafka:9092")
	v.SetDefault("kafka.consumer_group", "telemetry-core")
	v.SetDefault("kafka.ingest_topic", "telemetry-ingest")
	v.SetDefault("kafka.alarm_topic", "alarm-events")
	v.SetDefault("kafka.security_enable", false)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://mosquitto:1883")
	v.SetDefault("mqtt.client_id", "telemetry-core")
	v.SetDefault("mqtt.topic_prefix", "telemetry")
	v.SetDefault("mqtt.qos", 1)

	// Ingestion defaults
	v.SetDefault("ingestion.resolver_cache_ttl", 300*time.Second)
	v.SetDefault("ingestion.request_timeout", 10*time.Second)
	v.SetDefault("ingestion.atomic_batches", false)

	// Alarm defaults
	v.SetDefault("alarms.no_data_schedule", "@every 30s")
	v.SetDefault("alarms.duration_clock", DurationClockArrival)
	v.SetDefault("alarms.dispatch_buffer", 256)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	switch config.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", config.Database.Driver)
	}

	switch config.Alarms.DurationClock {
	case DurationClockArrival, DurationClockDevice:
	default:
		return fmt.Errorf("unsupported alarm duration clock %q", config.Alarms.DurationClock)
	}

	if config.Ingestion.ResolverCacheTTL <= 0 {
		return fmt.Errorf("ingestion.resolver_cache_ttl must be positive")
	}

	if config.Credentials.JWTSecret == "" {
		if config.Server.Environment == "development" {
			config.Credentials.JWTSecret = "development-device-secret-change-in-production"
		} else {
			return fmt.Errorf("device credential secret is required in non-development environments")
		}
	}

	if config.Database.Driver == "postgres" && config.Database.Password == "" {
		dbPassword := os.Getenv("TELEMETRY_CORE_DATABASE_PASSWORD")
		if dbPassword == "" {
			if config.Server.Environment != "development" {
				return fmt.Errorf("database password is required in non-development environments")
			}
		} else {
			config.Database.Password = dbPassword
		}
	}

	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone)
}

// IsProduction returns true if the environment is production
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// IsTest returns true if the environment is test
func (c *ServerConfig) IsTest() bool {
	return c.Environment == "test"
}
