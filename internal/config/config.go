package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration tree.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Central    CentralConfig    `mapstructure:"central_system"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Schema     SchemaConfig     `mapstructure:"schema"`
	Storage    StorageConfig    `mapstructure:"storage"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	OCPP       OCPPConfig       `mapstructure:"ocpp"`
}

// AppConfig carries basic application identity.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Profile string `mapstructure:"profile"`
}

// IdentityConfig is how this charge point identifies itself to the Central System.
type IdentityConfig struct {
	ChargePointID     string `mapstructure:"charge_point_id"`
	ChargePointVendor string `mapstructure:"charge_point_vendor"`
	ChargePointModel  string `mapstructure:"charge_point_model"`
	FirmwareVersion   string `mapstructure:"firmware_version"`
}

// CentralConfig configures the upstream Central System connection.
type CentralConfig struct {
	URL               string        `mapstructure:"url"`
	ProtocolVersion   string        `mapstructure:"protocol_version"` // "1.6" or "2.0.1"
	SecurityProfile   int           `mapstructure:"security_profile"` // 1, 2 or 3
	BasicAuthUser     string        `mapstructure:"basic_auth_user"`
	BasicAuthPassword string        `mapstructure:"basic_auth_password"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
}

// TLSConfig configures client-certificate authentication for security profile 3.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACertFile         string `mapstructure:"ca_cert_file"`
	ClientCertFile     string `mapstructure:"client_cert_file"`
	ClientKeyFile      string `mapstructure:"client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// SchemaConfig points at the directory holding <Action>.json validation schemas.
type SchemaConfig struct {
	Directory      string `mapstructure:"directory"`
	StrictRequests bool   `mapstructure:"strict_requests"`
}

// StorageConfig configures the Redis-backed persistent store.
type StorageConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// EventBusConfig configures the optional fleet-observability Kafka bus.
type EventBusConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Brokers        []string       `mapstructure:"brokers"`
	TelemetryTopic string         `mapstructure:"telemetry_topic"`
	CommandTopic   string         `mapstructure:"command_topic"`
	ConsumerGroup  string         `mapstructure:"consumer_group"`
	Producer       ProducerConfig `mapstructure:"producer"`
}

// ProducerConfig configures sarama's async producer.
type ProducerConfig struct {
	RetryMax       int           `mapstructure:"retry_max"`
	ReturnSuccess  bool          `mapstructure:"return_successes"`
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`
}

// LogConfig configures the zerolog-based logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// MonitoringConfig configures the Prometheus metrics and health endpoints.
type MonitoringConfig struct {
	MetricsAddr     string `mapstructure:"metrics_addr"`
	HealthCheckPort int    `mapstructure:"health_check_port"`
	PprofEnabled    bool   `mapstructure:"pprof_enabled"`
}

// OCPPConfig carries protocol-level tuning not covered by CentralConfig.
type OCPPConfig struct {
	SupportedVersions     []string      `mapstructure:"supported_versions"`
	MeterValueSampleRate  time.Duration `mapstructure:"meter_value_sample_rate"`
	MeterValueAlignRate   time.Duration `mapstructure:"meter_value_align_rate"`
	MinimumStatusDuration time.Duration `mapstructure:"minimum_status_duration"`
	WorkerCount           int           `mapstructure:"worker_count"`
	FifoRetries           int           `mapstructure:"fifo_retries"`
}

// Load layers application.yaml, a profile-specific override file and
// environment variables, in that priority order (lowest first).
func Load() (*Config, error) {
	setDefaults()

	profile := getProfile()
	fmt.Printf("Loading configuration for profile: %s\n", profile)

	if err := loadConfigFile("application"); err != nil {
		fmt.Printf("Warning: Could not load default config file: %v\n", err)
	}

	if profile != "" {
		configName := fmt.Sprintf("application-%s", profile)
		if err := loadConfigFile(configName); err != nil {
			fmt.Printf("Warning: Could not load profile config file %s: %v\n", configName, err)
		}
	}

	setupEnvironmentVariables()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.App.Profile = profile
	return &cfg, nil
}

func getProfile() string {
	if profile := os.Getenv("APP_PROFILE"); profile != "" {
		return profile
	}
	if profile := viper.GetString("app.profile"); profile != "" {
		return profile
	}
	return "local"
}

func loadConfigFile(configName string) error {
	viper.SetConfigName(configName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	return viper.MergeInConfig()
}

func setupEnvironmentVariables() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.BindEnv("central_system.url", "CENTRAL_SYSTEM_URL")
	viper.BindEnv("central_system.security_profile", "CENTRAL_SYSTEM_SECURITY_PROFILE")
	viper.BindEnv("identity.charge_point_id", "CHARGE_POINT_ID")
	viper.BindEnv("storage.addr", "STORAGE_ADDR")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("monitoring.health_check_port", "MONITORING_HEALTH_CHECK_PORT")
	viper.BindEnv("app.profile", "APP_PROFILE")

	if brokers := os.Getenv("EVENT_BUS_BROKERS"); brokers != "" {
		list := strings.Split(brokers, ",")
		for i, b := range list {
			list[i] = strings.TrimSpace(b)
		}
		viper.Set("event_bus.brokers", list)
	}
}

func setDefaults() {
	viper.SetDefault("app.name", "charge-point-agent")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.profile", "local")

	viper.SetDefault("identity.charge_point_id", "CP-0001")
	viper.SetDefault("identity.charge_point_vendor", "EVSE Systems")
	viper.SetDefault("identity.charge_point_model", "Agent")
	viper.SetDefault("identity.firmware_version", "1.0.0")

	viper.SetDefault("central_system.url", "ws://localhost:8080/ocpp")
	viper.SetDefault("central_system.protocol_version", "1.6")
	viper.SetDefault("central_system.security_profile", 1)
	viper.SetDefault("central_system.retry_interval", "10s")
	viper.SetDefault("central_system.ping_interval", "30s")
	viper.SetDefault("central_system.call_timeout", "30s")
	viper.SetDefault("central_system.handshake_timeout", "10s")
	viper.SetDefault("central_system.max_message_size", 1048576)

	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.insecure_skip_verify", false)

	viper.SetDefault("schema.directory", "./schemas")
	viper.SetDefault("schema.strict_requests", true)

	viper.SetDefault("storage.addr", "localhost:6379")
	viper.SetDefault("storage.password", "")
	viper.SetDefault("storage.db", 0)
	viper.SetDefault("storage.pool_size", 20)
	viper.SetDefault("storage.min_idle_conns", 5)
	viper.SetDefault("storage.dial_timeout", "5s")
	viper.SetDefault("storage.read_timeout", "3s")
	viper.SetDefault("storage.write_timeout", "3s")
	viper.SetDefault("storage.key_prefix", "cp:")

	viper.SetDefault("event_bus.enabled", false)
	viper.SetDefault("event_bus.brokers", []string{"localhost:9092"})
	viper.SetDefault("event_bus.telemetry_topic", "charge-point-telemetry")
	viper.SetDefault("event_bus.command_topic", "charge-point-commands")
	viper.SetDefault("event_bus.consumer_group", "charge-point-agent")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")

	viper.SetDefault("monitoring.metrics_addr", ":9090")
	viper.SetDefault("monitoring.health_check_port", 8081)
	viper.SetDefault("monitoring.pprof_enabled", false)

	viper.SetDefault("ocpp.supported_versions", []string{"1.6"})
	viper.SetDefault("ocpp.meter_value_sample_rate", "60s")
	viper.SetDefault("ocpp.meter_value_align_rate", "900s")
	viper.SetDefault("ocpp.minimum_status_duration", "0s")
	viper.SetDefault("ocpp.worker_count", 8)
	viper.SetDefault("ocpp.fifo_retries", 3)
}

// CentralSystemAddr returns the configured upstream URL.
func (c *Config) CentralSystemAddr() string {
	return c.Central.URL
}

// GetMetricsAddr returns the Prometheus listen address.
func (c *Config) GetMetricsAddr() string {
	return c.Monitoring.MetricsAddr
}

// GetHealthCheckAddr returns the health-check listen address.
func (c *Config) GetHealthCheckAddr() string {
	return fmt.Sprintf(":%d", c.Monitoring.HealthCheckPort)
}

func (c *Config) IsProduction() bool {
	return c.App.Profile == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.App.Profile == "dev"
}

func (c *Config) IsTest() bool {
	return c.App.Profile == "test" || c.App.Profile == "local"
}
