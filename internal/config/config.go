package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DevelopMode bool `mapstructure:"develop_mode"`

	// SubmitLimit caps the number of production queries admitted but not
	// yet terminal, per process. Zero disables the cap.
	SubmitLimit int `mapstructure:"submit_limit"`

	Server        ServerConfig       `mapstructure:"server"`
	AdminDatabase AdminDBConfig      `mapstructure:"admin_database"`
	Broker        BrokerConfig       `mapstructure:"broker"`
	DatasetStore  DatasetStoreConfig `mapstructure:"dataset_store"`
	DPLibraries   DPLibrariesConfig  `mapstructure:"dp_libraries"`
	Auth          AuthConfig         `mapstructure:"auth"`
	Monitoring    MonitoringConfig   `mapstructure:"monitoring"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	HostIP           string        `mapstructure:"host_ip"`
	HostPort         int           `mapstructure:"host_port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	Workers          int           `mapstructure:"workers"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
	TimeAttack       TimeAttackConfig `mapstructure:"time_attack"`
}

// TimeAttackConfig selects the response-timing shaper. Method is either
// "jitter" (uniform extra delay in [0, magnitude)) or "stall" (pad every
// response to at least magnitude seconds of wall time).
type TimeAttackConfig struct {
	Method    string  `mapstructure:"method"`
	Magnitude float64 `mapstructure:"magnitude"`
}

type AdminDBConfig struct {
	DBType string `mapstructure:"db_type"`

	// mongodb
	Address     string `mapstructure:"address"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"db_name"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`

	// yaml
	DBFile string `mapstructure:"db_file"`
}

type BrokerConfig struct {
	// URL is the redis connection string. Empty selects the in-process
	// broker with a bounded worker pool.
	URL               string        `mapstructure:"url"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	HighWater         int64         `mapstructure:"high_water"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type DatasetStoreConfig struct {
	MaxSize int `mapstructure:"max_size"`
}

type DPLibrariesConfig struct {
	OpenDP OpenDPConfig `mapstructure:"opendp"`
}

type OpenDPConfig struct {
	Contrib          bool `mapstructure:"contrib"`
	FloatingPoint    bool `mapstructure:"floating_point"`
	HonestButCurious bool `mapstructure:"honest_but_curious"`
}

type AuthConfig struct {
	// Method is "free_pass" (trust the user header, development only)
	// or "jwt" (verify a bearer token and take the user from its claims).
	Method    string `mapstructure:"method"`
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dpserve")
	}

	setDefaults(v)

	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.TimeAttack.Method {
	case "", "jitter", "stall":
	default:
		return fmt.Errorf("server.time_attack.method must be jitter or stall, got %q", c.Server.TimeAttack.Method)
	}
	switch c.AdminDatabase.DBType {
	case "mongodb", "yaml":
	default:
		return fmt.Errorf("admin_database.db_type must be mongodb or yaml, got %q", c.AdminDatabase.DBType)
	}
	switch c.Auth.Method {
	case "free_pass", "jwt":
	default:
		return fmt.Errorf("auth.method must be free_pass or jwt, got %q", c.Auth.Method)
	}
	if c.Auth.Method == "jwt" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.method is jwt")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("develop_mode", false)
	v.SetDefault("submit_limit", 64)

	// Server defaults
	v.SetDefault("server.host_ip", "0.0.0.0")
	v.SetDefault("server.host_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.workers", 4)
	v.SetDefault("server.query_timeout", "120s")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "300s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown", "30s")
	v.SetDefault("server.time_attack.method", "jitter")
	v.SetDefault("server.time_attack.magnitude", 1.0)

	// Admin database defaults
	v.SetDefault("admin_database.db_type", "yaml")
	v.SetDefault("admin_database.port", 27017)
	v.SetDefault("admin_database.db_name", "defaultdb")
	v.SetDefault("admin_database.max_pool_size", 100)

	// Broker defaults
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.high_water", 256)
	v.SetDefault("broker.visibility_timeout", "5m")

	// Dataset store defaults
	v.SetDefault("dataset_store.max_size", 8)

	// DP library defaults
	v.SetDefault("dp_libraries.opendp.contrib", true)
	v.SetDefault("dp_libraries.opendp.floating_point", true)
	v.SetDefault("dp_libraries.opendp.honest_but_curious", false)

	// Auth defaults
	v.SetDefault("auth.method", "free_pass")
	v.SetDefault("auth.jwt_issuer", "dpserve")

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("develop_mode", "DPSERVE_DEVELOP_MODE")
	_ = v.BindEnv("submit_limit", "DPSERVE_SUBMIT_LIMIT")

	_ = v.BindEnv("server.host_ip", "SERVER_HOST_IP")
	_ = v.BindEnv("server.host_port", "SERVER_HOST_PORT")
	_ = v.BindEnv("server.metrics_port", "METRICS_PORT")
	_ = v.BindEnv("server.workers", "SERVER_WORKERS")
	_ = v.BindEnv("server.query_timeout", "SERVER_QUERY_TIMEOUT")

	_ = v.BindEnv("admin_database.db_type", "ADMIN_DATABASE_TYPE")
	_ = v.BindEnv("admin_database.address", "ADMIN_DATABASE_ADDRESS")
	_ = v.BindEnv("admin_database.port", "ADMIN_DATABASE_PORT")
	_ = v.BindEnv("admin_database.username", "ADMIN_DATABASE_USERNAME")
	_ = v.BindEnv("admin_database.password", "ADMIN_DATABASE_PASSWORD")
	_ = v.BindEnv("admin_database.db_name", "ADMIN_DATABASE_NAME")
	_ = v.BindEnv("admin_database.db_file", "ADMIN_DATABASE_FILE")

	_ = v.BindEnv("broker.url", "BROKER_URL")
	_ = v.BindEnv("broker.password", "BROKER_PASSWORD")
	_ = v.BindEnv("broker.db", "BROKER_DB")

	_ = v.BindEnv("auth.method", "AUTH_METHOD")
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}
