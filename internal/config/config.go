package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Stripe     StripeConfig     `mapstructure:"stripe"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Sharing    SharingConfig    `mapstructure:"sharing"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
}

type AppConfig struct {
	Port     string `mapstructure:"port"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig - пустой DSN означает хранилище в памяти (только для разработки)
type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	EnsureTopics bool     `mapstructure:"ensure_topics"`
}

type StripeConfig struct {
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Currency      string `mapstructure:"currency"`
}

type GRPCConfig struct {
	Port string `mapstructure:"port"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// SharingConfig параметры экономики групп
type SharingConfig struct {
	FeeRate           float64       `mapstructure:"fee_rate"`
	RecruitingTimeout time.Duration `mapstructure:"recruiting_timeout"`
}

type ReconcilerConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type SweeperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
	BatchSize  int           `mapstructure:"batch_size"`
}

type GatewayConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.ensure_topics", false)

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.currency", "usd")

	v.SetDefault("grpc.port", "9090")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("sharing.fee_rate", 0.1)
	v.SetDefault("sharing.recruiting_timeout", 30*24*time.Hour)

	v.SetDefault("reconciler.grace_period", 7*24*time.Hour)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.pending_ttl", 30*time.Minute)
	v.SetDefault("sweeper.batch_size", 100)

	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.retry_max_elapsed", 30*time.Second)
}

// LoadConfig загружает конфигурацию: значения по умолчанию, затем YAML файл (если есть),
// затем переменные окружения с префиксом SHARING_ (например SHARING_STRIPE_API_KEY).
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		// .env необязателен, отсутствие файла не ошибка
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHARING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	// "a,b,c" из переменной окружения
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отклоняет заведомо невозможные значения.
func (c *Config) Validate() error {
	var problems []string
	if c.Sharing.FeeRate < 0 || c.Sharing.FeeRate > 1 {
		problems = append(problems, "sharing.fee_rate must be within [0, 1]")
	}
	if c.Reconciler.GracePeriod <= 0 {
		problems = append(problems, "reconciler.grace_period must be positive")
	}
	if c.Sweeper.Interval <= 0 {
		problems = append(problems, "sweeper.interval must be positive")
	}
	if c.Sweeper.PendingTTL <= 0 {
		problems = append(problems, "sweeper.pending_ttl must be positive")
	}
	if c.Sweeper.BatchSize <= 0 {
		problems = append(problems, "sweeper.batch_size must be positive")
	}
	if c.Gateway.Timeout <= 0 {
		problems = append(problems, "gateway.timeout must be positive")
	}
	if c.App.Env == "production" && c.Stripe.WebhookSecret == "" {
		problems = append(problems, "stripe.webhook_secret is required in production")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction сообщает, запущен ли сервис в production окружении
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
