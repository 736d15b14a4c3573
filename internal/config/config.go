package config

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Registry   RegistryConfig
	Vault      VaultConfig
	JWT        JWTConfig
	Automation AutomationConfig
	Redis      RedisConfig
	Mimir      MimirConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

// DatabaseConfig points at the master directory.
type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

// RegistryConfig bounds every per-tenant connection the registry opens.
type RegistryConfig struct {
	MinPoolSize      int
	MaxPoolSize      int
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	DrainTimeout     time.Duration
	MigrateOnCreate  bool
}

type VaultConfig struct {
	Secret string
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

type AutomationConfig struct {
	Enabled    bool
	Interval   time.Duration
	Workers    int
	RatePerSec float64
	Lock       string // memory or redis
	LockTTL    time.Duration
	Tolerance  float64
}

type RedisConfig struct {
	URL string
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SHOPCORE")
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if secret := os.Getenv("VAULT_SECRET"); secret != "" {
		cfg.Vault.Secret = secret
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.maxconnections", 25)
	v.SetDefault("database.maxidleconns", 5)
	v.SetDefault("registry.minpoolsize", 1)
	v.SetDefault("registry.maxpoolsize", 10)
	v.SetDefault("registry.connecttimeout", "10s")
	v.SetDefault("registry.discoverytimeout", "5s")
	v.SetDefault("registry.idletimeout", "30s")
	v.SetDefault("registry.maxlifetime", "30m")
	v.SetDefault("registry.draintimeout", "30s")
	v.SetDefault("registry.migrateoncreate", false)
	v.SetDefault("jwt.issuer", "shopcore")
	v.SetDefault("jwt.expiration", "8h")
	v.SetDefault("automation.enabled", true)
	v.SetDefault("automation.interval", "3m")
	v.SetDefault("automation.workers", 4)
	v.SetDefault("automation.ratepersec", 5.0)
	v.SetDefault("automation.lock", "memory")
	v.SetDefault("automation.lockttl", "10m")
	v.SetDefault("automation.tolerance", 0.01)
	v.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	v.SetDefault("mimir.batchsize", 1000)
	v.SetDefault("mimir.flushinterval", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate rejects configurations that cannot serve any tenant.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database url is required")
	}
	if c.Vault.Secret == "" {
		return errors.New("vault secret is required")
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt secret is required")
	}
	if c.Automation.Lock == "redis" && c.Redis.URL == "" {
		return errors.New("redis url is required for the redis automation lock")
	}
	if c.Registry.MinPoolSize > c.Registry.MaxPoolSize {
		return errors.New("registry min pool size exceeds max pool size")
	}
	return nil
}
