package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host      string          `mapstructure:"host"`
	Port      int             `mapstructure:"port"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-client request limiting. RPS <= 0
// disables it.
type RateLimitConfig struct {
	RPS            float64       `mapstructure:"rps"`
	Burst          int           `mapstructure:"burst"`
	IdleTTL        time.Duration `mapstructure:"idle_ttl"`
	TrustForwarded bool          `mapstructure:"trust_forwarded"` // Key clients by X-Forwarded-For.
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParseConfig reads the server section of v. Keys are read one by one so
// FS_SERVER_* environment overrides apply.
func ParseConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Host: v.GetString("server.host"),
		Port: v.GetInt("server.port"),
		RateLimit: RateLimitConfig{
			RPS:            v.GetFloat64("server.rate_limit.rps"),
			Burst:          v.GetInt("server.rate_limit.burst"),
			IdleTTL:        v.GetDuration("server.rate_limit.idle_ttl"),
			TrustForwarded: v.GetBool("server.rate_limit.trust_forwarded"),
		},
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("server.port %d out of range", cfg.Port)
	}
	return cfg, nil
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit.rps", 100)
	v.SetDefault("server.rate_limit.burst", 200)
	v.SetDefault("server.rate_limit.idle_ttl", "10m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "floorsight.db")

	// Optional plugins are on by default and stay idle until configured.
	v.SetDefault("plugins.ingest.enabled", true)
	v.SetDefault("plugins.notify.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("floorsight")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/floorsight")
	}

	// Environment variable support: FS_SERVER_PORT=9090
	v.SetEnvPrefix("FS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
