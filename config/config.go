// Package config loads runtime settings from defaults, an optional
// .env.<env> file and DUES_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Env string

	HTTP struct {
		Port        int
		CORSOrigins []string
	}

	DB struct {
		Path string
	}

	Billing struct {
		GraceDays     int
		CoercePending bool
	}

	Cache struct {
		TTL      time.Duration
		StatsTTL time.Duration
	}

	Scheduler struct {
		Enabled        bool
		ReclassifyCron string
		GenerateCron   string
	}

	Log struct {
		Level string
	}
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("cors.origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("db.path", "dues.db")
	v.SetDefault("billing.grace_days", 3)
	v.SetDefault("billing.coerce_pending", true)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.stats_ttl", 30*time.Second)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.reclassify_cron", "0 6 * * *")
	v.SetDefault("scheduler.generate_cron", "0 5 1 * *")
	v.SetDefault("log.level", "info")
}

// Load reads configuration for the environment named by ENV (DEV when
// unset). dir is where .env.<env> files live; a missing file is fine.
//
// Environment variables use the DUES_ prefix with dots turned into
// underscores, e.g. DUES_HTTP_PORT or DUES_CACHE_STATS_TTL=1m.
func Load(dir string) (*Config, error) {
	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(dir, ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, fmt.Errorf("config.godotenv(%s): %w", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config.os.Stat(%s): %w", dotEnvPath, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{Env: env}
	cfg.HTTP.Port = v.GetInt("http.port")
	cfg.HTTP.CORSOrigins = v.GetStringSlice("cors.origins")
	cfg.DB.Path = v.GetString("db.path")
	cfg.Billing.GraceDays = v.GetInt("billing.grace_days")
	cfg.Billing.CoercePending = v.GetBool("billing.coerce_pending")
	cfg.Cache.TTL = v.GetDuration("cache.ttl")
	cfg.Cache.StatsTTL = v.GetDuration("cache.stats_ttl")
	cfg.Scheduler.Enabled = v.GetBool("scheduler.enabled")
	cfg.Scheduler.ReclassifyCron = v.GetString("scheduler.reclassify_cron")
	cfg.Scheduler.GenerateCron = v.GetString("scheduler.generate_cron")
	cfg.Log.Level = v.GetString("log.level")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: http.port %d out of range", c.HTTP.Port)
	}
	if c.Billing.GraceDays < 0 {
		return fmt.Errorf("config: billing.grace_days must not be negative")
	}
	if c.Cache.TTL <= 0 || c.Cache.StatsTTL <= 0 {
		return fmt.Errorf("config: cache ttls must be positive")
	}
	return nil
}

// Logger builds the root zap logger: development output in DEV, JSON
// otherwise.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Env == "DEV" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
