package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env             string          `yaml:"env" env:"ENV" env-default:"local"`
	StorageDriver   string          `yaml:"storage_driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	StoragePath     string          `yaml:"storage_path" env:"STORAGE_PATH"`
	JWTSecret       string          `yaml:"jwt_secret" env:"JWT_SECRET"`
	AccessTokenTTL  time.Duration   `yaml:"access_token_ttl" env-default:"15m"`
	RefreshTokenTTL time.Duration   `yaml:"refresh_token_ttl" env-default:"720h"`
	Postgres        PostgresConfig  `yaml:"postgres"`
	Mongo           MongoConfig     `yaml:"mongo"`
	Redis           RedisConfig     `yaml:"redis"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Cookie          CookieConfig    `yaml:"cookie"`
	Sweep           SweepConfig     `yaml:"sweep"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database" env:"MONGO_DATABASE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type RateLimitConfig struct {
	Enabled            bool          `yaml:"enabled"`
	EnableIPThrottle   bool          `yaml:"enable_ip_throttle"`
	MaxLoginAttempts   int           `yaml:"max_login_attempts" env-default:"5"`
	LoginCooldown      time.Duration `yaml:"login_cooldown" env-default:"15m"`
	MaxRefreshAttempts int           `yaml:"max_refresh_attempts" env-default:"30"`
	RefreshCooldown    time.Duration `yaml:"refresh_cooldown" env-default:"1m"`
}

type CookieConfig struct {
	Name   string `yaml:"name" env-default:"refresh_token"`
	Path   string `yaml:"path" env-default:"/auth"`
	Domain string `yaml:"domain"`
	Secure bool   `yaml:"secure"`
}

type SweepConfig struct {
	Interval         time.Duration `yaml:"interval" env-default:"1h"`
	RevokedRetention time.Duration `yaml:"revoked_retention" env-default:"1440h"`
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	if cfg.JWTSecret == "" {
		panic("jwt_secret must be set")
	}

	return &cfg
}
