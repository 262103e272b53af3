package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string
	PublicURL  string

	DBDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupTTL      time.Duration

	RabbitURL   string
	RabbitQueue string

	JWTSecret    string
	AuthRequired bool

	ChatPaging         int
	ChatPendingTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from WHIRLPOOL_* environment variables with
// development defaults for everything.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("WHIRLPOOL")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_url", "http://127.0.0.1:8080")

	// DSN demo:
	// app:apppass@tcp(127.0.0.1:3306)/whirlpool?charset=utf8mb4&parseTime=true&loc=Local
	v.SetDefault("db_dsn", "app:apppass@tcp(127.0.0.1:3306)/whirlpool?charset=utf8mb4&parseTime=true&loc=Local")

	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("dedup_ttl", "24h")

	v.SetDefault("rabbit_url", "")
	v.SetDefault("rabbit_queue", "whirlpool_messages")

	v.SetDefault("jwt_secret", "dev-secret-change-me")
	v.SetDefault("auth_required", false)

	v.SetDefault("chat_paging", 30)
	v.SetDefault("chat_pending_timeout", "10s")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	return Config{
		ListenAddr: v.GetString("listen_addr"),
		PublicURL:  v.GetString("public_url"),

		DBDSN: v.GetString("db_dsn"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		DedupTTL:      v.GetDuration("dedup_ttl"),

		RabbitURL:   v.GetString("rabbit_url"),
		RabbitQueue: v.GetString("rabbit_queue"),

		JWTSecret:    v.GetString("jwt_secret"),
		AuthRequired: v.GetBool("auth_required"),

		ChatPaging:         v.GetInt("chat_paging"),
		ChatPendingTimeout: v.GetDuration("chat_pending_timeout"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}
}
