package chatsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Transport kinds accepted by Config.Transport.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
	TransportRedis     = "redis"
	TransportKafka     = "kafka"
)

// Config carries the engine's tunables. Zero values fall back to the
// defaults set in LoadConfig, so an empty config file yields a working
// websocket setup against localhost.
type Config struct {
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
	Transport string `mapstructure:"transport"`

	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`

	TypingQuiet           time.Duration `mapstructure:"typing_quiet"`
	TypingPublishInterval time.Duration `mapstructure:"typing_publish_interval"`

	PollInterval time.Duration `mapstructure:"poll_interval"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaPrefix  string   `mapstructure:"kafka_prefix"`
}

// LoadConfig reads configuration from the given file (optional) and from
// CHATSYNC_* environment variables, env taking precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("ws_url", "ws://localhost:8080/ws/chat")
	v.SetDefault("transport", TransportWebSocket)
	v.SetDefault("reconnect_base", 5*time.Second)
	v.SetDefault("reconnect_max", 30*time.Second)
	v.SetDefault("typing_quiet", DefaultTypingQuiet)
	v.SetDefault("typing_publish_interval", DefaultTypingPublishInterval)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_prefix", "chat")
	v.SetDefault("kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("kafka_prefix", "chat")

	v.SetEnvPrefix("CHATSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// BuildTransport constructs the push channel named by cfg.Transport.
// The gateway is needed only by the polling mode; userID only by the broker
// modes, whose per-user topics embed it.
func BuildTransport(cfg *Config, gw *Gateway, token, userID string, log *zap.SugaredLogger) (Transport, error) {
	switch cfg.Transport {
	case TransportWebSocket, "":
		return NewWSTransport(cfg.WSURL, token,
			WithReconnectDelay(cfg.ReconnectBase, cfg.ReconnectMax),
			WithWSLogger(log),
		), nil
	case TransportPolling:
		return NewPollingTransport(gw,
			WithPollInterval(cfg.PollInterval),
			WithPollingLogger(log),
		), nil
	case TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisTransport(client, userID,
			WithRedisPrefix(cfg.RedisPrefix),
			WithRedisLogger(log),
		), nil
	case TransportKafka:
		return NewKafkaTransport(cfg.KafkaBrokers, userID,
			WithKafkaPrefix(cfg.KafkaPrefix),
			WithKafkaLogger(log),
		), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
