package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
	Log                LogConfig
	Book               BookConfig
	Binance            BinanceConfig
	Kalshi             KalshiConfig
	Poly               PolyConfig
	Redis              RedisConfig
	Kafka              KafkaConfig
	Query              QueryConfig
	Metrics            MetricsConfig
	Health             HealthConfig
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BookConfig sizes every pipeline.
type BookConfig struct {
	Depth        int `mapstructure:"depth"`
	QueueSize    int `mapstructure:"queue_size"`
	PublishDepth int `mapstructure:"publish_depth"`
}

// BinanceConfig holds the diff-depth stream and REST snapshot endpoints.
type BinanceConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	WSURL         string   `mapstructure:"ws_url"`
	RESTURL       string   `mapstructure:"rest_url"`
	Markets       []Market `mapstructure:"-"`
	SnapshotLimit int      `mapstructure:"snapshot_limit"`
}

// KalshiConfig holds the Kalshi stream and the encrypted signing key.
type KalshiConfig struct {
	Enabled                  bool     `mapstructure:"enabled"`
	WSURL                    string   `mapstructure:"ws_url"`
	APIKey                   string   `mapstructure:"api_key"`
	PrivateKeyFile           string   `mapstructure:"private_key_file"`
	PrivateKeyCiphertextFile string   `mapstructure:"private_key_ciphertext_file"`
	AWSRegion                string   `mapstructure:"aws_region"`
	Tickers                  []string `mapstructure:"tickers"`
}

// PolyConfig holds the Polymarket CLOB stream.
type PolyConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	WSURL    string   `mapstructure:"ws_url"`
	AssetIDs []string `mapstructure:"asset_ids"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the top-of-book topic settings.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// QueryConfig holds the gRPC query socket.
type QueryConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// HealthConfig tunes the stale-book gate.
type HealthConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	CoolOff        time.Duration `mapstructure:"cool_off"`
}

// Market is one configured symbol and its tick size.
type Market struct {
	Symbol string
	Tick   float64
}

// Load reads configuration from environment variables prefixed with DEPTH_
// and, when DEPTH_CONFIG names a file, from that file underneath them.
func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith reads configuration through v, so callers can bind flags first.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("DEPTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("book.depth", 20)
	v.SetDefault("book.queue_size", 1024)
	v.SetDefault("book.publish_depth", 5)

	v.SetDefault("binance.enabled", false)
	v.SetDefault("binance.ws_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("binance.rest_url", "https://api.binance.com")
	v.SetDefault("binance.markets", "")
	v.SetDefault("binance.default_tick", 0.01)
	v.SetDefault("binance.snapshot_limit", 1000)

	v.SetDefault("kalshi.enabled", false)
	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("kalshi.api_key", "")
	v.SetDefault("kalshi.private_key_file", "")
	v.SetDefault("kalshi.private_key_ciphertext_file", "")
	v.SetDefault("kalshi.aws_region", "us-east-1")
	v.SetDefault("kalshi.tickers", "")

	v.SetDefault("poly.enabled", false)
	v.SetDefault("poly.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("poly.asset_ids", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "depth.top")

	v.SetDefault("query.socket_path", "/var/run/depth/query.sock")
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("health.stale_threshold", 5*time.Second)
	v.SetDefault("health.cool_off", 30*time.Second)

	if path := os.Getenv("DEPTH_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LocalStackEndpoint = v.GetString("localstack_endpoint")

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	cfg.Book = BookConfig{
		Depth:        v.GetInt("book.depth"),
		QueueSize:    v.GetInt("book.queue_size"),
		PublishDepth: v.GetInt("book.publish_depth"),
	}
	if cfg.Book.Depth <= 0 {
		return nil, fmt.Errorf("config: book.depth must be positive, got %d", cfg.Book.Depth)
	}
	if cfg.Book.QueueSize <= 0 {
		return nil, fmt.Errorf("config: book.queue_size must be positive, got %d", cfg.Book.QueueSize)
	}

	markets, err := ParseMarkets(v.GetString("binance.markets"), v.GetFloat64("binance.default_tick"))
	if err != nil {
		return nil, fmt.Errorf("config: binance.markets: %w", err)
	}
	cfg.Binance = BinanceConfig{
		Enabled:       v.GetBool("binance.enabled"),
		WSURL:         v.GetString("binance.ws_url"),
		RESTURL:       v.GetString("binance.rest_url"),
		Markets:       markets,
		SnapshotLimit: v.GetInt("binance.snapshot_limit"),
	}

	cfg.Kalshi = KalshiConfig{
		Enabled:                  v.GetBool("kalshi.enabled"),
		WSURL:                    v.GetString("kalshi.ws_url"),
		APIKey:                   v.GetString("kalshi.api_key"),
		PrivateKeyFile:           v.GetString("kalshi.private_key_file"),
		PrivateKeyCiphertextFile: v.GetString("kalshi.private_key_ciphertext_file"),
		AWSRegion:                v.GetString("kalshi.aws_region"),
		Tickers:                  splitList(v.GetString("kalshi.tickers")),
	}

	cfg.Poly = PolyConfig{
		Enabled:  v.GetBool("poly.enabled"),
		WSURL:    v.GetString("poly.ws_url"),
		AssetIDs: splitList(v.GetString("poly.asset_ids")),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Kafka = KafkaConfig{
		Enabled: v.GetBool("kafka.enabled"),
		Brokers: splitList(v.GetString("kafka.brokers")),
		Topic:   v.GetString("kafka.topic"),
	}

	cfg.Query = QueryConfig{SocketPath: v.GetString("query.socket_path")}
	cfg.Metrics = MetricsConfig{Addr: v.GetString("metrics.addr")}

	cfg.Health = HealthConfig{
		StaleThreshold: v.GetDuration("health.stale_threshold"),
		CoolOff:        v.GetDuration("health.cool_off"),
	}

	return cfg, nil
}

// ParseMarkets parses a comma separated list of SYMBOL[:tick] entries.
// Entries without a tick get defaultTick.
func ParseMarkets(s string, defaultTick float64) ([]Market, error) {
	var out []Market
	for _, entry := range splitList(s) {
		sym, tickStr, hasTick := strings.Cut(entry, ":")
		m := Market{Symbol: strings.ToUpper(sym), Tick: defaultTick}
		if hasTick {
			tick, err := strconv.ParseFloat(tickStr, 64)
			if err != nil {
				return nil, fmt.Errorf("market %q: bad tick: %w", entry, err)
			}
			m.Tick = tick
		}
		if m.Symbol == "" || m.Tick <= 0 {
			return nil, fmt.Errorf("market %q: symbol and positive tick required", entry)
		}
		out = append(out, m)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
