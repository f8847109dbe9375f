package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Deposit    DepositConfig    `mapstructure:"deposit"`
	Tokens     []TokenConfig    `mapstructure:"tokens"`
	Alert      AlertConfig      `mapstructure:"alert"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DBConfig.DSN selects the driver: a "sqlite:" prefix opens an embedded
// sqlite database, anything else is handed to the postgres driver.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	// "redis" or "memory".
	Backend       string        `mapstructure:"backend"`
	Name          string        `mapstructure:"name"`
	Attempts      int           `mapstructure:"attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	KeepCompleted int           `mapstructure:"keep_completed"`
	KeepFailed    int           `mapstructure:"keep_failed"`
	// Must exceed worker.job_timeout or running jobs get re-leased.
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
}

type SchedulerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Spec      string `mapstructure:"spec"`
	BatchSize int    `mapstructure:"batch_size"`
}

type WorkerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
}

type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`
	// Hex private key of the custodial master wallet. Prefer the env override.
	PrivateKey         string        `mapstructure:"private_key"`
	WrappedNative      []string      `mapstructure:"wrapped_native"`
	ReceiptTimeout     time.Duration `mapstructure:"receipt_timeout"`
	ReceiptPollMin     time.Duration `mapstructure:"receipt_poll_min"`
	ReceiptPollMax     time.Duration `mapstructure:"receipt_poll_max"`
	Confirmations      uint64        `mapstructure:"confirmations"`
	GasLimitMultiplier float64       `mapstructure:"gas_limit_multiplier"`
	MaxPriorityFeeGwei float64       `mapstructure:"max_priority_fee_gwei"`
	NativeDecimals     int32         `mapstructure:"native_decimals"`
	NativeSymbol       string        `mapstructure:"native_symbol"`
}

type AggregatorConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

type DepositConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	MinimumConfirmations uint64 `mapstructure:"minimum_confirmations"`
	RequireSenderMatch   bool   `mapstructure:"require_sender_match"`
}

type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Symbol   string `mapstructure:"symbol"`
	Decimals int32  `mapstructure:"decimals"`
}

type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Service    string        `mapstructure:"service"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.name", "dca-recurring-buy")
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff_base", "2s")
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.keep_failed", 500)
	v.SetDefault("queue.lease_timeout", "20m")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 30s")
	v.SetDefault("scheduler.batch_size", 500)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.job_timeout", "15m")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.wrapped_native", []string{"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"})
	v.SetDefault("chain.receipt_timeout", "5m")
	v.SetDefault("chain.receipt_poll_min", "1s")
	v.SetDefault("chain.receipt_poll_max", "15s")
	v.SetDefault("chain.confirmations", 1)
	v.SetDefault("chain.gas_limit_multiplier", 1.2)
	v.SetDefault("chain.max_priority_fee_gwei", 1.5)
	v.SetDefault("chain.native_decimals", 18)
	v.SetDefault("chain.native_symbol", "ETH")

	v.SetDefault("aggregator.base_url", "https://api.1inch.dev/swap/v6.0/1")
	v.SetDefault("aggregator.api_key", "")
	v.SetDefault("aggregator.timeout", "15s")
	v.SetDefault("aggregator.rate_limit", 1.0)
	v.SetDefault("aggregator.burst", 1)

	v.SetDefault("deposit.enabled", true)
	v.SetDefault("deposit.minimum_confirmations", 3)
	v.SetDefault("deposit.require_sender_match", true)

	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.api_key", "")
	v.SetDefault("alert.timeout", "10s")
	v.SetDefault("alert.service", "dcaengine")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
