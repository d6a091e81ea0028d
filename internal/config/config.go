// Package config materialises pool engine configuration from a YAML file,
// POOLENGINE_ environment variables and defaults.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/perppool/pool-engine/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Pools    []PoolConfig   `mapstructure:"pools"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps
// everything in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig enables the snapshot cache in front of PostgreSQL.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// NATSConfig enables the JetStream event stream.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	QueueSize     int    `mapstructure:"queue_size"`
}

// EthereumConfig covers on-chain price feeds.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type KeeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AuthConfig configures bearer tokens. Without a secret every caller is
// anonymous and privileged routes are refused.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// PoolConfig deploys one pool at startup.
type PoolConfig struct {
	Name                     string          `mapstructure:"name"`
	Address                  common.Address  `mapstructure:"address"`
	Leverage                 decimal.Decimal `mapstructure:"leverage"`
	Fee                      decimal.Decimal `mapstructure:"fee"`
	UpdateInterval           time.Duration   `mapstructure:"update_interval"`
	FrontRunningInterval     time.Duration   `mapstructure:"front_running_interval"`
	PrimaryFeeAddress        common.Address  `mapstructure:"primary_fee_address"`
	SecondaryFeeAddress      common.Address  `mapstructure:"secondary_fee_address"`
	SecondaryFeeSplitPercent uint8           `mapstructure:"secondary_fee_split_percent"`
	MintingFee               decimal.Decimal `mapstructure:"minting_fee"`
	BurningFee               decimal.Decimal `mapstructure:"burning_fee"`
	ChangeInterval           decimal.Decimal `mapstructure:"change_interval"`
	Settlement               TokenConfig     `mapstructure:"settlement"`
	LongToken                common.Address  `mapstructure:"long_token"`
	ShortToken               common.Address  `mapstructure:"short_token"`
	Oracle                   OracleConfig    `mapstructure:"oracle"`
}

type TokenConfig struct {
	Address  common.Address `mapstructure:"address"`
	Symbol   string         `mapstructure:"symbol"`
	Decimals uint8          `mapstructure:"decimals"`
}

// OracleConfig selects a pool's price source. Type is manual or chainlink;
// SMAPeriods > 0 wraps it in a moving average.
type OracleConfig struct {
	Type       string          `mapstructure:"type"`
	Price      decimal.Decimal `mapstructure:"price"`
	Feed       string          `mapstructure:"feed"`
	SMAPeriods int             `mapstructure:"sma_periods"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOLENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "poolengine")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "10s")

	// Empty defaults register keys so environment overrides reach Unmarshal.
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "5m")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "poolengine.events")
	v.SetDefault("nats.queue_size", 1024)

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("keeper.enabled", true)
	v.SetDefault("keeper.interval", "10s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "poolengine")
	v.SetDefault("auth.token_ttl", "24h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHook(),
			stringToAddressHook(),
		)
	}
}

func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case float64:
			// YAML numbers; the canonical form prints the shortest exact value.
			return decimal.NewFromString(fmt.Sprint(v))
		}
		return data, nil
	}
}

func stringToAddressHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(common.Address{}) || from.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return common.Address{}, nil
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Keeper.Enabled && c.Keeper.Interval <= 0 {
		return fmt.Errorf("keeper.interval must be greater than zero")
	}
	if c.Redis.URL != "" && c.Database.DSN == "" {
		return fmt.Errorf("redis.url needs database.dsn: the cache fronts PostgreSQL")
	}
	seen := make(map[common.Address]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.Address == (common.Address{}) {
			return fmt.Errorf("pools[%d].address is required", i)
		}
		if seen[p.Address] {
			return fmt.Errorf("pools[%d]: duplicate address %s", i, p.Address.Hex())
		}
		seen[p.Address] = true
		if p.UpdateInterval < time.Second {
			return fmt.Errorf("pools[%d].update_interval must be at least 1s", i)
		}
		switch p.Oracle.Type {
		case "manual":
		case "chainlink":
			if p.Oracle.Feed == "" || c.Ethereum.RPCURL == "" {
				return fmt.Errorf("pools[%d]: chainlink oracle needs oracle.feed and ethereum.rpc_url", i)
			}
		default:
			return fmt.Errorf("pools[%d].oracle.type must be manual or chainlink, got %q", i, p.Oracle.Type)
		}
	}
	return nil
}
