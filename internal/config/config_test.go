package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const sample = `
logging:
  level: debug
http:
  addr: ":9090"
keeper:
  interval: 30s
pools:
  - name: ETH-3x
    address: "0x2000000000000000000000000000000000000002"
    leverage: 3
    fee: "0.001"
    update_interval: 1h
    front_running_interval: 5m
    primary_fee_address: "0x00000000000000000000000000000000000000f1"
    secondary_fee_split_percent: 10
    minting_fee: 0.005
    settlement:
      address: "0x0000000000000000000000000000000000000011"
      symbol: USDC
      decimals: 6
    oracle:
      type: manual
      price: "1800.5"
      sma_periods: 4
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("unexpected http config %+v", cfg.HTTP)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}
	if cfg.Keeper.Interval != 30*time.Second || !cfg.Keeper.Enabled {
		t.Errorf("unexpected keeper config %+v", cfg.Keeper)
	}
	if len(cfg.Pools) != 1 {
		t.Fatalf("expected one pool, got %d", len(cfg.Pools))
	}
	p := cfg.Pools[0]
	if p.Address != common.HexToAddress("0x2000000000000000000000000000000000000002") {
		t.Errorf("address = %s", p.Address.Hex())
	}
	checks := map[string][2]decimal.Decimal{
		"leverage":    {p.Leverage, decimal.NewFromInt(3)},
		"fee":         {p.Fee, decimal.RequireFromString("0.001")},
		"minting_fee": {p.MintingFee, decimal.RequireFromString("0.005")},
		"price":       {p.Oracle.Price, decimal.RequireFromString("1800.5")},
	}
	for name, c := range checks {
		if !c[0].Equal(c[1]) {
			t.Errorf("%s = %s, want %s", name, c[0], c[1])
		}
	}
	if p.UpdateInterval != time.Hour || p.FrontRunningInterval != 5*time.Minute {
		t.Errorf("unexpected intervals %s %s", p.UpdateInterval, p.FrontRunningInterval)
	}
	if p.SecondaryFeeSplitPercent != 10 || p.Settlement.Decimals != 6 || p.Oracle.SMAPeriods != 4 {
		t.Errorf("unexpected pool %+v", p)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POOLENGINE_HTTP_ADDR", ":7070")
	t.Setenv("POOLENGINE_DATABASE_DSN", "postgres://localhost/pools")
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7070" || cfg.Database.DSN != "postgres://localhost/pools" {
		t.Errorf("env not applied: %+v %+v", cfg.HTTP, cfg.Database)
	}
}

func TestLoad_InvalidAddress(t *testing.T) {
	body := strings.Replace(sample, "0x2000000000000000000000000000000000000002", "not-an-address", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Keeper: KeeperConfig{Enabled: true, Interval: time.Second},
			Pools: []PoolConfig{{
				Address:        common.HexToAddress("0x02"),
				UpdateInterval: time.Minute,
				Oracle:         OracleConfig{Type: "manual"},
			}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"zero keeper interval", func(c *Config) { c.Keeper.Interval = 0 }, false},
		{"keeper disabled ignores interval", func(c *Config) { c.Keeper = KeeperConfig{} }, true},
		{"redis without database", func(c *Config) { c.Redis.URL = "redis://localhost" }, false},
		{"missing pool address", func(c *Config) { c.Pools[0].Address = common.Address{} }, false},
		{"duplicate pool", func(c *Config) { c.Pools = append(c.Pools, c.Pools[0]) }, false},
		{"sub-second interval", func(c *Config) { c.Pools[0].UpdateInterval = time.Millisecond }, false},
		{"unknown oracle", func(c *Config) { c.Pools[0].Oracle.Type = "pyth" }, false},
		{"chainlink without rpc", func(c *Config) {
			c.Pools[0].Oracle = OracleConfig{Type: "chainlink", Feed: "0x05"}
		}, false},
		{"chainlink with rpc", func(c *Config) {
			c.Pools[0].Oracle = OracleConfig{Type: "chainlink", Feed: "0x05"}
			c.Ethereum.RPCURL = "http://localhost:8545"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}
