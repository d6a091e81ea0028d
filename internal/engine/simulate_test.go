package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/perppool/pool-engine/internal/config"
	"github.com/shopspring/decimal"
)

func TestSimulate(t *testing.T) {
	var out bytes.Buffer
	steps, err := Simulate(context.Background(), Scenario{
		Pool:      config.PoolConfig{Name: "ETH", Leverage: d("1"), UpdateInterval: time.Hour},
		LongMint:  d("1000"),
		ShortMint: d("1000"),
		Prices:    []decimal.Decimal{d("1800"), d("1800"), d("1980")},
	}, &out)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	first := steps[0]
	if first.IntervalID != 1 || !first.LongBalance.Equal(d("1000")) || !first.ShortBalance.Equal(d("1000")) {
		t.Errorf("unexpected first step %+v", first)
	}
	if !steps[1].LongBalance.Equal(d("1000")) {
		t.Errorf("flat price moved value: %+v", steps[1])
	}
	last := steps[2]
	if !last.LongBalance.GreaterThan(d("1000")) || !last.ShortBalance.LessThan(d("1000")) {
		t.Errorf("price rise should move value to longs: %+v", last)
	}
	if total := last.LongBalance.Add(last.ShortBalance).Add(last.Fees); !total.Equal(d("2000")) {
		t.Errorf("value not conserved: %s", total)
	}
	if !strings.Contains(out.String(), "long bal") || strings.Count(out.String(), "\n") != 4 {
		t.Errorf("unexpected table:\n%s", out.String())
	}
}

func TestSimulate_NoPrices(t *testing.T) {
	if _, err := Simulate(context.Background(), Scenario{}, nil); err == nil {
		t.Fatal("expected error without prices")
	}
}
