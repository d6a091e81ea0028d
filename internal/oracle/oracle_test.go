package oracle

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestManual_SetAndRead(t *testing.T) {
	ctx := context.Background()
	m := NewManual(d("1"))
	m.Set(d("2.5"))
	p, md, err := m.GetPriceAndMetadata(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d("2.5")) || md.RoundID != 2 {
		t.Errorf("expected 2.5 at round 2, got %s at %d", p, md.RoundID)
	}
	var empty Manual
	if _, err := empty.GetPrice(ctx); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}

func TestSMA_AveragesLastPeriods(t *testing.T) {
	ctx := context.Background()
	src := NewManual(d("1"))
	sma, err := NewSMA(src, 3)
	if err != nil {
		t.Fatalf("new sma: %v", err)
	}
	if _, err := sma.GetPrice(ctx); !errors.Is(err, ErrNoObservations) {
		t.Errorf("expected ErrNoObservations, got %v", err)
	}
	for _, p := range []string{"1", "2", "3", "7"} {
		src.Set(d(p))
		if _, err := sma.Poll(ctx); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	// Window holds 2, 3, 7.
	got, _ := sma.GetPrice(ctx)
	if !got.Equal(d("4")) {
		t.Errorf("expected 4, got %s", got)
	}
}

func TestNewSMA_RejectsBadPeriods(t *testing.T) {
	for _, n := range []int{0, 25} {
		if _, err := NewSMA(NewManual(d("1")), n); !errors.Is(err, ErrInvalidPeriods) {
			t.Errorf("periods %d: expected ErrInvalidPeriods, got %v", n, err)
		}
	}
}

type fakeFeed struct {
	answer *big.Int
	calls  int
}

func (f *fakeFeed) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if bytes.Equal(msg.Data[:4], aggregatorABI.Methods["decimals"].ID) {
		return aggregatorABI.Methods["decimals"].Outputs.Pack(uint8(8))
	}
	return aggregatorABI.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(42), f.answer, big.NewInt(1_700_000_000), big.NewInt(1_700_000_060), big.NewInt(42))
}

func TestChainlink_DecodesLatestRound(t *testing.T) {
	feed := &fakeFeed{answer: big.NewInt(312_345_678_900)}
	c := NewChainlinkWithClient("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419", feed, zerolog.Nop())

	p, md, err := c.GetPriceAndMetadata(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d("3123.456789")) {
		t.Errorf("expected 3123.456789, got %s", p)
	}
	if md.RoundID != 42 || md.UpdatedAt.Unix() != 1_700_000_060 {
		t.Errorf("unexpected metadata %+v", md)
	}

	// Decimals are read once and cached.
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if feed.calls != 3 {
		t.Errorf("expected 3 contract calls, got %d", feed.calls)
	}
}

func TestChainlink_PassesNegativeAnswerThrough(t *testing.T) {
	feed := &fakeFeed{answer: big.NewInt(-5)}
	c := NewChainlinkWithClient("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419", feed, zerolog.Nop())
	p, err := c.GetPrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsNegative() {
		t.Errorf("expected a negative price, got %s", p)
	}
}

func TestChainlink_RequiresFeed(t *testing.T) {
	c := NewChainlink(ChainlinkOptions{}, zerolog.Nop())
	if _, err := c.GetPrice(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
