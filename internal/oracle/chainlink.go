package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ContractCaller is the read-only slice of an Ethereum client the Chainlink
// oracle needs. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain price feed.
type ChainlinkOptions struct {
	RPCURL  string
	Feed    string
	Timeout time.Duration
}

// Chainlink reads a price from a Chainlink aggregator contract.
type Chainlink struct {
	opts   ChainlinkOptions
	logger zerolog.Logger

	mu       sync.Mutex
	client   ContractCaller
	decimals *uint8
}

// NewChainlink builds a feed that dials opts.RPCURL on first use.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{opts: opts, logger: logger.With().Str("component", "chainlink_oracle").Str("feed", opts.Feed).Logger()}
}

// NewChainlinkWithClient builds a feed over an existing client.
func NewChainlinkWithClient(feed string, client ContractCaller, logger zerolog.Logger) *Chainlink {
	c := NewChainlink(ChainlinkOptions{Feed: feed}, logger)
	c.client = client
	return c
}

func (c *Chainlink) GetPrice(ctx context.Context) (decimal.Decimal, error) {
	p, _, err := c.GetPriceAndMetadata(ctx)
	return p, err
}

// Poll has nothing to refresh; the feed is read live.
func (c *Chainlink) Poll(ctx context.Context) (decimal.Decimal, error) {
	return c.GetPrice(ctx)
}

func (c *Chainlink) GetPriceAndMetadata(ctx context.Context) (decimal.Decimal, Metadata, error) {
	if c.opts.Feed == "" {
		return decimal.Zero, Metadata{}, fmt.Errorf("%w: chainlink feed address", ErrNotConfigured)
	}
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Zero, Metadata{}, err
	}
	dec, err := c.feedDecimals(ctx, client)
	if err != nil {
		return decimal.Zero, Metadata{}, err
	}
	raw, err := c.call(ctx, client, "latestRoundData")
	if err != nil {
		return decimal.Zero, Metadata{}, err
	}
	price, md, err := decodeRoundData(raw, dec)
	if err != nil {
		return decimal.Zero, Metadata{}, err
	}
	c.logger.Debug().Str("price", price.String()).Uint64("round_id", md.RoundID).Msg("chainlink price read")
	return price, md, nil
}

func (c *Chainlink) call(ctx context.Context, client ContractCaller, method string) ([]byte, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	feed := common.HexToAddress(c.opts.Feed)
	return client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: payload}, nil)
}

func (c *Chainlink) feedDecimals(ctx context.Context, client ContractCaller) (uint8, error) {
	c.mu.Lock()
	cached := c.decimals
	c.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	raw, err := c.call(ctx, client, "decimals")
	if err != nil {
		return 0, err
	}
	out, err := aggregatorABI.Unpack("decimals", raw)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%w: decimals", ErrUnexpectedOutput)
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals type %T", ErrUnexpectedOutput, out[0])
	}
	c.mu.Lock()
	c.decimals = &dec
	c.mu.Unlock()
	return dec, nil
}

func (c *Chainlink) getClient(ctx context.Context) (ContractCaller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	if c.opts.RPCURL == "" {
		return nil, fmt.Errorf("%w: ethereum rpc url", ErrNotConfigured)
	}
	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func decodeRoundData(raw []byte, decimals uint8) (decimal.Decimal, Metadata, error) {
	out, err := aggregatorABI.Unpack("latestRoundData", raw)
	if err != nil {
		return decimal.Zero, Metadata{}, err
	}
	if len(out) != 5 {
		return decimal.Zero, Metadata{}, fmt.Errorf("%w: latestRoundData returned %d values", ErrUnexpectedOutput, len(out))
	}
	round, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	updated, ok3 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return decimal.Zero, Metadata{}, fmt.Errorf("%w: latestRoundData types", ErrUnexpectedOutput)
	}
	md := Metadata{
		Source:    "chainlink",
		RoundID:   round.Uint64(),
		UpdatedAt: time.Unix(updated.Int64(), 0).UTC(),
	}
	return decimal.NewFromBigInt(answer, -int32(decimals)), md, nil
}

var _ Oracle = (*Chainlink)(nil)
