// Package token is the fungible-token collaborator of the pool engine: the
// settlement token and the long/short pool tokens all sit behind Ledger.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/fixed"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrDecimalsTooHigh       = errors.New("token: decimals exceed 18")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrUnauthorized          = errors.New("token: caller may not mint or burn")
)

// Ledger is an ERC-20 style token. Amounts are integral base units.
type Ledger interface {
	Address() common.Address
	Symbol() string
	Decimals() uint8
	BalanceOf(ctx context.Context, owner common.Address) (decimal.Decimal, error)
	TotalSupply(ctx context.Context) (decimal.Decimal, error)
	Allowance(ctx context.Context, owner, spender common.Address) (decimal.Decimal, error)
	Approve(ctx context.Context, owner, spender common.Address, amount decimal.Decimal) error
	Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount decimal.Decimal) error
	// Mint and Burn are restricted to the token's minter (its pool).
	Mint(ctx context.Context, minter, to common.Address, amount decimal.Decimal) error
	Burn(ctx context.Context, minter, from common.Address, amount decimal.Decimal) error
}

type allowanceKey struct {
	owner, spender common.Address
}

// Memory is an in-process Ledger.
type Memory struct {
	mu         sync.RWMutex
	address    common.Address
	symbol     string
	decimals   uint8
	minter     common.Address
	supply     decimal.Decimal
	balances   map[common.Address]decimal.Decimal
	allowances map[allowanceKey]decimal.Decimal
}

// NewMemory creates an empty token. A zero minter leaves Mint and Burn
// unrestricted, which suits a settlement token faucet.
func NewMemory(address common.Address, symbol string, decimals uint8, minter common.Address) (*Memory, error) {
	if decimals > fixed.WadDecimals {
		return nil, fmt.Errorf("%w: %d", ErrDecimalsTooHigh, decimals)
	}
	if address == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	return &Memory{
		address:    address,
		symbol:     symbol,
		decimals:   decimals,
		minter:     minter,
		supply:     decimal.Zero,
		balances:   make(map[common.Address]decimal.Decimal),
		allowances: make(map[allowanceKey]decimal.Decimal),
	}, nil
}

func (m *Memory) Address() common.Address { return m.address }

func (m *Memory) Symbol() string { return m.symbol }

func (m *Memory) Decimals() uint8 { return m.decimals }

// SetMinter hands mint and burn rights to a pool.
func (m *Memory) SetMinter(minter common.Address) {
	m.mu.Lock()
	m.minter = minter
	m.mu.Unlock()
}

func (m *Memory) BalanceOf(_ context.Context, owner common.Address) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceOf(owner), nil
}

func (m *Memory) balanceOf(owner common.Address) decimal.Decimal {
	if b, ok := m.balances[owner]; ok {
		return b
	}
	return decimal.Zero
}

func (m *Memory) TotalSupply(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.supply, nil
}

func (m *Memory) Allowance(_ context.Context, owner, spender common.Address) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.allowances[allowanceKey{owner, spender}]; ok {
		return a, nil
	}
	return decimal.Zero, nil
}

func (m *Memory) Approve(_ context.Context, owner, spender common.Address, amount decimal.Decimal) error {
	if err := fixed.CheckAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{owner, spender}] = amount
	return nil
}

func (m *Memory) Transfer(_ context.Context, from, to common.Address, amount decimal.Decimal) error {
	if err := fixed.CheckAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(from, to, amount)
}

func (m *Memory) TransferFrom(_ context.Context, spender, from, to common.Address, amount decimal.Decimal) error {
	if err := fixed.CheckAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := allowanceKey{from, spender}
	allowed := m.allowances[key]
	if spender != from && allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s allowed, %s requested", ErrInsufficientAllowance, allowed, amount)
	}
	if err := m.move(from, to, amount); err != nil {
		return err
	}
	if spender != from {
		m.allowances[key] = allowed.Sub(amount)
	}
	return nil
}

func (m *Memory) move(from, to common.Address, amount decimal.Decimal) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := m.balanceOf(from)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from.Hex(), bal, m.symbol, amount)
	}
	m.balances[from] = bal.Sub(amount)
	m.balances[to] = m.balanceOf(to).Add(amount)
	return nil
}

func (m *Memory) Mint(_ context.Context, minter, to common.Address, amount decimal.Decimal) error {
	if err := fixed.CheckAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.minter != (common.Address{}) && minter != m.minter {
		return ErrUnauthorized
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	m.balances[to] = m.balanceOf(to).Add(amount)
	m.supply = m.supply.Add(amount)
	return nil
}

func (m *Memory) Burn(_ context.Context, minter, from common.Address, amount decimal.Decimal) error {
	if err := fixed.CheckAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.minter != (common.Address{}) && minter != m.minter {
		return ErrUnauthorized
	}
	bal := m.balanceOf(from)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, burning %s", ErrInsufficientBalance, from.Hex(), bal, m.symbol, amount)
	}
	m.balances[from] = bal.Sub(amount)
	m.supply = m.supply.Sub(amount)
	return nil
}

// Holders returns every non-zero balance. Used by invariant checks and
// the simulator.
func (m *Memory) Holders() map[common.Address]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[common.Address]decimal.Decimal, len(m.balances))
	for k, v := range m.balances {
		if !v.IsZero() {
			out[k] = v
		}
	}
	return out
}

var _ Ledger = (*Memory)(nil)
