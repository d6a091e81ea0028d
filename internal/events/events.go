// Package events fans pool and keeper events out to observers: the log,
// WebSocket clients and a NATS JetStream stream.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/model"
)

// Type names an event.
type Type string

const (
	CreateCommit               Type = "CreateCommit"
	ExecutedCommitsForInterval Type = "ExecutedCommitsForInterval"
	PoolRebalance              Type = "PoolRebalance"
	PriceChangeError           Type = "PriceChangeError"
	CompletedUpkeep            Type = "CompletedUpkeep"
	Claim                      Type = "Claim"
	AggregateBalanceUpdated    Type = "AggregateBalanceUpdated"
	FeesClaimed                Type = "FeesClaimed"
	FeesChanged                Type = "FeesChanged"
	Paused                     Type = "Paused"
	Unpaused                   Type = "Unpaused"
	InvariantViolation         Type = "InvariantViolation"
	UpkeepSuccessful           Type = "UpkeepSuccessful"
	PoolUpkeepError            Type = "PoolUpkeepError"
)

// Event is one notification. Payload is one of the payload types below.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Pool      common.Address `json:"pool"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload"`
}

// New stamps an event with an ID and the current time.
func New(t Type, pool common.Address, payload any) Event {
	return Event{ID: uuid.NewString(), Type: t, Pool: pool, Timestamp: time.Now().UTC(), Payload: payload}
}

type CommitPayload struct {
	User                 common.Address   `json:"user"`
	IntervalID           uint64           `json:"interval_id"`
	CommitType           model.CommitType `json:"commit_type"`
	Amount               decimal.Decimal  `json:"amount"`
	MintingFee           decimal.Decimal  `json:"minting_fee"`
	FromAggregateBalance bool             `json:"from_aggregate_balance"`
	PayForClaim          bool             `json:"pay_for_claim"`
}

type IntervalPayload struct {
	IntervalID         uint64           `json:"interval_id"`
	Prices             model.Prices     `json:"prices"`
	Fees               model.FeeHistory `json:"fees"`
	LongMinted         decimal.Decimal  `json:"long_minted"`
	ShortMinted        decimal.Decimal  `json:"short_minted"`
	SettlementReleased decimal.Decimal  `json:"settlement_released"`
}

type RebalancePayload struct {
	OldPrice     decimal.Decimal `json:"old_price"`
	NewPrice     decimal.Decimal `json:"new_price"`
	LongBalance  decimal.Decimal `json:"long_balance"`
	ShortBalance decimal.Decimal `json:"short_balance"`
	LongFee      decimal.Decimal `json:"long_fee"`
	ShortFee     decimal.Decimal `json:"short_fee"`
}

type UpkeepPayload struct {
	OldPrice           decimal.Decimal `json:"old_price"`
	NewPrice           decimal.Decimal `json:"new_price"`
	IntervalsExecuted  int             `json:"intervals_executed"`
	UpdateIntervalID   uint64          `json:"update_interval_id"`
	LastPriceTimestamp uint64          `json:"last_price_timestamp"`
	MintingFee         decimal.Decimal `json:"minting_fee"`
	Backlog            bool            `json:"backlog"`
	Error              string          `json:"error,omitempty"`
}

type ClaimPayload struct {
	User    common.Address `json:"user"`
	Balance model.Balance  `json:"balance"`
}

type FeesPayload struct {
	Receiver   common.Address  `json:"receiver,omitempty"`
	Amount     decimal.Decimal `json:"amount,omitempty"`
	MintingFee decimal.Decimal `json:"minting_fee,omitempty"`
	BurningFee decimal.Decimal `json:"burning_fee,omitempty"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

// Sink receives events. Publish must not block the caller for long; pools
// publish while holding their lock.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

func (l *LogSink) Publish(_ context.Context, e Event) {
	ev := l.logger.Info()
	if e.Type == PriceChangeError || e.Type == PoolUpkeepError || e.Type == InvariantViolation {
		ev = l.logger.Warn()
	}
	ev.Str("event", string(e.Type)).Str("pool", e.Pool.Hex()).Interface("payload", e.Payload).Msg("pool event")
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
