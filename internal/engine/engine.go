// Package engine assembles a running pool engine from configuration: the
// store, event sinks, pools, keeper and HTTP surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perppool/pool-engine/internal/api"
	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/config"
	"github.com/perppool/pool-engine/internal/events"
	"github.com/perppool/pool-engine/internal/keeper"
	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/oracle"
	"github.com/perppool/pool-engine/internal/pool"
	"github.com/perppool/pool-engine/internal/store"
	"github.com/perppool/pool-engine/internal/token"
)

// KeeperSubject is the principal the background keeper acts as.
const KeeperSubject = "keeper-loop"

// Deployment is one pool with the ledgers and oracle it was built with.
type Deployment struct {
	Pool       *pool.Pool
	Settlement *token.Memory
	Long       *token.Memory
	Short      *token.Memory
	Oracle     oracle.Oracle
}

// Engine owns every long-lived component.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger

	Store    store.Store
	Registry *pool.Registry
	Keeper   *keeper.Keeper
	Hub      *api.WSHub
	Tokens   *auth.TokenService

	deployments map[common.Address]*Deployment
	settlements map[common.Address]*token.Memory
	sinks       events.Multi
	nats        *events.NATSPublisher
	closers     []func()
}

// Options override collaborators Build would otherwise create.
type Options struct {
	// Store replaces the configured store.
	Store store.Store
	// Clock drives every pool. Defaults to time.Now.
	Clock func() time.Time
}

// Build wires an engine from cfg. Close releases what it opened.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		Registry:    pool.NewRegistry(),
		Hub:         api.NewWSHub(logger),
		deployments: make(map[common.Address]*Deployment),
		settlements: make(map[common.Address]*token.Memory),
	}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if err := e.openStore(ctx, opts.Store); err != nil {
		return nil, err
	}
	if err := e.openEvents(ctx); err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret != "" {
		ts, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return nil, err
		}
		e.Tokens = ts
	} else {
		logger.Warn().Msg("auth.jwt_secret not set, privileged routes are disabled")
	}

	e.Keeper = keeper.New(e.Registry, e.sinks, keeper.Options{
		Interval:  cfg.Keeper.Interval,
		Principal: auth.Principal{Subject: KeeperSubject, Roles: []auth.Role{auth.RoleKeeper}},
	}, logger)

	for _, pc := range cfg.Pools {
		if err := e.deploy(ctx, pc, opts.Clock); err != nil {
			return nil, fmt.Errorf("pool %s: %w", pc.Name, err)
		}
	}

	ok = true
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, override store.Store) error {
	if override != nil {
		e.Store = override
		return nil
	}
	db := e.cfg.Database
	if db.DSN == "" {
		e.logger.Warn().Msg("database.dsn not set, using in-memory store (data will not persist)")
		e.Store = store.NewMemoryStore()
		return nil
	}

	pg, err := store.Open(ctx, store.Options{
		DSN:             db.DSN,
		MaxConns:        int32(db.MaxOpenConns),
		MinConns:        int32(db.MaxIdleConns),
		ConnMaxLifetime: db.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	e.closers = append(e.closers, pg.Close)
	ps := store.NewPostgresStore(pg)
	if db.Migrate {
		if err := ps.Migrate(ctx); err != nil {
			return err
		}
	}
	e.Store = ps
	e.logger.Info().Msg("connected to PostgreSQL")

	if e.cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(e.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		e.closers = append(e.closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		e.Store = store.NewCachedStore(ps, rdb, e.cfg.Redis.CacheTTL)
		e.logger.Info().Msg("redis cache enabled")
	}
	return nil
}

func (e *Engine) openEvents(ctx context.Context) error {
	e.sinks = events.Multi{events.NewLogSink(e.logger), e.Hub}
	if e.cfg.NATS.URL == "" {
		return nil
	}
	nc, err := nats.Connect(e.cfg.NATS.URL, nats.Name(e.cfg.App.Name))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	e.closers = append(e.closers, nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	if err := events.EnsureStream(ctx, js, e.cfg.NATS.SubjectPrefix); err != nil {
		return err
	}
	e.nats = events.NewNATSPublisher(js, e.cfg.NATS.SubjectPrefix, e.cfg.NATS.QueueSize, e.logger)
	e.sinks = append(e.sinks, e.nats)
	e.logger.Info().Str("url", e.cfg.NATS.URL).Msg("publishing events to nats")
	return nil
}

// deploy builds one pool, restoring it from the store when a snapshot
// exists.
func (e *Engine) deploy(ctx context.Context, pc config.PoolConfig, clock func() time.Time) error {
	settlement, err := e.settlementToken(pc)
	if err != nil {
		return err
	}
	longAddr, shortAddr := pc.LongToken, pc.ShortToken
	if longAddr == (common.Address{}) {
		longAddr = crypto.CreateAddress(pc.Address, 1)
	}
	if shortAddr == (common.Address{}) {
		shortAddr = crypto.CreateAddress(pc.Address, 2)
	}
	long, err := token.NewMemory(longAddr, "L-"+pc.Name, settlement.Decimals(), pc.Address)
	if err != nil {
		return err
	}
	short, err := token.NewMemory(shortAddr, "S-"+pc.Name, settlement.Decimals(), pc.Address)
	if err != nil {
		return err
	}

	o, err := e.oracleFor(pc)
	if err != nil {
		return err
	}

	deps := pool.Deps{
		Settlement: settlement,
		Long:       long,
		Short:      short,
		Authorizer: auth.Roles{},
		Events:     e.sinks,
		Journal:    e.Store,
		Logger:     e.logger,
		Clock:      clock,
	}

	var p *pool.Pool
	snap, err := e.Store.GetPool(ctx, pc.Address)
	switch {
	case err == nil:
		if err := reseed(ctx, snap, settlement, long, short); err != nil {
			return err
		}
		p, err = pool.FromSnapshot(snap, deps)
		if err != nil {
			return err
		}
	case errors.Is(err, store.ErrNotFound):
		p, err = pool.New(paramsFor(pc), deps)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("load snapshot: %w", err)
	}

	if err := e.Registry.Register(p); err != nil {
		return err
	}
	e.Keeper.Watch(ctx, pc.Address, o)
	e.deployments[pc.Address] = &Deployment{Pool: p, Settlement: settlement, Long: long, Short: short, Oracle: o}
	return nil
}

func paramsFor(pc config.PoolConfig) model.PoolParams {
	return model.PoolParams{
		Name:                     pc.Name,
		Address:                  pc.Address,
		Leverage:                 pc.Leverage,
		Fee:                      pc.Fee,
		UpdateInterval:           uint64(pc.UpdateInterval / time.Second),
		FrontRunningInterval:     uint64(pc.FrontRunningInterval / time.Second),
		PrimaryFeeAddress:        pc.PrimaryFeeAddress,
		SecondaryFeeAddress:      pc.SecondaryFeeAddress,
		SecondaryFeeSplitPercent: pc.SecondaryFeeSplitPercent,
		MintingFee:               pc.MintingFee,
		BurningFee:               pc.BurningFee,
		ChangeInterval:           pc.ChangeInterval,
	}
}

// settlementToken returns the shared ledger for the configured settlement
// address, creating it on first use.
func (e *Engine) settlementToken(pc config.PoolConfig) (*token.Memory, error) {
	addr := pc.Settlement.Address
	if addr == (common.Address{}) {
		addr = crypto.CreateAddress(pc.Address, 0)
	}
	if tok, ok := e.settlements[addr]; ok {
		return tok, nil
	}
	symbol := pc.Settlement.Symbol
	if symbol == "" {
		symbol = "USD"
	}
	decimals := pc.Settlement.Decimals
	if decimals == 0 {
		decimals = 18
	}
	tok, err := token.NewMemory(addr, symbol, decimals, common.Address{})
	if err != nil {
		return nil, err
	}
	e.settlements[addr] = tok
	return tok, nil
}

func (e *Engine) oracleFor(pc config.PoolConfig) (oracle.Oracle, error) {
	var o oracle.Oracle
	switch pc.Oracle.Type {
	case "chainlink":
		o = oracle.NewChainlink(oracle.ChainlinkOptions{
			RPCURL:  e.cfg.Ethereum.RPCURL,
			Feed:    pc.Oracle.Feed,
			Timeout: e.cfg.Ethereum.RequestTimeout,
		}, e.logger)
	default:
		o = oracle.NewManual(pc.Oracle.Price)
	}
	if pc.Oracle.SMAPeriods > 0 {
		sma, err := oracle.NewSMA(o, pc.Oracle.SMAPeriods)
		if err != nil {
			return nil, err
		}
		return sma, nil
	}
	return o, nil
}

// reseed restores pool-side holdings into fresh in-memory ledgers. Wallet
// balances are not durable; the circulating pool-token supply is parked
// with the pool so prices carry over unchanged.
func reseed(ctx context.Context, snap pool.Snapshot, settlement, long, short *token.Memory) error {
	addr := snap.Params.Address
	if held := snap.SettlementHeld(); held.IsPositive() {
		if err := settlement.Mint(ctx, common.Address{}, addr, held); err != nil {
			return fmt.Errorf("reseed settlement: %w", err)
		}
	}
	if snap.Supplies.Long.IsPositive() {
		if err := long.Mint(ctx, addr, addr, snap.Supplies.Long); err != nil {
			return fmt.Errorf("reseed long: %w", err)
		}
	}
	if snap.Supplies.Short.IsPositive() {
		if err := short.Mint(ctx, addr, addr, snap.Supplies.Short); err != nil {
			return fmt.Errorf("reseed short: %w", err)
		}
	}
	return nil
}

// Settlement implements api.Wallets.
func (e *Engine) Settlement(addr common.Address) (*token.Memory, error) {
	d, ok := e.deployments[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pool.ErrPoolNotFound, addr.Hex())
	}
	return d.Settlement, nil
}

// Deployment returns the pool deployed at addr.
func (e *Engine) Deployment(addr common.Address) (*Deployment, bool) {
	d, ok := e.deployments[addr]
	return d, ok
}

// Handler returns the HTTP API.
func (e *Engine) Handler() http.Handler {
	svc := api.NewService(e.Registry, e.Keeper, e.Store, e, e.logger)
	return api.NewRouter(api.RouterOptions{
		Service: svc,
		Hub:     e.Hub,
		Tokens:  e.Tokens,
		Logger:  e.logger,
		Name:    e.cfg.App.Name,
	})
}

// Run drives the background loops until ctx is cancelled: the WebSocket
// hub, the NATS publisher and, when withKeeper is set, the keeper.
func (e *Engine) Run(ctx context.Context, withKeeper bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.Hub.Run(ctx)
		return nil
	})
	if e.nats != nil {
		g.Go(func() error { return ignoreCancel(e.nats.Run(ctx)) })
	}
	if withKeeper {
		g.Go(func() error { return ignoreCancel(e.Keeper.Run(ctx)) })
	}
	return g.Wait()
}

// Close releases connections in reverse order of opening.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
