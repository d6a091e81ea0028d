// Package api serves the pool engine over HTTP: pool read models, commits,
// claims, keeper triggers, admin actions and a WebSocket event feed.
//
// All monetary values use shopspring/decimal.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/codec"
	"github.com/perppool/pool-engine/internal/fixed"
	"github.com/perppool/pool-engine/internal/keeper"
	"github.com/perppool/pool-engine/internal/ledger"
	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/pool"
	"github.com/perppool/pool-engine/internal/store"
	"github.com/perppool/pool-engine/internal/swap"
	"github.com/perppool/pool-engine/internal/token"
)

const defaultHistoryLimit = 50

// Wallets resolves the settlement token a pool is denominated in. Only
// in-memory token ledgers can be approved or minted through the API.
type Wallets interface {
	Settlement(pool common.Address) (*token.Memory, error)
}

// Service handles pool operations over HTTP. Pools serialise their own
// operations; the service holds no lock.
type Service struct {
	pools   *pool.Registry
	keeper  *keeper.Keeper
	history store.Store
	wallets Wallets
	authz   auth.Authorizer
	logger  zerolog.Logger
}

// NewService creates a new pool service.
func NewService(pools *pool.Registry, k *keeper.Keeper, history store.Store, wallets Wallets, logger zerolog.Logger) *Service {
	return &Service{
		pools:   pools,
		keeper:  k,
		history: history,
		wallets: wallets,
		authz:   auth.Roles{},
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// --- Request/Response types ---

// CommitRequest is the JSON body for POST /pools/{pool}/commit. Either
// Args (a packed 32-byte word in hex) or Type and Amount are given.
type CommitRequest struct {
	Args                 string            `json:"args,omitempty"`
	Type                 *model.CommitType `json:"type,omitempty"`
	Amount               decimal.Decimal   `json:"amount"`
	FromAggregateBalance bool              `json:"from_aggregate_balance"`
	PayForClaim          bool              `json:"pay_for_claim"`
}

// CommitResponse is the JSON body returned from a commit.
type CommitResponse struct {
	IntervalID           uint64           `json:"interval_id"`
	Type                 model.CommitType `json:"type"`
	Amount               decimal.Decimal  `json:"amount"`
	Gross                decimal.Decimal  `json:"gross"`
	MintingFee           decimal.Decimal  `json:"minting_fee"`
	Aggregated           model.Balance    `json:"aggregated"`
	FromAggregateBalance bool             `json:"from_aggregate_balance"`
	PayForClaim          bool             `json:"pay_for_claim"`
}

// BalanceResponse previews what a claim would pay out.
type BalanceResponse struct {
	User      common.Address `json:"user"`
	Balance   model.Balance  `json:"balance"`
	Remaining int            `json:"remaining"`
}

// CommitmentsResponse lists a user's queued and historical commits.
type CommitmentsResponse struct {
	Pending []ledger.PendingCommit `json:"pending"`
	History []model.CommitRecord   `json:"history"`
}

// UpkeepRequest is the JSON body for POST /keeper/upkeep. Packed is a hex
// concatenation of 20-byte addresses. With neither field every registered
// pool is considered.
type UpkeepRequest struct {
	Pools  []common.Address `json:"pools,omitempty"`
	Packed string           `json:"packed,omitempty"`
}

type UpkeepResponse struct {
	Upkept  []common.Address  `json:"upkept"`
	Skipped []common.Address  `json:"skipped"`
	Failed  map[string]string `json:"failed"`
}

type AmountRequest struct {
	To     common.Address  `json:"to,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

type FeesRequest struct {
	MintingFee     decimal.Decimal `json:"minting_fee"`
	BurningFee     decimal.Decimal `json:"burning_fee"`
	ChangeInterval decimal.Decimal `json:"change_interval"`
}

// --- HTTP Handlers ---

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools := s.pools.List()
	out := make([]model.PoolSummary, 0, len(pools))
	for _, p := range pools {
		sum, err := p.Summary(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPool handles GET /api/v1/pools/{pool}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sum, err := p.Summary(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Commit handles POST /api/v1/pools/{pool}/commit for the caller's address.
func (s *Service) Commit(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	var body CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req model.CommitRequest
	switch {
	case body.Args != "":
		req, err = codec.DecodeCommitHex(body.Args)
		if err != nil {
			s.fail(w, err)
			return
		}
	case body.Type != nil:
		req = model.CommitRequest{
			Type:                 *body.Type,
			Amount:               body.Amount,
			FromAggregateBalance: body.FromAggregateBalance,
			PayForClaim:          body.PayForClaim,
		}
	default:
		writeError(w, "either args or type is required", http.StatusBadRequest)
		return
	}

	res, err := p.Commit(r.Context(), user, req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommitResponse{
		IntervalID:           res.IntervalID,
		Type:                 res.Type,
		Amount:               res.Amount,
		Gross:                res.Gross,
		MintingFee:           res.MintingFee,
		Aggregated:           res.Aggregated.Balance,
		FromAggregateBalance: res.FromAggregateBalance,
		PayForClaim:          res.PayForClaim,
	})
}

// Claim handles POST /api/v1/pools/{pool}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	b, err := p.Claim(r.Context(), user)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetBalance handles GET /api/v1/pools/{pool}/balances/{user}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	user, err := addressParam(r, "user")
	if err != nil {
		s.fail(w, err)
		return
	}
	agg := p.ReadAggregate(user)
	writeJSON(w, http.StatusOK, BalanceResponse{User: user, Balance: agg.Balance, Remaining: agg.Remaining})
}

// GetCommitments handles GET /api/v1/pools/{pool}/commitments/{user}
func (s *Service) GetCommitments(w http.ResponseWriter, r *http.Request) {
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	user, err := addressParam(r, "user")
	if err != nil {
		s.fail(w, err)
		return
	}
	history, err := s.history.ListCommitRecordsByUser(r.Context(), p.Address(), user)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := CommitmentsResponse{Pending: p.PendingCommits(user), History: history}
	if resp.Pending == nil {
		resp.Pending = []ledger.PendingCommit{}
	}
	if resp.History == nil {
		resp.History = []model.CommitRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory handles GET /api/v1/pools/{pool}/history?limit=N
// Returns upkeep records, newest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	limit := defaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.history.ListUpkeepRecords(r.Context(), p.Address(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []model.UpkeepRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Upkeep handles POST /api/v1/keeper/upkeep. Requires the keeper role.
func (s *Service) Upkeep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Authorize(ctx, auth.RoleKeeper); err != nil {
		s.fail(w, err)
		return
	}

	var body UpkeepRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var res keeper.BatchResult
	switch {
	case body.Packed != "":
		packed, err := hex.DecodeString(strings.TrimPrefix(body.Packed, "0x"))
		if err != nil {
			writeError(w, "packed must be hex", http.StatusBadRequest)
			return
		}
		res, err = s.keeper.PerformUpkeepMultiplePoolsPacked(ctx, packed)
		if err != nil {
			s.fail(w, err)
			return
		}
	case len(body.Pools) > 0:
		res = s.keeper.PerformUpkeepMultiplePools(ctx, body.Pools)
	default:
		res = s.keeper.PerformUpkeepMultiplePools(ctx, s.pools.Addresses())
	}

	resp := UpkeepResponse{Upkept: res.Upkept, Skipped: res.Skipped, Failed: res.Errors()}
	if resp.Upkept == nil {
		resp.Upkept = []common.Address{}
	}
	if resp.Skipped == nil {
		resp.Skipped = []common.Address{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Approve handles POST /api/v1/pools/{pool}/approve: the caller lets the
// pool pull Amount of settlement.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	p, tok, err := s.settlement(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := tok.Approve(r.Context(), user, p.Address(), body.Amount); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Faucet handles POST /api/v1/pools/{pool}/faucet. Owner only; mints
// settlement to the given address.
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Authorize(ctx, auth.RoleOwner); err != nil {
		s.fail(w, err)
		return
	}
	_, tok, err := s.settlement(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.To == (common.Address{}) {
		writeError(w, "to is required", http.StatusBadRequest)
		return
	}
	minter, _ := auth.FromContext(ctx)
	if err := tok.Mint(ctx, minter.Address, body.To, body.Amount); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info().Str("to", body.To.Hex()).Str("amount", body.Amount.String()).Msg("settlement minted")
	w.WriteHeader(http.StatusNoContent)
}

// Pause handles POST /api/v1/pools/{pool}/pause
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, (*pool.Pool).Pause)
}

// Unpause handles POST /api/v1/pools/{pool}/unpause
func (s *Service) Unpause(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, (*pool.Pool).Unpause)
}

// CheckInvariants handles POST /api/v1/pools/{pool}/invariants
func (s *Service) CheckInvariants(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, (*pool.Pool).CheckInvariants)
}

// SetFees handles PUT /api/v1/pools/{pool}/fees
func (s *Service) SetFees(w http.ResponseWriter, r *http.Request) {
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body FeesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := p.SetFees(r.Context(), body.MintingFee, body.BurningFee, body.ChangeInterval); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClaimFees handles POST /api/v1/pools/{pool}/fees/{receiver}/claim where
// receiver is primary or secondary. Fee controller only.
func (s *Service) ClaimFees(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Authorize(ctx, auth.RoleFeeController); err != nil {
		s.fail(w, err)
		return
	}
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var amount decimal.Decimal
	switch chi.URLParam(r, "receiver") {
	case "primary":
		amount, err = p.ClaimPrimaryFees(ctx)
	case "secondary":
		amount, err = p.ClaimSecondaryFees(ctx)
	default:
		writeError(w, "receiver must be primary or secondary", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amount})
}

func (s *Service) admin(w http.ResponseWriter, r *http.Request, op func(*pool.Pool, context.Context) error) {
	p, err := s.pool(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := op(p, r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	sum, err := p.Summary(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- helpers ---

func (s *Service) pool(r *http.Request) (*pool.Pool, error) {
	addr, err := addressParam(r, "pool")
	if err != nil {
		return nil, err
	}
	return s.pools.Get(addr)
}

func (s *Service) settlement(r *http.Request) (*pool.Pool, *token.Memory, error) {
	p, err := s.pool(r)
	if err != nil {
		return nil, nil, err
	}
	if s.wallets == nil {
		return nil, nil, errWalletsDisabled
	}
	tok, err := s.wallets.Settlement(p.Address())
	if err != nil {
		return nil, nil, err
	}
	return p, tok, nil
}

var (
	errBadAddress      = errors.New("api: invalid address")
	errWalletsDisabled = errors.New("api: settlement wallets are not managed by this server")
)

func addressParam(r *http.Request, name string) (common.Address, error) {
	v := chi.URLParam(r, name)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %q", errBadAddress, v)
	}
	return common.HexToAddress(v), nil
}

// caller returns the address of the authenticated principal.
func caller(r *http.Request) (common.Address, error) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		return common.Address{}, auth.ErrUnauthenticated
	}
	if p.Address == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: token carries no address", auth.ErrForbidden)
	}
	return p.Address, nil
}

func (s *Service) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	var badByte hex.InvalidByteError
	switch {
	case errors.Is(err, pool.ErrPoolNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, token.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, pool.ErrPaused), errors.Is(err, pool.ErrUpkeepNotDue):
		return http.StatusConflict
	case errors.Is(err, errBadAddress),
		errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ledger.ErrInvalidCommitType),
		errors.Is(err, ledger.ErrFeeTooHigh),
		errors.Is(err, ledger.ErrNegativeFee),
		errors.Is(err, pool.ErrZeroAddress),
		errors.Is(err, fixed.ErrNotInteger),
		errors.Is(err, fixed.ErrUnderflow),
		errors.Is(err, fixed.ErrOverflow),
		errors.Is(err, swap.ErrTimestampInPast),
		errors.Is(err, codec.ErrAmountTooLarge),
		errors.Is(err, codec.ErrBadLength),
		errors.Is(err, codec.ErrBadFlag),
		errors.Is(err, codec.ErrDirtyBits),
		errors.Is(err, hex.ErrLength),
		errors.As(err, &badByte):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientTokens),
		errors.Is(err, ledger.ErrInsufficientSettlement),
		errors.Is(err, pool.ErrInsufficientFunds),
		errors.Is(err, pool.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errWalletsDisabled):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
