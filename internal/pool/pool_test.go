package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/events"
	"github.com/perppool/pool-engine/internal/fixed"
	"github.com/perppool/pool-engine/internal/ledger"
	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/token"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	poolAddr       = common.HexToAddress("0x2000000000000000000000000000000000000002")
	settlementAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	longAddr       = common.HexToAddress("0x3000000000000000000000000000000000000003")
	shortAddr      = common.HexToAddress("0x4000000000000000000000000000000000000004")
	primaryAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	secondaryAddr  = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	alice          = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob            = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

const (
	start          = 1_000_000
	updateInterval = 3600
)

type journal struct {
	mu      sync.Mutex
	saves   int
	snap    Snapshot
	upkeeps []model.UpkeepRecord
	commits []model.CommitRecord
}

func (j *journal) SavePool(_ context.Context, snap Snapshot) error {
	j.mu.Lock()
	j.saves++
	j.snap = snap
	j.mu.Unlock()
	return nil
}

func (j *journal) last() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap
}

func (j *journal) InsertUpkeepRecord(_ context.Context, rec model.UpkeepRecord) error {
	j.mu.Lock()
	j.upkeeps = append(j.upkeeps, rec)
	j.mu.Unlock()
	return nil
}

func (j *journal) InsertCommitRecord(_ context.Context, rec model.CommitRecord) error {
	j.mu.Lock()
	j.commits = append(j.commits, rec)
	j.mu.Unlock()
	return nil
}

func newToken(t *testing.T, addr common.Address, symbol string, minter common.Address) *token.Memory {
	t.Helper()
	tok, err := token.NewMemory(addr, symbol, 6, minter)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	return tok
}

type harness struct {
	t          *testing.T
	now        time.Time
	pool       *Pool
	settlement *token.Memory
	long       *token.Memory
	short      *token.Memory
	events     *events.Recorder
	journal    *journal
}

func defaultParams() model.PoolParams {
	return model.PoolParams{
		Name:                     "1-ETH/USD",
		Address:                  poolAddr,
		Leverage:                 d("1"),
		Fee:                      d("0"),
		UpdateInterval:           updateInterval,
		FrontRunningInterval:     300,
		PrimaryFeeAddress:        primaryAddr,
		SecondaryFeeAddress:      secondaryAddr,
		SecondaryFeeSplitPercent: 50,
		MintingFee:               d("0"),
		BurningFee:               d("0"),
		ChangeInterval:           d("0"),
	}
}

func newHarness(t *testing.T, params model.PoolParams, authz auth.Authorizer) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		now:        time.Unix(start, 0),
		settlement: newToken(t, settlementAddr, "USDC", common.Address{}),
		long:       newToken(t, longAddr, "L", poolAddr),
		short:      newToken(t, shortAddr, "S", poolAddr),
		events:     &events.Recorder{},
		journal:    &journal{},
	}
	p, err := New(params, Deps{
		Settlement: h.settlement,
		Long:       h.long,
		Short:      h.short,
		Authorizer: authz,
		Events:     h.events,
		Journal:    h.journal,
		Logger:     zerolog.Nop(),
		Clock:      func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	h.pool = p
	return h
}

func (h *harness) advance(seconds int64) {
	h.now = h.now.Add(time.Duration(seconds) * time.Second)
}

// fund gives user settlement and approves the pool to pull it.
func (h *harness) fund(user common.Address, amount string) {
	h.t.Helper()
	ctx := context.Background()
	if err := h.settlement.Mint(ctx, common.Address{}, user, d(amount)); err != nil {
		h.t.Fatalf("fund: %v", err)
	}
	if err := h.settlement.Approve(ctx, user, poolAddr, d(amount)); err != nil {
		h.t.Fatalf("approve: %v", err)
	}
}

func (h *harness) commit(user common.Address, typ model.CommitType, amount string, fromAgg bool) ledger.CommitResult {
	h.t.Helper()
	res, err := h.pool.Commit(context.Background(), user, model.CommitRequest{Type: typ, Amount: d(amount), FromAggregateBalance: fromAgg})
	if err != nil {
		h.t.Fatalf("commit %s %s: %v", typ, amount, err)
	}
	return res
}

func (h *harness) upkeep(oldPrice, newPrice string) UpkeepResult {
	h.t.Helper()
	res, err := h.pool.Upkeep(context.Background(), d(oldPrice), d(newPrice))
	if err != nil {
		h.t.Fatalf("upkeep %s->%s: %v", oldPrice, newPrice, err)
	}
	return res
}

func (h *harness) balanceOf(tok *token.Memory, owner common.Address) decimal.Decimal {
	h.t.Helper()
	b, err := tok.BalanceOf(context.Background(), owner)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return b
}

func (h *harness) checkInvariants() {
	h.t.Helper()
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if err := h.pool.verify(context.Background()); err != nil {
		h.t.Fatalf("invariants: %v", err)
	}
}

func TestNew_ValidatesParams(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*model.PoolParams)
		want   error
	}{
		{"zero leverage", func(p *model.PoolParams) { p.Leverage = d("0") }, ErrInvalidLeverage},
		{"fee of one", func(p *model.PoolParams) { p.Fee = d("1") }, ErrFeeTooHigh},
		{"zero interval", func(p *model.PoolParams) { p.UpdateInterval = 0 }, ErrInvalidInterval},
		{"split above 100", func(p *model.PoolParams) { p.SecondaryFeeSplitPercent = 101 }, ErrInvalidSplit},
		{"zero pool address", func(p *model.PoolParams) { p.Address = common.Address{} }, ErrZeroAddress},
		{"zero primary fee address", func(p *model.PoolParams) { p.PrimaryFeeAddress = common.Address{} }, ErrZeroAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := defaultParams()
			tt.modify(&params)
			_, err := New(params, Deps{
				Settlement: newToken(t, settlementAddr, "USDC", common.Address{}),
				Long:       newToken(t, longAddr, "L", poolAddr),
				Short:      newToken(t, shortAddr, "S", poolAddr),
				Logger:     zerolog.Nop(),
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestState_IdleThenDue(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	if got := h.pool.State(h.now); got != Idle {
		t.Errorf("expected idle, got %s", got)
	}
	if _, err := h.pool.Upkeep(context.Background(), d("1"), d("1")); !errors.Is(err, ErrUpkeepNotDue) {
		t.Errorf("expected ErrUpkeepNotDue, got %v", err)
	}
	h.advance(updateInterval)
	if !h.pool.IsUpkeepRequired() {
		t.Error("expected upkeep to be due")
	}
}

func TestBootstrapMint(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "2000")
	h.advance(100)
	res := h.commit(alice, model.LongMint, "2000", false)
	if res.IntervalID != 1 {
		t.Fatalf("expected interval 1, got %d", res.IntervalID)
	}
	if !h.balanceOf(h.settlement, poolAddr).Equal(d("2000")) {
		t.Fatalf("pool should hold the committed settlement")
	}

	h.advance(updateInterval)
	up := h.upkeep("1", "1")
	if up.IntervalsExecuted() != 1 || !up.Executions[0].LongMinted.Equal(d("2000")) {
		t.Fatalf("expected 2000 long tokens minted in one interval, got %+v", up.Executions)
	}
	if !h.balanceOf(h.long, poolAddr).Equal(d("2000")) {
		t.Errorf("pool should hold the minted tokens")
	}
	if got := h.pool.ReadAggregate(alice).Balance.LongTokens; !got.Equal(d("2000")) {
		t.Errorf("expected alice to be owed 2000 long tokens, got %s", got)
	}
	h.checkInvariants()

	claimed, err := h.pool.Claim(context.Background(), alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed.LongTokens.Equal(d("2000")) || !h.balanceOf(h.long, alice).Equal(d("2000")) {
		t.Errorf("expected 2000 long tokens claimed, got %+v", claimed)
	}
	h.checkInvariants()
}

func TestUpkeep_PriceDoublesWithFeeSplit(t *testing.T) {
	params := defaultParams()
	params.Fee = d("0.01")
	h := newHarness(t, params, auth.AllowAll{})
	h.fund(alice, "1000")
	h.fund(bob, "1000")
	h.advance(100)
	h.commit(alice, model.LongMint, "1000", false)
	h.commit(bob, model.ShortMint, "1000", false)

	h.advance(updateInterval)
	h.upkeep("1", "1")

	h.advance(updateInterval)
	up := h.upkeep("1", "2")
	if !up.Rebalance.LongFee.Equal(d("10")) || !up.Rebalance.ShortFee.Equal(d("10")) {
		t.Errorf("expected 10 fee per side, got %s and %s", up.Rebalance.LongFee, up.Rebalance.ShortFee)
	}

	sum, err := h.pool.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.LongBalance.Equal(d("1980")) || !sum.ShortBalance.IsZero() {
		t.Errorf("expected long 1980 and short 0, got %s and %s", sum.LongBalance, sum.ShortBalance)
	}
	if !sum.PrimaryFees.Equal(d("10")) || !sum.SecondaryFees.Equal(d("10")) {
		t.Errorf("expected fees split 10/10, got %s/%s", sum.PrimaryFees, sum.SecondaryFees)
	}
	if !sum.LongPrice.Equal(d("1.98")) {
		t.Errorf("expected long price 1.98, got %s", sum.LongPrice)
	}
	h.checkInvariants()

	if len(h.events.OfType(events.PoolRebalance)) != 2 || len(h.events.OfType(events.CompletedUpkeep)) != 2 {
		t.Errorf("expected two rebalance and two completed upkeep events")
	}
	if len(h.journal.upkeeps) != 2 || len(h.journal.commits) != 2 {
		t.Errorf("expected 2 upkeep and 2 commit records, got %d and %d", len(h.journal.upkeeps), len(h.journal.commits))
	}

	got, err := h.pool.ClaimPrimaryFees(context.Background())
	if err != nil || !got.Equal(d("10")) {
		t.Fatalf("claim primary fees: %s, %v", got, err)
	}
	if _, err := h.pool.ClaimSecondaryFees(context.Background()); err != nil {
		t.Fatalf("claim secondary fees: %v", err)
	}
	if !h.balanceOf(h.settlement, primaryAddr).Equal(d("10")) || !h.balanceOf(h.settlement, secondaryAddr).Equal(d("10")) {
		t.Error("fee receivers were not paid")
	}
	h.checkInvariants()
}

func TestCommit_OppositeSidesShareOnePrice(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "1000")
	h.fund(bob, "1000")
	h.advance(100)
	h.commit(alice, model.LongMint, "1000", false)
	h.commit(bob, model.ShortMint, "1000", false)
	h.advance(updateInterval)
	h.upkeep("1", "1")

	// Both sides commit again in interval 2, in either order.
	h.fund(alice, "300")
	h.fund(bob, "300")
	h.advance(100)
	h.commit(bob, model.ShortMint, "300", false)
	h.commit(alice, model.LongMint, "300", false)
	h.advance(updateInterval - 100)
	up := h.upkeep("1", "1.5")

	ex := up.Executions[0]
	if !ex.Prices.LongPrice.Equal(d("1.5")) || !ex.Prices.ShortPrice.Equal(d("0.5")) {
		t.Fatalf("unexpected prices %+v", ex.Prices)
	}
	if !ex.LongMinted.Equal(d("200")) || !ex.ShortMinted.Equal(d("600")) {
		t.Errorf("expected 200 long and 600 short minted, got %s and %s", ex.LongMinted, ex.ShortMinted)
	}
	h.checkInvariants()
}

func TestCommit_BurnFromAggregateBalance(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "1000")
	h.advance(100)
	h.commit(alice, model.LongMint, "1000", false)
	h.advance(updateInterval)
	h.upkeep("1", "1")

	h.advance(100)
	h.commit(alice, model.LongBurn, "400", true)
	if !h.balanceOf(h.long, poolAddr).Equal(d("600")) {
		t.Fatalf("burn should leave 600 long tokens in the pool")
	}
	h.advance(updateInterval - 100)
	up := h.upkeep("1", "1")
	if !up.Executions[0].SettlementReleased.Equal(d("400")) {
		t.Fatalf("expected 400 released, got %s", up.Executions[0].SettlementReleased)
	}
	h.checkInvariants()

	claimed, err := h.pool.Claim(context.Background(), alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed.LongTokens.Equal(d("600")) || !claimed.SettlementTokens.Equal(d("400")) {
		t.Errorf("expected 600 long and 400 settlement, got %+v", claimed)
	}
	if !h.balanceOf(h.settlement, alice).Equal(d("400")) {
		t.Errorf("alice should hold 400 settlement")
	}
	h.checkInvariants()
}

func TestCommit_RequiresAllowance(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	if err := h.settlement.Mint(context.Background(), common.Address{}, alice, d("100")); err != nil {
		t.Fatal(err)
	}
	h.advance(100)
	_, err := h.pool.Commit(context.Background(), alice, model.CommitRequest{Type: model.LongMint, Amount: d("100")})
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if got := h.pool.ledger.PendingMintSettlement(); !got.IsZero() {
		t.Errorf("rejected commit changed the ledger: pending %s", got)
	}
}

func TestCommit_RejectsInvalidAmounts(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "100")
	tests := []struct {
		amount string
		want   error
	}{
		{"-5", fixed.ErrUnderflow},
		{"1e80", fixed.ErrOverflow},
		{"1.5", fixed.ErrNotInteger},
		{"0", ledger.ErrZeroAmount},
	}
	for _, tt := range tests {
		_, err := h.pool.Commit(context.Background(), alice, model.CommitRequest{Type: model.LongMint, Amount: d(tt.amount)})
		if !errors.Is(err, tt.want) {
			t.Errorf("amount %s: expected %v, got %v", tt.amount, tt.want, err)
		}
	}
	if h.pool.Paused() {
		t.Error("rejected commits must not pause the pool")
	}
}

func TestCommit_PayForClaimIsRecordedOnly(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "100")
	h.advance(100)
	_, err := h.pool.Commit(context.Background(), alice, model.CommitRequest{Type: model.LongMint, Amount: d("100"), PayForClaim: true})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	created := h.events.OfType(events.CreateCommit)
	if len(created) != 1 || !created[0].Payload.(events.CommitPayload).PayForClaim {
		t.Fatalf("expected the flag echoed in CreateCommit, got %+v", created)
	}
	h.advance(updateInterval)
	h.upkeep("1", "1")
	// Nothing claims on alice's behalf; her tokens wait in the pool.
	if got := h.balanceOf(h.long, alice); !got.IsZero() {
		t.Errorf("alice holds %s long tokens before claiming", got)
	}
	if got := h.pool.ReadAggregate(alice).Balance.LongTokens; !got.Equal(d("100")) {
		t.Errorf("expected 100 claimable long tokens, got %s", got)
	}
	h.checkInvariants()
}

func TestUpkeep_InvalidPriceStillExecutes(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "500")
	h.advance(100)
	h.commit(alice, model.LongMint, "500", false)
	h.advance(updateInterval)

	up := h.upkeep("1", "0")
	if !up.PriceChangeSkipped {
		t.Error("expected the rebalance to be skipped")
	}
	if up.IntervalsExecuted() != 1 || !up.Executions[0].LongMinted.Equal(d("500")) {
		t.Errorf("commitments should still execute, got %+v", up.Executions)
	}
	if len(h.events.OfType(events.PriceChangeError)) != 1 {
		t.Error("expected a PriceChangeError event")
	}
	h.checkInvariants()
}

func TestUpkeep_BoundedIterations(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.advance(20 * updateInterval)

	first := h.upkeep("1", "1")
	if first.IntervalsExecuted() != ledger.MaxIterations || !first.Backlog {
		t.Fatalf("expected %d intervals with backlog, got %d backlog=%v", ledger.MaxIterations, first.IntervalsExecuted(), first.Backlog)
	}
	if first.LastPriceTimestamp != start+15*updateInterval {
		t.Errorf("unexpected last price timestamp %d", first.LastPriceTimestamp)
	}

	second := h.upkeep("1", "1")
	if second.IntervalsExecuted() != 5 || second.Backlog {
		t.Errorf("expected the remaining 5 intervals, got %d backlog=%v", second.IntervalsExecuted(), second.Backlog)
	}
	if id := h.pool.ledger.UpdateIntervalID(); id != 21 {
		t.Errorf("expected interval 21, got %d", id)
	}
	if h.pool.IsUpkeepRequired() {
		t.Error("no upkeep should be due")
	}
}

func TestUpkeep_RequiresKeeperRole(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.Roles{})
	h.advance(updateInterval)
	if _, err := h.pool.Upkeep(context.Background(), d("1"), d("1")); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	user := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "u", Roles: []auth.Role{auth.RoleUser}})
	if _, err := h.pool.Upkeep(user, d("1"), d("1")); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	keeper := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "k", Roles: []auth.Role{auth.RoleKeeper}})
	if _, err := h.pool.Upkeep(keeper, d("1"), d("1")); err != nil {
		t.Errorf("keeper upkeep: %v", err)
	}
}

func TestPause_BlocksCommits(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	if err := h.pool.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	h.fund(alice, "100")
	_, err := h.pool.Commit(context.Background(), alice, model.CommitRequest{Type: model.LongMint, Amount: d("100")})
	if !errors.Is(err, ErrPaused) {
		t.Errorf("expected ErrPaused, got %v", err)
	}
	if err := h.pool.Unpause(context.Background()); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	h.commit(alice, model.LongMint, "100", false)
	if len(h.events.OfType(events.Paused)) != 1 || len(h.events.OfType(events.Unpaused)) != 1 {
		t.Error("expected pause and unpause events")
	}
}

func TestCheckInvariants_PausesOnShortfall(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "1000")
	h.advance(100)
	h.commit(alice, model.LongMint, "1000", false)
	if err := h.pool.CheckInvariants(context.Background()); err != nil {
		t.Fatalf("healthy pool: %v", err)
	}

	// Settlement leaves the pool behind its back.
	if err := h.settlement.Transfer(context.Background(), poolAddr, bob, d("1")); err != nil {
		t.Fatal(err)
	}
	if err := h.pool.CheckInvariants(context.Background()); !errors.Is(err, ErrInvariantViolated) {
		t.Fatalf("expected ErrInvariantViolated, got %v", err)
	}
	if !h.pool.Paused() {
		t.Error("pool should be paused")
	}
	if len(h.events.OfType(events.InvariantViolation)) != 1 {
		t.Error("expected an InvariantViolation event")
	}
}

func TestCheckInvariants_ToleratesDonation(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "1001")
	h.advance(100)
	h.commit(alice, model.LongMint, "1000", false)

	// Settlement sent straight to the pool is not accounted anywhere.
	if err := h.settlement.Transfer(context.Background(), alice, poolAddr, d("1")); err != nil {
		t.Fatal(err)
	}
	if err := h.pool.CheckInvariants(context.Background()); err != nil {
		t.Fatalf("surplus settlement should not violate invariants: %v", err)
	}
	h.advance(updateInterval)
	h.upkeep("1", "1")
	if h.pool.Paused() {
		t.Fatal("pool paused after a 1 unit donation")
	}
	if len(h.events.OfType(events.InvariantViolation)) != 0 {
		t.Error("unexpected InvariantViolation event")
	}
	h.commit(alice, model.LongBurn, "400", true)
}

func TestUpkeep_RecordsExecutionPrice(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	ctx := context.Background()
	if _, ok := h.pool.LastExecutionPrice(); ok {
		t.Fatal("new pool should have no execution price")
	}
	if h.pool.SeedExecutionPrice(ctx, d("0")) {
		t.Error("a zero price should not seed")
	}
	if !h.pool.SeedExecutionPrice(ctx, d("100")) {
		t.Fatal("expected the first positive price to seed")
	}
	if h.pool.SeedExecutionPrice(ctx, d("90")) {
		t.Error("seeding twice should be a no-op")
	}

	h.advance(updateInterval)
	h.upkeep("100", "120")
	if got, _ := h.pool.LastExecutionPrice(); !got.Equal(d("120")) {
		t.Errorf("expected 120 after upkeep, got %s", got)
	}
	h.advance(updateInterval)
	h.upkeep("120", "-5")
	if got, _ := h.pool.LastExecutionPrice(); !got.Equal(d("120")) {
		t.Errorf("a skipped price must not be recorded, got %s", got)
	}

	snap := h.pool.Snapshot(ctx)
	if !snap.LastExecutionPrice.Equal(d("120")) {
		t.Errorf("snapshot should carry the execution price, got %s", snap.LastExecutionPrice)
	}
	if !h.journal.last().LastExecutionPrice.Equal(d("120")) {
		t.Error("journaled snapshot lost the execution price")
	}
}

func TestSetFees(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.Roles{})
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "fees", Roles: []auth.Role{auth.RoleFeeController}})
	if err := h.pool.SetFees(ctx, d("0.02"), d("0.2"), d("0")); !errors.Is(err, ledger.ErrFeeTooHigh) {
		t.Errorf("expected ErrFeeTooHigh for a 20%% burning fee, got %v", err)
	}
	if err := h.pool.SetFees(ctx, d("0.02"), d("0.01"), d("0.001")); err != nil {
		t.Fatalf("set fees: %v", err)
	}
	params := h.pool.Params()
	if !params.MintingFee.Equal(d("0.02")) || !params.BurningFee.Equal(d("0.01")) {
		t.Errorf("fees not applied: %+v", params)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	h.fund(alice, "1000")
	h.advance(100)
	h.commit(alice, model.LongMint, "1000", false)
	h.advance(updateInterval)
	h.upkeep("1", "1")

	snap := h.pool.Snapshot(context.Background())
	if !snap.Supplies.Long.Equal(d("1000")) {
		t.Errorf("snapshot should record the long supply, got %s", snap.Supplies.Long)
	}
	restored, err := FromSnapshot(snap, Deps{
		Settlement: h.settlement,
		Long:       h.long,
		Short:      h.short,
		Logger:     zerolog.Nop(),
		Clock:      func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	want, _ := h.pool.Summary(context.Background())
	got, _ := restored.Summary(context.Background())
	if !got.LongBalance.Equal(want.LongBalance) || got.UpdateIntervalID != want.UpdateIntervalID || got.LastPriceTimestamp != want.LastPriceTimestamp {
		t.Errorf("restored summary %+v differs from %+v", got, want)
	}
	if !restored.ReadAggregate(alice).Balance.LongTokens.Equal(d("1000")) {
		t.Error("restored pool lost alice's balance")
	}
}

func TestRegistry(t *testing.T) {
	h := newHarness(t, defaultParams(), auth.AllowAll{})
	r := NewRegistry()
	if err := r.Register(h.pool); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(h.pool); !errors.Is(err, ErrPoolExists) {
		t.Errorf("expected ErrPoolExists, got %v", err)
	}
	if _, err := r.Get(alice); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("expected ErrPoolNotFound, got %v", err)
	}
	if addrs := r.Addresses(); len(addrs) != 1 || addrs[0] != poolAddr {
		t.Errorf("unexpected addresses %v", addrs)
	}
}
