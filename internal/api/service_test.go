package api_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/api"
	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/codec"
	"github.com/perppool/pool-engine/internal/events"
	"github.com/perppool/pool-engine/internal/keeper"
	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/oracle"
	"github.com/perppool/pool-engine/internal/pool"
	"github.com/perppool/pool-engine/internal/store"
	"github.com/perppool/pool-engine/internal/token"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	poolAddr  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	ownerAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

const updateInterval = 3600

type wallets map[common.Address]*token.Memory

func (w wallets) Settlement(addr common.Address) (*token.Memory, error) {
	tok, ok := w[addr]
	if !ok {
		return nil, pool.ErrPoolNotFound
	}
	return tok, nil
}

type testEnv struct {
	t      *testing.T
	now    time.Time
	router http.Handler
	store  *store.MemoryStore
	oracle *oracle.Manual
	long   *token.Memory

	ownerToken  string
	keeperToken string
	aliceToken  string
}

// newTestEnv wires one pool behind the router with an in-memory store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t, now: time.Unix(1_000_000, 0), store: store.NewMemoryStore()}

	mk := func(addr, minter common.Address, symbol string) *token.Memory {
		tok, err := token.NewMemory(addr, symbol, 6, minter)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		return tok
	}
	settlement := mk(common.HexToAddress("0x11"), common.Address{}, "USDC")
	env.long = mk(common.HexToAddress("0x12"), poolAddr, "L")

	p, err := pool.New(model.PoolParams{
		Name:                 "1-ETH/USD",
		Address:              poolAddr,
		Leverage:             d("1"),
		Fee:                  d("0"),
		UpdateInterval:       updateInterval,
		FrontRunningInterval: 300,
		PrimaryFeeAddress:    common.HexToAddress("0xf1"),
		MintingFee:           d("0"),
		BurningFee:           d("0"),
		ChangeInterval:       d("0"),
	}, pool.Deps{
		Settlement: settlement,
		Long:       env.long,
		Short:      mk(common.HexToAddress("0x13"), poolAddr, "S"),
		Authorizer: auth.Roles{},
		Events:     &events.Recorder{},
		Journal:    env.store,
		Logger:     zerolog.Nop(),
		Clock:      func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	registry := pool.NewRegistry()
	if err := registry.Register(p); err != nil {
		t.Fatal(err)
	}

	k := keeper.New(registry, events.Discard{}, keeper.Options{}, zerolog.Nop())
	env.oracle = oracle.NewManual(d("1"))
	k.Watch(t.Context(), poolAddr, env.oracle)

	tokens, err := auth.NewTokenService("test-secret", "poolengine", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	issue := func(p auth.Principal) string {
		tok, _, err := tokens.Issue(p)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}
	env.ownerToken = issue(auth.Principal{Subject: "owner", Address: ownerAddr, Roles: []auth.Role{auth.RoleOwner}})
	env.keeperToken = issue(auth.Principal{Subject: "keeper", Roles: []auth.Role{auth.RoleKeeper}})
	env.aliceToken = issue(auth.Principal{Subject: "alice", Address: alice, Roles: []auth.Role{auth.RoleUser}})

	svc := api.NewService(registry, k, env.store, wallets{poolAddr: settlement}, zerolog.Nop())
	env.router = api.NewRouter(api.RouterOptions{Service: svc, Tokens: tokens, Logger: zerolog.Nop()})
	return env
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) expect(w *httptest.ResponseRecorder, status int) {
	e.t.Helper()
	if w.Code != status {
		e.t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

var poolPath = "/api/v1/pools/" + poolAddr.Hex()

// fundAlice mints settlement to alice and approves the pool to pull it.
func (e *testEnv) fundAlice(amount string) {
	e.t.Helper()
	e.expect(e.do("POST", poolPath+"/faucet", e.ownerToken, api.AmountRequest{To: alice, Amount: d(amount)}), http.StatusNoContent)
	e.expect(e.do("POST", poolPath+"/approve", e.aliceToken, api.AmountRequest{Amount: d(amount)}), http.StatusNoContent)
}

// --- Flow ---

func TestCommitUpkeepClaim(t *testing.T) {
	env := newTestEnv(t)
	env.fundAlice("2000")

	lm := model.LongMint
	w := env.do("POST", poolPath+"/commit", env.aliceToken, api.CommitRequest{Type: &lm, Amount: d("2000")})
	env.expect(w, http.StatusOK)
	commit := decode[api.CommitResponse](t, w)
	if commit.IntervalID != 1 || commit.Type != model.LongMint || !commit.Amount.Equal(d("2000")) {
		t.Errorf("unexpected commit response %+v", commit)
	}

	w = env.do("GET", poolPath+"/commitments/"+alice.Hex(), "", nil)
	env.expect(w, http.StatusOK)
	comms := decode[api.CommitmentsResponse](t, w)
	if len(comms.Pending) != 1 || len(comms.History) != 1 {
		t.Fatalf("expected one pending and one recorded commit, got %+v", comms)
	}

	// Not due yet: the pool is skipped rather than failed.
	w = env.do("POST", "/api/v1/keeper/upkeep", env.keeperToken, nil)
	env.expect(w, http.StatusOK)
	if up := decode[api.UpkeepResponse](t, w); len(up.Skipped) != 1 || len(up.Upkept) != 0 {
		t.Fatalf("expected pool to be skipped, got %+v", up)
	}

	env.now = env.now.Add(updateInterval * time.Second)
	w = env.do("POST", "/api/v1/keeper/upkeep", env.keeperToken, api.UpkeepRequest{Pools: []common.Address{poolAddr}})
	env.expect(w, http.StatusOK)
	if up := decode[api.UpkeepResponse](t, w); len(up.Upkept) != 1 || len(up.Failed) != 0 {
		t.Fatalf("expected pool to be upkept, got %+v", up)
	}

	w = env.do("GET", poolPath+"/balances/"+alice.Hex(), "", nil)
	env.expect(w, http.StatusOK)
	if bal := decode[api.BalanceResponse](t, w); !bal.Balance.LongTokens.Equal(d("2000")) {
		t.Errorf("expected 2000 long tokens owed, got %+v", bal.Balance)
	}

	w = env.do("GET", poolPath, "", nil)
	env.expect(w, http.StatusOK)
	sum := decode[model.PoolSummary](t, w)
	if !sum.LongBalance.Equal(d("2000")) || sum.UpdateIntervalID != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}

	w = env.do("POST", poolPath+"/claim", env.aliceToken, nil)
	env.expect(w, http.StatusOK)
	if claimed := decode[model.Balance](t, w); !claimed.LongTokens.Equal(d("2000")) {
		t.Errorf("expected 2000 long tokens claimed, got %+v", claimed)
	}
	if bal, _ := env.long.BalanceOf(t.Context(), alice); !bal.Equal(d("2000")) {
		t.Errorf("alice should hold 2000 long tokens, got %s", bal)
	}

	w = env.do("GET", poolPath+"/history", "", nil)
	env.expect(w, http.StatusOK)
	if recs := decode[[]model.UpkeepRecord](t, w); len(recs) != 1 || recs[0].IntervalsExecuted != 1 {
		t.Errorf("expected one upkeep record, got %+v", recs)
	}
}

func TestCommit_PackedArgs(t *testing.T) {
	env := newTestEnv(t)
	env.fundAlice("500")

	word, err := codec.EncodeCommitParams(model.CommitRequest{Type: model.ShortMint, Amount: d("500")})
	if err != nil {
		t.Fatal(err)
	}
	w := env.do("POST", poolPath+"/commit", env.aliceToken, api.CommitRequest{Args: "0x" + hex.EncodeToString(word[:])})
	env.expect(w, http.StatusOK)
	if res := decode[api.CommitResponse](t, w); res.Type != model.ShortMint || !res.Gross.Equal(d("500")) {
		t.Errorf("unexpected commit %+v", res)
	}
}

func TestUpkeep_Packed(t *testing.T) {
	env := newTestEnv(t)
	env.now = env.now.Add(updateInterval * time.Second)

	w := env.do("POST", "/api/v1/keeper/upkeep", env.keeperToken, api.UpkeepRequest{Packed: hex.EncodeToString(codec.EncodeAddresses([]common.Address{poolAddr}))})
	env.expect(w, http.StatusOK)
	if up := decode[api.UpkeepResponse](t, w); len(up.Upkept) != 1 {
		t.Errorf("expected one upkept pool, got %+v", up)
	}

	w = env.do("POST", "/api/v1/keeper/upkeep", env.keeperToken, api.UpkeepRequest{Packed: "0x" + hex.EncodeToString(make([]byte, 21))})
	env.expect(w, http.StatusBadRequest)
}

func TestErrors(t *testing.T) {
	env := newTestEnv(t)
	lm := model.LongMint

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
	}{
		{"commit without token", "POST", poolPath + "/commit", "", api.CommitRequest{Type: &lm, Amount: d("1")}, http.StatusUnauthorized},
		{"commit with bad token", "POST", poolPath + "/commit", "garbage", api.CommitRequest{Type: &lm, Amount: d("1")}, http.StatusUnauthorized},
		{"commit without address", "POST", poolPath + "/commit", env.keeperToken, api.CommitRequest{Type: &lm, Amount: d("1")}, http.StatusForbidden},
		{"commit without type", "POST", poolPath + "/commit", env.aliceToken, api.CommitRequest{Amount: d("1")}, http.StatusBadRequest},
		{"commit bad args", "POST", poolPath + "/commit", env.aliceToken, api.CommitRequest{Args: "0xzz"}, http.StatusBadRequest},
		{"commit zero amount", "POST", poolPath + "/commit", env.aliceToken, api.CommitRequest{Type: &lm, Amount: d("0")}, http.StatusBadRequest},
		{"commit negative amount", "POST", poolPath + "/commit", env.aliceToken, api.CommitRequest{Type: &lm, Amount: d("-5")}, http.StatusBadRequest},
		{"commit amount beyond uint256", "POST", poolPath + "/commit", env.aliceToken, api.CommitRequest{Type: &lm, Amount: d("1e80")}, http.StatusBadRequest},
		{"commit unfunded", "POST", poolPath + "/commit", env.aliceToken, api.CommitRequest{Type: &lm, Amount: d("10")}, http.StatusUnprocessableEntity},
		{"unknown pool", "GET", "/api/v1/pools/0x0000000000000000000000000000000000000bad", "", nil, http.StatusNotFound},
		{"malformed pool", "GET", "/api/v1/pools/nope", "", nil, http.StatusBadRequest},
		{"upkeep as user", "POST", "/api/v1/keeper/upkeep", env.aliceToken, nil, http.StatusForbidden},
		{"upkeep anonymous", "POST", "/api/v1/keeper/upkeep", "", nil, http.StatusUnauthorized},
		{"faucet as user", "POST", poolPath + "/faucet", env.aliceToken, api.AmountRequest{To: alice, Amount: d("1")}, http.StatusForbidden},
		{"pause as user", "POST", poolPath + "/pause", env.aliceToken, nil, http.StatusForbidden},
		{"bad fee receiver", "POST", poolPath + "/fees/tertiary/claim", env.ownerToken, nil, http.StatusBadRequest},
		{"history bad limit", "GET", poolPath + "/history?limit=-1", "", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestPauseBlocksCommits(t *testing.T) {
	env := newTestEnv(t)
	env.fundAlice("100")

	w := env.do("POST", poolPath+"/pause", env.ownerToken, nil)
	env.expect(w, http.StatusOK)
	if sum := decode[model.PoolSummary](t, w); !sum.Paused {
		t.Fatal("expected pool to be paused")
	}

	lm := model.LongMint
	env.expect(env.do("POST", poolPath+"/commit", env.aliceToken, api.CommitRequest{Type: &lm, Amount: d("100")}), http.StatusConflict)

	env.expect(env.do("POST", poolPath+"/unpause", env.ownerToken, nil), http.StatusOK)
	env.expect(env.do("POST", poolPath+"/commit", env.aliceToken, api.CommitRequest{Type: &lm, Amount: d("100")}), http.StatusOK)
}

func TestSetFees(t *testing.T) {
	env := newTestEnv(t)
	env.expect(env.do("PUT", poolPath+"/fees", env.ownerToken, api.FeesRequest{MintingFee: d("0.01"), BurningFee: d("0.02")}), http.StatusNoContent)

	w := env.do("GET", poolPath, "", nil)
	env.expect(w, http.StatusOK)
	sum := decode[model.PoolSummary](t, w)
	if !sum.MintingFee.Equal(d("0.01")) || !sum.BurningFee.Equal(d("0.02")) {
		t.Errorf("fees not applied: %+v", sum)
	}
}

func TestListPoolsAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("GET", "/health", "", nil)
	env.expect(w, http.StatusOK)

	w = env.do("GET", "/api/v1/pools", "", nil)
	env.expect(w, http.StatusOK)
	pools := decode[[]model.PoolSummary](t, w)
	if len(pools) != 1 || pools[0].Address != poolAddr || pools[0].Name != "1-ETH/USD" {
		t.Errorf("unexpected pools %+v", pools)
	}
}
