package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestRoles_Authorize(t *testing.T) {
	var a Roles
	if err := a.Authorize(context.Background(), RoleKeeper); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}

	keeper := WithPrincipal(context.Background(), Principal{Subject: "k", Roles: []Role{RoleKeeper}})
	if err := a.Authorize(keeper, RoleKeeper); err != nil {
		t.Errorf("keeper should pass, got %v", err)
	}
	if err := a.Authorize(keeper, RoleFeeController); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	owner := WithPrincipal(context.Background(), Principal{Subject: "o", Roles: []Role{RoleOwner}})
	if err := a.Authorize(owner, RoleInvariantChecker); err != nil {
		t.Errorf("owner holds every role, got %v", err)
	}
}

func TestTokenService_IssueValidate(t *testing.T) {
	svc, err := NewTokenService("secret", "pool-engine", time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tok, _, err := svc.Issue(Principal{Subject: "alice", Address: addr, Roles: []Role{RoleUser, RoleKeeper}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := svc.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Subject != "alice" || p.Address != addr || !p.Has(RoleKeeper) {
		t.Errorf("unexpected principal %+v", p)
	}

	other, _ := NewTokenService("different", "pool-engine", time.Hour)
	if _, err := other.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for a foreign signature, got %v", err)
	}
}

func TestTokenService_Expired(t *testing.T) {
	svc, _ := NewTokenService("secret", "pool-engine", time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, _, err := svc.Issue(Principal{Subject: "k", Roles: []Role{RoleKeeper}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	svc.now = time.Now
	if _, err := svc.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for an expired token, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc, _ := NewTokenService("secret", "pool-engine", time.Hour)
	var seen Principal
	var found bool
	h := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, found = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if found {
		t.Error("anonymous request should carry no principal")
	}

	tok, _, _ := svc.Issue(Principal{Subject: "k", Roles: []Role{RoleKeeper}})
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !found || seen.Subject != "k" {
		t.Errorf("expected principal k, got %+v", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestParseRole(t *testing.T) {
	if _, err := ParseRole("janitor"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
	if r, err := ParseRole("keeper"); err != nil || r != RoleKeeper {
		t.Errorf("expected keeper, got %q (%v)", r, err)
	}
}
