package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	tokens, err := NewTokens("test-secret", "test-issuer", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	scope := Scope{TenantID: "t1", ActorID: "user-42", Roles: []string{"admin", "admin", "viewer"}}
	signed, err := tokens.Generate(scope)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	got, err := tokens.Parse(signed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.TenantID != "t1" || got.ActorID != "user-42" {
		t.Fatalf("unexpected scope: %+v", got)
	}
	if len(got.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", got.Roles)
	}
	if !got.IsAdmin() {
		t.Fatalf("admin role lost: %v", got.Roles)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	a, _ := NewTokens("secret-a", "", time.Hour)
	b, _ := NewTokens("secret-b", "", time.Hour)

	signed, err := a.Generate(Scope{TenantID: "t1", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	tokens, _ := NewTokens("test-secret", "", time.Nanosecond)

	signed, err := tokens.Generate(Scope{TenantID: "t1", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := tokens.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	issuerA, _ := NewTokens("test-secret", "issuer-a", time.Hour)
	issuerB, _ := NewTokens("test-secret", "issuer-b", time.Hour)

	signed, err := issuerA.Generate(Scope{TenantID: "t1", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuerB.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  ", "x", time.Hour); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestGenerateRequiresIdentity(t *testing.T) {
	tokens, _ := NewTokens("test-secret", "", time.Hour)
	if _, err := tokens.Generate(Scope{TenantID: "t1"}); err == nil {
		t.Fatal("expected error for missing actor")
	}
	if _, err := tokens.Generate(Scope{ActorID: "u1"}); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}

func TestScopeContext(t *testing.T) {
	scope := Scope{TenantID: "t1", ActorID: "u1", Roles: []string{RoleAdmin}}
	ctx := ContextWithScope(context.Background(), scope)

	got, ok := ScopeFromContext(ctx)
	if !ok || got.TenantID != "t1" || got.ActorID != "u1" {
		t.Fatalf("unexpected scope: %+v ok=%v", got, ok)
	}

	if _, ok := ScopeFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a scope")
	}
	// A scope without a tenant is not usable.
	if _, ok := ScopeFromContext(ContextWithScope(context.Background(), Scope{ActorID: "u1"})); ok {
		t.Fatal("tenantless scope must not resolve")
	}
}

func TestIsAdmin(t *testing.T) {
	if (Scope{Roles: []string{"viewer"}}).IsAdmin() {
		t.Fatal("viewer is not admin")
	}
	if !(Scope{Roles: []string{"viewer", RoleAdmin}}).IsAdmin() {
		t.Fatal("admin role not recognized")
	}
}
