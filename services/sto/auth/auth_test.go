package auth

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	stoerrors "confio/core/errors"
	"confio/services/sto/models"
)

const testSecret = "sto-test-secret"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	seed := []models.Account{
		{ID: uuid.New(), UserID: "user-1", AccountType: models.AccountPersonal, AccountIndex: 0, Address: "PAYERADDRESS"},
		{ID: uuid.New(), UserID: "user-1", AccountType: models.AccountBusiness, AccountIndex: 0, BusinessID: "biz-9", Address: "MERCHANTADDRESS"},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
	return db
}

func sign(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := Issue(testSecret, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func claimsFor(subject string, exp time.Time) Claims {
	return Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(exp)}}
}

func TestAuthenticateResolvesPersonalAccount(t *testing.T) {
	a := NewAuthenticator(Config{Secret: testSecret}, setupTestDB(t))
	c := claimsFor("user-1", time.Now().Add(time.Hour))
	c.Perms = []string{PermResolveDispute}
	p, err := a.Authenticate(context.Background(), sign(t, c))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Address != "PAYERADDRESS" || p.AccountType != models.AccountPersonal {
		t.Fatalf("unexpected principal %+v", p)
	}
	if !p.Has(PermResolveDispute) || p.Has("other") {
		t.Fatalf("unexpected permission set %v", p.Perms)
	}
}

func TestAuthenticateResolvesBusinessAccount(t *testing.T) {
	a := NewAuthenticator(Config{Secret: testSecret}, setupTestDB(t))
	c := claimsFor("user-1", time.Now().Add(time.Hour))
	c.AccountType = "business"
	c.BusinessID = "biz-9"
	p, err := a.Authenticate(context.Background(), sign(t, c))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Address != "MERCHANTADDRESS" {
		t.Fatalf("expected business address, got %s", p.Address)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewAuthenticator(Config{Secret: testSecret}, setupTestDB(t))
	expired := sign(t, claimsFor("user-1", time.Now().Add(-10*time.Minute)))
	unknown := sign(t, claimsFor("user-2", time.Now().Add(time.Hour)))
	bizNoID := claimsFor("user-1", time.Now().Add(time.Hour))
	bizNoID.AccountType = "business"
	foreign, err := Issue("another-secret", claimsFor("user-1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for name, token := range map[string]string{
		"expired":        expired,
		"unknown user":   unknown,
		"business no id": sign(t, bizNoID),
		"wrong secret":   foreign,
		"garbage":        "not-a-token",
	} {
		if _, err := a.Authenticate(context.Background(), token); stoerrors.KindOf(err) != stoerrors.KindUnauthenticated {
			t.Fatalf("%s: expected UNAUTHENTICATED, got %v", name, err)
		}
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := TokenFromRequest(req); got != "query-token" {
		t.Fatalf("expected query token, got %q", got)
	}
	req.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(req); got != "header-token" {
		t.Fatalf("expected header token to win, got %q", got)
	}
}
