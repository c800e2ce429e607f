package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	stoerrors "confio/core/errors"
	"confio/services/sto/auth"
	"confio/services/sto/server"
	"confio/services/sto/session"
)

type staticAuth map[string]*auth.Principal

func (s staticAuth) Authenticate(_ context.Context, token string) (*auth.Principal, error) {
	p, ok := s[token]
	if !ok {
		return nil, stoerrors.Unauthenticated("unknown token")
	}
	return p, nil
}

func newRouter(t *testing.T) (*harness, http.Handler) {
	t.Helper()
	h := newHarness(t, nil)
	authn := staticAuth{
		"user":  {UserID: "u1"},
		"admin": {UserID: "ops", Perms: []string{auth.PermAdmin}},
	}
	hub := session.NewHub(server.TradeRoomMembers(h.db), nil)
	router := server.NewRouter(server.RouterConfig{
		Orchestrator: h.orch,
		Session:      session.NewServer(session.Config{}, authn, h.orch, hub, nil),
		Auth:         authn,
		DB:           h.db,
	})
	return h, router
}

func TestHealthz(t *testing.T) {
	_, router := newRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAutoAcceptRequiresAdmin(t *testing.T) {
	_, router := newRouter(t)
	tests := []struct {
		name   string
		token  string
		body   string
		status int
		code   string
	}{
		{name: "anonymous", body: `{}`, status: http.StatusUnauthorized, code: string(stoerrors.KindUnauthenticated)},
		{name: "not admin", token: "user", body: `{}`, status: http.StatusForbidden, code: string(stoerrors.KindForbidden)},
		{name: "bad buyer", token: "admin", body: `{"buyer":"nope"}`, status: http.StatusBadRequest, code: string(stoerrors.KindInvalidIntent)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/trades/T1/auto-accept", strings.NewReader(tc.body))
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["code"] != tc.code || body["message"] == "" {
				t.Fatalf("unexpected error body %v", body)
			}
		})
	}
}
