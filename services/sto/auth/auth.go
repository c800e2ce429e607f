package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	stoerrors "confio/core/errors"
	"confio/services/sto/models"
)

// Permissions carried in the perms claim.
const (
	PermResolveDispute = "p2p:resolve_dispute"
	PermAdmin          = "admin"
)

type contextKey string

const contextKeyPrincipal contextKey = "sto.principal"

// Config controls bearer token verification.
type Config struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Claims is the JWT body issued by the gateway layer.
type Claims struct {
	AccountType  string   `json:"account_type"`
	AccountIndex int      `json:"account_index"`
	BusinessID   string   `json:"business_id,omitempty"`
	Perms        []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated actor of a session.
type Principal struct {
	UserID       string
	AccountType  models.AccountType
	AccountIndex int
	BusinessID   string
	Address      string
	Perms        []string
}

// Has reports whether the principal carries perm.
func (p *Principal) Has(perm string) bool {
	for _, have := range p.Perms {
		if have == perm || have == PermAdmin {
			return true
		}
	}
	return false
}

// Authenticator verifies bearer tokens and resolves the caller's address.
type Authenticator struct {
	cfg    Config
	secret []byte
	db     *gorm.DB
}

func NewAuthenticator(cfg Config, db *gorm.DB) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.Secret)), db: db}
}

// Authenticate parses token and loads the account slot it names.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := a.parse(token)
	if err != nil {
		return nil, stoerrors.Unauthenticated("invalid token").Wrap(err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, stoerrors.Unauthenticated("token has no subject")
	}
	accountType := models.AccountType(strings.ToLower(strings.TrimSpace(claims.AccountType)))
	switch accountType {
	case "":
		accountType = models.AccountPersonal
	case models.AccountPersonal, models.AccountBusiness:
	default:
		return nil, stoerrors.Unauthenticated("unknown account type %q", claims.AccountType)
	}
	if claims.AccountIndex < 0 {
		return nil, stoerrors.Unauthenticated("negative account index")
	}
	if accountType == models.AccountBusiness && claims.BusinessID == "" {
		return nil, stoerrors.Unauthenticated("business account without business id")
	}
	acct, err := models.FindAccount(a.db.WithContext(ctx), subject, accountType, claims.AccountIndex, claims.BusinessID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return nil, stoerrors.Unauthenticated("no account for principal")
	}
	if err != nil {
		return nil, stoerrors.Internal(err, "resolve account")
	}
	if acct.Address == "" {
		return nil, stoerrors.Unauthenticated("account has no address")
	}
	return &Principal{
		UserID:       subject,
		AccountType:  accountType,
		AccountIndex: claims.AccountIndex,
		BusinessID:   claims.BusinessID,
		Address:      acct.Address,
		Perms:        claims.Perms,
	}, nil
}

func (a *Authenticator) parse(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// Issue signs claims with secret. It backs operator tooling and tests.
func Issue(secret string, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(strings.TrimSpace(secret)))
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter used by websocket clients.
func TokenFromRequest(r *http.Request) string {
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// FromContext returns the principal stored on ctx.
func FromContext(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(contextKeyPrincipal).(*Principal)
	if !ok || p == nil {
		return nil, stoerrors.Unauthenticated("no principal")
	}
	return p, nil
}
