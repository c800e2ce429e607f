package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	stoerrors "confio/core/errors"
	"confio/crypto"
	"confio/native/escrow"
	"confio/services/sto/auth"
	"confio/services/sto/models"
	"confio/services/sto/session"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Orchestrator *Orchestrator
	Session      *session.Server
	Auth         session.Authenticator
	DB           *gorm.DB
	Logger       *slog.Logger
}

// NewRouter serves the session channel, health, metrics and operator routes.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Handle("/ws", cfg.Session)
	r.Get("/healthz", healthHandler(cfg.DB))
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(requireAdmin(cfg.Auth))
		admin.With(otelMiddleware("sto.auto_accept")).Post("/trades/{id}/auto-accept", autoAcceptHandler(cfg.Orchestrator, logger))
	})
	return r
}

func otelMiddleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return otelhttp.NewHandler(next, operation) }
}

func healthHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(r.Context())
			}
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requireAdmin(authn session.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
			if err != nil {
				writeError(w, err)
				return
			}
			if !p.Has(auth.PermAdmin) {
				writeError(w, stoerrors.Forbidden("admin permission required"))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func autoAcceptHandler(o *Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Buyer string `json:"buyer"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, stoerrors.InvalidIntent("invalid body"))
			return
		}
		buyer, err := crypto.ParseAddress(strings.TrimSpace(body.Buyer))
		if err != nil {
			writeError(w, stoerrors.InvalidIntent("invalid buyer address"))
			return
		}
		tradeID := chi.URLParam(r, "id")
		res, err := o.AutoAccept(r.Context(), tradeID, buyer)
		if err != nil {
			if stoerrors.KindOf(err) == stoerrors.KindInternal {
				logger.Error("auto-accept failed", "trade_id", tradeID, "error", err)
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"trade_id": tradeID, "tx_id": res.TxID, "confirmed_round": res.ConfirmedRound})
	}
}

var statusByKind = map[stoerrors.Kind]int{
	stoerrors.KindUnauthenticated: http.StatusUnauthorized,
	stoerrors.KindForbidden:       http.StatusForbidden,
	stoerrors.KindInvalidIntent:   http.StatusBadRequest,
	stoerrors.KindPrecondFailed:   http.StatusConflict,
	stoerrors.KindBoxMissing:      http.StatusNotFound,
	stoerrors.KindRateLimited:     http.StatusTooManyRequests,
	stoerrors.KindChainTimeout:    http.StatusGatewayTimeout,
	stoerrors.KindTransient:       http.StatusBadGateway,
	stoerrors.KindInternal:        http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, err error) {
	kind := stoerrors.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"code": string(kind), "message": stoerrors.Localize(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TradeRoomMembers resolves trade chat rooms to the trade's parties.
func TradeRoomMembers(db *gorm.DB) session.RoomMembers {
	return func(ctx context.Context, room string) ([]string, error) {
		tradeID, ok := strings.CutPrefix(room, escrow.ChatRoom(""))
		if !ok || tradeID == "" {
			return nil, nil
		}
		var trade models.Trade
		err := db.WithContext(ctx).Select("seller_user_id", "buyer_user_id").First(&trade, "id = ?", tradeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var members []string
		for _, id := range []string{trade.SellerUserID, trade.BuyerUserID} {
			if id != "" {
				members = append(members, id)
			}
		}
		return members, nil
	}
}
