package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	stoerrors "confio/core/errors"
	"confio/native/common"
	"confio/observability"
	"confio/observability/logging"
	"confio/services/sto/auth"
)

const (
	wsWriteTimeout = 10 * time.Second
	sendBuffer     = 64
	maxFrameBytes  = 256 << 10
)

// Config tunes session timing and throttling.
type Config struct {
	Keepalive      time.Duration
	IdleTimeout    time.Duration
	RatePerSecond  float64
	Burst          int
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.Keepalive <= 0 {
		c.Keepalive = 25 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if len(c.OriginPatterns) == 0 {
		c.OriginPatterns = []string{"*"}
	}
	return c
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Principal, error)
}

// Server upgrades authenticated requests to session channels.
type Server struct {
	cfg     Config
	authn   Authenticator
	handler Handler
	hub     *Hub
	logger  *slog.Logger
}

func NewServer(cfg Config, authn Authenticator, handler Handler, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg.withDefaults(), authn: authn, handler: handler, hub: hub, logger: logger.With("component", "session")}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	principal, err := s.authn.Authenticate(r.Context(), token)
	if err != nil {
		s.logger.Info("session rejected", logging.MaskToken("token", token), "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, stoerrors.Localize(err), http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	observability.Actions().SessionOpened()
	defer observability.Actions().SessionClosed()

	ctx := auth.WithPrincipal(r.Context(), principal)
	sess := &session{
		srv:       s,
		conn:      conn,
		principal: principal,
		client:    &client{userID: principal.UserID, out: make(chan []byte, sendBuffer)},
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst),
		logger:    s.logger.With("user_id", principal.UserID),
	}
	if err := sess.run(ctx); err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		sess.logger.Debug("session ended", "error", err)
	}
}

type session struct {
	srv       *Server
	conn      *websocket.Conn
	principal *auth.Principal
	client    *client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.srv.hub != nil {
		s.srv.hub.register(s.client)
		defer s.srv.hub.unregister(s.client)
	}

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- s.writeLoop(ctx)
		cancel()
	}()

	err := s.readLoop(ctx)
	cancel()
	if werr := <-writerDone; err == nil && werr != nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	return err
}

func (s *session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.srv.cfg.Keepalive)
	defer ticker.Stop()
	ping := encode(typeFrame{Type: TypeServerPing})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.write(ctx, ping); err != nil {
				return err
			}
		case msg := <-s.client.out:
			if err := s.write(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *session) write(ctx context.Context, msg []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, msg)
}

// send queues a reply behind any pending hub updates.
func (s *session) send(ctx context.Context, v any) {
	select {
	case s.client.out <- encode(v):
	case <-ctx.Done():
	}
}

// readLoop handles one frame at a time. Every inbound frame resets the idle
// deadline.
func (s *session) readLoop(ctx context.Context) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.srv.cfg.IdleTimeout)
		typ, data, err := s.conn.Read(readCtx)
		idle := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if idle {
				s.logger.Debug("closing idle session")
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		s.handle(ctx, data)
	}
}

func (s *session) handle(ctx context.Context, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.send(ctx, newErrorFrame("", stoerrors.InvalidIntent("malformed frame")))
		return
	}
	if in.Type == TypePing {
		s.send(ctx, typeFrame{Type: TypePong})
		return
	}
	if in.Type != TypePrepare && in.Type != TypeSubmit {
		s.send(ctx, newErrorFrame("", stoerrors.InvalidIntent("unknown frame type %q", in.Type)))
		return
	}
	if !s.limiter.Allow() {
		observability.Actions().RecordThrottle("rate_limit")
		s.send(ctx, newErrorFrame(in.Action, stoerrors.RateLimited("session rate exceeded")))
		return
	}
	if !in.Action.Valid() {
		s.send(ctx, newErrorFrame(in.Action, stoerrors.InvalidIntent("unknown action %q", in.Action)))
		return
	}

	start := time.Now()
	var err error
	switch in.Type {
	case TypePrepare:
		var pack common.Pack
		pack, err = s.srv.handler.Prepare(ctx, s.principal, in.prepare())
		if err == nil {
			s.send(ctx, prepareReadyFrame{Type: TypePrepareReady, Action: in.Action, IntentID: in.IntentID, Pack: pack})
		}
	case TypeSubmit:
		var res SubmitResult
		res, err = s.srv.handler.Submit(ctx, s.principal, in.SubmitRequest)
		if err == nil {
			frame := submitOKFrame{Type: TypeSubmitOK, Action: in.Action, IntentID: in.IntentID, ConfirmedRound: res.ConfirmedRound}
			if res.TxID != "" {
				txID := res.TxID
				frame.TxID = &txID
			}
			s.send(ctx, frame)
		}
	}
	observability.Actions().Observe(string(in.Action), in.Type, string(stoerrors.KindOf(err)), time.Since(start))
	if err != nil {
		if stoerrors.KindOf(err) == stoerrors.KindInternal {
			s.logger.Error("session operation failed", "type", in.Type, "action", string(in.Action), "intent_id", in.IntentID, "error", err)
		}
		s.send(ctx, newErrorFrame(in.Action, err))
	}
}
