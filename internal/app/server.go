package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"swapflow/internal/allowance"
	"swapflow/internal/chain"
	"swapflow/internal/engine"
	"swapflow/internal/monitor"
	"swapflow/internal/store"
	"swapflow/internal/swaperr"
	"swapflow/internal/token"
)

const maxWait = 60 * time.Second

// TokenDirectory 提供按链的代币查询，*token.Registry 满足该接口。
type TokenDirectory interface {
	Tokens(ctx context.Context, id chain.ID) []token.Ref
	Lookup(ctx context.Context, id chain.ID, addressOrSymbol string) (token.Ref, error)
}

// BalanceReader 读取展示用余额，*allowance.Reconciler 满足该接口。
type BalanceReader interface {
	Balance(ctx context.Context, tok token.Ref, owner common.Address) allowance.Balance
}

// EventLister 检索生命周期事件，*monitor.Service 满足该接口。
type EventLister interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, sessionID string, limit int) ([]monitor.Event, error)
}

// OrderLister 检索已提交订单，*store.Store 满足该接口。
type OrderLister interface {
	ListOrders(ctx context.Context, owner common.Address, limit int) ([]store.OrderRecord, error)
}

// ServerDeps 聚合控制接口的依赖。
type ServerDeps struct {
	Controller      *engine.Controller
	Chain           chain.Chain
	Chains          *chain.Registry
	Tokens          TokenDirectory
	Balances        BalanceReader
	Events          EventLister
	Orders          OrderLister
	Metrics         *monitor.Metrics
	DefaultInfinite bool
	Logger          *zap.Logger
}

// Server 是会话控制 HTTP 接口。
type Server struct {
	deps   ServerDeps
	logger *zap.Logger
	router http.Handler
}

// NewServer 构建路由。
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	s := &Server{deps: deps, logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler 返回 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	m := s.deps.Metrics

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.With(m.Middleware("/healthz")).Get("/healthz", s.handleHealth)
	r.With(m.Middleware("/chains")).Get("/chains", s.handleChains)
	r.With(m.Middleware("/chains/{chainID}/tokens")).Get("/chains/{chainID}/tokens", s.handleTokens)

	r.Route("/session", func(sr chi.Router) {
		sr.With(m.Middleware("/session")).Get("/", s.handleSession)
		sr.With(m.Middleware("/session/input")).Put("/input", s.handleInput)
		sr.With(m.Middleware("/session/approve")).Post("/approve", s.handleApprove)
		sr.With(m.Middleware("/session/submit")).Post("/submit", s.handleSubmit)
	})

	r.With(m.Middleware("/balances/{token}")).Get("/balances/{token}", s.handleBalance)
	r.With(m.Middleware("/orders")).Get("/orders", s.handleOrders)
	r.With(m.Middleware("/events")).Get("/events", s.handleEvents)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

type sessionResponse struct {
	Session engine.Snapshot `json:"session"`
	Error   *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Kind      swaperr.Kind `json:"kind"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

type inputRequest struct {
	SellToken string `json:"sellToken"`
	BuyToken  string `json:"buyToken"`
	Amount    string `json:"amount"`
	Kind      string `json:"kind"`
}

type approveRequest struct {
	Infinite *bool `json:"infinite"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"session": s.deps.Controller.ID(),
		"state":   string(s.deps.Controller.Snapshot().State),
	})
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Chains.List())
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "chainID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeFailure(w, swaperr.New(swaperr.KindInputInvalid, "app.tokens", fmt.Sprintf("链 ID %q 非法", raw)))
		return
	}
	if _, err := s.deps.Chains.Lookup(chain.ID(id)); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Tokens.Tokens(r.Context(), chain.ID(id)))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.writeSession(w, s.deps.Controller.Snapshot(), nil)
}

// handleInput 支持 ?wait=5s 等待进入需要决定的状态后再返回。
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	const op = "app.set_input"

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, swaperr.Wrap(swaperr.KindInputInvalid, op, err))
		return
	}

	in := engine.Input{Amount: strings.TrimSpace(req.Amount), Kind: strings.ToLower(strings.TrimSpace(req.Kind))}
	var err error
	if in.SellToken, err = s.resolveToken(r.Context(), req.SellToken); err != nil {
		s.writeFailure(w, swaperr.Wrap(swaperr.KindInputInvalid, op, err))
		return
	}
	if in.BuyToken, err = s.resolveToken(r.Context(), req.BuyToken); err != nil {
		s.writeFailure(w, swaperr.Wrap(swaperr.KindInputInvalid, op, err))
		return
	}

	snap, err := s.deps.Controller.SetInput(in)
	if err == nil && snap.State == engine.StateAwaitingQuote {
		if wait := parseWait(r.URL.Query().Get("wait")); wait > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), wait)
			snap, _ = s.deps.Controller.WaitFor(ctx, settled(s.deps.Controller.Owner()))
			cancel()
		}
	}
	s.writeSession(w, snap, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req := approveRequest{}
	// 请求体可省略，分块传输的空请求体同样按未指定处理。
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeFailure(w, swaperr.Wrap(swaperr.KindInputInvalid, "app.approve", err))
		return
	}
	infinite := s.deps.DefaultInfinite
	if req.Infinite != nil {
		infinite = *req.Infinite
	}

	snap, err := s.deps.Controller.Approve(r.Context(), infinite)
	s.writeSession(w, snap, err)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Controller.Submit(r.Context())
	s.writeSession(w, snap, err)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	const op = "app.balance"

	owner := s.deps.Controller.Owner()
	if owner == (common.Address{}) {
		s.writeFailure(w, swaperr.New(swaperr.KindInputInvalid, op, "未连接钱包"))
		return
	}
	tok, err := s.deps.Tokens.Lookup(r.Context(), s.deps.Chain.ID, chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Balances.Balance(r.Context(), tok, owner))
}

func (s *Server) resolveToken(ctx context.Context, raw string) (token.Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return token.Ref{}, nil
	}
	return s.deps.Tokens.Lookup(ctx, s.deps.Chain.ID, raw)
}

func (s *Server) writeSession(w http.ResponseWriter, snap engine.Snapshot, err error) {
	status := http.StatusOK
	resp := sessionResponse{Session: snap}
	if err != nil {
		status = statusFor(err)
		resp.Error = &apiError{
			Kind:      swaperr.KindOf(err),
			Message:   err.Error(),
			Retryable: swaperr.IsRetryable(err),
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]apiError{"error": {
		Kind:      swaperr.KindOf(err),
		Message:   err.Error(),
		Retryable: swaperr.IsRetryable(err),
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}

func statusFor(err error) int {
	if errors.Is(err, engine.ErrSuperseded) {
		return http.StatusConflict
	}
	switch swaperr.KindOf(err) {
	case swaperr.KindInputInvalid:
		return http.StatusBadRequest
	case swaperr.KindQuoteExpired, swaperr.KindApprovalRejectedByUser, swaperr.KindSigningRejectedByUser:
		return http.StatusConflict
	case swaperr.KindQuoteUnavailable, swaperr.KindSubmissionRejected:
		return http.StatusUnprocessableEntity
	case swaperr.KindNetworkError, swaperr.KindAllowanceCheckFailed, swaperr.KindApprovalFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseWait(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0
	}
	if d > maxWait {
		d = maxWait
	}
	return d
}

// settled 判断会话是否进入需要调用方决定的状态。已连接钱包时 QuoteReady 仍在检查授权。
func settled(owner common.Address) func(engine.Snapshot) bool {
	return func(s engine.Snapshot) bool {
		if s.State == engine.StateQuoteReady && owner != (common.Address{}) {
			return false
		}
		return s.State.Decided()
	}
}
