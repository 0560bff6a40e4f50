package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"swapflow/internal/allowance"
	"swapflow/internal/chain"
	"swapflow/internal/config"
	"swapflow/internal/order"
	"swapflow/internal/orderbook"
	"swapflow/internal/quote"
	"swapflow/internal/swaperr"
	"swapflow/internal/token"
	"swapflow/internal/wallet"
)

// ErrSuperseded 表示操作完成时输入已变化，结果未被采用。
var ErrSuperseded = errors.New("engine: 输入已变化，结果被丢弃")

// AllowanceService 是控制器使用的授权能力。
type AllowanceService interface {
	Check(ctx context.Context, tok token.Ref, owner common.Address, required *big.Int) (allowance.State, error)
	Approve(ctx context.Context, tok token.Ref, amount *big.Int, infinite bool) (allowance.Receipt, error)
}

// OrderSigner 是控制器使用的签名能力。
type OrderSigner interface {
	Sign(ctx context.Context, q quote.Quote, owner common.Address, now time.Time) (order.SignedOrder, error)
}

// OrderSubmitter 是订单提交端点。
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, creation orderbook.OrderCreation) (string, error)
}

// Session 聚合外部注入的链、钱包与各协作者。Wallet 为空表示仅预览价格。
type Session struct {
	Chain     chain.Chain
	Wallet    wallet.Wallet
	Quotes    quote.Provider
	Allowance AllowanceService
	Signer    OrderSigner
	Submitter OrderSubmitter
}

// Controller 将报价、授权、签名与提交编排为单一状态机。
type Controller struct {
	session   Session
	logger    *zap.Logger
	observers []Observer
	now       func() time.Time
	id        string

	negotiator *quote.Negotiator

	ctx    context.Context
	cancel context.CancelFunc

	// walletMu 保证授权与签名不会同时请求钱包。
	walletMu sync.Mutex
	// notifyMu 在持有 mu 时获取，保证通知顺序与状态变化顺序一致。
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	generation uint64
	input      Input
	amount     *big.Int
	quote      *quote.Quote
	allowance  *allowance.State
	approving  bool
	retryFrom  State
	orderID    string
	err        error
	updatedAt  time.Time
	changed    chan struct{}
	pending    []Transition
	closed     bool
}

// NewController 创建控制器并绑定报价协商器。
func NewController(session Session, cfg config.QuoteConfig, logger *zap.Logger, observers ...Observer) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		session:   session,
		logger:    logger.With(zap.String("session", id), zap.Int64("chain_id", int64(session.Chain.ID))),
		observers: observers,
		now:       time.Now,
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		changed:   make(chan struct{}),
		updatedAt: time.Now(),
	}
	c.negotiator = quote.NewNegotiator(session.Quotes, cfg, c.onQuote, c.logger)
	return c
}

// ID 返回会话标识。
func (c *Controller) ID() string {
	return c.id
}

// Owner 返回已连接钱包地址，未连接时为零地址。
func (c *Controller) Owner() common.Address {
	if c.session.Wallet == nil {
		return common.Address{}
	}
	return c.session.Wallet.Address()
}

// SetInput 更新交易对与数量。任何变化都会丢弃旧报价、授权与签名状态，
// 输入完整时进入 AwaitingQuote，否则回到 Idle。
func (c *Controller) SetInput(in Input) (Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, swaperr.New(swaperr.KindInternal, "engine.set_input", "控制器已关闭")
	}

	if err := c.validateInput(in); err != nil {
		ticket, _ := c.negotiator.SetInput(quote.Request{})
		c.resetLocked(in, ticket.Generation)
		c.transitionLocked(StateIdle, err, nil)
		snap := c.snapshotLocked()
		c.unlockAndNotify()
		return snap, err
	}

	ticket, err := c.negotiator.SetInput(quote.Request{
		ChainID:   c.session.Chain.ID,
		SellToken: in.SellToken,
		BuyToken:  in.BuyToken,
		Amount:    in.Amount,
		Kind:      in.Kind,
		Owner:     c.Owner(),
	})
	c.resetLocked(in, ticket.Generation)

	switch {
	case err != nil:
		c.transitionLocked(StateIdle, err, nil)
	case !ticket.Pending:
		c.transitionLocked(StateIdle, nil, nil)
	default:
		c.amount = ticket.Amount.Atomic
		c.transitionLocked(StateAwaitingQuote, nil, nil)
	}

	snap := c.snapshotLocked()
	c.unlockAndNotify()
	return snap, err
}

func (c *Controller) validateInput(in Input) error {
	const op = "engine.set_input"
	for _, t := range []token.Ref{in.SellToken, in.BuyToken} {
		if !t.IsZero() && t.ChainID != c.session.Chain.ID {
			return swaperr.New(swaperr.KindInputInvalid, op,
				fmt.Sprintf("代币 %s 不属于链 %d", t.Address.Hex(), c.session.Chain.ID))
		}
	}
	if !in.SellToken.IsZero() && in.SellToken.Same(in.BuyToken) {
		return swaperr.New(swaperr.KindInputInvalid, op, "卖出与买入代币相同")
	}
	return nil
}

func (c *Controller) resetLocked(in Input, gen uint64) {
	c.generation = gen
	c.input = in
	c.amount = nil
	c.quote = nil
	c.allowance = nil
	c.approving = false
	c.retryFrom = ""
	c.orderID = ""
}

func (c *Controller) onQuote(u quote.Update) {
	c.mu.Lock()
	if u.Generation != c.generation || c.closed {
		c.mu.Unlock()
		return
	}

	switch {
	case u.Err != nil:
		c.quote = nil
		c.allowance = nil
		c.transitionLocked(StateFailed, u.Err, nil)
	case u.Quote == nil:
		c.quote = nil
		c.transitionLocked(StateIdle, nil, nil)
	case u.Refresh:
		c.applyRefreshLocked(u.Quote)
		c.reconcileAllowanceLocked()
	default:
		c.quote = u.Quote
		c.transitionLocked(StateQuoteReady, nil, nil)
		c.startAllowanceCheckLocked()
	}
	c.unlockAndNotify()
}

// applyRefreshLocked 用刷新后的报价替换旧报价，但不回退已推进的状态。
func (c *Controller) applyRefreshLocked(q *quote.Quote) {
	switch c.state {
	case StateSubmitted, StateAwaitingSignature, StateSubmitting:
		return
	case StateFailed:
		c.quote = q
		// 报价过期导致的失败在拿到新报价后重新走授权检查。
		if swaperr.IsKind(c.err, swaperr.KindQuoteExpired) {
			c.allowance = nil
			c.transitionLocked(StateQuoteReady, nil, nil)
			c.startAllowanceCheckLocked()
			return
		}
	default:
		c.quote = q
	}
	c.touchLocked()
}

// requiredAllowanceLocked 返回当前报价需要的卖出代币授权额度。
// 卖单为输入数量，买单为报价的卖出数量加手续费。
func (c *Controller) requiredAllowanceLocked() *big.Int {
	if c.quote != nil && c.quote.Kind == orderbook.KindBuy {
		return new(big.Int).Add(c.quote.SellAmount, c.quote.FeeAmount)
	}
	if c.amount == nil {
		return nil
	}
	return new(big.Int).Set(c.amount)
}

// reconcileAllowanceLocked 在买单刷新后按新的卖出数量重新判断已读取的授权是否足够。
func (c *Controller) reconcileAllowanceLocked() {
	if c.allowance == nil || c.approving || c.quote == nil || c.quote.Kind != orderbook.KindBuy {
		return
	}
	required := c.requiredAllowanceLocked()
	a := *c.allowance
	a.Required = required
	a.Sufficient = a.Current != nil && a.Current.Cmp(required) >= 0
	c.allowance = &a

	switch {
	case c.state == StateApproved && !a.Sufficient:
		c.transitionLocked(StateAwaitingApproval, nil, nil)
	case c.state == StateAwaitingApproval && a.Sufficient:
		c.transitionLocked(StateApproved, nil, nil)
	}
}

func (c *Controller) startAllowanceCheckLocked() {
	required := c.requiredAllowanceLocked()
	if c.session.Wallet == nil || c.quote == nil || required == nil {
		return
	}

	gen := c.generation
	tok := c.input.SellToken
	owner := c.session.Wallet.Address()

	go func() {
		state, err := c.session.Allowance.Check(c.ctx, tok, owner, required)

		c.mu.Lock()
		if gen != c.generation || c.closed || c.state != StateQuoteReady {
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.retryFrom = ""
			c.transitionLocked(StateFailed, err, nil)
			c.unlockAndNotify()
			return
		}
		c.allowance = &state
		if state.Sufficient {
			c.transitionLocked(StateApproved, nil, nil)
		} else {
			c.transitionLocked(StateAwaitingApproval, nil, nil)
		}
		c.unlockAndNotify()
	}()
}

// Recheck 在 QuoteReady 或授权检查失败后重新读取授权额度。
func (c *Controller) Recheck() (Snapshot, error) {
	c.mu.Lock()
	if c.quote == nil || (c.state != StateQuoteReady && !(c.state == StateFailed && swaperr.IsKind(c.err, swaperr.KindAllowanceCheckFailed))) {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, swaperr.New(swaperr.KindInputInvalid, "engine.recheck", fmt.Sprintf("当前状态 %s 不能重新检查授权", c.state))
	}
	c.allowance = nil
	c.transitionLocked(StateQuoteReady, nil, nil)
	c.startAllowanceCheckLocked()
	snap := c.snapshotLocked()
	c.unlockAndNotify()
	return snap, nil
}

// Approve 发送授权交易并等待上链，仅在 AwaitingApproval 或授权失败后可调用。
func (c *Controller) Approve(ctx context.Context, infinite bool) (Snapshot, error) {
	const op = "engine.approve"

	c.mu.Lock()
	if c.state == StateApproved {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	retry := c.state == StateFailed && c.retryFrom == StateAwaitingApproval
	if (c.state != StateAwaitingApproval && !retry) || c.approving {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, swaperr.New(swaperr.KindInputInvalid, op, fmt.Sprintf("当前状态 %s 不能发起授权", c.state))
	}
	if c.session.Wallet == nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, swaperr.New(swaperr.KindInputInvalid, op, "未连接钱包")
	}

	required := c.requiredAllowanceLocked()
	if required == nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, swaperr.New(swaperr.KindInputInvalid, op, "当前没有可授权的报价")
	}

	gen := c.generation
	tok := c.input.SellToken
	owner := c.session.Wallet.Address()
	c.approving = true
	if retry {
		c.transitionLocked(StateAwaitingApproval, nil, nil)
	} else {
		c.touchLocked()
	}
	c.unlockAndNotify()

	c.walletMu.Lock()
	receipt, err := c.session.Allowance.Approve(ctx, tok, required, infinite)
	c.walletMu.Unlock()

	c.mu.Lock()
	if gen != c.generation || c.closed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrSuperseded
	}
	c.approving = false

	if err != nil {
		c.retryFrom = StateAwaitingApproval
		c.transitionLocked(StateFailed, err, nil)
		snap := c.snapshotLocked()
		c.unlockAndNotify()
		return snap, err
	}

	c.allowance = &allowance.State{
		Owner:      owner,
		Token:      tok.Address,
		Spender:    c.spenderLocked(),
		Current:    receipt.Amount,
		Required:   required,
		Sufficient: receipt.Amount.Cmp(required) >= 0,
	}
	c.retryFrom = ""
	c.transitionLocked(StateApproved, nil, nil)
	snap := c.snapshotLocked()
	c.unlockAndNotify()

	c.logger.Info("授权完成",
		zap.String("token", tok.Symbol),
		zap.String("tx", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber),
	)
	return snap, nil
}

func (c *Controller) spenderLocked() common.Address {
	if c.allowance != nil {
		return c.allowance.Spender
	}
	return c.session.Chain.VaultRelayer
}

// Submit 对当前报价签名并提交订单。签名失败、订单簿拒绝或网络错误后，
// 只要报价仍有效即可再次调用而无需重新报价。
func (c *Controller) Submit(ctx context.Context) (Snapshot, error) {
	const op = "engine.submit"

	c.mu.Lock()
	retry := c.state == StateFailed && c.retryFrom == StateApproved
	if c.state != StateApproved && !retry {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, swaperr.New(swaperr.KindInputInvalid, op, fmt.Sprintf("当前状态 %s 不能提交订单", c.state))
	}
	if c.session.Wallet == nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, swaperr.New(swaperr.KindInputInvalid, op, "未连接钱包")
	}
	if !c.allowanceCoversLocked() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, swaperr.New(swaperr.KindInputInvalid, op, "授权额度不足或与当前报价不匹配")
	}

	gen := c.generation
	q := *c.quote
	owner := c.session.Wallet.Address()
	c.transitionLocked(StateAwaitingSignature, nil, nil)
	c.unlockAndNotify()

	c.walletMu.Lock()
	signed, err := c.session.Signer.Sign(ctx, q, owner, c.now())
	c.walletMu.Unlock()

	c.mu.Lock()
	if gen != c.generation || c.closed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrSuperseded
	}
	if err != nil {
		c.retryFrom = StateApproved
		if swaperr.IsKind(err, swaperr.KindQuoteExpired) {
			c.retryFrom = ""
		}
		c.transitionLocked(StateFailed, err, nil)
		snap := c.snapshotLocked()
		c.unlockAndNotify()
		return snap, err
	}
	c.transitionLocked(StateSubmitting, nil, nil)
	c.unlockAndNotify()

	uid, err := c.session.Submitter.SubmitOrder(ctx, signed.Creation())

	c.mu.Lock()
	if gen != c.generation || c.closed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrSuperseded
	}
	if err != nil {
		c.retryFrom = StateApproved
		c.transitionLocked(StateFailed, err, nil)
		snap := c.snapshotLocked()
		c.unlockAndNotify()
		return snap, err
	}

	c.orderID = uid
	c.retryFrom = ""
	c.negotiator.Pause()
	c.transitionLocked(StateSubmitted, nil, &signed)
	snap := c.snapshotLocked()
	c.unlockAndNotify()

	c.logger.Info("订单已提交",
		zap.String("order_id", uid),
		zap.Int64("quote_id", signed.QuoteID),
	)
	return snap, nil
}

// allowanceCoversLocked 确认授权针对当前报价的卖出代币且额度覆盖当前报价所需。
func (c *Controller) allowanceCoversLocked() bool {
	required := c.requiredAllowanceLocked()
	if c.quote == nil || c.allowance == nil || required == nil {
		return false
	}
	a := c.allowance
	return a.Token == c.quote.SellToken &&
		a.Token == c.input.SellToken.Address &&
		a.Current != nil &&
		a.Current.Cmp(required) >= 0
}

// Snapshot 返回当前状态副本。
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// WaitFor 阻塞直到快照满足 pred 或 ctx 结束。
func (c *Controller) WaitFor(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	for {
		c.mu.Lock()
		snap := c.snapshotLocked()
		ch := c.changed
		c.mu.Unlock()

		if pred(snap) {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ch:
		}
	}
}

// Close 停止报价刷新并丢弃所有未完成操作的结果。
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	c.mu.Unlock()

	c.negotiator.Close()
	c.cancel()
}

func (c *Controller) transitionLocked(to State, err error, signed *order.SignedOrder) {
	from := c.state
	c.state = to
	c.err = err
	c.touchLocked()

	if from != to || err != nil {
		fields := []zap.Field{
			zap.Uint64("generation", c.generation),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		}
		if err != nil {
			fields = append(fields, zap.String("kind", string(swaperr.KindOf(err))), zap.Error(err))
		}
		c.logger.Debug("状态变更", fields...)
	}

	c.pending = append(c.pending, Transition{
		SessionID:  c.id,
		Generation: c.generation,
		From:       from,
		To:         to,
		Snapshot:   c.snapshotLocked(),
		Err:        err,
		Order:      signed,
		At:         c.updatedAt,
	})
}

func (c *Controller) touchLocked() {
	c.updatedAt = c.now()
	close(c.changed)
	c.changed = make(chan struct{})
}

// unlockAndNotify 释放锁后按顺序通知观察者。notifyMu 先于 mu 释放前获取，
// 并发的状态变化因此按产生顺序送达。
func (c *Controller) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	if len(pending) == 0 || len(c.observers) == 0 {
		c.mu.Unlock()
		return
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, t := range pending {
		for _, o := range c.observers {
			o.OnTransition(t)
		}
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:  c.id,
		State:      c.state,
		Generation: c.generation,
		Input:      c.input,
		Approving:  c.approving,
		CanRetry:   c.state == StateFailed && c.retryFrom != "",
		OrderID:    c.orderID,
		Error:      newErrorView(c.err),
		UpdatedAt:  c.updatedAt,
	}
	if c.amount != nil {
		snap.Amount = new(big.Int).Set(c.amount)
	}
	if c.quote != nil {
		q := *c.quote
		snap.Quote = &q
	}
	if c.allowance != nil {
		a := *c.allowance
		snap.Allowance = &a
	}
	return snap
}
