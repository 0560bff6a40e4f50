package quote

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"swapflow/internal/config"
	"swapflow/internal/orderbook"
	"swapflow/internal/swaperr"
	"swapflow/internal/token"
)

// Provider 是报价来源，*orderbook.Client 满足该接口。
type Provider interface {
	Quote(ctx context.Context, req orderbook.QuoteRequest) (orderbook.QuoteResponse, error)
}

// Update 是推送给订阅者的报价结果。Quote 与 Err 同时为空表示当前无报价。
type Update struct {
	Generation uint64
	Quote      *Quote
	Err        error
	Refresh    bool
}

// Ticket 是 SetInput 的受理结果。
type Ticket struct {
	Generation uint64
	Amount     token.AmountSpec
	// Pending 为 true 表示已安排报价请求，结果将通过 Update 送达。
	Pending bool
}

// Negotiator 按输入变化去抖请求报价，并在持有报价期间定时刷新。
// 每次输入变化产生新的代次，过期代次的结果到达时直接丢弃。
type Negotiator struct {
	provider Provider
	cfg      config.QuoteConfig
	logger   *zap.Logger
	onUpdate func(Update)
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	generation uint64
	req        Request
	amount     *big.Int
	current    *Quote
	debounce   *time.Timer
	refresh    *time.Timer
	paused     bool
	closed     bool
}

// NewNegotiator 创建报价协商器，onUpdate 在独立 goroutine 中被调用。
func NewNegotiator(provider Provider, cfg config.QuoteConfig, onUpdate func(Update), logger *zap.Logger) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}
	if cfg.AppData == "" {
		cfg.AppData = config.DefaultAppData
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		onUpdate: onUpdate,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetInput 替换当前输入并开启新代次，清除已持有的报价与计时器。
// 数量为零或无法解析时返回 InputInvalid，不发起网络请求。
func (n *Negotiator) SetInput(req Request) (Ticket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.generation++
	n.stopTimersLocked()
	n.current = nil
	n.paused = false
	n.req = req
	n.amount = nil

	ticket := Ticket{Generation: n.generation}
	if kind := req.OrderKind(); kind != orderbook.KindSell && kind != orderbook.KindBuy {
		return ticket, swaperr.New(swaperr.KindInputInvalid, "quote.set_input", fmt.Sprintf("未知订单方向 %q", req.Kind))
	}
	if n.closed || !req.Complete() {
		return ticket, nil
	}

	amount, err := token.ParseAmount(req.Amount, req.AmountToken().Decimals)
	if err != nil {
		return ticket, err
	}
	n.amount = amount.Atomic
	ticket.Amount = amount
	ticket.Pending = true

	gen := n.generation
	n.debounce = time.AfterFunc(n.cfg.Debounce, func() {
		n.fetch(gen, false)
	})
	return ticket, nil
}

// Current 返回当前持有的报价。
func (n *Negotiator) Current() (Quote, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return Quote{}, false
	}
	return *n.current, true
}

// Pause 停止当前代次的自动刷新并保留已持有的报价，下次 SetInput 时恢复。
func (n *Negotiator) Pause() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused = true
	n.stopTimersLocked()
}

// Close 停止计时器，未完成的请求结果将被丢弃。
func (n *Negotiator) Close() {
	n.mu.Lock()
	n.closed = true
	n.generation++
	n.stopTimersLocked()
	n.current = nil
	n.mu.Unlock()
	n.cancel()
}

func (n *Negotiator) stopTimersLocked() {
	if n.debounce != nil {
		n.debounce.Stop()
		n.debounce = nil
	}
	if n.refresh != nil {
		n.refresh.Stop()
		n.refresh = nil
	}
}

func (n *Negotiator) fetch(gen uint64, refresh bool) {
	n.mu.Lock()
	if gen != n.generation || n.closed || (refresh && n.paused) {
		n.mu.Unlock()
		return
	}
	req := n.req
	amount := new(big.Int).Set(n.amount)
	n.mu.Unlock()

	start := time.Now()
	resp, err := n.provider.Quote(n.ctx, n.buildRequest(req, amount))
	var q Quote
	if err == nil {
		q, err = FromResponse(req.ChainID, resp, amount, n.now())
		if err == nil {
			err = q.Validate(req, amount, n.now())
		}
	}

	n.mu.Lock()
	if gen != n.generation || n.closed || (refresh && n.paused) {
		n.mu.Unlock()
		n.logger.Debug("丢弃过期代次的报价结果",
			zap.Uint64("generation", gen),
			zap.Bool("refresh", refresh),
		)
		return
	}

	if err != nil {
		if refresh && n.current != nil {
			n.scheduleRefreshLocked(gen)
			n.mu.Unlock()
			n.logger.Warn("报价刷新失败，保留当前报价",
				zap.Uint64("generation", gen),
				zap.Error(err),
			)
			return
		}
		n.current = nil
		n.mu.Unlock()
		n.logger.Warn("获取报价失败",
			zap.Uint64("generation", gen),
			zap.String("sell", req.SellToken.Symbol),
			zap.String("buy", req.BuyToken.Symbol),
			zap.Error(err),
		)
		n.deliver(Update{Generation: gen, Err: err, Refresh: refresh})
		return
	}

	n.current = &q
	n.scheduleRefreshLocked(gen)
	n.mu.Unlock()

	n.logger.Info("报价已更新",
		zap.Uint64("generation", gen),
		zap.Int64("quote_id", q.ID),
		zap.String("sell_amount", q.SellAmount.String()),
		zap.String("buy_amount", q.BuyAmount.String()),
		zap.String("fee_amount", q.FeeAmount.String()),
		zap.Uint32("valid_to", q.ValidTo),
		zap.Bool("refresh", refresh),
		zap.Duration("latency", time.Since(start)),
	)
	n.deliver(Update{Generation: gen, Quote: &q, Refresh: refresh})
}

func (n *Negotiator) scheduleRefreshLocked(gen uint64) {
	if n.cfg.RefreshInterval <= 0 {
		return
	}
	if n.refresh != nil {
		n.refresh.Stop()
	}
	n.refresh = time.AfterFunc(n.cfg.RefreshInterval, func() {
		n.fetch(gen, true)
	})
}

func (n *Negotiator) deliver(u Update) {
	n.mu.Lock()
	current := u.Generation == n.generation && !n.closed
	n.mu.Unlock()
	if !current {
		return
	}
	n.onUpdate(u)
}

func (n *Negotiator) buildRequest(req Request, amount *big.Int) orderbook.QuoteRequest {
	from := req.Owner
	out := orderbook.QuoteRequest{
		SellToken:         req.SellToken.Address.Hex(),
		BuyToken:          req.BuyToken.Address.Hex(),
		From:              from.Hex(),
		Kind:              req.OrderKind(),
		AppData:           n.cfg.AppData,
		PartiallyFillable: n.cfg.PartiallyFillable,
		SellTokenBalance:  orderbook.BalanceERC20,
		BuyTokenBalance:   orderbook.BalanceERC20,
		SigningScheme:     orderbook.SigningSchemeEIP712,
	}
	if out.Kind == orderbook.KindBuy {
		out.BuyAmountAfterFee = amount.String()
	} else {
		out.SellAmountBeforeFee = amount.String()
	}
	if from != (common.Address{}) {
		out.Receiver = from.Hex()
	}
	return out
}
