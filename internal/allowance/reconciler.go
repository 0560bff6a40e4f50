package allowance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swapflow/internal/config"
	"swapflow/internal/swaperr"
	"swapflow/internal/token"
	"swapflow/internal/wallet"
)

const (
	opCheck   = "allowance.check"
	opApprove = "allowance.approve"
)

// State 描述某个 (owner, token, spender) 的授权情况。
type State struct {
	Owner      common.Address `json:"owner"`
	Token      common.Address `json:"token"`
	Spender    common.Address `json:"spender"`
	Current    *big.Int       `json:"current"`
	Required   *big.Int       `json:"required"`
	Sufficient bool           `json:"sufficient"`
}

// Receipt 是已上链的授权交易。
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	Amount      *big.Int    `json:"amount"`
}

// Balance 是账户余额快照，读取失败时为零值默认。
type Balance struct {
	Atomic    *big.Int `json:"atomic"`
	Decimals  uint8    `json:"decimals"`
	Symbol    string   `json:"symbol"`
	Formatted string   `json:"formatted"`
}

// Reconciler 检查并补齐结算合约所需的代币授权。
type Reconciler struct {
	backend TokenBackend
	spender common.Address
	cfg     config.ApprovalConfig
	logger  *zap.Logger
}

// NewReconciler 创建授权协调器，spender 为该链的 vault relayer。
func NewReconciler(backend TokenBackend, spender common.Address, cfg config.ApprovalConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		backend: backend,
		spender: spender,
		cfg:     cfg,
		logger:  logger,
	}
}

// Spender 返回被授权地址。
func (r *Reconciler) Spender() common.Address {
	return r.spender
}

// DefaultInfinite 返回默认授权策略。
func (r *Reconciler) DefaultInfinite() bool {
	return r.cfg.Infinite
}

// Check 读取当前授权额度并与所需数量比较。
func (r *Reconciler) Check(ctx context.Context, tok token.Ref, owner common.Address, required *big.Int) (State, error) {
	if required == nil || required.Sign() <= 0 {
		return State{}, swaperr.New(swaperr.KindInputInvalid, opCheck, "所需授权数量必须大于0")
	}

	current, err := r.backend.Allowance(ctx, tok.Address, owner, r.spender)
	if err != nil {
		r.logger.Warn("读取授权额度失败",
			zap.String("token", tok.Address.Hex()),
			zap.String("owner", owner.Hex()),
			zap.Error(err),
		)
		return State{}, swaperr.WrapRetryable(swaperr.KindAllowanceCheckFailed, opCheck, err)
	}

	state := State{
		Owner:      owner,
		Token:      tok.Address,
		Spender:    r.spender,
		Current:    current,
		Required:   new(big.Int).Set(required),
		Sufficient: current.Cmp(required) >= 0,
	}

	r.logger.Debug("授权检查完成",
		zap.String("token", tok.Symbol),
		zap.String("current", current.String()),
		zap.String("required", required.String()),
		zap.Bool("sufficient", state.Sufficient),
	)
	return state, nil
}

// Approve 发送授权交易并等待上链，infinite 为 true 时授权 2^256-1。
func (r *Reconciler) Approve(ctx context.Context, tok token.Ref, amount *big.Int, infinite bool) (Receipt, error) {
	value := token.MaxUint256()
	if !infinite {
		if amount == nil || amount.Sign() <= 0 {
			return Receipt{}, swaperr.New(swaperr.KindInputInvalid, opApprove, "授权数量必须大于0")
		}
		value = new(big.Int).Set(amount)
	}

	txHash, err := r.backend.Approve(ctx, tok.Address, r.spender, value)
	if err != nil {
		return Receipt{}, r.classifyApproveError(err)
	}

	waitCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	receipt, err := r.backend.WaitMined(waitCtx, txHash)
	if err != nil {
		return Receipt{}, r.classifyApproveError(err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, r.classifyApproveError(fmt.Errorf("%w: 交易 %s 执行失败", ErrReverted, txHash.Hex()))
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	r.logger.Info("授权交易已确认",
		zap.String("token", tok.Symbol),
		zap.String("tx", txHash.Hex()),
		zap.Uint64("block", block),
		zap.Bool("infinite", infinite),
		zap.Duration("wait", time.Since(start)),
	)

	return Receipt{TxHash: txHash, BlockNumber: block, Amount: value}, nil
}

func (r *Reconciler) classifyApproveError(err error) error {
	switch {
	case errors.Is(err, wallet.ErrRejected):
		return swaperr.Wrap(swaperr.KindApprovalRejectedByUser, opApprove, err)
	case errors.Is(err, ErrReverted):
		return swaperr.Wrap(swaperr.KindApprovalFailed, opApprove, err)
	default:
		return swaperr.WrapRetryable(swaperr.KindApprovalFailed, opApprove, err)
	}
}

// Balance 并行读取余额、精度与符号，任一失败即返回零值默认。
func (r *Reconciler) Balance(ctx context.Context, tok token.Ref, owner common.Address) Balance {
	var (
		atomic   *big.Int
		decimals uint8
		symbol   string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.backend.BalanceOf(gctx, tok.Address, owner)
		atomic = v
		return err
	})
	g.Go(func() error {
		v, err := r.backend.Decimals(gctx, tok.Address)
		decimals = v
		return err
	})
	g.Go(func() error {
		v, err := r.backend.Symbol(gctx, tok.Address)
		symbol = v
		return err
	})

	if err := g.Wait(); err != nil || atomic == nil {
		r.logger.Warn("读取余额失败，返回默认值",
			zap.String("token", tok.Address.Hex()),
			zap.String("owner", owner.Hex()),
			zap.Error(err),
		)
		return DefaultBalance()
	}

	return Balance{
		Atomic:    atomic,
		Decimals:  decimals,
		Symbol:    symbol,
		Formatted: token.FormatUnits(atomic, decimals),
	}
}

// DefaultBalance 是读取失败时的降级结果。
func DefaultBalance() Balance {
	return Balance{Atomic: big.NewInt(0), Decimals: 18, Symbol: "", Formatted: "0"}
}
