package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"swapflow/internal/chain"
	"swapflow/internal/engine"
	"swapflow/internal/swaperr"
	"swapflow/internal/token"
)

// OneShot 描述一次命令行交换。
type OneShot struct {
	Sell     string
	Buy      string
	Amount   string
	Kind     string
	Infinite *bool
}

// lifecycle 是编排所需的控制器能力，*engine.Controller 满足该接口。
type lifecycle interface {
	Owner() common.Address
	SetInput(in engine.Input) (engine.Snapshot, error)
	WaitFor(ctx context.Context, pred func(engine.Snapshot) bool) (engine.Snapshot, error)
	Approve(ctx context.Context, infinite bool) (engine.Snapshot, error)
	Submit(ctx context.Context) (engine.Snapshot, error)
}

// orchestrator 依次推动控制器走完一笔交换。
type orchestrator struct {
	ctrl    lifecycle
	tokens  TokenDirectory
	chainID chain.ID
	logger  *zap.Logger
}

func newOrchestrator(ctrl lifecycle, tokens TokenDirectory, chainID chain.ID, logger *zap.Logger) *orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &orchestrator{ctrl: ctrl, tokens: tokens, chainID: chainID, logger: logger}
}

func (o *orchestrator) run(ctx context.Context, req OneShot) (string, error) {
	const op = "app.run_once"

	sell, err := o.tokens.Lookup(ctx, o.chainID, req.Sell)
	if err != nil {
		return "", swaperr.Wrap(swaperr.KindInputInvalid, op, err)
	}
	buy, err := o.tokens.Lookup(ctx, o.chainID, req.Buy)
	if err != nil {
		return "", swaperr.Wrap(swaperr.KindInputInvalid, op, err)
	}

	if _, err := o.ctrl.SetInput(engine.Input{SellToken: sell, BuyToken: buy, Amount: req.Amount, Kind: req.Kind}); err != nil {
		return "", err
	}

	snap, err := o.ctrl.WaitFor(ctx, settled(o.ctrl.Owner()))
	if err != nil {
		return "", fmt.Errorf("等待报价超时: %w", err)
	}
	if q := snap.Quote; q != nil {
		o.logger.Info("获得报价",
			zap.String("sell", sell.Symbol),
			zap.String("buy", buy.Symbol),
			zap.String("sell_amount", token.FormatUnits(q.SellAmount, sell.Decimals)),
			zap.String("buy_amount", token.FormatUnits(q.BuyAmount, buy.Decimals)),
			zap.Uint32("valid_to", q.ValidTo),
		)
	}

	switch snap.State {
	case engine.StateFailed:
		return "", snapshotError(op, snap)
	case engine.StateQuoteReady:
		return "", nil
	case engine.StateAwaitingApproval:
		infinite := req.Infinite != nil && *req.Infinite
		o.logger.Info("授权额度不足，发起授权", zap.Bool("infinite", infinite))
		if snap, err = o.ctrl.Approve(ctx, infinite); err != nil {
			return "", err
		}
	}

	if snap.State != engine.StateApproved {
		return "", swaperr.New(swaperr.KindInternal, op, fmt.Sprintf("意外状态 %s", snap.State))
	}

	snap, err = o.ctrl.Submit(ctx)
	if err != nil {
		return "", err
	}
	return snap.OrderID, nil
}

func snapshotError(op string, snap engine.Snapshot) error {
	if snap.Error == nil {
		return swaperr.New(swaperr.KindInternal, op, "会话失败但未记录错误")
	}
	err := swaperr.New(snap.Error.Kind, op, snap.Error.Message)
	err.Retryable = snap.Error.Retryable
	return err
}
