package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swapflow/internal/allowance"
	"swapflow/internal/chain"
	"swapflow/internal/config"
	"swapflow/internal/engine"
	"swapflow/internal/monitor"
	"swapflow/internal/order"
	"swapflow/internal/orderbook"
	"swapflow/internal/store"
	"swapflow/internal/token"
	"swapflow/internal/wallet"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// runtime 是一次运行期间装配好的组件。
type runtime struct {
	chain      chain.Chain
	chains     *chain.Registry
	client     *ethclient.Client
	wallet     wallet.Wallet
	tokens     *token.Registry
	reconciler *allowance.Reconciler
	journal    *monitor.Service
	metrics    *monitor.Metrics
	controller *engine.Controller
}

func (rt *runtime) close() {
	rt.controller.Close()
	rt.client.Close()
}

func (a *App) buildRuntime(ctx context.Context) (*runtime, error) {
	chains, err := chain.NewRegistry(a.cfg.Chain)
	if err != nil {
		return nil, err
	}
	c, err := chains.Lookup(chain.ID(a.cfg.Chain.ID))
	if err != nil {
		return nil, err
	}

	rpcURL := c.RPCURL
	if a.cfg.Chain.RPCURL != "" {
		rpcURL = a.cfg.Chain.RPCURL
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 RPC 节点失败: %w", err)
	}

	var w wallet.Wallet
	if a.cfg.Wallet.PrivateKey != "" {
		var confirmer wallet.Confirmer
		if a.cfg.Wallet.Confirm {
			confirmer = wallet.NewPromptConfirmer(os.Stdin, os.Stderr)
		}
		kw, err := wallet.NewKeyWallet(a.cfg.Wallet.PrivateKey, confirmer, a.logger)
		if err != nil {
			client.Close()
			return nil, err
		}
		w = kw
	}

	journal, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	metrics := monitor.NewMetrics()

	backend := allowance.NewERC20Backend(client, w, int64(c.ID), a.cfg.Approval.GasLimit, a.cfg.Approval.PollInterval, a.logger)
	reconciler := allowance.NewReconciler(backend, c.VaultRelayer, a.cfg.Approval, a.logger)
	books := orderbook.NewClient(a.cfg.OrderBook, c.Network, nil, a.logger)

	session := engine.Session{
		Chain:     c,
		Quotes:    books,
		Allowance: reconciler,
		Submitter: books,
	}
	var signer *order.Signer
	if w != nil {
		signer = order.NewSigner(w, c, a.logger)
		session.Wallet = w
		session.Signer = signer
	}

	rt := &runtime{
		chain:      c,
		chains:     chains,
		client:     client,
		wallet:     w,
		tokens:     token.NewRegistry(a.cfg.Tokens, nil, a.logger),
		reconciler: reconciler,
		journal:    journal,
		metrics:    metrics,
		controller: engine.NewController(session, a.cfg.Quote, a.logger, journal, metrics),
	}

	fields := []zap.Field{
		zap.Int64("chain_id", int64(c.ID)),
		zap.String("network", books.Network()),
		zap.String("spender", reconciler.Spender().Hex()),
		zap.String("session", rt.controller.ID()),
	}
	if signer != nil {
		d := signer.Domain()
		fields = append(fields,
			zap.String("owner", w.Address().Hex()),
			zap.String("verifying_contract", d.VerifyingContract.Hex()),
		)
	} else {
		a.logger.Warn("未配置钱包，仅提供报价预览")
	}
	a.logger.Info("会话已初始化", fields...)
	return rt, nil
}

// Run 启动控制接口并阻塞到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交换服务启动中",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("orderbook", a.cfg.OrderBook.BaseURL),
	)

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := NewServer(ServerDeps{
		Controller:      rt.controller,
		Chain:           rt.chain,
		Chains:          rt.chains,
		Tokens:          rt.tokens,
		Balances:        rt.reconciler,
		Events:          rt.journal,
		Orders:          a.store,
		Metrics:         rt.metrics,
		DefaultInfinite: rt.reconciler.DefaultInfinite(),
		Logger:          a.logger,
	})
	httpSrv := &http.Server{Addr: a.cfg.Server.Addr, Handler: srv.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("控制接口已启动", zap.String("addr", a.cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("控制接口异常: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("系统收到退出信号，正在停止")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("关闭控制接口失败", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// RunOnce 执行一次完整的报价、授权、签名与提交，返回订单 ID。
// 未配置钱包时只输出报价，返回空订单 ID。
func (a *App) RunOnce(ctx context.Context, req OneShot) (string, error) {
	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return "", err
	}
	defer rt.close()

	if req.Infinite == nil {
		infinite := rt.reconciler.DefaultInfinite()
		req.Infinite = &infinite
	}
	return newOrchestrator(rt.controller, rt.tokens, rt.chain.ID, a.logger).run(ctx, req)
}
