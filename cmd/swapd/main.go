package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"swapflow/internal/app"
	"swapflow/internal/config"
	"swapflow/internal/log"
	"swapflow/internal/store"
)

func main() {
	var (
		configPath string
		sell       string
		buy        string
		amount     string
		kind       string
		infinite   string
		timeout    time.Duration
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&sell, "sell", "", "卖出代币地址或符号，设置后执行单次交换")
	flag.StringVar(&buy, "buy", "", "买入代币地址或符号")
	flag.StringVar(&amount, "amount", "", "数量（十进制），sell 为卖出数量，buy 为买入数量")
	flag.StringVar(&kind, "kind", "sell", "订单方向 sell/buy")
	flag.StringVar(&infinite, "infinite", "", "是否无限授权 true/false，默认读取配置")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "单次交换超时时间")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	swapApp := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sell != "" {
		req := app.OneShot{Sell: sell, Buy: buy, Amount: amount, Kind: kind}
		if infinite != "" {
			v, err := strconv.ParseBool(infinite)
			if err != nil {
				logger.Error("infinite 参数非法", zap.String("value", infinite))
				os.Exit(2)
			}
			req.Infinite = &v
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		uid, err := swapApp.RunOnce(runCtx, req)
		cancel()
		if err != nil {
			logger.Error("交换失败", zap.Error(err))
			os.Exit(1)
		}
		if uid != "" {
			fmt.Println(uid)
		}
		return
	}

	if err := swapApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
