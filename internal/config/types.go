package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Chain     ChainConfig     `mapstructure:"chain"`
	OrderBook OrderBookConfig `mapstructure:"orderbook"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ChainConfig 描述链连接与合约地址覆盖。
type ChainConfig struct {
	ID        int64                    `mapstructure:"id"`
	RPCURL    string                   `mapstructure:"rpc_url"`
	Overrides map[string]ChainOverride `mapstructure:"overrides"`
}

// ChainOverride 按链 ID 覆盖内置合约地址。
type ChainOverride struct {
	Settlement   string `mapstructure:"settlement"`
	VaultRelayer string `mapstructure:"vault_relayer"`
	RPCURL       string `mapstructure:"rpc_url"`
	Network      string `mapstructure:"network"`
}

// OrderBookConfig 描述订单簿 API 访问参数。
type OrderBookConfig struct {
	BaseURL   string          `mapstructure:"base_url"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RateLimitConfig 控制客户端请求速率。
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// QuoteConfig 控制报价协商节奏。
type QuoteConfig struct {
	Debounce          time.Duration `mapstructure:"debounce"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	AppData           string        `mapstructure:"app_data"`
	PartiallyFillable bool          `mapstructure:"partially_fillable"`
}

// ApprovalConfig 控制授权交易行为。
type ApprovalConfig struct {
	Infinite     bool          `mapstructure:"infinite"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	GasLimit     uint64        `mapstructure:"gas_limit"`
}

// WalletConfig 描述本地签名钱包。
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	Confirm    bool   `mapstructure:"confirm"`
}

// TokensConfig 控制代币列表来源。
type TokensConfig struct {
	ListURL  string        `mapstructure:"list_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ServerConfig 控制 HTTP 控制接口。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Chain.ID <= 0 {
		err = multierr.Append(err, errors.New("chain.id 必须大于0"))
	}
	for id, o := range c.Chain.Overrides {
		if o.Settlement != "" && !common.IsHexAddress(o.Settlement) {
			err = multierr.Append(err, fmt.Errorf("chain.overrides.%s.settlement 不是合法地址", id))
		}
		if o.VaultRelayer != "" && !common.IsHexAddress(o.VaultRelayer) {
			err = multierr.Append(err, fmt.Errorf("chain.overrides.%s.vault_relayer 不是合法地址", id))
		}
	}
	if c.OrderBook.BaseURL == "" {
		err = multierr.Append(err, errors.New("orderbook.base_url 不能为空"))
	}
	if c.OrderBook.Timeout <= 0 {
		err = multierr.Append(err, errors.New("orderbook.timeout 必须大于0"))
	}
	if c.OrderBook.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("orderbook.retry.max_attempts 必须大于0"))
	}
	if c.OrderBook.Retry.MinDelay <= 0 || c.OrderBook.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("orderbook.retry.delay 必须为正"))
	}
	if c.OrderBook.Retry.MinDelay > c.OrderBook.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("orderbook.retry.min_delay 不能大于 max_delay"))
	}
	if c.OrderBook.RateLimit.RequestsPerSecond < 0 {
		err = multierr.Append(err, errors.New("orderbook.rate_limit.requests_per_second 不能为负"))
	}
	if c.Quote.Debounce <= 0 {
		err = multierr.Append(err, errors.New("quote.debounce 必须大于0"))
	}
	if c.Quote.RefreshInterval <= 0 {
		err = multierr.Append(err, errors.New("quote.refresh_interval 必须大于0"))
	}
	if c.Quote.RefreshInterval > 0 && c.Quote.RefreshInterval < c.Quote.Debounce {
		err = multierr.Append(err, errors.New("quote.refresh_interval 不应小于 debounce"))
	}
	if c.Quote.AppData != "" && !isBytes32Hex(c.Quote.AppData) {
		err = multierr.Append(err, errors.New("quote.app_data 必须为32字节十六进制"))
	}
	if c.Approval.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("approval.poll_interval 必须大于0"))
	}
	if c.Approval.Timeout < c.Approval.PollInterval {
		err = multierr.Append(err, errors.New("approval.timeout 不应小于 poll_interval"))
	}
	if c.Tokens.CacheTTL < 0 {
		err = multierr.Append(err, errors.New("tokens.cache_ttl 不能为负"))
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func isBytes32Hex(v string) bool {
	v = strings.TrimPrefix(strings.ToLower(v), "0x")
	if len(v) != 64 {
		return false
	}
	for _, r := range v {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
