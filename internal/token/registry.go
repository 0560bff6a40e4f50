package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"swapflow/internal/chain"
	"swapflow/internal/config"
)

// 公共代币列表未收录测试网代币，这里补充常用的几种。
var defaultTokens = []Ref{
	{ChainID: chain.Mainnet, Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18, Symbol: "WETH", Name: "Wrapped Ether"},
	{ChainID: chain.Mainnet, Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6, Symbol: "USDC", Name: "USD Coin"},
	{ChainID: chain.Mainnet, Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Decimals: 18, Symbol: "DAI", Name: "Dai Stablecoin"},
	{ChainID: chain.Mainnet, Address: common.HexToAddress("0xDEf1CA1fb7FBcDC777520aa7f396b4E015F497aB"), Decimals: 18, Symbol: "COW", Name: "CoW Protocol Token"},
	{ChainID: chain.Mainnet, Address: common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"), Decimals: 8, Symbol: "WBTC", Name: "Wrapped BTC"},
	{ChainID: chain.Sepolia, Address: common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"), Decimals: 18, Symbol: "WETH", Name: "Wrapped Ether"},
	{ChainID: chain.Sepolia, Address: common.HexToAddress("0xbe72E441BF55620febc26715db68d3494213D8Cb"), Decimals: 6, Symbol: "USDC", Name: "USD Coin"},
	{ChainID: chain.Sepolia, Address: common.HexToAddress("0xB4F1737Af37711e9A5890D9510c9bB60e170CB0D"), Decimals: 18, Symbol: "DAI", Name: "Dai Stablecoin"},
	{ChainID: chain.Sepolia, Address: common.HexToAddress("0x0625aFB445C3B6B7B929342a04A22599fd5dBB59"), Decimals: 18, Symbol: "COW", Name: "CoW Protocol Token"},
	{ChainID: chain.Sepolia, Address: common.HexToAddress("0xd3f3d46FeBCD4CdAa2B83799b7A5CdcB69d135De"), Decimals: 18, Symbol: "GNO", Name: "Gnosis"},
	{ChainID: chain.Sepolia, Address: common.HexToAddress("0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984"), Decimals: 18, Symbol: "UNI", Name: "Uniswap"},
}

type listResponse struct {
	Name   string `json:"name"`
	Tokens []struct {
		ChainID  int64  `json:"chainId"`
		Address  string `json:"address"`
		Name     string `json:"name"`
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
		LogoURI  string `json:"logoURI"`
	} `json:"tokens"`
}

// Registry 提供按链查询的代币表，远端列表带 TTL 缓存，拉取失败时退回内置表。
type Registry struct {
	listURL string
	ttl     time.Duration
	client  *http.Client
	logger  *zap.Logger

	mu        sync.Mutex
	remote    []Ref
	fetchedAt time.Time
}

// NewRegistry 创建代币表。
func NewRegistry(cfg config.TokensConfig, client *http.Client, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Registry{
		listURL: cfg.ListURL,
		ttl:     cfg.CacheTTL,
		client:  client,
		logger:  logger,
	}
}

// Tokens 返回指定链上的全部代币，远端条目优先。
func (r *Registry) Tokens(ctx context.Context, id chain.ID) []Ref {
	remote := r.remoteTokens(ctx)

	out := make([]Ref, 0, 16)
	seen := make(map[string]struct{})
	for _, t := range remote {
		if t.ChainID != id {
			continue
		}
		seen[t.Key()] = struct{}{}
		out = append(out, t)
	}
	for _, t := range defaultTokens {
		if t.ChainID != id {
			continue
		}
		if _, ok := seen[t.Key()]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Lookup 按地址或符号查找代币，符号匹配不区分大小写。
func (r *Registry) Lookup(ctx context.Context, id chain.ID, addressOrSymbol string) (Ref, error) {
	needle := strings.TrimSpace(addressOrSymbol)
	tokens := r.Tokens(ctx, id)

	if common.IsHexAddress(needle) {
		addr := common.HexToAddress(needle)
		for _, t := range tokens {
			if t.Address == addr {
				return t, nil
			}
		}
		return Ref{}, fmt.Errorf("token: 链 %d 上未找到代币 %s", id, addr.Hex())
	}

	for _, t := range tokens {
		if strings.EqualFold(t.Symbol, needle) {
			return t, nil
		}
	}
	return Ref{}, fmt.Errorf("token: 链 %d 上未找到代币 %q", id, needle)
}

func (r *Registry) remoteTokens(ctx context.Context) []Ref {
	if r.listURL == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.fetchedAt.IsZero() && (r.ttl <= 0 || time.Since(r.fetchedAt) < r.ttl) {
		return r.remote
	}

	tokens, err := r.fetch(ctx)
	if err != nil {
		r.logger.Warn("拉取代币列表失败，使用缓存或内置列表",
			zap.String("url", r.listURL),
			zap.Int("cached", len(r.remote)),
			zap.Error(err),
		)
		return r.remote
	}

	r.remote = tokens
	r.fetchedAt = time.Now()
	r.logger.Debug("代币列表已刷新", zap.Int("count", len(tokens)))
	return r.remote
}

func (r *Registry) fetch(ctx context.Context) ([]Ref, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("解析代币列表失败: %w", err)
	}

	tokens := make([]Ref, 0, len(list.Tokens))
	for _, t := range list.Tokens {
		if !common.IsHexAddress(t.Address) || t.ChainID <= 0 {
			continue
		}
		tokens = append(tokens, Ref{
			ChainID:  chain.ID(t.ChainID),
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
			Symbol:   t.Symbol,
			Name:     t.Name,
			LogoURI:  t.LogoURI,
		})
	}
	return tokens, nil
}
