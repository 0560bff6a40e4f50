package chain

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"swapflow/internal/config"
)

// ID 表示 EVM 链 ID。
type ID int64

const (
	Mainnet  ID = 1
	Gnosis   ID = 100
	Arbitrum ID = 42161
	Base     ID = 8453
	Sepolia  ID = 11155111
)

// 当前部署在各链上的结算合约与 vault relayer 地址相同，仍按链逐项列出。
var (
	settlementV2   = common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41")
	vaultRelayerV2 = common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110")
)

// Chain 描述单条链的元数据及协议合约。
type Chain struct {
	ID           ID             `json:"chainId"`
	Name         string         `json:"name"`
	Network      string         `json:"network"`
	RPCURL       string         `json:"rpcUrl,omitempty"`
	Settlement   common.Address `json:"settlement"`
	VaultRelayer common.Address `json:"vaultRelayer"`
}

var defaultChains = []Chain{
	{ID: Mainnet, Name: "Ethereum", Network: "mainnet", RPCURL: "https://eth.llamarpc.com", Settlement: settlementV2, VaultRelayer: vaultRelayerV2},
	{ID: Gnosis, Name: "Gnosis", Network: "xdai", RPCURL: "https://rpc.gnosischain.com", Settlement: settlementV2, VaultRelayer: vaultRelayerV2},
	{ID: Arbitrum, Name: "Arbitrum", Network: "arbitrum_one", RPCURL: "https://arb1.arbitrum.io/rpc", Settlement: settlementV2, VaultRelayer: vaultRelayerV2},
	{ID: Base, Name: "Base", Network: "base", RPCURL: "https://mainnet.base.org", Settlement: settlementV2, VaultRelayer: vaultRelayerV2},
	{ID: Sepolia, Name: "Sepolia", Network: "sepolia", RPCURL: "https://eth-sepolia.public.blastapi.io", Settlement: settlementV2, VaultRelayer: vaultRelayerV2},
}

// Registry 是只读的链元数据表。
type Registry struct {
	chains map[ID]Chain
}

// NewRegistry 以内置表为基础应用配置覆盖。
func NewRegistry(cfg config.ChainConfig) (*Registry, error) {
	chains := make(map[ID]Chain, len(defaultChains))
	for _, c := range defaultChains {
		chains[c.ID] = c
	}

	for key, o := range cfg.Overrides {
		raw, err := strconv.ParseInt(key, 10, 64)
		if err != nil || raw <= 0 {
			return nil, fmt.Errorf("chain: 非法的链 ID 覆盖 %q", key)
		}
		id := ID(raw)
		c, ok := chains[id]
		if !ok {
			c = Chain{ID: id, Name: key, Network: key}
		}
		if o.Settlement != "" {
			c.Settlement = common.HexToAddress(o.Settlement)
		}
		if o.VaultRelayer != "" {
			c.VaultRelayer = common.HexToAddress(o.VaultRelayer)
		}
		if o.RPCURL != "" {
			c.RPCURL = o.RPCURL
		}
		if o.Network != "" {
			c.Network = o.Network
		}
		chains[id] = c
	}

	if cfg.ID > 0 && cfg.RPCURL != "" {
		if c, ok := chains[ID(cfg.ID)]; ok {
			c.RPCURL = cfg.RPCURL
			chains[c.ID] = c
		}
	}

	for id, c := range chains {
		if c.Settlement == (common.Address{}) || c.VaultRelayer == (common.Address{}) {
			return nil, fmt.Errorf("chain: 链 %d 缺少结算合约或 vault relayer 地址", id)
		}
	}

	return &Registry{chains: chains}, nil
}

// Lookup 按链 ID 查询，未配置的链返回错误。
func (r *Registry) Lookup(id ID) (Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return Chain{}, fmt.Errorf("chain: 不支持的链 %d", id)
	}
	return c, nil
}

// List 返回按链 ID 排序的全部链。
func (r *Registry) List() []Chain {
	out := make([]Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
