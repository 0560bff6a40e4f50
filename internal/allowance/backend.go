package allowance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"swapflow/internal/wallet"
)

// ErrReverted 表示交易在预估或上链时被合约回滚。
var ErrReverted = errors.New("allowance: 交易被回滚")

const erc20ABIJSON = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "symbol",
		"outputs": [{"name": "", "type": "string"}],
		"type": "function"
	}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("allowance: 解析 ERC20 ABI 失败: " + err.Error())
	}
	return parsed
}

// TokenBackend 抽象 ERC-20 读写能力。
type TokenBackend interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	Symbol(ctx context.Context, token common.Address) (string, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainClient 是 ERC20Backend 依赖的 JSON-RPC 子集，*ethclient.Client 满足该接口。
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ERC20Backend 通过 JSON-RPC 读取 ERC-20 状态并发送授权交易。
type ERC20Backend struct {
	client       ChainClient
	wallet       wallet.Wallet
	chainID      *big.Int
	gasLimit     uint64
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewERC20Backend 创建链上后端，gasLimit 为 0 时使用预估值。
func NewERC20Backend(client ChainClient, w wallet.Wallet, chainID int64, gasLimit uint64, pollInterval time.Duration, logger *zap.Logger) *ERC20Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &ERC20Backend{
		client:       client,
		wallet:       w,
		chainID:      big.NewInt(chainID),
		gasLimit:     gasLimit,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (b *ERC20Backend) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := b.call(ctx, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance: allowance 返回类型异常 %T", out[0])
	}
	return v, nil
}

func (b *ERC20Backend) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := b.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance: balanceOf 返回类型异常 %T", out[0])
	}
	return v, nil
}

func (b *ERC20Backend) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := b.call(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("allowance: decimals 返回类型异常 %T", out[0])
	}
	return v, nil
}

func (b *ERC20Backend) Symbol(ctx context.Context, token common.Address) (string, error) {
	out, err := b.call(ctx, token, "symbol")
	if err != nil {
		return "", err
	}
	v, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("allowance: symbol 返回类型异常 %T", out[0])
	}
	return v, nil
}

// Approve 构造、签名并广播 approve(spender, amount) 交易。
func (b *ERC20Backend) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allowance: 编码 approve 失败: %w", err)
	}

	from := b.wallet.Address()
	msg := ethereum.CallMsg{From: from, To: &token, Data: data}

	gas := b.gasLimit
	if gas == 0 {
		estimated, err := b.client.EstimateGas(ctx, msg)
		if err != nil {
			if isRevert(err) {
				return common.Hash{}, fmt.Errorf("%w: %v", ErrReverted, err)
			}
			return common.Hash{}, fmt.Errorf("allowance: 预估 gas 失败: %w", err)
		}
		gas = estimated * 12 / 10
	}

	nonce, err := b.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allowance: 获取 nonce 失败: %w", err)
	}

	tx, err := b.buildTx(ctx, nonce, token, gas, data)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := b.wallet.SignTx(ctx, tx, b.chainID)
	if err != nil {
		return common.Hash{}, err
	}

	if err := b.client.SendTransaction(ctx, signed); err != nil {
		if isRevert(err) {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return common.Hash{}, fmt.Errorf("allowance: 广播交易失败: %w", err)
	}

	b.logger.Info("授权交易已广播",
		zap.String("token", token.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
	)
	return signed.Hash(), nil
}

func (b *ERC20Backend) buildTx(ctx context.Context, nonce uint64, to common.Address, gas uint64, data []byte) (*types.Transaction, error) {
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance: 获取区块头失败: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := b.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("allowance: 获取 gas 价格失败: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    big.NewInt(0),
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		}), nil
	}

	tip, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("allowance: 获取小费失败: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	}), nil
}

// WaitMined 轮询交易回执直到上链或 ctx 结束。
func (b *ERC20Backend) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			b.logger.Debug("查询交易回执失败，继续等待",
				zap.String("tx", txHash.Hex()),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("allowance: 等待交易 %s 上链超时: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *ERC20Backend) call(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("allowance: 编码 %s 失败: %w", method, err)
	}

	result, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance: 调用 %s 失败: %w", method, err)
	}

	out, err := erc20ABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("allowance: 解码 %s 失败: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("allowance: %s 返回为空", method)
	}
	return out, nil
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "revert")
}
