package wallet

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"
)

// ErrRejected 表示用户在确认环节拒绝了请求。
var ErrRejected = errors.New("wallet: 用户拒绝请求")

// Wallet 抽象签名账户，外部钱包与本地私钥实现同一接口。
type Wallet interface {
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Confirmer 在签名前征求用户确认，返回 false 表示拒绝。
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// KeyWallet 使用本地私钥签名，同一时间只处理一个签名请求。
type KeyWallet struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	confirmer Confirmer
	logger    *zap.Logger

	mu sync.Mutex
}

// NewKeyWallet 从十六进制私钥创建钱包，confirmer 可为空。
func NewKeyWallet(privateKeyHex string, confirmer Confirmer, logger *zap.Logger) (*KeyWallet, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if hexKey == "" {
		return nil, errors.New("wallet: 私钥为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: 私钥无效: %w", err)
	}
	return NewKeyWalletFromKey(key, confirmer, logger), nil
}

// NewKeyWalletFromKey 直接使用已有私钥。
func NewKeyWalletFromKey(key *ecdsa.PrivateKey, confirmer Confirmer, logger *zap.Logger) *KeyWallet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyWallet{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		confirmer: confirmer,
		logger:    logger,
	}
}

func (w *KeyWallet) Address() common.Address {
	return w.address
}

// SignTypedData 计算 EIP-712 摘要并签名，返回 65 字节签名，v 取 27/28。
func (w *KeyWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	digest, err := TypedDataDigest(data)
	if err != nil {
		return nil, err
	}

	if err := w.confirm(ctx, fmt.Sprintf("签名 %s 消息 (链 %s, 摘要 %s)?", data.PrimaryType, chainIDString(data), digest.Hex())); err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest.Bytes(), w.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: 签名失败: %w", err)
	}
	sig[64] += 27

	w.logger.Debug("类型化数据已签名",
		zap.String("primary_type", data.PrimaryType),
		zap.String("digest", digest.Hex()),
	)
	return sig, nil
}

// SignTx 使用 London 签名器对交易签名。
func (w *KeyWallet) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	to := "合约创建"
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	if err := w.confirm(ctx, fmt.Sprintf("发送交易至 %s (nonce %d, gas %d)?", to, tx.Nonce(), tx.Gas())); err != nil {
		return nil, err
	}

	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: 交易签名失败: %w", err)
	}
	return signed, nil
}

func (w *KeyWallet) confirm(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.confirmer == nil {
		return nil
	}
	ok, err := w.confirmer.Confirm(ctx, prompt)
	if err != nil {
		return fmt.Errorf("wallet: 确认失败: %w", err)
	}
	if !ok {
		w.logger.Info("用户拒绝签名请求")
		return ErrRejected
	}
	return nil
}

// TypedDataDigest 计算 keccak256(0x1901 || domainSeparator || hashStruct(message))。
func TypedDataDigest(data apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := data.HashStruct("EIP712Domain", data.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: 计算域哈希失败: %w", err)
	}
	messageHash, err := data.HashStruct(data.PrimaryType, data.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: 计算消息哈希失败: %w", err)
	}

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256Hash(raw), nil
}

// RecoverSigner 从 65 字节签名恢复签名地址，兼容 v 为 0/1 或 27/28。
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("wallet: 签名长度应为 %d，实际 %d", crypto.SignatureLength, len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("wallet: 恢复公钥失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func chainIDString(data apitypes.TypedData) string {
	if data.Domain.ChainId == nil {
		return "?"
	}
	return (*big.Int)(data.Domain.ChainId).String()
}

// PromptConfirmer 通过终端提示确认，输入 y/yes 视为同意。
// 输入由单个常驻 goroutine 读取，取消的提示不会吞掉后续输入。
type PromptConfirmer struct {
	in    *bufio.Reader
	out   io.Writer
	mu    sync.Mutex
	once  sync.Once
	lines chan string
	// readErr 在 lines 关闭前写入。
	readErr error
}

// NewPromptConfirmer 创建终端确认器。
func NewPromptConfirmer(in io.Reader, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{in: bufio.NewReader(in), out: out, lines: make(chan string)}
}

func (p *PromptConfirmer) readLoop() {
	for {
		line, err := p.in.ReadString('\n')
		if line != "" {
			p.lines <- line
		}
		if err != nil {
			p.readErr = err
			close(p.lines)
			return
		}
	}
}

func (p *PromptConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.once.Do(func() { go p.readLoop() })

	if _, err := fmt.Fprintf(p.out, "%s [y/N]: ", prompt); err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			if errors.Is(p.readErr, io.EOF) {
				return false, nil
			}
			return false, p.readErr
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}
