package allowance

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"swapflow/internal/wallet"
)

type fakeChain struct {
	allowance   *big.Int
	baseFee     *big.Int
	estimateErr error
	sent        []*types.Transaction
	receiptMiss int
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "allowance":
		return method.Outputs.Pack(f.allowance)
	case "balanceOf":
		return method.Outputs.Pack(big.NewInt(2500))
	case "decimals":
		return method.Outputs.Pack(uint8(6))
	case "symbol":
		return method.Outputs.Pack("USDC")
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50000, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: f.baseFee}, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(3), nil
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptMiss > 0 {
		f.receiptMiss--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}, nil
}

func newTestWallet(t *testing.T) *wallet.KeyWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}
	return wallet.NewKeyWalletFromKey(key, nil, nil)
}

func TestERC20Backend_Reads(t *testing.T) {
	chain := &fakeChain{allowance: big.NewInt(500)}
	b := NewERC20Backend(chain, newTestWallet(t), 11155111, 0, time.Millisecond, nil)
	ctx := context.Background()

	allowance, err := b.Allowance(ctx, testToken.Address, testOwner, testSpender)
	if err != nil || allowance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("Allowance = %v, err=%v", allowance, err)
	}
	bal, err := b.BalanceOf(ctx, testToken.Address, testOwner)
	if err != nil || bal.Cmp(big.NewInt(2500)) != 0 {
		t.Fatalf("BalanceOf = %v, err=%v", bal, err)
	}
	dec, err := b.Decimals(ctx, testToken.Address)
	if err != nil || dec != 6 {
		t.Fatalf("Decimals = %d, err=%v", dec, err)
	}
	sym, err := b.Symbol(ctx, testToken.Address)
	if err != nil || sym != "USDC" {
		t.Fatalf("Symbol = %q, err=%v", sym, err)
	}
}

func TestERC20Backend_ApproveSendsSignedTx(t *testing.T) {
	chain := &fakeChain{allowance: big.NewInt(0), baseFee: big.NewInt(10), receiptMiss: 2}
	w := newTestWallet(t)
	b := NewERC20Backend(chain, w, 11155111, 0, time.Millisecond, nil)
	ctx := context.Background()

	hash, err := b.Approve(ctx, testToken.Address, testSpender, big.NewInt(1000))
	if err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}
	if len(chain.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(chain.sent))
	}

	tx := chain.sent[0]
	if tx.Hash() != hash {
		t.Fatalf("hash mismatch")
	}
	if tx.Type() != types.DynamicFeeTxType || tx.Nonce() != 7 || tx.Gas() != 60000 {
		t.Fatalf("unexpected tx type=%d nonce=%d gas=%d", tx.Type(), tx.Nonce(), tx.Gas())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("unexpected fee cap %s", tx.GasFeeCap())
	}
	from, err := types.Sender(types.NewLondonSigner(big.NewInt(11155111)), tx)
	if err != nil || from != w.Address() {
		t.Fatalf("unexpected sender %s err=%v", from.Hex(), err)
	}

	args, err := erc20ABI.Methods["approve"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack approve args: %v", err)
	}
	if args[0].(common.Address) != testSpender || args[1].(*big.Int).Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected approve args %v", args)
	}

	receipt, err := b.WaitMined(ctx, hash)
	if err != nil || receipt.BlockNumber.Uint64() != 9 {
		t.Fatalf("WaitMined = %+v, err=%v", receipt, err)
	}
}

func TestERC20Backend_LegacyTxWithoutBaseFee(t *testing.T) {
	chain := &fakeChain{allowance: big.NewInt(0)}
	b := NewERC20Backend(chain, newTestWallet(t), 100, 80000, time.Millisecond, nil)

	if _, err := b.Approve(context.Background(), testToken.Address, testSpender, big.NewInt(1)); err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}
	tx := chain.sent[0]
	if tx.Type() != types.LegacyTxType || tx.Gas() != 80000 || tx.GasPrice().Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("unexpected legacy tx type=%d gas=%d price=%s", tx.Type(), tx.Gas(), tx.GasPrice())
	}
}

func TestERC20Backend_EstimateRevert(t *testing.T) {
	chain := &fakeChain{estimateErr: errors.New("execution reverted: paused")}
	b := NewERC20Backend(chain, newTestWallet(t), 11155111, 0, time.Millisecond, nil)

	_, err := b.Approve(context.Background(), testToken.Address, testSpender, big.NewInt(1))
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if len(chain.sent) != 0 {
		t.Fatalf("reverting approval must not be broadcast")
	}
}

func TestERC20Backend_WaitMinedHonoursContext(t *testing.T) {
	chain := &fakeChain{receiptMiss: 1 << 30}
	b := NewERC20Backend(chain, newTestWallet(t), 11155111, 0, time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.WaitMined(ctx, common.HexToHash("0x02")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
