package token

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"swapflow/internal/chain"
	"swapflow/internal/swaperr"
)

// Ref 是某条链上可交易资产的不可变标识，唯一键为 (ChainID, Address)。
type Ref struct {
	ChainID  chain.ID       `json:"chainId"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name,omitempty"`
	LogoURI  string         `json:"logoURI,omitempty"`
}

// Key 返回代币的唯一键。
func (r Ref) Key() string {
	return fmt.Sprintf("%d:%s", r.ChainID, strings.ToLower(r.Address.Hex()))
}

// Same 判断两者是否为同一资产。
func (r Ref) Same(other Ref) bool {
	return r.ChainID == other.ChainID && r.Address == other.Address
}

// IsZero 判断是否未选择代币。
func (r Ref) IsZero() bool {
	return r.Address == (common.Address{})
}

// AmountSpec 记录用户输入及其对应的最小单位数量。
type AmountSpec struct {
	Raw    string   `json:"raw"`
	Atomic *big.Int `json:"atomic"`
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseAmount 将十进制字符串按精度换算为最小单位，零值、负值或超出精度均视为非法输入。
func ParseAmount(raw string, decimals uint8) (AmountSpec, error) {
	const op = "token.parse_amount"

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AmountSpec{}, swaperr.New(swaperr.KindInputInvalid, op, "数量不能为空")
	}
	if !plainDecimal(trimmed) {
		return AmountSpec{}, swaperr.New(swaperr.KindInputInvalid, op, fmt.Sprintf("无法解析数量 %q", raw))
	}

	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return AmountSpec{}, swaperr.New(swaperr.KindInputInvalid, op, fmt.Sprintf("无法解析数量 %q", raw))
	}
	if d.Sign() <= 0 {
		return AmountSpec{}, swaperr.New(swaperr.KindInputInvalid, op, "数量必须大于0")
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return AmountSpec{}, swaperr.New(swaperr.KindInputInvalid, op,
			fmt.Sprintf("小数位超过代币精度 %d", decimals))
	}

	atomic := shifted.BigInt()
	if atomic.Cmp(maxUint256) > 0 {
		return AmountSpec{}, swaperr.New(swaperr.KindInputInvalid, op, "数量超出 uint256 范围")
	}

	return AmountSpec{Raw: trimmed, Atomic: atomic}, nil
}

// FormatUnits 将最小单位数量格式化为十进制字符串。
func FormatUnits(atomic *big.Int, decimals uint8) string {
	if atomic == nil {
		return "0"
	}
	return decimal.NewFromBigInt(atomic, -int32(decimals)).String()
}

// MaxUint256 返回 2^256-1 的副本。
func MaxUint256() *big.Int {
	return new(big.Int).Set(maxUint256)
}

func plainDecimal(s string) bool {
	dot := false
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.' && !dot:
			dot = true
		case r == '-' && i == 0:
		default:
			return false
		}
	}
	return digits > 0
}
