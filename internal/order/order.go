package order

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"swapflow/internal/chain"
	"swapflow/internal/quote"
	"swapflow/internal/wallet"
)

// 签名域的协议名与版本。
const (
	DomainName    = "Gnosis Protocol"
	DomainVersion = "v2"
	PrimaryType   = "Order"
)

// orderTypes 是订单的类型化数据结构，字段顺序与类型参与签名，不可调整。
var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: []apitypes.Type{
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
		{Name: "kind", Type: "string"},
		{Name: "partiallyFillable", Type: "bool"},
		{Name: "sellTokenBalance", Type: "string"},
		{Name: "buyTokenBalance", Type: "string"},
	},
}

// Fields 返回订单类型的字段定义副本。
func Fields() []apitypes.Type {
	return append([]apitypes.Type(nil), orderTypes[PrimaryType]...)
}

// Order 是待签名的订单字段。
type Order struct {
	SellToken         common.Address `json:"sellToken"`
	BuyToken          common.Address `json:"buyToken"`
	Receiver          common.Address `json:"receiver"`
	SellAmount        *big.Int       `json:"sellAmount"`
	BuyAmount         *big.Int       `json:"buyAmount"`
	ValidTo           uint32         `json:"validTo"`
	AppData           common.Hash    `json:"appData"`
	FeeAmount         *big.Int       `json:"feeAmount"`
	Kind              string         `json:"kind"`
	PartiallyFillable bool           `json:"partiallyFillable"`
	SellTokenBalance  string         `json:"sellTokenBalance"`
	BuyTokenBalance   string         `json:"buyTokenBalance"`
}

// Build 由报价构造订单，接收方固定为 owner，手续费固定为0。
func Build(q quote.Quote, owner common.Address) Order {
	return Order{
		SellToken:         q.SellToken,
		BuyToken:          q.BuyToken,
		Receiver:          owner,
		SellAmount:        new(big.Int).Set(q.SellAmount),
		BuyAmount:         new(big.Int).Set(q.BuyAmount),
		ValidTo:           q.ValidTo,
		AppData:           q.AppData,
		FeeAmount:         big.NewInt(0),
		Kind:              q.Kind,
		PartiallyFillable: q.PartiallyFillable,
		SellTokenBalance:  q.SellTokenBalance,
		BuyTokenBalance:   q.BuyTokenBalance,
	}
}

// Message 按类型化数据的取值约定生成消息体。
func (o Order) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"sellToken":         o.SellToken.Hex(),
		"buyToken":          o.BuyToken.Hex(),
		"receiver":          o.Receiver.Hex(),
		"sellAmount":        o.SellAmount.String(),
		"buyAmount":         o.BuyAmount.String(),
		"validTo":           strconv.FormatUint(uint64(o.ValidTo), 10),
		"appData":           o.AppData.Hex(),
		"feeAmount":         o.FeeAmount.String(),
		"kind":              o.Kind,
		"partiallyFillable": o.PartiallyFillable,
		"sellTokenBalance":  o.SellTokenBalance,
		"buyTokenBalance":   o.BuyTokenBalance,
	}
}

// Domain 是签名域。
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           chain.ID       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// DomainFor 按链选择结算合约作为 verifyingContract。
func DomainFor(c chain.Chain) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           c.ID,
		VerifyingContract: c.Settlement,
	}
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           math.NewHexOrDecimal256(int64(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// TypedData 组装完整的类型化数据。
func TypedData(o Order, d Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: PrimaryType,
		Domain:      d.typed(),
		Message:     o.Message(),
	}
}

// SignedOrder 是签名完成的订单，创建后不再修改。
type SignedOrder struct {
	Order         Order          `json:"order"`
	Domain        Domain         `json:"domain"`
	Signature     hexutil.Bytes  `json:"signature"`
	SigningScheme string         `json:"signingScheme"`
	QuoteID       int64          `json:"quoteId"`
	Owner         common.Address `json:"owner"`
}

// TypedData 重建签名时使用的类型化数据。
func (s SignedOrder) TypedData() apitypes.TypedData {
	return TypedData(s.Order, s.Domain)
}

// Digest 计算订单的 EIP-712 摘要。
func (s SignedOrder) Digest() (common.Hash, error) {
	return wallet.TypedDataDigest(s.TypedData())
}

// RecoverOwner 从签名恢复签名者地址。
func (s SignedOrder) RecoverOwner() (common.Address, error) {
	digest, err := s.Digest()
	if err != nil {
		return common.Address{}, err
	}
	return wallet.RecoverSigner(digest, s.Signature)
}
