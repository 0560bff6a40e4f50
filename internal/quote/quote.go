package quote

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"swapflow/internal/chain"
	"swapflow/internal/orderbook"
	"swapflow/internal/swaperr"
	"swapflow/internal/token"
)

const opDecode = "quote.decode"

// Request 描述一次报价输入，Amount 为用户输入的十进制字符串。
// Kind 为 buy 时 Amount 是期望买入数量，为空按 sell 处理。
type Request struct {
	ChainID   chain.ID
	SellToken token.Ref
	BuyToken  token.Ref
	Amount    string
	Kind      string
	Owner     common.Address
}

// OrderKind 返回订单方向。
func (r Request) OrderKind() string {
	if r.Kind == "" {
		return orderbook.KindSell
	}
	return r.Kind
}

// AmountToken 返回 Amount 所计价的代币。
func (r Request) AmountToken() token.Ref {
	if r.OrderKind() == orderbook.KindBuy {
		return r.BuyToken
	}
	return r.SellToken
}

// Complete 判断两侧代币与数量是否都已填写。
func (r Request) Complete() bool {
	return !r.SellToken.IsZero() && !r.BuyToken.IsZero() && strings.TrimSpace(r.Amount) != ""
}

// Quote 是订单簿返回的不可变报价，只会被更新的报价替换。
type Quote struct {
	ID                int64          `json:"id"`
	ChainID           chain.ID       `json:"chainId"`
	SellToken         common.Address `json:"sellToken"`
	BuyToken          common.Address `json:"buyToken"`
	Receiver          common.Address `json:"receiver"`
	SellAmount        *big.Int       `json:"sellAmount"`
	BuyAmount         *big.Int       `json:"buyAmount"`
	FeeAmount         *big.Int       `json:"feeAmount"`
	ValidTo           uint32         `json:"validTo"`
	AppData           common.Hash    `json:"appData"`
	Kind              string         `json:"kind"`
	PartiallyFillable bool           `json:"partiallyFillable"`
	SellTokenBalance  string         `json:"sellTokenBalance"`
	BuyTokenBalance   string         `json:"buyTokenBalance"`
	From              common.Address `json:"from"`
	Expiration        time.Time      `json:"expiration"`
	Verified          bool           `json:"verified"`
	// Requested 为报价对应的用户输入数量，卖单含手续费，买单为买入数量。
	Requested  *big.Int  `json:"requested"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Expired 判断报价在 now 时刻是否已失效。
func (q Quote) Expired(now time.Time) bool {
	return int64(q.ValidTo) <= now.Unix()
}

// FromResponse 在边界处校验并转换订单簿响应，格式错误视为无可用报价。
func FromResponse(id chain.ID, resp orderbook.QuoteResponse, requested *big.Int, receivedAt time.Time) (Quote, error) {
	p := resp.Quote

	sellToken, err := parseAddress("sellToken", p.SellToken)
	if err != nil {
		return Quote{}, err
	}
	buyToken, err := parseAddress("buyToken", p.BuyToken)
	if err != nil {
		return Quote{}, err
	}
	var receiver common.Address
	if p.Receiver != "" {
		if receiver, err = parseAddress("receiver", p.Receiver); err != nil {
			return Quote{}, err
		}
	}
	var from common.Address
	if resp.From != "" {
		if from, err = parseAddress("from", resp.From); err != nil {
			return Quote{}, err
		}
	}

	sellAmount, err := parseUint("sellAmount", p.SellAmount)
	if err != nil {
		return Quote{}, err
	}
	buyAmount, err := parseUint("buyAmount", p.BuyAmount)
	if err != nil {
		return Quote{}, err
	}
	feeAmount, err := parseUint("feeAmount", p.FeeAmount)
	if err != nil {
		return Quote{}, err
	}

	appData, err := hexutil.Decode(p.AppData)
	if err != nil || len(appData) != common.HashLength {
		return Quote{}, swaperr.New(swaperr.KindQuoteUnavailable, opDecode, fmt.Sprintf("appData 非法: %q", p.AppData))
	}

	kind := p.Kind
	if kind != orderbook.KindSell && kind != orderbook.KindBuy {
		return Quote{}, swaperr.New(swaperr.KindQuoteUnavailable, opDecode, fmt.Sprintf("未知订单方向 %q", p.Kind))
	}

	var req *big.Int
	if requested != nil {
		req = new(big.Int).Set(requested)
	}

	return Quote{
		ID:                resp.ID,
		ChainID:           id,
		SellToken:         sellToken,
		BuyToken:          buyToken,
		Receiver:          receiver,
		SellAmount:        sellAmount,
		BuyAmount:         buyAmount,
		FeeAmount:         feeAmount,
		ValidTo:           p.ValidTo,
		AppData:           common.BytesToHash(appData),
		Kind:              kind,
		PartiallyFillable: p.PartiallyFillable,
		SellTokenBalance:  defaultString(p.SellTokenBalance, orderbook.BalanceERC20),
		BuyTokenBalance:   defaultString(p.BuyTokenBalance, orderbook.BalanceERC20),
		From:              from,
		Expiration:        resp.Expiration,
		Verified:          resp.Verified,
		Requested:         req,
		ReceivedAt:        receivedAt,
	}, nil
}

// Validate 检查报价与请求一致：代币与方向匹配，请求一侧的数量与输入相符，且仍在有效期内。
// 卖单要求卖出数量加手续费等于输入，买单要求买入数量等于输入。
func (q Quote) Validate(req Request, requested *big.Int, now time.Time) error {
	const op = "quote.validate"

	if q.SellToken != req.SellToken.Address || q.BuyToken != req.BuyToken.Address {
		return swaperr.New(swaperr.KindQuoteUnavailable, op, "报价不匹配: 代币与请求不一致")
	}
	if q.Kind != req.OrderKind() {
		return swaperr.New(swaperr.KindQuoteUnavailable, op,
			fmt.Sprintf("报价不匹配: 方向 %s 与请求 %s 不一致", q.Kind, req.OrderKind()))
	}
	if q.BuyAmount == nil || q.BuyAmount.Sign() <= 0 {
		return swaperr.New(swaperr.KindQuoteUnavailable, op, "报价不匹配: 买入数量为0")
	}
	switch {
	case requested == nil:
	case q.Kind == orderbook.KindSell:
		total := new(big.Int).Add(q.SellAmount, q.FeeAmount)
		if total.Cmp(requested) != 0 {
			return swaperr.New(swaperr.KindQuoteUnavailable, op,
				fmt.Sprintf("报价不匹配: 卖出数量 %s+%s 与请求 %s 不符", q.SellAmount, q.FeeAmount, requested))
		}
	case q.Kind == orderbook.KindBuy:
		if q.BuyAmount.Cmp(requested) != 0 {
			return swaperr.New(swaperr.KindQuoteUnavailable, op,
				fmt.Sprintf("报价不匹配: 买入数量 %s 与请求 %s 不符", q.BuyAmount, requested))
		}
		if q.SellAmount.Sign() <= 0 {
			return swaperr.New(swaperr.KindQuoteUnavailable, op, "报价不匹配: 卖出数量为0")
		}
	}
	if q.Expired(now) {
		return swaperr.New(swaperr.KindQuoteUnavailable, op, "报价已过期")
	}
	return nil
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, swaperr.New(swaperr.KindQuoteUnavailable, opDecode, fmt.Sprintf("%s 不是合法地址: %q", field, v))
	}
	return common.HexToAddress(v), nil
}

func parseUint(field, v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok || n.Sign() < 0 {
		return nil, swaperr.New(swaperr.KindQuoteUnavailable, opDecode, fmt.Sprintf("%s 不是合法整数: %q", field, v))
	}
	return n, nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
