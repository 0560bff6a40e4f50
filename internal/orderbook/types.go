package orderbook

import "time"

// 订单方向。
const (
	KindSell = "sell"
	KindBuy  = "buy"
)

// 余额来源与签名方案。
const (
	BalanceERC20        = "erc20"
	SigningSchemeEIP712 = "eip712"
)

// QuoteRequest 对应 POST /api/v1/quote 请求体。
type QuoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	From                string `json:"from"`
	Receiver            string `json:"receiver,omitempty"`
	Kind                string `json:"kind"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee,omitempty"`
	BuyAmountAfterFee   string `json:"buyAmountAfterFee,omitempty"`
	AppData             string `json:"appData,omitempty"`
	PartiallyFillable   bool   `json:"partiallyFillable"`
	SellTokenBalance    string `json:"sellTokenBalance"`
	BuyTokenBalance     string `json:"buyTokenBalance"`
	SigningScheme       string `json:"signingScheme"`
}

// QuoteParameters 是报价中可直接用于下单的字段，金额为十进制字符串。
type QuoteParameters struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver,omitempty"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	AppData           string `json:"appData"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
	SigningScheme     string `json:"signingScheme,omitempty"`
}

// QuoteResponse 对应报价接口的响应。
type QuoteResponse struct {
	Quote      QuoteParameters `json:"quote"`
	From       string          `json:"from"`
	Expiration time.Time       `json:"expiration"`
	ID         int64           `json:"id"`
	Verified   bool            `json:"verified"`
}

// OrderCreation 对应 POST /api/v1/orders 请求体。
type OrderCreation struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	AppData           string `json:"appData"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
	SigningScheme     string `json:"signingScheme"`
	Signature         string `json:"signature"`
	From              string `json:"from"`
	QuoteID           *int64 `json:"quoteId,omitempty"`
}

// APIError 是订单簿返回的错误体。
type APIError struct {
	Status      int    `json:"-"`
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	if e.ErrorType == "" {
		return e.Description
	}
	if e.Description == "" {
		return e.ErrorType
	}
	return e.ErrorType + ": " + e.Description
}
