package engine

import (
	"math/big"
	"time"

	"swapflow/internal/allowance"
	"swapflow/internal/order"
	"swapflow/internal/quote"
	"swapflow/internal/swaperr"
	"swapflow/internal/token"
)

// State 表示订单生命周期状态。
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingQuote     State = "awaiting_quote"
	StateQuoteReady        State = "quote_ready"
	StateAwaitingApproval  State = "awaiting_approval"
	StateApproved          State = "approved"
	StateAwaitingSignature State = "awaiting_signature"
	StateSubmitting        State = "submitting"
	StateSubmitted         State = "submitted"
	StateFailed            State = "failed"
)

// Decided 判断状态是否需要调用方做出下一步决定（授权、提交或处理失败）。
func (s State) Decided() bool {
	switch s {
	case StateQuoteReady, StateAwaitingApproval, StateApproved, StateSubmitted, StateFailed:
		return true
	default:
		return false
	}
}

// Input 是用户输入的交易对与数量。
type Input struct {
	SellToken token.Ref `json:"sellToken"`
	BuyToken  token.Ref `json:"buyToken"`
	Amount    string    `json:"amount"`
	// Kind 为 sell 或 buy，为空按 sell 处理；buy 时 Amount 为买入数量。
	Kind string `json:"kind,omitempty"`
}

// ErrorView 是面向调用方的错误描述。
type ErrorView struct {
	Kind          swaperr.Kind `json:"kind"`
	Message       string       `json:"message"`
	Retryable     bool         `json:"retryable"`
	UserRejection bool         `json:"userRejection"`
}

func newErrorView(err error) *ErrorView {
	if err == nil {
		return nil
	}
	return &ErrorView{
		Kind:          swaperr.KindOf(err),
		Message:       err.Error(),
		Retryable:     swaperr.IsRetryable(err),
		UserRejection: swaperr.IsUserRejection(err),
	}
}

// Snapshot 是控制器状态的只读副本。
type Snapshot struct {
	SessionID  string           `json:"sessionId"`
	State      State            `json:"state"`
	Generation uint64           `json:"generation"`
	Input      Input            `json:"input"`
	Amount     *big.Int         `json:"amount,omitempty"`
	Quote      *quote.Quote     `json:"quote,omitempty"`
	Allowance  *allowance.State `json:"allowance,omitempty"`
	Approving  bool             `json:"approving"`
	CanRetry   bool             `json:"canRetry"`
	OrderID    string           `json:"orderId,omitempty"`
	Error      *ErrorView       `json:"error,omitempty"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Transition 描述一次状态变化，提交成功时携带已签名订单。
type Transition struct {
	SessionID  string
	Generation uint64
	From       State
	To         State
	Snapshot   Snapshot
	Err        error
	Order      *order.SignedOrder
	At         time.Time
}

// Observer 接收状态变化通知，调用发生在控制器锁外且串行、有序。
// 实现不得在 OnTransition 中回调 Controller 的方法。
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc 将函数适配为 Observer。
type ObserverFunc func(Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }
