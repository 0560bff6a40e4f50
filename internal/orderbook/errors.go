package orderbook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"swapflow/internal/swaperr"
)

// classifyError 将传输层与 API 错误映射到统一分类，并给出是否可重试。
// 报价阶段的 4xx（NoLiquidity、UnsupportedToken 等）一律视为无可用报价，下单阶段的 4xx 视为被订单簿拒绝。
func classifyError(op string, err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return swaperr.Wrap(swaperr.KindNetworkError, op, err), false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= http.StatusInternalServerError:
			return swaperr.Wrap(swaperr.KindNetworkError, op, err), true
		case op == opQuote:
			return swaperr.Wrap(swaperr.KindQuoteUnavailable, op, err), false
		default:
			return swaperr.Wrap(swaperr.KindSubmissionRejected, op, err), false
		}
	}

	var se *swaperr.Error
	if errors.As(err, &se) {
		return err, se.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return swaperr.Wrap(swaperr.KindNetworkError, op, err), true
	}

	return swaperr.Wrap(swaperr.KindNetworkError, op, fmt.Errorf("请求失败: %w", err)), true
}
