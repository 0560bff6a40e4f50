package orderbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swapflow/internal/config"
	"swapflow/internal/swaperr"
)

const (
	opQuote  = "orderbook.quote"
	opSubmit = "orderbook.submit"
)

// Client 负责与订单簿 API 交互并实现重试与限速。
type Client struct {
	cfg     config.OrderBookConfig
	network string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient 构造指定网络（如 mainnet、sepolia）的订单簿客户端。
func NewClient(cfg config.OrderBookConfig, network string, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := cfg.RateLimit.Burst
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		cfg:     cfg,
		network: network,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("network", network)),
	}
}

// Network 返回客户端所属网络。
func (c *Client) Network() string {
	return c.network
}

// Quote 请求报价。
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (QuoteResponse, error) {
	var resp QuoteResponse
	err := c.callWithRetry(ctx, opQuote, func() error {
		return c.postJSON(ctx, "/api/v1/quote", req, &resp)
	})
	if err != nil {
		return QuoteResponse{}, err
	}
	return resp, nil
}

// SubmitOrder 提交已签名订单，返回订单 UID。
func (c *Client) SubmitOrder(ctx context.Context, order OrderCreation) (string, error) {
	var uid string
	err := c.callWithRetry(ctx, opSubmit, func() error {
		return c.postJSON(ctx, "/api/v1/orders", order, &uid)
	})
	if err != nil {
		return "", err
	}
	if uid == "" {
		return "", swaperr.New(swaperr.KindSubmissionRejected, opSubmit, "订单簿未返回订单 UID")
	}
	return uid, nil
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/%s%s", base, c.network, path)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return swaperr.Wrap(swaperr.KindInternal, "orderbook.encode", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return swaperr.Wrap(swaperr.KindInternal, "orderbook.request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || (apiErr.ErrorType == "" && apiErr.Description == "") {
			apiErr.Description = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return swaperr.Wrap(swaperr.KindInternal, "orderbook.decode", fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 3 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return swaperr.Wrap(swaperr.KindNetworkError, operation, ctxErr)
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("订单簿调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(operation, err)

		if !retry || attempt >= maxAttempts {
			c.logger.Warn("订单簿调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("订单簿调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return swaperr.Wrap(swaperr.KindNetworkError, operation, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
