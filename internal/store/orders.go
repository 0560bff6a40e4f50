package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// createdLayout 定宽纳秒时间，保证按文本排序与时间顺序一致。
const createdLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OrderRecord 是一条已被订单簿接受的订单。
type OrderRecord struct {
	UID        string    `json:"uid"`
	SessionID  string    `json:"sessionId"`
	ChainID    int64     `json:"chainId"`
	Owner      string    `json:"owner"`
	SellToken  string    `json:"sellToken"`
	BuyToken   string    `json:"buyToken"`
	SellAmount string    `json:"sellAmount"`
	BuyAmount  string    `json:"buyAmount"`
	ValidTo    uint32    `json:"validTo"`
	QuoteID    int64     `json:"quoteId"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SaveOrder 写入订单，相同 uid 重复写入时覆盖。
func (s *Store) SaveOrder(ctx context.Context, rec OrderRecord) error {
	if strings.TrimSpace(rec.UID) == "" {
		return errors.New("store: 订单 uid 不能为空")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO orders
	(uid, session_id, chain_id, owner, sell_token, buy_token, sell_amount, buy_amount, valid_to, quote_id, signature, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UID, rec.SessionID, rec.ChainID, strings.ToLower(rec.Owner),
		rec.SellToken, rec.BuyToken, rec.SellAmount, rec.BuyAmount,
		int64(rec.ValidTo), rec.QuoteID, rec.Signature,
		rec.CreatedAt.UTC().Format(createdLayout),
	)
	if err != nil {
		return fmt.Errorf("store: 写入订单失败: %w", err)
	}
	return nil
}

// ListOrders 按时间倒序返回订单，owner 为零地址时不过滤。
func (s *Store) ListOrders(ctx context.Context, owner common.Address, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT uid, session_id, chain_id, owner, sell_token, buy_token, sell_amount, buy_amount, valid_to, quote_id, signature, created_at FROM orders`
	args := make([]interface{}, 0, 2)
	if owner != (common.Address{}) {
		query += ` WHERE owner = ?`
		args = append(args, strings.ToLower(owner.Hex()))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询订单失败: %w", err)
	}
	defer rows.Close()

	out := make([]OrderRecord, 0, limit)
	for rows.Next() {
		var (
			rec     OrderRecord
			validTo int64
			created string
		)
		if err := rows.Scan(&rec.UID, &rec.SessionID, &rec.ChainID, &rec.Owner,
			&rec.SellToken, &rec.BuyToken, &rec.SellAmount, &rec.BuyAmount,
			&validTo, &rec.QuoteID, &rec.Signature, &created); err != nil {
			return nil, fmt.Errorf("store: 解析订单失败: %w", err)
		}
		rec.ValidTo = uint32(validTo)
		if ts, err := time.Parse(createdLayout, created); err == nil {
			rec.CreatedAt = ts
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取订单失败: %w", err)
	}
	return out, nil
}
