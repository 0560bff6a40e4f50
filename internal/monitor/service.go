package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swapflow/internal/engine"
	"swapflow/internal/store"
	"swapflow/internal/swaperr"
)

const recordTimeout = 5 * time.Second

// Service 负责持久化生命周期事件，并在订单提交后写入订单表。
// 实现 engine.Observer。
type Service struct {
	db     *sql.DB
	store  *store.Store
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		store:  store,
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	session_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_session ON monitor_events(session_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, session_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.SessionID, string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// OnTransition 记录状态变化；失败时额外记录错误事件，提交成功时保存订单。
func (s *Service) OnTransition(t engine.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	ts := t.At.UTC()
	if err := s.Record(ctx, Event{
		Type:      EventTransition,
		SessionID: t.SessionID,
		Timestamp: ts,
		Payload: TransitionPayload{
			Generation: t.Generation,
			From:       t.From,
			To:         t.To,
			Quote:      t.Snapshot.Quote,
			Allowance:  t.Snapshot.Allowance,
		},
	}); err != nil {
		s.logger.Warn("记录状态事件失败", zap.Error(err))
	}

	if t.Err != nil {
		s.recordError(ctx, t, ts)
	}

	if t.To == engine.StateSubmitted && t.Order != nil {
		s.recordSubmission(ctx, t, ts)
	}
}

func (s *Service) recordError(ctx context.Context, t engine.Transition, ts time.Time) {
	payload := ErrorPayload{
		State:         t.To,
		Kind:          string(swaperr.KindOf(t.Err)),
		Error:         t.Err.Error(),
		Retryable:     swaperr.IsRetryable(t.Err),
		UserRejection: swaperr.IsUserRejection(t.Err),
	}
	if err := s.Record(ctx, Event{
		Type:      EventError,
		SessionID: t.SessionID,
		Timestamp: ts,
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(err))
	}
}

func (s *Service) recordSubmission(ctx context.Context, t engine.Transition, ts time.Time) {
	signed := t.Order
	orderID := t.Snapshot.OrderID

	if err := s.Record(ctx, Event{
		Type:      EventSubmission,
		SessionID: t.SessionID,
		Timestamp: ts,
		Payload: SubmissionPayload{
			OrderID:   orderID,
			QuoteID:   signed.QuoteID,
			Owner:     signed.Owner.Hex(),
			Signature: signed.Signature.String(),
		},
	}); err != nil {
		s.logger.Warn("记录提交事件失败", zap.Error(err))
	}

	rec := store.OrderRecord{
		UID:        orderID,
		SessionID:  t.SessionID,
		ChainID:    int64(signed.Domain.ChainID),
		Owner:      signed.Owner.Hex(),
		SellToken:  signed.Order.SellToken.Hex(),
		BuyToken:   signed.Order.BuyToken.Hex(),
		SellAmount: signed.Order.SellAmount.String(),
		BuyAmount:  signed.Order.BuyAmount.String(),
		ValidTo:    signed.Order.ValidTo,
		QuoteID:    signed.QuoteID,
		Signature:  signed.Signature.String(),
		CreatedAt:  ts,
	}
	if err := s.store.SaveOrder(ctx, rec); err != nil {
		s.logger.Error("保存订单失败", zap.String("order_id", orderID), zap.Error(err))
	}
}

// ListEvents 按类型与会话检索最近事件，参数为空时不过滤。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, session_id, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			session string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &session, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			SessionID: session,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
