/*
Package notify publishes committed ledger mutations to Redis.

PURPOSE:
  Analytics and notification workers consume ledger activity without
  touching the ledger database. Each committed mutation is pushed as a JSON
  message onto a Redis list; consumers BRPOP from the other end.

MESSAGE:
  {
    "kind": "spend",
    "user_id": "alice",
    "action": "cv.generate",
    "balance": 14,
    "streak_days": 3,
    "bonus_awarded": true,
    "transactions": [
      {"id": "...", "type": "SPEND", "amount": -1, "balance_after": 9},
      {"id": "...", "type": "BONUS", "amount": 5, "balance_after": 14}
    ],
    "at": "2025-03-10T09:00:00Z"
  }

DELIVERY:
  At most once. The hook runs after commit on the dispatcher's workers; a
  Redis outage loses messages but never affects the ledger.
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/energy-ledger/ledger"
)

const DefaultKey = "energy:events"

// Message is the wire format pushed to Redis.
type Message struct {
	Kind         ledger.EventKind     `json:"kind"`
	UserID       ledger.UserID        `json:"user_id"`
	Action       string               `json:"action,omitempty"`
	Balance      int64                `json:"balance"`
	StreakDays   int                  `json:"streak_days"`
	BonusAwarded bool                 `json:"bonus_awarded"`
	Transactions []TransactionMessage `json:"transactions"`
	At           time.Time            `json:"at"`
}

type TransactionMessage struct {
	ID           ledger.TransactionID   `json:"id"`
	Type         ledger.TransactionType `json:"type"`
	Amount       int64                  `json:"amount"`
	BalanceAfter int64                  `json:"balance_after"`
	Reference    string                 `json:"reference,omitempty"`
}

func NewMessage(ev ledger.Event) Message {
	msg := Message{
		Kind:         ev.Kind,
		UserID:       ev.UserID,
		Action:       ev.Action,
		Balance:      ev.Balance,
		StreakDays:   ev.StreakDays,
		BonusAwarded: ev.BonusAwarded,
		Transactions: make([]TransactionMessage, 0, len(ev.Transactions)),
		At:           ev.At.UTC(),
	}
	for _, tx := range ev.Transactions {
		msg.Transactions = append(msg.Transactions, TransactionMessage{
			ID:           tx.ID,
			Type:         tx.Type,
			Amount:       tx.Amount,
			BalanceAfter: tx.BalanceAfter,
			Reference:    tx.Reference,
		})
	}
	return msg
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher is a ledger.Hook that LPUSHes every event.
type Publisher struct {
	rdb    redis.Cmdable
	key    string
	maxLen int64
}

// Compile-time check that Publisher implements ledger.Hook
var _ ledger.Hook = (*Publisher)(nil)

// NewPublisher pushes onto key, keeping at most maxLen messages when
// maxLen > 0.
func NewPublisher(rdb redis.Cmdable, key string, maxLen int64) *Publisher {
	if key == "" {
		key = DefaultKey
	}
	return &Publisher{rdb: rdb, key: key, maxLen: maxLen}
}

// Dial creates a client for addr and checks it answers.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (p *Publisher) Name() string { return "redis" }

func (p *Publisher) Key() string { return p.key }

func (p *Publisher) OnMutation(ctx context.Context, ev ledger.Event) error {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.key, string(data)).Err(); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	if p.maxLen > 0 {
		if err := p.rdb.LTrim(ctx, p.key, 0, p.maxLen-1).Err(); err != nil {
			return fmt.Errorf("trim event list: %w", err)
		}
	}
	return nil
}

// Backlog returns how many messages are waiting.
func (p *Publisher) Backlog(ctx context.Context) (int64, error) {
	return p.rdb.LLen(ctx, p.key).Result()
}
