package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType identifies a state-changing operation of the core.
type EventType string

const (
	EventMarketCreated     EventType = "market_created"
	EventBetPlaced         EventType = "bet_placed"
	EventMarketResolved    EventType = "market_resolved"
	EventTotalsRevealed    EventType = "totals_revealed"
	EventPayoutClaimed     EventType = "payout_claimed"
	EventWrapped           EventType = "wrapped"
	EventUnwrapped         EventType = "unwrapped"
	EventEncryptedTransfer EventType = "encrypted_transfer"
	EventEncryptedApproval EventType = "encrypted_approval"
)

// Event is the audit record emitted once per state-changing operation.
// Data carries public fields only: ciphertext handles in hex, never
// cleartext amounts. The single exception is the totals_revealed event,
// which carries the verified decrypted totals.
type Event struct {
	ID       uuid.UUID      `json:"id"`
	Seq      uint64         `json:"seq"`
	Type     EventType      `json:"type"`
	MarketID uint64         `json:"market_id,omitempty"` // 0 for ledger-level events
	Actor    common.Address `json:"actor"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// EventSink receives emitted events. Sinks are best-effort mirrors of the
// authoritative in-process state; a failing sink must not abort the
// operation that produced the event.
type EventSink interface {
	Append(ctx context.Context, ev Event) error
}
