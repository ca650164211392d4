package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// EventJournal persists the append-only event log.
type EventJournal interface {
	Append(ctx context.Context, ev Event) error
	ListByMarket(ctx context.Context, marketID uint64, opts ListOpts) ([]Event, error)
	LastSeq(ctx context.Context) (uint64, error)
}

// MarketMirrorStore persists the queryable projection of market state.
type MarketMirrorStore interface {
	Upsert(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id uint64) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// BetMirrorStore persists the queryable projection of bets.
type BetMirrorStore interface {
	Upsert(ctx context.Context, b Bet) error
	Get(ctx context.Context, marketID uint64, user common.Address) (Bet, error)
	ListByMarket(ctx context.Context, marketID uint64, opts ListOpts) ([]Bet, error)
}

// MarketCache caches market read models.
type MarketCache interface {
	Get(ctx context.Context, id uint64) (Market, error)
	Set(ctx context.Context, m Market) error
	Invalidate(ctx context.Context, id uint64) error
}

// SignalBus publishes events to out-of-process subscribers (the mirror
// projector, websocket hub, external indexers).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter bounds request rates per key across API replicas.
type RateLimiter interface {
	// Allow reports whether a request under key fits inside the window
	// limit, counting the request when it does.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides mutual exclusion across orchestrator replicas. The
// returned unlock function is safe to call more than once. Acquire returns
// ErrLockHeld when another holder owns the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
