package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/veilbet/internal/domain"
)

// EventStore implements domain.EventJournal using PostgreSQL. The journal
// is append-only; rows are never updated or deleted.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts one event. A duplicate sequence number (a replayed emit)
// is treated as already applied and ignored.
func (s *EventStore) Append(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("postgres: marshal event data: %w", err)
	}

	const query = `
		INSERT INTO events (id, seq, type, market_id, actor, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (seq) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		ev.ID, int64(ev.Seq), string(ev.Type), int64(ev.MarketID),
		ev.Actor.Hex(), data, ev.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event seq %d: %w", ev.Seq, err)
	}
	return nil
}

// ListByMarket returns a market's events ordered by sequence.
func (s *EventStore) ListByMarket(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	const query = `
		SELECT id, seq, type, market_id, actor, data, occurred_at
		FROM events
		WHERE market_id = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, int64(marketID), limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for market %d: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the highest sequence number in the journal, 0 when empty.
func (s *EventStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: last event seq: %w", err)
	}
	return uint64(seq), nil
}

func scanEvent(rows pgx.Rows) (domain.Event, error) {
	var (
		ev       domain.Event
		id       uuid.UUID
		seq      int64
		evType   string
		marketID int64
		actor    string
		data     []byte
	)
	if err := rows.Scan(&id, &seq, &evType, &marketID, &actor, &data, &ev.At); err != nil {
		return domain.Event{}, fmt.Errorf("postgres: scan event: %w", err)
	}
	ev.ID = id
	ev.Seq = uint64(seq)
	ev.Type = domain.EventType(evType)
	ev.MarketID = uint64(marketID)
	ev.Actor = common.HexToAddress(actor)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return domain.Event{}, fmt.Errorf("postgres: unmarshal event data: %w", err)
		}
	}
	return ev, nil
}

// Compile-time interface check.
var _ domain.EventJournal = (*EventStore)(nil)
