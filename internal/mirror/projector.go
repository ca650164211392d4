// Package mirror projects the in-process event stream into the queryable
// Postgres mirror. The mirror is eventually consistent and only ever holds
// public data: ciphertext handles, market lifecycle, revealed totals.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// LedgerReader is the slice of the market ledger's read API the projector
// needs to refresh projections from authoritative state.
type LedgerReader interface {
	GetMarket(marketID uint64) (domain.Market, error)
	GetUserBet(marketID uint64, user common.Address) (domain.BetView, error)
}

// Projector consumes events off the signal bus, appends them to the durable
// journal, and refreshes the market and bet mirror rows they touch.
type Projector struct {
	bus     domain.SignalBus
	channel string
	journal domain.EventJournal
	markets domain.MarketMirrorStore
	bets    domain.BetMirrorStore
	cache   domain.MarketCache // optional
	ledger  LedgerReader
	logger  *slog.Logger
}

// New creates a Projector. cache may be nil when no cache tier is
// deployed, and ledger may be nil when the projector runs outside the
// engine process; rows are then rebuilt from event payloads alone.
func New(
	bus domain.SignalBus,
	channel string,
	journal domain.EventJournal,
	markets domain.MarketMirrorStore,
	bets domain.BetMirrorStore,
	cache domain.MarketCache,
	ledger LedgerReader,
	logger *slog.Logger,
) *Projector {
	return &Projector{
		bus:     bus,
		channel: channel,
		journal: journal,
		markets: markets,
		bets:    bets,
		cache:   cache,
		ledger:  ledger,
		logger:  logger,
	}
}

// Run subscribes to the event channel and projects until ctx is cancelled.
// Individual projection failures are logged and skipped; the journal append
// is idempotent on sequence number, so a replayed event is harmless.
func (p *Projector) Run(ctx context.Context) error {
	if p.bus == nil {
		return errors.New("mirror: no signal bus configured")
	}
	ch, err := p.bus.Subscribe(ctx, p.channel)
	if err != nil {
		return err
	}

	p.logger.Info("mirror projector started", slog.String("channel", p.channel))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("mirror projector stopped")
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				p.logger.Info("mirror projector stopped: bus closed")
				return nil
			}
			var ev domain.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				p.logger.Warn("discarding malformed event payload", slog.String("error", err.Error()))
				continue
			}
			if err := p.Apply(ctx, ev); err != nil {
				p.logger.Error("event projection failed",
					slog.String("type", string(ev.Type)),
					slog.Uint64("seq", ev.Seq),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Append implements domain.EventSink so the projector can be attached
// directly to the emitter in deployments without a signal bus.
func (p *Projector) Append(ctx context.Context, ev domain.Event) error {
	return p.Apply(ctx, ev)
}

// Apply projects a single event: journal first, then the mirror rows.
func (p *Projector) Apply(ctx context.Context, ev domain.Event) error {
	if err := p.journal.Append(ctx, ev); err != nil {
		return err
	}

	switch ev.Type {
	case domain.EventMarketCreated,
		domain.EventMarketResolved,
		domain.EventTotalsRevealed:
		return p.refreshMarket(ctx, ev)

	case domain.EventBetPlaced:
		if err := p.refreshBet(ctx, ev); err != nil {
			return err
		}
		// Bet count and running-total handles changed too.
		return p.refreshMarket(ctx, ev)

	case domain.EventPayoutClaimed:
		return p.refreshBet(ctx, ev)

	default:
		// Balance events carry no mirror state; the journal row is enough.
		return nil
	}
}

func (p *Projector) refreshMarket(ctx context.Context, ev domain.Event) error {
	var (
		m   domain.Market
		err error
	)
	if p.ledger != nil {
		m, err = p.ledger.GetMarket(ev.MarketID)
	} else {
		m, err = p.marketFromEvent(ctx, ev)
	}
	if err != nil {
		return err
	}

	if err := p.markets.Upsert(ctx, m); err != nil {
		return err
	}
	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, ev.MarketID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("market cache invalidation failed",
				slog.Uint64("market_id", ev.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (p *Projector) refreshBet(ctx context.Context, ev domain.Event) error {
	if p.ledger != nil {
		view, err := p.ledger.GetUserBet(ev.MarketID, ev.Actor)
		if err != nil {
			return err
		}
		if !view.Exists {
			return nil
		}
		return p.bets.Upsert(ctx, domain.Bet{
			MarketID:     ev.MarketID,
			User:         ev.Actor,
			VoteHandle:   view.VoteHandle,
			AmountHandle: view.AmountHandle,
			Claimed:      view.Claimed,
			PlacedAt:     ev.At,
		})
	}
	return p.betFromEvent(ctx, ev)
}

// marketFromEvent rebuilds the market row out of the event payload. The
// standalone mirror process has no ledger to query, so every event that
// touches a market carries the fields it changes.
func (p *Projector) marketFromEvent(ctx context.Context, ev domain.Event) (domain.Market, error) {
	if ev.Type == domain.EventMarketCreated {
		return domain.Market{
			ID:                 ev.MarketID,
			Title:              dataStr(ev.Data, "title"),
			MetadataURI:        dataStr(ev.Data, "metadata_uri"),
			VotingEndsAt:       dataTime(ev.Data, "voting_ends_at", ev.At),
			ResolutionDeadline: dataTime(ev.Data, "resolution_deadline", ev.At),
			Status:             domain.MarketStatusActive,
			Result:             domain.ResultUnresolved,
			YesTotalHandle:     dataHandle(ev.Data, "yes_total_handle"),
			NoTotalHandle:      dataHandle(ev.Data, "no_total_handle"),
			CreatedAt:          ev.At,
			UpdatedAt:          ev.At,
		}, nil
	}

	m, err := p.markets.GetByID(ctx, ev.MarketID)
	if err != nil {
		return domain.Market{}, err
	}
	m.UpdatedAt = ev.At

	switch ev.Type {
	case domain.EventBetPlaced:
		m.BetCount = dataUint(ev.Data, "bet_count")
		m.YesTotalHandle = dataHandle(ev.Data, "yes_total_handle")
		m.NoTotalHandle = dataHandle(ev.Data, "no_total_handle")
	case domain.EventMarketResolved:
		m.Status = domain.MarketStatus(dataStr(ev.Data, "status"))
		m.Result = domain.MarketResult(dataStr(ev.Data, "result"))
	case domain.EventTotalsRevealed:
		m.DecryptedYesTotal = dataUint(ev.Data, "yes_total")
		m.DecryptedNoTotal = dataUint(ev.Data, "no_total")
		m.TotalsDecrypted = true
	}
	return m, nil
}

// betFromEvent rebuilds the bet row out of the event payload.
func (p *Projector) betFromEvent(ctx context.Context, ev domain.Event) error {
	switch ev.Type {
	case domain.EventBetPlaced:
		return p.bets.Upsert(ctx, domain.Bet{
			MarketID:     ev.MarketID,
			User:         ev.Actor,
			VoteHandle:   dataHandle(ev.Data, "vote_handle"),
			AmountHandle: dataHandle(ev.Data, "amount_handle"),
			PlacedAt:     ev.At,
		})
	case domain.EventPayoutClaimed:
		b, err := p.bets.Get(ctx, ev.MarketID, ev.Actor)
		if err != nil {
			return err
		}
		b.Claimed = true
		return p.bets.Upsert(ctx, b)
	}
	return nil
}

// Data maps cross a JSON boundary, so numbers arrive as float64 and times
// as RFC3339 strings.

func dataStr(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func dataUint(data map[string]any, key string) uint64 {
	switch v := data[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	case json.Number:
		n, _ := v.Int64()
		return uint64(n)
	}
	return 0
}

func dataTime(data map[string]any, key string, fallback time.Time) time.Time {
	switch v := data[key].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	case time.Time:
		return v
	}
	return fallback
}

func dataHandle(data map[string]any, key string) fhe.Handle {
	h, _ := fhe.HandleFromHex(dataStr(data, key))
	return h
}
