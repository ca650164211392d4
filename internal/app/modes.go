package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/veilbet/internal/cache/redis"
	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/engine"
	"github.com/alanyoungcy/veilbet/internal/server"
	"github.com/alanyoungcy/veilbet/internal/server/handler"
	"github.com/alanyoungcy/veilbet/internal/server/ws"
	"github.com/alanyoungcy/veilbet/internal/token"
)

// archiveInterval is how often the archiver sweeps for settled markets.
const archiveInterval = 15 * time.Minute

// FullMode runs everything in one process: the engine, the read API, the
// mirror projector, and the archiver sweep.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startServer(ctx, g, deps)
	a.startProjector(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	// Nothing else drives the engine in this build; markets and bets enter
	// through in-process API consumers. Block until shutdown.
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		a.logger.Error("full mode stopped with error", slog.String("error", err.Error()))
		return err
	}
	a.logger.Info("full mode stopped cleanly")
	return nil
}

// ServeMode runs the read API alone against the Postgres mirror.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// MirrorMode runs the projector alone: it consumes the signal bus and keeps
// the Postgres mirror current.
func (a *App) MirrorMode(ctx context.Context, deps *Dependencies) error {
	if deps.Projector == nil {
		return fmt.Errorf("app: mirror mode requires the postgres tier")
	}
	err := deps.Projector.Run(ctx)
	if ctx.Err() != nil {
		return nil // clean shutdown
	}
	return err
}

// startServer registers the HTTP + WebSocket server with the errgroup when
// the server tier is enabled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}

	logger := a.logger.With(slog.String("component", "server"))

	components := map[string]handler.Pinger{}
	if deps.RedisClient != nil {
		components["redis"] = deps.RedisClient
	}
	if deps.PGClient != nil {
		components["postgres"] = deps.PGClient
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(components, logger),
		Markets: handler.NewMarketHandler(deps.Query, logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, redis.EventChannel, logger)
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("ws hub: %w", err)
			}
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, logger)

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		}
	})
}

// startProjector registers the bus-fed projector when both the bus and the
// mirror are present. Without a bus the projector is already attached to
// the emitter as a synchronous sink.
func (a *App) startProjector(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Projector == nil || deps.SignalBus == nil {
		return
	}
	g.Go(func() error {
		if err := deps.Projector.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mirror projector: %w", err)
		}
		return nil
	})
}

// startArchiver registers the periodic settled-market archive sweep.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(archiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := deps.Archiver.ArchiveSettled(ctx)
				if err != nil {
					a.logger.Error("archive sweep failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					a.logger.Info("archive sweep complete", slog.Int("markets", n))
				}
			}
		}
	})
}

// DemoMode runs a scripted market end to end on the shadow backend: three
// bettors wrap funds, bet encrypted amounts, the market resolves Yes, the
// oracle reveals the totals, and everyone claims. It doubles as a smoke
// test of the whole settlement path.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	log := a.logger.With(slog.String("component", "demo"))

	alice := token.PrincipalFromName("demo/alice")
	bob := token.PrincipalFromName("demo/bob")
	charlie := token.PrincipalFromName("demo/charlie")

	scale := deps.Conf.UnitScale()
	for _, u := range []common.Address{alice, bob, charlie} {
		deps.Token.Mint(u, 200*scale)
		deps.Token.Approve(u, deps.Custody, 200*scale)
		if err := deps.Conf.Wrap(ctx, u, 200); err != nil {
			return fmt.Errorf("demo: wrap: %w", err)
		}
	}
	log.Info("wrapped opening balances", slog.Uint64("units_each", 200))

	marketID, err := deps.Engine.CreateMarket(ctx, deps.Admin, engine.CreateMarketParams{
		Title:              "Will it rain tomorrow?",
		VotingEndsAt:       time.Now().Add(time.Hour),
		ResolutionDeadline: time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("demo: create market: %w", err)
	}

	bets := []struct {
		user   common.Address
		name   string
		vote   bool
		amount uint64
	}{
		{alice, "alice", true, 70},
		{bob, "bob", true, 30},
		{charlie, "charlie", false, 100},
	}
	for _, b := range bets {
		if err := a.placeDemoBet(ctx, deps, marketID, b.user, b.vote, b.amount); err != nil {
			return fmt.Errorf("demo: bet %s: %w", b.name, err)
		}
		log.Info("bet placed", slog.String("user", b.name))
	}

	if err := deps.Orchestrator.Settle(ctx, marketID, domain.ResultYes); err != nil {
		return fmt.Errorf("demo: settle: %w", err)
	}

	m, err := deps.Engine.GetMarket(marketID)
	if err != nil {
		return fmt.Errorf("demo: read market: %w", err)
	}
	log.Info("totals revealed",
		slog.Uint64("yes_total", m.DecryptedYesTotal),
		slog.Uint64("no_total", m.DecryptedNoTotal),
	)

	for _, b := range bets {
		if err := deps.Engine.ClaimPayout(ctx, b.user, marketID); err != nil {
			return fmt.Errorf("demo: claim %s: %w", b.name, err)
		}
		bal, err := deps.Backend.Decrypt(ctx, deps.Conf.BalanceOf(b.user), b.user)
		if err != nil {
			return fmt.Errorf("demo: read balance %s: %w", b.name, err)
		}
		log.Info("claimed", slog.String("user", b.name), slog.Uint64("balance", bal))
	}

	log.Info("demo complete")
	return nil
}

// placeDemoBet encrypts a vote and stake as the user would, approves the
// engine to pull the stake, and places the bet.
func (a *App) placeDemoBet(ctx context.Context, deps *Dependencies, marketID uint64, user common.Address, vote bool, amount uint64) error {
	amt := deps.Backend.EncryptUint64(amount, user)
	if err := deps.Backend.Allow(amt, deps.Conf.Self()); err != nil {
		return err
	}
	if err := deps.Conf.Approve(ctx, user, deps.Engine.Self(), amt); err != nil {
		return err
	}

	v := deps.Backend.EncryptBool(vote, user)
	return deps.Engine.PlaceBet(ctx, user, marketID, v, amt)
}
