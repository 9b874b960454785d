// Command sentry wires the ingestion-and-state pipeline together: two
// OrderBooks (spot, futures), their SnapshotCoordinator anchoring, the
// five WSManager connections, TradeAggregator, LiquidationFilter,
// WallTracker, and the AlertRouter dispatching onto a NATS JetStream
// sink. Process wiring follows the teacher's cmd/ convention of a
// thin main() delegating to package constructors plus a shutdown
// coordinator.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/marketwatch/btcsentry/internal/alertrouter"
	"github.com/marketwatch/btcsentry/internal/alertrouter/natssink"
	"github.com/marketwatch/btcsentry/internal/binancewire"
	"github.com/marketwatch/btcsentry/internal/config"
	"github.com/marketwatch/btcsentry/internal/domain"
	"github.com/marketwatch/btcsentry/internal/httpapi"
	"github.com/marketwatch/btcsentry/internal/liquidation"
	"github.com/marketwatch/btcsentry/internal/orderbook"
	"github.com/marketwatch/btcsentry/internal/shutdown"
	"github.com/marketwatch/btcsentry/internal/snapshot"
	"github.com/marketwatch/btcsentry/internal/store"
	"github.com/marketwatch/btcsentry/internal/store/memstore"
	"github.com/marketwatch/btcsentry/internal/store/pgstore"
	"github.com/marketwatch/btcsentry/internal/tradeagg"
	"github.com/marketwatch/btcsentry/internal/walltracker"
	"github.com/marketwatch/btcsentry/internal/wstream"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the process configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.InitLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := config.Get()

	sc := shutdown.New(*log)

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	natsConn, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	sc.HookShutdownCallback("nats-drain", func() { _ = natsConn.Drain() })

	sink, err := natssink.New(natsConn, cfg.NATS.SubjectPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("build nats sink")
	}

	router := alertrouter.New(sink, *log)
	router.SetStore(st)
	tracker := walltracker.New(router, st)
	agg := tradeagg.New(router, st, cfg.RehydrateHorizon())
	for _, m := range []domain.Market{domain.MarketSpot, domain.MarketFutures} {
		if err := agg.Rehydrate(m); err != nil {
			log.Warn().Err(err).Str("market", string(m)).Msg("CVD rehydrate failed, starting from zero")
		}
	}
	liqFilter := liquidation.New(cfg.Exchange.FuturesSymbol, router, st, []domain.Market{domain.MarketFutures})

	spotBook := orderbook.New(domain.MarketSpot, cfg.Exchange.SpotSymbol)
	futuresBook := orderbook.New(domain.MarketFutures, cfg.Exchange.FuturesSymbol)

	fetcher := snapshot.NewRESTFetcher(cfg.Exchange.SpotRESTHost, cfg.Exchange.FuturesRESTHost)
	coord := snapshot.New(fetcher, *log)
	coord.SetStore(st)
	coord.Register(domain.MarketSpot, cfg.Exchange.SpotSymbol, spotBook, tracker.HandleWallEvents)
	coord.Register(domain.MarketFutures, cfg.Exchange.FuturesSymbol, futuresBook, tracker.HandleWallEvents)

	rootCtx := sc.Context()

	if err := coord.ColdStart(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("cold start snapshot anchoring failed")
	}

	manager := wstream.NewManager()
	manager.Add(wstream.NewConn("spot-depth", cfg.Exchange.SpotWSURL,
		depthHandler(spotBook, tracker), router, "system", *log))
	manager.Add(wstream.NewConn("futures-depth", cfg.Exchange.FuturesWSURL,
		depthHandler(futuresBook, tracker), router, "system", *log))
	manager.Add(wstream.NewConn("spot-trade", cfg.Exchange.SpotWSURL,
		tradeHandler(domain.MarketSpot, agg), router, "system", *log))
	manager.Add(wstream.NewConn("futures-trade", cfg.Exchange.FuturesWSURL,
		tradeHandler(domain.MarketFutures, agg), router, "system", *log))
	manager.Add(wstream.NewConn("futures-liquidation", cfg.Exchange.FuturesWSURL,
		liquidationHandler(liqFilter), router, "system", *log))

	manager.Start(rootCtx)
	sc.HookShutdownCallback("wstream-drain", manager.Wait)

	go coord.RunRefreshLoop(rootCtx)
	go coord.RunRecoveryLoop(rootCtx)
	go tracker.RunConfirmedWallLoop(rootCtx)
	go agg.RunFlushLoop(rootCtx)
	go liqFilter.RunDigestLoop(rootCtx)
	go router.RunFlushLoop(rootCtx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				spotBook.Prune()
				futuresBook.Prune()
			}
		}
	}()

	srv := buildHTTPServer(cfg, spotBook, futuresBook, tracker, router)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("ops http server stopped")
		}
	}()
	sc.HookShutdownCallback("ops-http-close", func() { _ = srv.Close() })

	log.Info().Str("http_addr", cfg.HTTPAddr).Msg("btcsentry started")
	sc.WaitForShutdown()
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Postgres.Host == "" {
		return memstore.New(), nil
	}
	return pgstore.Open(cfg.Postgres.DSN())
}

// depthHandler decodes depthUpdate payloads, applies them to book, and
// forwards any resulting wall-lifecycle events to tracker.
func depthHandler(book *orderbook.OrderBook, tracker *walltracker.Tracker) wstream.Handler {
	return func(kind wstream.StreamKind, data json.RawMessage) {
		if kind != wstream.KindDepth {
			return
		}
		diff, err := binancewire.DecodeDepthUpdate(data)
		if err != nil {
			return
		}
		events := book.OfferDiff(diff)
		tracker.HandleWallEvents(events)
	}
}

func tradeHandler(market domain.Market, agg *tradeagg.Aggregator) wstream.Handler {
	return func(kind wstream.StreamKind, data json.RawMessage) {
		if kind != wstream.KindAggTrade {
			return
		}
		trade, err := binancewire.DecodeAggTrade(market, data)
		if err != nil {
			return
		}
		agg.OnTrade(trade)
	}
}

func liquidationHandler(filter *liquidation.Filter) wstream.Handler {
	return func(kind wstream.StreamKind, data json.RawMessage) {
		if kind != wstream.KindForceOrder {
			return
		}
		symbol, ev, err := binancewire.DecodeForceOrder(data)
		if err != nil {
			return
		}
		filter.OnForceOrder(symbol, ev)
	}
}

func buildHTTPServer(cfg *config.Config, spotBook, futuresBook *orderbook.OrderBook, tracker *walltracker.Tracker, router *alertrouter.Router) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	ready := func() bool { return spotBook.Ready() && futuresBook.Ready() }
	snap := func() httpapi.Snapshot {
		spotDrops, spotViol := spotBook.Counters()
		futDrops, futViol := futuresBook.Counters()
		stats := router.Stats()
		return httpapi.Snapshot{
			StaleDiffDrops:        spotDrops + futDrops,
			SequencingViolations:  spotViol + futViol,
			OpenWalls:             tracker.OpenWallCount(),
			AlertsSent:            stats.Sent,
			AlertsFailed:          stats.Failed,
			AlertsDroppedDup:      stats.DroppedDup,
			AlertsDroppedOverflow: stats.DroppedOverflow,
		}
	}
	httpapi.Register(r, ready, snap)

	return &http.Server{Addr: cfg.HTTPAddr, Handler: r}
}
