package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openperp/perpcore/params"
	"github.com/openperp/perpcore/pkg/api"
	"github.com/openperp/perpcore/pkg/core/house"
	"github.com/openperp/perpcore/pkg/core/market"
	"github.com/openperp/perpcore/pkg/metrics"
	"github.com/openperp/perpcore/pkg/oracle"
	"github.com/openperp/perpcore/pkg/settlement"
	"github.com/openperp/perpcore/pkg/storage"
	"github.com/openperp/perpcore/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Logging.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Logging.Level, cfg.Logging.LogFile)
	} else {
		logger, err = util.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("store_open_failed", zap.String("path", cfg.Storage.DBPath), zap.Error(err))
	}
	defer store.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mets := metrics.New(promReg)

	feed := oracle.NewStaticFeed()

	var journal settlement.Journal = settlement.NewNopJournal()
	if cfg.Storage.JournalPath != "" {
		fj, err := settlement.NewFileJournal(cfg.Storage.JournalPath)
		if err != nil {
			logger.Fatal("journal_open_failed", zap.String("path", cfg.Storage.JournalPath), zap.Error(err))
		}
		defer fj.Close()
		journal = fj
	}
	ledger := settlement.NewRecorderWithJournal(logger.Named("settlement"), journal)

	registry := market.NewRegistry()
	mkt, err := market.NewMarket("BTC-USD", "BTC", "USD", marketParams(cfg.Market))
	if err != nil {
		logger.Fatal("market_init_failed", zap.Error(err))
	}
	if err := registry.Register(mkt); err != nil {
		logger.Fatal("market_register_failed", zap.Error(err))
	}

	houses := make(map[string]*house.House, registry.Count())
	for _, m := range registry.List() {
		h, err := house.New(m, house.Options{
			Ledger:        ledger,
			Feed:          feed,
			Store:         store,
			Log:           logger.Named(m.Symbol),
			Metrics:       mets,
			InsuranceFund: common.HexToAddress(os.Getenv("INSURANCE_FUND_ADDR")),
		})
		if err != nil {
			logger.Fatal("house_init_failed", zap.String("symbol", m.Symbol), zap.Error(err))
		}
		houses[m.Symbol] = h
	}

	operator := common.HexToAddress(os.Getenv("OPERATOR_ADDR"))
	server := api.NewServer(houses, logger.Named("api"), promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("perpd_starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("db_path", cfg.Storage.DBPath),
		zap.Int("markets", registry.Count()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx, cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		return runLiquidationScanner(ctx, logger.Named("liquidator"), houses, operator, cfg.Server.LiquidationInterval)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("perpd_failed", zap.Error(err))
	}
	logger.Info("perpd_stopped")
}

func marketParams(d params.MarketDefaults) market.Params {
	return market.Params{
		BasisPoint:                 d.BasisPoint,
		BaseBasisPoint:             d.BaseBasisPoint,
		MaxLeverage:                d.MaxLeverage,
		MaintenanceMarginRatioBps:  d.MaintenanceMarginRatioBps,
		PartialLiquidationRatioBps: d.PartialLiquidationRatioBps,
		LiquidationFeeRatioBps:     d.LiquidationFeeRatioBps,
		LiquidationPenaltyRatioBps: d.LiquidationPenaltyRatioBps,
		TollRatioBps:               d.TollRatioBps,
		FundingPeriod:              d.FundingPeriod,
		MaxFindingWordsIndex:       d.MaxFindingWordsIndex,
		InitialPip:                 d.InitialPip,
	}
}

// runLiquidationScanner periodically walks every open position and
// liquidates the ones past the maintenance threshold, crediting the
// operator address with the liquidator reward.
func runLiquidationScanner(ctx context.Context, log *zap.Logger, houses map[string]*house.House, operator common.Address, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for symbol, h := range houses {
				threshold := h.Market().PartialLiquidationRatioBps
				for _, trader := range h.Traders() {
					d, err := h.GetMaintenanceDetail(trader)
					if err != nil {
						continue
					}
					if d.MarginRatio < threshold {
						continue
					}
					res, err := h.Liquidate(operator, trader)
					if err != nil {
						log.Warn("liquidation_failed",
							zap.String("symbol", symbol),
							zap.String("trader", trader.Hex()),
							zap.Error(err))
						continue
					}
					log.Info("position_liquidated",
						zap.String("symbol", symbol),
						zap.String("trader", trader.Hex()),
						zap.Bool("partial", res.Partial),
						zap.Int64("liquidated_size", res.LiquidatedSize))
				}
			}
		}
	}
}
