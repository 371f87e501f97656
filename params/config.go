package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// MarketDefaults are the protocol-level market parameters. Ratios are in
// basis points of BaseBasisPoint.
type MarketDefaults struct {
	BasisPoint                 int64
	BaseBasisPoint             int64
	TollRatioBps               int64
	MaxLeverage                int64
	MaintenanceMarginRatioBps  int64
	PartialLiquidationRatioBps int64
	LiquidationFeeRatioBps     int64
	LiquidationPenaltyRatioBps int64
	MaxFindingWordsIndex       uint64
	InitialPip                 uint64
	FundingPeriod              time.Duration
}

type Server struct {
	ListenAddr string
	// LiquidationInterval paces the background scan over open positions.
	LiquidationInterval time.Duration
}

type Storage struct {
	DBPath string
	// JournalPath enables the settlement event journal; empty disables it.
	JournalPath string
}

type Logging struct {
	Level   string
	LogFile string // empty disables the file sink
}

type Config struct {
	Market  MarketDefaults
	Server  Server
	Storage Storage
	Logging Logging
}

func Default() Config {
	return Config{
		Market: MarketDefaults{
			BasisPoint:                 100,
			BaseBasisPoint:             10000,
			TollRatioBps:               10,
			MaxLeverage:                125,
			MaintenanceMarginRatioBps:  300,
			PartialLiquidationRatioBps: 8000,
			LiquidationFeeRatioBps:     300,
			LiquidationPenaltyRatioBps: 2000,
			MaxFindingWordsIndex:       1800,
			InitialPip:                 500000,
			FundingPeriod:              time.Hour,
		},
		Server: Server{
			ListenAddr:          ":8080",
			LiquidationInterval: time.Second,
		},
		Storage: Storage{
			DBPath: "data/perp.db",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	setInt64(&cfg.Market.TollRatioBps, "MARKET_TOLL_RATIO_BPS")
	setInt64(&cfg.Market.MaxLeverage, "MARKET_MAX_LEVERAGE")
	setInt64(&cfg.Market.MaintenanceMarginRatioBps, "MARKET_MAINTENANCE_MARGIN_RATIO_BPS")
	setInt64(&cfg.Market.PartialLiquidationRatioBps, "MARKET_PARTIAL_LIQUIDATION_RATIO_BPS")
	setInt64(&cfg.Market.LiquidationFeeRatioBps, "MARKET_LIQUIDATION_FEE_RATIO_BPS")
	setInt64(&cfg.Market.LiquidationPenaltyRatioBps, "MARKET_LIQUIDATION_PENALTY_RATIO_BPS")
	setUint64(&cfg.Market.MaxFindingWordsIndex, "MARKET_MAX_FINDING_WORDS")
	setUint64(&cfg.Market.InitialPip, "MARKET_INITIAL_PIP")
	setDurationMs(&cfg.Market.FundingPeriod, "MARKET_FUNDING_PERIOD_MS")

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	setDurationMs(&cfg.Server.LiquidationInterval, "LIQUIDATION_INTERVAL_MS")

	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Storage.DBPath = path
	}
	if path := os.Getenv("SETTLEMENT_JOURNAL"); path != "" {
		cfg.Storage.JournalPath = path
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.Logging.LogFile = file
	}

	return cfg
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDurationMs(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
