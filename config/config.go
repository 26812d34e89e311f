package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxLeverageHardCap is the absolute leverage ceiling. Configured values
// above this are clamped during validation regardless of their source.
const MaxLeverageHardCap = 2.0

// ExecutionMode selects how entries are placed.
type ExecutionMode string

const (
	ExecModeMarketOnly   ExecutionMode = "MARKET_ONLY"
	ExecModeBracket      ExecutionMode = "BRACKET"
	ExecModeLimitBracket ExecutionMode = "LIMIT_BRACKET"
)

type Config struct {
	KrakenConfig       KrakenConfig       `json:"kraken"`
	TradingConfig      TradingConfig      `json:"trading"`
	RiskConfig         RiskConfig         `json:"risk"`
	RegimeConfig       RegimeConfig       `json:"regime"`
	StrategyConfig     StrategyConfig     `json:"strategy"`
	ExecutionConfig    ExecutionConfig    `json:"execution"`
	ProfitTargetConfig ProfitTargetConfig `json:"profit_target"`
	WatchdogConfig     WatchdogConfig     `json:"watchdog"`
	UniverseConfig     UniverseConfig     `json:"universe"`
	JournalConfig      JournalConfig      `json:"journal"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	VaultConfig        VaultConfig        `json:"vault"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	FeatureFlags       FeatureFlags       `json:"features"`
}

// KrakenConfig holds exchange connectivity settings
type KrakenConfig struct {
	APIKey        string        `json:"api_key"`
	APISecret     string        `json:"api_secret"`
	RESTBaseURL   string        `json:"rest_base_url"`
	WSAuthURL     string        `json:"ws_auth_url"`
	PaperMode     bool          `json:"paper_mode"`     // Simulated fills instead of live orders
	PaperSlipBps  float64       `json:"paper_slip_bps"` // Bid/ask slippage in basis points
	MakerFeePct   float64       `json:"maker_fee_pct"`
	TakerFeePct   float64       `json:"taker_fee_pct"`
	PaperStateDir string        `json:"paper_state_dir"`
	CallTimeout   time.Duration `json:"call_timeout"`
	PairCacheTTL  time.Duration `json:"pair_cache_ttl"`
}

// TradingConfig holds the autonomous loop settings
type TradingConfig struct {
	Symbols          []string `json:"symbols"`
	TradeIntervalSec int      `json:"trade_interval_sec"`
	WorkerCount      int      `json:"worker_count"`       // Bounded per-tick symbol fan-out
	ShutdownGraceSec int      `json:"shutdown_grace_sec"` // Wait for in-flight brackets on shutdown
	HeartbeatFile    string   `json:"heartbeat_file"`
}

// RiskConfig holds the risk gate limits
type RiskConfig struct {
	RiskPerTradePct      float64       `json:"risk_per_trade_pct"`  // Percentage of equity risked per trade
	MaxActiveRiskPct     float64       `json:"max_active_risk_pct"` // Aggregate open risk ceiling
	MaxPositionUSD       float64       `json:"max_position_usd"`
	MaxTradesPerDay      int           `json:"max_trades_per_day"`
	MaxTradesPerSymbol   int           `json:"max_trades_per_symbol"`
	MaxDailyLossUSD      float64       `json:"max_daily_loss_usd"` // Kill switch threshold
	MinRiskRewardRatio   float64       `json:"min_risk_reward_ratio"`
	EnableShorts         bool          `json:"enable_shorts"`
	MaxLeverage          float64       `json:"max_leverage"`
	MaxMarginExposurePct float64       `json:"max_margin_exposure_pct"`
	CooldownMinutes      int           `json:"cooldown_minutes"` // Per-symbol cooldown after a close
	PauseDuration        time.Duration `json:"pause_duration"`   // Global pause after critical failures
	FeeGateEnabled       bool          `json:"fee_gate_enabled"`
	FeeGateSafetyMult    float64       `json:"fee_gate_safety_mult"`
	RegimeFilterEnabled  bool          `json:"regime_filter_enabled"`
	MinATRPct            float64       `json:"min_atr_pct"` // Regime filter: minimum ATR as % of price
	Min24hVolumeUSD      float64       `json:"min_24h_volume_usd"`
	DustEpsilon          float64       `json:"dust_epsilon"` // Residual quantity treated as flat
}

// RegimeConfig holds the regime detector thresholds
type RegimeConfig struct {
	ADXThreshold          float64 `json:"adx_threshold"`
	MinADX                float64 `json:"min_adx"`
	MinVolatilityPct      float64 `json:"min_volatility_pct"` // ATR/price floor
	MinVolume             float64 `json:"min_volume"`
	ATRSpikeMultiplier    float64 `json:"atr_spike_multiplier"`
	BreakoutMarginATR     float64 `json:"breakout_margin_atr"`
	VolumeSpikeMultiplier float64 `json:"volume_spike_multiplier"`
	MaxRangeWidthPct      float64 `json:"max_range_width_pct"`
	BBPeriod              int     `json:"bb_period"`
	BBStdDev              float64 `json:"bb_std_dev"`
}

// StrategyConfig holds setup tuning for the orchestrator
type StrategyConfig struct {
	TrendPullbackPct    float64 `json:"trend_pullback_pct"` // Entry distance from SMA20, percent
	TrendRSIMax         float64 `json:"trend_rsi_max"`
	RangeBandPercentile float64 `json:"range_band_percentile"` // Lower-band zone as fraction of band width
	RangeRSIMax         float64 `json:"range_rsi_max"`
	TrendStopATR        float64 `json:"trend_stop_atr"`
	TrendTargetATR      float64 `json:"trend_target_atr"`
	BreakoutStopATR     float64 `json:"breakout_stop_atr"`
	BreakoutTargetATR   float64 `json:"breakout_target_atr"`
	HTFAlignedBoost     float64 `json:"htf_aligned_boost"` // Confidence bonus when HTF agrees
}

// ExecutionConfig holds bracket placement settings
type ExecutionConfig struct {
	Mode             ExecutionMode `json:"mode"`
	LimitOffsetPct   float64       `json:"limit_offset_pct"` // LIMIT_BRACKET entry offset from last
	FillTimeout      time.Duration `json:"fill_timeout"`
	FillPollInterval time.Duration `json:"fill_poll_interval"`
	PlacementRetries int           `json:"placement_retries"`
}

// ProfitTargetConfig holds the daily profit target state machine settings
type ProfitTargetConfig struct {
	Enabled       bool          `json:"enabled"`
	TargetPctMin  float64       `json:"target_pct_min"`
	TargetPctMax  float64       `json:"target_pct_max"`
	PauseDuration time.Duration `json:"pause_duration"`
}

// WatchdogConfig holds API health probe settings
type WatchdogConfig struct {
	Enabled                bool          `json:"enabled"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	MaxLatency             time.Duration `json:"max_latency"`
	ProbeTimeout           time.Duration `json:"probe_timeout"`
}

// UniverseConfig holds the dynamic symbol scanner settings
type UniverseConfig struct {
	Enabled       bool          `json:"enabled"`
	QuoteCurrency string        `json:"quote_currency"`
	MaxSymbols    int           `json:"max_symbols"`
	MinVolumeUSD  float64       `json:"min_volume_usd"`
	Whitelist     []string      `json:"whitelist"`
	Blacklist     []string      `json:"blacklist"`
	ScanInterval  time.Duration `json:"scan_interval"`
}

// JournalConfig holds durable log settings
type JournalConfig struct {
	DataDir string `json:"data_dir"`
}

// DatabaseConfig holds PostgreSQL settings for the journal primary store
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

// RedisConfig holds Redis settings for sequences and cooldown persistence
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ServerConfig holds the control API settings
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig holds operator authentication for the control API
type AuthConfig struct {
	Enabled              bool          `json:"enabled"`
	JWTSecret            string        `json:"jwt_secret"`
	OperatorUsername     string        `json:"operator_username"`
	OperatorPasswordHash string        `json:"operator_password_hash"` // bcrypt hash
	AccessTokenDuration  time.Duration `json:"access_token_duration"`
}

// VaultConfig holds optional Vault-backed credential loading
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// NotificationConfig holds operator alert settings
type NotificationConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level       string `json:"level"`  // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"` // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// FeatureFlags gates optional subsystems
type FeatureFlags struct {
	ProfitTarget   bool `json:"profit_target"`
	APIWatchdog    bool `json:"api_watchdog"`
	MultiTimeframe bool `json:"multi_timeframe"`
	CryptoUniverse bool `json:"crypto_universe"`
	Backtest       bool `json:"backtest"`
}

// Load reads the optional JSON config file and overlays environment
// variables on top. Environment values take precedence.
func Load() (*Config, error) {
	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Kraken config
	cfg.KrakenConfig.APIKey = getEnvOrDefault("KRAKEN_API_KEY", cfg.KrakenConfig.APIKey)
	cfg.KrakenConfig.APISecret = getEnvOrDefault("KRAKEN_API_SECRET", cfg.KrakenConfig.APISecret)
	cfg.KrakenConfig.RESTBaseURL = getEnvOrDefault("KRAKEN_REST_URL", defaultString(cfg.KrakenConfig.RESTBaseURL, "https://api.kraken.com"))
	cfg.KrakenConfig.WSAuthURL = getEnvOrDefault("KRAKEN_WS_AUTH_URL", defaultString(cfg.KrakenConfig.WSAuthURL, "wss://ws-auth.kraken.com/v2"))
	cfg.KrakenConfig.PaperMode = getEnvBoolOrDefault("PAPER_MODE", cfg.KrakenConfig.PaperMode)
	cfg.KrakenConfig.PaperSlipBps = getEnvFloatOrDefault("PAPER_SLIP_BPS", defaultFloat(cfg.KrakenConfig.PaperSlipBps, 5))
	cfg.KrakenConfig.MakerFeePct = getEnvFloatOrDefault("MAKER_FEE_PCT", defaultFloat(cfg.KrakenConfig.MakerFeePct, 0.16))
	cfg.KrakenConfig.TakerFeePct = getEnvFloatOrDefault("TAKER_FEE_PCT", defaultFloat(cfg.KrakenConfig.TakerFeePct, 0.26))
	cfg.KrakenConfig.PaperStateDir = getEnvOrDefault("PAPER_STATE_DIR", defaultString(cfg.KrakenConfig.PaperStateDir, "data/paper"))
	cfg.KrakenConfig.CallTimeout = getEnvDurationOrDefault("KRAKEN_CALL_TIMEOUT", defaultDuration(cfg.KrakenConfig.CallTimeout, 10*time.Second))
	cfg.KrakenConfig.PairCacheTTL = getEnvDurationOrDefault("KRAKEN_PAIR_CACHE_TTL", defaultDuration(cfg.KrakenConfig.PairCacheTTL, time.Hour))

	// Trading config
	if symbols := os.Getenv("TRADE_SYMBOLS"); symbols != "" {
		cfg.TradingConfig.Symbols = splitAndTrim(symbols)
	}
	if len(cfg.TradingConfig.Symbols) == 0 {
		cfg.TradingConfig.Symbols = []string{"BTC/USD", "ETH/USD"}
	}
	cfg.TradingConfig.TradeIntervalSec = getEnvIntOrDefault("TRADE_INTERVAL_SEC", defaultInt(cfg.TradingConfig.TradeIntervalSec, 60))
	cfg.TradingConfig.WorkerCount = getEnvIntOrDefault("TRADE_WORKER_COUNT", defaultInt(cfg.TradingConfig.WorkerCount, 1))
	cfg.TradingConfig.ShutdownGraceSec = getEnvIntOrDefault("SHUTDOWN_GRACE_SEC", defaultInt(cfg.TradingConfig.ShutdownGraceSec, 30))
	cfg.TradingConfig.HeartbeatFile = getEnvOrDefault("HEARTBEAT_FILE", defaultString(cfg.TradingConfig.HeartbeatFile, "data/meta/heartbeat.json"))

	// Risk config
	cfg.RiskConfig.RiskPerTradePct = getEnvFloatOrDefault("RISK_PER_TRADE_PCT", defaultFloat(cfg.RiskConfig.RiskPerTradePct, 2.0))
	cfg.RiskConfig.MaxActiveRiskPct = getEnvFloatOrDefault("MAX_ACTIVE_RISK_PCT", defaultFloat(cfg.RiskConfig.MaxActiveRiskPct, 6.0))
	cfg.RiskConfig.MaxPositionUSD = getEnvFloatOrDefault("MAX_POSITION_USD", defaultFloat(cfg.RiskConfig.MaxPositionUSD, 500))
	cfg.RiskConfig.MaxTradesPerDay = getEnvIntOrDefault("MAX_TRADES_PER_DAY", defaultInt(cfg.RiskConfig.MaxTradesPerDay, 10))
	cfg.RiskConfig.MaxTradesPerSymbol = getEnvIntOrDefault("MAX_TRADES_PER_SYMBOL", defaultInt(cfg.RiskConfig.MaxTradesPerSymbol, 3))
	cfg.RiskConfig.MaxDailyLossUSD = getEnvFloatOrDefault("MAX_DAILY_LOSS_USD", defaultFloat(cfg.RiskConfig.MaxDailyLossUSD, 50))
	cfg.RiskConfig.MinRiskRewardRatio = getEnvFloatOrDefault("MIN_RISK_REWARD_RATIO", defaultFloat(cfg.RiskConfig.MinRiskRewardRatio, 1.2))
	cfg.RiskConfig.EnableShorts = getEnvBoolOrDefault("ENABLE_SHORTS", cfg.RiskConfig.EnableShorts)
	cfg.RiskConfig.MaxLeverage = getEnvFloatOrDefault("MAX_LEVERAGE", defaultFloat(cfg.RiskConfig.MaxLeverage, 1.0))
	cfg.RiskConfig.MaxMarginExposurePct = getEnvFloatOrDefault("MAX_MARGIN_EXPOSURE_PCT", cfg.RiskConfig.MaxMarginExposurePct)
	cfg.RiskConfig.CooldownMinutes = getEnvIntOrDefault("COOLDOWN_MINUTES", defaultInt(cfg.RiskConfig.CooldownMinutes, 30))
	cfg.RiskConfig.PauseDuration = getEnvDurationOrDefault("GLOBAL_PAUSE_DURATION", defaultDuration(cfg.RiskConfig.PauseDuration, 6*time.Hour))
	cfg.RiskConfig.FeeGateEnabled = getEnvBoolOrDefault("FEE_GATE_ENABLED", cfg.RiskConfig.FeeGateEnabled)
	cfg.RiskConfig.FeeGateSafetyMult = getEnvFloatOrDefault("FEE_GATE_SAFETY_MULT", defaultFloat(cfg.RiskConfig.FeeGateSafetyMult, 1.5))
	cfg.RiskConfig.RegimeFilterEnabled = getEnvBoolOrDefault("REGIME_FILTER_ENABLED", cfg.RiskConfig.RegimeFilterEnabled)
	cfg.RiskConfig.MinATRPct = getEnvFloatOrDefault("RISK_MIN_ATR_PCT", defaultFloat(cfg.RiskConfig.MinATRPct, 0.1))
	cfg.RiskConfig.Min24hVolumeUSD = getEnvFloatOrDefault("RISK_MIN_24H_VOLUME_USD", cfg.RiskConfig.Min24hVolumeUSD)
	cfg.RiskConfig.DustEpsilon = getEnvFloatOrDefault("DUST_EPSILON", defaultFloat(cfg.RiskConfig.DustEpsilon, 1e-8))

	// Regime config
	cfg.RegimeConfig.ADXThreshold = getEnvFloatOrDefault("REGIME_ADX_THRESHOLD", defaultFloat(cfg.RegimeConfig.ADXThreshold, 25))
	cfg.RegimeConfig.MinADX = getEnvFloatOrDefault("REGIME_MIN_ADX", defaultFloat(cfg.RegimeConfig.MinADX, 10))
	cfg.RegimeConfig.MinVolatilityPct = getEnvFloatOrDefault("REGIME_MIN_VOLATILITY_PCT", defaultFloat(cfg.RegimeConfig.MinVolatilityPct, 0.05))
	cfg.RegimeConfig.MinVolume = getEnvFloatOrDefault("REGIME_MIN_VOLUME", cfg.RegimeConfig.MinVolume)
	cfg.RegimeConfig.ATRSpikeMultiplier = getEnvFloatOrDefault("REGIME_ATR_SPIKE_MULT", defaultFloat(cfg.RegimeConfig.ATRSpikeMultiplier, 1.5))
	cfg.RegimeConfig.BreakoutMarginATR = getEnvFloatOrDefault("REGIME_BREAKOUT_MARGIN_ATR", defaultFloat(cfg.RegimeConfig.BreakoutMarginATR, 0.25))
	cfg.RegimeConfig.VolumeSpikeMultiplier = getEnvFloatOrDefault("REGIME_VOLUME_SPIKE_MULT", defaultFloat(cfg.RegimeConfig.VolumeSpikeMultiplier, 1.5))
	cfg.RegimeConfig.MaxRangeWidthPct = getEnvFloatOrDefault("REGIME_MAX_RANGE_WIDTH_PCT", defaultFloat(cfg.RegimeConfig.MaxRangeWidthPct, 4.0))
	cfg.RegimeConfig.BBPeriod = getEnvIntOrDefault("REGIME_BB_PERIOD", defaultInt(cfg.RegimeConfig.BBPeriod, 20))
	cfg.RegimeConfig.BBStdDev = getEnvFloatOrDefault("REGIME_BB_STD_DEV", defaultFloat(cfg.RegimeConfig.BBStdDev, 2.0))

	// Strategy config
	cfg.StrategyConfig.TrendPullbackPct = getEnvFloatOrDefault("STRAT_TREND_PULLBACK_PCT", defaultFloat(cfg.StrategyConfig.TrendPullbackPct, 0.2))
	cfg.StrategyConfig.TrendRSIMax = getEnvFloatOrDefault("STRAT_TREND_RSI_MAX", defaultFloat(cfg.StrategyConfig.TrendRSIMax, 70))
	cfg.StrategyConfig.RangeBandPercentile = getEnvFloatOrDefault("STRAT_RANGE_BAND_PERCENTILE", defaultFloat(cfg.StrategyConfig.RangeBandPercentile, 0.25))
	cfg.StrategyConfig.RangeRSIMax = getEnvFloatOrDefault("STRAT_RANGE_RSI_MAX", defaultFloat(cfg.StrategyConfig.RangeRSIMax, 40))
	cfg.StrategyConfig.TrendStopATR = getEnvFloatOrDefault("STRAT_TREND_STOP_ATR", defaultFloat(cfg.StrategyConfig.TrendStopATR, 2.0))
	cfg.StrategyConfig.TrendTargetATR = getEnvFloatOrDefault("STRAT_TREND_TARGET_ATR", defaultFloat(cfg.StrategyConfig.TrendTargetATR, 3.0))
	cfg.StrategyConfig.BreakoutStopATR = getEnvFloatOrDefault("STRAT_BREAKOUT_STOP_ATR", defaultFloat(cfg.StrategyConfig.BreakoutStopATR, 2.5))
	cfg.StrategyConfig.BreakoutTargetATR = getEnvFloatOrDefault("STRAT_BREAKOUT_TARGET_ATR", defaultFloat(cfg.StrategyConfig.BreakoutTargetATR, 4.0))
	cfg.StrategyConfig.HTFAlignedBoost = getEnvFloatOrDefault("STRAT_HTF_ALIGNED_BOOST", defaultFloat(cfg.StrategyConfig.HTFAlignedBoost, 0.15))

	// Execution config
	cfg.ExecutionConfig.Mode = ExecutionMode(getEnvOrDefault("EXECUTION_MODE", defaultString(string(cfg.ExecutionConfig.Mode), string(ExecModeBracket))))
	cfg.ExecutionConfig.LimitOffsetPct = getEnvFloatOrDefault("EXECUTION_LIMIT_OFFSET_PCT", defaultFloat(cfg.ExecutionConfig.LimitOffsetPct, 0.05))
	cfg.ExecutionConfig.FillTimeout = getEnvDurationOrDefault("EXECUTION_FILL_TIMEOUT", defaultDuration(cfg.ExecutionConfig.FillTimeout, 30*time.Second))
	cfg.ExecutionConfig.FillPollInterval = getEnvDurationOrDefault("EXECUTION_FILL_POLL_INTERVAL", defaultDuration(cfg.ExecutionConfig.FillPollInterval, 2*time.Second))
	cfg.ExecutionConfig.PlacementRetries = getEnvIntOrDefault("EXECUTION_PLACEMENT_RETRIES", defaultInt(cfg.ExecutionConfig.PlacementRetries, 3))

	// Profit target config
	cfg.ProfitTargetConfig.Enabled = getEnvBoolOrDefault("PROFIT_TARGET_ENABLED", cfg.ProfitTargetConfig.Enabled)
	cfg.ProfitTargetConfig.TargetPctMin = getEnvFloatOrDefault("PROFIT_TARGET_PCT_MIN", defaultFloat(cfg.ProfitTargetConfig.TargetPctMin, 0.003))
	cfg.ProfitTargetConfig.TargetPctMax = getEnvFloatOrDefault("PROFIT_TARGET_PCT_MAX", defaultFloat(cfg.ProfitTargetConfig.TargetPctMax, 0.008))
	cfg.ProfitTargetConfig.PauseDuration = getEnvDurationOrDefault("PROFIT_TARGET_PAUSE", defaultDuration(cfg.ProfitTargetConfig.PauseDuration, 6*time.Hour))

	// Watchdog config
	cfg.WatchdogConfig.Enabled = getEnvBoolOrDefault("WATCHDOG_ENABLED", cfg.WatchdogConfig.Enabled)
	cfg.WatchdogConfig.MaxConsecutiveFailures = getEnvIntOrDefault("WATCHDOG_MAX_FAILURES", defaultInt(cfg.WatchdogConfig.MaxConsecutiveFailures, 5))
	cfg.WatchdogConfig.MaxLatency = getEnvDurationOrDefault("WATCHDOG_MAX_LATENCY", defaultDuration(cfg.WatchdogConfig.MaxLatency, 3*time.Second))
	cfg.WatchdogConfig.ProbeTimeout = getEnvDurationOrDefault("WATCHDOG_PROBE_TIMEOUT", defaultDuration(cfg.WatchdogConfig.ProbeTimeout, 5*time.Second))

	// Universe config
	cfg.UniverseConfig.Enabled = getEnvBoolOrDefault("UNIVERSE_ENABLED", cfg.UniverseConfig.Enabled)
	cfg.UniverseConfig.QuoteCurrency = getEnvOrDefault("UNIVERSE_QUOTE", defaultString(cfg.UniverseConfig.QuoteCurrency, "USD"))
	cfg.UniverseConfig.MaxSymbols = getEnvIntOrDefault("UNIVERSE_MAX_SYMBOLS", defaultInt(cfg.UniverseConfig.MaxSymbols, 10))
	cfg.UniverseConfig.MinVolumeUSD = getEnvFloatOrDefault("UNIVERSE_MIN_VOLUME_USD", defaultFloat(cfg.UniverseConfig.MinVolumeUSD, 1_000_000))
	if wl := os.Getenv("UNIVERSE_WHITELIST"); wl != "" {
		cfg.UniverseConfig.Whitelist = splitAndTrim(wl)
	}
	if bl := os.Getenv("UNIVERSE_BLACKLIST"); bl != "" {
		cfg.UniverseConfig.Blacklist = splitAndTrim(bl)
	}
	cfg.UniverseConfig.ScanInterval = getEnvDurationOrDefault("UNIVERSE_SCAN_INTERVAL", defaultDuration(cfg.UniverseConfig.ScanInterval, 15*time.Minute))

	// Journal config
	cfg.JournalConfig.DataDir = getEnvOrDefault("JOURNAL_DATA_DIR", defaultString(cfg.JournalConfig.DataDir, "data"))

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "trading_bot"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "trading_bot"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.OperatorUsername = getEnvOrDefault("AUTH_OPERATOR_USERNAME", defaultString(cfg.AuthConfig.OperatorUsername, "operator"))
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", defaultDuration(cfg.AuthConfig.AccessTokenDuration, 15*time.Minute))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "trading-bot/kraken"))

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.WebhookURL = getEnvOrDefault("NOTIFICATION_WEBHOOK_URL", cfg.NotificationConfig.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Feature flags
	cfg.FeatureFlags.ProfitTarget = getEnvBoolOrDefault("FEATURE_PROFIT_TARGET", cfg.FeatureFlags.ProfitTarget)
	cfg.FeatureFlags.APIWatchdog = getEnvBoolOrDefault("FEATURE_API_WATCHDOG", cfg.FeatureFlags.APIWatchdog)
	cfg.FeatureFlags.MultiTimeframe = getEnvBoolOrDefault("FEATURE_MULTI_TIMEFRAME", cfg.FeatureFlags.MultiTimeframe)
	cfg.FeatureFlags.CryptoUniverse = getEnvBoolOrDefault("FEATURE_CRYPTO_UNIVERSE", cfg.FeatureFlags.CryptoUniverse)
	cfg.FeatureFlags.Backtest = getEnvBoolOrDefault("FEATURE_BACKTEST", cfg.FeatureFlags.Backtest)
}

// Validate enforces cross-field invariants and hard caps.
func (c *Config) Validate() error {
	// Leverage hard cap applies no matter what the operator configured.
	if c.RiskConfig.MaxLeverage > MaxLeverageHardCap {
		c.RiskConfig.MaxLeverage = MaxLeverageHardCap
	}
	if c.RiskConfig.MaxLeverage <= 0 {
		c.RiskConfig.MaxLeverage = 1.0
	}

	if c.RiskConfig.RiskPerTradePct <= 0 || c.RiskConfig.RiskPerTradePct > 100 {
		return fmt.Errorf("risk_per_trade_pct must be in (0, 100], got %.2f", c.RiskConfig.RiskPerTradePct)
	}
	if c.RiskConfig.MaxActiveRiskPct < c.RiskConfig.RiskPerTradePct {
		return fmt.Errorf("max_active_risk_pct (%.2f) must be >= risk_per_trade_pct (%.2f)",
			c.RiskConfig.MaxActiveRiskPct, c.RiskConfig.RiskPerTradePct)
	}
	if c.RiskConfig.MinRiskRewardRatio <= 0 {
		return fmt.Errorf("min_risk_reward_ratio must be positive, got %.2f", c.RiskConfig.MinRiskRewardRatio)
	}
	if c.ProfitTargetConfig.TargetPctMin > c.ProfitTargetConfig.TargetPctMax {
		return fmt.Errorf("profit target pct min (%.4f) exceeds max (%.4f)",
			c.ProfitTargetConfig.TargetPctMin, c.ProfitTargetConfig.TargetPctMax)
	}
	switch c.ExecutionConfig.Mode {
	case ExecModeMarketOnly, ExecModeBracket, ExecModeLimitBracket:
	default:
		return fmt.Errorf("unknown execution mode %q", c.ExecutionConfig.Mode)
	}
	if c.TradingConfig.TradeIntervalSec <= 0 {
		return fmt.Errorf("trade_interval_sec must be positive, got %d", c.TradingConfig.TradeIntervalSec)
	}
	if c.TradingConfig.WorkerCount <= 0 {
		c.TradingConfig.WorkerCount = 1
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func defaultString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func defaultDuration(v, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return v
}
