package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Config struct {
	BinanceConfig   BinanceConfig   `json:"binance"`
	MarketConfig    MarketConfig    `json:"market"`
	FeatureConfig   FeatureConfig   `json:"features"`
	RegimeConfig    RegimeConfig    `json:"regime"`
	ForecastConfig  ForecastConfig  `json:"forecast"`
	RiskConfig      RiskConfig      `json:"risk"`
	GatesConfig     GatesConfig     `json:"gates"`
	ExecConfig      ExecConfig      `json:"exec"`
	ReconcileConfig ReconcileConfig `json:"reconcile"`
	GuardConfig     GuardConfig     `json:"guard"`
	MetricsConfig   MetricsConfig   `json:"metrics"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	ServerConfig    ServerConfig    `json:"server"`
	RedisConfig     RedisConfig     `json:"redis"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// BinanceConfig holds exchange connectivity settings
type BinanceConfig struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	BaseURL    string `json:"base_url"`
	WSBaseURL  string `json:"ws_base_url"`
	TestNet    bool   `json:"testnet"`
	MockMode   bool   `json:"mock_mode"`   // simulated client, no network
	RecvWindow int    `json:"recv_window"` // ms tolerance for signed calls
}

// MarketConfig selects the traded universe
type MarketConfig struct {
	Symbols    []string `json:"symbols"`
	Timeframes []string `json:"timeframes"`
	AnchorTF   string   `json:"anchor_tf"` // timeframe driving targets/orders
}

// FeatureConfig holds indicator lookbacks
type FeatureConfig struct {
	EMAFast          int `json:"ema_fast"`
	EMASlow          int `json:"ema_slow"`
	EMALong          int `json:"ema_long"`
	ATRPeriod        int `json:"atr_period"`
	RSIPeriod        int `json:"rsi_period"`
	RVPeriod         int `json:"rv_period"`
	PercentileWindow int `json:"percentile_window"`
	BollingerPeriod  int `json:"bollinger_period"`
	DonchianPeriod   int `json:"donchian_period"`
	ADXPeriod        int `json:"adx_period"`
	IchimokuTenkan   int `json:"ichimoku_tenkan"`
	IchimokuKijun    int `json:"ichimoku_kijun"`
	IchimokuSenkou   int `json:"ichimoku_senkou"`
	TwistHorizon     int `json:"twist_horizon"`
}

// RegimeConfig holds hysteresis thresholds for the regime state machine
type RegimeConfig struct {
	EmaUpOn      float64 `json:"ema_up_on"`
	EmaUpOff     float64 `json:"ema_up_off"`
	EmaDownOn    float64 `json:"ema_down_on"`
	EmaDownOff   float64 `json:"ema_down_off"`
	RvHighOn     float64 `json:"rv_high_on"`
	RvHighOff    float64 `json:"rv_high_off"`
	RvLowOn      float64 `json:"rv_low_on"`
	RvLowOff     float64 `json:"rv_low_off"`
	MinDwellBars int     `json:"min_dwell_bars"`
}

// ForecastConfig holds ensemble scaling and online-learning parameters
type ForecastConfig struct {
	SpreadScale  float64 `json:"spread_scale"`
	MRCenter     float64 `json:"mr_center"`
	MRScale      float64 `json:"mr_scale"`
	StrongThr    float64 `json:"strong_thr"`
	FlatThr      float64 `json:"flat_thr"`
	LambdaPerf   float64 `json:"lambda_perf"`
	WeightClipLo float64 `json:"weight_clip_lo"`
	WeightClipHi float64 `json:"weight_clip_hi"`
}

// RiskConfig holds position sizing and portfolio limits
type RiskConfig struct {
	RiskTargetPct  float64 `json:"risk_target_pct"`   // fraction of equity risked per position
	CorrCapPerSide float64 `json:"corr_cap_per_side"` // side notional cap as fraction of equity
	DayMaxLossPct  float64 `json:"day_max_loss_pct"`  // daily loss cut threshold (%)
	ATRMultiple    float64 `json:"atr_multiple"`      // stop distance = k * ATR
	MinNotional    float64 `json:"min_notional"`
	EquityOverride float64 `json:"equity_override"` // 0 = use account snapshot
	EquityDefault  float64 `json:"equity_default"`
}

// GatesConfig holds the entry vetoes evaluated before a forecast is sized.
// The confirm timeframe supplies the higher-timeframe Ichimoku context.
type GatesConfig struct {
	Enabled            bool    `json:"enabled"`
	ConfirmTF          string  `json:"confirm_tf"`
	TwistGuardBars     int     `json:"twist_guard_bars"`     // veto entries this close to a projected cloud twist
	ThickRankVeto      float64 `json:"thick_rank_veto"`      // cloud thickness percentile blocking breakout entries
	AlignMode          string  `json:"align_mode"`           // "soft" or "strict" regime alignment
	ReenterCooldownSec float64 `json:"reenter_cooldown_sec"` // wait after an exit before re-entering
}

// ExecConfig holds order routing behavior
type ExecConfig struct {
	Active          bool    `json:"active"` // live orders on/off (dry-run when false)
	CooldownSec     float64 `json:"cooldown_sec"`
	ToleranceRel    float64 `json:"tolerance_rel"`
	ToleranceAbs    float64 `json:"tolerance_abs"`
	MaxSlippageBps  float64 `json:"max_slippage_bps"`
	MaxAttempts     int     `json:"max_attempts"`
	RetryBackoffMs  int     `json:"retry_backoff_ms"`
	MinQtyPolicy    string  `json:"min_qty_policy"` // "bump" or "skip"
	ReduceOnly      bool    `json:"reduce_only"`
	IdemTTLSec      int     `json:"idem_ttl_sec"`
}

// ReconcileConfig holds fill reconciliation thresholds
type ReconcileConfig struct {
	SlipWarnPct       float64 `json:"slip_warn_pct"`
	SlipMaxPct        float64 `json:"slip_max_pct"`
	StaleRel          float64 `json:"stale_rel"`
	StaleSec          float64 `json:"stale_sec"`
	EpsilonAbs        float64 `json:"epsilon_abs"`
	EpsilonRel        float64 `json:"epsilon_rel"`
	EpsilonReportSec  float64 `json:"epsilon_report_sec"`
	PartialTimeoutSec float64 `json:"partial_timeout_sec"`
	DrainBatch        int     `json:"drain_batch"`
}

// GuardConfig holds the independent safety-layer limits
type GuardConfig struct {
	Enabled          bool    `json:"enabled"`
	MaxLeverTotal    float64 `json:"max_lever_total"`
	MaxLeverPerSym   float64 `json:"max_lever_per_sym"`
	StopPct          float64 `json:"stop_pct"`
	TrailActivatePct float64 `json:"trail_activate_pct"`
	TrailWidthPct    float64 `json:"trail_width_pct"`
}

// MetricsConfig holds execution-quality reporter settings
type MetricsConfig struct {
	WindowSec   int     `json:"window_sec"`
	AlertP90Bps float64 `json:"alert_p90_bps"`
	MinFills    int     `json:"min_fills"`
}

// SchedulerConfig holds per-task tick periods in seconds
type SchedulerConfig struct {
	FeaturesSec  float64 `json:"features_sec"`
	RegimeSec    float64 `json:"regime_sec"`
	ForecastSec  float64 `json:"forecast_sec"`
	RiskSec      float64 `json:"risk_sec"`
	RouterSec    float64 `json:"router_sec"`
	ReconcileSec float64 `json:"reconcile_sec"`
	GuardSec     float64 `json:"guard_sec"`
	AccountSec   float64 `json:"account_sec"`
	ReloadSec    float64 `json:"reload_sec"`
}

type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// Load reads config.json if present, then applies environment overrides and
// built-in defaults. Precedence: built-in default < file < environment.
func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile is Load with an explicit file path, used by the hot-reload store.
func LoadFile(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		cfg = &Config{}
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BinanceConfig.BaseURL == "" {
		cfg.BinanceConfig.BaseURL = "https://fapi.binance.com"
	}
	if cfg.BinanceConfig.WSBaseURL == "" {
		cfg.BinanceConfig.WSBaseURL = "wss://fstream.binance.com"
	}
	if cfg.BinanceConfig.RecvWindow == 0 {
		cfg.BinanceConfig.RecvWindow = 10000
	}
	if len(cfg.MarketConfig.Symbols) == 0 {
		cfg.MarketConfig.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if len(cfg.MarketConfig.Timeframes) == 0 {
		cfg.MarketConfig.Timeframes = []string{"5m", "15m", "1h", "4h"}
	}
	if cfg.MarketConfig.AnchorTF == "" {
		cfg.MarketConfig.AnchorTF = "5m"
	}

	f := &cfg.FeatureConfig
	setIntDefault(&f.EMAFast, 12)
	setIntDefault(&f.EMASlow, 26)
	setIntDefault(&f.EMALong, 200)
	setIntDefault(&f.ATRPeriod, 14)
	setIntDefault(&f.RSIPeriod, 14)
	setIntDefault(&f.RVPeriod, 20)
	setIntDefault(&f.PercentileWindow, 240)
	setIntDefault(&f.BollingerPeriod, 20)
	setIntDefault(&f.DonchianPeriod, 20)
	setIntDefault(&f.ADXPeriod, 14)
	setIntDefault(&f.IchimokuTenkan, 9)
	setIntDefault(&f.IchimokuKijun, 26)
	setIntDefault(&f.IchimokuSenkou, 52)
	setIntDefault(&f.TwistHorizon, 30)

	r := &cfg.RegimeConfig
	setFloatDefault(&r.EmaUpOn, 0.0010)
	setFloatDefault(&r.EmaUpOff, 0.0005)
	setFloatDefault(&r.EmaDownOn, -0.0010)
	setFloatDefault(&r.EmaDownOff, -0.0005)
	setFloatDefault(&r.RvHighOn, 0.70)
	setFloatDefault(&r.RvHighOff, 0.60)
	setFloatDefault(&r.RvLowOn, 0.30)
	setFloatDefault(&r.RvLowOff, 0.40)
	setIntDefault(&r.MinDwellBars, 3)

	fc := &cfg.ForecastConfig
	setFloatDefault(&fc.SpreadScale, 0.0010)
	setFloatDefault(&fc.MRCenter, 50.0)
	setFloatDefault(&fc.MRScale, 25.0)
	setFloatDefault(&fc.StrongThr, 0.60)
	setFloatDefault(&fc.FlatThr, 0.15)
	setFloatDefault(&fc.LambdaPerf, 0.02)
	setFloatDefault(&fc.WeightClipLo, 0.10)
	setFloatDefault(&fc.WeightClipHi, 0.80)

	rk := &cfg.RiskConfig
	setFloatDefault(&rk.RiskTargetPct, 0.30)
	setFloatDefault(&rk.CorrCapPerSide, 0.65)
	setFloatDefault(&rk.DayMaxLossPct, 3.0)
	setFloatDefault(&rk.ATRMultiple, 2.0)
	setFloatDefault(&rk.MinNotional, 20.0)
	setFloatDefault(&rk.EquityDefault, 1000.0)

	gt := &cfg.GatesConfig
	if gt.ConfirmTF == "" {
		gt.ConfirmTF = "4h"
	}
	setIntDefault(&gt.TwistGuardBars, 6)
	setFloatDefault(&gt.ThickRankVeto, 0.90)
	if gt.AlignMode == "" {
		gt.AlignMode = "soft"
	}
	setFloatDefault(&gt.ReenterCooldownSec, 60.0)

	ex := &cfg.ExecConfig
	setFloatDefault(&ex.CooldownSec, 5.0)
	setFloatDefault(&ex.ToleranceRel, 0.05)
	setFloatDefault(&ex.MaxSlippageBps, 20.0)
	setIntDefault(&ex.MaxAttempts, 3)
	setIntDefault(&ex.RetryBackoffMs, 500)
	if ex.MinQtyPolicy == "" {
		ex.MinQtyPolicy = "bump"
	}
	setIntDefault(&ex.IdemTTLSec, 7200)

	rc := &cfg.ReconcileConfig
	setFloatDefault(&rc.SlipWarnPct, 0.003)
	setFloatDefault(&rc.SlipMaxPct, 0.008)
	setFloatDefault(&rc.StaleRel, 0.5)
	setFloatDefault(&rc.StaleSec, 20.0)
	setFloatDefault(&rc.EpsilonAbs, 0.0001)
	setFloatDefault(&rc.EpsilonRel, 0.02)
	setFloatDefault(&rc.EpsilonReportSec, 60.0)
	setFloatDefault(&rc.PartialTimeoutSec, 45.0)
	setIntDefault(&rc.DrainBatch, 200)

	g := &cfg.GuardConfig
	setFloatDefault(&g.MaxLeverTotal, 2.5)
	setFloatDefault(&g.MaxLeverPerSym, 0.8)
	setFloatDefault(&g.StopPct, 3.0)
	setFloatDefault(&g.TrailActivatePct, 1.0)
	setFloatDefault(&g.TrailWidthPct, 0.6)

	m := &cfg.MetricsConfig
	setIntDefault(&m.WindowSec, 600)
	setFloatDefault(&m.AlertP90Bps, 8.0)
	setIntDefault(&m.MinFills, 5)

	s := &cfg.SchedulerConfig
	setFloatDefault(&s.FeaturesSec, 1.0)
	setFloatDefault(&s.RegimeSec, 1.0)
	setFloatDefault(&s.ForecastSec, 1.0)
	setFloatDefault(&s.RiskSec, 1.0)
	setFloatDefault(&s.RouterSec, 1.0)
	setFloatDefault(&s.ReconcileSec, 2.0)
	setFloatDefault(&s.GuardSec, 2.0)
	setFloatDefault(&s.AccountSec, 10.0)
	setFloatDefault(&s.ReloadSec, 20.0)

	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	setIntDefault(&cfg.ServerConfig.Port, 8080)
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.RedisConfig.Addr == "" {
		cfg.RedisConfig.Addr = "localhost:6379"
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_URL", cfg.BinanceConfig.WSBaseURL)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)
	cfg.BinanceConfig.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.BinanceConfig.MockMode)

	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.MarketConfig.Symbols = splitList(v)
	}
	if v := os.Getenv("TF_SIGNAL"); v != "" {
		cfg.MarketConfig.Timeframes = splitList(v)
	}
	cfg.MarketConfig.AnchorTF = getEnvOrDefault("TF_EXEC", cfg.MarketConfig.AnchorTF)

	cfg.RiskConfig.RiskTargetPct = getEnvFloatOrDefault("RISK_TARGET_PCT", cfg.RiskConfig.RiskTargetPct)
	cfg.RiskConfig.CorrCapPerSide = getEnvFloatOrDefault("CORR_CAP_PER_SIDE", cfg.RiskConfig.CorrCapPerSide)
	cfg.RiskConfig.DayMaxLossPct = getEnvFloatOrDefault("DAY_MAX_LOSS_PCT", cfg.RiskConfig.DayMaxLossPct)
	cfg.RiskConfig.ATRMultiple = getEnvFloatOrDefault("ATR_MULTIPLE", cfg.RiskConfig.ATRMultiple)
	cfg.RiskConfig.MinNotional = getEnvFloatOrDefault("MIN_NOTIONAL", cfg.RiskConfig.MinNotional)
	cfg.RiskConfig.EquityOverride = getEnvFloatOrDefault("EQUITY_OVERRIDE", cfg.RiskConfig.EquityOverride)

	cfg.GatesConfig.Enabled = getEnvBoolOrDefault("IK_GATES", cfg.GatesConfig.Enabled)
	cfg.GatesConfig.TwistGuardBars = getEnvIntOrDefault("IK_TWIST_GUARD", cfg.GatesConfig.TwistGuardBars)
	cfg.GatesConfig.ThickRankVeto = getEnvFloatOrDefault("IK_THICK_PCT", cfg.GatesConfig.ThickRankVeto)
	cfg.GatesConfig.AlignMode = getEnvOrDefault("REGIME_ALIGN_MODE", cfg.GatesConfig.AlignMode)
	cfg.GatesConfig.ReenterCooldownSec = getEnvFloatOrDefault("REENTER_COOLDOWN_S", cfg.GatesConfig.ReenterCooldownSec)

	cfg.ExecConfig.Active = getEnvBoolOrDefault("EXEC_ACTIVE", cfg.ExecConfig.Active)
	cfg.ExecConfig.CooldownSec = getEnvFloatOrDefault("EXEC_COOLDOWN_S", cfg.ExecConfig.CooldownSec)
	cfg.ExecConfig.MaxSlippageBps = getEnvFloatOrDefault("EXEC_SLIPPAGE_BPS", cfg.ExecConfig.MaxSlippageBps)
	cfg.ExecConfig.MaxAttempts = getEnvIntOrDefault("EXEC_MAX_ATTEMPTS", cfg.ExecConfig.MaxAttempts)
	cfg.ExecConfig.MinQtyPolicy = getEnvOrDefault("MIN_QTY_POLICY", cfg.ExecConfig.MinQtyPolicy)

	cfg.GuardConfig.Enabled = getEnvBoolOrDefault("GUARD_ENABLED", cfg.GuardConfig.Enabled)
	cfg.GuardConfig.MaxLeverTotal = getEnvFloatOrDefault("GUARD_MAX_LEVER_TOTAL", cfg.GuardConfig.MaxLeverTotal)
	cfg.GuardConfig.MaxLeverPerSym = getEnvFloatOrDefault("GUARD_MAX_LEVER_PER_SYM", cfg.GuardConfig.MaxLeverPerSym)
	cfg.GuardConfig.StopPct = getEnvFloatOrDefault("GUARD_STOP_PCT", cfg.GuardConfig.StopPct)
	cfg.GuardConfig.TrailActivatePct = getEnvFloatOrDefault("GUARD_TRAIL_ACTIVATE_PCT", cfg.GuardConfig.TrailActivatePct)
	cfg.GuardConfig.TrailWidthPct = getEnvFloatOrDefault("GUARD_TRAIL_WIDTH_PCT", cfg.GuardConfig.TrailWidthPct)

	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("OPS_SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("OPS_PORT", cfg.ServerConfig.Port)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DATABASE_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

func setIntDefault(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func setFloatDefault(p *float64, def float64) {
	if *p == 0 {
		*p = def
	}
}

// Store holds the live configuration and supports hot reload: the file and
// environment are re-read, compared against the current value, and swapped
// only when something actually changed.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  *Config
}

func NewStore(path string, initial *Config) *Store {
	return &Store{path: path, cur: initial}
}

// Current returns the active config. Callers must treat it as read-only.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Reload re-resolves the config chain and swaps it in if changed.
// Returns true when a swap happened.
func (s *Store) Reload() (bool, error) {
	fresh, err := LoadFile(s.path)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if reflect.DeepEqual(s.cur, fresh) {
		return false, nil
	}
	s.cur = fresh
	return true, nil
}

// SchedulerPeriod converts a seconds value to a duration with a sane floor.
func SchedulerPeriod(sec float64) time.Duration {
	if sec < 0.1 {
		sec = 0.1
	}
	return time.Duration(sec * float64(time.Second))
}
