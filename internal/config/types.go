package config

// Config is the full configuration document. Every numeric tuning value of
// the core (thresholds, windows, clamps) lives here rather than in code.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Ledger    LedgerConfig     `mapstructure:"ledger"`
	Broker    BrokerConfig     `mapstructure:"broker"`
	Market    MarketConfig     `mapstructure:"market"`
	Reconcile ReconcileConfig  `mapstructure:"reconcile"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Execution ExecutionConfig  `mapstructure:"execution"`
	Strategy  StrategyConfig   `mapstructure:"strategy"`
	Pairs     []PairConfig     `mapstructure:"pairs"`
	Universe  []InstrumentDecl `mapstructure:"universe"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	HTTP      HTTPConfig       `mapstructure:"http"`
}

type AppConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	CycleInterval  string `mapstructure:"cycle_interval"`
	RunImmediately bool   `mapstructure:"run_immediately"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

type BrokerConfig struct {
	Adapter        string        `mapstructure:"adapter"` // paper | binance
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
	Binance        BinanceConfig `mapstructure:"binance"`
}

type BinanceConfig struct {
	RESTBaseURL        string `mapstructure:"rest_base_url"`
	HTTPTimeoutSeconds int    `mapstructure:"http_timeout_seconds"`
	// Credentials come from the environment, never from this file.
	APIKeyEnv    string `mapstructure:"api_key_env"`
	APISecretEnv string `mapstructure:"api_secret_env"`
}

type MarketConfig struct {
	MaxSnapshotAgeSeconds int `mapstructure:"max_snapshot_age_seconds"`
}

type ReconcileConfig struct {
	HaltThreshold      float64 `mapstructure:"halt_threshold"`
	EmergencyThreshold float64 `mapstructure:"emergency_threshold"`
}

type RiskConfig struct {
	TargetVol         float64      `mapstructure:"target_vol"`
	VolFloor          float64      `mapstructure:"vol_floor"`
	MaxLeverage       float64      `mapstructure:"max_leverage"`
	EWMALambda        float64      `mapstructure:"ewma_lambda"`
	EWMAWeight        float64      `mapstructure:"ewma_weight"`
	RollingWindow     int          `mapstructure:"rolling_window"`
	MinObservations   int          `mapstructure:"min_observations"`
	PriorVol          float64      `mapstructure:"prior_vol"`
	BurnInClampLo     float64      `mapstructure:"burn_in_clamp_lo"`
	BurnInClampHi     float64      `mapstructure:"burn_in_clamp_hi"`
	VolIndexWeight    float64      `mapstructure:"vol_index_weight"`
	TrendWeight       float64      `mapstructure:"trend_weight"`
	DrawdownWeight    float64      `mapstructure:"drawdown_weight"`
	VolIndexLow       float64      `mapstructure:"vol_index_low"`
	VolIndexHigh      float64      `mapstructure:"vol_index_high"`
	DrawdownScale     float64      `mapstructure:"drawdown_scale"`
	TrendPeriod       int          `mapstructure:"trend_period"`
	EmergencyDrawdown float64      `mapstructure:"emergency_drawdown"`
	EmergencyScale    float64      `mapstructure:"emergency_scale"`
	Regime            RegimeConfig `mapstructure:"regime"`
}

type RegimeConfig struct {
	EnterElevated      float64 `mapstructure:"enter_elevated"`
	ExitElevated       float64 `mapstructure:"exit_elevated"`
	EnterCrisis        float64 `mapstructure:"enter_crisis"`
	ExitCrisis         float64 `mapstructure:"exit_crisis"`
	Persistence        int     `mapstructure:"persistence"`
	NormalMultiplier   float64 `mapstructure:"normal_multiplier"`
	ElevatedMultiplier float64 `mapstructure:"elevated_multiplier"`
	CrisisMultiplier   float64 `mapstructure:"crisis_multiplier"`
}

type ExecutionConfig struct {
	TTLSeconds             int            `mapstructure:"ttl_seconds"`
	ReplaceIntervalSeconds int            `mapstructure:"replace_interval_seconds"`
	MaxReplace             int            `mapstructure:"max_replace"`
	PollIntervalSeconds    int            `mapstructure:"poll_interval_seconds"`
	MinNotional            float64        `mapstructure:"min_notional"`
	AvoidWindows           []string       `mapstructure:"avoid_windows"`
	Slippage               SlippageConfig `mapstructure:"slippage"`
	PairSkewTrigger        float64        `mapstructure:"pair_skew_trigger"`
	PairConvergedSkew      float64        `mapstructure:"pair_converged_skew"`
	PairGraceSeconds       int            `mapstructure:"pair_grace_seconds"`
}

type SlippageConfig struct {
	Futures       float64 `mapstructure:"futures"`
	FXFutures     float64 `mapstructure:"fx_futures"`
	Stocks        float64 `mapstructure:"stocks"`
	Options       float64 `mapstructure:"options"`
	QuotelessMult float64 `mapstructure:"quoteless_mult"`
}

// StrategyConfig points at the handoff document the signal layer writes for
// each cycle.
type StrategyConfig struct {
	TargetsPath string `mapstructure:"targets_path"`
}

type PairConfig struct {
	SymbolA     string `mapstructure:"a"`
	SymbolB     string `mapstructure:"b"`
	HedgeSymbol string `mapstructure:"hedge"`
}

type InstrumentDecl struct {
	Symbol        string  `mapstructure:"symbol"`
	Class         string  `mapstructure:"class"`
	Multiplier    float64 `mapstructure:"multiplier"`
	TickSize      float64 `mapstructure:"tick_size"`
	LiquidityTier int     `mapstructure:"liquidity_tier"`
	Hedge         bool    `mapstructure:"hedge"`
}

type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}
