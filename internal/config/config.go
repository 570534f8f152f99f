// Package config defines all configuration for the two strategy-core
// processes (arbbot, shockbot) and the polyctl CLI. Config is loaded from a
// YAML file (default: configs/config.yaml) with sensitive fields overridable
// via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polyarb/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	API         APIConfig         `mapstructure:"api"`
	Relayer     RelayerConfig     `mapstructure:"relayer"`
	Arbitrage   ArbitrageConfig   `mapstructure:"arbitrage"`
	ShockFade   ShockFadeConfig   `mapstructure:"shockfade"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Scanner     ScannerConfig     `mapstructure:"scanner"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	LeagueAPI   LeagueAPIConfig   `mapstructure:"league_api"`
}

// AuthMode selects how orders are funded and signed.
type AuthMode string

const (
	AuthModeEOA   AuthMode = "EOA"   // signer address is also the funder
	AuthModeProxy AuthMode = "PROXY" // signer signs for a separate Gnosis-Safe funder address
)

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string   `mapstructure:"private_key"`
	AuthMode      AuthMode `mapstructure:"auth_mode"`
	SignatureType int      `mapstructure:"signature_type"`
	FunderAddress string   `mapstructure:"funder_address"`
	ChainID       int      `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
	TakerFeeBps  int    `mapstructure:"taker_fee_bps"` // fee priced into FAK/FOK orders on fee-bearing venues
}

// RelayerConfig holds the gas-free relayer endpoint and builder credentials
// used to sign split/merge/redeem submissions.
type RelayerConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	ApiKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// ArbitrageConfig tunes the 15-minute Up/Down arbitrage core.
type ArbitrageConfig struct {
	BaseTradeSizeUSD float64       `mapstructure:"base_trade_size_usd"`
	BudgetPct        float64       `mapstructure:"budget_pct"`
	TargetTrades     int           `mapstructure:"target_trades"`
	PairCostTarget   float64       `mapstructure:"pair_cost_target"`
	StopMinute       int           `mapstructure:"stop_minute"`
	MaxCapitalPct    float64       `mapstructure:"max_capital_pct"`

	// Avellaneda-Stoikov parameters for NORMAL-mode reservation price.
	RiskAversionGamma float64       `mapstructure:"risk_aversion_gamma"`
	VolWindow         int           `mapstructure:"vol_window_ticks"`
	MaxLevelsPerSide  int           `mapstructure:"max_levels_per_side"`
	LevelSizeGrowth   float64       `mapstructure:"level_size_growth"` // 1.1^(cents below avg)
	MaxLevelSizeUSD   float64       `mapstructure:"max_level_size_usd"`

	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	StaleBookTimeout time.Duration `mapstructure:"stale_book_timeout"`
}

// ShockFadeConfig tunes the sports mean-reversion shock-fade core.
type ShockFadeConfig struct {
	PresplitUSD        float64       `mapstructure:"presplit_usd"`
	ZThreshold         float64       `mapstructure:"z_threshold"`
	AbsThresholdCents  float64       `mapstructure:"abs_threshold_cents"`
	WindowMs           int           `mapstructure:"window_ms"`
	CooldownMs         int           `mapstructure:"cooldown_ms"`
	PriceFloor         float64       `mapstructure:"price_floor"`
	PriceCeiling       float64       `mapstructure:"price_ceiling"`
	BurstCutoffMs      int           `mapstructure:"burst_cutoff_ms"`
	LadderLevels       int           `mapstructure:"ladder_levels"`
	LadderSpacingCents float64       `mapstructure:"ladder_spacing_cents"`
	FadeTargetCents    float64       `mapstructure:"fade_target_cents"`
	FadeWindow         time.Duration `mapstructure:"fade_window"`
	MergeCooldown      time.Duration `mapstructure:"merge_cooldown"`

	MaxConcurrentGames        int     `mapstructure:"max_concurrent_games"`
	MaxConcurrentCyclesPerGame int    `mapstructure:"max_concurrent_cycles_per_game"`
	ConsecutiveLossLimit      int     `mapstructure:"consecutive_loss_limit"`
	SessionLossLimitUSD       float64 `mapstructure:"session_loss_limit_usd"`
}

// RiskConfig sets hard limits that trigger order cancellation (kill switch).
// The shock-fade circuit-breaker limits live in ShockFadeConfig.
//
//   - MaxPositionPerMarket: max USD exposure in any single market.
//   - MaxGlobalExposure: max USD exposure across ALL active markets combined.
//   - MaxMarketsActive: cap on how many markets the bot trades simultaneously.
//   - KillSwitchDropPct: if price moves this % within the window, kill switch fires.
//   - KillSwitchWindowSec: time window for measuring rapid price movement.
//   - MaxDailyLoss: max combined (realized + unrealized) loss before kill switch.
//   - CooldownAfterKill: how long the kill switch stays engaged after firing.
type RiskConfig struct {
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxMarketsActive     int           `mapstructure:"max_markets_active"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

// ScannerConfig controls how the bot discovers and filters tradeable markets.
// The scanner polls the Gamma API and ranks markets by opportunity score:
// score = spread * sqrt(volume24h) * min(liquidity/10000, 1).
type ScannerConfig struct {
	Vertical            types.Vertical `mapstructure:"vertical"`
	PollInterval        time.Duration  `mapstructure:"poll_interval"`
	MinLiquidity        float64        `mapstructure:"min_liquidity"`
	MinVolume24h        float64        `mapstructure:"min_volume_24h"`
	MinSpread           float64        `mapstructure:"min_spread"`
	MaxEndDateDays      int            `mapstructure:"max_end_date_days"`
	MaxDurationMinutes  int            `mapstructure:"max_duration_minutes"` // 0 = unbounded; bounds crypto 15-min markets
	SlugPatterns        []string       `mapstructure:"slug_patterns"`        // required substrings, e.g. "up-or-down"
	ExcludeSlugs        []string       `mapstructure:"exclude_slugs"`
	IncludeConditionIDs []string       `mapstructure:"include_condition_ids"`
	IncludeSlugs        []string       `mapstructure:"include_slugs"`
	IncludeKeywords     []string       `mapstructure:"include_keywords"`
	ExcludeKeywords     []string       `mapstructure:"exclude_keywords"`
}

// StoreConfig sets where state is persisted (single embedded SQLite database).
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LeagueAPIConfig controls the read-only league API clients used by the
// shock-fade event classifier.
type LeagueAPIConfig struct {
	PoliteGap time.Duration `mapstructure:"polite_gap"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET,
// POLY_PASSPHRASE, POLY_RELAYER_API_KEY, POLY_RELAYER_SECRET, POLY_RELAYER_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("POLY_FUNDER_ADDRESS"); addr != "" {
		cfg.Wallet.FunderAddress = addr
	}
	if mode := os.Getenv("POLY_AUTH_MODE"); mode != "" {
		cfg.Wallet.AuthMode = AuthMode(strings.ToUpper(mode))
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if key := os.Getenv("POLY_RELAYER_API_KEY"); key != "" {
		cfg.Relayer.ApiKey = key
	}
	if secret := os.Getenv("POLY_RELAYER_SECRET"); secret != "" {
		cfg.Relayer.Secret = secret
	}
	if pass := os.Getenv("POLY_RELAYER_PASSPHRASE"); pass != "" {
		cfg.Relayer.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.AuthMode {
	case AuthModeEOA, AuthModeProxy, "":
	default:
		return fmt.Errorf("wallet.auth_mode must be EOA or PROXY")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Risk.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("risk.max_position_per_market must be > 0")
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return fmt.Errorf("risk.max_global_exposure must be > 0")
	}
	if c.Risk.MaxMarketsActive <= 0 {
		return fmt.Errorf("risk.max_markets_active must be > 0")
	}
	return nil
}

// ValidateArbitrage checks fields required specifically by the arbbot process.
func (c *Config) ValidateArbitrage() error {
	if c.Arbitrage.BaseTradeSizeUSD <= 0 {
		return fmt.Errorf("arbitrage.base_trade_size_usd must be > 0")
	}
	if c.Arbitrage.RiskAversionGamma <= 0 {
		return fmt.Errorf("arbitrage.risk_aversion_gamma must be > 0")
	}
	if c.Arbitrage.PairCostTarget <= 0 || c.Arbitrage.PairCostTarget >= 1 {
		return fmt.Errorf("arbitrage.pair_cost_target must be in (0,1)")
	}
	return nil
}

// ValidateShockFade checks fields required specifically by the shockbot process.
func (c *Config) ValidateShockFade() error {
	if c.ShockFade.PresplitUSD <= 0 {
		return fmt.Errorf("shockfade.presplit_usd must be > 0")
	}
	if c.ShockFade.ZThreshold <= 0 {
		return fmt.Errorf("shockfade.z_threshold must be > 0")
	}
	if c.ShockFade.LadderLevels <= 0 {
		return fmt.Errorf("shockfade.ladder_levels must be > 0")
	}
	return nil
}
