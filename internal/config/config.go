// Package config defines all configuration for PolyEdge. Config is
// loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun        bool                `mapstructure:"dry_run"`
	Wallet        WalletConfig        `mapstructure:"wallet"`
	API           APIConfig           `mapstructure:"api"`
	Scanner       ScannerConfig       `mapstructure:"scanner"`
	AISwarm       AISwarmConfig       `mapstructure:"ai_swarm"`
	Arming        ArmingConfig        `mapstructure:"arming"`
	Store         StoreConfig         `mapstructure:"store"`
	ConfigSigning ConfigSigningConfig `mapstructure:"config_signing"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
// StartingBalanceUSD seeds the risk manager and AI budget caps before
// the first on-chain balance reconciliation updates them.
type WalletConfig struct {
	PrivateKey         string  `mapstructure:"private_key"`
	SignatureType      int     `mapstructure:"signature_type"`
	FunderAddress      string  `mapstructure:"funder_address"`
	ChainID            int     `mapstructure:"chain_id"`
	StartingBalanceUSD float64 `mapstructure:"starting_balance_usd"`
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
}

// ScannerConfig controls how the candidate pipeline's fast loop polls
// the registry and watchlist for markets to evaluate. The scoring
// weights and hard caps themselves are spec-locked (polyconst), not
// operator-tunable — only the poll cadence and Gamma paging are.
type ScannerConfig struct {
	FastLoopInterval time.Duration `mapstructure:"fast_loop_interval"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	GammaPageSize    int           `mapstructure:"gamma_page_size"`
}

// AISwarmConfig configures the evidence-to-probability AI swarm.
// Per-day and per-window USD budgets are computed from wallet size by
// internal/aiswarm (spec §13.3); this section only wires credentials
// and model selection.
type AISwarmConfig struct {
	OpenRouterAPIKey string   `mapstructure:"openrouter_api_key"`
	Models           []string `mapstructure:"models"`
	CalibrationModel string   `mapstructure:"calibration_model"`
}

// ArmingConfig wires the TOTP secret used by the two-step LIVE_ARMED
// ceremony (spec §5.6); the ceremony's timing windows are spec-locked.
type ArmingConfig struct {
	TOTPSecret string `mapstructure:"totp_secret"`
}

// StoreConfig sets where durable state is persisted: a Postgres DSN
// for the registry/watchlist/AI-budget tables, and local directories
// for the write-ahead log and crash-recovery position snapshots.
type StoreConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	WALPath     string `mapstructure:"wal_path"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

// ConfigSigningConfig wires the operator key used to verify the signed
// config manifest on startup (spec §22).
type ConfigSigningConfig struct {
	ConfigDir   string `mapstructure:"config_dir"`
	OperatorKey string `mapstructure:"operator_key"`
}

// SecretsConfig points at the directory of individually-permissioned
// secret files loaded during startup (spec §22.2).
type SecretsConfig struct {
	SecretsDir string `mapstructure:"secrets_dir"`
}

// ObservabilityConfig wires Telegram alerting. A blank BotToken falls
// back to a logging-only NoopAlerter rather than failing startup.
type ObservabilityConfig struct {
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   int64  `mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, POLY_OPENROUTER_API_KEY,
// POLY_TELEGRAM_BOT_TOKEN, POLY_CONFIG_OPERATOR_KEY.
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

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
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
	if key := os.Getenv("POLY_OPENROUTER_API_KEY"); key != "" {
		cfg.AISwarm.OpenRouterAPIKey = key
	}
	if token := os.Getenv("POLY_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Observability.TelegramBotToken = token
	}
	if key := os.Getenv("POLY_CONFIG_OPERATOR_KEY"); key != "" {
		cfg.ConfigSigning.OperatorKey = key
	}
	if secret := os.Getenv("POLY_ARMING_TOTP_SECRET"); secret != "" {
		cfg.Arming.TOTPSecret = secret
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
	if c.Wallet.StartingBalanceUSD <= 0 {
		return fmt.Errorf("wallet.starting_balance_usd must be > 0")
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
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.Scanner.FastLoopInterval <= 0 {
		return fmt.Errorf("scanner.fast_loop_interval must be > 0")
	}
	if c.Scanner.RefreshInterval <= 0 {
		return fmt.Errorf("scanner.refresh_interval must be > 0")
	}
	if c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn is required")
	}
	if c.Store.WALPath == "" {
		return fmt.Errorf("store.wal_path is required")
	}
	if c.Store.SnapshotDir == "" {
		return fmt.Errorf("store.snapshot_dir is required")
	}
	if c.ConfigSigning.ConfigDir == "" {
		return fmt.Errorf("config_signing.config_dir is required")
	}
	if c.ConfigSigning.OperatorKey == "" {
		return fmt.Errorf("config_signing.operator_key is required (set POLY_CONFIG_OPERATOR_KEY)")
	}
	if c.Secrets.SecretsDir == "" {
		return fmt.Errorf("secrets.secrets_dir is required")
	}
	if len(c.AISwarm.Models) == 0 {
		return fmt.Errorf("ai_swarm.models must list at least one model")
	}
	if c.AISwarm.CalibrationModel == "" {
		return fmt.Errorf("ai_swarm.calibration_model is required")
	}
	return nil
}
