package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"loanzzz/native/assets"
)

// Config captures the runtime settings for the lending engine daemon.
// Monetary thresholds are exact rationals; the raw string fields exist only
// for YAML decoding and are folded into the parsed values by normalize.
type Config struct {
	Environment string `yaml:"environment"`
	ListenPort  int    `yaml:"port"`
	FrontendURL string `yaml:"frontend_url"`

	DatabasePath    string `yaml:"database_path"`
	CoinGeckoAPIURL string `yaml:"coingecko_api_url"`

	InitialLTV         *big.Rat `yaml:"-"`
	MarginCallLTV      *big.Rat `yaml:"-"`
	LiquidationLTV     *big.Rat `yaml:"-"`
	HourlyInterestRate *big.Rat `yaml:"-"`
	LiquidationFee     *big.Rat `yaml:"-"`
	DailyYieldRate     *big.Rat `yaml:"-"`

	RawInitialLTV         string `yaml:"initial_ltv"`
	RawMarginCallLTV      string `yaml:"margin_call_ltv"`
	RawLiquidationLTV     string `yaml:"liquidation_ltv"`
	RawHourlyInterestRate string `yaml:"hourly_interest_rate"`
	RawLiquidationFee     string `yaml:"liquidation_fee"`
	RawDailyYieldRate     string `yaml:"daily_yield_rate"`

	ECashExplorerURL string `yaml:"ecash_explorer_url"`
	SolanaRPCURL     string `yaml:"solana_rpc_url"`
	EscrowXECAddress string `yaml:"escrow_xec_address"`
	EscrowSolAddress string `yaml:"escrow_sol_address"`

	RequireSignature bool          `yaml:"require_signature"`
	SessionSecret    string        `yaml:"session_secret"`
	SessionTTL       time.Duration `yaml:"session_ttl"`

	PriceTTL          time.Duration `yaml:"price_ttl"`
	PriceFetchTimeout time.Duration `yaml:"price_fetch_timeout"`
}

// Defaults returns the configuration the service boots with when nothing is
// set in the environment.
func Defaults() Config {
	return Config{
		Environment:        "dev",
		ListenPort:         3001,
		DatabasePath:       "./data/loanzzz.db",
		CoinGeckoAPIURL:    "https://api.coingecko.com/api/v3",
		InitialLTV:         assets.MustRat("65"),
		MarginCallLTV:      assets.MustRat("75"),
		LiquidationLTV:     assets.MustRat("83"),
		HourlyInterestRate: assets.MustRat("0.0001"),
		LiquidationFee:     assets.MustRat("0.02"),
		DailyYieldRate:     assets.MustRat("0.0001"),
		SessionTTL:         24 * time.Hour,
		PriceTTL:           60 * time.Second,
		PriceFetchTimeout:  5 * time.Second,
	}
}

// FromEnv builds a configuration from environment variables, starting from
// Defaults. Every parse failure names the offending variable.
func FromEnv() (Config, error) {
	cfg := Defaults()
	cfg.Environment = getenvDefault("LOANZZZ_ENV", cfg.Environment)
	cfg.FrontendURL = strings.TrimSpace(os.Getenv("FRONTEND_URL"))
	cfg.DatabasePath = getenvDefault("DATABASE_PATH", cfg.DatabasePath)
	cfg.CoinGeckoAPIURL = getenvDefault("COINGECKO_API_URL", cfg.CoinGeckoAPIURL)
	cfg.ECashExplorerURL = strings.TrimSpace(os.Getenv("ECASH_EXPLORER_URL"))
	cfg.SolanaRPCURL = strings.TrimSpace(os.Getenv("SOLANA_RPC_URL"))
	cfg.EscrowXECAddress = strings.TrimSpace(os.Getenv("ESCROW_XEC_ADDRESS"))
	cfg.EscrowSolAddress = strings.TrimSpace(os.Getenv("ESCROW_SOL_ADDRESS"))
	cfg.SessionSecret = strings.TrimSpace(os.Getenv("SESSION_SECRET"))

	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.ListenPort = port
	}
	if raw := strings.TrimSpace(os.Getenv("AUTH_REQUIRE_SIGNATURE")); raw != "" {
		required, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_REQUIRE_SIGNATURE: %w", err)
		}
		cfg.RequireSignature = required
	}

	for _, entry := range []struct {
		key    string
		target **big.Rat
	}{
		{"INITIAL_LTV", &cfg.InitialLTV},
		{"MARGIN_CALL_LTV", &cfg.MarginCallLTV},
		{"LIQUIDATION_LTV", &cfg.LiquidationLTV},
		{"HOURLY_INTEREST_RATE", &cfg.HourlyInterestRate},
		{"LIQUIDATION_FEE", &cfg.LiquidationFee},
		{"DAILY_YIELD_RATE", &cfg.DailyYieldRate},
	} {
		raw := strings.TrimSpace(os.Getenv(entry.key))
		if raw == "" {
			continue
		}
		value, err := assets.Rat(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", entry.key, err)
		}
		*entry.target = value
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads an optional YAML file over the environment configuration. The
// file never overrides a value the environment set explicitly for the rate
// fields; it fills the raw fields which normalize folds in when the parsed
// value still matches the default.
func Load(path string) (Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	for _, entry := range []struct {
		name   string
		raw    string
		target **big.Rat
	}{
		{"initial_ltv", cfg.RawInitialLTV, &cfg.InitialLTV},
		{"margin_call_ltv", cfg.RawMarginCallLTV, &cfg.MarginCallLTV},
		{"liquidation_ltv", cfg.RawLiquidationLTV, &cfg.LiquidationLTV},
		{"hourly_interest_rate", cfg.RawHourlyInterestRate, &cfg.HourlyInterestRate},
		{"liquidation_fee", cfg.RawLiquidationFee, &cfg.LiquidationFee},
		{"daily_yield_rate", cfg.RawDailyYieldRate, &cfg.DailyYieldRate},
	} {
		raw := strings.TrimSpace(entry.raw)
		if raw == "" {
			continue
		}
		value, err := assets.Rat(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", entry.name, err)
		}
		*entry.target = value
	}
	cfg.DatabasePath = strings.TrimSpace(cfg.DatabasePath)
	cfg.CoinGeckoAPIURL = strings.TrimSpace(cfg.CoinGeckoAPIURL)
	return nil
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("port %d out of range", cfg.ListenPort)
	}
	if cfg.DatabasePath == "" {
		return fmt.Errorf("database path required")
	}
	if cfg.InitialLTV.Sign() <= 0 {
		return fmt.Errorf("initial LTV must be positive")
	}
	if cfg.MarginCallLTV.Cmp(cfg.InitialLTV) <= 0 {
		return fmt.Errorf("margin call LTV must exceed initial LTV")
	}
	if cfg.LiquidationLTV.Cmp(cfg.MarginCallLTV) <= 0 {
		return fmt.Errorf("liquidation LTV must exceed margin call LTV")
	}
	if cfg.HourlyInterestRate.Sign() < 0 {
		return fmt.Errorf("hourly interest rate must not be negative")
	}
	if cfg.LiquidationFee.Sign() < 0 {
		return fmt.Errorf("liquidation fee must not be negative")
	}
	if cfg.DailyYieldRate.Sign() < 0 {
		return fmt.Errorf("daily yield rate must not be negative")
	}
	if cfg.RequireSignature && cfg.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET required when signatures are enforced")
	}
	return nil
}

// ListenAddress renders the HTTP bind address.
func (cfg Config) ListenAddress() string {
	return fmt.Sprintf(":%d", cfg.ListenPort)
}

func getenvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
