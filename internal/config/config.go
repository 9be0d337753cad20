package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	Environment string `yaml:"environment"`
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`

	Auth       AuthConfig       `yaml:"auth"`
	Settlement SettlementConfig `yaml:"settlement"`
	Kickoff    KickoffConfig    `yaml:"kickoff"`
}

// AuthConfig covers wallet sign-in
type AuthConfig struct {
	AppName            string        `yaml:"app_name"`
	ChainID            uint64        `yaml:"chain_id"`
	NonceTTL           time.Duration `yaml:"nonce_ttl"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	MessageMaxAge      time.Duration `yaml:"message_max_age"`
	ClockSkew          time.Duration `yaml:"clock_skew"`
	VerifyTimeout      time.Duration `yaml:"verify_timeout"`
	SessionKeyFile     string        `yaml:"session_key_file"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
}

// SettlementConfig covers escrow release and confirmation tracking
type SettlementConfig struct {
	RPCURL                string        `yaml:"rpc_url"`
	EscrowContract        string        `yaml:"escrow_contract"`
	SignerKey             string        `yaml:"signer_key"`
	GasLimit              uint64        `yaml:"gas_limit"`
	RequiredConfirmations uint64        `yaml:"required_confirmations"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	WatchTimeout          time.Duration `yaml:"watch_timeout"`
	RetryBudget           int           `yaml:"retry_budget"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	RecheckAfter          time.Duration `yaml:"recheck_after"`
	DropAfter             time.Duration `yaml:"drop_after"`
	MaxTaskReward         string        `yaml:"max_task_reward"`
	OffchainDev           bool          `yaml:"offchain_dev"`
	// InternalAPIKey authenticates callers of the internal settlement endpoints
	InternalAPIKey        string        `yaml:"internal_api_key"`
}

// KickoffConfig covers the downstream wallet connected notification
type KickoffConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	MaxRetries int    `yaml:"max_retries"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		ListenAddr:  ":8080",
		Environment: "development",
		DatabaseURL: "rewardgate.db",
		LogLevel:    "info",
		Auth: AuthConfig{
			AppName:            "Rewardgate",
			ChainID:            84532,
			NonceTTL:           5 * time.Minute,
			SessionTTL:         24 * time.Hour,
			MessageMaxAge:      10 * time.Minute,
			ClockSkew:          time.Minute,
			VerifyTimeout:      30 * time.Second,
			RateLimitPerMinute: 30,
			RateLimitBurst:     10,
		},
		Settlement: SettlementConfig{
			GasLimit:              300000,
			RequiredConfirmations: 2,
			PollInterval:          4 * time.Second,
			WatchTimeout:          5 * time.Minute,
			RetryBudget:           5,
			SweepInterval:         time.Minute,
			RecheckAfter:          2 * time.Minute,
			DropAfter:             30 * time.Minute,
			MaxTaskReward:         "0",
		},
		Kickoff: KickoffConfig{
			MaxRetries: 3,
		},
	}
}

// FromEnv loads defaults, then the optional YAML file named by REWARDGATE_CONFIG_FILE,
// then REWARDGATE_* environment overrides, and validates the result.
func FromEnv() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("REWARDGATE_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = getEnvDefault("REWARDGATE_LISTEN_ADDR", c.ListenAddr)
	c.Environment = getEnvDefault("REWARDGATE_ENV", c.Environment)
	c.RedisURL = getEnvDefault("REWARDGATE_REDIS_URL", getEnvDefault("REDIS_URL", c.RedisURL))
	c.DatabaseURL = getEnvDefault("REWARDGATE_DATABASE_URL", c.DatabaseURL)
	c.LogLevel = getEnvDefault("REWARDGATE_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnvDefault("REWARDGATE_LOG_FILE", c.LogFile)

	a := &c.Auth
	a.AppName = getEnvDefault("REWARDGATE_APP_NAME", a.AppName)
	a.SessionKeyFile = getEnvDefault("REWARDGATE_SESSION_KEY_FILE", a.SessionKeyFile)
	a.RateLimitPerMinute = parseIntEnv("REWARDGATE_RATE_LIMIT_PER_MINUTE", a.RateLimitPerMinute)
	a.RateLimitBurst = parseIntEnv("REWARDGATE_RATE_LIMIT_BURST", a.RateLimitBurst)

	s := &c.Settlement
	s.RPCURL = getEnvDefault("REWARDGATE_RPC_URL", s.RPCURL)
	s.EscrowContract = getEnvDefault("REWARDGATE_ESCROW_CONTRACT", s.EscrowContract)
	s.SignerKey = getEnvDefault("REWARDGATE_SIGNER_KEY", s.SignerKey)
	s.RetryBudget = parseIntEnv("REWARDGATE_RETRY_BUDGET", s.RetryBudget)
	s.MaxTaskReward = getEnvDefault("REWARDGATE_MAX_TASK_REWARD", s.MaxTaskReward)
	s.InternalAPIKey = getEnvDefault("REWARDGATE_INTERNAL_API_KEY", s.InternalAPIKey)
	s.OffchainDev = parseBoolEnv("SETTLEMENT_OFFCHAIN_DEV", parseBoolEnv("REWARDGATE_OFFCHAIN_DEV", s.OffchainDev))

	k := &c.Kickoff
	k.URL = getEnvDefault("REWARDGATE_KICKOFF_URL", k.URL)
	k.APIKey = getEnvDefault("REWARDGATE_KICKOFF_API_KEY", k.APIKey)
	k.MaxRetries = parseIntEnv("REWARDGATE_KICKOFF_MAX_RETRIES", k.MaxRetries)

	var err error
	if a.ChainID, err = parseUintEnv("REWARDGATE_CHAIN_ID", a.ChainID); err != nil {
		return err
	}
	if s.GasLimit, err = parseUintEnv("REWARDGATE_GAS_LIMIT", s.GasLimit); err != nil {
		return err
	}
	if s.RequiredConfirmations, err = parseUintEnv("REWARDGATE_REQUIRED_CONFIRMATIONS", s.RequiredConfirmations); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REWARDGATE_NONCE_TTL", &a.NonceTTL},
		{"REWARDGATE_SESSION_TTL", &a.SessionTTL},
		{"REWARDGATE_MESSAGE_MAX_AGE", &a.MessageMaxAge},
		{"REWARDGATE_CLOCK_SKEW", &a.ClockSkew},
		{"REWARDGATE_VERIFY_TIMEOUT", &a.VerifyTimeout},
		{"REWARDGATE_POLL_INTERVAL", &s.PollInterval},
		{"REWARDGATE_WATCH_TIMEOUT", &s.WatchTimeout},
		{"REWARDGATE_SWEEP_INTERVAL", &s.SweepInterval},
		{"REWARDGATE_RECHECK_AFTER", &s.RecheckAfter},
		{"REWARDGATE_DROP_AFTER", &s.DropAfter},
	}
	for _, d := range durations {
		if *d.dst, err = parseDurationEnv(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Auth.AppName) == "" {
		errs = append(errs, errors.New("app name is required"))
	}
	if c.Auth.ChainID == 0 {
		errs = append(errs, errors.New("chain id must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"nonce ttl":       c.Auth.NonceTTL,
		"session ttl":     c.Auth.SessionTTL,
		"message max age": c.Auth.MessageMaxAge,
		"verify timeout":  c.Auth.VerifyTimeout,
		"poll interval":   c.Settlement.PollInterval,
		"watch timeout":   c.Settlement.WatchTimeout,
		"sweep interval":  c.Settlement.SweepInterval,
		"recheck after":   c.Settlement.RecheckAfter,
		"drop after":      c.Settlement.DropAfter,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Settlement.RequiredConfirmations == 0 {
		errs = append(errs, errors.New("required confirmations must be at least 1"))
	}
	if c.Settlement.RetryBudget < 0 {
		errs = append(errs, errors.New("retry budget must not be negative"))
	}
	if _, err := c.Settlement.MaxReward(); err != nil {
		errs = append(errs, err)
	}
	if c.Settlement.EscrowContract != "" {
		if !common.IsHexAddress(c.Settlement.EscrowContract) {
			errs = append(errs, fmt.Errorf("invalid escrow contract address %q", c.Settlement.EscrowContract))
		}
		if c.Settlement.RPCURL == "" {
			errs = append(errs, errors.New("rpc url is required when an escrow contract is configured"))
		}
		if c.Settlement.SignerKey == "" {
			errs = append(errs, errors.New("signer key is required when an escrow contract is configured"))
		}
		if c.Settlement.InternalAPIKey == "" {
			errs = append(errs, errors.New("internal api key is required when an escrow contract is configured"))
		}
	}
	if key := c.Settlement.InternalAPIKey; key != "" && len(key) < 16 {
		errs = append(errs, errors.New("internal api key must be at least 16 characters"))
	}

	return errors.Join(errs...)
}

// MaxReward returns the per-task payout cap. Zero disables the cap.
func (s SettlementConfig) MaxReward() (decimal.Decimal, error) {
	raw := strings.TrimSpace(s.MaxTaskReward)
	if raw == "" {
		return decimal.Zero, nil
	}
	limit, err := decimal.NewFromString(raw)
	if err != nil || limit.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid max task reward %q", s.MaxTaskReward)
	}
	return limit, nil
}

// OnChain reports whether a real escrow contract is configured
func (s SettlementConfig) OnChain() bool {
	return s.EscrowContract != ""
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseUintEnv(key string, def uint64) (uint64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, value)
	}
	return parsed, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, value)
	}
	return parsed, nil
}
