package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultAppName        = "SteamWallet"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownPeriod = "10s"
	defaultAuditTopic     = "wallet.audit"
)

// Config captures application runtime configuration. Values come from the
// environment, optionally layered over a YAML file named by CONFIG_FILE.
type Config struct {
	AppName            string
	AppEnv             string
	Port               string
	LogLevel           string
	DatabaseURL        string
	RedisURL           string
	KafkaBrokers       []string
	KafkaAuditTopic    string
	RunMigrations      bool
	ShutdownPeriod     time.Duration
	RateLimitPerMinute int
	Wallet             WalletConfig
	Cooldown           CooldownConfig
	Reaper             ReaperConfig
}

// WalletConfig holds the ledger bounds.
type WalletConfig struct {
	MinReload       decimal.Decimal
	MaxReload       decimal.Decimal
	MaxBalance      decimal.Decimal
	MinPurchase     decimal.Decimal
	MaxDailyReload  decimal.Decimal
	UnlockThreshold decimal.Decimal
	Location        *time.Location
	CASMaxRetries   int
	ForceStrategy   string
}

type CooldownConfig struct {
	Backend    string
	Reload     time.Duration
	Payment    time.Duration
	MaxEntries int
}

type ReaperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", defaultAppName)
	v.SetDefault("app_env", defaultAppEnv)
	v.SetDefault("port", defaultPort)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_audit_topic", defaultAuditTopic)
	v.SetDefault("run_migrations", true)
	v.SetDefault("shutdown_timeout", defaultShutdownPeriod)
	v.SetDefault("rate_limit_per_minute", 30)

	v.SetDefault("wallet_min_reload", "1.00")
	v.SetDefault("wallet_max_reload", "500.00")
	v.SetDefault("wallet_max_balance", "2000.00")
	v.SetDefault("wallet_min_purchase", "0.01")
	v.SetDefault("wallet_max_daily_reload", "1000.00")
	v.SetDefault("wallet_unlock_threshold", "5.00")
	v.SetDefault("wallet_timezone", "Local")
	v.SetDefault("wallet_cas_max_retries", 5)
	v.SetDefault("wallet_force_strategy", "")

	v.SetDefault("cooldown_backend", "memory")
	v.SetDefault("cooldown_reload", "5s")
	v.SetDefault("cooldown_payment", "3s")
	v.SetDefault("cooldown_max_entries", 10000)

	v.SetDefault("reaper_interval", "1m")
	v.SetDefault("reaper_stale_after", "5m")
}

// Load reads configuration values and validates them.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	p := parser{v: v}
	cfg := Config{
		AppName:            v.GetString("app_name"),
		AppEnv:             v.GetString("app_env"),
		Port:               v.GetString("port"),
		LogLevel:           strings.ToLower(v.GetString("log_level")),
		DatabaseURL:        v.GetString("database_url"),
		RedisURL:           v.GetString("redis_url"),
		KafkaBrokers:       splitList(v.GetString("kafka_brokers")),
		KafkaAuditTopic:    v.GetString("kafka_audit_topic"),
		RunMigrations:      v.GetBool("run_migrations"),
		ShutdownPeriod:     p.duration("shutdown_timeout"),
		RateLimitPerMinute: p.int("rate_limit_per_minute"),
		Wallet: WalletConfig{
			MinReload:       p.decimal("wallet_min_reload"),
			MaxReload:       p.decimal("wallet_max_reload"),
			MaxBalance:      p.decimal("wallet_max_balance"),
			MinPurchase:     p.decimal("wallet_min_purchase"),
			MaxDailyReload:  p.decimal("wallet_max_daily_reload"),
			UnlockThreshold: p.decimal("wallet_unlock_threshold"),
			Location:        p.location("wallet_timezone"),
			CASMaxRetries:   p.int("wallet_cas_max_retries"),
			ForceStrategy:   strings.ToLower(v.GetString("wallet_force_strategy")),
		},
		Cooldown: CooldownConfig{
			Backend:    strings.ToLower(v.GetString("cooldown_backend")),
			Reload:     p.duration("cooldown_reload"),
			Payment:    p.duration("cooldown_payment"),
			MaxEntries: p.int("cooldown_max_entries"),
		},
		Reaper: ReaperConfig{
			Interval:   p.duration("reaper_interval"),
			StaleAfter: p.duration("reaper_stale_after"),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" && !c.IsDev() {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	w := c.Wallet
	if !w.MinReload.IsPositive() || w.MinReload.GreaterThan(w.MaxReload) {
		return fmt.Errorf("invalid WALLET_MIN_RELOAD/WALLET_MAX_RELOAD: %s..%s", w.MinReload, w.MaxReload)
	}
	if w.MaxBalance.LessThan(w.MaxReload) {
		return fmt.Errorf("invalid WALLET_MAX_BALANCE: below WALLET_MAX_RELOAD")
	}
	if w.CASMaxRetries <= 0 {
		return fmt.Errorf("invalid WALLET_CAS_MAX_RETRIES: must be positive, got %d", w.CASMaxRetries)
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("invalid REAPER_INTERVAL: must be positive, got %s", c.Reaper.Interval)
	}
	if c.Reaper.StaleAfter <= 0 {
		return fmt.Errorf("invalid REAPER_STALE_AFTER: must be positive, got %s", c.Reaper.StaleAfter)
	}
	switch c.Cooldown.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid COOLDOWN_BACKEND: %q", c.Cooldown.Backend)
	}
	if c.Cooldown.Backend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when COOLDOWN_BACKEND=redis")
	}
	return nil
}

// IsDev reports whether the in-memory fallbacks are acceptable.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// parser records the first conversion error and names the offending key.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
	}
}

func (p *parser) duration(key string) time.Duration {
	d, err := time.ParseDuration(p.v.GetString(key))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) decimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(p.v.GetString(key))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) int(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(p.v.GetString(key)))
	if err != nil {
		p.fail(key, err)
	}
	return n
}

func (p *parser) location(key string) *time.Location {
	loc, err := time.LoadLocation(p.v.GetString(key))
	if err != nil {
		p.fail(key, err)
		return time.Local
	}
	return loc
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
