package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"kp-monitor/internal/core"
)

type Concurrency string

type LegPolicy string

type HandoffBackend string

const (
	ConcurrencySequential Concurrency = "sequential"
	ConcurrencyParallel   Concurrency = "parallel"
)

const (
	PolicyFailOpen      LegPolicy = "fail_open"
	PolicyDomesticFirst LegPolicy = "domestic_first"
)

const (
	HandoffFile  HandoffBackend = "file"
	HandoffRedis HandoffBackend = "redis"
	HandoffNone  HandoffBackend = "none"
)

type Config struct {
	Instruments    []string             `yaml:"instruments"`
	Fx             FxConfig             `yaml:"fx"`
	Premium        PremiumConfig        `yaml:"premium"`
	Poll           PollConfig           `yaml:"poll"`
	Venues         VenuesConfig         `yaml:"venues"`
	Handoff        HandoffConfig        `yaml:"handoff"`
	State          StateConfig          `yaml:"state"`
	Dispatch       DispatchConfig       `yaml:"dispatch"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type FxConfig struct {
	USDKRW    Decimal `yaml:"usdkrw"`
	UpdatedAt string  `yaml:"updated_at"`
}

type PremiumConfig struct {
	DomesticVenue string `yaml:"domestic_venue"`
}

type PollConfig struct {
	IntervalMs  int64       `yaml:"interval_ms"`
	Concurrency Concurrency `yaml:"concurrency"`
	Fanout      *bool       `yaml:"fanout"`
}

type VenuesConfig struct {
	Bithumb        VenueConfig `yaml:"bithumb"`
	Upbit          VenueConfig `yaml:"upbit"`
	BinanceFutures VenueConfig `yaml:"binance_futures"`
}

type VenueConfig struct {
	APIKey              string `yaml:"api_key"`
	APISecret           string `yaml:"api_secret"`
	RestBaseURL         string `yaml:"rest_base_url"`
	WSBaseURL           string `yaml:"ws_base_url"`
	RecvWindowMs        int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec      int64  `yaml:"http_timeout_sec"`
	OrderWSKeepaliveSec int64  `yaml:"order_ws_keepalive_sec"`
}

type HandoffConfig struct {
	Backend   HandoffBackend `yaml:"backend"`
	MaxAgeSec int64          `yaml:"max_age_sec"`
	Redis     RedisConfig    `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type DispatchConfig struct {
	DomesticVenue string      `yaml:"domestic_venue"`
	Policy        LegPolicy   `yaml:"policy"`
	LegTimeoutSec int64       `yaml:"leg_timeout_sec"`
	Hedge         HedgeConfig `yaml:"hedge"`
}

type HedgeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Symbol  string  `yaml:"symbol"`
	Qty     Decimal `yaml:"qty"`
}

type CircuitBreakerConfig struct {
	Enabled          bool  `yaml:"enabled"`
	MaxFetchFailures int   `yaml:"max_fetch_failures"`
	CooldownSec      int64 `yaml:"cooldown_sec"`
	ProbePasses      int   `yaml:"probe_passes"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
	AlertCooldownSec   int64 `yaml:"alert_cooldown_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	for i, s := range c.Instruments {
		c.Instruments[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	c.Fx.UpdatedAt = strings.TrimSpace(c.Fx.UpdatedAt)
	c.Premium.DomesticVenue = strings.ToLower(strings.TrimSpace(c.Premium.DomesticVenue))
	c.Poll.Concurrency = Concurrency(strings.ToLower(strings.TrimSpace(string(c.Poll.Concurrency))))
	for _, v := range []*VenueConfig{&c.Venues.Bithumb, &c.Venues.Upbit, &c.Venues.BinanceFutures} {
		v.APIKey = strings.TrimSpace(v.APIKey)
		v.APISecret = strings.TrimSpace(v.APISecret)
		v.RestBaseURL = strings.TrimSpace(v.RestBaseURL)
		v.WSBaseURL = strings.TrimSpace(v.WSBaseURL)
	}
	c.Handoff.Backend = HandoffBackend(strings.ToLower(strings.TrimSpace(string(c.Handoff.Backend))))
	c.Handoff.Redis.Addr = strings.TrimSpace(c.Handoff.Redis.Addr)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Dispatch.DomesticVenue = strings.ToLower(strings.TrimSpace(c.Dispatch.DomesticVenue))
	c.Dispatch.Policy = LegPolicy(strings.ToLower(strings.TrimSpace(string(c.Dispatch.Policy))))
	c.Dispatch.Hedge.Symbol = strings.ToUpper(strings.TrimSpace(c.Dispatch.Hedge.Symbol))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Premium.DomesticVenue == "" {
		c.Premium.DomesticVenue = string(core.VenueBithumb)
	}
	if c.Poll.IntervalMs == 0 {
		c.Poll.IntervalMs = 1000
	}
	if c.Poll.Concurrency == "" {
		c.Poll.Concurrency = ConcurrencySequential
	}
	if c.Poll.Fanout == nil {
		fanout := false
		c.Poll.Fanout = &fanout
	}
	if c.Venues.Bithumb.RestBaseURL == "" {
		c.Venues.Bithumb.RestBaseURL = "https://api.bithumb.com"
	}
	if c.Venues.Upbit.RestBaseURL == "" {
		c.Venues.Upbit.RestBaseURL = "https://api.upbit.com"
	}
	if c.Venues.BinanceFutures.RestBaseURL == "" {
		c.Venues.BinanceFutures.RestBaseURL = "https://fapi.binance.com"
	}
	if c.Venues.BinanceFutures.RecvWindowMs == 0 {
		c.Venues.BinanceFutures.RecvWindowMs = 5000
	}
	if c.Venues.BinanceFutures.OrderWSKeepaliveSec == 0 {
		c.Venues.BinanceFutures.OrderWSKeepaliveSec = 30
	}
	for _, v := range []*VenueConfig{&c.Venues.Bithumb, &c.Venues.Upbit, &c.Venues.BinanceFutures} {
		if v.HTTPTimeoutSec == 0 {
			v.HTTPTimeoutSec = 5
		}
	}
	if c.Handoff.Backend == "" {
		c.Handoff.Backend = HandoffFile
	}
	if c.Handoff.MaxAgeSec == 0 {
		c.Handoff.MaxAgeSec = 30
	}
	if c.Handoff.Redis.KeyPrefix == "" {
		c.Handoff.Redis.KeyPrefix = "kp"
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Dispatch.DomesticVenue == "" {
		c.Dispatch.DomesticVenue = string(core.VenueBithumb)
	}
	if c.Dispatch.Policy == "" {
		c.Dispatch.Policy = PolicyFailOpen
	}
	if c.Dispatch.LegTimeoutSec == 0 {
		c.Dispatch.LegTimeoutSec = 10
	}
	if c.Dispatch.Hedge.Symbol == "" {
		c.Dispatch.Hedge.Symbol = "BTC"
	}
	if c.Dispatch.Hedge.Qty.Cmp(decimal.Zero) == 0 {
		c.Dispatch.Hedge.Qty = Decimal{Decimal: decimal.RequireFromString("0.01")}
	}
	if c.CircuitBreaker.MaxFetchFailures == 0 {
		c.CircuitBreaker.MaxFetchFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.HeartbeatSec == 0 {
		c.Observability.Runtime.HeartbeatSec = 60
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("instruments must list at least one symbol")
	}
	seen := make(map[string]struct{}, len(c.Instruments))
	for _, s := range c.Instruments {
		if !core.IsValidSymbol(s) {
			return fmt.Errorf("instrument %q must match [A-Z0-9], length 1..20", s)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("instrument %q listed twice", s)
		}
		seen[s] = struct{}{}
	}
	if c.Fx.USDKRW.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("fx.usdkrw must be > 0")
	}
	domestic, err := core.ParseVenue(c.Premium.DomesticVenue)
	if err != nil || !domestic.Domestic() {
		return fmt.Errorf("premium.domestic_venue must be bithumb or upbit")
	}
	if c.Poll.IntervalMs < 0 || c.Poll.IntervalMs > 3600000 {
		return fmt.Errorf("poll.interval_ms must be between 0 and 3600000")
	}
	if c.Poll.Concurrency != ConcurrencySequential && c.Poll.Concurrency != ConcurrencyParallel {
		return fmt.Errorf("poll.concurrency must be sequential or parallel")
	}
	venues := map[string]VenueConfig{
		"bithumb":         c.Venues.Bithumb,
		"upbit":           c.Venues.Upbit,
		"binance_futures": c.Venues.BinanceFutures,
	}
	for name, v := range venues {
		if err := validateURL(v.RestBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("venues.%s.rest_base_url %v", name, err)
		}
		if v.HTTPTimeoutSec < 1 || v.HTTPTimeoutSec > 120 {
			return fmt.Errorf("venues.%s.http_timeout_sec must be between 1 and 120", name)
		}
	}
	if ws := c.Venues.BinanceFutures.WSBaseURL; ws != "" {
		if err := validateURL(ws, "ws", "wss"); err != nil {
			return fmt.Errorf("venues.binance_futures.ws_base_url %v", err)
		}
	}
	if c.Venues.BinanceFutures.RecvWindowMs < 1 || c.Venues.BinanceFutures.RecvWindowMs > 60000 {
		return fmt.Errorf("venues.binance_futures.recv_window_ms must be between 1 and 60000")
	}
	switch c.Handoff.Backend {
	case HandoffFile, HandoffNone:
	case HandoffRedis:
		if c.Handoff.Redis.Addr == "" {
			return fmt.Errorf("handoff.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("handoff.backend must be file, redis, or none")
	}
	if c.Handoff.MaxAgeSec < 1 || c.Handoff.MaxAgeSec > 86400 {
		return fmt.Errorf("handoff.max_age_sec must be between 1 and 86400")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Dispatch.DomesticVenue != string(core.VenueBithumb) {
		return fmt.Errorf("dispatch.domestic_venue must be bithumb (the only domestic venue with order support)")
	}
	if c.Dispatch.Policy != PolicyFailOpen && c.Dispatch.Policy != PolicyDomesticFirst {
		return fmt.Errorf("dispatch.policy must be fail_open or domestic_first")
	}
	if c.Dispatch.LegTimeoutSec < 1 || c.Dispatch.LegTimeoutSec > 120 {
		return fmt.Errorf("dispatch.leg_timeout_sec must be between 1 and 120")
	}
	if c.Dispatch.Hedge.Enabled {
		if !core.IsValidSymbol(c.Dispatch.Hedge.Symbol) {
			return fmt.Errorf("dispatch.hedge.symbol must match [A-Z0-9]")
		}
		if c.Dispatch.Hedge.Qty.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("dispatch.hedge.qty must be > 0")
		}
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxFetchFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_fetch_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 86400 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 86400")
	}
	if c.Observability.Runtime.AlertCooldownSec < 0 || c.Observability.Runtime.AlertCooldownSec > 86400 {
		return fmt.Errorf("observability.runtime.alert_cooldown_sec must be between 0 and 86400")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// ValidateTrading checks the credentials needed to place orders. The monitor runs
// on public endpoints only and never calls this.
// ValidateTrading checks what kporder needs beyond Validate. The domestic price on a
// printed line is used as the domestic limit price, so it must come from the venue
// the order is sent to.
func (c Config) ValidateTrading() error {
	if c.Premium.DomesticVenue != c.Dispatch.DomesticVenue {
		return fmt.Errorf("premium.domestic_venue %q must match dispatch.domestic_venue %q for order dispatch", c.Premium.DomesticVenue, c.Dispatch.DomesticVenue)
	}
	if c.Venues.Bithumb.APIKey == "" || c.Venues.Bithumb.APISecret == "" {
		return fmt.Errorf("venues.bithumb api_key/api_secret are required for order dispatch (or KP_BITHUMB_API_KEY/KP_BITHUMB_API_SECRET)")
	}
	if c.Venues.BinanceFutures.APIKey == "" || c.Venues.BinanceFutures.APISecret == "" {
		return fmt.Errorf("venues.binance_futures api_key/api_secret are required for order dispatch (or KP_BINANCE_API_KEY/KP_BINANCE_API_SECRET)")
	}
	return nil
}

func (c Config) TrackedInstruments() []core.Instrument {
	out := make([]core.Instrument, 0, len(c.Instruments))
	for _, s := range c.Instruments {
		out = append(out, core.Instrument{Symbol: s})
	}
	return out
}

func (c Config) PremiumDomesticVenue() core.Venue { return core.Venue(c.Premium.DomesticVenue) }

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
