package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// EnvFile is read before KP_* overrides are applied. A missing file is not an error.
var EnvFile = ".env"

func applyEnvOverrides(cfg *Config) error {
	if EnvFile != "" {
		if err := godotenv.Load(EnvFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", EnvFile, err)
		}
	}
	setStr(&cfg.Venues.Bithumb.APIKey, "KP_BITHUMB_API_KEY")
	setStr(&cfg.Venues.Bithumb.APISecret, "KP_BITHUMB_API_SECRET")
	setStr(&cfg.Venues.BinanceFutures.APIKey, "KP_BINANCE_API_KEY")
	setStr(&cfg.Venues.BinanceFutures.APISecret, "KP_BINANCE_API_SECRET")
	setStr(&cfg.Observability.Telegram.BotToken, "KP_TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Observability.Telegram.ChatID, "KP_TELEGRAM_CHAT_ID")
	setStr(&cfg.Handoff.Redis.Addr, "KP_REDIS_ADDR")
	setStr(&cfg.Handoff.Redis.Password, "KP_REDIS_PASSWORD")
	if v := strings.TrimSpace(os.Getenv("KP_FX_USDKRW")); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("KP_FX_USDKRW invalid decimal %q: %w", v, err)
		}
		cfg.Fx.USDKRW = Decimal{Decimal: rate}
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Redacted returns a copy of cfg safe to log.
func Redacted(cfg Config) Config {
	out := cfg
	for _, v := range []*VenueConfig{&out.Venues.Bithumb, &out.Venues.Upbit, &out.Venues.BinanceFutures} {
		redact(&v.APIKey)
		redact(&v.APISecret)
	}
	redact(&out.Handoff.Redis.Password)
	redact(&out.Observability.Telegram.BotToken)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
