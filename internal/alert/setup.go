package alert

import (
	"time"

	"kp-monitor/internal/config"
)

// FromConfig builds the telegram-backed manager, or nil when alerts are disabled.
// A nil *Manager is a valid no-op Alerter.
func FromConfig(component string, instruments []string, cfg config.ObservabilityConfig) *Manager {
	tg := cfg.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := NewTelegramNotifier(tg)
	return NewManagerWithOptions(component, instruments, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: time.Duration(cfg.Runtime.AlertDropReportSec) * time.Second,
		Cooldown:           time.Duration(cfg.Runtime.AlertCooldownSec) * time.Second,
	})
}
