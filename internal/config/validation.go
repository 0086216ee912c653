package config

import (
	"fmt"
	"strings"

	"kistra/internal/types"
)

func validate(c *Config) error {
	if _, ok := types.ParseMode(c.App.Mode); !ok {
		return fmt.Errorf("app.mode must be one of DRY_RUN|PAPER|REAL, got %q", c.App.Mode)
	}
	mode := c.Mode()
	if mode != types.ModeDryRun {
		if strings.TrimSpace(c.KIS.AppKey) == "" || strings.TrimSpace(c.KIS.AppSecret) == "" {
			return fmt.Errorf("kis.app_key and kis.app_secret are required in %s mode", mode)
		}
		if strings.TrimSpace(c.KIS.AccountNo) == "" {
			return fmt.Errorf("kis.account_no is required in %s mode", mode)
		}
	}
	switch c.Universe.Method {
	case "fixed", "volume_top", "atr_filter", "combined":
	default:
		return fmt.Errorf("universe.method must be one of fixed|volume_top|atr_filter|combined, got %q", c.Universe.Method)
	}
	if c.Universe.Method == "fixed" && len(c.Universe.FixedList) == 0 {
		return fmt.Errorf("universe.fixed_list cannot be empty with method=fixed")
	}
	for _, code := range c.Universe.FixedList {
		if !ValidSymbol(code) {
			return fmt.Errorf("universe.fixed_list entry %q is not a 6-digit stock code", code)
		}
	}
	if c.Universe.MinATRPct >= c.Universe.MaxATRPct {
		return fmt.Errorf("universe.min_atr_pct (%.2f) must be below max_atr_pct (%.2f)",
			c.Universe.MinATRPct, c.Universe.MaxATRPct)
	}
	if c.Risk.DailyMaxLossPct > 5.0 {
		return fmt.Errorf("risk.daily_max_loss_pct %.1f exceeds the 5.0 safety ceiling", c.Risk.DailyMaxLossPct)
	}
	if c.Risk.CumulativeDDPct > 20.0 {
		return fmt.Errorf("risk.cumulative_dd_pct %.1f exceeds the 20.0 safety ceiling", c.Risk.CumulativeDDPct)
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" || c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram.enabled")
		}
	}
	return nil
}

// ValidSymbol reports whether code is a 6-digit KRX stock code.
func ValidSymbol(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
