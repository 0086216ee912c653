package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPath is where the config file lives unless overridden.
const DefaultPath = "configs/config.yaml"

// Load reads the YAML config at path, overlays .env-declared secrets and
// returns the validated configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	applyEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotenv loads .env from the working directory if present. Missing files
// are not an error; secrets may come from the real environment.
func LoadDotenv() {
	_ = godotenv.Load()
}

// DeclaredMode returns the execution mode declared in the environment
// (EXECUTION_MODE), empty when unset.
func DeclaredMode() string {
	return strings.ToUpper(strings.TrimSpace(os.Getenv("EXECUTION_MODE")))
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			*dst = val
		}
	}
	set(&cfg.KIS.AppKey, "KIS_APP_KEY")
	set(&cfg.KIS.AppSecret, "KIS_APP_SECRET")
	set(&cfg.KIS.AccountNo, "KIS_ACCOUNT_NO")
	set(&cfg.KIS.AccountProduct, "KIS_ACCOUNT_PRODUCT")
	set(&cfg.KIS.BaseURL, "KIS_BASE_URL")
	set(&cfg.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	set(&cfg.Telegram.ChatID, "TELEGRAM_CHAT_ID")
}
