package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig   `yaml:"log"`
	REST        RESTConfig      `yaml:"rest"`
	WS          WSConfig        `yaml:"ws"`
	State       StateConfig     `yaml:"state"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Telegram    TelegramConfig  `yaml:"telegram"`
	Timescale   TimescaleConfig `yaml:"timescale"`
	Trade       TradeConfig     `yaml:"trade"`
	Sweep       SweepConfig     `yaml:"sweep"`
	MainAccount Account         `yaml:"main_account"`
	Pairs       []PairConfig    `yaml:"pairs"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Schema  string `yaml:"schema"`
}

// Account identifies one exchange sub-account: deposit address plus the
// ED25519 API key pair used to sign requests on its behalf.
type Account struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type PairConfig struct {
	ShortAccount Account `yaml:"short_account"`
	LongAccount  Account `yaml:"long_account"`
}

// OffsetPair holds side-specific fractional price offsets. The short
// take-profit offset is conventionally negative.
type OffsetPair struct {
	Long  float64 `yaml:"long"`
	Short float64 `yaml:"short"`
}

type DelayRange struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

type TradeConfig struct {
	Symbol            string        `yaml:"symbol"`
	Leverage          float64       `yaml:"leverage"`
	MakerOffset       OffsetPair    `yaml:"maker_offset"`
	TakeProfitOffset  OffsetPair    `yaml:"take_profit_offset"`
	LimitOrderRetries int           `yaml:"limit_order_retries"`
	LimitOrderTimeout time.Duration `yaml:"limit_order_timeout"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	CycleWaitTime     time.Duration `yaml:"cycle_wait_time"`
	PairStartDelayMax time.Duration `yaml:"pair_start_delay_max"`
	GeneralDelay      DelayRange    `yaml:"general_delay"`
	InitialDeposit    float64       `yaml:"initial_deposit"`
}

type SweepConfig struct {
	Attempts  int           `yaml:"attempts"`
	MinAmount float64       `yaml:"min_amount"`
	Interval  time.Duration `yaml:"interval"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.backpack.exchange"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://ws.backpack.exchange"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/liqbot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.MainAccount.Name == "" {
		cfg.MainAccount.Name = "main"
	}
	if cfg.Trade.Leverage == 0 {
		cfg.Trade.Leverage = 1
	}
	if cfg.Trade.LimitOrderRetries == 0 {
		cfg.Trade.LimitOrderRetries = 10
	}
	if cfg.Trade.LimitOrderTimeout == 0 {
		cfg.Trade.LimitOrderTimeout = 30 * time.Second
	}
	if cfg.Trade.CheckInterval == 0 {
		cfg.Trade.CheckInterval = 10 * time.Second
	}
	if cfg.Trade.CycleWaitTime == 0 {
		cfg.Trade.CycleWaitTime = 5 * time.Minute
	}
	if cfg.Trade.GeneralDelay.Min == 0 && cfg.Trade.GeneralDelay.Max == 0 {
		cfg.Trade.GeneralDelay = DelayRange{Min: time.Second, Max: 5 * time.Second}
	}
	if cfg.Sweep.Attempts == 0 {
		cfg.Sweep.Attempts = 8
	}
	if cfg.Sweep.MinAmount == 0 {
		cfg.Sweep.MinAmount = 0.1
	}
	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = time.Hour
	}
	for i := range cfg.Pairs {
		if cfg.Pairs[i].ShortAccount.Name == "" {
			cfg.Pairs[i].ShortAccount.Name = fmt.Sprintf("short-%d", i+1)
		}
		if cfg.Pairs[i].LongAccount.Name == "" {
			cfg.Pairs[i].LongAccount.Name = fmt.Sprintf("long-%d", i+1)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("BPX_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("BPX_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
}

func validate(cfg *Config) error {
	if cfg.Trade.Symbol == "" {
		return errors.New("trade.symbol is required")
	}
	if cfg.Trade.Leverage <= 0 {
		return errors.New("trade.leverage must be > 0")
	}
	if cfg.Trade.MakerOffset.Long < 0 || cfg.Trade.MakerOffset.Short < 0 {
		return errors.New("trade.maker_offset must be >= 0")
	}
	if cfg.Trade.LimitOrderRetries <= 0 {
		return errors.New("trade.limit_order_retries must be > 0")
	}
	if cfg.Trade.GeneralDelay.Min < 0 || cfg.Trade.GeneralDelay.Max < cfg.Trade.GeneralDelay.Min {
		return errors.New("trade.general_delay range is invalid")
	}
	if cfg.Trade.PairStartDelayMax < 0 {
		return errors.New("trade.pair_start_delay_max must be >= 0")
	}
	if cfg.Trade.InitialDeposit < 0 {
		return errors.New("trade.initial_deposit must be >= 0")
	}
	if cfg.Sweep.MinAmount < 0 {
		return errors.New("sweep.min_amount must be >= 0")
	}
	if len(cfg.Pairs) == 0 {
		return errors.New("at least one pair is required")
	}
	if cfg.MainAccount.Address == "" {
		return errors.New("main_account.address is required")
	}
	seen := make(map[string]struct{}, 2*len(cfg.Pairs)+1)
	seen[cfg.MainAccount.Name] = struct{}{}
	for i, pair := range cfg.Pairs {
		for _, acc := range []Account{pair.ShortAccount, pair.LongAccount} {
			if acc.APIKey == "" || acc.APISecret == "" {
				return fmt.Errorf("pair %d: account %q is missing api credentials", i+1, acc.Name)
			}
			if acc.Address == "" {
				return fmt.Errorf("pair %d: account %q is missing an address", i+1, acc.Name)
			}
			if _, dup := seen[acc.Name]; dup {
				return fmt.Errorf("pair %d: account name %q is used more than once", i+1, acc.Name)
			}
			seen[acc.Name] = struct{}{}
		}
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
