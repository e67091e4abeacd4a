package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded from config.yaml with
// SENTINEL_* environment overrides.
type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	NATS struct {
		URL     string `mapstructure:"url"`
		Queue   string `mapstructure:"queue"`
		Enabled bool   `mapstructure:"enabled"`
	} `mapstructure:"nats"`
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	GeoIP struct {
		CityPath string `mapstructure:"city_path"`
	} `mapstructure:"geoip"`
	Window struct {
		MaxAge    time.Duration `mapstructure:"max_age"`
		MaxEvents int           `mapstructure:"max_events"`
	} `mapstructure:"window"`
	Catalog struct {
		Dir        string `mapstructure:"dir"`
		HotReload  bool   `mapstructure:"hot_reload"`
		DebounceMs int    `mapstructure:"debounce_ms"`
	} `mapstructure:"catalog"`
	Rules struct {
		Dir       string `mapstructure:"dir"`
		HotReload bool   `mapstructure:"hot_reload"`
	} `mapstructure:"rules"`
	Ensemble struct {
		BoostPerCorrelation float64 `mapstructure:"boost_per_correlation"`
		MaxBoost            float64 `mapstructure:"max_boost"`
	} `mapstructure:"ensemble"`
	Escalation struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		StaleAfter    time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"escalation"`
	Notify struct {
		WebhookURL   string `mapstructure:"webhook_url"`
		AuditLogPath string `mapstructure:"audit_log_path"`
		RatePerMin   int    `mapstructure:"rate_per_min"`
	} `mapstructure:"notify"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Load reads configuration from the given path (directory containing
// config.yaml) and applies defaults. A missing config file is not an error;
// defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("sentinel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.queue", "sentinel")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("store.path", "sentinel.db")
	v.SetDefault("geoip.city_path", "")
	v.SetDefault("window.max_age", 24*time.Hour)
	v.SetDefault("window.max_events", 1000)
	v.SetDefault("catalog.dir", "")
	v.SetDefault("catalog.hot_reload", false)
	v.SetDefault("catalog.debounce_ms", 1000)
	v.SetDefault("rules.dir", "")
	v.SetDefault("rules.hot_reload", false)
	v.SetDefault("ensemble.boost_per_correlation", 0.05)
	v.SetDefault("ensemble.max_boost", 0.2)
	v.SetDefault("escalation.sweep_interval", 5*time.Minute)
	v.SetDefault("escalation.stale_after", 24*time.Hour)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.audit_log_path", "sentinel-audit.log")
	v.SetDefault("notify.rate_per_min", 30)
	v.SetDefault("log.level", "info")
}
