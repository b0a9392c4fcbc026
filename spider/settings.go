package spider

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the root crawl configuration. Priority (highest to lowest):
// spider custom settings > env vars > config file > defaults.
type Settings struct {
	Bot       string            `mapstructure:"bot"        yaml:"bot"`
	UserAgent string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers   map[string]string `mapstructure:"headers"    yaml:"headers"`

	Download DownloadSettings `mapstructure:"download" yaml:"download"`
	Retry    RetrySettings    `mapstructure:"retry"    yaml:"retry"`
	Redirect RedirectSettings `mapstructure:"redirect" yaml:"redirect"`
	Cookies  CookieSettings   `mapstructure:"cookies"  yaml:"cookies"`
	Robots   RobotsSettings   `mapstructure:"robots"   yaml:"robots"`
	Queue    QueueSettings    `mapstructure:"queue"    yaml:"queue"`
	Mongo    MongoSettings    `mapstructure:"mongo"    yaml:"mongo"`
	Redis    RedisSettings    `mapstructure:"redis"    yaml:"redis"`
	Logging  LoggingSettings  `mapstructure:"logging"  yaml:"logging"`

	// OutputPath receives items from the jsonl pipeline.
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`

	// Middlewares maps middleware name to dispatch order; lower runs first
	// on requests and last on responses.
	Middlewares map[string]int `mapstructure:"middlewares" yaml:"middlewares"`
	// Pipelines maps pipeline name to order; lower sees items first.
	Pipelines map[string]int `mapstructure:"pipelines" yaml:"pipelines"`
}

// DownloadSettings throttle the fetcher.
type DownloadSettings struct {
	Timeout        time.Duration `mapstructure:"timeout"         yaml:"timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// Delay is the politeness delay between requests to one host.
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`
	// DelayDomain overrides Delay per host.
	DelayDomain map[string]time.Duration `mapstructure:"delay_domain" yaml:"delay_domain"`
	// Concurrent caps requests in flight across all hosts.
	Concurrent int `mapstructure:"concurrent" yaml:"concurrent"`
	// ConcurrentDomain caps requests in flight per host.
	ConcurrentDomain int    `mapstructure:"concurrent_domain" yaml:"concurrent_domain"`
	Proxy            string `mapstructure:"proxy"             yaml:"proxy"`
	VerifyTLS        bool   `mapstructure:"verify_tls"        yaml:"verify_tls"`
}

// RetrySettings control retry on transport timeouts and retryable statuses.
type RetrySettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Times   int  `mapstructure:"times"   yaml:"times"`
	// Backoff lists per-attempt delays in seconds, cycled when attempts
	// outnumber entries.
	Backoff   []float64 `mapstructure:"backoff"    yaml:"backoff"`
	HTTPCodes []int     `mapstructure:"http_codes" yaml:"http_codes"`
}

// RedirectSettings control automatic redirect following.
type RedirectSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// CookieSettings control the persistent cookie store.
type CookieSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// DB is the SQLite path, or ":memory:".
	DB    string `mapstructure:"db"    yaml:"db"`
	Debug bool   `mapstructure:"debug" yaml:"debug"`
}

// RobotsSettings control the robots.txt gate.
type RobotsSettings struct {
	Obey bool `mapstructure:"obey" yaml:"obey"`
}

// QueueSettings shape scheduling order and exit conditions.
type QueueSettings struct {
	// DepthPriority "dfo" explores new requests first, "bfo" queues them
	// last.
	DepthPriority string `mapstructure:"depth_priority" yaml:"depth_priority"`
	// ClosePageCount stops the crawl after this many responses, 0 for
	// unlimited.
	ClosePageCount int `mapstructure:"close_page_count" yaml:"close_page_count"`
}

// MongoSettings configure the Mongo item pipeline.
type MongoSettings struct {
	URI        string `mapstructure:"uri"        yaml:"uri"`
	Database   string `mapstructure:"database"   yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// RedisSettings configure the Redis work source.
type RedisSettings struct {
	Addr     string `mapstructure:"addr"     yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db"       yaml:"db"`
	// Key is the list or set holding seed values.
	Key string `mapstructure:"key" yaml:"key"`
	// KeyType is "list" or "set".
	KeyType string `mapstructure:"key_type" yaml:"key_type"`
	// Persist keeps the crawl polling an empty key instead of finishing.
	Persist bool `mapstructure:"persist" yaml:"persist"`
}

// LoggingSettings control the slog handler.
type LoggingSettings struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// DefaultSettings returns crawl defaults matching polite single-site use.
func DefaultSettings() *Settings {
	return &Settings{
		Bot:       "crawlbit",
		UserAgent: "crawlbit/1.0",
		Headers: map[string]string{
			"accept": "*/*",
		},
		Download: DownloadSettings{
			Timeout:          30 * time.Second,
			ConnectTimeout:   15 * time.Second,
			Delay:            0,
			Concurrent:       16,
			ConcurrentDomain: 8,
			VerifyTLS:        true,
		},
		Retry: RetrySettings{
			Enabled:   true,
			Times:     3,
			Backoff:   []float64{5},
			HTTPCodes: []int{500, 502, 503, 504, 522, 524, 408, 429},
		},
		Redirect:   RedirectSettings{Enabled: true},
		Cookies:    CookieSettings{Enabled: true, DB: ":memory:"},
		Robots:     RobotsSettings{Obey: true},
		Queue:      QueueSettings{DepthPriority: "dfo"},
		OutputPath: "items.jsonl",
		Logging:    LoggingSettings{Level: "info", Format: "text", Output: "stderr"},
		// The robots gate runs before the duplicate filter so parked
		// requests are not fingerprinted until released.
		Middlewares: map[string]int{
			"robotstxt":  50,
			"statistics": 100,
		},
		Pipelines: map[string]int{},
	}
}

// LoadSettings reads settings from file and environment. An empty path
// searches crawlbit.yaml in the working directory and ~/.crawlbit.
func LoadSettings(configPath string) (*Settings, error) {
	cfg := DefaultSettings()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix("CRAWLBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crawlbit")
		v.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".crawlbit"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Settings) {
	v.SetDefault("bot", cfg.Bot)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("headers", cfg.Headers)

	v.SetDefault("download.timeout", cfg.Download.Timeout)
	v.SetDefault("download.connect_timeout", cfg.Download.ConnectTimeout)
	v.SetDefault("download.delay", cfg.Download.Delay)
	v.SetDefault("download.delay_domain", cfg.Download.DelayDomain)
	v.SetDefault("download.concurrent", cfg.Download.Concurrent)
	v.SetDefault("download.concurrent_domain", cfg.Download.ConcurrentDomain)
	v.SetDefault("download.proxy", cfg.Download.Proxy)
	v.SetDefault("download.verify_tls", cfg.Download.VerifyTLS)

	v.SetDefault("retry.enabled", cfg.Retry.Enabled)
	v.SetDefault("retry.times", cfg.Retry.Times)
	v.SetDefault("retry.backoff", cfg.Retry.Backoff)
	v.SetDefault("retry.http_codes", cfg.Retry.HTTPCodes)

	v.SetDefault("redirect.enabled", cfg.Redirect.Enabled)

	v.SetDefault("cookies.enabled", cfg.Cookies.Enabled)
	v.SetDefault("cookies.db", cfg.Cookies.DB)
	v.SetDefault("cookies.debug", cfg.Cookies.Debug)

	v.SetDefault("robots.obey", cfg.Robots.Obey)

	v.SetDefault("queue.depth_priority", cfg.Queue.DepthPriority)
	v.SetDefault("queue.close_page_count", cfg.Queue.ClosePageCount)

	v.SetDefault("output_path", cfg.OutputPath)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
}

// Apply overlays a spider's custom settings, given as dotted viper keys,
// onto a copy of s. Only the named keys change; everything else, including
// fields with no viper default, carries over from the base.
func (s *Settings) Apply(custom map[string]any) (*Settings, error) {
	if len(custom) == 0 {
		return s, nil
	}
	out := s.clone()
	v := viper.New()
	for key, value := range custom {
		v.Set(key, value)
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("custom settings: %w", err)
	}
	return out, nil
}

func (s *Settings) clone() *Settings {
	out := *s
	out.Headers = maps.Clone(s.Headers)
	out.Download.DelayDomain = maps.Clone(s.Download.DelayDomain)
	out.Retry.Backoff = slices.Clone(s.Retry.Backoff)
	out.Retry.HTTPCodes = slices.Clone(s.Retry.HTTPCodes)
	out.Middlewares = maps.Clone(s.Middlewares)
	out.Pipelines = maps.Clone(s.Pipelines)
	return &out
}
