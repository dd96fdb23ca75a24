// Package config loads and validates scraper configuration via Viper.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/politescrape/internal/scraper"
)

// FallbackSelectors replaces a SELECTORS value that is not valid JSON.
var FallbackSelectors = scraper.SelectorMap{
	"title":       "h1",
	"description": `meta[name="description"]`,
	"links":       "a[href]",
}

// Config captures every knob loaded via Viper. Keys are flat and map
// directly onto upper-cased environment variables without a prefix.
type Config struct {
	TargetURL     string              `mapstructure:"target_url"`
	Selectors     scraper.SelectorMap `mapstructure:"-"`
	DelayMin      float64             `mapstructure:"delay_min"`
	DelayMax      float64             `mapstructure:"delay_max"`
	Timeout       float64             `mapstructure:"timeout"`
	MaxRetries    int                 `mapstructure:"max_retries"`
	RespectRobots bool                `mapstructure:"respect_robots"`

	UseSelenium        bool   `mapstructure:"use_selenium"`
	SeleniumHeadless   bool   `mapstructure:"selenium_headless"`
	SeleniumWindowSize string `mapstructure:"selenium_window_size"`
	ChromeDriverPath   string `mapstructure:"chrome_driver_path"`
	BrowserMaxTabs     int    `mapstructure:"browser_max_tabs"`

	OutputJSON string `mapstructure:"output_json"`
	OutputCSV  string `mapstructure:"output_csv"`

	CustomUserAgent string   `mapstructure:"custom_user_agent"`
	UserAgents      []string `mapstructure:"-"`
	HTTPProxy       string   `mapstructure:"http_proxy"`
	HTTPSProxy      string   `mapstructure:"https_proxy"`

	LogLevel       string `mapstructure:"log_level"`
	LogFile        string `mapstructure:"log_file"`
	LogDevelopment bool   `mapstructure:"log_development"`

	WikiURL        string `mapstructure:"wiki_url"`
	WikiTableIndex int    `mapstructure:"wiki_table_index"`
	WikiOutputFile string `mapstructure:"wiki_output_file"`

	MetricsFile string `mapstructure:"metrics_file"`
}

// Load builds a Config from defaults, an optional file and the environment,
// in that order of increasing precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if strings.HasSuffix(path, ".env") {
			v.SetConfigType("dotenv")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	selectors, err := parseSelectors(v.Get("selectors"))
	if err != nil {
		return Config{}, err
	}
	cfg.Selectors = selectors
	cfg.UserAgents = parseList(v.Get("user_agents"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target_url", "https://httpbin.org/html")
	v.SetDefault("selectors", "{}")
	v.SetDefault("delay_min", 2.0)
	v.SetDefault("delay_max", 4.0)
	v.SetDefault("timeout", 30.0)
	v.SetDefault("max_retries", 3)
	v.SetDefault("respect_robots", true)
	v.SetDefault("use_selenium", false)
	v.SetDefault("selenium_headless", true)
	v.SetDefault("selenium_window_size", "1920,1080")
	v.SetDefault("chrome_driver_path", "")
	v.SetDefault("browser_max_tabs", 1)
	v.SetDefault("output_json", "scraped_data.json")
	v.SetDefault("output_csv", "scraped_data.csv")
	v.SetDefault("custom_user_agent", "")
	v.SetDefault("user_agents", "")
	v.SetDefault("http_proxy", "")
	v.SetDefault("https_proxy", "")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_file", "scraper.log")
	v.SetDefault("log_development", false)
	v.SetDefault("wiki_url", "https://en.wikipedia.org/wiki/List_of_countries_by_population_(United_Nations)")
	v.SetDefault("wiki_table_index", 0)
	v.SetDefault("wiki_output_file", "wiki_table.csv")
	v.SetDefault("metrics_file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.DelayMin < 0 || c.DelayMax < 0 {
		return fmt.Errorf("delay_min and delay_max must be >= 0")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.WikiTableIndex < 0 {
		return fmt.Errorf("wiki_table_index must be >= 0")
	}
	if c.BrowserMaxTabs < 0 {
		return fmt.Errorf("browser_max_tabs must be >= 0")
	}
	for name := range c.Selectors {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("selectors: field names must not be empty")
		}
	}
	for key, raw := range map[string]string{"http_proxy": c.HTTPProxy, "https_proxy": c.HTTPSProxy} {
		for _, entry := range scraper.SplitList(raw) {
			u, err := url.Parse(entry)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("%s: invalid proxy url %q", key, entry)
			}
		}
	}
	if _, ok := levelNames[strings.ToUpper(strings.TrimSpace(c.LogLevel))]; !ok {
		return fmt.Errorf("log_level %q is not one of DEBUG, INFO, WARNING, ERROR, CRITICAL", c.LogLevel)
	}
	return nil
}

var levelNames = map[string]struct{}{
	"DEBUG": {}, "INFO": {}, "WARNING": {}, "WARN": {}, "ERROR": {}, "CRITICAL": {}, "FATAL": {},
}

// ScraperOptions projects the core subset consumed by scraper.NewSession.
func (c Config) ScraperOptions() scraper.Options {
	transport := "plain"
	if c.UseSelenium {
		transport = "browser"
	}
	return scraper.Options{
		DelayMin:      seconds(c.DelayMin),
		DelayMax:      seconds(c.DelayMax),
		Timeout:       seconds(c.Timeout),
		MaxRetries:    c.MaxRetries,
		RespectRobots: c.RespectRobots,
		Selectors:     c.Selectors.Clone(),
		Identity: scraper.IdentityConfig{
			CustomUserAgent: c.CustomUserAgent,
			UserAgents:      append([]string(nil), c.UserAgents...),
			HTTPProxies:     scraper.SplitList(c.HTTPProxy),
			HTTPSProxies:    scraper.SplitList(c.HTTPSProxy),
		},
		TransportName: transport,
	}
}

// TimeoutDuration returns the per-request timeout.
func (c Config) TimeoutDuration() time.Duration {
	return seconds(c.Timeout)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// parseSelectors accepts a JSON object string (from the environment or a
// dotenv file) or a map (from yaml/json/toml). Invalid JSON falls back to
// FallbackSelectors.
func parseSelectors(raw any) (scraper.SelectorMap, error) {
	switch v := raw.(type) {
	case nil:
		return scraper.SelectorMap{}, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return scraper.SelectorMap{}, nil
		}
		var out map[string]string
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return FallbackSelectors.Clone(), nil
		}
		return scraper.SelectorMap(out), nil
	case map[string]any:
		out := make(scraper.SelectorMap, len(v))
		for name, sel := range v {
			s, ok := sel.(string)
			if !ok {
				return nil, fmt.Errorf("selectors.%s: want string, got %T", name, sel)
			}
			out[name] = s
		}
		return out, nil
	case map[string]string:
		return scraper.SelectorMap(v).Clone(), nil
	default:
		return nil, fmt.Errorf("selectors: unsupported type %T", raw)
	}
}

// parseList accepts a "|"-separated string or a list. User-agents contain
// commas, so the string form cannot split on them.
func parseList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return splitTrim(v, "|")
	case []string:
		return splitTrim(strings.Join(v, "|"), "|")
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func splitTrim(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
