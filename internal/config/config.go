// Package config holds the explicitly constructed configuration handed to every component.
package config

import (
	"errors"
	"fmt"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/lib/configutil"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/purell"
)

// CoursePlaceholder is replaced by the (escaped) course id in Config.CourseURL.
const CoursePlaceholder = "{course}"

type HTTPConfig struct {
	Timeout          string  `json:"timeout" yaml:"timeout"`
	Retries          int     `json:"retries" yaml:"retries"`
	RetryWait        string  `json:"retry_wait" yaml:"retry_wait"`
	RetryMaxWait     string  `json:"retry_max_wait" yaml:"retry_max_wait"`
	RateLimit        float64 `json:"rate_limit" yaml:"rate_limit"`
	Burst            int     `json:"burst" yaml:"burst"`
	UserAgent        string  `json:"user_agent" yaml:"user_agent"`
	CloudflareBypass bool    `json:"cloudflare_bypass" yaml:"cloudflare_bypass"`
	// DumpDir, when set, receives a redacted dump of every http exchange.
	DumpDir          string  `json:"dump_dir" yaml:"dump_dir"`

	TimeoutDuration      time.Duration `json:"-" yaml:"-"`
	RetryWaitDuration    time.Duration `json:"-" yaml:"-"`
	RetryMaxWaitDuration time.Duration `json:"-" yaml:"-"`
}

type CrawlConfig struct {
	Selector    string `json:"selector" yaml:"selector"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	// Format is one of text, json or zap.
	Format string `json:"format" yaml:"format"`
}

type NotifyConfig struct {
	SmtpAddr     string   `json:"smtp_addr" yaml:"smtp_addr"`
	SmtpUser     string   `json:"smtp_user" yaml:"smtp_user"`
	SmtpPassword string   `json:"smtp_password" yaml:"smtp_password"`
	From         string   `json:"from" yaml:"from"`
	To           []string `json:"to" yaml:"to"`
}

func (n NotifyConfig) Enabled() bool {
	return n.SmtpAddr != "" && len(n.To) > 0
}

type Config struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	LoginURL   string `json:"login_url" yaml:"login_url"`
	LandingURL string `json:"landing_url" yaml:"landing_url"`
	CourseURL  string `json:"course_url" yaml:"course_url"`

	DownloadRoot string `json:"download_root" yaml:"download_root"`
	CourseList   string `json:"course_list" yaml:"course_list"`
	Manifest     string `json:"manifest" yaml:"manifest"`

	// fallback credentials, the environment takes precedence.
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	Schedule string `json:"schedule" yaml:"schedule"`
	Listen   string `json:"listen" yaml:"listen"`
	Timezone string `json:"timezone" yaml:"timezone"`

	HTTP   HTTPConfig           `json:"http" yaml:"http"`
	Crawl  CrawlConfig          `json:"crawl" yaml:"crawl"`
	Log    LogConfig            `json:"log" yaml:"log"`
	Notify NotifyConfig         `json:"notify" yaml:"notify"`
	Otlp   telemetry.OtlpConfig `json:"otlp" yaml:"otlp"`
}

// Load reads the config at `path` (merged with its `.local` sibling) and normalizes it. A bare
// file name is also searched for in every parent of the working directory.
func Load(path string) (Config, error) {
	read := configutil.ReadConfig[Config]
	if filepath.Base(path) == path {
		read = configutil.ReadRecursively[Config]
	}
	cfg, err := read(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	err = cfg.Normalize()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func normalizeURL(raw string) (string, error) {
	return purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveFragment)
}

// Normalize fills in defaults and validates the config, every problem found is reported.
func (c *Config) Normalize() error {
	var errs []error

	if c.BaseURL == "" && (c.LoginURL == "" || c.LandingURL == "" || c.CourseURL == "") {
		errs = append(errs, errors.New("base_url is required unless login_url, landing_url and course_url are all set"))
	}
	if c.LoginURL == "" && c.BaseURL != "" {
		c.LoginURL = joinURL(c.BaseURL, "/login/index.php")
	}
	if c.LandingURL == "" && c.BaseURL != "" {
		c.LandingURL = joinURL(c.BaseURL, "/my/")
	}
	if c.CourseURL == "" && c.BaseURL != "" {
		c.CourseURL = joinURL(c.BaseURL, "/course/view.php?id="+CoursePlaceholder)
	}

	for field, raw := range map[string]string{
		"base_url":    c.BaseURL,
		"login_url":   c.LoginURL,
		"landing_url": c.LandingURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: %q is not an absolute url", field, raw))
		}
	}
	if c.CourseURL != "" && !strings.Contains(c.CourseURL, CoursePlaceholder) {
		errs = append(errs, fmt.Errorf("course_url: must contain %s", CoursePlaceholder))
	}

	if c.LoginURL != "" && c.LandingURL != "" {
		login, err1 := normalizeURL(c.LoginURL)
		landing, err2 := normalizeURL(c.LandingURL)
		if err1 == nil && err2 == nil && login == landing {
			errs = append(errs, errors.New("landing_url equals login_url, a failed login could not be told apart from a successful one"))
		}
	}

	if c.DownloadRoot == "" {
		c.DownloadRoot = "downloads"
	}
	if c.CourseList == "" {
		c.CourseList = "courses.txt"
	}
	if c.Schedule == "" {
		c.Schedule = "@every 6h"
	}

	var err error
	c.HTTP.TimeoutDuration, err = parseDuration("http.timeout", c.HTTP.Timeout, 30*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	c.HTTP.RetryWaitDuration, err = parseDuration("http.retry_wait", c.HTTP.RetryWait, 500*time.Millisecond)
	if err != nil {
		errs = append(errs, err)
	}
	c.HTTP.RetryMaxWaitDuration, err = parseDuration("http.retry_max_wait", c.HTTP.RetryMaxWait, 10*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Retries < 0 {
		errs = append(errs, errors.New("http.retries: must not be negative"))
	}
	if c.HTTP.Retries == 0 {
		c.HTTP.Retries = 3
	}
	switch {
	case c.HTTP.RateLimit == 0:
		c.HTTP.RateLimit = 2
	case c.HTTP.RateLimit < 0:
		// negative disables rate limiting
		c.HTTP.RateLimit = 0
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = 2
	}

	if c.Crawl.Selector == "" {
		c.Crawl.Selector = "a[href]"
	}
	if c.Crawl.Concurrency <= 0 {
		c.Crawl.Concurrency = 4
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json", "zap":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// CoursePageURL resolves the course page url for a course id.
func (c Config) CoursePageURL(courseID string) string {
	return strings.ReplaceAll(c.CourseURL, CoursePlaceholder, url.QueryEscape(courseID))
}
