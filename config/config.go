package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AppName names the XDG directories and the default config file.
const AppName = "gitbook2pdf"

// Config holds crawler and renderer configuration.
type Config struct {
	RootURL          string        `yaml:"root_url"`
	OutputFile       string        `yaml:"output"`
	Delay            time.Duration `yaml:"delay"`
	Concurrency      int           `yaml:"workers"`
	ProxyURL         string        `yaml:"proxy"`
	TempDir          string        `yaml:"temp_dir"`
	Verbose          bool          `yaml:"verbose"`
	KeepTemp         bool          `yaml:"keep_temp"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`
	RateLimit        float64       `yaml:"rate_limit"`
	UserAgent        string        `yaml:"user_agent"`
	RespectRobotsTxt bool          `yaml:"respect_robots"`
	MaxBodySize      int64         `yaml:"max_body_size"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	FontFile         string        `yaml:"font_file"`
	PageSize         string        `yaml:"page_size"`
}

// DefaultConfig returns defaults matching the original converter's behaviour.
func DefaultConfig() *Config {
	return &Config{
		OutputFile:       "gitbook.pdf",
		Delay:            time.Second,
		Concurrency:      3,
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     500 * time.Millisecond,
		RetryBackoffMax:  10 * time.Second,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		RespectRobotsTxt: false,
		MaxBodySize:      20 << 20,
		PageSize:         "A4",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.RootURL == "" {
		return fmt.Errorf("root URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.RootURL)
	if err != nil {
		return fmt.Errorf("invalid root URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("root URL must use http or https")
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("root URL must include a host")
	}

	if c.ProxyURL != "" {
		proxy, err := url.Parse(c.ProxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
		switch strings.ToLower(proxy.Scheme) {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("proxy URL scheme must be http, https, socks5 or socks5h")
		}
		if proxy.Host == "" || proxy.Port() == "" {
			return fmt.Errorf("proxy URL must be scheme://host:port")
		}
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("max body size must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	switch strings.ToUpper(c.PageSize) {
	case "A4", "A5", "LETTER", "LEGAL":
	default:
		return fmt.Errorf("page size must be A4, A5, Letter or Legal")
	}

	return nil
}

// Proxy returns the parsed proxy URL, or nil when no proxy is configured.
func (c *Config) Proxy() (*url.URL, error) {
	if strings.TrimSpace(c.ProxyURL) == "" {
		return nil, nil
	}
	proxy, err := url.Parse(c.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return proxy, nil
}
