package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// Version 集成版本号，用于客户端标识
	Version = "1.0.0"

	DefaultProxyHost           = "http://proxy.zyte.com:8011"
	DefaultStaticBypassPattern = `.*?\.(?:txt|json|css|less|gif|ico|jpe?g|svg|png|webp|mkv|mp4|mpe?g|webm|eot|ttf|woff2?)$`
	DefaultIntegration         = "cdp"
	DefaultDevtoolsURL         = "http://127.0.0.1:9222"

	envPrefix = "SPM"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// Config 配置文件结构体
type Config struct {
	Version     string `yaml:"version"`
	APIKey      string `yaml:"apiKey"`
	ProxyHost   string `yaml:"proxyHost"`
	Integration string `yaml:"integration"`
	DevtoolsURL string `yaml:"devtoolsUrl"`

	StaticBypass              bool     `yaml:"staticBypass"`
	StaticBypassPattern       string   `yaml:"staticBypassPattern"`
	StaticBypassGlobs         []string `yaml:"staticBypassGlobs"`
	StaticBypassResourceTypes []string `yaml:"staticBypassResourceTypes"`

	// Headers 静态覆盖头，整体替换默认策略头；值为 null 的条目不会发送
	Headers map[string]*string `yaml:"headers"`

	SessionCreateTimeout time.Duration `yaml:"sessionCreateTimeout"`
	BypassTimeout        time.Duration `yaml:"bypassTimeout"`
	BypassMaxBodyBytes   int64         `yaml:"bypassMaxBodyBytes"`
	Concurrency          int           `yaml:"concurrency"`

	Sqlite  SqliteConfig  `yaml:"sqlite"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SqliteConfig 会话日志存储
type SqliteConfig struct {
	Dsn    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string   `yaml:"level"`
	Writer []string `yaml:"writer"`
	File   string   `yaml:"file"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// envOverrides 可由环境变量覆盖的配置项（前缀 SPM_）
type envOverrides struct {
	Apikey       string
	ProxyHost    string `split_words:"true"`
	StaticBypass *bool  `split_words:"true"`
	Integration  string
	DevtoolsURL  string `split_words:"true"`
	LogLevel     string `split_words:"true"`
	SqliteDsn    string `split_words:"true"`
	MetricsAddr  string `split_words:"true"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version:              Version,
		ProxyHost:            DefaultProxyHost,
		Integration:          DefaultIntegration,
		DevtoolsURL:          DefaultDevtoolsURL,
		StaticBypass:         true,
		StaticBypassPattern:  DefaultStaticBypassPattern,
		Headers:              DefaultHeaders(),
		SessionCreateTimeout: 30 * time.Second,
		BypassTimeout:        30 * time.Second,
		Sqlite: SqliteConfig{
			Prefix: "smartproxy_",
		},
		Log: LogConfig{
			Level:  "info",
			Writer: []string{"console"},
		},
	}
}

// DefaultHeaders 默认策略头：关闭封禁检测、固定 profile、禁用 cookie 托管
func DefaultHeaders() map[string]*string {
	return map[string]*string{
		"X-Crawlera-No-Bancheck": strPtr("1"),
		"X-Crawlera-Profile":     strPtr("pass"),
		"X-Crawlera-Cookies":     strPtr("disable"),
	}
}

// Load 读取 YAML 配置文件并叠加到默认配置上
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()
	cfg.Headers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Headers == nil {
		cfg.Headers = DefaultHeaders()
	}
	return cfg, nil
}

// ApplyEnv 使用 SPM_ 前缀的环境变量覆盖配置
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("read env: %w", err)
	}
	if env.Apikey != "" {
		c.APIKey = env.Apikey
	}
	if env.ProxyHost != "" {
		c.ProxyHost = env.ProxyHost
	}
	if env.StaticBypass != nil {
		c.StaticBypass = *env.StaticBypass
	}
	if env.Integration != "" {
		c.Integration = env.Integration
	}
	if env.DevtoolsURL != "" {
		c.DevtoolsURL = env.DevtoolsURL
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.SqliteDsn != "" {
		c.Sqlite.Dsn = env.SqliteDsn
	}
	if env.MetricsAddr != "" {
		c.Metrics.Addr = env.MetricsAddr
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: apiKey is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.ProxyHost)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: proxyHost %q must be an absolute URL", ErrInvalidConfig, c.ProxyHost)
	}
	if c.StaticBypassPattern != "" {
		if _, err := regexp.Compile(c.StaticBypassPattern); err != nil {
			return fmt.Errorf("%w: staticBypassPattern: %v", ErrInvalidConfig, err)
		}
	}
	for _, g := range c.StaticBypassGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("%w: staticBypassGlobs: bad pattern %q", ErrInvalidConfig, g)
		}
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must not be negative", ErrInvalidConfig)
	}
	if c.BypassMaxBodyBytes < 0 {
		return fmt.Errorf("%w: bypassMaxBodyBytes must not be negative", ErrInvalidConfig)
	}
	return nil
}

func strPtr(s string) *string { return &s }
