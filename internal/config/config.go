// ============================================================================
// Actionguard Config - 配置載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 配置文件，再以環境變數覆蓋
//
// 載入順序（後者覆蓋前者）:
//   1. Default()                 內建預設值
//   2. YAML 文件                 路徑來自參數或 ACTIONGUARD_CONFIG
//   3. 環境變數                  ACTIONGUARD_METRICS_ENABLED 等
//
// profiles:
//   具名的可重用 modifier 配置（named configuration），
//   dispatch 時作為 Resolve 的 named layer 使用。
//   只有在 YAML 中出現的欄位會被設定，其餘欄位沿用預設值。
//
//   profiles:
//     search:
//       debounce: {duration: 300ms}
//       retry: {max_retries: 2}
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/actionguard/internal/modifier"
)

// Config 完整配置
type Config struct {
	Profiles map[string]modifier.Layer `yaml:"profiles"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Telemetry struct {
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`

	Simulate Simulate `yaml:"simulate"`

	DeviceID string `yaml:"device_id"`

	// Path 實際讀取的文件，沒有文件時為空字串
	Path string `yaml:"-"`
}

// Simulate `actionguard simulate` 的預設參數
type Simulate struct {
	Workers     int           `yaml:"workers"`
	Calls       int           `yaml:"calls"`
	Keys        int           `yaml:"keys"`
	Profile     string        `yaml:"profile"`
	ActionTime  time.Duration `yaml:"action_time"`
	FailureRate float64       `yaml:"failure_rate"`
}

// overrides 環境變數，未設定的欄位保持 nil
type overrides struct {
	ConfigPath     string  `env:"ACTIONGUARD_CONFIG"`
	MetricsEnabled *bool   `env:"ACTIONGUARD_METRICS_ENABLED"`
	MetricsPort    *int    `env:"ACTIONGUARD_METRICS_PORT"`
	OTelEndpoint   *string `env:"ACTIONGUARD_OTEL_ENDPOINT"`
	DeviceID       *string `env:"ACTIONGUARD_DEVICE_ID"`
}

// Default 內建預設值
func Default() *Config {
	cfg := &Config{Profiles: map[string]modifier.Layer{}}
	cfg.Metrics.Port = 9090
	cfg.Telemetry.ServiceName = "actionguard"
	cfg.Simulate = Simulate{
		Workers:    4,
		Calls:      100,
		Keys:       5,
		ActionTime: 20 * time.Millisecond,
	}
	return cfg
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load 載入配置
//
// 參數:
//   - path: YAML 文件路徑；空字串時改用 ACTIONGUARD_CONFIG，
//     兩者都沒有時只使用預設值與環境變數
//
// 返回值:
//   - *Config: 合併後的配置
//   - error: 文件讀取、YAML 解析或環境變數解析失敗
func Load(path string) (*Config, error) {
	var ov overrides
	if err := ParseEnv(&ov); err != nil {
		return nil, err
	}
	if path == "" {
		path = ov.ConfigPath
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
		if cfg.Profiles == nil {
			cfg.Profiles = map[string]modifier.Layer{}
		}
		cfg.Path = path
	}

	if ov.MetricsEnabled != nil {
		cfg.Metrics.Enabled = *ov.MetricsEnabled
	}
	if ov.MetricsPort != nil {
		cfg.Metrics.Port = *ov.MetricsPort
	}
	if ov.OTelEndpoint != nil {
		cfg.Telemetry.Endpoint = *ov.OTelEndpoint
	}
	if ov.DeviceID != nil {
		cfg.DeviceID = *ov.DeviceID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查數值範圍
func (c *Config) Validate() error {
	var errs []error
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if c.Simulate.FailureRate < 0 || c.Simulate.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("simulate.failure_rate must be within [0, 1]: %v", c.Simulate.FailureRate))
	}
	if c.Simulate.Profile != "" {
		if _, ok := c.Profiles[c.Simulate.Profile]; !ok {
			errs = append(errs, fmt.Errorf("simulate.profile %q is not defined", c.Simulate.Profile))
		}
	}
	for name, p := range c.Profiles {
		if p.Sequential != nil && p.Sequential.MaxQueueSize != nil && *p.Sequential.MaxQueueSize < 0 {
			errs = append(errs, fmt.Errorf("profiles.%s.sequential.max_queue_size must not be negative", name))
		}
		if p.Retry != nil && p.Retry.MaxRetries != nil && *p.Retry.MaxRetries < modifier.Unlimited {
			errs = append(errs, fmt.Errorf("profiles.%s.retry.max_retries must be -1 (unlimited) or more", name))
		}
	}
	return errors.Join(errs...)
}

// Profile 取得具名配置，回傳的 layer 可以直接傳給 modifier.Resolve
func (c *Config) Profile(name string) (*modifier.Layer, bool) {
	p, ok := c.Profiles[name]
	if !ok {
		return nil, false
	}
	return &p, true
}

// ProfileNames 依字母排序的 profile 名稱
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
