package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 接受 Go Duration 字符串（"30s"、"5m"）或以秒为单位的数字（"15"、"1.5"、"0x1e"）。
type Duration time.Duration

// UnmarshalText 是 Duration 唯一的文本解析入口，viper 的 decode hook 同样经由这里。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		base = 0
	}
	if seconds, err := strconv.ParseInt(raw, base, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 支持的缓存后端。
const (
	BackendFilesystem = "filesystem"
	BackendPostgres   = "postgres"
	BackendDynamoDB   = "dynamodb"
)

// GlobalConfig 描述进程级运行参数，Origin 在进程生命周期内不可变。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	Origin          string   `mapstructure:"Origin"`
	StoragePath     string   `mapstructure:"StoragePath"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// CacheConfig 决定缓存后端以及键派生的可选行为。
type CacheConfig struct {
	Backend string `mapstructure:"Backend"`
	// IncludeQuery 为 true 时查询串参与键派生与回源 URL；默认关闭以保持仅按路径缓存。
	IncludeQuery bool `mapstructure:"IncludeQuery"`
	// CoalesceMisses 为 true 时同一条目的并发 miss 共享一次回源。
	CoalesceMisses bool   `mapstructure:"CoalesceMisses"`
	PostgresDSN    string `mapstructure:"PostgresDSN"`
	DynamoTable    string `mapstructure:"DynamoTable"`
	DynamoRegion   string `mapstructure:"DynamoRegion"`
	DynamoEndpoint string `mapstructure:"DynamoEndpoint"`
}

// Config 是配置文件、环境变量与 CLI 参数合并后的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// HasOrigin 表示是否配置了回源地址。
func (c *Config) HasOrigin() bool {
	return c != nil && strings.TrimSpace(c.Global.Origin) != ""
}

// RequireOrigin 在启动监听前确认 Origin 已配置，缺失时返回 UsageError。
func (c *Config) RequireOrigin() error {
	if !c.HasOrigin() {
		return UsageError{Reason: "--origin must be provided unless --clear-cache is used"}
	}
	return nil
}
