package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envBindings 定义配置键与环境变量的映射，ORIGIN_URL 兼容旧版部署脚本。
var envBindings = map[string][]string{
	"ListenPort":           {"CACHE_PROXY_PORT"},
	"Origin":               {"CACHE_PROXY_ORIGIN", "ORIGIN_URL"},
	"StoragePath":          {"CACHE_PROXY_STORAGE"},
	"LogLevel":             {"CACHE_PROXY_LOG_LEVEL"},
	"LogFilePath":          {"CACHE_PROXY_LOG_FILE"},
	"UpstreamTimeout":      {"CACHE_PROXY_UPSTREAM_TIMEOUT"},
	"Cache.Backend":        {"CACHE_PROXY_BACKEND"},
	"Cache.IncludeQuery":   {"CACHE_PROXY_INCLUDE_QUERY"},
	"Cache.CoalesceMisses": {"CACHE_PROXY_COALESCE"},
	"Cache.PostgresDSN":    {"CACHE_PROXY_POSTGRES_DSN"},
	"Cache.DynamoTable":    {"CACHE_PROXY_DYNAMO_TABLE"},
	"Cache.DynamoRegion":   {"CACHE_PROXY_DYNAMO_REGION"},
	"Cache.DynamoEndpoint": {"CACHE_PROXY_DYNAMO_ENDPOINT"},
}

// flagBindings 定义配置键与 CLI 标志名的映射，未注册的标志会被跳过。
var flagBindings = map[string]string{
	"ListenPort":    "port",
	"Origin":        "origin",
	"StoragePath":   "storage",
	"LogLevel":      "log-level",
	"Cache.Backend": "backend",
}

// Load 合并默认值、可选的 TOML 配置文件、环境变量与 CLI 标志（优先级依次升高），
// 然后执行校验。path 为空时不读取配置文件。
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	if flags != nil {
		for key, name := range flagBindings {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("绑定参数失败: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8000)
	v.SetDefault("Origin", "")
	v.SetDefault("StoragePath", "cache")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Cache.Backend", BackendFilesystem)
	v.SetDefault("Cache.IncludeQuery", false)
	v.SetDefault("Cache.CoalesceMisses", false)
}

func applyDefaults(cfg *Config) {
	g := &cfg.Global
	g.Origin = strings.TrimSpace(g.Origin)
	if g.ListenPort == 0 {
		g.ListenPort = 8000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	if backend == "" {
		backend = BackendFilesystem
	}
	cfg.Cache.Backend = backend
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			var d Duration
			if err := d.UnmarshalText([]byte(v)); err != nil {
				return nil, fmt.Errorf("无法解析 Duration 字段: %w", err)
			}
			return d, nil
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
