package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Defaults 返回仅包含全局默认值的配置，供单 tier / 单 proxy 模式在没有配置文件时使用。
func Defaults() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Host", "127.0.0.1")
	v.SetDefault("ProxyPort", 5000)
	v.SetDefault("CacheTTL", "10m")
	v.SetDefault("MaxEntries", 10000)
	v.SetDefault("MaxMemoryCacheSize", "64MB")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "100ms")
	v.SetDefault("MaxBackoff", "2s")
	v.SetDefault("UpstreamTimeout", "5s")
	v.SetDefault("ProxyRetries", 2)
	v.SetDefault("BreakerThreshold", 5)
	v.SetDefault("BreakerCooldown", "10s")
	v.SetDefault("GracePeriod", "5s")
	v.SetDefault("ReadinessTimeout", "3s")
	v.SetDefault("RequestLogSize", 5)
}

// ApplyDefaults 为未通过 viper 加载的配置补齐零值字段，并规整 tier 条目。
func ApplyDefaults(cfg *Config) {
	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Tiers {
		applyTierDefaults(&cfg.Tiers[i])
	}
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
	if g.Host = strings.TrimSpace(g.Host); g.Host == "" {
		g.Host = "127.0.0.1"
	}
	if g.ProxyPort == 0 {
		g.ProxyPort = 5000
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(100 * time.Millisecond)
	}
	if g.MaxBackoff.DurationValue() == 0 {
		g.MaxBackoff = Duration(2 * time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(5 * time.Second)
	}
	if g.GracePeriod.DurationValue() == 0 {
		g.GracePeriod = Duration(5 * time.Second)
	}
	if g.ReadinessTimeout.DurationValue() == 0 {
		g.ReadinessTimeout = Duration(3 * time.Second)
	}
	if g.RequestLogSize == 0 {
		g.RequestLogSize = 5
	}
}

func applyTierDefaults(t *TierConfig) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" && t.Port > 0 {
		t.Name = fmt.Sprintf("tier-%d", t.Port)
	}
	t.Upstream = strings.TrimSpace(t.Upstream)
	if t.CacheTTL.DurationValue() < 0 {
		t.CacheTTL = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
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

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return ByteSize(0), nil
			}
			parsed, err := humanize.ParseBytes(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return ByteSize(parsed), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
