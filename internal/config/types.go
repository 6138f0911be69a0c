package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 支持 "64MB"、"512KiB" 或纯字节数写法。
type ByteSize int64

// UnmarshalText 使用 go-humanize 解析容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = 0
		return nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size: %s", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 以人类可读格式输出，例如 64 MB。
func (b ByteSize) String() string {
	if b <= 0 {
		return "0 B"
	}
	return humanize.Bytes(uint64(b))
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 tier 与 proxy 共享同一份参数。
type GlobalConfig struct {
	LogLevel         string   `mapstructure:"LogLevel" validate:"required,oneof=trace debug info warn warning error fatal panic"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize" validate:"gte=0"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups" validate:"gte=0"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	Host             string   `mapstructure:"Host" validate:"required"`
	ProxyPort        int      `mapstructure:"ProxyPort" validate:"min=1,max=65535"`
	CacheTTL         Duration `mapstructure:"CacheTTL" validate:"gte=0"`
	MaxEntries       int      `mapstructure:"MaxEntries" validate:"gte=0"`
	MaxMemoryCache   ByteSize `mapstructure:"MaxMemoryCacheSize" validate:"gte=0"`
	MaxRetries       int      `mapstructure:"MaxRetries" validate:"gte=0"`
	InitialBackoff   Duration `mapstructure:"InitialBackoff" validate:"gt=0"`
	MaxBackoff       Duration `mapstructure:"MaxBackoff" validate:"gtefield=InitialBackoff"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout" validate:"gt=0"`
	ProxyRetries     int      `mapstructure:"ProxyRetries" validate:"gte=0"`
	BreakerThreshold int      `mapstructure:"BreakerThreshold" validate:"gte=0"`
	BreakerCooldown  Duration `mapstructure:"BreakerCooldown" validate:"gte=0"`
	GracePeriod      Duration `mapstructure:"GracePeriod" validate:"gt=0"`
	ReadinessTimeout Duration `mapstructure:"ReadinessTimeout" validate:"gt=0"`
	RequestLogSize   int      `mapstructure:"RequestLogSize" validate:"gte=0"`
}

// FetchBudget 返回一次回源（含全部重试与退避）的总时长上限。
func (g GlobalConfig) FetchBudget() time.Duration {
	attempts := g.MaxRetries + 1
	budget := time.Duration(attempts) * g.UpstreamTimeout.DurationValue()
	wait := g.InitialBackoff.DurationValue()
	for i := 1; i < attempts; i++ {
		if max := g.MaxBackoff.DurationValue(); max > 0 && wait > max {
			wait = max
		}
		budget += wait
		wait *= 2
	}
	return budget
}

// TierConfig 描述链路中的单个 tier；Upstream 为空表示 origin。
type TierConfig struct {
	Name           string   `mapstructure:"Name" validate:"required"`
	Port           int      `mapstructure:"Port" validate:"min=1,max=65535"`
	Upstream       string   `mapstructure:"Upstream"`
	CacheTTL       Duration `mapstructure:"CacheTTL" validate:"gte=0"`
	MaxEntries     int      `mapstructure:"MaxEntries" validate:"gte=0"`
	MaxMemoryCache ByteSize `mapstructure:"MaxMemoryCacheSize" validate:"gte=0"`
}

// IsOrigin 表示该 tier 没有上游。
func (t TierConfig) IsOrigin() bool {
	return strings.TrimSpace(t.Upstream) == ""
}

// Config 是 TOML 文件映射的整体结构，Tiers 按启动顺序排列（origin 在前）。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Tiers  []TierConfig `mapstructure:"Tier"`
}

// EffectiveCacheTTL 返回特定 tier 生效的 TTL。未覆盖时 origin 不过期，
// 其余 tier 回退至全局值。
func (c *Config) EffectiveCacheTTL(t TierConfig) time.Duration {
	if t.CacheTTL.DurationValue() > 0 {
		return t.CacheTTL.DurationValue()
	}
	if t.IsOrigin() {
		return 0
	}
	return c.Global.CacheTTL.DurationValue()
}

// EffectiveMaxEntries 返回 tier 的条目上限，0 表示不限制。
func (c *Config) EffectiveMaxEntries(t TierConfig) int {
	if t.MaxEntries > 0 {
		return t.MaxEntries
	}
	return c.Global.MaxEntries
}

// EffectiveMaxMemory 返回 tier 的字节预算，0 表示不限制。
func (c *Config) EffectiveMaxMemory(t TierConfig) int64 {
	if t.MaxMemoryCache > 0 {
		return t.MaxMemoryCache.Int64()
	}
	return c.Global.MaxMemoryCache.Int64()
}

// TierAddr 返回 tier 的监听地址 host:port。
func (c *Config) TierAddr(t TierConfig) string {
	return joinHostPort(c.Global.Host, t.Port)
}

// ProxyAddr 返回反向代理的监听地址。
func (c *Config) ProxyAddr() string {
	return joinHostPort(c.Global.Host, c.Global.ProxyPort)
}

// Lookup 根据名称返回 tier 配置。
func (c *Config) Lookup(name string) (TierConfig, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierConfig{}, false
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
