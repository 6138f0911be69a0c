package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/any-hub/tierhub/internal/chain"
)

var validate = validator.New()

// Validate 针对语义级别做进一步校验，防止非法配置或非法拓扑启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.ValidateGlobal(); err != nil {
		return err
	}
	if len(c.Tiers) == 0 {
		return errors.New("至少需要配置一个 Tier")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Tiers {
		tier := c.Tiers[i]
		if err := validate.Struct(tier); err != nil {
			return translateTierError(i, tier.Name, err)
		}
		if _, exists := seenNames[tier.Name]; exists {
			return newFieldError(tierField(i, tier.Name, "Name"), "重复")
		}
		seenNames[tier.Name] = struct{}{}
	}

	if _, err := c.Chain(); err != nil {
		return wrapFieldError("Tier", err)
	}
	return nil
}

// ValidateGlobal 只校验全局字段，单 tier / 单 proxy 模式复用。
func (c *Config) ValidateGlobal() error {
	if err := validate.Struct(c.Global); err != nil {
		return translateGlobalError(err)
	}
	return nil
}

// Chain 将 tier 配置转换为经过校验的拓扑。
func (c *Config) Chain() (*chain.Chain, error) {
	return chain.New(c.ChainSpecs())
}

// ChainSpecs 按声明顺序生成拓扑描述，Upstream 可以是 tier 名称、端口或 host:port。
func (c *Config) ChainSpecs() []chain.TierSpec {
	specs := make([]chain.TierSpec, len(c.Tiers))
	for i, t := range c.Tiers {
		specs[i] = chain.TierSpec{
			ID:       t.Name,
			Addr:     c.TierAddr(t),
			Upstream: c.ResolveUpstream(t.Upstream),
		}
	}
	return specs
}

// ResolveUpstream 将 tier 名称或裸端口补全为 host:port，其余写法原样交给 chain 规整。
func (c *Config) ResolveUpstream(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if named, ok := c.Lookup(raw); ok {
		return c.TierAddr(named)
	}
	if port, err := strconv.Atoi(raw); err == nil {
		return joinHostPort(c.Global.Host, port)
	}
	return raw
}

func translateGlobalError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	e := verrs[0]
	return newFieldError("Global."+globalFieldName(e.StructField()), describe(e))
}

func translateTierError(index int, name string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	e := verrs[0]
	return newFieldError(tierField(index, name, e.StructField()), describe(e))
}

// globalFieldName 将结构体字段名映射回 TOML 键名。
func globalFieldName(field string) string {
	if field == "MaxMemoryCache" {
		return "MaxMemoryCacheSize"
	}
	return field
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "不能为空"
	case "min", "max":
		return "必须在 1-65535"
	case "gte":
		return "不能为负数"
	case "gt":
		return "必须大于 0"
	case "gtefield":
		return fmt.Sprintf("不能小于 %s", e.Param())
	case "oneof":
		return "仅支持 " + strings.ReplaceAll(e.Param(), " ", "/")
	default:
		return fmt.Sprintf("不合法 (%s)", e.Tag())
	}
}
