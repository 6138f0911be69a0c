// Package chain validates and holds the tier topology: an ordered list of tiers
// in start order where each tier's upstream is the tier started immediately
// before it and the first tier is the only origin. The chain is built once and
// never changes while the group runs.
package chain

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrMisconfiguredChain 表示拓扑不合法（多个 origin、环、悬空上游等），启动必须失败。
var ErrMisconfiguredChain = errors.New("misconfigured chain")

// DefaultHost 是只给出端口时补全的主机名。
const DefaultHost = "127.0.0.1"

// TierSpec 描述一个 tier 的身份、监听地址与上游地址；Upstream 为空表示 origin。
type TierSpec struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Upstream string `json:"upstream,omitempty"`
}

// IsOrigin 表示该 tier 没有上游。
func (s TierSpec) IsOrigin() bool {
	return s.Upstream == ""
}

// TierLink 是一条从 tier 指向其上游的有向边，To 为空表示 origin。
type TierLink struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
}

// Chain 是经过校验的线性拓扑，tiers[0] 为 origin，最后一个为 head。
type Chain struct {
	tiers []TierSpec
	byID  map[string]int
}

// New 按启动顺序校验 specs，任何歧义或环都返回包装了 ErrMisconfiguredChain 的错误。
func New(specs []TierSpec) (*Chain, error) {
	if len(specs) == 0 {
		return nil, misconfigured("chain has no tiers")
	}

	byID := make(map[string]int, len(specs))
	byAddr := make(map[string]int, len(specs))
	tiers := make([]TierSpec, len(specs))
	for i, spec := range specs {
		spec.ID = strings.TrimSpace(spec.ID)
		if spec.ID == "" {
			return nil, misconfigured(fmt.Sprintf("tier #%d has no id", i))
		}
		addr, err := NormalizeAddr(spec.Addr)
		if err != nil {
			return nil, misconfigured(fmt.Sprintf("tier %s: %v", spec.ID, err))
		}
		spec.Addr = addr
		if strings.TrimSpace(spec.Upstream) != "" {
			upstream, err := NormalizeAddr(spec.Upstream)
			if err != nil {
				return nil, misconfigured(fmt.Sprintf("tier %s upstream: %v", spec.ID, err))
			}
			spec.Upstream = upstream
		} else {
			spec.Upstream = ""
		}
		if _, dup := byID[spec.ID]; dup {
			return nil, misconfigured(fmt.Sprintf("duplicate tier id %s", spec.ID))
		}
		if other, dup := byAddr[spec.Addr]; dup {
			return nil, misconfigured(fmt.Sprintf("tier %s reuses address %s of tier %s", spec.ID, spec.Addr, tiers[other].ID))
		}
		byID[spec.ID] = i
		byAddr[spec.Addr] = i
		tiers[i] = spec
	}

	origins := 0
	for _, spec := range tiers {
		if spec.IsOrigin() {
			origins++
		}
	}
	if origins != 1 {
		return nil, misconfigured(fmt.Sprintf("expected exactly one origin, found %d", origins))
	}
	if !tiers[0].IsOrigin() {
		return nil, misconfigured(fmt.Sprintf("first started tier %s must be the origin", tiers[0].ID))
	}

	for i := 1; i < len(tiers); i++ {
		spec := tiers[i]
		if spec.Upstream == spec.Addr {
			return nil, misconfigured(fmt.Sprintf("tier %s points at itself", spec.ID))
		}
		expected := tiers[i-1].Addr
		if spec.Upstream == expected {
			continue
		}
		target, known := byAddr[spec.Upstream]
		switch {
		case !known:
			return nil, misconfigured(fmt.Sprintf("tier %s has dangling upstream %s", spec.ID, spec.Upstream))
		case target > i:
			return nil, misconfigured(fmt.Sprintf("tier %s points at later tier %s, forming a cycle", spec.ID, tiers[target].ID))
		default:
			return nil, misconfigured(fmt.Sprintf("tier %s must use previously started tier %s as upstream, not %s", spec.ID, tiers[i-1].ID, tiers[target].ID))
		}
	}

	return &Chain{tiers: tiers, byID: byID}, nil
}

// Head 返回最后启动、离客户端最近的 tier。
func (c *Chain) Head() TierSpec {
	return c.tiers[len(c.tiers)-1]
}

// Origin 返回没有上游的 tier。
func (c *Chain) Origin() TierSpec {
	return c.tiers[0]
}

// Len 返回 tier 数量。
func (c *Chain) Len() int {
	return len(c.tiers)
}

// Tiers 按启动顺序返回副本。
func (c *Chain) Tiers() []TierSpec {
	return append([]TierSpec(nil), c.tiers...)
}

// Lookup 根据 ID 返回 tier。
func (c *Chain) Lookup(id string) (TierSpec, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return TierSpec{}, false
	}
	return c.tiers[idx], true
}

// UpstreamOf 返回 id 对应 tier 的上游；origin 或未知 id 返回 false。
func (c *Chain) UpstreamOf(id string) (TierSpec, bool) {
	idx, ok := c.byID[id]
	if !ok || idx == 0 {
		return TierSpec{}, false
	}
	return c.tiers[idx-1], true
}

// Links 按启动顺序返回每个 tier 指向上游的边。
func (c *Chain) Links() []TierLink {
	links := make([]TierLink, len(c.tiers))
	for i, spec := range c.tiers {
		links[i] = TierLink{From: spec.ID}
		if i > 0 {
			links[i].To = c.tiers[i-1].ID
		}
	}
	return links
}

// NormalizeAddr 将 "5001"、":5001"、"host:5001" 或 "http://host:5001" 统一为 host:port。
func NormalizeAddr(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "http://")
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" {
		return "", errors.New("address is empty")
	}
	if port, err := strconv.Atoi(raw); err == nil {
		return joinHostPort(DefaultHost, port)
	}
	host, portRaw, err := net.SplitHostPort(raw)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return "", fmt.Errorf("invalid port in %q", raw)
	}
	if host == "" {
		host = DefaultHost
	}
	return joinHostPort(strings.ToLower(host), port)
}

func joinHostPort(host string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("port %d out of range 1-65535", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func misconfigured(reason string) error {
	return fmt.Errorf("%w: %s", ErrMisconfiguredChain, reason)
}
