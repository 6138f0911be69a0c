package routes

import (
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/tierhub/internal/chain"
	"github.com/any-hub/tierhub/internal/tier"
)

// Diagnostics 描述一个单元可暴露的诊断数据，未提供的字段对应的接口不会注册。
type Diagnostics struct {
	Unit string
	// Role 为 "tier" 或 "proxy"。
	Role     string
	Tier     *tier.Tier
	Chain    *chain.Chain
	Gatherer prometheus.Gatherer
	// Stats 供非 tier 单元（proxy）输出自定义统计。
	Stats func() any
}

// RegisterDiagnostics 暴露 /-/healthz、/-/stats、/-/chain 与 /-/metrics。
func RegisterDiagnostics(app *fiber.App, diag Diagnostics) {
	if app == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		if diag.Tier != nil && diag.Tier.Asleep() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "asleep",
				"unit":   diag.Unit,
				"role":   diag.Role,
			})
		}
		return c.JSON(fiber.Map{
			"status": "ok",
			"unit":   diag.Unit,
			"role":   diag.Role,
		})
	})

	if diag.Tier != nil || diag.Stats != nil {
		app.Get("/-/stats", func(c fiber.Ctx) error {
			if diag.Tier != nil {
				return c.JSON(encodeTierStats(diag.Tier.Stats()))
			}
			return c.JSON(diag.Stats())
		})
	}

	if diag.Chain != nil {
		app.Get("/-/chain", func(c fiber.Ctx) error {
			return c.JSON(encodeChain(diag.Chain))
		})
	}

	if diag.Gatherer != nil {
		handler := promhttp.HandlerFor(diag.Gatherer, promhttp.HandlerOpts{})
		app.Get("/-/metrics", adaptor.HTTPHandler(handler))
	}
}

type tierStatsPayload struct {
	tier.Stats
	HumanBytes    string `json:"human_bytes"`
	HumanMaxBytes string `json:"human_max_bytes,omitempty"`
	HitRatio      string `json:"hit_ratio"`
}

type chainPayload struct {
	Head   string           `json:"head"`
	Origin string           `json:"origin"`
	Tiers  []chain.TierSpec `json:"tiers"`
	Links  []chain.TierLink `json:"links"`
}

func encodeTierStats(stats tier.Stats) tierStatsPayload {
	payload := tierStatsPayload{
		Stats:      stats,
		HumanBytes: humanize.Bytes(uint64(stats.Store.Bytes)),
		HitRatio:   "0%",
	}
	if stats.Store.MaxBytes > 0 {
		payload.HumanMaxBytes = humanize.Bytes(uint64(stats.Store.MaxBytes))
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		payload.HitRatio = humanize.FtoaWithDigits(float64(stats.Hits)*100/float64(total), 1) + "%"
	}
	return payload
}

func encodeChain(c *chain.Chain) chainPayload {
	return chainPayload{
		Head:   c.Head().ID,
		Origin: c.Origin().ID,
		Tiers:  c.Tiers(),
		Links:  c.Links(),
	}
}
