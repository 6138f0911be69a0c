package chain

import (
	"errors"
	"strings"
	"testing"
)

func referenceSpecs() []TierSpec {
	return []TierSpec{
		{ID: "tier-5001", Addr: "5001"},
		{ID: "tier-5002", Addr: "5002", Upstream: "5001"},
		{ID: "tier-5003", Addr: "5003", Upstream: "5002"},
		{ID: "tier-5004", Addr: "5004", Upstream: "5003"},
	}
}

func TestNewAcceptsLinearChain(t *testing.T) {
	c, err := New(referenceSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Len() != 4 {
		t.Fatalf("expected 4 tiers, got %d", c.Len())
	}
	if head := c.Head(); head.ID != "tier-5004" || head.Addr != "127.0.0.1:5004" {
		t.Fatalf("unexpected head: %+v", head)
	}
	if origin := c.Origin(); origin.ID != "tier-5001" || !origin.IsOrigin() {
		t.Fatalf("unexpected origin: %+v", origin)
	}
	up, ok := c.UpstreamOf("tier-5003")
	if !ok || up.ID != "tier-5002" {
		t.Fatalf("unexpected upstream of tier-5003: %+v %v", up, ok)
	}
	if _, ok := c.UpstreamOf("tier-5001"); ok {
		t.Fatalf("origin should have no upstream")
	}
	if _, ok := c.Lookup("missing"); ok {
		t.Fatalf("unknown id should not resolve")
	}
}

func TestLinksPointAtPreviousTier(t *testing.T) {
	c, err := New(referenceSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	links := c.Links()
	want := []TierLink{
		{From: "tier-5001"},
		{From: "tier-5002", To: "tier-5001"},
		{From: "tier-5003", To: "tier-5002"},
		{From: "tier-5004", To: "tier-5003"},
	}
	if len(links) != len(want) {
		t.Fatalf("expected %d links, got %d", len(want), len(links))
	}
	for i := range want {
		if links[i] != want[i] {
			t.Fatalf("link %d = %+v, want %+v", i, links[i], want[i])
		}
	}
}

func TestSingleOriginIsHead(t *testing.T) {
	c, err := New([]TierSpec{{ID: "only", Addr: "127.0.0.1:7000"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Head().ID != "only" || c.Origin().ID != "only" {
		t.Fatalf("single tier must be both head and origin")
	}
}

func TestTiersReturnsCopy(t *testing.T) {
	c, err := New(referenceSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tiers := c.Tiers()
	tiers[0].ID = "mutated"
	if c.Origin().ID != "tier-5001" {
		t.Fatalf("chain must not be mutated through Tiers()")
	}
}

func TestNewRejectsMisconfiguredChains(t *testing.T) {
	cases := []struct {
		name   string
		mutate func([]TierSpec) []TierSpec
		reason string
	}{
		{"empty", func([]TierSpec) []TierSpec { return nil }, "no tiers"},
		{"missing id", func(s []TierSpec) []TierSpec { s[1].ID = " "; return s }, "has no id"},
		{"duplicate id", func(s []TierSpec) []TierSpec { s[2].ID = "tier-5002"; return s }, "duplicate tier id"},
		{"duplicate addr", func(s []TierSpec) []TierSpec { s[3].Addr = "5003"; s[3].Upstream = "5002"; return s }, "reuses address"},
		{"two origins", func(s []TierSpec) []TierSpec { s[2].Upstream = ""; return s }, "exactly one origin"},
		{"no origin", func(s []TierSpec) []TierSpec { s[0].Upstream = "5004"; return s }, "exactly one origin"},
		{"origin not first", func(s []TierSpec) []TierSpec {
			return []TierSpec{
				{ID: "b", Addr: "5002", Upstream: "5001"},
				{ID: "a", Addr: "5001"},
			}
		}, "must be the origin"},
		{"dangling", func(s []TierSpec) []TierSpec { s[2].Upstream = "5999"; return s }, "dangling upstream"},
		{"self reference", func(s []TierSpec) []TierSpec { s[2].Upstream = "5003"; return s }, "points at itself"},
		{"forward reference", func(s []TierSpec) []TierSpec { s[1].Upstream = "5004"; return s }, "forming a cycle"},
		{"skip", func(s []TierSpec) []TierSpec { s[3].Upstream = "5001"; return s }, "previously started tier"},
		{"bad address", func(s []TierSpec) []TierSpec { s[1].Addr = "not-an-address"; return s }, "invalid address"},
		{"port out of range", func(s []TierSpec) []TierSpec { s[1].Addr = "70000"; return s }, "out of range"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.mutate(referenceSpecs()))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrMisconfiguredChain) {
				t.Fatalf("expected ErrMisconfiguredChain, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.reason) {
				t.Fatalf("error %q should mention %q", err, tc.reason)
			}
		})
	}
}

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{
		"5001":                   "127.0.0.1:5001",
		":5001":                  "127.0.0.1:5001",
		"localhost:5001":         "localhost:5001",
		"http://127.0.0.1:5001/": "127.0.0.1:5001",
		" 10.0.0.2:80 ":          "10.0.0.2:80",
	}
	for in, want := range cases {
		got, err := NormalizeAddr(in)
		if err != nil {
			t.Fatalf("NormalizeAddr(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeAddr(%q) = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"", "host", "host:abc", "0"} {
		if _, err := NormalizeAddr(bad); err == nil {
			t.Fatalf("NormalizeAddr(%q) should fail", bad)
		}
	}
}
