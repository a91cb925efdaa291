package cachesync

import (
	"strings"

	"PAccess/logger"
	"PAccess/service/realtime"
	decode "PAccess/tools/decode"

	"go.uber.org/zap"
)

// 缓存主题：后台各查询缓存的失效单元。
const (
	TopicDashboardMetrics = "dashboard-metrics"
	TopicSitesStatus      = "sites-status"
	TopicRecentActivity   = "recent-activity"
	TopicAlerts           = "alerts"
	TopicWatchlist        = "watchlist"
	TopicReports          = "reports"
)

// Invalidator marks a cache topic stale. Implementations never touch cached
// content; the owning caches refetch on their own pull schedule.
type Invalidator interface {
	Invalidate(topic string)
}

// Rule maps an event kind onto the topics it stales. A Kind ending in ":*"
// matches by prefix ("entry:*" covers entry:created, entry:updated, ...).
type Rule struct {
	Kind   string
	Topics []string
}

// DefaultRules is the static event-kind → topic table for the console.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: "entry:*", Topics: []string{TopicRecentActivity, TopicDashboardMetrics, TopicSitesStatus}},
		{Kind: "alert:*", Topics: []string{TopicAlerts, TopicDashboardMetrics}},
		{Kind: "emergency_mode", Topics: []string{TopicSitesStatus, TopicDashboardMetrics}},
		{Kind: "watchlist:*", Topics: []string{TopicWatchlist}},
		{Kind: "report:ready", Topics: []string{TopicReports}},
	}
}

// Bridge is the only consumer of the realtime channel's events. It translates
// event kinds into topic invalidations so polling caches pick up fresh data
// right away instead of waiting out their poll interval.
type Bridge struct {
	inv   Invalidator
	exact map[string][]string
	// prefix rules keep table order so invalidation order is deterministic.
	prefixes []Rule
}

func NewBridge(inv Invalidator, rules []Rule) *Bridge {
	b := &Bridge{inv: inv, exact: make(map[string][]string)}
	for _, r := range rules {
		if k, ok := strings.CutSuffix(r.Kind, ":*"); ok {
			b.prefixes = append(b.prefixes, Rule{Kind: k + ":", Topics: r.Topics})
			continue
		}
		b.exact[r.Kind] = r.Topics
	}
	return b
}

// Attach subscribes the bridge to a channel. Events arrive in publish order
// on a given connection instance.
func (b *Bridge) Attach(ch *realtime.Channel) {
	ch.Subscribe(b.OnEvent)
}

type emergencyPayload struct {
	Active bool   `json:"active"`
	Site   string `json:"site"`
	Reason string `json:"reason"`
}

// OnEvent invalidates every topic mapped to the event's kind. Unknown kinds
// are inert: new server event kinds must never crash the console.
func (b *Bridge) OnEvent(ev realtime.Event) {
	if ev.Kind == "emergency_mode" {
		if p, err := decode.DecodeMap[emergencyPayload](ev.Payload); err == nil {
			logger.Warn("emergency mode toggled",
				zap.Bool("active", p.Active), zap.String("site", p.Site), zap.String("reason", p.Reason))
		}
	}

	topics := b.Lookup(ev.Kind)
	if len(topics) == 0 {
		logger.Debug("event kind unmapped, ignoring", zap.String("kind", ev.Kind))
		return
	}
	for _, t := range topics {
		b.inv.Invalidate(t)
	}
	logger.Debug("caches invalidated",
		zap.String("kind", ev.Kind), zap.Strings("topics", topics))
}

// Lookup resolves an event kind against the rule table. Exact rules win over
// prefix rules.
func (b *Bridge) Lookup(kind string) []string {
	if topics, ok := b.exact[kind]; ok {
		return topics
	}
	for _, r := range b.prefixes {
		if strings.HasPrefix(kind, r.Kind) {
			return r.Topics
		}
	}
	return nil
}
