// Package policy maps broadcast channels to the minimum role tier allowed to
// subscribe. The mapping is fixed at startup and read-only afterwards.
package policy

import (
	"sort"

	"github.com/nmxmxh/marketgate/internal/token"
)

// Channel names clients can subscribe to.
const (
	ChannelUSStocks     = "us_stocks"
	ChannelAsianStocks  = "asian_stocks"
	ChannelFXRates      = "fx_rates"
	ChannelNews         = "news"
	ChannelMarketStatus = "market_status"
	ChannelAISignals    = "ai_signals"
	ChannelHeartbeat    = "heartbeat"
	ChannelAdminMetrics = "admin_metrics"
)

// Policy holds the static channel permission table.
type Policy struct {
	minRoles map[string]token.Role
}

// Default returns the production permission table.
func Default() *Policy {
	return New(map[string]token.Role{
		ChannelUSStocks:     token.RoleGuest,
		ChannelAsianStocks:  token.RoleGuest,
		ChannelMarketStatus: token.RoleGuest,
		ChannelHeartbeat:    token.RoleGuest,
		ChannelFXRates:      token.RoleBasic,
		ChannelNews:         token.RoleBasic,
		ChannelAISignals:    token.RolePremium,
		ChannelAdminMetrics: token.RoleAdmin,
	})
}

// New builds a policy from an explicit channel -> minimum role table.
func New(minRoles map[string]token.Role) *Policy {
	table := make(map[string]token.Role, len(minRoles))
	for ch, r := range minRoles {
		table[ch] = r
	}
	return &Policy{minRoles: table}
}

// HasPermission reports whether the role may subscribe to the channel.
// Unknown channels require the admin tier: fail closed, never open.
func (p *Policy) HasPermission(role token.Role, channel string) bool {
	min, ok := p.minRoles[channel]
	if !ok {
		min = token.RoleAdmin
	}
	return role.AtLeast(min)
}

// Known reports whether the channel exists in the permission table.
func (p *Policy) Known(channel string) bool {
	_, ok := p.minRoles[channel]
	return ok
}

// ChannelsFor returns the sorted set of channels the role may subscribe to.
// Sent to clients in the connection handshake ack.
func (p *Policy) ChannelsFor(role token.Role) []string {
	channels := make([]string, 0, len(p.minRoles))
	for ch, min := range p.minRoles {
		if role.AtLeast(min) {
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)
	return channels
}
