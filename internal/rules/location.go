package rules

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	locationAllowedRisk  = 0.1
	locationForeignRisk  = 0.6
	locationHighRiskRisk = 0.9
)

// LocationRule scores the origin country against allow and high-risk lists,
// adding an increment when the origin IP falls in a flagged network.
type LocationRule struct {
	cfg      domain.LocationRuleConfig
	allowed  map[string]bool
	highRisk map[string]bool
	networks []netip.Prefix
}

// NewLocationRule creates the location rule. Unparseable CIDRs are rejected
// by EngineConfig.Validate and skipped here.
func NewLocationRule(cfg domain.LocationRuleConfig) *LocationRule {
	r := &LocationRule{
		cfg:      cfg,
		allowed:  upperSet(cfg.AllowedCountries),
		highRisk: upperSet(cfg.HighRiskCountries),
	}
	for _, cidr := range cfg.FlaggedNetworks {
		if p, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err == nil {
			r.networks = append(r.networks, p.Masked())
		}
	}
	return r
}

func (r *LocationRule) Name() string              { return NameLocation }
func (r *LocationRule) Params() domain.RuleParams { return r.cfg.RuleParams }

// Evaluate scores the transaction's origin.
func (r *LocationRule) Evaluate(tx *domain.Transaction, _ domain.Signals) domain.RiskFactor {
	country := strings.ToUpper(tx.Location.Country)

	var (
		value  float64
		reason string
	)
	switch {
	case r.highRisk[country]:
		value, reason = locationHighRiskRisk, fmt.Sprintf("country %s is on the high-risk list", country)
	case r.allowed[country]:
		value, reason = locationAllowedRisk, fmt.Sprintf("country %s is allowed", country)
	default:
		value, reason = locationForeignRisk, fmt.Sprintf("country %s is outside the allow-list", country)
	}

	if ip, ok := tx.IP(); ok {
		if prefix, flagged := r.flagged(ip); flagged {
			value += r.cfg.IPIncrement
			reason += fmt.Sprintf("; origin %s in flagged network %s", ip, prefix)
		}
	}
	return factor(NameLocation, r.cfg.RuleParams, value, reason)
}

func (r *LocationRule) flagged(ip netip.Addr) (netip.Prefix, bool) {
	ip = ip.Unmap()
	for _, p := range r.networks {
		if p.Contains(ip) {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

func upperSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.ToUpper(strings.TrimSpace(it))] = true
	}
	return set
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.ToLower(strings.TrimSpace(it))] = true
	}
	return set
}
