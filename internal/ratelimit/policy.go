package ratelimit

import (
	"fmt"
)

// Policy is the composite limit of one group: a per-IP ceiling plus one
// ceiling per tier.
type Policy struct {
	Group  string
	IPRate Rate
	Tiers  map[Tier]Rate
}

// NewPolicy builds a policy from config strings. Every tier must be present.
func NewPolicy(group, ipRate string, tiers map[string]string) (Policy, error) {
	if group == "" {
		return Policy{}, fmt.Errorf("group name is required")
	}

	ip, err := ParseRate(ipRate)
	if err != nil {
		return Policy{}, fmt.Errorf("ip_rate: %w", err)
	}

	p := Policy{
		Group:  group,
		IPRate: ip,
		Tiers:  make(map[Tier]Rate, len(Tiers)),
	}
	for name, raw := range tiers {
		tier, err := ParseTier(name)
		if err != nil {
			return Policy{}, err
		}
		r, err := ParseRate(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("tier %s: %w", name, err)
		}
		p.Tiers[tier] = r
	}
	for _, t := range Tiers {
		if _, ok := p.Tiers[t]; !ok {
			return Policy{}, fmt.Errorf("tier %s: missing rate", t)
		}
	}
	return p, nil
}
