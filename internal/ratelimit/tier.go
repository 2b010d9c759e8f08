package ratelimit

import (
	"fmt"
	"time"

	"github.com/convertica/convertica/internal/identity"
)

// Tier classifies a requester for quota purposes.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// Tiers lists every tier in ascending privilege order.
var Tiers = []Tier{TierAnonymous, TierAuthenticated, TierPremium}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// ResolveTier classifies u at now. Premium requires an authenticated user
// whose subscription has not expired; the premium flag alone is not enough.
func ResolveTier(u *identity.User, now time.Time) Tier {
	switch {
	case !u.IsAuthenticated():
		return TierAnonymous
	case u.IsSubscriptionActive(now):
		return TierPremium
	default:
		return TierAuthenticated
	}
}
