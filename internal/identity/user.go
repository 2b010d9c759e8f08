// Package identity resolves the caller of an API request and carries the
// result through the request context.
package identity

import (
	"context"
	"time"
)

// User is the snapshot of an authenticated account taken at request entry.
type User struct {
	ID        string
	IsPremium bool

	// SubscriptionEnd is nil for subscriptions without an end date
	SubscriptionEnd *time.Time
}

// IsAuthenticated reports whether u represents a signed-in account.
// A nil user is anonymous.
func (u *User) IsAuthenticated() bool {
	return u != nil && u.ID != ""
}

// IsSubscriptionActive reports whether a premium subscription is in effect
// at now. An expired subscription keeps IsPremium set until billing clears
// it, so callers must use this instead of the flag alone.
func (u *User) IsSubscriptionActive(now time.Time) bool {
	if !u.IsAuthenticated() || !u.IsPremium {
		return false
	}
	if u.SubscriptionEnd == nil {
		return true
	}
	return now.Before(*u.SubscriptionEnd)
}

type userKey struct{}

// WithUser attaches u to ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// FromContext returns the request user or nil for anonymous callers.
func FromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userKey{}).(*User)
	return u
}
