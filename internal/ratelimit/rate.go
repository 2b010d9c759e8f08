// Package ratelimit implements the combined IP + identity-tier rate limit
// evaluator for the conversion API, and the stats reporter over its
// decisions.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRate is returned for rate strings that are not "N/unit".
var ErrInvalidRate = errors.New("invalid rate")

// Rate is a ceiling of Limit hits per Window.
type Rate struct {
	Limit  int64
	Window time.Duration
}

// Blocked reports whether the rate admits no request at all.
func (r Rate) Blocked() bool {
	return r.Limit == 0
}

func (r Rate) String() string {
	switch r.Window {
	case time.Second:
		return fmt.Sprintf("%d/s", r.Limit)
	case time.Minute:
		return fmt.Sprintf("%d/m", r.Limit)
	case time.Hour:
		return fmt.Sprintf("%d/h", r.Limit)
	case 24 * time.Hour:
		return fmt.Sprintf("%d/d", r.Limit)
	}
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

// ParseRate parses "N/unit" where unit is s, m, h or d (or second, minute,
// hour, day). An optional multiplier is accepted: "100/15m".
func ParseRate(s string) (Rate, error) {
	count, period, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}

	limit, err := strconv.ParseInt(strings.TrimSpace(count), 10, 64)
	if err != nil || limit < 0 {
		return Rate{}, fmt.Errorf("%w: bad count in %q", ErrInvalidRate, s)
	}

	period = strings.ToLower(strings.TrimSpace(period))
	i := 0
	for i < len(period) && period[i] >= '0' && period[i] <= '9' {
		i++
	}
	mult := int64(1)
	if i > 0 {
		mult, err = strconv.ParseInt(period[:i], 10, 64)
		if err != nil || mult <= 0 {
			return Rate{}, fmt.Errorf("%w: bad period in %q", ErrInvalidRate, s)
		}
	}

	var unit time.Duration
	switch period[i:] {
	case "s", "sec", "second":
		unit = time.Second
	case "m", "min", "minute":
		unit = time.Minute
	case "h", "hour":
		unit = time.Hour
	case "d", "day":
		unit = 24 * time.Hour
	default:
		return Rate{}, fmt.Errorf("%w: unknown unit in %q", ErrInvalidRate, s)
	}

	if mult > int64(math.MaxInt64/unit) {
		return Rate{}, fmt.Errorf("%w: period too long in %q", ErrInvalidRate, s)
	}

	return Rate{Limit: limit, Window: time.Duration(mult) * unit}, nil
}
