// Package tasks turns the caller's tier into scheduling hints for the
// conversion worker pool and hands accepted conversions to it.
package tasks

// Queue names.
const (
	QueuePremium = "premium"
	QueueRegular = "regular"
)

// Priorities understood by the worker pool; higher runs first.
const (
	PriorityPremium = 9
	PriorityRegular = 5
)

// Option keys set by ApplyOptions.
const (
	OptionQueue    = "queue"
	OptionPriority = "priority"
)

// Queues lists every queue the router can pick.
var Queues = []string{QueuePremium, QueueRegular}

// Options are keyword options for a task submission.
type Options map[string]any

// Queue returns the queue option, or "" when unset.
func (o Options) Queue() string {
	q, _ := o[OptionQueue].(string)
	return q
}

// Priority returns the priority option, or 0 when unset.
func (o Options) Priority() int {
	p, _ := o[OptionPriority].(int)
	return p
}

// QueueFor returns the queue for a caller with or without an active
// premium subscription.
func QueueFor(isPremium bool) string {
	if isPremium {
		return QueuePremium
	}
	return QueueRegular
}

// PriorityFor returns the task priority for the tier.
func PriorityFor(isPremium bool) int {
	if isPremium {
		return PriorityPremium
	}
	return PriorityRegular
}

// Override replaces a tier-derived option.
type Override func(*overrides)

type overrides struct {
	queue    *string
	priority *int
}

// WithQueue forces the queue.
func WithQueue(queue string) Override {
	return func(o *overrides) { o.queue = &queue }
}

// WithPriority forces the priority.
func WithPriority(priority int) Override {
	return func(o *overrides) { o.priority = &priority }
}

// ApplyOptions returns a copy of base with queue and priority set from the
// tier, unless an override names them. base is not modified.
func ApplyOptions(base Options, isPremium bool, opts ...Override) Options {
	var ov overrides
	for _, opt := range opts {
		opt(&ov)
	}

	out := make(Options, len(base)+2)
	for k, v := range base {
		out[k] = v
	}

	out[OptionQueue] = QueueFor(isPremium)
	if ov.queue != nil {
		out[OptionQueue] = *ov.queue
	}
	out[OptionPriority] = PriorityFor(isPremium)
	if ov.priority != nil {
		out[OptionPriority] = *ov.priority
	}
	return out
}
