package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/logging"
	"github.com/convertica/convertica/internal/metrics"
)

// ErrNoQueue is returned when Dispatch gets options without a queue.
var ErrNoQueue = errors.New("task options have no queue")

// WorkerGroup is the consumer group the conversion workers read with.
const WorkerGroup = "convertica-workers"

// StreamName returns the Redis stream backing queue.
func StreamName(queue string) string {
	return "tasks:v1:" + queue
}

// Task is a conversion handed to the worker pool.
type Task struct {
	RequestID      string
	ConversionType string
	Payload        map[string]any
}

// StreamAdder appends an entry to a Redis stream.
type StreamAdder interface {
	AddToStream(ctx context.Context, stream string, values map[string]any) (string, error)
}

// Dispatcher submits tasks to the queue streams.
type Dispatcher struct {
	streams StreamAdder
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher writing through streams.
func NewDispatcher(streams StreamAdder, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		streams: streams,
		logger:  logging.Component(logger, "tasks"),
		metrics: m,
	}
}

// Dispatch appends task to the stream of opts.Queue() and returns the
// stream message ID. Options other than queue and priority travel with the
// task as JSON.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task, opts Options) (string, error) {
	queue := opts.Queue()
	if queue == "" {
		return "", ErrNoQueue
	}

	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	fields := map[string]any{
		"requestId": task.RequestID,
		"type":      task.ConversionType,
		"priority":  opts.Priority(),
		"payload":   string(payload),
	}

	extra := make(map[string]any, len(opts))
	for k, v := range opts {
		if k != OptionQueue && k != OptionPriority {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		enc, err := json.Marshal(extra)
		if err != nil {
			return "", fmt.Errorf("marshal task options: %w", err)
		}
		fields["options"] = string(enc)
	}

	id, err := d.streams.AddToStream(ctx, StreamName(queue), fields)
	if err != nil {
		return "", fmt.Errorf("dispatch %s to %s: %w", task.RequestID, queue, err)
	}

	d.metrics.TaskDispatched(queue)
	d.logger.Debug("task dispatched",
		zap.String("request_id", task.RequestID),
		zap.String("conversion_type", task.ConversionType),
		zap.String("queue", queue),
		zap.Int("priority", opts.Priority()),
	)
	return id, nil
}
