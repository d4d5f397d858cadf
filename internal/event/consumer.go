package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	pkgkafka "github.com/utafrali/selfscan-checkout/pkg/kafka"
)

// TopicFlushRequested is consumed to flush a project's retry queue, for
// example after connectivity was restored on the store network.
var TopicFlushRequested = pkgkafka.Topic("retry_queue", "flush_requested")

// FlushTrigger starts a retry queue flush for a project.
type FlushTrigger interface {
	TriggerFlush(ctx context.Context, projectID string) error
}

// FlushRequestedData is the expected payload of a retry_queue.flush_requested
// event. An empty project ID flushes every known project.
type FlushRequestedData struct {
	ProjectID string `json:"project_id"`
}

// Consumer processes incoming Kafka events for the coordinator.
type Consumer struct {
	logger  *slog.Logger
	trigger FlushTrigger
}

// NewConsumer creates a new event consumer.
func NewConsumer(trigger FlushTrigger, logger *slog.Logger) *Consumer {
	return &Consumer{
		trigger: trigger,
		logger:  logger,
	}
}

// HandleFlushRequested processes retry_queue.flush_requested events.
func (c *Consumer) HandleFlushRequested(ctx context.Context, event *pkgkafka.Event) error {
	var data FlushRequestedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("unmarshal retry_queue.flush_requested data: %w", err)
	}

	c.logger.InfoContext(ctx, "processing retry_queue.flush_requested event",
		slog.String("project_id", data.ProjectID),
		slog.String("event_id", event.EventID),
	)

	if err := c.trigger.TriggerFlush(ctx, data.ProjectID); err != nil {
		return fmt.Errorf("trigger flush for project %q: %w", data.ProjectID, err)
	}
	return nil
}
