package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/selfscan-checkout/internal/checkout"
	pkgkafka "github.com/utafrali/selfscan-checkout/pkg/kafka"
	"github.com/utafrali/selfscan-checkout/pkg/logger"
)

// Kafka topics published by the coordinator.
var (
	TopicStateChanged            = pkgkafka.Topic("checkout", "state_changed")
	TopicFulfillmentUpdated      = pkgkafka.Topic("checkout", "fulfillment_updated")
	TopicFulfillmentDone         = pkgkafka.Topic("checkout", "fulfillment_done")
	TopicProfileRefreshRequested = pkgkafka.Topic("user", "profile_refresh_requested")
)

const (
	AggregateTypeCheckout = "checkout"
	AggregateTypeUser     = "user"
)

// SourceCoordinator identifies events originating from this service.
const SourceCoordinator = "checkout-coordinator"

const publishTimeout = 5 * time.Second

// EventPublisher is the subset of *pkgkafka.Producer the producer needs.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// StateChangedData is the payload of a checkout.state_changed event.
type StateChangedData struct {
	ContextID string         `json:"context_id"`
	ProjectID string         `json:"project_id"`
	State     checkout.State `json:"state"`
	Terminal  bool           `json:"terminal"`
}

// FulfillmentData is the payload of the fulfillment events.
type FulfillmentData struct {
	ContextID    string                 `json:"context_id"`
	ProjectID    string                 `json:"project_id"`
	Done         bool                   `json:"done"`
	Fulfillments []checkout.Fulfillment `json:"fulfillments"`
}

// ProfileRefreshData is the payload of a user.profile_refresh_requested event.
type ProfileRefreshData struct {
	ProjectID string `json:"project_id"`
	AppUserID string `json:"app_user_id,omitempty"`
	ContextID string `json:"context_id"`
}

// Producer publishes checkout observer notifications to Kafka.
type Producer struct {
	kafka  EventPublisher
	logger *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(kafka EventPublisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishStateChanged publishes a checkout.state_changed event.
func (p *Producer) PublishStateChanged(ctx context.Context, contextID, projectID string, state checkout.State) error {
	data := StateChangedData{
		ContextID: contextID,
		ProjectID: projectID,
		State:     state,
		Terminal:  state.IsTerminal(),
	}
	return p.publish(ctx, TopicStateChanged, contextID, AggregateTypeCheckout, data)
}

// PublishFulfillment publishes a fulfillment_updated or fulfillment_done
// event depending on ev.Done.
func (p *Producer) PublishFulfillment(ctx context.Context, contextID, projectID string, ev checkout.FulfillmentEvent) error {
	topic := TopicFulfillmentUpdated
	if ev.Done {
		topic = TopicFulfillmentDone
	}
	data := FulfillmentData{
		ContextID:    contextID,
		ProjectID:    projectID,
		Done:         ev.Done,
		Fulfillments: ev.Fulfillments,
	}
	return p.publish(ctx, topic, contextID, AggregateTypeCheckout, data)
}

// PublishProfileRefresh publishes a user.profile_refresh_requested event.
func (p *Producer) PublishProfileRefresh(ctx context.Context, data ProfileRefreshData) error {
	aggregateID := data.AppUserID
	if aggregateID == "" {
		aggregateID = data.ContextID
	}
	return p.publish(ctx, TopicProfileRefreshRequested, aggregateID, AggregateTypeUser, data)
}

func (p *Producer) publish(ctx context.Context, topic, aggregateID, aggregateType string, data any) error {
	event, err := pkgkafka.NewEvent(topic, aggregateID, aggregateType, SourceCoordinator, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("aggregate_id", aggregateID),
	)
	return nil
}

// Attach forwards the machine's state and fulfillment notifications to
// Kafka until the returned function is called. Publish failures are logged
// and never reach the machine.
func (p *Producer) Attach(ctx context.Context, contextID, projectID string, m *checkout.Machine) (detach func()) {
	base := context.WithoutCancel(ctx)

	stateSub := m.SubscribeState(func(s checkout.State) {
		ctx, cancel := context.WithTimeout(base, publishTimeout)
		defer cancel()
		if err := p.PublishStateChanged(ctx, contextID, projectID, s); err != nil {
			p.logger.WarnContext(ctx, "state change not published",
				slog.String("shopping_context_id", contextID),
				slog.String("state", s.String()),
				slog.String("error", err.Error()),
			)
		}
	})
	fulfillmentSub := m.SubscribeFulfillment(func(ev checkout.FulfillmentEvent) {
		ctx, cancel := context.WithTimeout(base, publishTimeout)
		defer cancel()
		if err := p.PublishFulfillment(ctx, contextID, projectID, ev); err != nil {
			p.logger.WarnContext(ctx, "fulfillment update not published",
				slog.String("shopping_context_id", contextID),
				slog.String("error", err.Error()),
			)
		}
	})

	return func() {
		stateSub.Unsubscribe()
		fulfillmentSub.Unsubscribe()
	}
}

// ProfileRefresher returns a checkout.ProfileRefresher that requests a
// profile refresh for the shopper of one shopping context.
func (p *Producer) ProfileRefresher(contextID, projectID, appUserID string) checkout.ProfileRefresher {
	return &profileRefresher{
		producer: p,
		data: ProfileRefreshData{
			ProjectID: projectID,
			AppUserID: appUserID,
			ContextID: contextID,
		},
	}
}

type profileRefresher struct {
	producer *Producer
	data     ProfileRefreshData
}

func (r *profileRefresher) RefreshProfile(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.producer.PublishProfileRefresh(ctx, r.data); err != nil {
		r.producer.logger.WarnContext(ctx, "profile refresh not requested",
			slog.String("project_id", r.data.ProjectID),
			slog.String("error", err.Error()),
		)
	}
}
