package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/marketgrid/order-service/pkg/metrics"
)

// SplitHandler reacts to a newly placed order.
type SplitHandler interface {
	Split(ctx context.Context, orderID string) error
}

// StatusHandler reacts to an order status change.
type StatusHandler interface {
	CheckStatus(ctx context.Context, orderID string) error
}

// Consumer reads the order events topic and dispatches: placed events to the
// splitter, status events to the aggregator. This is the explicit wiring of
// the trigger contract; nothing fires unless the host runs this loop.
type Consumer struct {
	reader     *kafka.Reader
	splitter   SplitHandler
	aggregator StatusHandler
	metrics    *metrics.ConsumerMetrics
	logger     *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, splitter SplitHandler, aggregator StatusHandler, m *metrics.ConsumerMetrics, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return &Consumer{
		reader:     reader,
		splitter:   splitter,
		aggregator: aggregator,
		metrics:    m,
		logger:     logger,
	}
}

// Run consumes until the context is canceled. Handler errors are logged and
// counted; the message is still committed, retries are the dispatcher
// operator's call.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		var event OrderEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Error("malformed order event",
				zap.String("key", string(msg.Key)),
				zap.Error(err))
			c.metrics.Observe("unknown", "malformed", 0)
			continue
		}

		start := time.Now()
		err = c.dispatch(ctx, event)
		elapsed := time.Since(start)

		if err != nil {
			c.logger.Error("order event handling failed",
				zap.String("event_id", event.EventID),
				zap.String("type", event.Type),
				zap.String("order_id", event.OrderID),
				zap.Error(err))
			c.metrics.Observe(event.Type, "error", elapsed)
			continue
		}
		c.metrics.Observe(event.Type, "ok", elapsed)
	}
}

func (c *Consumer) dispatch(ctx context.Context, event OrderEvent) error {
	switch event.Type {
	case EventOrderPlaced:
		return c.splitter.Split(ctx, event.OrderID)
	case EventOrderCanceled, EventOrderUpdated, EventOrderCompleted:
		return c.aggregator.CheckStatus(ctx, event.OrderID)
	case EventChildrenReady:
		// Informational; aggregation gates on the persisted marker.
		return nil
	default:
		c.logger.Warn("ignoring unknown event type",
			zap.String("event_id", event.EventID),
			zap.String("type", event.Type))
		return nil
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
