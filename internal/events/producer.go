package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KafkaProducer publishes order lifecycle events.
type KafkaProducer struct {
	producer *kafka.Producer
	topic    string
	logger   *zap.Logger
}

func NewKafkaProducer(brokers, topic string, logger *zap.Logger) (*KafkaProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
		"retries":           10,
	})
	if err != nil {
		return nil, err
	}

	kp := &KafkaProducer{producer: p, topic: topic, logger: logger}

	go func() {
		for e := range p.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					logger.Error("event delivery failed",
						zap.String("key", string(ev.Key)),
						zap.Error(ev.TopicPartition.Error))
				}
			}
		}
	}()

	return kp, nil
}

// PublishOrderEvent publishes a lifecycle event for one order. The order ID
// keys the message so events for the same order stay in partition order.
func (p *KafkaProducer) PublishOrderEvent(ctx context.Context, eventType, orderID string) error {
	return p.publish(OrderEvent{
		EventID:   uuid.New().String(),
		Type:      eventType,
		OrderID:   orderID,
		Timestamp: time.Now().UTC(),
	})
}

// PublishChildrenReady signals that splitting for the parent completed and
// names the children it produced.
func (p *KafkaProducer) PublishChildrenReady(ctx context.Context, parentID string, childIDs []string) error {
	return p.publish(OrderEvent{
		EventID:   uuid.New().String(),
		Type:      EventChildrenReady,
		OrderID:   parentID,
		ChildIDs:  childIDs,
		Timestamp: time.Now().UTC(),
	})
}

func (p *KafkaProducer) publish(event OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	topic := p.topic
	key := fmt.Sprintf("ORDER#%s", event.OrderID)

	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: data,
	}, nil)
}

// HealthCheck verifies the broker connection is alive.
func (p *KafkaProducer) HealthCheck() error {
	_, err := p.producer.GetMetadata(&p.topic, false, 3000)
	return err
}

func (p *KafkaProducer) Close() {
	p.producer.Flush(5000)
	p.producer.Close()
}
