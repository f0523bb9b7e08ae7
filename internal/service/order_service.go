package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/marketgrid/order-service/internal/domain"
	"github.com/marketgrid/order-service/internal/events"
	"github.com/marketgrid/order-service/internal/repository"
)

// ErrStoreAccessDenied is returned when a store-scoped actor retrieves an
// order that belongs to another store. The order is never silently filtered.
var ErrStoreAccessDenied = errors.New("order does not belong to the acting store")

// OrderStore is the slice of the repository the service consumes.
type OrderStore interface {
	RetrieveOrder(ctx context.Context, id string, opts repository.RetrieveOptions) (*domain.Order, error)
	SaveOrderStatus(ctx context.Context, order *domain.Order, prevStatus domain.OrderStatus) error
	ListOrdersByStore(ctx context.Context, storeID string, limit int32) ([]domain.Order, error)
	ListOrders(ctx context.Context, limit int32) ([]domain.Order, error)
}

// maxTransitionAttempts bounds the retry loop when the order row moves under
// a concurrent writer.
const maxTransitionAttempts = 3

// EventPublisher publishes order lifecycle events.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, eventType, orderID string) error
}

// OrderService wraps the order repository with store scoping and the
// side-effecting status transitions. Tenant scoping is explicit: every call
// takes the acting store identifier, empty meaning a platform-level actor.
type OrderService struct {
	orders   OrderStore
	producer EventPublisher
	logger   *zap.Logger
}

func NewOrderService(orders OrderStore, producer EventPublisher, logger *zap.Logger) *OrderService {
	return &OrderService{
		orders:   orders,
		producer: producer,
		logger:   logger,
	}
}

// Retrieve fetches an order with its items, shipping methods and children.
// A store-scoped actor only sees orders owned by its own store.
func (s *OrderService) Retrieve(ctx context.Context, actorStoreID, orderID string) (*domain.Order, error) {
	order, err := s.orders.RetrieveOrder(ctx, orderID, repository.RetrieveOptions{
		WithItems:           true,
		WithShippingMethods: true,
		WithChildren:        true,
	})
	if err != nil {
		return nil, err
	}

	if actorStoreID != "" && order.StoreID != actorStoreID {
		return nil, ErrStoreAccessDenied
	}

	return order, nil
}

// List returns orders visible to the actor. Store-scoped actors are always
// restricted to their own store regardless of what they ask for.
func (s *OrderService) List(ctx context.Context, actorStoreID string, limit int32) ([]domain.Order, error) {
	if actorStoreID != "" {
		return s.orders.ListOrdersByStore(ctx, actorStoreID, limit)
	}
	return s.orders.ListOrders(ctx, limit)
}

// Cancel transitions the order and its fulfillment/payment statuses to
// canceled and publishes the corresponding event.
func (s *OrderService) Cancel(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, domain.OrderStatusCanceled, events.EventOrderCanceled)
}

// Archive transitions the order to archived and publishes the event.
func (s *OrderService) Archive(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, domain.OrderStatusArchived, events.EventOrderUpdated)
}

// CompleteOrder transitions the order to completed and publishes the event.
func (s *OrderService) CompleteOrder(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, domain.OrderStatusCompleted, events.EventOrderCompleted)
}

func (s *OrderService) transition(ctx context.Context, orderID string, status domain.OrderStatus, eventType string) error {
	var order *domain.Order
	for attempt := 0; ; attempt++ {
		var err error
		order, err = s.orders.RetrieveOrder(ctx, orderID, repository.RetrieveOptions{})
		if err != nil {
			return fmt.Errorf("retrieve order %s: %w", orderID, err)
		}

		prev := order.Status
		order.Status = status
		order.FulfillmentStatus = status
		order.PaymentStatus = status

		err = s.orders.SaveOrderStatus(ctx, order, prev)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrStatusConflict) && attempt+1 < maxTransitionAttempts {
			s.logger.Warn("order status moved during transition, retrying",
				zap.String("order_id", orderID),
				zap.Int("attempt", attempt+1))
			continue
		}
		return fmt.Errorf("save order %s status: %w", orderID, err)
	}

	if err := s.producer.PublishOrderEvent(ctx, eventType, order.ID); err != nil {
		// Persisted state wins; the event stream catches up on the next
		// status change for the same order.
		s.logger.Error("failed to publish status event",
			zap.String("order_id", order.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}

	s.logger.Info("order status transition applied",
		zap.String("order_id", order.ID),
		zap.String("status", string(status)))

	return nil
}
