package splitter

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/marketgrid/order-service/internal/domain"
	"github.com/marketgrid/order-service/internal/repository"
)

// OrderStore is the persistence surface the splitter needs: retrieval of the
// parent with its relations and save primitives for the child records.
type OrderStore interface {
	RetrieveOrder(ctx context.Context, id string, opts repository.RetrieveOptions) (*domain.Order, error)
	SaveOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)
	SaveLineItem(ctx context.Context, item *domain.LineItem) (*domain.LineItem, error)
	SaveShippingMethod(ctx context.Context, sm *domain.ShippingMethod) (*domain.ShippingMethod, error)
	MarkChildrenReady(ctx context.Context, parentID string, childIDs []string) error
	ChildrenReady(ctx context.Context, parentID string) (bool, error)
}

// ProductResolver resolves a product for its store ownership.
type ProductResolver interface {
	RetrieveProduct(ctx context.Context, id string) (*domain.Product, error)
}

// Publisher announces that a parent order's children are fully persisted.
// Child status events are only eligible for aggregation after this signal.
type Publisher interface {
	PublishChildrenReady(ctx context.Context, parentID string, childIDs []string) error
}

// Splitter fans a placed order out into one child order per owning store.
type Splitter struct {
	orders   OrderStore
	products ProductResolver
	notify   Publisher
	logger   *zap.Logger
}

func New(orders OrderStore, products ProductResolver, notify Publisher, logger *zap.Logger) *Splitter {
	return &Splitter{
		orders:   orders,
		products: products,
		notify:   notify,
		logger:   logger,
	}
}

// GroupByStore partitions line items by the store that owns their product.
// Items keep their relative order within each group. Items whose product has
// no owning store are dropped; they stay on the parent order only.
func GroupByStore(ctx context.Context, products ProductResolver, items []domain.LineItem) (map[string][]domain.LineItem, error) {
	grouped := make(map[string][]domain.LineItem)
	for _, item := range items {
		product, err := products.RetrieveProduct(ctx, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("resolve product %s: %w", item.ProductID, err)
		}
		if product.StoreID == "" {
			continue
		}
		grouped[product.StoreID] = append(grouped[product.StoreID], item)
	}
	return grouped, nil
}

// Split creates one child order per store represented among the order's line
// items. Each child receives clones of its store's items and clones of every
// parent shipping method. A persistence failure aborts the loop; children
// already created stay persisted and the error is returned to the dispatcher.
func (s *Splitter) Split(ctx context.Context, orderID string) error {
	done, err := s.orders.ChildrenReady(ctx, orderID)
	if err != nil {
		return fmt.Errorf("check split marker for order %s: %w", orderID, err)
	}
	if done {
		// A redelivered placed event must not split the same order twice.
		s.logger.Warn("order already split, skipping", zap.String("order_id", orderID))
		return nil
	}

	order, err := s.orders.RetrieveOrder(ctx, orderID, repository.RetrieveOptions{
		WithItems:           true,
		WithShippingMethods: true,
	})
	if err != nil {
		return fmt.Errorf("retrieve order %s: %w", orderID, err)
	}

	grouped, err := GroupByStore(ctx, s.products, order.Items)
	if err != nil {
		return err
	}

	storeIDs := make([]string, 0, len(grouped))
	for storeID := range grouped {
		storeIDs = append(storeIDs, storeID)
	}
	sort.Strings(storeIDs)

	childIDs := make([]string, 0, len(storeIDs))
	for _, storeID := range storeIDs {
		child := order.ChildOf(storeID)
		saved, err := s.orders.SaveOrder(ctx, &child)
		if err != nil {
			return fmt.Errorf("create child order for store %s: %w", storeID, err)
		}

		for _, sm := range order.ShippingMethods {
			clone := sm.CloneFor(saved.ID)
			if _, err := s.orders.SaveShippingMethod(ctx, &clone); err != nil {
				return fmt.Errorf("clone shipping method onto order %s: %w", saved.ID, err)
			}
		}

		for _, item := range grouped[storeID] {
			clone := item.CloneFor(saved.ID)
			if _, err := s.orders.SaveLineItem(ctx, &clone); err != nil {
				return fmt.Errorf("clone line item onto order %s: %w", saved.ID, err)
			}
		}

		s.logger.Info("child order created",
			zap.String("order_id", orderID),
			zap.String("child_order_id", saved.ID),
			zap.String("store_id", storeID),
			zap.Int("items", len(grouped[storeID])))

		childIDs = append(childIDs, saved.ID)
	}

	if err := s.orders.MarkChildrenReady(ctx, orderID, childIDs); err != nil {
		return fmt.Errorf("mark children ready for order %s: %w", orderID, err)
	}

	if err := s.notify.PublishChildrenReady(ctx, orderID, childIDs); err != nil {
		// The durable marker is already written; a lost signal only delays
		// consumers that follow the event stream.
		s.logger.Error("failed to publish children ready",
			zap.String("order_id", orderID),
			zap.Error(err))
	}

	return nil
}
