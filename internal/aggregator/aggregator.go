package aggregator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/marketgrid/order-service/internal/domain"
	"github.com/marketgrid/order-service/internal/repository"
)

// OrderStore is the persistence surface the aggregator needs.
type OrderStore interface {
	RetrieveOrder(ctx context.Context, id string, opts repository.RetrieveOptions) (*domain.Order, error)
	SaveOrderStatus(ctx context.Context, order *domain.Order, prevStatus domain.OrderStatus) error
	ChildrenReady(ctx context.Context, parentID string) (bool, error)
}

// maxStatusAttempts bounds the re-derive loop when concurrent writers keep
// moving the parent row.
const maxStatusAttempts = 3

// OrderActions performs the side-effecting status transitions on an order.
type OrderActions interface {
	Cancel(ctx context.Context, orderID string) error
	Archive(ctx context.Context, orderID string) error
	CompleteOrder(ctx context.Context, orderID string) error
}

// Aggregator keeps a parent order's status derived from its children.
type Aggregator struct {
	orders  OrderStore
	actions OrderActions
	logger  *zap.Logger
}

func New(orders OrderStore, actions OrderActions, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		orders:  orders,
		actions: actions,
		logger:  logger,
	}
}

// DeriveStatus computes an order's status from its children's statuses. The
// precedence is fixed: a single distinct status wins outright; canceled and
// archived children are then filtered out (all filtered means CANCELED); a
// lone survivor wins; REQUIRES_ACTION dominates any mix; anything else
// resolves to PENDING.
func DeriveStatus(order *domain.Order) domain.OrderStatus {
	if order.Children == nil {
		return order.Status
	}

	distinct := make([]domain.OrderStatus, 0, len(order.Children))
	seen := make(map[domain.OrderStatus]bool)
	for _, child := range order.Children {
		if !seen[child.Status] {
			seen[child.Status] = true
			distinct = append(distinct, child.Status)
		}
	}

	if len(distinct) == 1 {
		return distinct[0]
	}

	remaining := distinct[:0]
	for _, status := range distinct {
		if status != domain.OrderStatusCanceled && status != domain.OrderStatusArchived {
			remaining = append(remaining, status)
		}
	}

	if len(remaining) == 0 {
		// All children are canceled or archived.
		return domain.OrderStatusCanceled
	}

	if len(remaining) == 1 {
		return remaining[0]
	}

	for _, status := range remaining {
		if status == domain.OrderStatusRequiresAction {
			return domain.OrderStatusRequiresAction
		}
	}

	// Only pending and completed can be left at this point.
	return domain.OrderStatusPending
}

// CheckStatus reacts to a status change on the given order. Events for orders
// without a parent are ignored; otherwise the parent's status is re-derived
// from all of its children and any resulting transition is applied.
func (a *Aggregator) CheckStatus(ctx context.Context, orderID string) error {
	order, err := a.orders.RetrieveOrder(ctx, orderID, repository.RetrieveOptions{})
	if err != nil {
		return fmt.Errorf("retrieve order %s: %w", orderID, err)
	}

	if order.OrderParentID == "" {
		return nil
	}

	ready, err := a.orders.ChildrenReady(ctx, order.OrderParentID)
	if err != nil {
		return fmt.Errorf("check split marker for order %s: %w", order.OrderParentID, err)
	}
	if !ready {
		a.logger.Warn("skipping status aggregation, split not complete",
			zap.String("order_id", orderID),
			zap.String("parent_order_id", order.OrderParentID))
		return nil
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		parent, err := a.orders.RetrieveOrder(ctx, order.OrderParentID, repository.RetrieveOptions{
			WithChildren: true,
		})
		if err != nil {
			return fmt.Errorf("retrieve parent order %s: %w", order.OrderParentID, err)
		}

		derived := DeriveStatus(parent)
		if derived == parent.Status {
			return nil
		}

		a.logger.Info("parent order status transition",
			zap.String("parent_order_id", parent.ID),
			zap.String("from", string(parent.Status)),
			zap.String("to", string(derived)))

		switch derived {
		case domain.OrderStatusCanceled:
			return a.actions.Cancel(ctx, parent.ID)
		case domain.OrderStatusArchived:
			return a.actions.Archive(ctx, parent.ID)
		case domain.OrderStatusCompleted:
			return a.actions.CompleteOrder(ctx, parent.ID)
		default:
			prev := parent.Status
			parent.Status = derived
			parent.FulfillmentStatus = derived
			parent.PaymentStatus = derived
			err := a.orders.SaveOrderStatus(ctx, parent, prev)
			if errors.Is(err, repository.ErrStatusConflict) {
				// Another writer moved the parent between our read and
				// write; re-read the children and derive again.
				a.logger.Warn("parent order status contention, re-deriving",
					zap.String("parent_order_id", parent.ID))
				continue
			}
			return err
		}
	}

	return fmt.Errorf("parent order %s status contention persists after %d attempts", order.OrderParentID, maxStatusAttempts)
}
