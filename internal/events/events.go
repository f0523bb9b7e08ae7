package events

import (
	"time"
)

const (
	EventOrderPlaced    = "order.placed"
	EventOrderUpdated   = "order.updated"
	EventOrderCanceled  = "order.canceled"
	EventOrderCompleted = "order.completed"
	EventChildrenReady  = "order.children_ready"
)

// OrderEvent is the envelope for every order lifecycle message on the order
// events topic. ChildIDs is set only on children-ready events.
type OrderEvent struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	ChildIDs  []string  `json:"child_ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
