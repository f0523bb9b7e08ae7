package domain

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusArchived       OrderStatus = "ARCHIVED"
	OrderStatusCanceled       OrderStatus = "CANCELED"
	OrderStatusRequiresAction OrderStatus = "REQUIRES_ACTION"
)

// Order is a customer purchase. A parent order has no StoreID and owns
// Children; a child order carries the owning StoreID and points back at its
// parent through OrderParentID. The relation is two levels deep at most: a
// child never has children of its own.
type Order struct {
	ID                string           `json:"id" dynamodbav:"id"`
	Status            OrderStatus      `json:"status" dynamodbav:"status"`
	FulfillmentStatus OrderStatus      `json:"fulfillment_status" dynamodbav:"fulfillment_status"`
	PaymentStatus     OrderStatus      `json:"payment_status" dynamodbav:"payment_status"`
	StoreID           string           `json:"store_id,omitempty" dynamodbav:"store_id,omitempty"`
	OrderParentID     string           `json:"order_parent_id,omitempty" dynamodbav:"order_parent_id,omitempty"`
	CartID            string           `json:"cart_id,omitempty" dynamodbav:"cart_id,omitempty"`
	CustomerID        string           `json:"customer_id" dynamodbav:"customer_id"`
	Email             string           `json:"email" dynamodbav:"email"`
	CurrencyCode      string           `json:"currency_code" dynamodbav:"currency_code"`
	Total             int64            `json:"total" dynamodbav:"total"`
	Items             []LineItem       `json:"items,omitempty" dynamodbav:"-"`
	ShippingMethods   []ShippingMethod `json:"shipping_methods,omitempty" dynamodbav:"-"`
	Children          []Order          `json:"children,omitempty" dynamodbav:"-"`
	CreatedAt         time.Time        `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" dynamodbav:"updated_at"`
}

type LineItem struct {
	ID        string    `json:"id" dynamodbav:"id"`
	OrderID   string    `json:"order_id" dynamodbav:"order_id"`
	CartID    string    `json:"cart_id,omitempty" dynamodbav:"cart_id,omitempty"`
	VariantID string    `json:"variant_id" dynamodbav:"variant_id"`
	ProductID string    `json:"product_id" dynamodbav:"product_id"`
	Title     string    `json:"title" dynamodbav:"title"`
	Quantity  int       `json:"quantity" dynamodbav:"quantity"`
	UnitPrice int64     `json:"unit_price" dynamodbav:"unit_price"`
	Position  int       `json:"position" dynamodbav:"position"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
}

type ShippingMethod struct {
	ID               string `json:"id" dynamodbav:"id"`
	OrderID          string `json:"order_id" dynamodbav:"order_id"`
	CartID           string `json:"cart_id,omitempty" dynamodbav:"cart_id,omitempty"`
	ShippingOptionID string `json:"shipping_option_id" dynamodbav:"shipping_option_id"`
	Name             string `json:"name" dynamodbav:"name"`
	Price            int64  `json:"price" dynamodbav:"price"`
	Position         int    `json:"position" dynamodbav:"position"`
}

// Product is read for its store ownership only; the splitter never mutates it.
// A product without a StoreID has no owning vendor and its line items stay on
// the parent order.
type Product struct {
	ID      string `json:"id" dynamodbav:"id"`
	StoreID string `json:"store_id,omitempty" dynamodbav:"store_id,omitempty"`
	Title   string `json:"title" dynamodbav:"title"`
}

// ChildOf returns a copy of the order prepared for persistence as a child
// scoped to one store: unassigned identity, parent link set, cart association
// cleared, and no items, shipping methods or children of its own.
func (o Order) ChildOf(storeID string) Order {
	child := o
	child.ID = ""
	child.OrderParentID = o.ID
	child.StoreID = storeID
	child.CartID = ""
	child.Items = nil
	child.ShippingMethods = nil
	child.Children = nil
	return child
}

// CloneFor returns a copy of the line item re-homed onto another order with a
// fresh identity and no cart association.
func (li LineItem) CloneFor(orderID string) LineItem {
	clone := li
	clone.ID = ""
	clone.OrderID = orderID
	clone.CartID = ""
	return clone
}

// CloneFor returns a copy of the shipping method re-homed onto another order
// with a fresh identity and no cart association.
func (sm ShippingMethod) CloneFor(orderID string) ShippingMethod {
	clone := sm
	clone.ID = ""
	clone.OrderID = orderID
	clone.CartID = ""
	return clone
}
