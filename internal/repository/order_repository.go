package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/marketgrid/order-service/internal/domain"
	pkgconfig "github.com/marketgrid/order-service/pkg/config"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")

	// ErrStatusConflict reports that an order's status changed between the
	// caller's read and its conditional write. Callers re-read and re-apply.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// DynamoDBAPI is the subset of the DynamoDB client the repositories use.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

// RetrieveOptions selects which related records are loaded with an order.
type RetrieveOptions struct {
	WithItems           bool
	WithShippingMethods bool
	WithChildren        bool
}

// OrderRepository stores orders, line items and shipping methods in a single
// DynamoDB table. Layout per order partition ORDER#<id>:
//
//	SK METADATA          order scalar fields
//	SK ITEM#<pos>#<id>   one line item
//	SK SHIP#<pos>#<id>   one shipping method
//	SK SPLIT             children-ready marker, written after a full split
//
// GSI1 (PARENT#<parent id>) indexes child orders for children lookups and
// GSI2 (STORE#<store id>) indexes orders per store for tenant-scoped listing.
type OrderRepository struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDBClient(cfg *pkgconfig.Config) (*dynamodb.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, err
	}

	var optFns []func(*dynamodb.Options)
	if cfg.DynamoDBEndpoint != "" {
		optFns = append(optFns, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		})
	}

	return dynamodb.NewFromConfig(awsCfg, optFns...), nil
}

func NewOrderRepository(client DynamoDBAPI, tableName string) *OrderRepository {
	return &OrderRepository{
		client:    client,
		tableName: tableName,
	}
}

func orderPK(id string) string { return fmt.Sprintf("ORDER#%s", id) }

// SaveOrder persists the order's scalar fields. An order without an identifier
// is assigned a fresh one, mirroring a create-then-save repository contract.
// Related items, shipping methods and children are persisted separately.
func (r *OrderRepository) SaveOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.ID == "" {
		order.ID = uuid.New().String()
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = time.Now().UTC()

	av, err := attributevalue.MarshalMap(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	av["PK"] = &types.AttributeValueMemberS{Value: orderPK(order.ID)}
	av["SK"] = &types.AttributeValueMemberS{Value: "METADATA"}
	if order.OrderParentID != "" {
		av["GSI1PK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("PARENT#%s", order.OrderParentID)}
		av["GSI1SK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("ORDER#%s", order.CreatedAt.Format(time.RFC3339))}
	}
	if order.StoreID != "" {
		av["GSI2PK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("STORE#%s", order.StoreID)}
		av["GSI2SK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("ORDER#%s", order.CreatedAt.Format(time.RFC3339))}
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put order: %w", err)
	}

	return order, nil
}

// SaveOrderStatus updates only the status fields of an already persisted
// order. The write is conditioned on the status the caller read (prevStatus),
// so a read-derive-write that raced another writer fails with
// ErrStatusConflict instead of overwriting the other transition. Callers
// re-read and re-derive on conflict.
func (r *OrderRepository) SaveOrderStatus(ctx context.Context, order *domain.Order, prevStatus domain.OrderStatus) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: orderPK(order.ID)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		UpdateExpression:    aws.String("SET #st = :st, fulfillment_status = :fs, payment_status = :ps, updated_at = :ua"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #st = :prev"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":   &types.AttributeValueMemberS{Value: string(order.Status)},
			":fs":   &types.AttributeValueMemberS{Value: string(order.FulfillmentStatus)},
			":ps":   &types.AttributeValueMemberS{Value: string(order.PaymentStatus)},
			":ua":   &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			":prev": &types.AttributeValueMemberS{Value: string(prevStatus)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrStatusConflict
		}
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// RetrieveOrder fetches an order and the related records requested in opts.
func (r *OrderRepository) RetrieveOrder(ctx context.Context, id string, opts RetrieveOptions) (*domain.Order, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: orderPK(id)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrOrderNotFound
	}

	var order domain.Order
	if err := attributevalue.UnmarshalMap(out.Item, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}

	if opts.WithItems || opts.WithShippingMethods {
		if err := r.loadOrderRelations(ctx, &order, opts); err != nil {
			return nil, err
		}
	}

	if opts.WithChildren {
		children, err := r.ListChildren(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		order.Children = children
	}

	return &order, nil
}

func (r *OrderRepository) loadOrderRelations(ctx context.Context, order *domain.Order, opts RetrieveOptions) error {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: orderPK(order.ID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to query order relations: %w", err)
	}

	for _, item := range out.Items {
		skAttr, ok := item["SK"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		switch {
		case opts.WithItems && strings.HasPrefix(skAttr.Value, "ITEM#"):
			var li domain.LineItem
			if err := attributevalue.UnmarshalMap(item, &li); err != nil {
				return fmt.Errorf("failed to unmarshal line item: %w", err)
			}
			order.Items = append(order.Items, li)
		case opts.WithShippingMethods && strings.HasPrefix(skAttr.Value, "SHIP#"):
			var sm domain.ShippingMethod
			if err := attributevalue.UnmarshalMap(item, &sm); err != nil {
				return fmt.Errorf("failed to unmarshal shipping method: %w", err)
			}
			order.ShippingMethods = append(order.ShippingMethods, sm)
		}
	}

	sort.SliceStable(order.Items, func(i, j int) bool {
		return order.Items[i].Position < order.Items[j].Position
	})
	sort.SliceStable(order.ShippingMethods, func(i, j int) bool {
		return order.ShippingMethods[i].Position < order.ShippingMethods[j].Position
	})

	return nil
}

// ListChildren returns the child orders of the given parent. Once the split
// marker exists the children are read by identifier from the base table with
// consistent reads; GSI1 lags behind writes and a stale child status would
// make the aggregator settle on a wrong parent status with no later event to
// correct it. Before the marker exists the index is the only lookup.
func (r *OrderRepository) ListChildren(ctx context.Context, parentID string) ([]domain.Order, error) {
	childIDs, split, err := r.splitChildIDs(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !split {
		return r.queryChildrenIndex(ctx, parentID)
	}
	if len(childIDs) == 0 {
		return []domain.Order{}, nil
	}

	keys := make([]map[string]types.AttributeValue, 0, len(childIDs))
	for _, id := range childIDs {
		keys = append(keys, map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: orderPK(id)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		})
	}

	byID := make(map[string]domain.Order, len(childIDs))
	for len(keys) > 0 {
		out, err := r.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				r.tableName: {
					Keys:           keys,
					ConsistentRead: aws.Bool(true),
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to batch get children: %w", err)
		}
		for _, item := range out.Responses[r.tableName] {
			var child domain.Order
			if err := attributevalue.UnmarshalMap(item, &child); err != nil {
				return nil, fmt.Errorf("failed to unmarshal child order: %w", err)
			}
			byID[child.ID] = child
		}
		keys = out.UnprocessedKeys[r.tableName].Keys
	}

	children := make([]domain.Order, 0, len(childIDs))
	for _, id := range childIDs {
		if child, ok := byID[id]; ok {
			children = append(children, child)
		}
	}
	return children, nil
}

func (r *OrderRepository) queryChildrenIndex(ctx context.Context, parentID string) ([]domain.Order, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("PARENT#%s", parentID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}

	children := make([]domain.Order, 0, len(out.Items))
	for _, item := range out.Items {
		var child domain.Order
		if err := attributevalue.UnmarshalMap(item, &child); err != nil {
			return nil, fmt.Errorf("failed to unmarshal child order: %w", err)
		}
		children = append(children, child)
	}
	return children, nil
}

// ListOrdersByStore returns orders owned by one store, newest first.
func (r *OrderRepository) ListOrdersByStore(ctx context.Context, storeID string, limit int32) ([]domain.Order, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String("GSI2"),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("STORE#%s", storeID)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by store: %w", err)
	}

	orders := make([]domain.Order, 0, len(out.Items))
	for _, item := range out.Items {
		var order domain.Order
		if err := attributevalue.UnmarshalMap(item, &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// ListOrders returns order metadata across all stores. Used by platform-level
// actors that are not scoped to a store.
func (r *OrderRepository) ListOrders(ctx context.Context, limit int32) ([]domain.Order, error) {
	out, err := r.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(r.tableName),
		FilterExpression: aws.String("SK = :sk AND begins_with(PK, :pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: "METADATA"},
			":pk": &types.AttributeValueMemberS{Value: "ORDER#"},
		},
		Limit: aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(out.Items))
	for _, item := range out.Items {
		var order domain.Order
		if err := attributevalue.UnmarshalMap(item, &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// SaveLineItem persists a line item under its order's partition, assigning a
// fresh identifier when the item has none.
func (r *OrderRepository) SaveLineItem(ctx context.Context, item *domain.LineItem) (*domain.LineItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
		item.CreatedAt = time.Now().UTC()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal line item: %w", err)
	}
	av["PK"] = &types.AttributeValueMemberS{Value: orderPK(item.OrderID)}
	av["SK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("ITEM#%05d#%s", item.Position, item.ID)}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put line item: %w", err)
	}
	return item, nil
}

// SaveShippingMethod persists a shipping method under its order's partition,
// assigning a fresh identifier when the method has none.
func (r *OrderRepository) SaveShippingMethod(ctx context.Context, sm *domain.ShippingMethod) (*domain.ShippingMethod, error) {
	if sm.ID == "" {
		sm.ID = uuid.New().String()
	}

	av, err := attributevalue.MarshalMap(sm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal shipping method: %w", err)
	}
	av["PK"] = &types.AttributeValueMemberS{Value: orderPK(sm.OrderID)}
	av["SK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("SHIP#%03d#%s", sm.Position, sm.ID)}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put shipping method: %w", err)
	}
	return sm, nil
}

// MarkChildrenReady records that the split for parentID completed and which
// children it produced. Status aggregation for the children is gated on this
// marker.
func (r *OrderRepository) MarkChildrenReady(ctx context.Context, parentID string, childIDs []string) error {
	av := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: orderPK(parentID)},
		"SK":         &types.AttributeValueMemberS{Value: "SPLIT"},
		"created_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
	}
	ids, err := attributevalue.Marshal(childIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal child ids: %w", err)
	}
	av["child_ids"] = ids

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put split marker: %w", err)
	}
	return nil
}

// ChildrenReady reports whether a completed split has been recorded for the
// given parent order.
func (r *OrderRepository) ChildrenReady(ctx context.Context, parentID string) (bool, error) {
	_, split, err := r.splitChildIDs(ctx, parentID)
	return split, err
}

type splitMarker struct {
	ChildIDs []string `dynamodbav:"child_ids"`
}

func (r *OrderRepository) splitChildIDs(ctx context.Context, parentID string) ([]string, bool, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: orderPK(parentID)},
			"SK": &types.AttributeValueMemberS{Value: "SPLIT"},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get split marker: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	var marker splitMarker
	if err := attributevalue.UnmarshalMap(out.Item, &marker); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal split marker: %w", err)
	}
	return marker.ChildIDs, true, nil
}
