package splitter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketgrid/order-service/internal/domain"
	"github.com/marketgrid/order-service/internal/repository"
)

type fakeStore struct {
	orders         map[string]*domain.Order
	savedOrders    []*domain.Order
	savedItems     []*domain.LineItem
	savedMethods   []*domain.ShippingMethod
	readyParents   map[string][]string
	nextOrderID    int
	failOrderSaves int
	failItemSaves  int
}

func newFakeStore(parent *domain.Order) *fakeStore {
	return &fakeStore{
		orders:       map[string]*domain.Order{parent.ID: parent},
		readyParents: map[string][]string{},
	}
}

func (f *fakeStore) RetrieveOrder(_ context.Context, id string, _ repository.RetrieveOptions) (*domain.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (f *fakeStore) SaveOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	if f.failOrderSaves > 0 && len(f.savedOrders) >= f.failOrderSaves {
		return nil, errors.New("order save failed")
	}
	if order.ID == "" {
		f.nextOrderID++
		order.ID = fmt.Sprintf("child-%d", f.nextOrderID)
	}
	f.savedOrders = append(f.savedOrders, order)
	return order, nil
}

func (f *fakeStore) SaveLineItem(_ context.Context, item *domain.LineItem) (*domain.LineItem, error) {
	if f.failItemSaves > 0 && len(f.savedItems) >= f.failItemSaves {
		return nil, errors.New("line item save failed")
	}
	if item.ID == "" {
		item.ID = fmt.Sprintf("item-%d", len(f.savedItems)+1)
	}
	f.savedItems = append(f.savedItems, item)
	return item, nil
}

func (f *fakeStore) SaveShippingMethod(_ context.Context, sm *domain.ShippingMethod) (*domain.ShippingMethod, error) {
	if sm.ID == "" {
		sm.ID = fmt.Sprintf("ship-%d", len(f.savedMethods)+1)
	}
	f.savedMethods = append(f.savedMethods, sm)
	return sm, nil
}

func (f *fakeStore) MarkChildrenReady(_ context.Context, parentID string, childIDs []string) error {
	f.readyParents[parentID] = childIDs
	return nil
}

func (f *fakeStore) ChildrenReady(_ context.Context, parentID string) (bool, error) {
	_, ok := f.readyParents[parentID]
	return ok, nil
}

type fakeResolver struct {
	products map[string]*domain.Product
}

func (f *fakeResolver) RetrieveProduct(_ context.Context, id string) (*domain.Product, error) {
	product, ok := f.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return product, nil
}

type fakePublisher struct {
	published map[string][]string
	err       error
}

func (f *fakePublisher) PublishChildrenReady(_ context.Context, parentID string, childIDs []string) error {
	if f.err != nil {
		return f.err
	}
	if f.published == nil {
		f.published = map[string][]string{}
	}
	f.published[parentID] = childIDs
	return nil
}

func twoStoreFixture() (*domain.Order, *fakeResolver) {
	parent := &domain.Order{
		ID:     "order-1",
		Status: domain.OrderStatusPending,
		CartID: "cart-1",
		Items: []domain.LineItem{
			{ID: "li-1", OrderID: "order-1", CartID: "cart-1", ProductID: "prod-a1", Position: 0},
			{ID: "li-2", OrderID: "order-1", CartID: "cart-1", ProductID: "prod-b1", Position: 1},
			{ID: "li-3", OrderID: "order-1", CartID: "cart-1", ProductID: "prod-a2", Position: 2},
		},
		ShippingMethods: []domain.ShippingMethod{
			{ID: "sm-1", OrderID: "order-1", CartID: "cart-1", Name: "standard", Position: 0},
			{ID: "sm-2", OrderID: "order-1", CartID: "cart-1", Name: "express", Position: 1},
		},
	}
	resolver := &fakeResolver{products: map[string]*domain.Product{
		"prod-a1": {ID: "prod-a1", StoreID: "store-a"},
		"prod-a2": {ID: "prod-a2", StoreID: "store-a"},
		"prod-b1": {ID: "prod-b1", StoreID: "store-b"},
	}}
	return parent, resolver
}

func TestGroupByStore(t *testing.T) {
	parent, resolver := twoStoreFixture()

	grouped, err := GroupByStore(context.Background(), resolver, parent.Items)
	require.NoError(t, err)

	require.Len(t, grouped, 2)
	require.Len(t, grouped["store-a"], 2)
	require.Len(t, grouped["store-b"], 1)

	// Relative item order within a group follows the parent's item order.
	assert.Equal(t, "li-1", grouped["store-a"][0].ID)
	assert.Equal(t, "li-3", grouped["store-a"][1].ID)
	assert.Equal(t, "li-2", grouped["store-b"][0].ID)
}

func TestGroupByStore_DropsItemsWithoutStore(t *testing.T) {
	resolver := &fakeResolver{products: map[string]*domain.Product{
		"prod-owned":   {ID: "prod-owned", StoreID: "store-a"},
		"prod-unowned": {ID: "prod-unowned"},
	}}
	items := []domain.LineItem{
		{ID: "li-1", ProductID: "prod-owned"},
		{ID: "li-2", ProductID: "prod-unowned"},
	}

	grouped, err := GroupByStore(context.Background(), resolver, items)
	require.NoError(t, err)

	require.Len(t, grouped, 1)
	assert.Equal(t, []string{"li-1"}, itemIDs(grouped["store-a"]))
}

func TestGroupByStore_UnknownProduct(t *testing.T) {
	resolver := &fakeResolver{products: map[string]*domain.Product{}}
	items := []domain.LineItem{{ID: "li-1", ProductID: "missing"}}

	_, err := GroupByStore(context.Background(), resolver, items)
	assert.ErrorIs(t, err, repository.ErrProductNotFound)
}

func TestSplit_TwoStores(t *testing.T) {
	parent, resolver := twoStoreFixture()
	store := newFakeStore(parent)
	publisher := &fakePublisher{}

	s := New(store, resolver, publisher, zap.NewNop())
	require.NoError(t, s.Split(context.Background(), "order-1"))

	require.Len(t, store.savedOrders, 2)

	byStore := map[string]*domain.Order{}
	for _, child := range store.savedOrders {
		byStore[child.StoreID] = child
	}
	require.Contains(t, byStore, "store-a")
	require.Contains(t, byStore, "store-b")

	for _, child := range store.savedOrders {
		assert.Equal(t, "order-1", child.OrderParentID)
		assert.Empty(t, child.CartID)
		assert.Empty(t, child.Children, "a freshly created child must have no children")
		assert.NotEmpty(t, child.ID)
		assert.NotEqual(t, "order-1", child.ID)
	}

	// Each child carries clones of that store's items only, in order.
	itemsByOrder := map[string][]string{}
	for _, item := range store.savedItems {
		itemsByOrder[item.OrderID] = append(itemsByOrder[item.OrderID], item.ProductID)
		assert.Empty(t, item.CartID)
		assert.NotContains(t, []string{"li-1", "li-2", "li-3"}, item.ID)
	}
	assert.Equal(t, []string{"prod-a1", "prod-a2"}, itemsByOrder[byStore["store-a"].ID])
	assert.Equal(t, []string{"prod-b1"}, itemsByOrder[byStore["store-b"].ID])

	// Every child receives a full copy of all parent shipping methods.
	methodsByOrder := map[string][]string{}
	for _, sm := range store.savedMethods {
		methodsByOrder[sm.OrderID] = append(methodsByOrder[sm.OrderID], sm.Name)
		assert.Empty(t, sm.CartID)
	}
	assert.Equal(t, []string{"standard", "express"}, methodsByOrder[byStore["store-a"].ID])
	assert.Equal(t, []string{"standard", "express"}, methodsByOrder[byStore["store-b"].ID])

	// Split completion is durably marked and announced.
	assert.Len(t, store.readyParents["order-1"], 2)
	assert.Equal(t, store.readyParents["order-1"], publisher.published["order-1"])
}

func TestSplit_SingleStoreStillSplits(t *testing.T) {
	parent := &domain.Order{
		ID:    "order-1",
		Items: []domain.LineItem{{ID: "li-1", OrderID: "order-1", ProductID: "prod-a"}},
	}
	resolver := &fakeResolver{products: map[string]*domain.Product{
		"prod-a": {ID: "prod-a", StoreID: "store-a"},
	}}
	store := newFakeStore(parent)

	s := New(store, resolver, &fakePublisher{}, zap.NewNop())
	require.NoError(t, s.Split(context.Background(), "order-1"))

	require.Len(t, store.savedOrders, 1)
	assert.Equal(t, "store-a", store.savedOrders[0].StoreID)
}

func TestSplit_NoOwnedItemsCreatesNoChildren(t *testing.T) {
	parent := &domain.Order{
		ID:    "order-1",
		Items: []domain.LineItem{{ID: "li-1", OrderID: "order-1", ProductID: "prod-x"}},
	}
	resolver := &fakeResolver{products: map[string]*domain.Product{
		"prod-x": {ID: "prod-x"},
	}}
	store := newFakeStore(parent)

	s := New(store, resolver, &fakePublisher{}, zap.NewNop())
	require.NoError(t, s.Split(context.Background(), "order-1"))

	assert.Empty(t, store.savedOrders)
	assert.Empty(t, store.readyParents["order-1"])
}

func TestSplit_PersistenceFailureAbortsLoop(t *testing.T) {
	parent, resolver := twoStoreFixture()
	store := newFakeStore(parent)
	store.failOrderSaves = 1 // second child save fails

	s := New(store, resolver, &fakePublisher{}, zap.NewNop())
	err := s.Split(context.Background(), "order-1")
	require.Error(t, err)

	// The first child and its records stay persisted; no split marker exists.
	assert.Len(t, store.savedOrders, 1)
	_, marked := store.readyParents["order-1"]
	assert.False(t, marked)
}

func TestSplit_UnknownOrder(t *testing.T) {
	store := newFakeStore(&domain.Order{ID: "other"})
	s := New(store, &fakeResolver{}, &fakePublisher{}, zap.NewNop())

	err := s.Split(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}

func TestSplit_RedeliveredEventDoesNotSplitTwice(t *testing.T) {
	parent, resolver := twoStoreFixture()
	store := newFakeStore(parent)

	s := New(store, resolver, &fakePublisher{}, zap.NewNop())
	require.NoError(t, s.Split(context.Background(), "order-1"))
	require.Len(t, store.savedOrders, 2)

	require.NoError(t, s.Split(context.Background(), "order-1"))
	assert.Len(t, store.savedOrders, 2, "second delivery must not create more children")
}

func TestSplit_PublishFailureDoesNotFailSplit(t *testing.T) {
	parent, resolver := twoStoreFixture()
	store := newFakeStore(parent)
	publisher := &fakePublisher{err: errors.New("broker down")}

	s := New(store, resolver, publisher, zap.NewNop())
	require.NoError(t, s.Split(context.Background(), "order-1"))
	assert.Len(t, store.readyParents["order-1"], 2)
}

func itemIDs(items []domain.LineItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
