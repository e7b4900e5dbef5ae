package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/store/memory"
)

type recordingCache struct {
	mu          sync.Mutex
	entries     map[string][]domain.CatalogItem
	gets        int
	invalidated int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: make(map[string][]domain.CatalogItem)}
}

func (c *recordingCache) Get(_ context.Context, key string) ([]domain.CatalogItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	items, ok := c.entries[key]
	return items, ok, nil
}

func (c *recordingCache) Set(_ context.Context, key string, items []domain.CatalogItem, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = items
	return nil
}

func (c *recordingCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	clear(c.entries)
	return nil
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "admin-1", Email: "admin@magsd.local", IsAdmin: true})
}

func TestCatalogServesFromCacheUntilInvalidated(t *testing.T) {
	repo := memory.New()
	catalog := newRecordingCache()
	svc := New(repo, catalog, Options{Now: newClock().Now})
	itemID := seedItem(t, repo, itemSpec{name: "Ring", purchase: 10, sell: 20, total: 5})

	first, err := svc.Catalog(context.Background(), domain.ItemFilter{})
	if err != nil || len(first) != 1 {
		t.Fatalf("catalog: items=%d err=%v", len(first), err)
	}

	// A write that bypasses the service leaves the cached view in place.
	if _, err := repo.AddTotal(context.Background(), itemID, 10); err != nil {
		t.Fatalf("add total: %v", err)
	}
	cached, _ := svc.Catalog(context.Background(), domain.ItemFilter{})
	if cached[0].TotalQuantity != 5 {
		t.Fatalf("expected cached total 5, got %d", cached[0].TotalQuantity)
	}

	reserve(t, svc, "alice", itemID, 1)
	if catalog.invalidated == 0 {
		t.Fatalf("expected reserve to invalidate the catalog cache")
	}
	fresh, _ := svc.Catalog(context.Background(), domain.ItemFilter{})
	if fresh[0].TotalQuantity != 15 || fresh[0].ReservedQuantity != 1 {
		t.Fatalf("expected fresh view total=15 reserved=1, got total=%d reserved=%d", fresh[0].TotalQuantity, fresh[0].ReservedQuantity)
	}
}

func TestCatalogHidesInactiveAndFilters(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil, Options{Now: newClock().Now})
	ctx := adminContext()

	if _, err := svc.CreateItem(ctx, domain.ItemCreateRequest{Name: "Gold Ring", PurchasePrice: decimal.NewFromInt(10), SellPrice: decimal.NewFromInt(20), CategoryType: "ring", Karat: "18K"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateItem(ctx, domain.ItemCreateRequest{Name: "Gold Chain", PurchasePrice: decimal.NewFromInt(10), SellPrice: decimal.NewFromInt(20), CategoryType: "chain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateItem(ctx, domain.ItemCreateRequest{Name: "Old Ring", PurchasePrice: decimal.NewFromInt(10), SellPrice: decimal.NewFromInt(20), CategoryType: "ring", Status: domain.ItemStatusArchived}); err != nil {
		t.Fatalf("create: %v", err)
	}

	rings, err := svc.Catalog(context.Background(), domain.ItemFilter{CategoryType: "ring"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if len(rings) != 1 || rings[0].Name != "Gold Ring" {
		t.Fatalf("expected only the active ring, got %+v", rings)
	}

	all, _ := svc.ListItems(context.Background(), domain.ItemFilter{})
	if len(all) != 3 {
		t.Fatalf("expected admin listing to include archived items, got %d", len(all))
	}
}

func TestCreateItemValidation(t *testing.T) {
	svc := New(memory.New(), nil, Options{})
	cases := []struct {
		name string
		req  domain.ItemCreateRequest
	}{
		{"missing name", domain.ItemCreateRequest{PurchasePrice: decimal.NewFromInt(1), SellPrice: decimal.NewFromInt(2)}},
		{"sell below purchase", domain.ItemCreateRequest{Name: "x", PurchasePrice: decimal.NewFromInt(5), SellPrice: decimal.NewFromInt(2)}},
		{"negative price", domain.ItemCreateRequest{Name: "x", PurchasePrice: decimal.NewFromInt(-1), SellPrice: decimal.NewFromInt(2)}},
		{"percent over 100", domain.ItemCreateRequest{Name: "x", SellPrice: decimal.NewFromInt(2), DiscountType: domain.DiscountPercent, DiscountValue: decimal.NewFromInt(150)}},
		{"unknown discount", domain.ItemCreateRequest{Name: "x", SellPrice: decimal.NewFromInt(2), DiscountType: "bogo"}},
		{"unknown status", domain.ItemCreateRequest{Name: "x", SellPrice: decimal.NewFromInt(2), Status: "sold"}},
		{"negative quantity", domain.ItemCreateRequest{Name: "x", SellPrice: decimal.NewFromInt(2), TotalQuantity: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateItem(context.Background(), tc.req)
			expectCode(t, err, domain.CodeValidation)
		})
	}
}

func TestCreateItemDefaultsAndAudit(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil, Options{Now: newClock().Now})

	item, err := svc.CreateItem(adminContext(), domain.ItemCreateRequest{
		Name:          "  Pearl Studs ",
		PurchasePrice: decimal.NewFromInt(800),
		SellPrice:     decimal.NewFromInt(1200),
		TotalQuantity: 4,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if item.Name != "Pearl Studs" || item.Status != domain.ItemStatusActive || item.DiscountType != domain.DiscountNone || item.ReservedQuantity != 0 {
		t.Fatalf("unexpected defaults %+v", item)
	}

	logs, err := svc.ListAuditLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "item_create" || logs[0].ActorEmail != "admin@magsd.local" || logs[0].EntityID != item.ID {
		t.Fatalf("unexpected audit trail %+v", logs)
	}
}

func TestUpdateItemAppliesQuantityThroughLedger(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil, Options{Now: newClock().Now})
	itemID := seedItem(t, repo, itemSpec{name: "Ring", purchase: 10, sell: 20, total: 5})
	reserve(t, svc, "alice", itemID, 2)

	total := 8
	price := decimal.NewFromInt(25)
	updated, err := svc.UpdateItem(adminContext(), itemID, domain.ItemUpdateRequest{TotalQuantity: &total, SellPrice: &price})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TotalQuantity != 8 || updated.ReservedQuantity != 2 || !updated.SellPrice.Equal(price) {
		t.Fatalf("unexpected item after update %+v", updated)
	}

	total = 1
	updated, err = svc.UpdateItem(adminContext(), itemID, domain.ItemUpdateRequest{TotalQuantity: &total})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TotalQuantity != 1 || updated.AvailableQuantity != -1 {
		t.Fatalf("expected total 1 with queue of 1, got %+v", updated)
	}
}

func TestUpdateItemRejectsInvalidAndRollsBack(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil, Options{})
	itemID := seedItem(t, repo, itemSpec{name: "Ring", purchase: 10, sell: 20, total: 5})

	low := decimal.NewFromInt(5)
	_, err := svc.UpdateItem(context.Background(), itemID, domain.ItemUpdateRequest{SellPrice: &low})
	expectCode(t, err, domain.CodeValidation)

	name := "Renamed"
	negative := -3
	_, err = svc.UpdateItem(context.Background(), itemID, domain.ItemUpdateRequest{Name: &name, TotalQuantity: &negative})
	expectCode(t, err, domain.CodeValidation)
	if got := getItem(t, repo, itemID); got.Name != "Ring" || got.TotalQuantity != 5 {
		t.Fatalf("expected rollback, got %+v", got)
	}

	_, err = svc.UpdateItem(context.Background(), "missing", domain.ItemUpdateRequest{Name: &name})
	expectCode(t, err, domain.CodeNotFound)
}

func TestRestockItem(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil, Options{Now: newClock().Now})
	itemID := seedItem(t, repo, itemSpec{name: "Ring", purchase: 10, sell: 20, total: 2})

	_, err := svc.RestockItem(adminContext(), itemID, domain.RestockRequest{Quantity: 0})
	expectCode(t, err, domain.CodeValidation)

	item, err := svc.RestockItem(adminContext(), itemID, domain.RestockRequest{Quantity: 3, Note: "supplier delivery"})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if item.TotalQuantity != 5 {
		t.Fatalf("expected total 5, got %d", item.TotalQuantity)
	}
	logs := repo.RestockLogs(itemID)
	if len(logs) != 1 || logs[0].Quantity != 3 || logs[0].CreatedBy != "admin-1" {
		t.Fatalf("unexpected restock log %+v", logs)
	}

	underpriced := seedItem(t, repo, itemSpec{name: "Loss Leader", purchase: 30, sell: 20, total: 1})
	_, err = svc.RestockItem(adminContext(), underpriced, domain.RestockRequest{Quantity: 1})
	expectCode(t, err, domain.CodeValidation)
}

func TestDeleteItem(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil, Options{Now: newClock().Now})
	held := seedItem(t, repo, itemSpec{name: "Held", purchase: 10, sell: 20, total: 3})
	sold := seedItem(t, repo, itemSpec{name: "Sold", purchase: 10, sell: 20, total: 3})
	reserve(t, svc, "alice", held, 1)

	_, err := svc.DeleteItem(adminContext(), held, false)
	expectCode(t, err, domain.CodeFKViolation)

	resp, err := svc.DeleteItem(adminContext(), held, true)
	if err != nil {
		t.Fatalf("force delete: %v", err)
	}
	if resp.DeletedReservations != 1 {
		t.Fatalf("expected 1 reservation removed, got %d", resp.DeletedReservations)
	}

	reserve(t, svc, "bob", sold, 1)
	if _, err := svc.FinalizeSale(context.Background(), domain.FinalizeSaleRequest{UserID: "bob"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, err = svc.DeleteItem(adminContext(), sold, true)
	expectCode(t, err, domain.CodeFKViolation)
	if _, err := repo.GetItem(context.Background(), sold); err != nil {
		t.Fatalf("expected sold item kept: %v", err)
	}

	_, err = svc.DeleteItem(adminContext(), "missing", false)
	expectCode(t, err, domain.CodeNotFound)
}
