package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/pricing"
	"magsd/backend/internal/store"
	"magsd/backend/internal/xid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("MAGSD_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set MAGSD_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func createTestItem(t *testing.T, s *Store, total int) *domain.Item {
	t.Helper()
	ctx := context.Background()
	item, err := s.CreateItem(ctx, domain.Item{
		Name:          "Integration Bangle " + xid.New()[:8],
		PurchasePrice: decimal.NewFromInt(600),
		SellPrice:     decimal.NewFromInt(1000),
		TotalQuantity: total,
		DiscountType:  domain.DiscountNone,
		Status:        domain.ItemStatusActive,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM refund_items WHERE item_id = $1`, item.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM refunds WHERE sale_id IN (SELECT sale_id FROM sale_items WHERE item_id = $1)`, item.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id IN (SELECT sale_id FROM sale_items WHERE item_id = $1)`, item.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM reservations WHERE item_id = $1`, item.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, item.ID)
	})
	return item
}

func TestConcurrentReservationInsertsMerge(t *testing.T) {
	s := openTestStore(t)
	item := createTestItem(t, s, 5)
	userID := xid.New()
	ctx := context.Background()

	add := func(existing *domain.Reservation) (*domain.Reservation, error) {
		now := time.Now().UTC()
		if existing == nil {
			return &domain.Reservation{Quantity: 1, CreatedAt: now, ExpiresAt: now.Add(30 * 24 * time.Hour)}, nil
		}
		existing.Quantity++
		return existing, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.MutateReservation(ctx, userID, item.ID, add); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("mutate reservation: %v", err)
	}

	r, err := s.FindReservationByItem(ctx, userID, item.ID)
	if err != nil {
		t.Fatalf("find reservation: %v", err)
	}
	if r.Quantity != 2 {
		t.Fatalf("expected merged quantity 2, got %d", r.Quantity)
	}
}

func TestLedgerUpdatesClampAtZero(t *testing.T) {
	s := openTestStore(t)
	item := createTestItem(t, s, 2)
	ctx := context.Background()

	if _, err := s.AddReserved(ctx, item.ID, 3); err != nil {
		t.Fatalf("add reserved: %v", err)
	}
	reserved, err := s.AddReserved(ctx, item.ID, -10)
	if err != nil {
		t.Fatalf("add reserved: %v", err)
	}
	if reserved != 0 {
		t.Fatalf("expected reserved clamped to 0, got %d", reserved)
	}
	total, err := s.AddTotal(ctx, item.ID, -5)
	if err != nil {
		t.Fatalf("add total: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected total clamped to 0, got %d", total)
	}
}

func TestSalePatchInsideTransaction(t *testing.T) {
	s := openTestStore(t)
	item := createTestItem(t, s, 3)
	ctx := context.Background()
	userID := xid.New()

	var saleID string
	err := s.RunInTx(ctx, func(repo store.Repository) error {
		sale, err := repo.CreateSale(ctx, domain.Sale{UserID: userID, AdminUserID: xid.New()})
		if err != nil {
			return err
		}
		saleID = sale.ID
		if _, err := repo.CreateSaleItem(ctx, domain.SaleItem{
			SaleID:          sale.ID,
			ItemID:          item.ID,
			Quantity:        1,
			PriceAtPurchase: decimal.NewFromInt(1000),
			DiscountType:    domain.DiscountNone,
		}); err != nil {
			return err
		}
		terms := pricing.Layaway(decimal.NewFromInt(1000), 6)
		_, err = repo.PatchSale(ctx, sale.ID, store.SalePatch{
			Total:         decimal.NewFromInt(1000),
			PaymentMethod: domain.PaymentLayaway,
			Layaway:       &terms,
			Fields:        store.LayawayFields,
		})
		return err
	})
	if err != nil {
		t.Fatalf("run in tx: %v", err)
	}

	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if sale.PaymentMethod != domain.PaymentLayaway || sale.Downpayment == nil || !sale.Downpayment.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected sale after patch: %+v", sale)
	}
}

func TestDeleteReferencedItem(t *testing.T) {
	s := openTestStore(t)
	item := createTestItem(t, s, 1)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := s.MutateReservation(ctx, xid.New(), item.ID, func(*domain.Reservation) (*domain.Reservation, error) {
		return &domain.Reservation{Quantity: 1, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}, nil
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := s.DeleteItem(ctx, item.ID); !errors.Is(err, store.ErrReferenced) {
		t.Fatalf("expected ErrReferenced, got %v", err)
	}
}
