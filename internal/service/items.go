package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"magsd/backend/internal/cache"
	"magsd/backend/internal/domain"
	"magsd/backend/internal/ledger"
	"magsd/backend/internal/pricing"
	"magsd/backend/internal/store"
)

// Catalog lists active items with their effective prices. Results are cached
// per filter until the TTL lapses or any stock or item write invalidates them.
func (s *Service) Catalog(ctx context.Context, filter domain.ItemFilter) ([]domain.CatalogItem, error) {
	filter.ActiveOnly = true
	key := cache.CatalogKey(filter)

	cached, ok, err := s.catalog.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	} else if ok {
		return cached, nil
	}

	items, err := s.repo.ListItems(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CatalogItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.CatalogItem{Item: item, EffectivePrice: pricing.ItemPrice(item)})
	}

	if err := s.catalog.Set(ctx, key, out, s.catalogTTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
	return out, nil
}

func (s *Service) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	return s.repo.ListItems(ctx, filter)
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.Item, error) {
	item := domain.Item{
		Name:             strings.TrimSpace(req.Name),
		PurchasePrice:    req.PurchasePrice,
		SellPrice:        req.SellPrice,
		TotalQuantity:    req.TotalQuantity,
		DiscountType:     defaultString(strings.TrimSpace(req.DiscountType), domain.DiscountNone),
		DiscountValue:    req.DiscountValue,
		Status:           defaultString(strings.TrimSpace(req.Status), domain.ItemStatusActive),
		RestockThreshold: req.RestockThreshold,
		ImageURL:         strings.TrimSpace(req.ImageURL),
		CategoryType:     strings.TrimSpace(req.CategoryType),
		GoldType:         strings.TrimSpace(req.GoldType),
		Karat:            strings.TrimSpace(req.Karat),
	}
	if item.TotalQuantity < 0 {
		return domain.Item{}, domain.Validation("total_quantity must be >= 0")
	}
	if err := validateItem(item); err != nil {
		return domain.Item{}, err
	}

	created, err := s.repo.CreateItem(ctx, item)
	if err != nil {
		return domain.Item{}, storeError(err, "item")
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "item_create", "item", created.ID, fmt.Sprintf("name=%s,sell=%s,qty=%d", created.Name, created.SellPrice.StringFixed(2), created.TotalQuantity))
	return *created, nil
}

// UpdateItem applies a partial update. A new total_quantity is applied as a
// ledger delta against the stored total, in the same transaction.
func (s *Service) UpdateItem(ctx context.Context, id string, req domain.ItemUpdateRequest) (domain.Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Item{}, domain.Validation("item id is required")
	}

	var saved *domain.Item
	err := s.repo.RunInTx(ctx, func(repo store.Repository) error {
		existing, err := repo.GetItem(ctx, id)
		if err != nil {
			return storeError(err, "item")
		}

		updated := *existing
		if req.Name != nil {
			updated.Name = strings.TrimSpace(*req.Name)
		}
		if req.PurchasePrice != nil {
			updated.PurchasePrice = *req.PurchasePrice
		}
		if req.SellPrice != nil {
			updated.SellPrice = *req.SellPrice
		}
		if req.DiscountType != nil {
			updated.DiscountType = strings.TrimSpace(*req.DiscountType)
		}
		if req.DiscountValue != nil {
			updated.DiscountValue = *req.DiscountValue
		}
		if req.Status != nil {
			updated.Status = strings.TrimSpace(*req.Status)
		}
		if req.RestockThreshold != nil {
			threshold := *req.RestockThreshold
			updated.RestockThreshold = &threshold
		}
		if req.ImageURL != nil {
			updated.ImageURL = strings.TrimSpace(*req.ImageURL)
		}
		if req.CategoryType != nil {
			updated.CategoryType = strings.TrimSpace(*req.CategoryType)
		}
		if req.GoldType != nil {
			updated.GoldType = strings.TrimSpace(*req.GoldType)
		}
		if req.Karat != nil {
			updated.Karat = strings.TrimSpace(*req.Karat)
		}
		if err := validateItem(updated); err != nil {
			return err
		}

		if _, err := repo.UpdateItem(ctx, updated); err != nil {
			return storeError(err, "item")
		}

		if req.TotalQuantity != nil {
			if *req.TotalQuantity < 0 {
				return domain.Validation("total_quantity must be >= 0")
			}
			led := ledger.NewInTx(repo)
			diff := *req.TotalQuantity - existing.TotalQuantity
			switch {
			case diff > 0:
				err = led.IncrementTotal(ctx, id, diff)
			case diff < 0:
				err = led.DecrementTotal(ctx, id, -diff)
			}
			if err != nil {
				return err
			}
		}

		saved, err = repo.GetItem(ctx, id)
		return err
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "item_update", "item", saved.ID, fmt.Sprintf("status=%s,sell=%s,qty=%d", saved.Status, saved.SellPrice.StringFixed(2), saved.TotalQuantity))
	return *saved, nil
}

// RestockItem adds received stock. Items priced below cost must be fixed
// before they can be restocked.
func (s *Service) RestockItem(ctx context.Context, id string, req domain.RestockRequest) (domain.Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Item{}, domain.Validation("item id is required")
	}
	if req.Quantity <= 0 {
		return domain.Item{}, domain.Validation("quantity must be positive")
	}

	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return domain.Item{}, storeError(err, "item")
	}
	if item.SellPrice.LessThan(item.PurchasePrice) {
		return domain.Item{}, domain.Validation("sell_price is below purchase_price; fix pricing before restocking")
	}

	if err := s.ledger.IncrementTotal(ctx, id, req.Quantity); err != nil {
		return domain.Item{}, err
	}

	actor, _ := ActorFromContext(ctx)
	if err := s.repo.CreateRestockLog(ctx, domain.RestockLog{
		ItemID:    id,
		Quantity:  req.Quantity,
		Note:      strings.TrimSpace(req.Note),
		CreatedBy: actor.UserID,
		CreatedAt: s.now(),
	}); err != nil {
		log.Warn().Err(err).Str("item_id", id).Int("quantity", req.Quantity).Msg("failed to write restock log")
	}

	updated, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return domain.Item{}, storeError(err, "item")
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "item_restock", "item", id, fmt.Sprintf("qty=%d,total=%d", req.Quantity, updated.TotalQuantity))
	return *updated, nil
}

// DeleteItem removes an item. With force the item's reservations are deleted
// first; items that appear on recorded sales can never be deleted.
func (s *Service) DeleteItem(ctx context.Context, id string, force bool) (domain.ItemDeleteResponse, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ItemDeleteResponse{}, domain.Validation("item id is required")
	}

	resp := domain.ItemDeleteResponse{ItemID: id}
	err := s.repo.RunInTx(ctx, func(repo store.Repository) error {
		if force {
			n, err := repo.DeleteReservationsForItem(ctx, id)
			if err != nil {
				return err
			}
			resp.DeletedReservations = n
		}
		return repo.DeleteItem(ctx, id)
	})
	if err != nil {
		if errors.Is(err, store.ErrReferenced) {
			hint := "delete the item's reservations first or retry with force=true"
			if force {
				hint = "the item appears on recorded sales; archive it instead"
			}
			return domain.ItemDeleteResponse{}, domain.WrapError(domain.CodeFKViolation, "item is still referenced", err).WithHint(hint)
		}
		return domain.ItemDeleteResponse{}, storeError(err, "item")
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "item_delete", "item", id, fmt.Sprintf("force=%t,reservations=%d", force, resp.DeletedReservations))
	return resp, nil
}

func validateItem(item domain.Item) error {
	if item.Name == "" {
		return domain.Validation("name is required")
	}
	if item.PurchasePrice.IsNegative() || item.SellPrice.IsNegative() {
		return domain.Validation("prices must be >= 0")
	}
	if item.SellPrice.LessThan(item.PurchasePrice) {
		return domain.Validation("sell_price must be >= purchase_price")
	}
	switch item.DiscountType {
	case domain.DiscountNone, domain.DiscountPercent, domain.DiscountFixed:
	default:
		return domain.Validation("discount_type must be none, percent or fixed")
	}
	if !pricing.ValidDiscount(item.DiscountType, item.DiscountValue) {
		return domain.Validation("discount_value must be >= 0 and at most 100 for percent")
	}
	switch item.Status {
	case domain.ItemStatusActive, domain.ItemStatusInactive, domain.ItemStatusArchived:
	default:
		return domain.Validation("status must be active, inactive or archived")
	}
	if item.RestockThreshold != nil && *item.RestockThreshold < 0 {
		return domain.Validation("restock_threshold must be >= 0")
	}
	return nil
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
