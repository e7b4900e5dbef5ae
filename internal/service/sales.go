package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/ledger"
	"magsd/backend/internal/pricing"
	"magsd/backend/internal/store"
)

const maxSalePatchAttempts = 3

// FinalizeSale turns every reservation the user holds into one sale. Lines are
// priced with the item's current effective price, which is then frozen on the
// sale item. Only this user's reservations are consumed. The whole conversion
// commits or rolls back as one transaction.
func (s *Service) FinalizeSale(ctx context.Context, req domain.FinalizeSaleRequest) (domain.FinalizeSaleResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.FinalizeSaleResponse{}, domain.Validation("user_id is required")
	}
	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentFull
	}
	if !method.Valid() {
		return domain.FinalizeSaleResponse{}, domain.Validation("payment_method must be full or layaway")
	}

	actor, _ := ActorFromContext(ctx)
	var resp domain.FinalizeSaleResponse
	err := s.repo.RunInTx(ctx, func(repo store.Repository) error {
		led := ledger.NewInTx(repo)

		reservations, err := repo.ListReservations(ctx, userID)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(reservations))
		for _, r := range reservations {
			ids = append(ids, r.ItemID)
		}
		items, err := repo.GetItemsByIDs(ctx, ids)
		if err != nil {
			return err
		}

		sale, err := repo.CreateSale(ctx, domain.Sale{
			UserID:        userID,
			AdminUserID:   actor.UserID,
			CreatedAt:     s.now(),
			Total:         decimal.Zero,
			Status:        domain.SaleStatusCompleted,
			PaymentMethod: method,
		})
		if err != nil {
			return err
		}

		total := decimal.Zero
		lines := make([]domain.SaleItem, 0, len(reservations))
		for _, r := range reservations {
			item, ok := items[r.ItemID]
			if !ok {
				return domain.NotFound(fmt.Sprintf("item %s", r.ItemID))
			}
			unit := pricing.ItemPrice(item)
			total = total.Add(pricing.LineTotal(unit, r.Quantity))

			if err := led.AdjustReserved(ctx, item.ID, -r.Quantity); err != nil {
				return err
			}
			if err := led.DecrementTotal(ctx, item.ID, r.Quantity); err != nil {
				return err
			}

			line, err := repo.CreateSaleItem(ctx, domain.SaleItem{
				SaleID:          sale.ID,
				ItemID:          item.ID,
				Quantity:        r.Quantity,
				PriceAtPurchase: unit,
				DiscountType:    item.DiscountType,
				DiscountValue:   item.DiscountValue,
			})
			if err != nil {
				return storeError(err, "item")
			}
			lines = append(lines, *line)
		}

		for _, r := range reservations {
			if _, err := repo.DeleteReservation(ctx, userID, r.ID); err != nil {
				return fmt.Errorf("clear reservation %s: %w", r.ID, err)
			}
		}

		total = pricing.Round2(total)
		patch := store.SalePatch{Total: total, PaymentMethod: method, Fields: store.LayawayFields}
		if method == domain.PaymentLayaway {
			terms := pricing.Layaway(total, req.LayawayMonths)
			patch.Layaway = &terms
		}
		patched, dropped, err := patchSale(ctx, repo, sale.ID, patch)
		if err != nil {
			return err
		}

		resp = domain.FinalizeSaleResponse{
			SaleID:        patched.ID,
			Total:         patched.Total,
			Sale:          *patched,
			Items:         lines,
			DroppedFields: dropped,
		}
		return nil
	})
	if err != nil {
		return domain.FinalizeSaleResponse{}, err
	}

	if len(resp.Items) == 0 {
		log.Warn().Str("sale_id", resp.SaleID).Str("user_id", userID).Msg("finalized sale without reservations")
	}
	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "sale_finalize", "sale", resp.SaleID, fmt.Sprintf("user=%s,total=%s,payment=%s,lines=%d", userID, resp.Total.StringFixed(2), resp.Sale.PaymentMethod, len(resp.Items)))
	return resp, nil
}

// patchSale writes the payment patch, dropping optional fields the store
// reports missing and retrying. It returns the fields that were dropped.
func patchSale(ctx context.Context, repo store.Repository, saleID string, patch store.SalePatch) (*domain.Sale, []string, error) {
	dropped := make([]string, 0)
	var lastErr error
	for attempt := 1; attempt <= maxSalePatchAttempts; attempt++ {
		sale, err := repo.PatchSale(ctx, saleID, patch)
		if err == nil {
			return sale, dropped, nil
		}
		lastErr = err

		var missing *store.MissingFieldsError
		if !errors.As(err, &missing) {
			return nil, dropped, err
		}
		stripped := patch.Without(missing.Fields)
		if len(stripped.Fields) == len(patch.Fields) {
			break
		}
		for _, f := range patch.Fields {
			if !slices.Contains(stripped.Fields, f) {
				dropped = append(dropped, f)
			}
		}
		log.Warn().Str("sale_id", saleID).Strs("fields", missing.Fields).Int("attempt", attempt).Msg("sales table lacks optional fields; retrying without them")
		patch = stripped
	}
	return nil, dropped, domain.WrapError(domain.CodeSchemaDrift, "sale could not be recorded: the store rejected its payment fields", lastErr)
}

func (s *Service) SaleHistory(ctx context.Context, userID string, limit int) (domain.SaleHistoryResponse, error) {
	if limit < 1 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}

	sales, err := s.repo.ListSales(ctx, strings.TrimSpace(userID), limit)
	if err != nil {
		return domain.SaleHistoryResponse{}, err
	}
	ids := make([]string, 0, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
	}
	refunded, err := s.repo.SumRefunds(ctx, ids)
	if err != nil {
		return domain.SaleHistoryResponse{}, err
	}

	entries := make([]domain.SaleHistoryEntry, 0, len(sales))
	for _, sale := range sales {
		r := pricing.Round2(refunded[sale.ID])
		entries = append(entries, domain.SaleHistoryEntry{
			Sale:          sale,
			RefundedTotal: r,
			NetTotal:      pricing.Round2(sale.Total.Sub(r)),
		})
	}
	return domain.SaleHistoryResponse{Sales: entries}, nil
}

func (s *Service) Invoice(ctx context.Context, saleID string) (domain.Invoice, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Invoice{}, domain.Validation("sale_id is required")
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Invoice{}, storeError(err, "sale")
	}
	items, err := s.repo.ListSaleItems(ctx, saleID)
	if err != nil {
		return domain.Invoice{}, err
	}
	refunded, err := s.repo.SumRefunds(ctx, []string{saleID})
	if err != nil {
		return domain.Invoice{}, err
	}

	customer := sale.UserID
	if user, err := s.repo.GetUserByID(ctx, sale.UserID); err == nil {
		customer = user.Email
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("sale_id", saleID).Msg("invoice: customer lookup failed")
	}

	lines := make([]domain.InvoiceLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, domain.InvoiceLine{
			ItemID:    it.ItemID,
			Name:      it.ItemName,
			Quantity:  it.Quantity,
			UnitPrice: it.PriceAtPurchase,
			LineTotal: pricing.LineTotal(it.PriceAtPurchase, it.Quantity),
		})
	}

	refundedTotal := pricing.Round2(refunded[saleID])
	return domain.Invoice{
		ShopName:      s.shopName,
		GeneratedAt:   s.now().In(s.loc),
		Timezone:      s.loc.String(),
		Sale:          *sale,
		Customer:      customer,
		Lines:         lines,
		Total:         sale.Total,
		RefundedTotal: refundedTotal,
		NetTotal:      pricing.Round2(sale.Total.Sub(refundedTotal)),
	}, nil
}
