package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/ledger"
	"magsd/backend/internal/pricing"
	"magsd/backend/internal/store"
)

var voidTolerance = decimal.New(1, -4)

// Refund restocks part or all of a finalized sale at the frozen sale prices.
// Invalid lines are skipped and reported instead of failing the refund. The
// sale is voided once every sold unit is refunded and the refunds add up to
// its total.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResponse, error) {
	saleID := strings.TrimSpace(req.SaleID)
	if saleID == "" {
		return domain.RefundResponse{}, domain.Validation("sale_id is required")
	}
	if !req.Full && len(req.Items) == 0 {
		return domain.RefundResponse{}, domain.Validation("items are required unless full is true")
	}

	actor, _ := ActorFromContext(ctx)
	var resp domain.RefundResponse
	err := s.repo.RunInTx(ctx, func(repo store.Repository) error {
		led := ledger.NewInTx(repo)

		sale, err := repo.GetSale(ctx, saleID)
		if err != nil {
			return storeError(err, "sale")
		}
		if sale.Status == domain.SaleStatusVoided {
			return domain.NewError(domain.CodeConflict, "sale is already voided")
		}

		saleItems, err := repo.ListSaleItems(ctx, saleID)
		if err != nil {
			return err
		}
		refundedQty, err := repo.RefundedQuantities(ctx, saleID)
		if err != nil {
			return err
		}

		requested := req.Items
		if req.Full {
			requested = make([]domain.RefundLine, 0, len(saleItems))
			for _, si := range saleItems {
				if remaining := si.Quantity - refundedQty[si.ID]; remaining > 0 {
					requested = append(requested, domain.RefundLine{SaleItemID: si.ID, ItemID: si.ItemID, Quantity: remaining})
				}
			}
		}

		accepted, skipped := screenRefundLines(requested, saleItems, refundedQty)
		for _, sk := range skipped {
			log.Warn().Str("sale_id", saleID).Str("sale_item_id", sk.SaleItemID).Str("item_id", sk.ItemID).Int("quantity", sk.Quantity).
				Str("reason", sk.Reason).Msg("refund line skipped")
		}
		if len(accepted) == 0 {
			return domain.Validation("no refundable lines in request (%d skipped)", len(skipped))
		}

		refund, err := repo.CreateRefund(ctx, domain.Refund{
			SaleID:    saleID,
			UserID:    sale.UserID,
			Reason:    strings.TrimSpace(req.Reason),
			Total:     decimal.Zero,
			CreatedBy: actor.UserID,
			CreatedAt: s.now(),
		})
		if err != nil {
			return storeError(err, "sale")
		}

		total := decimal.Zero
		refundItems := make([]domain.RefundItem, 0, len(accepted))
		for _, line := range accepted {
			ri, err := repo.CreateRefundItem(ctx, domain.RefundItem{
				RefundID:        refund.ID,
				SaleItemID:      line.saleItem.ID,
				ItemID:          line.saleItem.ItemID,
				Quantity:        line.Quantity,
				PriceAtPurchase: line.saleItem.PriceAtPurchase,
			})
			if err != nil {
				return storeError(err, "sale item")
			}
			if err := led.IncrementTotal(ctx, line.saleItem.ItemID, line.Quantity); err != nil {
				return err
			}
			total = total.Add(pricing.LineTotal(line.saleItem.PriceAtPurchase, line.Quantity))
			refundItems = append(refundItems, *ri)
		}
		total = pricing.Round2(total)

		if err := repo.SetRefundTotal(ctx, refund.ID, total); err != nil {
			return err
		}

		sums, err := repo.SumRefunds(ctx, []string{saleID})
		if err != nil {
			return err
		}
		after := make(map[string]int, len(saleItems))
		for id, qty := range refundedQty {
			after[id] = qty
		}
		for _, line := range accepted {
			after[line.saleItem.ID] += line.Quantity
		}
		fully := allLinesRefunded(saleItems, after) && sums[saleID].Sub(sale.Total).Abs().LessThanOrEqual(voidTolerance)
		if fully {
			if err := repo.SetSaleStatus(ctx, saleID, domain.SaleStatusVoided); err != nil {
				return err
			}
		}

		resp = domain.RefundResponse{
			RefundID:      refund.ID,
			SaleID:        saleID,
			RefundTotal:   total,
			FullyRefunded: fully,
			Items:         refundItems,
			Skipped:       skipped,
		}
		return nil
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "sale_refund", "sale", saleID, fmt.Sprintf("refund=%s,total=%s,voided=%t,skipped=%d", resp.RefundID, resp.RefundTotal.StringFixed(2), resp.FullyRefunded, len(resp.Skipped)))
	return resp, nil
}

// allLinesRefunded reports whether every sold unit has been refunded. Money
// alone cannot tell, since a line may have sold at zero.
func allLinesRefunded(saleItems []domain.SaleItem, refunded map[string]int) bool {
	for _, si := range saleItems {
		if refunded[si.ID] < si.Quantity {
			return false
		}
	}
	return true
}

type acceptedRefundLine struct {
	domain.RefundLine
	saleItem domain.SaleItem
}

// screenRefundLines splits requested lines into those that can be refunded
// and those that cannot. A sale item can never be refunded beyond what was
// sold, counting earlier refunds and earlier lines of the same request.
func screenRefundLines(lines []domain.RefundLine, saleItems []domain.SaleItem, refunded map[string]int) ([]acceptedRefundLine, []domain.SkippedRefundLine) {
	byID := make(map[string]domain.SaleItem, len(saleItems))
	for _, si := range saleItems {
		byID[si.ID] = si
	}
	pending := make(map[string]int, len(lines))

	accepted := make([]acceptedRefundLine, 0, len(lines))
	skipped := make([]domain.SkippedRefundLine, 0)
	skip := func(line domain.RefundLine, reason string) {
		skipped = append(skipped, domain.SkippedRefundLine{RefundLine: line, Reason: reason})
	}

	for _, line := range lines {
		line.SaleItemID = strings.TrimSpace(line.SaleItemID)
		line.ItemID = strings.TrimSpace(line.ItemID)
		switch {
		case line.SaleItemID == "":
			skip(line, "sale_item_id is required")
			continue
		case line.ItemID == "":
			skip(line, "item_id is required")
			continue
		case line.Quantity <= 0:
			skip(line, "quantity must be positive")
			continue
		}

		si, ok := byID[line.SaleItemID]
		if !ok {
			skip(line, "sale item does not belong to this sale")
			continue
		}
		if si.ItemID != line.ItemID {
			skip(line, "item_id does not match the sale item")
			continue
		}
		remaining := si.Quantity - refunded[si.ID] - pending[si.ID]
		if line.Quantity > remaining {
			skip(line, fmt.Sprintf("quantity exceeds refundable quantity %d", max(remaining, 0)))
			continue
		}

		pending[si.ID] += line.Quantity
		accepted = append(accepted, acceptedRefundLine{RefundLine: line, saleItem: si})
	}
	return accepted, skipped
}

func (s *Service) RefundReceipt(ctx context.Context, refundID string) (domain.RefundReceipt, error) {
	refundID = strings.TrimSpace(refundID)
	if refundID == "" {
		return domain.RefundReceipt{}, domain.Validation("refund_id is required")
	}

	refund, err := s.repo.GetRefund(ctx, refundID)
	if err != nil {
		return domain.RefundReceipt{}, storeError(err, "refund")
	}
	items, err := s.repo.ListRefundItems(ctx, refundID)
	if err != nil {
		return domain.RefundReceipt{}, err
	}
	sale, err := s.repo.GetSale(ctx, refund.SaleID)
	if err != nil {
		return domain.RefundReceipt{}, storeError(err, "sale")
	}

	return domain.RefundReceipt{
		ShopName: s.shopName,
		Refund:   *refund,
		Items:    items,
		Sale:     *sale,
	}, nil
}
