package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/pricing"
)

const (
	PeriodDaily     = "daily"
	PeriodWeekly    = "weekly"
	PeriodMonthly   = "monthly"
	PeriodQuarterly = "quarterly"

	defaultSummaryWindow = 30 * 24 * time.Hour
)

// InventoryReport values every item at its sell price over the full stock on
// hand, reserved units included.
func (s *Service) InventoryReport(ctx context.Context) (domain.InventoryReport, error) {
	items, err := s.repo.ListItems(ctx, domain.ItemFilter{})
	if err != nil {
		return domain.InventoryReport{}, err
	}

	lines := make([]domain.InventoryReportLine, 0, len(items))
	grand := decimal.Zero
	for _, item := range items {
		available := max(item.TotalQuantity-item.ReservedQuantity, 0)
		value := pricing.LineTotal(item.SellPrice, item.TotalQuantity)
		lines = append(lines, domain.InventoryReportLine{
			ItemID:       item.ID,
			Name:         item.Name,
			Total:        item.TotalQuantity,
			Reserved:     item.ReservedQuantity,
			Available:    available,
			UnitPrice:    item.SellPrice,
			Value:        value,
			NeedsRestock: item.RestockThreshold != nil && available <= *item.RestockThreshold,
		})
		grand = grand.Add(value)
	}

	return domain.InventoryReport{
		ShopName:    s.shopName,
		GeneratedAt: s.now().In(s.loc),
		Timezone:    s.loc.String(),
		Items:       lines,
		GrandTotal:  pricing.Round2(grand),
	}, nil
}

// SalesSummary buckets sold lines by period. gross is the cost of goods sold
// and net the revenue at the frozen sale price. A zero start or end defaults
// to the last 30 days ending now.
func (s *Service) SalesSummary(ctx context.Context, period string, start time.Time, end time.Time) (domain.SalesSummary, error) {
	period = strings.ToLower(strings.TrimSpace(period))
	if period == "" {
		period = PeriodDaily
	}
	switch period {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodQuarterly:
	default:
		return domain.SalesSummary{}, domain.Validation("period must be daily, weekly, monthly or quarterly")
	}

	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-defaultSummaryWindow)
	}
	if end.Before(start) {
		return domain.SalesSummary{}, domain.Validation("end must not be before start")
	}

	facts, err := s.repo.ListSaleLines(ctx, start.UTC(), end.UTC())
	if err != nil {
		return domain.SalesSummary{}, err
	}

	buckets := make(map[string]*domain.SalesSummaryBucket)
	totalGross, totalNet := decimal.Zero, decimal.Zero
	for _, f := range facts {
		label := periodLabel(period, f.SaleCreatedAt.In(s.loc))
		b, ok := buckets[label]
		if !ok {
			b = &domain.SalesSummaryBucket{Period: label, Gross: decimal.Zero, Net: decimal.Zero}
			buckets[label] = b
		}
		gross := pricing.LineTotal(f.PurchasePrice, f.Quantity)
		net := pricing.LineTotal(f.PriceAtPurchase, f.Quantity)
		b.Gross = b.Gross.Add(gross)
		b.Net = b.Net.Add(net)
		totalGross = totalGross.Add(gross)
		totalNet = totalNet.Add(net)
	}

	summary := make([]domain.SalesSummaryBucket, 0, len(buckets))
	for _, b := range buckets {
		summary = append(summary, domain.SalesSummaryBucket{
			Period: b.Period,
			Gross:  pricing.Round2(b.Gross),
			Net:    pricing.Round2(b.Net),
		})
	}
	sort.Slice(summary, func(i, j int) bool { return summary[i].Period < summary[j].Period })

	return domain.SalesSummary{
		Period:     period,
		Start:      start,
		End:        end,
		Summary:    summary,
		TotalGross: pricing.Round2(totalGross),
		TotalNet:   pricing.Round2(totalNet),
	}, nil
}

// periodLabel names the bucket t falls in. Weeks are labelled by their Monday.
func periodLabel(period string, t time.Time) string {
	switch period {
	case PeriodWeekly:
		offset := (int(t.Weekday()) + 6) % 7
		return t.AddDate(0, 0, -offset).Format("2006-01-02")
	case PeriodMonthly:
		return t.Format("2006-01")
	case PeriodQuarterly:
		return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	default:
		return t.Format("2006-01-02")
	}
}
