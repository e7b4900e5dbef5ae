package service

import (
	"context"
	"testing"
	"time"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/store/memory"
)

func TestInventoryReport(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil, Options{Now: newClock().Now, ShopName: "Test Shop"})
	threshold := 1
	low := seedItem(t, repo, itemSpec{name: "Low", purchase: 100, sell: 250, total: 2, threshold: &threshold})
	seedItem(t, repo, itemSpec{name: "Plenty", purchase: 10, sell: 20, total: 10})
	reserve(t, svc, "alice", low, 3)

	report, err := svc.InventoryReport(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.ShopName != "Test Shop" || len(report.Items) != 2 {
		t.Fatalf("unexpected report header %+v", report)
	}

	byName := make(map[string]domain.InventoryReportLine)
	for _, line := range report.Items {
		byName[line.Name] = line
	}
	l := byName["Low"]
	if l.Available != 0 || l.Reserved != 3 || !l.NeedsRestock {
		t.Fatalf("expected low item clamped at 0 and flagged, got %+v", l)
	}
	if !l.Value.Equal(money("500")) {
		t.Fatalf("expected value 500, got %s", l.Value)
	}
	if byName["Plenty"].NeedsRestock {
		t.Fatalf("item without threshold must not be flagged")
	}
	if !report.GrandTotal.Equal(money("700")) {
		t.Fatalf("expected grand total 700, got %s", report.GrandTotal)
	}
}

func TestSalesSummaryBucketsInShopTimezone(t *testing.T) {
	manila, err := time.LoadLocation("Asia/Manila")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}

	repo := memory.New()
	clk := newClock()
	svc := New(repo, nil, Options{Now: clk.Now, Location: manila})
	itemID := seedItem(t, repo, itemSpec{name: "Ring", purchase: 600, sell: 1000, total: 10})

	sell := func(at time.Time, qty int) {
		t.Helper()
		clk.Set(at)
		reserve(t, svc, "alice", itemID, qty)
		if _, err := svc.FinalizeSale(context.Background(), domain.FinalizeSaleRequest{UserID: "alice"}); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}
	// 2024-03-31 20:00 UTC is already 2024-04-01 in Manila.
	sell(time.Date(2024, 3, 31, 20, 0, 0, 0, time.UTC), 1)
	sell(time.Date(2024, 3, 20, 3, 0, 0, 0, time.UTC), 2)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		period string
		labels []string
	}{
		{PeriodDaily, []string{"2024-03-20", "2024-04-01"}},
		{PeriodWeekly, []string{"2024-03-18", "2024-04-01"}},
		{PeriodMonthly, []string{"2024-03", "2024-04"}},
		{PeriodQuarterly, []string{"2024-Q1", "2024-Q2"}},
	}
	for _, tc := range cases {
		t.Run(tc.period, func(t *testing.T) {
			summary, err := svc.SalesSummary(context.Background(), tc.period, start, end)
			if err != nil {
				t.Fatalf("summary: %v", err)
			}
			if len(summary.Summary) != len(tc.labels) {
				t.Fatalf("expected %d buckets, got %+v", len(tc.labels), summary.Summary)
			}
			for i, label := range tc.labels {
				if summary.Summary[i].Period != label {
					t.Fatalf("bucket %d: expected %s, got %s", i, label, summary.Summary[i].Period)
				}
			}
			if !summary.Summary[0].Net.Equal(money("2000")) || !summary.Summary[0].Gross.Equal(money("1200")) {
				t.Fatalf("unexpected first bucket %+v", summary.Summary[0])
			}
			if !summary.TotalNet.Equal(money("3000")) || !summary.TotalGross.Equal(money("1800")) {
				t.Fatalf("unexpected totals net=%s gross=%s", summary.TotalNet, summary.TotalGross)
			}
		})
	}
}

func TestSalesSummaryValidation(t *testing.T) {
	svc := New(memory.New(), nil, Options{Now: newClock().Now})

	_, err := svc.SalesSummary(context.Background(), "hourly", time.Time{}, time.Time{})
	expectCode(t, err, domain.CodeValidation)

	now := newClock().Now()
	_, err = svc.SalesSummary(context.Background(), PeriodDaily, now, now.Add(-time.Hour))
	expectCode(t, err, domain.CodeValidation)

	summary, err := svc.SalesSummary(context.Background(), "", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Period != PeriodDaily || summary.End.Sub(summary.Start) != 30*24*time.Hour {
		t.Fatalf("expected default daily window of 30 days, got %+v", summary)
	}
}
