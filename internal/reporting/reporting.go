// Package reporting derives session summaries and dashboard aggregates from
// persisted sales. Every function is pure: callers load the rows, this
// package only groups and sums them.
package reporting

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tustore/backend/internal/domain"
)

const (
	dayLayout       = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
)

const uncategorized = "uncategorized"

type Options struct {
	TopN           int
	StockThreshold int
	WindowDays     int
	RecentSales    int
	Location       *time.Location
}

func DefaultOptions() Options {
	return Options{
		TopN:           5,
		StockThreshold: 5,
		WindowDays:     7,
		RecentSales:    10,
		Location:       time.UTC,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.TopN < 1 {
		o.TopN = def.TopN
	}
	if o.StockThreshold < 0 {
		o.StockThreshold = def.StockThreshold
	}
	if o.WindowDays < 1 {
		o.WindowDays = def.WindowDays
	}
	if o.RecentSales < 1 {
		o.RecentSales = def.RecentSales
	}
	if o.Location == nil {
		o.Location = def.Location
	}
	return o
}

// IsCashPayment reports whether a sale put money in the drawer.
func IsCashPayment(method string) bool {
	return strings.EqualFold(strings.TrimSpace(method), domain.PaymentMethodCash)
}

// SessionTotals returns the sum of all sale totals and the cash-paid part.
func SessionTotals(sales []domain.Sale) (total decimal.Decimal, cash decimal.Decimal) {
	total, cash = decimal.Zero, decimal.Zero
	for _, sale := range sales {
		total = total.Add(sale.Total)
		if IsCashPayment(sale.PaymentMethod) {
			cash = cash.Add(sale.Total)
		}
	}
	return total, cash
}

func SummarizeSession(session domain.CashSession, sales []domain.Sale) domain.SessionSummary {
	summary := domain.SessionSummary{
		SessionID:       session.ID,
		OpenedAt:        session.OpenedAt,
		OpeningAmount:   session.OpeningAmount,
		TotalSales:      decimal.Zero,
		ByPaymentMethod: make([]domain.PaymentMethodTotal, 0, 4),
	}

	byMethod := map[string]*domain.PaymentMethodTotal{}
	for _, sale := range sales {
		if sale.SessionID != session.ID {
			continue
		}
		summary.SalesCount++
		summary.TotalSales = summary.TotalSales.Add(sale.Total)

		method := strings.TrimSpace(sale.PaymentMethod)
		if method == "" {
			continue
		}
		entry := byMethod[method]
		if entry == nil {
			entry = &domain.PaymentMethodTotal{PaymentMethod: method, Total: decimal.Zero}
			byMethod[method] = entry
		}
		entry.Sales++
		entry.Total = entry.Total.Add(sale.Total)
	}

	for _, entry := range byMethod {
		summary.ByPaymentMethod = append(summary.ByPaymentMethod, *entry)
	}
	slices.SortFunc(summary.ByPaymentMethod, func(a, b domain.PaymentMethodTotal) int {
		return strings.Compare(a.PaymentMethod, b.PaymentMethod)
	})
	return summary
}

// Average divides total by count rounding half up to two fraction digits.
func Average(total decimal.Decimal, count int) decimal.Decimal {
	if count < 1 {
		return decimal.Zero
	}
	return total.DivRound(decimal.NewFromInt(int64(count)), 2)
}

func BuildDashboard(sales []domain.Sale, products []domain.Product, now time.Time, opts Options) domain.Dashboard {
	opts = opts.normalized()

	dashboard := domain.Dashboard{
		TopProducts:   topProducts(sales, opts.TopN),
		TopCategories: topCategories(sales, opts.TopN),
		LowStock:      lowStock(products, opts.StockThreshold),
		DailySales:    dailySales(sales, now, opts.WindowDays, opts.Location),
		RecentSales:   recentSales(sales, opts.RecentSales, opts.Location),
		GeneratedAt:   now.UTC(),
	}

	total := decimal.Zero
	for _, sale := range sales {
		total = total.Add(sale.Total)
	}
	dashboard.Summary = domain.DashboardSummary{
		SalesCount:    len(sales),
		TotalAmount:   total,
		AverageTicket: Average(total, len(sales)),
		StockAlerts:   len(dashboard.LowStock),
	}
	return dashboard
}

func topProducts(sales []domain.Sale, n int) []domain.ProductSales {
	byProduct := map[uuid.UUID]*domain.ProductSales{}
	for _, sale := range sales {
		for _, item := range sale.Items {
			entry := byProduct[item.ProductID]
			if entry == nil {
				entry = &domain.ProductSales{ProductID: item.ProductID, Name: item.ProductName, Amount: decimal.Zero}
				byProduct[item.ProductID] = entry
			}
			entry.Quantity += item.Quantity
			entry.Amount = entry.Amount.Add(item.Subtotal)
		}
	}

	result := make([]domain.ProductSales, 0, len(byProduct))
	for _, entry := range byProduct {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b domain.ProductSales) int {
		if a.Quantity != b.Quantity {
			return b.Quantity - a.Quantity
		}
		if c := b.Amount.Cmp(a.Amount); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}

func topCategories(sales []domain.Sale, n int) []domain.CategorySales {
	byCategory := map[string]*domain.CategorySales{}
	for _, sale := range sales {
		for _, item := range sale.Items {
			category := strings.TrimSpace(item.Category)
			if category == "" {
				category = uncategorized
			}
			entry := byCategory[category]
			if entry == nil {
				entry = &domain.CategorySales{Category: category, Amount: decimal.Zero}
				byCategory[category] = entry
			}
			entry.Quantity += item.Quantity
			entry.Amount = entry.Amount.Add(item.Subtotal)
		}
	}

	result := make([]domain.CategorySales, 0, len(byCategory))
	for _, entry := range byCategory {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b domain.CategorySales) int {
		if a.Quantity != b.Quantity {
			return b.Quantity - a.Quantity
		}
		return strings.Compare(a.Category, b.Category)
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}

func lowStock(products []domain.Product, threshold int) []domain.StockAlert {
	alerts := make([]domain.StockAlert, 0, 8)
	for _, p := range products {
		if p.Stock >= threshold {
			continue
		}
		alerts = append(alerts, domain.StockAlert{
			ProductID: p.ID,
			Name:      p.Name,
			Stock:     p.Stock,
			Threshold: threshold,
		})
	}
	slices.SortFunc(alerts, func(a, b domain.StockAlert) int {
		if a.Stock != b.Stock {
			return a.Stock - b.Stock
		}
		return strings.Compare(a.Name, b.Name)
	})
	return alerts
}

// dailySales buckets sales by calendar day in loc over the trailing window
// ending today. Days without sales are present with zero values.
func dailySales(sales []domain.Sale, now time.Time, days int, loc *time.Location) []domain.DailySales {
	today := startOfDay(now.In(loc))
	first := today.AddDate(0, 0, -(days - 1))

	buckets := make([]domain.DailySales, days)
	index := make(map[string]int, days)
	for i := 0; i < days; i++ {
		key := first.AddDate(0, 0, i).Format(dayLayout)
		buckets[i] = domain.DailySales{Date: key, Amount: decimal.Zero}
		index[key] = i
	}

	for _, sale := range sales {
		key := sale.CreatedAt.In(loc).Format(dayLayout)
		i, ok := index[key]
		if !ok {
			continue
		}
		buckets[i].Count++
		buckets[i].Amount = buckets[i].Amount.Add(sale.Total)
	}
	return buckets
}

func recentSales(sales []domain.Sale, n int, loc *time.Location) []domain.RecentSale {
	ordered := slices.Clone(sales)
	slices.SortFunc(ordered, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID.String(), a.ID.String())
	})
	if len(ordered) > n {
		ordered = ordered[:n]
	}

	result := make([]domain.RecentSale, 0, len(ordered))
	for _, sale := range ordered {
		result = append(result, domain.RecentSale{
			ID:            sale.ID,
			CreatedAt:     sale.CreatedAt.In(loc).Format(timestampLayout),
			Total:         sale.Total,
			PaymentMethod: sale.PaymentMethod,
			ReceiptNumber: sale.ReceiptNumber,
		})
	}
	return result
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
