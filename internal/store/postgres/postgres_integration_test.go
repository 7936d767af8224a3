package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tustore/backend/internal/domain"
	"tustore/backend/internal/store"
)

func newIntegrationStore(t *testing.T) (*Store, string) {
	t.Helper()

	databaseURL := os.Getenv("TUSTORE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TUSTORE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)

	tenant := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `DELETE FROM payment_references WHERE tenant_id = $1`, tenant)
		_, _ = s.pool.Exec(ctx, `DELETE FROM sales WHERE tenant_id = $1`, tenant)
		_, _ = s.pool.Exec(ctx, `DELETE FROM cash_sessions WHERE owner_id LIKE $1`, tenant+"%")
		_, _ = s.pool.Exec(ctx, `DELETE FROM products WHERE tenant_id = $1`, tenant)
		_ = s.Close()
	})
	return s, tenant
}

func seedProduct(t *testing.T, s *Store, tenant string, name string, price string, stock int) domain.Product {
	t.Helper()
	p, err := s.CreateProduct(context.Background(), domain.Product{
		TenantID: tenant,
		Name:     name,
		Category: "abarrotes",
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
	})
	require.NoError(t, err)
	return *p
}

func TestSaleAndCloseRoundTrip(t *testing.T) {
	s, tenant := newIntegrationStore(t)
	ctx := context.Background()
	owner := tenant + "-cashier"

	rice := seedProduct(t, s, tenant, "Arroz 1kg", "4.50", 10)
	oil := seedProduct(t, s, tenant, "Aceite 1L", "8.25", 3)

	session, err := s.CreateSession(ctx, domain.CashSession{
		OwnerID:       owner,
		OpeningAmount: decimal.RequireFromString("100.00"),
		Denominations: map[string]int{"50": 2},
	})
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, domain.CashSession{OwnerID: owner, OpeningAmount: decimal.Zero})
	require.ErrorIs(t, err, store.ErrSessionAlreadyOpen)

	sale, err := s.CreateSale(ctx, domain.Sale{
		CashierID:     owner,
		TenantID:      tenant,
		SessionID:     session.ID,
		PaymentMethod: domain.PaymentMethodCash,
		ReceiptType:   domain.DefaultReceiptType,
		Items: []domain.SaleLineItem{
			{ProductID: rice.ID, Quantity: 2},
			{ProductID: oil.ID, Quantity: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "25.5", sale.Total.String())

	loaded, err := s.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, rice.ID, loaded.Items[0].ProductID)
	assert.True(t, loaded.Total.Equal(sale.Total))

	closed, err := s.CloseOpenSession(ctx, owner, domain.SessionClosing{CountedCash: decimal.RequireFromString("125.50")})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, closed.Status)
	assert.True(t, closed.TotalSales.Equal(decimal.RequireFromString("25.50")))
	assert.True(t, closed.Discrepancy.IsZero())

	_, err = s.VoidSale(ctx, sale.ID)
	require.ErrorIs(t, err, store.ErrSessionClosed)

	history, err := s.ListSessions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Denominations["50"])
}

func TestCreateSaleRollsBackOnMissingProduct(t *testing.T) {
	s, tenant := newIntegrationStore(t)
	ctx := context.Background()
	owner := tenant + "-cashier"

	rice := seedProduct(t, s, tenant, "Arroz 1kg", "4.50", 10)
	session, err := s.CreateSession(ctx, domain.CashSession{OwnerID: owner, OpeningAmount: decimal.Zero})
	require.NoError(t, err)

	_, err = s.CreateSale(ctx, domain.Sale{
		CashierID:     owner,
		TenantID:      tenant,
		SessionID:     session.ID,
		PaymentMethod: domain.PaymentMethodCash,
		ReceiptType:   domain.DefaultReceiptType,
		Items: []domain.SaleLineItem{
			{ProductID: rice.ID, Quantity: 3},
			{ProductID: uuid.New(), Quantity: 1},
		},
	})
	require.ErrorIs(t, err, store.ErrProductNotFound)

	reloaded, err := s.GetProduct(ctx, rice.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, reloaded.Stock)

	sales, err := s.ListSales(ctx, domain.SaleFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	s, tenant := newIntegrationStore(t)
	ctx := context.Background()
	owner := tenant + "-cashier"

	last := seedProduct(t, s, tenant, "Leche evaporada", "3.80", 1)
	session, err := s.CreateSession(ctx, domain.CashSession{OwnerID: owner, OpeningAmount: decimal.Zero})
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSale(ctx, domain.Sale{
				CashierID:     owner,
				TenantID:      tenant,
				SessionID:     session.ID,
				PaymentMethod: domain.PaymentMethodCash,
				ReceiptType:   domain.DefaultReceiptType,
				Items:         []domain.SaleLineItem{{ProductID: last.ID, Quantity: 1}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, short)

	reloaded, err := s.GetProduct(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Stock)
}

func TestDuplicatePaymentReferenceRejected(t *testing.T) {
	s, tenant := newIntegrationStore(t)
	ctx := context.Background()
	owner := tenant + "-cashier"

	rice := seedProduct(t, s, tenant, "Arroz 1kg", "4.50", 10)
	session, err := s.CreateSession(ctx, domain.CashSession{OwnerID: owner, OpeningAmount: decimal.Zero})
	require.NoError(t, err)

	sale := domain.Sale{
		CashierID:        owner,
		TenantID:         tenant,
		SessionID:        session.ID,
		PaymentMethod:    domain.PaymentMethodCard,
		PaymentReference: "evt_" + tenant,
		ReceiptType:      domain.DefaultReceiptType,
		Items:            []domain.SaleLineItem{{ProductID: rice.ID, Quantity: 1}},
	}
	_, err = s.CreateSale(ctx, sale)
	require.NoError(t, err)

	_, err = s.CreateSale(ctx, sale)
	require.ErrorIs(t, err, store.ErrDuplicatePayment)

	found, err := s.FindSaleByPaymentReference(ctx, sale.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentMethodCard, found.PaymentMethod)

	reloaded, err := s.GetProduct(ctx, rice.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.Stock)
}

func TestStockBeyondIntegerRangeIsInvalid(t *testing.T) {
	s, tenant := newIntegrationStore(t)
	ctx := context.Background()

	rice := seedProduct(t, s, tenant, "Arroz 1kg", "4.50", 10)

	_, err := s.ReleaseStock(ctx, rice.ID, math.MaxInt)
	require.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = s.ReleaseStock(ctx, rice.ID, store.MaxQuantity-9)
	require.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = s.ReleaseStock(ctx, uuid.New(), 1)
	require.ErrorIs(t, err, store.ErrProductNotFound)

	_, err = s.ReserveStock(ctx, rice.ID, math.MaxInt)
	require.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = s.CreateProduct(ctx, domain.Product{
		TenantID: tenant,
		Name:     "Granel",
		Price:    decimal.RequireFromString("1.00"),
		Stock:    store.MaxQuantity + 1,
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	reloaded, err := s.GetProduct(ctx, rice.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, reloaded.Stock)
}

func TestVoidedPaymentReferenceStaysConsumed(t *testing.T) {
	s, tenant := newIntegrationStore(t)
	ctx := context.Background()
	owner := tenant + "-cashier"

	rice := seedProduct(t, s, tenant, "Arroz 1kg", "4.50", 5)
	oil := seedProduct(t, s, tenant, "Aceite 1L", "8.25", 5)
	session, err := s.CreateSession(ctx, domain.CashSession{OwnerID: owner, OpeningAmount: decimal.Zero})
	require.NoError(t, err)

	sale := domain.Sale{
		CashierID:        owner,
		TenantID:         tenant,
		SessionID:        session.ID,
		PaymentMethod:    domain.PaymentMethodCard,
		PaymentReference: "evt_void_" + tenant,
		ReceiptType:      domain.DefaultReceiptType,
		Items: []domain.SaleLineItem{
			{ProductID: oil.ID, Quantity: 1},
			{ProductID: rice.ID, Quantity: 2},
		},
	}
	created, err := s.CreateSale(ctx, sale)
	require.NoError(t, err)

	_, err = s.VoidSale(ctx, created.ID)
	require.NoError(t, err)

	_, err = s.FindSaleByPaymentReference(ctx, sale.PaymentReference)
	require.ErrorIs(t, err, store.ErrPaymentVoided)

	sale.ID = uuid.Nil
	_, err = s.CreateSale(ctx, sale)
	require.ErrorIs(t, err, store.ErrDuplicatePayment)

	for _, id := range []uuid.UUID{rice.ID, oil.ID} {
		reloaded, err := s.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 5, reloaded.Stock)
	}

	sales, err := s.ListSales(ctx, domain.SaleFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCloseRacingSalesCountsEveryCommittedSale(t *testing.T) {
	s, tenant := newIntegrationStore(t)
	ctx := context.Background()
	owner := tenant + "-cashier"

	bread := seedProduct(t, s, tenant, "Pan", "2.00", 1000)
	session, err := s.CreateSession(ctx, domain.CashSession{OwnerID: owner, OpeningAmount: decimal.Zero})
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
		closed    *domain.CashSession
		closeErr  error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.CreateSale(ctx, domain.Sale{
				CashierID:     owner,
				TenantID:      tenant,
				SessionID:     session.ID,
				PaymentMethod: domain.PaymentMethodCash,
				ReceiptType:   domain.DefaultReceiptType,
				Items:         []domain.SaleLineItem{{ProductID: bread.ID, Quantity: 1}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrNoOpenSession):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		closed, closeErr = s.CloseOpenSession(ctx, owner, domain.SessionClosing{CountedCash: decimal.Zero})
	}()
	close(start)
	wg.Wait()

	require.NoError(t, closeErr)
	assert.Equal(t, workers, succeeded+rejected)

	committed, err := s.ListSales(ctx, domain.SaleFilter{SessionID: session.ID})
	require.NoError(t, err)
	assert.Len(t, committed, succeeded)

	expected := decimal.NewFromInt(int64(2 * succeeded))
	assert.True(t, closed.TotalSales.Equal(expected), "total_sales %s, want %s", closed.TotalSales, expected)

	reloaded, err := s.GetProduct(ctx, bread.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000-succeeded, reloaded.Stock)
}
