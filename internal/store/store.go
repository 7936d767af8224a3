package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"tustore/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoOpenSession      = errors.New("no open cash session")
	ErrSessionAlreadyOpen = errors.New("cash session already open")
	ErrSessionClosed      = errors.New("cash session is closed")
	ErrProductNotFound    = errors.New("product not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrEmptyLineItems     = errors.New("sale has no line items")
	ErrDuplicatePayment   = errors.New("payment reference already recorded")
	ErrPaymentVoided      = errors.New("payment reference belongs to a voided sale")
)

// MaxQuantity caps stock levels and line quantities. It matches the
// INTEGER columns of the postgres schema so both stores agree on what fits.
const MaxQuantity = math.MaxInt32

// InsufficientStockError names the product whose reservation failed.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func ProductNotFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", ErrProductNotFound, id)
}

type Products interface {
	ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// Inventory exposes the only two ways stock may change outside a sale.
// ReserveStock checks and decrements in one atomic step and returns the
// remaining quantity; ReleaseStock is its compensating increment.
type Inventory interface {
	ReserveStock(ctx context.Context, productID uuid.UUID, qty int) (int, error)
	ReleaseStock(ctx context.Context, productID uuid.UUID, qty int) (int, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetOpenSession(ctx context.Context, ownerID string) (*domain.CashSession, error)
	CloseOpenSession(ctx context.Context, ownerID string, closing domain.SessionClosing) (*domain.CashSession, error)
	ListSessions(ctx context.Context, ownerID string) ([]domain.CashSession, error)
}

// Sales persists sales atomically with the stock they consume. CreateSale
// receives lines with ProductID and Quantity only; it captures prices,
// reserves stock, binds the session and computes totals in one unit.
type Sales interface {
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id uuid.UUID) (*domain.Sale, error)
	// FindSaleByPaymentReference returns ErrPaymentVoided when the reference
	// was consumed by a sale that has since been voided. A consumed reference
	// is never accepted again.
	FindSaleByPaymentReference(ctx context.Context, reference string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	VoidSale(ctx context.Context, id uuid.UUID) (*domain.Sale, error)
}

type Users interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Products
	Inventory
	Sessions
	Sales
	Users
}
