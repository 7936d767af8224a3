package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SessionStatusOpen   = "OPEN"
	SessionStatusClosed = "CLOSED"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	PaymentMethodCash  = "cash"
	PaymentMethodCard  = "card"
	DefaultReceiptType = "receipt"
)

// MaxClosingNotes bounds the free-text notes stored on a closed session.
const MaxClosingNotes = 500

// Identity is the authenticated caller. It is passed explicitly into every
// core operation; nothing in the core reads it from request-scoped state.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type Product struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Price        decimal.Decimal `json:"price"`
	InitialStock int             `json:"initial_stock"`
}

type StockAdjustRequest struct {
	Delta int `json:"delta"`
}

type StockLevel struct {
	ProductID uuid.UUID `json:"product_id"`
	Stock     int       `json:"stock"`
}

type CashSession struct {
	ID            uuid.UUID        `json:"id"`
	OwnerID       string           `json:"owner_id"`
	Status        string           `json:"status"`
	OpenedAt      time.Time        `json:"opened_at"`
	OpeningAmount decimal.Decimal  `json:"opening_amount"`
	OpeningClerk  string           `json:"opening_clerk"`
	Denominations map[string]int   `json:"denominations,omitempty"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	CountedCash   *decimal.Decimal `json:"counted_cash,omitempty"`
	TotalSales    *decimal.Decimal `json:"total_sales,omitempty"`
	ExpectedCash  *decimal.Decimal `json:"expected_cash,omitempty"`
	Discrepancy   *decimal.Decimal `json:"discrepancy,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	ClosingClerk  string           `json:"closing_clerk,omitempty"`
}

func (s CashSession) IsOpen() bool {
	return s.Status == SessionStatusOpen
}

// SessionClosing is the data supplied when a drawer is counted and closed.
type SessionClosing struct {
	CountedCash  decimal.Decimal
	Notes        string
	ClosingClerk string
	ClosedAt     time.Time
}

// Closed returns the session transitioned to CLOSED. totalSales is the sum of
// every sale bound to the session and cashSales the part paid in cash; the
// expected drawer content is the opening float plus cash sales.
func (s CashSession) Closed(c SessionClosing, totalSales decimal.Decimal, cashSales decimal.Decimal) CashSession {
	closedAt := c.ClosedAt
	counted := c.CountedCash
	total := totalSales
	expected := s.OpeningAmount.Add(cashSales)
	discrepancy := counted.Sub(expected)

	s.Status = SessionStatusClosed
	s.ClosedAt = &closedAt
	s.CountedCash = &counted
	s.TotalSales = &total
	s.ExpectedCash = &expected
	s.Discrepancy = &discrepancy
	s.Notes = c.Notes
	s.ClosingClerk = c.ClosingClerk
	return s
}

type OpenSessionRequest struct {
	OpeningAmount decimal.Decimal `json:"opening_amount"`
	OpeningClerk  string          `json:"opening_clerk"`
	Denominations map[string]int  `json:"denominations,omitempty"`
	OpenedAt      *time.Time      `json:"opened_at,omitempty"`
}

type CloseSessionRequest struct {
	CountedCash  *decimal.Decimal `json:"counted_cash"`
	Notes        string           `json:"notes"`
	ClosingClerk string           `json:"closing_clerk"`
}

type SessionResponse struct {
	Session CashSession `json:"session"`
}

type SessionStatusResponse struct {
	Status  string       `json:"status"`
	Session *CashSession `json:"session"`
}

type SessionHistoryResponse struct {
	Sessions []CashSession `json:"sessions"`
}

type PaymentMethodTotal struct {
	PaymentMethod string          `json:"payment_method"`
	Sales         int             `json:"sales"`
	Total         decimal.Decimal `json:"total"`
}

type SessionSummary struct {
	SessionID       uuid.UUID            `json:"session_id"`
	OpenedAt        time.Time            `json:"opened_at"`
	OpeningAmount   decimal.Decimal      `json:"opening_amount"`
	SalesCount      int                  `json:"sales_count"`
	TotalSales      decimal.Decimal      `json:"total_sales"`
	ByPaymentMethod []PaymentMethodTotal `json:"by_payment_method"`
}

type Customer struct {
	Name     string `json:"name,omitempty"`
	Document string `json:"document,omitempty"`
	Address  string `json:"address,omitempty"`
}

type Sale struct {
	ID               uuid.UUID       `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	CashierID        string          `json:"cashier_id"`
	TenantID         string          `json:"tenant_id"`
	SessionID        uuid.UUID       `json:"session_id"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	ReceiptNumber    string          `json:"receipt_number"`
	ReceiptType      string          `json:"receipt_type"`
	Customer         Customer        `json:"customer"`
	Total            decimal.Decimal `json:"total"`
	Items            []SaleLineItem  `json:"items"`
}

// SaleLineItem belongs to exactly one sale. ProductName and Category are
// copies taken at sale time, like UnitPrice.
type SaleLineItem struct {
	ID          uuid.UUID       `json:"id"`
	SaleID      uuid.UUID       `json:"sale_id"`
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Category    string          `json:"category"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// ComputeTotals derives every line subtotal and the sale total from the
// captured unit prices. Whatever total the caller sent is overwritten.
func (s *Sale) ComputeTotals() {
	total := decimal.Zero
	for i := range s.Items {
		item := &s.Items[i]
		item.SaleID = s.ID
		item.Subtotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		total = total.Add(item.Subtotal)
	}
	s.Total = total
}

// Clone returns a deep copy so stores never hand out their internal slices.
func (s Sale) Clone() Sale {
	items := make([]SaleLineItem, len(s.Items))
	copy(items, s.Items)
	s.Items = items
	return s
}

type SaleLineRequest struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	// UnitPrice is accepted for client compatibility and ignored; the
	// product's current price is always captured instead.
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type CreateSaleRequest struct {
	Lines         []SaleLineRequest `json:"lines"`
	PaymentMethod string            `json:"payment_method"`
	ReceiptNumber string            `json:"receipt_number"`
	ReceiptType   string            `json:"receipt_type"`
	Customer      *Customer         `json:"customer,omitempty"`
	Total         *decimal.Decimal  `json:"total,omitempty"`

	// PaymentReference is set only by the gateway path.
	PaymentReference string `json:"-"`
}

type SaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

// SaleFilter narrows ListSales. Zero values mean "any".
type SaleFilter struct {
	TenantID  string
	CashierID string
	SessionID uuid.UUID
	From      time.Time
	To        time.Time
	Limit     int
}

type VoidSaleRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type VoidSaleResponse struct {
	SaleID   uuid.UUID    `json:"sale_id"`
	Released []StockLevel `json:"released"`
	VoidedAt time.Time    `json:"voided_at"`
}

type DashboardSummary struct {
	SalesCount    int             `json:"sales_count"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AverageTicket decimal.Decimal `json:"average_ticket"`
	StockAlerts   int             `json:"stock_alerts"`
}

type ProductSales struct {
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
}

type CategorySales struct {
	Category string          `json:"category"`
	Quantity int             `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}

type StockAlert struct {
	ProductID uuid.UUID `json:"product_id"`
	Name      string    `json:"name"`
	Stock     int       `json:"stock"`
	Threshold int       `json:"threshold"`
}

type DailySales struct {
	Date   string          `json:"date"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type RecentSale struct {
	ID            uuid.UUID       `json:"id"`
	CreatedAt     string          `json:"created_at"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	ReceiptNumber string          `json:"receipt_number"`
}

type Dashboard struct {
	Summary       DashboardSummary `json:"summary"`
	TopProducts   []ProductSales   `json:"top_products"`
	TopCategories []CategorySales  `json:"top_categories"`
	LowStock      []StockAlert     `json:"low_stock"`
	DailySales    []DailySales     `json:"daily_sales"`
	RecentSales   []RecentSale     `json:"recent_sales"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

const GatewayEventCheckoutCompleted = "checkout.session.completed"

// GatewayEvent is the webhook payload posted by the card payment gateway.
type GatewayEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data GatewayCheckout `json:"data"`
}

type GatewayCheckout struct {
	ReceiptType string            `json:"receipt_type"`
	Customer    Customer          `json:"customer"`
	LineItems   []SaleLineRequest `json:"line_items"`
}

type GatewayAck struct {
	Received  bool       `json:"received"`
	Ignored   bool       `json:"ignored,omitempty"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Sale      *uuid.UUID `json:"sale_id,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tenant_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	TenantID  string
	Active    bool
	CreatedAt time.Time
}
