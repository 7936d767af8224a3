package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tustore/backend/internal/domain"
	"tustore/backend/internal/reporting"
	"tustore/backend/internal/store"
)

// SeedTenant owns the demo catalogue and both demo accounts.
const SeedTenant = "admin"

type Store struct {
	mu              sync.RWMutex
	products        map[uuid.UUID]domain.Product
	sessions        map[uuid.UUID]domain.CashSession
	openByOwner     map[string]uuid.UUID
	sales           map[uuid.UUID]domain.Sale
	salesByRef      map[string]uuid.UUID
	voidedRefs      map[string]uuid.UUID
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[uuid.UUID]domain.Product),
		sessions:        make(map[uuid.UUID]domain.CashSession),
		openByOwner:     make(map[string]uuid.UUID),
		sales:           make(map[uuid.UUID]domain.Sale),
		salesByRef:      make(map[string]uuid.UUID),
		voidedRefs:      make(map[string]uuid.UUID),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// when unset, dev defaults are used. The postgres store never seeds users.
func seedUsers() (map[string]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			TenantID:  SeedTenant,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users, nil
}

// UsesDefaultCredentials reports whether NewSeeded would fall back to the
// built-in dev passwords.
func UsesDefaultCredentials() bool {
	return os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() (*Store, error) {
	s := New()

	users, err := seedUsers()
	if err != nil {
		return nil, err
	}
	s.usersByUsername = users

	now := time.Now().UTC()
	for _, p := range []struct {
		name     string
		category string
		price    string
		stock    int
	}{
		{"Arroz Costeño 1kg", "abarrotes", "4.50", 80},
		{"Azúcar Rubia 1kg", "abarrotes", "3.90", 60},
		{"Aceite Primor 1L", "abarrotes", "10.50", 40},
		{"Leche Gloria 400g", "lacteos", "3.80", 120},
		{"Yogurt Fresa 1L", "lacteos", "6.20", 4},
		{"Pan Molde Bimbo", "panaderia", "8.90", 25},
		{"Gaseosa Inca Kola 1.5L", "bebidas", "6.50", 50},
		{"Agua San Luis 625ml", "bebidas", "1.50", 150},
		{"Galleta Soda Field", "snacks", "1.00", 3},
		{"Detergente Bolívar 800g", "limpieza", "9.80", 30},
	} {
		product := domain.Product{
			ID:        uuid.New(),
			TenantID:  SeedTenant,
			Name:      p.name,
			Category:  p.category,
			Price:     decimal.RequireFromString(p.price),
			Stock:     p.stock,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.products[product.ID] = product
	}

	return s, nil
}

func (s *Store) ListProducts(_ context.Context, tenantID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id uuid.UUID) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ProductNotFound(id)
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.TenantID) == "" {
		return nil, store.ErrInvalidInput
	}
	if product.Price.IsNegative() || product.Stock < 0 || product.Stock > store.MaxQuantity {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) ReserveStock(_ context.Context, productID uuid.UUID, qty int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveLocked(productID, qty)
}

func (s *Store) ReleaseStock(_ context.Context, productID uuid.UUID, qty int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(productID, qty)
}

// reserveLocked is the check-and-decrement step. Callers hold s.mu.
func (s *Store) reserveLocked(productID uuid.UUID, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidInput
	}
	product, exists := s.products[productID]
	if !exists {
		return 0, store.ProductNotFound(productID)
	}
	if product.Stock < qty {
		return product.Stock, &store.InsufficientStockError{ProductID: productID, Requested: qty, Available: product.Stock}
	}
	product.Stock -= qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return product.Stock, nil
}

func (s *Store) releaseLocked(productID uuid.UUID, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidInput
	}
	product, exists := s.products[productID]
	if !exists {
		return 0, store.ProductNotFound(productID)
	}
	if qty > store.MaxQuantity-product.Stock {
		return product.Stock, store.ErrInvalidInput
	}
	product.Stock += qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return product.Stock, nil
}

func (s *Store) releaseAllLocked(items []domain.SaleLineItem) {
	for _, item := range items {
		_, _ = s.releaseLocked(item.ProductID, item.Quantity)
	}
}

func (s *Store) CreateSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.OwnerID) == "" || session.OpeningAmount.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openByOwner[session.OwnerID]; exists {
		return nil, store.ErrSessionAlreadyOpen
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.Denominations = cloneDenominations(session.Denominations)

	s.sessions[session.ID] = session
	s.openByOwner[session.OwnerID] = session.ID
	saved := session
	saved.Denominations = cloneDenominations(session.Denominations)
	return &saved, nil
}

func (s *Store) GetOpenSession(_ context.Context, ownerID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.openSessionLocked(ownerID)
	if !ok {
		return nil, store.ErrNoOpenSession
	}
	return &session, nil
}

func (s *Store) openSessionLocked(ownerID string) (domain.CashSession, bool) {
	sessionID, exists := s.openByOwner[ownerID]
	if !exists {
		return domain.CashSession{}, false
	}
	session, exists := s.sessions[sessionID]
	if !exists || !session.IsOpen() {
		return domain.CashSession{}, false
	}
	session.Denominations = cloneDenominations(session.Denominations)
	return session, true
}

func (s *Store) CloseOpenSession(_ context.Context, ownerID string, closing domain.SessionClosing) (*domain.CashSession, error) {
	if closing.CountedCash.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.openSessionLocked(ownerID)
	if !ok {
		return nil, store.ErrNoOpenSession
	}
	if closing.ClosedAt.IsZero() {
		closing.ClosedAt = time.Now().UTC()
	}

	bound := make([]domain.Sale, 0, 32)
	for _, sale := range s.sales {
		if sale.SessionID == session.ID {
			bound = append(bound, sale)
		}
	}
	total, cash := reporting.SessionTotals(bound)
	closed := session.Closed(closing, total, cash)

	s.sessions[closed.ID] = closed
	delete(s.openByOwner, ownerID)
	return &closed, nil
}

func (s *Store) ListSessions(_ context.Context, ownerID string) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashSession, 0, 16)
	for _, session := range s.sessions {
		if session.OwnerID != ownerID {
			continue
		}
		session.Denominations = cloneDenominations(session.Denominations)
		result = append(result, session)
	}
	slices.SortFunc(result, func(a, b domain.CashSession) int {
		if c := b.OpenedAt.Compare(a.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID.String(), a.ID.String())
	})
	return result, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrEmptyLineItems
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sale.SessionID]
	if !exists || !session.IsOpen() || session.OwnerID != sale.CashierID {
		return nil, store.ErrNoOpenSession
	}
	if sale.PaymentReference != "" {
		if _, dup := s.salesByRef[sale.PaymentReference]; dup {
			return nil, store.ErrDuplicatePayment
		}
		if _, voided := s.voidedRefs[sale.PaymentReference]; voided {
			return nil, store.ErrDuplicatePayment
		}
	}

	reserved := make([]domain.SaleLineItem, 0, len(sale.Items))
	items := make([]domain.SaleLineItem, 0, len(sale.Items))
	for _, line := range sale.Items {
		product, exists := s.products[line.ProductID]
		if !exists || product.TenantID != sale.TenantID {
			s.releaseAllLocked(reserved)
			return nil, store.ProductNotFound(line.ProductID)
		}
		if _, err := s.reserveLocked(line.ProductID, line.Quantity); err != nil {
			s.releaseAllLocked(reserved)
			return nil, err
		}
		reserved = append(reserved, line)

		itemID := line.ID
		if itemID == uuid.Nil {
			itemID = uuid.New()
		}
		items = append(items, domain.SaleLineItem{
			ID:          itemID,
			ProductID:   product.ID,
			ProductName: product.Name,
			Category:    product.Category,
			Quantity:    line.Quantity,
			UnitPrice:   product.Price,
		})
	}

	if sale.ID == uuid.Nil {
		sale.ID = uuid.New()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Items = items
	sale.ComputeTotals()

	s.sales[sale.ID] = sale.Clone()
	if sale.PaymentReference != "" {
		s.salesByRef[sale.PaymentReference] = sale.ID
	}
	created := sale.Clone()
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, id uuid.UUID) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := sale.Clone()
	return &found, nil
}

func (s *Store) FindSaleByPaymentReference(_ context.Context, reference string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByRef[reference]
	if !ok {
		if _, voided := s.voidedRefs[reference]; voided {
			return nil, store.ErrPaymentVoided
		}
		return nil, store.ErrNotFound
	}
	found := s.sales[id].Clone()
	return &found, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.sales {
		if !matchesFilter(sale, filter) {
			continue
		}
		result = append(result, sale.Clone())
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID.String(), a.ID.String())
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) VoidSale(_ context.Context, id uuid.UUID) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	session, ok := s.sessions[sale.SessionID]
	if !ok || !session.IsOpen() {
		return nil, store.ErrSessionClosed
	}

	s.releaseAllLocked(sale.Items)
	delete(s.sales, id)
	// The reference stays consumed so a replayed payment event cannot
	// record the sale a second time.
	if sale.PaymentReference != "" {
		delete(s.salesByRef, sale.PaymentReference)
		s.voidedRefs[sale.PaymentReference] = id
	}
	voided := sale.Clone()
	return &voided, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.TenantID == "" {
		user.TenantID = username
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func matchesFilter(sale domain.Sale, filter domain.SaleFilter) bool {
	if filter.TenantID != "" && sale.TenantID != filter.TenantID {
		return false
	}
	if filter.CashierID != "" && sale.CashierID != filter.CashierID {
		return false
	}
	if filter.SessionID != uuid.Nil && sale.SessionID != filter.SessionID {
		return false
	}
	if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !sale.CreatedAt.Before(filter.To) {
		return false
	}
	return true
}

func cloneDenominations(src map[string]int) map[string]int {
	if src == nil {
		return nil
	}
	dup := make(map[string]int, len(src))
	for k, v := range src {
		dup[k] = v
	}
	return dup
}
