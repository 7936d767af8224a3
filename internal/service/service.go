package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tustore/backend/internal/domain"
	"tustore/backend/internal/lock"
	"tustore/backend/internal/reporting"
	"tustore/backend/internal/store"
	"tustore/backend/internal/xid"
)

// ErrForbidden is returned when the caller's role does not allow an operation.
var ErrForbidden = errors.New("forbidden")

const (
	defaultSalesLimit = 50
	maxSalesLimit     = 200
	lockTimeout       = 5 * time.Second
)

type Options struct {
	// GatewayAccount is the user whose open session receives gateway sales.
	GatewayAccount string
	Reporting      reporting.Options
}

type Service struct {
	repo   store.Repository
	locker lock.Locker
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

func New(repo store.Repository, locker lock.Locker, logger *zap.Logger, opts Options) *Service {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GatewayAccount == "" {
		opts.GatewayAccount = "admin"
	}
	if opts.Reporting.Location == nil {
		opts.Reporting.Location = time.UTC
	}

	return &Service{
		repo:   repo,
		locker: locker,
		logger: logger,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context, actor domain.Identity) ([]domain.Product, error) {
	if err := requireIdentity(actor); err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, actor.TenantID)
}

func (s *Service) CreateProduct(ctx context.Context, actor domain.Identity, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.Product{}, err
	}

	name := strings.TrimSpace(req.Name)
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if name == "" || req.Price.IsNegative() || req.InitialStock < 0 || req.InitialStock > store.MaxQuantity {
		return domain.Product{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		TenantID: actor.TenantID,
		Name:     name,
		Category: category,
		Price:    req.Price.Round(2),
		Stock:    req.InitialStock,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(actor, "product_create", "product", created.ID.String(),
		zap.String("name", created.Name), zap.Int("stock", created.Stock))
	return *created, nil
}

// AdjustStock applies an administrative stock correction. Increments go
// through ReleaseStock and decrements through ReserveStock, so a correction
// racing a sale can never push stock below zero.
func (s *Service) AdjustStock(ctx context.Context, actor domain.Identity, productID uuid.UUID, req domain.StockAdjustRequest) (domain.StockLevel, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.StockLevel{}, err
	}
	if req.Delta == 0 || req.Delta > store.MaxQuantity || req.Delta < -store.MaxQuantity {
		return domain.StockLevel{}, store.ErrInvalidInput
	}

	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	if product.TenantID != actor.TenantID {
		return domain.StockLevel{}, store.ProductNotFound(productID)
	}

	var stock int
	if req.Delta > 0 {
		stock, err = s.repo.ReleaseStock(ctx, productID, req.Delta)
	} else {
		stock, err = s.repo.ReserveStock(ctx, productID, -req.Delta)
	}
	if err != nil {
		return domain.StockLevel{}, err
	}

	s.logAudit(actor, "stock_adjust", "product", productID.String(), zap.Int("delta", req.Delta), zap.Int("stock", stock))
	return domain.StockLevel{ProductID: productID, Stock: stock}, nil
}

// OpenSession opens the caller's drawer. The per-owner lock serializes
// concurrent opens; the store's uniqueness guard still rejects a second
// OPEN row if the lock is lost.
func (s *Service) OpenSession(ctx context.Context, actor domain.Identity, req domain.OpenSessionRequest) (domain.CashSession, error) {
	if err := requireIdentity(actor); err != nil {
		return domain.CashSession{}, err
	}
	if req.OpeningAmount.IsNegative() {
		return domain.CashSession{}, store.ErrInvalidInput
	}
	for label, count := range req.Denominations {
		if strings.TrimSpace(label) == "" || count < 0 {
			return domain.CashSession{}, store.ErrInvalidInput
		}
	}

	unlock, err := s.lockOwner(ctx, actor.UserID)
	if err != nil {
		return domain.CashSession{}, err
	}
	defer unlock()

	if _, err := s.repo.GetOpenSession(ctx, actor.UserID); err == nil {
		return domain.CashSession{}, store.ErrSessionAlreadyOpen
	} else if !errors.Is(err, store.ErrNoOpenSession) {
		return domain.CashSession{}, err
	}

	openedAt := s.now()
	if req.OpenedAt != nil && !req.OpenedAt.IsZero() {
		openedAt = req.OpenedAt.UTC()
	}
	clerk := strings.TrimSpace(req.OpeningClerk)
	if clerk == "" {
		clerk = actor.UserID
	}

	session, err := s.repo.CreateSession(ctx, domain.CashSession{
		ID:            uuid.New(),
		OwnerID:       actor.UserID,
		OpenedAt:      openedAt,
		OpeningAmount: req.OpeningAmount.Round(2),
		OpeningClerk:  clerk,
		Denominations: req.Denominations,
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(actor, "session_open", "cash_session", session.ID.String(),
		zap.String("opening_amount", session.OpeningAmount.StringFixed(2)))
	return *session, nil
}

func (s *Service) CloseSession(ctx context.Context, actor domain.Identity, req domain.CloseSessionRequest) (domain.CashSession, error) {
	if err := requireIdentity(actor); err != nil {
		return domain.CashSession{}, err
	}
	if req.CountedCash == nil || req.CountedCash.IsNegative() {
		return domain.CashSession{}, store.ErrInvalidInput
	}
	notes := strings.TrimSpace(req.Notes)
	if utf8.RuneCountInString(notes) > domain.MaxClosingNotes {
		return domain.CashSession{}, store.ErrInvalidInput
	}
	clerk := strings.TrimSpace(req.ClosingClerk)
	if clerk == "" {
		clerk = actor.UserID
	}

	unlock, err := s.lockOwner(ctx, actor.UserID)
	if err != nil {
		return domain.CashSession{}, err
	}
	defer unlock()

	closed, err := s.repo.CloseOpenSession(ctx, actor.UserID, domain.SessionClosing{
		CountedCash:  req.CountedCash.Round(2),
		Notes:        notes,
		ClosingClerk: clerk,
		ClosedAt:     s.now(),
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(actor, "session_close", "cash_session", closed.ID.String(),
		zap.String("total_sales", closed.TotalSales.StringFixed(2)),
		zap.String("discrepancy", closed.Discrepancy.StringFixed(2)))
	return *closed, nil
}

// CurrentSession returns the caller's open session, or nil when none is open.
func (s *Service) CurrentSession(ctx context.Context, actor domain.Identity) (*domain.CashSession, error) {
	if err := requireIdentity(actor); err != nil {
		return nil, err
	}
	session, err := s.repo.GetOpenSession(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNoOpenSession) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// SessionStatus reports OPEN with the open session, or CLOSED with the most
// recent closed session if the caller ever had one.
func (s *Service) SessionStatus(ctx context.Context, actor domain.Identity) (domain.SessionStatusResponse, error) {
	open, err := s.CurrentSession(ctx, actor)
	if err != nil {
		return domain.SessionStatusResponse{}, err
	}
	if open != nil {
		return domain.SessionStatusResponse{Status: domain.SessionStatusOpen, Session: open}, nil
	}

	history, err := s.repo.ListSessions(ctx, actor.UserID)
	if err != nil {
		return domain.SessionStatusResponse{}, err
	}
	resp := domain.SessionStatusResponse{Status: domain.SessionStatusClosed}
	if len(history) > 0 {
		last := history[0]
		resp.Session = &last
	}
	return resp, nil
}

func (s *Service) SummarizeSession(ctx context.Context, actor domain.Identity) (domain.SessionSummary, error) {
	if err := requireIdentity(actor); err != nil {
		return domain.SessionSummary{}, err
	}
	session, err := s.repo.GetOpenSession(ctx, actor.UserID)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{SessionID: session.ID})
	if err != nil {
		return domain.SessionSummary{}, err
	}
	return reporting.SummarizeSession(*session, sales), nil
}

func (s *Service) SessionHistory(ctx context.Context, actor domain.Identity) ([]domain.CashSession, error) {
	if err := requireIdentity(actor); err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx, actor.UserID)
}

// CreateSale records a sale against the caller's open session. Lines are
// merged per product; prices and totals are always taken from the catalogue.
func (s *Service) CreateSale(ctx context.Context, actor domain.Identity, req domain.CreateSaleRequest) (domain.SaleResponse, error) {
	if err := requireIdentity(actor); err != nil {
		return domain.SaleResponse{}, err
	}
	items, err := normalizeLines(req.Lines)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	session, err := s.repo.GetOpenSession(ctx, actor.UserID)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	now := s.now()
	receiptNumber := strings.TrimSpace(req.ReceiptNumber)
	if receiptNumber == "" {
		receiptNumber = xid.Receipt(now.In(s.opts.Reporting.Location))
	}
	sale := domain.Sale{
		ID:               uuid.New(),
		CreatedAt:        now,
		CashierID:        actor.UserID,
		TenantID:         actor.TenantID,
		SessionID:        session.ID,
		PaymentMethod:    normalizePaymentMethod(req.PaymentMethod),
		PaymentReference: strings.TrimSpace(req.PaymentReference),
		ReceiptNumber:    receiptNumber,
		ReceiptType:      defaultString(strings.TrimSpace(req.ReceiptType), domain.DefaultReceiptType),
		Items:            items,
	}
	if req.Customer != nil {
		sale.Customer = domain.Customer{
			Name:     strings.TrimSpace(req.Customer.Name),
			Document: strings.TrimSpace(req.Customer.Document),
			Address:  strings.TrimSpace(req.Customer.Address),
		}
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		if errors.Is(err, store.ErrDuplicatePayment) && sale.PaymentReference != "" {
			existing, findErr := s.repo.FindSaleByPaymentReference(ctx, sale.PaymentReference)
			if findErr == nil {
				return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
			}
		}
		return domain.SaleResponse{}, err
	}

	s.logAudit(actor, "sale_create", "sale", created.ID.String(),
		zap.String("session_id", created.SessionID.String()),
		zap.String("payment_method", created.PaymentMethod),
		zap.String("total", created.Total.StringFixed(2)),
		zap.Int("lines", len(created.Items)))
	return domain.SaleResponse{Sale: *created}, nil
}

// CreateGatewaySale turns a confirmed gateway checkout into a card sale of
// the gateway account. The account must have an open session like any other
// cashier; the event id is the payment reference, so replays are no-ops.
func (s *Service) CreateGatewaySale(ctx context.Context, event domain.GatewayEvent) (domain.GatewayAck, error) {
	if event.Type != domain.GatewayEventCheckoutCompleted {
		s.logger.Debug("gateway event ignored", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return domain.GatewayAck{Received: true, Ignored: true}, nil
	}
	reference := strings.TrimSpace(event.ID)
	if reference == "" {
		return domain.GatewayAck{}, store.ErrInvalidInput
	}

	existing, err := s.repo.FindSaleByPaymentReference(ctx, reference)
	switch {
	case err == nil:
		return domain.GatewayAck{Received: true, Duplicate: true, Sale: &existing.ID}, nil
	case errors.Is(err, store.ErrPaymentVoided):
		s.logger.Info("gateway event replayed after void", zap.String("event_id", reference))
		return domain.GatewayAck{Received: true, Ignored: true, Duplicate: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return domain.GatewayAck{}, err
	}

	account, err := s.repo.GetUser(ctx, s.opts.GatewayAccount)
	if err != nil {
		return domain.GatewayAck{}, fmt.Errorf("resolve gateway account %q: %w", s.opts.GatewayAccount, err)
	}
	actor := domain.Identity{UserID: account.Username, TenantID: account.TenantID, Role: account.Role}

	customer := event.Data.Customer
	resp, err := s.CreateSale(ctx, actor, domain.CreateSaleRequest{
		Lines:            event.Data.LineItems,
		PaymentMethod:    domain.PaymentMethodCard,
		ReceiptType:      event.Data.ReceiptType,
		Customer:         &customer,
		PaymentReference: reference,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicatePayment) {
			// Claimed and voided between the lookup and the insert.
			return domain.GatewayAck{Received: true, Ignored: true, Duplicate: true}, nil
		}
		s.logger.Warn("gateway sale rejected", zap.String("event_id", reference), zap.Error(err))
		return domain.GatewayAck{}, err
	}
	return domain.GatewayAck{Received: true, Duplicate: resp.Duplicate, Sale: &resp.Sale.ID}, nil
}

func (s *Service) GetSale(ctx context.Context, actor domain.Identity, id uuid.UUID) (domain.Sale, error) {
	if err := requireIdentity(actor); err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	if !canSee(actor, *sale) {
		return domain.Sale{}, store.ErrNotFound
	}
	return *sale, nil
}

// ListSales scopes filter to the caller: the tenant always, and the cashier
// unless the caller is an administrator.
func (s *Service) ListSales(ctx context.Context, actor domain.Identity, filter domain.SaleFilter) ([]domain.Sale, error) {
	if err := requireIdentity(actor); err != nil {
		return nil, err
	}
	filter.TenantID = actor.TenantID
	if !actor.IsAdmin() {
		filter.CashierID = actor.UserID
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, store.ErrInvalidInput
	}
	if filter.Limit < 1 {
		filter.Limit = defaultSalesLimit
	}
	if filter.Limit > maxSalesLimit {
		filter.Limit = maxSalesLimit
	}
	return s.repo.ListSales(ctx, filter)
}

// VoidSale cancels a sale of a still-open session and returns its stock.
// The manager PIN is checked by the caller before this runs.
func (s *Service) VoidSale(ctx context.Context, actor domain.Identity, id uuid.UUID, reason string) (domain.VoidSaleResponse, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.VoidSaleResponse{}, err
	}
	reason = defaultString(strings.TrimSpace(reason), "unspecified")

	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}
	if sale.TenantID != actor.TenantID {
		return domain.VoidSaleResponse{}, store.ErrNotFound
	}

	voided, err := s.repo.VoidSale(ctx, id)
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}

	released := make([]domain.StockLevel, 0, len(voided.Items))
	for _, item := range voided.Items {
		product, err := s.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			s.logger.Warn("read stock after void", zap.String("product_id", item.ProductID.String()), zap.Error(err))
			continue
		}
		released = append(released, domain.StockLevel{ProductID: product.ID, Stock: product.Stock})
	}

	s.logAudit(actor, "sale_void", "sale", voided.ID.String(),
		zap.String("reason", reason), zap.String("total", voided.Total.StringFixed(2)))
	return domain.VoidSaleResponse{SaleID: voided.ID, Released: released, VoidedAt: s.now()}, nil
}

func (s *Service) Dashboard(ctx context.Context, actor domain.Identity) (domain.Dashboard, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.Dashboard{}, err
	}
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{TenantID: actor.TenantID})
	if err != nil {
		return domain.Dashboard{}, err
	}
	products, err := s.repo.ListProducts(ctx, actor.TenantID)
	if err != nil {
		return domain.Dashboard{}, err
	}
	return reporting.BuildDashboard(sales, products, s.now(), s.opts.Reporting), nil
}

func (s *Service) lockOwner(ctx context.Context, owner string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(lockCtx, "session:"+owner)
	if err != nil {
		return nil, fmt.Errorf("lock cash session of %s: %w", owner, err)
	}
	return unlock, nil
}

func (s *Service) logAudit(actor domain.Identity, action string, entityType string, entityID string, fields ...zap.Field) {
	base := []zap.Field{
		zap.Bool("audit", true),
		zap.String("action", action),
		zap.String("actor", actor.UserID),
		zap.String("role", actor.Role),
		zap.String("tenant", actor.TenantID),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
	}
	s.logger.Info("audit", append(base, fields...)...)
}

// normalizeLines merges lines for the same product in first-seen order.
func normalizeLines(lines []domain.SaleLineRequest) ([]domain.SaleLineItem, error) {
	if len(lines) == 0 {
		return nil, store.ErrEmptyLineItems
	}

	index := make(map[uuid.UUID]int, len(lines))
	items := make([]domain.SaleLineItem, 0, len(lines))
	for _, line := range lines {
		if line.ProductID == uuid.Nil || line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		if line.Quantity > store.MaxQuantity {
			return nil, store.ErrInvalidInput
		}
		if i, seen := index[line.ProductID]; seen {
			if line.Quantity > store.MaxQuantity-items[i].Quantity {
				return nil, store.ErrInvalidInput
			}
			items[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(items)
		items = append(items, domain.SaleLineItem{
			ID:        uuid.New(),
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: decimal.Zero,
		})
	}
	return items, nil
}

func normalizePaymentMethod(method string) string {
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		return domain.PaymentMethodCash
	}
	return method
}

func canSee(actor domain.Identity, sale domain.Sale) bool {
	if sale.TenantID != actor.TenantID {
		return false
	}
	return actor.IsAdmin() || sale.CashierID == actor.UserID
}

func requireIdentity(actor domain.Identity) error {
	if strings.TrimSpace(actor.UserID) == "" || strings.TrimSpace(actor.TenantID) == "" {
		return ErrForbidden
	}
	return nil
}

func requireAdmin(actor domain.Identity) error {
	if err := requireIdentity(actor); err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
