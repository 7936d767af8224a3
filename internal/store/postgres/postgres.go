package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"tustore/backend/internal/domain"
	"tustore/backend/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// retryDelays bounds how often a transaction aborted by a serialization
// failure or deadlock is attempted again.
var retryDelays = []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}

type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 30
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a read-committed transaction, retrying it from scratch
// when postgres aborts it with a serialization failure or deadlock. fn must
// not keep state across attempts.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || attempt >= len(retryDelays) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const productColumns = `id, tenant_id, name, category, price, stock, created_at, updated_at`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Category, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY category, name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ProductNotFound(id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.TenantID) == "" {
		return nil, store.ErrInvalidInput
	}
	if product.Price.IsNegative() || product.Stock < 0 || product.Stock > store.MaxQuantity {
		return nil, store.ErrInvalidInput
	}
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}

	created, err := scanProduct(s.pool.QueryRow(ctx, `
		INSERT INTO products (id, tenant_id, name, category, price, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+productColumns,
		product.ID, product.TenantID, product.Name, product.Category, product.Price, product.Stock))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) ReserveStock(ctx context.Context, productID uuid.UUID, qty int) (int, error) {
	product, err := reserve(ctx, s.pool, productID, "", qty)
	if err != nil {
		return 0, err
	}
	return product.Stock, nil
}

// ReleaseStock refuses increments that would push stock past
// store.MaxQuantity instead of letting the INTEGER column overflow.
func (s *Store) ReleaseStock(ctx context.Context, productID uuid.UUID, qty int) (int, error) {
	if qty < 1 || qty > store.MaxQuantity {
		return 0, store.ErrInvalidInput
	}
	var stock int
	err := s.pool.QueryRow(ctx, `
		UPDATE products SET stock = stock + $1, updated_at = now()
		WHERE id = $2 AND stock <= $3 - $1
		RETURNING stock
	`, qty, productID, store.MaxQuantity).Scan(&stock)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	err = s.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ProductNotFound(productID)
		}
		return 0, err
	}
	return stock, store.ErrInvalidInput
}

// reserve is the conditional decrement shared by ReserveStock and
// CreateSale. The stock check and the write are one statement, so two
// callers can never both take the last unit. An empty tenantID matches any.
func reserve(ctx context.Context, q querier, productID uuid.UUID, tenantID string, qty int) (domain.Product, error) {
	if qty < 1 || qty > store.MaxQuantity {
		return domain.Product{}, store.ErrInvalidInput
	}
	product, err := scanProduct(q.QueryRow(ctx, `
		UPDATE products SET stock = stock - $1, updated_at = now()
		WHERE id = $2 AND ($3 = '' OR tenant_id = $3) AND stock >= $1
		RETURNING `+productColumns,
		qty, productID, tenantID))
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, err
	}

	var available int
	err = q.QueryRow(ctx, `
		SELECT stock FROM products WHERE id = $1 AND ($2 = '' OR tenant_id = $2)
	`, productID, tenantID).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, store.ProductNotFound(productID)
		}
		return domain.Product{}, err
	}
	return domain.Product{}, &store.InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
}

const sessionColumns = `id, owner_id, status, opened_at, opening_amount, opening_clerk, denominations,
	closed_at, counted_cash, total_sales, expected_cash, discrepancy, notes, closing_clerk`

func scanSession(row pgx.Row) (domain.CashSession, error) {
	var (
		session       domain.CashSession
		denominations []byte
		counted       decimal.NullDecimal
		total         decimal.NullDecimal
		expected      decimal.NullDecimal
		discrepancy   decimal.NullDecimal
	)
	err := row.Scan(
		&session.ID, &session.OwnerID, &session.Status, &session.OpenedAt, &session.OpeningAmount,
		&session.OpeningClerk, &denominations, &session.ClosedAt, &counted, &total, &expected,
		&discrepancy, &session.Notes, &session.ClosingClerk,
	)
	if err != nil {
		return domain.CashSession{}, err
	}
	if len(denominations) > 0 {
		if err := json.Unmarshal(denominations, &session.Denominations); err != nil {
			return domain.CashSession{}, fmt.Errorf("decode denominations: %w", err)
		}
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if session.ClosedAt != nil {
		closedAt := session.ClosedAt.UTC()
		session.ClosedAt = &closedAt
	}
	session.CountedCash = decimalPtr(counted)
	session.TotalSales = decimalPtr(total)
	session.ExpectedCash = decimalPtr(expected)
	session.Discrepancy = decimalPtr(discrepancy)
	return session, nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.OwnerID) == "" || session.OpeningAmount.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	denominations, err := encodeDenominations(session.Denominations)
	if err != nil {
		return nil, err
	}

	created, err := scanSession(s.pool.QueryRow(ctx, `
		INSERT INTO cash_sessions (id, owner_id, status, opened_at, opening_amount, opening_clerk, denominations)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+sessionColumns,
		session.ID, session.OwnerID, domain.SessionStatusOpen, session.OpenedAt, session.OpeningAmount,
		session.OpeningClerk, denominations))
	if err != nil {
		// cash_sessions_one_open_per_owner rejects a second OPEN row.
		if isUniqueViolation(err) {
			return nil, store.ErrSessionAlreadyOpen
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetOpenSession(ctx context.Context, ownerID string) (*domain.CashSession, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE owner_id = $1 AND status = 'OPEN'
	`, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoOpenSession
		}
		return nil, err
	}
	return &session, nil
}

// CloseOpenSession locks the open row FOR UPDATE before summing its sales.
// Sale inserts hold the same row FOR SHARE, so no sale can commit against
// the session between the sum and the status change.
func (s *Store) CloseOpenSession(ctx context.Context, ownerID string, closing domain.SessionClosing) (*domain.CashSession, error) {
	if closing.CountedCash.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if closing.ClosedAt.IsZero() {
		closing.ClosedAt = time.Now().UTC()
	}

	var closed domain.CashSession
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		session, err := scanSession(tx.QueryRow(ctx, `
			SELECT `+sessionColumns+`
			FROM cash_sessions
			WHERE owner_id = $1 AND status = 'OPEN'
			FOR UPDATE
		`, ownerID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNoOpenSession
			}
			return err
		}

		var total, cash decimal.Decimal
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(total), 0),
			       COALESCE(SUM(total) FILTER (WHERE lower(btrim(payment_method)) = $2), 0)
			FROM sales
			WHERE session_id = $1
		`, session.ID, domain.PaymentMethodCash).Scan(&total, &cash)
		if err != nil {
			return fmt.Errorf("sum session sales: %w", err)
		}

		closed = session.Closed(closing, total, cash)
		_, err = tx.Exec(ctx, `
			UPDATE cash_sessions
			SET status = $2, closed_at = $3, counted_cash = $4, total_sales = $5,
			    expected_cash = $6, discrepancy = $7, notes = $8, closing_clerk = $9
			WHERE id = $1
		`, closed.ID, closed.Status, *closed.ClosedAt, *closed.CountedCash, *closed.TotalSales,
			*closed.ExpectedCash, *closed.Discrepancy, closed.Notes, closed.ClosingClerk)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &closed, nil
}

func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]domain.CashSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE owner_id = $1
		ORDER BY opened_at DESC, id DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashSession, 0, 16)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

const saleColumns = `id, created_at, cashier_id, tenant_id, session_id, payment_method, payment_reference,
	receipt_number, receipt_type, customer_name, customer_document, customer_address, total`

func scanSale(row pgx.Row) (domain.Sale, error) {
	var (
		sale      domain.Sale
		reference *string
	)
	err := row.Scan(
		&sale.ID, &sale.CreatedAt, &sale.CashierID, &sale.TenantID, &sale.SessionID, &sale.PaymentMethod,
		&reference, &sale.ReceiptNumber, &sale.ReceiptType, &sale.Customer.Name, &sale.Customer.Document,
		&sale.Customer.Address, &sale.Total,
	)
	if err != nil {
		return domain.Sale{}, err
	}
	if reference != nil {
		sale.PaymentReference = *reference
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

// CreateSale binds, reserves, prices and persists in one transaction. The
// session row is held FOR SHARE so a concurrent close waits for this sale
// and then counts it, or this sale sees the session closed.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrEmptyLineItems
	}
	if sale.ID == uuid.Nil {
		sale.ID = uuid.New()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	lines := slices.Clone(sale.Items)

	var created domain.Sale
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var status, owner string
		err := tx.QueryRow(ctx, `
			SELECT status, owner_id FROM cash_sessions WHERE id = $1 FOR SHARE
		`, sale.SessionID).Scan(&status, &owner)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNoOpenSession
			}
			return err
		}
		if status != domain.SessionStatusOpen || owner != sale.CashierID {
			return store.ErrNoOpenSession
		}

		if sale.PaymentReference != "" {
			if err := claimReference(ctx, tx, sale); err != nil {
				return err
			}
		}

		// Rows are locked in product id order so two sales over the same
		// products cannot deadlock each other.
		order := make([]int, len(lines))
		for i := range order {
			order[i] = i
		}
		slices.SortStableFunc(order, func(a, b int) int {
			return strings.Compare(lines[a].ProductID.String(), lines[b].ProductID.String())
		})

		items := make([]domain.SaleLineItem, len(lines))
		for _, i := range order {
			line := lines[i]
			product, err := reserve(ctx, tx, line.ProductID, sale.TenantID, line.Quantity)
			if err != nil {
				return err
			}
			itemID := line.ID
			if itemID == uuid.Nil {
				itemID = uuid.New()
			}
			items[i] = domain.SaleLineItem{
				ID:          itemID,
				ProductID:   product.ID,
				ProductName: product.Name,
				Category:    product.Category,
				Quantity:    line.Quantity,
				UnitPrice:   product.Price,
			}
		}

		created = sale
		created.Items = items
		created.ComputeTotals()

		_, err = tx.Exec(ctx, `
			INSERT INTO sales (
				id, created_at, cashier_id, tenant_id, session_id, payment_method, payment_reference,
				receipt_number, receipt_type, customer_name, customer_document, customer_address, total
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, created.ID, created.CreatedAt, created.CashierID, created.TenantID, created.SessionID,
			created.PaymentMethod, nullIfEmpty(created.PaymentReference), created.ReceiptNumber,
			created.ReceiptType, created.Customer.Name, created.Customer.Document, created.Customer.Address,
			created.Total)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicatePayment
			}
			return fmt.Errorf("insert sale: %w", err)
		}

		batch := &pgx.Batch{}
		for position, item := range created.Items {
			batch.Queue(`
				INSERT INTO sale_items (id, sale_id, position, product_id, product_name, category, quantity, unit_price, subtotal)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, item.ID, created.ID, position, item.ProductID, item.ProductName, item.Category,
				item.Quantity, item.UnitPrice, item.Subtotal)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert sale items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// claimReference records a payment reference as consumed. The row outlives
// the sale, so a voided sale's reference is never accepted again. A
// concurrent claim of the same reference waits on the primary key and then
// sees the conflict.
func claimReference(ctx context.Context, tx pgx.Tx, sale domain.Sale) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO payment_references (reference, sale_id, tenant_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference) DO NOTHING
	`, sale.PaymentReference, sale.ID, sale.TenantID, sale.CreatedAt)
	if err != nil {
		return fmt.Errorf("claim payment reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicatePayment
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, id uuid.UUID) (*domain.Sale, error) {
	return s.findSale(ctx, s.pool, `id = $1`, id)
}

func (s *Store) FindSaleByPaymentReference(ctx context.Context, reference string) (*domain.Sale, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, store.ErrNotFound
	}
	sale, err := s.findSale(ctx, s.pool, `payment_reference = $1`, reference)
	if !errors.Is(err, store.ErrNotFound) {
		return sale, err
	}

	var voided bool
	err = s.pool.QueryRow(ctx, `
		SELECT voided_at IS NOT NULL FROM payment_references WHERE reference = $1
	`, reference).Scan(&voided)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if voided {
		return nil, store.ErrPaymentVoided
	}
	return nil, store.ErrNotFound
}

func (s *Store) findSale(ctx context.Context, q querier, where string, value any) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+where, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadItems(ctx, q, []uuid.UUID{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	conds := make([]string, 0, 5)
	args := make([]any, 0, 6)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.CashierID != "" {
		add("cashier_id = $%d", filter.CashierID)
	}
	if filter.SessionID != uuid.Nil {
		add("session_id = $%d", filter.SessionID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}

	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	ids := make([]uuid.UUID, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	items, err := loadItems(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func loadItems(ctx context.Context, q querier, saleIDs []uuid.UUID) (map[uuid.UUID][]domain.SaleLineItem, error) {
	result := make(map[uuid.UUID][]domain.SaleLineItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := q.Query(ctx, `
		SELECT id, sale_id, product_id, product_name, category, quantity, unit_price, subtotal
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleLineItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.Category,
			&item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		result[item.SaleID] = append(result[item.SaleID], item)
	}
	return result, rows.Err()
}

// VoidSale deletes a sale of a still-open session and puts its stock back.
// Its payment reference stays claimed.
func (s *Store) VoidSale(ctx context.Context, id uuid.UUID) (*domain.Sale, error) {
	var voided *domain.Sale
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var sessionID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT session_id FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&sessionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM cash_sessions WHERE id = $1 FOR SHARE`, sessionID).Scan(&status)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if status != domain.SessionStatusOpen {
			return store.ErrSessionClosed
		}

		sale, err := s.findSale(ctx, tx, `id = $1`, id)
		if err != nil {
			return err
		}
		// Same product id order as CreateSale, so a void and a sale over
		// the same products cannot deadlock.
		restock := slices.Clone(sale.Items)
		slices.SortStableFunc(restock, func(a, b domain.SaleLineItem) int {
			return strings.Compare(a.ProductID.String(), b.ProductID.String())
		})
		for _, item := range restock {
			if _, err := tx.Exec(ctx, `
				UPDATE products SET stock = stock + $1, updated_at = now() WHERE id = $2
			`, item.Quantity, item.ProductID); err != nil {
				return fmt.Errorf("release stock: %w", err)
			}
		}
		if sale.PaymentReference != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE payment_references SET voided_at = now() WHERE reference = $1
			`, sale.PaymentReference); err != nil {
				return fmt.Errorf("void payment reference: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM sales WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete sale: %w", err)
		}
		voided = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return voided, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.TenantID == "" {
		user.TenantID = username
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (username, password, role, tenant_id, active, created_at)
		VALUES ($1, $2, $3, $4, true, $5)
	`, username, user.Password, user.Role, user.TenantID, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.pool.QueryRow(ctx, `
		SELECT username, password, role, tenant_id, active, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.Username, &user.Password, &user.Role, &user.TenantID, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT username, password, role, tenant_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.TenantID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func encodeDenominations(denominations map[string]int) ([]byte, error) {
	if len(denominations) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(denominations)
	if err != nil {
		return nil, fmt.Errorf("encode denominations: %w", err)
	}
	return raw, nil
}

func decimalPtr(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
