package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/pkg/database"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
)

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	pool database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(pool database.DBTX) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const reserveStockQuery = `
	UPDATE product_stock
	SET quantity = quantity - $3
	WHERE product_id = $1 AND size = $2 AND quantity >= $3`

const insertOrderQuery = `
	INSERT INTO orders (id, user_id, customer_name, phone_number, email, delivery_method, city, post_office,
		comment, payment_type, total_amount, payment_status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12, $13, $14)`

const insertOrderItemQuery = `
	INSERT INTO order_items (order_id, product_id, product_name, size, color, quantity, price, original_price, discount_percentage)
	VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric)`

// Create reserves stock and inserts the order atomically.
func (r *OrderRepository) Create(ctx context.Context, o *domain.Order, reserve []domain.StockLine) (err error) {
	ctx, end := database.TraceQuery(ctx, "orders.create", insertOrderQuery)
	defer func() { end(err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var short []domain.StockLine
	for _, line := range reserve {
		tag, err := tx.Exec(ctx, reserveStockQuery, line.ProductID, line.Size, line.Quantity)
		if err != nil {
			return fmt.Errorf("reserve stock for product %d: %w", line.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			short = append(short, line)
		}
	}
	if len(short) > 0 {
		items, err := shortages(ctx, tx, short)
		if err != nil {
			return err
		}
		return &domain.InsufficientStockError{Items: items}
	}

	_, err = tx.Exec(ctx, insertOrderQuery,
		o.ID,
		o.UserID,
		o.CustomerName,
		o.PhoneNumber,
		o.Email,
		o.DeliveryMethod,
		o.City,
		o.PostOffice,
		o.Comment,
		string(o.PaymentType),
		o.TotalAmount.String(),
		string(o.PaymentStatus),
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range o.Items {
		_, err = tx.Exec(ctx, insertOrderItemQuery,
			o.ID,
			item.ProductID,
			item.ProductName,
			item.Size,
			item.Color,
			item.Quantity,
			item.Price.String(),
			item.OriginalPrice.String(),
			item.DiscountPercentage.String(),
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// shortages reads current quantities for the lines whose decrement failed.
func shortages(ctx context.Context, tx pgx.Tx, lines []domain.StockLine) ([]domain.InsufficientItem, error) {
	keys := make([]domain.StockKey, len(lines))
	for i, l := range lines {
		keys[i] = l.Key()
	}
	available, err := availableIn(ctx, tx, keys)
	if err != nil {
		return nil, err
	}

	items := make([]domain.InsufficientItem, len(lines))
	for i, l := range lines {
		items[i] = domain.InsufficientItem{
			ProductID: l.ProductID,
			Size:      l.Size,
			Requested: l.Quantity,
			Available: available[l.Key()],
		}
	}
	return items, nil
}

const selectOrderQuery = `
	SELECT
		o.id, COALESCE(o.user_id, ''), o.customer_name, o.phone_number, o.email, o.delivery_method, o.city,
		o.post_office, o.comment, o.payment_type, o.total_amount::text, o.payment_status,
		COALESCE(o.invoice_reference, ''), o.created_at, o.updated_at,
		COALESCE(
			JSONB_AGG(
				JSONB_BUILD_OBJECT(
					'product_id', oi.product_id,
					'product_name', oi.product_name,
					'size', oi.size,
					'color', oi.color,
					'quantity', oi.quantity,
					'price', oi.price,
					'original_price', oi.original_price,
					'discount_percentage', oi.discount_percentage
				) ORDER BY oi.id
			) FILTER (WHERE oi.id IS NOT NULL),
			'[]'::jsonb
		) AS items
	FROM orders o
	LEFT JOIN order_items oi ON o.id = oi.order_id`

const groupOrderQuery = `
	GROUP BY o.id`

// GetByID retrieves an order by its ID, eagerly loading its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	o, err := r.getOne(ctx, "orders.get_by_id", selectOrderQuery+" WHERE o.id = $1"+groupOrderQuery, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("order", id)
	}
	return o, err
}

// GetByInvoiceReference retrieves the order carrying the payment reference.
func (r *OrderRepository) GetByInvoiceReference(ctx context.Context, reference string) (*domain.Order, error) {
	o, err := r.getOne(ctx, "orders.get_by_reference", selectOrderQuery+" WHERE o.invoice_reference = $1"+groupOrderQuery, reference)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("invoice", reference)
	}
	return o, err
}

func (r *OrderRepository) getOne(ctx context.Context, op, query string, arg string) (o *domain.Order, err error) {
	ctx, end := database.TraceQuery(ctx, op, query)
	defer func() { end(err) }()

	var (
		ord         domain.Order
		userID      string
		reference   string
		paymentType string
		status      string
		total       string
		itemsJSON   []byte
	)
	err = r.pool.QueryRow(ctx, query, arg).Scan(
		&ord.ID,
		&userID,
		&ord.CustomerName,
		&ord.PhoneNumber,
		&ord.Email,
		&ord.DeliveryMethod,
		&ord.City,
		&ord.PostOffice,
		&ord.Comment,
		&paymentType,
		&total,
		&status,
		&reference,
		&ord.CreatedAt,
		&ord.UpdatedAt,
		&itemsJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if userID != "" {
		ord.UserID = &userID
	}
	if reference != "" {
		ord.InvoiceReference = &reference
	}
	ord.PaymentType = domain.PaymentType(paymentType)
	ord.PaymentStatus = domain.PaymentStatus(status)
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse order total %q: %w", total, err)
	}
	ord.TotalAmount = domain.NewMoney(amount)

	ord.Items = []domain.OrderItem{}
	if len(itemsJSON) > 0 && string(itemsJSON) != "null" {
		if err := json.Unmarshal(itemsJSON, &ord.Items); err != nil {
			return nil, fmt.Errorf("unmarshal order items: %w", err)
		}
	}
	return &ord, nil
}

// SetInvoiceReference stores the payment provider reference.
func (r *OrderRepository) SetInvoiceReference(ctx context.Context, id, reference string) (err error) {
	const query = `UPDATE orders SET invoice_reference = $2, updated_at = $3 WHERE id = $1`
	ctx, end := database.TraceQuery(ctx, "orders.set_reference", query)
	defer func() { end(err) }()

	tag, err := r.pool.Exec(ctx, query, id, reference, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set invoice reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("order", id)
	}
	return nil
}

// UpdatePaymentStatus moves a pending order to status.
func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, id string, status domain.PaymentStatus) (changed bool, err error) {
	const query = `
		UPDATE orders SET payment_status = $2, updated_at = $3
		WHERE id = $1 AND payment_status = 'pending'`
	ctx, end := database.TraceQuery(ctx, "orders.update_payment_status", query)
	defer func() { end(err) }()

	tag, err := r.pool.Exec(ctx, query, id, string(status), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TotalPaid sums the totals of the user's paid orders.
func (r *OrderRepository) TotalPaid(ctx context.Context, userID string) (total decimal.Decimal, err error) {
	const query = `
		SELECT COALESCE(SUM(total_amount), 0)::text
		FROM orders
		WHERE user_id = $1 AND payment_status = 'paid'`
	ctx, end := database.TraceQuery(ctx, "orders.total_paid", query)
	defer func() { end(err) }()

	var raw string
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("sum paid orders: %w", err)
	}
	total, err = decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse paid total %q: %w", raw, err)
	}
	return total, nil
}

// querier is the read side shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// availableIn reads quantities for keys with one VALUES-list query.
func availableIn(ctx context.Context, q querier, keys []domain.StockKey) (map[domain.StockKey]int, error) {
	result := make(map[domain.StockKey]int, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	args := make([]any, 0, len(keys)*2)
	values := make([]string, 0, len(keys))
	for i, k := range keys {
		p1 := strconv.Itoa(i*2 + 1)
		p2 := strconv.Itoa(i*2 + 2)
		values = append(values, "($"+p1+"::bigint,$"+p2+"::text)")
		args = append(args, k.ProductID, k.Size)
	}

	query := `
		SELECT product_id, size, quantity
		FROM product_stock
		WHERE (product_id, size) IN (VALUES ` + strings.Join(values, ", ") + `)`

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k   domain.StockKey
			qty int
		)
		if err := rows.Scan(&k.ProductID, &k.Size, &qty); err != nil {
			return nil, fmt.Errorf("scan stock row: %w", err)
		}
		result[k] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock rows: %w", err)
	}
	return result, nil
}
