package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/store"
	"magsd/backend/internal/xid"
)

// saleColumns selects the optional layaway columns only when they exist.
func (s *Store) saleColumns() string {
	cols := []string{"id", "user_id", "admin_user_id", "created_at", "total", "status", "payment_method"}
	for _, f := range store.LayawayFields {
		if s.caps.has(f) {
			cols = append(cols, f)
			continue
		}
		if f == store.FieldLayawayMonths {
			cols = append(cols, "NULL::integer AS "+f)
		} else {
			cols = append(cols, "NULL::numeric AS "+f)
		}
	}
	return strings.Join(cols, ", ")
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var method string
	var months sql.NullInt64
	var down, receivable, monthly decimal.NullDecimal
	err := row.Scan(
		&sale.ID, &sale.UserID, &sale.AdminUserID, &sale.CreatedAt, &sale.Total, &sale.Status, &method,
		&months, &down, &receivable, &monthly,
	)
	if err != nil {
		return sale, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.PaymentMethod = domain.PaymentMethod(method)
	sale.LayawayMonths = intPtr(months)
	sale.Downpayment = decimalPtr(down)
	sale.AmountReceivable = decimalPtr(receivable)
	sale.MonthlyPayment = decimalPtr(monthly)
	return sale, nil
}

func decimalPtr(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d := v.Decimal
	return &d
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" {
		sale.ID = xid.New()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	if sale.PaymentMethod == "" {
		sale.PaymentMethod = domain.PaymentFull
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sales (id, user_id, admin_user_id, created_at, total, status, payment_method)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sale.ID, sale.UserID, sale.AdminUserID, sale.CreatedAt, sale.Total, sale.Status, string(sale.PaymentMethod))
	if err != nil {
		return nil, translate(err)
	}
	return &sale, nil
}

// PatchSale writes the total, payment method and the optional fields the patch
// lists. Fields the probe reports missing are refused up front; an undefined
// column reported by the server refreshes the probe and is refused the same
// way. Inside a transaction the write runs under a savepoint so a refused
// patch leaves the transaction usable for the retry.
func (s *Store) PatchSale(ctx context.Context, saleID string, patch store.SalePatch) (*domain.Sale, error) {
	if missing := s.caps.missing(patch.Fields); len(missing) > 0 {
		return nil, &store.MissingFieldsError{Table: "sales", Fields: missing}
	}

	sets := []string{"total = $2", "payment_method = $3"}
	args := []any{saleID, patch.Total, string(patch.PaymentMethod)}
	var terms domain.LayawayTerms
	if patch.Layaway != nil {
		terms = *patch.Layaway
	}
	for _, f := range patch.Fields {
		var v any
		switch f {
		case store.FieldLayawayMonths:
			v = terms.Months
		case store.FieldDownpayment:
			v = terms.Downpayment
		case store.FieldAmountReceivable:
			v = terms.AmountReceivable
		case store.FieldMonthlyPayment:
			v = terms.MonthlyPayment
		default:
			return nil, fmt.Errorf("unknown sales field %q", f)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", f, len(args)))
	}
	query := `UPDATE sales SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`

	if s.tx != nil {
		if _, err := s.tx.ExecContext(ctx, `SAVEPOINT sale_patch`); err != nil {
			return nil, err
		}
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		if s.tx != nil {
			if _, rbErr := s.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT sale_patch`); rbErr != nil {
				return nil, errors.Join(err, rbErr)
			}
		}
		if isUndefinedColumn(err) {
			if probeErr := s.caps.probe(ctx, s.db); probeErr != nil {
				log.Warn().Err(probeErr).Msg("failed to refresh sales column probe")
			}
			missing := s.caps.missing(patch.Fields)
			if len(missing) == 0 {
				missing = patch.Fields
			}
			return nil, &store.MissingFieldsError{Table: "sales", Fields: missing, Err: err}
		}
		return nil, translate(err)
	}
	if s.tx != nil {
		if _, err := s.tx.ExecContext(ctx, `RELEASE SAVEPOINT sale_patch`); err != nil {
			return nil, err
		}
	}
	if err := ensureAffected(res); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, saleID)
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.q.QueryRowContext(ctx, `SELECT `+s.saleColumns()+` FROM sales WHERE id = $1`+s.lockClause(), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, userID string, limit int) ([]domain.Sale, error) {
	args := []any{limit}
	query := `SELECT ` + s.saleColumns() + ` FROM sales`
	if userID != "" {
		args = append(args, userID)
		query += ` WHERE user_id = $2`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $1`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) SetSaleStatus(ctx context.Context, id string, status string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE sales SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return translate(err)
	}
	return ensureAffected(res)
}

func (s *Store) CreateSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	if item.ID == "" {
		item.ID = xid.New()
	}

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO sale_items (id, sale_id, item_id, quantity, price_at_purchase, discount_type, discount_value)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING (SELECT name FROM items WHERE id = $3)
	`, item.ID, item.SaleID, item.ItemID, item.Quantity, item.PriceAtPurchase, item.DiscountType, item.DiscountValue).Scan(&item.ItemName)
	if err != nil {
		err = translate(err)
		if errors.Is(err, store.ErrReferenced) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT si.id, si.sale_id, si.item_id, COALESCE(i.name, ''), si.quantity, si.price_at_purchase,
			si.discount_type, si.discount_value
		FROM sale_items si
		LEFT JOIN items i ON i.id = si.item_id
		WHERE si.sale_id = $1
		ORDER BY si.created_at ASC, si.id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var it domain.SaleItem
		if err := rows.Scan(&it.ID, &it.SaleID, &it.ItemID, &it.ItemName, &it.Quantity, &it.PriceAtPurchase, &it.DiscountType, &it.DiscountValue); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListSaleLines(ctx context.Context, from time.Time, to time.Time) ([]domain.SaleLineFact, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT s.id, s.created_at, si.item_id, si.quantity, si.price_at_purchase, COALESCE(i.purchase_price, 0)
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		LEFT JOIN items i ON i.id = si.item_id
		WHERE s.created_at >= $1 AND s.created_at <= $2
		ORDER BY s.created_at ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	facts := make([]domain.SaleLineFact, 0, 64)
	for rows.Next() {
		var f domain.SaleLineFact
		if err := rows.Scan(&f.SaleID, &f.SaleCreatedAt, &f.ItemID, &f.Quantity, &f.PriceAtPurchase, &f.PurchasePrice); err != nil {
			return nil, err
		}
		f.SaleCreatedAt = f.SaleCreatedAt.UTC()
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return facts, nil
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error) {
	if refund.ID == "" {
		refund.ID = xid.New()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO refunds (id, sale_id, user_id, reason, total, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, refund.ID, refund.SaleID, refund.UserID, refund.Reason, refund.Total, refund.CreatedBy, refund.CreatedAt)
	if err != nil {
		err = translate(err)
		if errors.Is(err, store.ErrReferenced) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &refund, nil
}

func (s *Store) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	var r domain.Refund
	err := s.q.QueryRowContext(ctx, `
		SELECT id, sale_id, user_id, reason, total, created_by, created_at
		FROM refunds
		WHERE id = $1
	`, id).Scan(&r.ID, &r.SaleID, &r.UserID, &r.Reason, &r.Total, &r.CreatedBy, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (s *Store) SetRefundTotal(ctx context.Context, refundID string, total decimal.Decimal) error {
	res, err := s.q.ExecContext(ctx, `UPDATE refunds SET total = $2 WHERE id = $1`, refundID, total)
	if err != nil {
		return translate(err)
	}
	return ensureAffected(res)
}

func (s *Store) CreateRefundItem(ctx context.Context, item domain.RefundItem) (*domain.RefundItem, error) {
	if item.ID == "" {
		item.ID = xid.New()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO refund_items (id, refund_id, sale_item_id, item_id, quantity, price_at_purchase)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, item.ID, item.RefundID, item.SaleItemID, item.ItemID, item.Quantity, item.PriceAtPurchase)
	if err != nil {
		err = translate(err)
		if errors.Is(err, store.ErrReferenced) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListRefundItems(ctx context.Context, refundID string) ([]domain.RefundItem, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, refund_id, sale_item_id, item_id, quantity, price_at_purchase
		FROM refund_items
		WHERE refund_id = $1
		ORDER BY created_at ASC, id ASC
	`, refundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.RefundItem, 0, 8)
	for rows.Next() {
		var it domain.RefundItem
		if err := rows.Scan(&it.ID, &it.RefundID, &it.SaleItemID, &it.ItemID, &it.Quantity, &it.PriceAtPurchase); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) RefundedQuantities(ctx context.Context, saleID string) (map[string]int, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT ri.sale_item_id, COALESCE(SUM(ri.quantity), 0)::int
		FROM refund_items ri
		JOIN refunds r ON r.id = ri.refund_id
		WHERE r.sale_id = $1
		GROUP BY ri.sale_item_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var saleItemID string
		var qty int
		if err := rows.Scan(&saleItemID, &qty); err != nil {
			return nil, err
		}
		result[saleItemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SumRefunds(ctx context.Context, saleIDs []string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT sale_id, COALESCE(SUM(total), 0)
		FROM refunds
		WHERE sale_id = ANY($1)
		GROUP BY sale_id
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var total decimal.Decimal
		if err := rows.Scan(&saleID, &total); err != nil {
			return nil, err
		}
		result[saleID] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
