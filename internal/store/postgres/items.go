package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/store"
	"magsd/backend/internal/xid"
)

const itemColumns = `id, name, purchase_price, sell_price, total_quantity, reserved_quantity,
	discount_type, discount_value, status, restock_threshold, image_url,
	category_type, gold_type, karat, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.Item, error) {
	var item domain.Item
	var threshold sql.NullInt64
	err := row.Scan(
		&item.ID, &item.Name, &item.PurchasePrice, &item.SellPrice, &item.TotalQuantity, &item.ReservedQuantity,
		&item.DiscountType, &item.DiscountValue, &item.Status, &threshold, &item.ImageURL,
		&item.CategoryType, &item.GoldType, &item.Karat, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return item, err
	}
	item.RestockThreshold = intPtr(threshold)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	item.RefreshAvailability()
	return item, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	item, err := scanItem(s.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) AddReserved(ctx context.Context, itemID string, delta int) (int, error) {
	var reserved int
	err := s.q.QueryRowContext(ctx, `
		UPDATE items
		SET reserved_quantity = GREATEST(0, reserved_quantity + $2), updated_at = now()
		WHERE id = $1
		RETURNING reserved_quantity
	`, itemID, delta).Scan(&reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, translate(err)
	}
	return reserved, nil
}

func (s *Store) SetReserved(ctx context.Context, itemID string, qty int) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE items
		SET reserved_quantity = GREATEST(0, $2), updated_at = now()
		WHERE id = $1
	`, itemID, qty)
	if err != nil {
		return translate(err)
	}
	return ensureAffected(res)
}

func (s *Store) AddTotal(ctx context.Context, itemID string, delta int) (int, error) {
	var total int
	err := s.q.QueryRowContext(ctx, `
		UPDATE items
		SET total_quantity = GREATEST(0, total_quantity + $2), updated_at = now()
		WHERE id = $1
		RETURNING total_quantity
	`, itemID, delta).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, translate(err)
	}
	return total, nil
}

func (s *Store) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.ActiveOnly {
		args = append(args, domain.ItemStatusActive)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	for _, f := range []struct {
		column string
		value  string
	}{
		{"category_type", filter.CategoryType},
		{"gold_type", filter.GoldType},
		{"karat", filter.Karat},
	} {
		if f.value == "" {
			continue
		}
		args = append(args, f.value)
		where = append(where, fmt.Sprintf("%s = $%d", f.column, len(args)))
	}

	query := `SELECT ` + itemColumns + ` FROM items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, name ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 64)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItemsByIDs(ctx context.Context, ids []string) (map[string]domain.Item, error) {
	result := make(map[string]domain.Item, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if item.ID == "" {
		item.ID = xid.New()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	created, err := scanItem(s.q.QueryRowContext(ctx, `
		INSERT INTO items (
			id, name, purchase_price, sell_price, total_quantity, reserved_quantity,
			discount_type, discount_value, status, restock_threshold, image_url,
			category_type, gold_type, karat, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING `+itemColumns,
		item.ID, item.Name, item.PurchasePrice, item.SellPrice, item.TotalQuantity, item.ReservedQuantity,
		item.DiscountType, item.DiscountValue, item.Status, nullInt(item.RestockThreshold), item.ImageURL,
		item.CategoryType, item.GoldType, item.Karat, item.CreatedAt, item.UpdatedAt,
	))
	if err != nil {
		return nil, translate(err)
	}
	return &created, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	updated, err := scanItem(s.q.QueryRowContext(ctx, `
		UPDATE items
		SET name = $2, purchase_price = $3, sell_price = $4, discount_type = $5, discount_value = $6,
			status = $7, restock_threshold = $8, image_url = $9, category_type = $10, gold_type = $11,
			karat = $12, updated_at = now()
		WHERE id = $1
		RETURNING `+itemColumns,
		item.ID, item.Name, item.PurchasePrice, item.SellPrice, item.DiscountType, item.DiscountValue,
		item.Status, nullInt(item.RestockThreshold), item.ImageURL, item.CategoryType, item.GoldType,
		item.Karat,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translate(err)
	}
	return &updated, nil
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	return ensureAffected(res)
}

func (s *Store) CreateRestockLog(ctx context.Context, entry domain.RestockLog) error {
	if entry.ID == "" {
		entry.ID = xid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO restock_logs (id, item_id, quantity, note, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.ItemID, entry.Quantity, entry.Note, entry.CreatedBy, entry.CreatedAt)
	return translate(err)
}
