package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/store"
	"magsd/backend/internal/xid"
)

const reservationColumns = `id, user_id, item_id, quantity, created_at, expires_at`

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var r domain.Reservation
	if err := row.Scan(&r.ID, &r.UserID, &r.ItemID, &r.Quantity, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return r, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	return r, nil
}

// MutateReservation locks the (user, item) row, applies fn and writes the
// result in one transaction. Two first-time inserts racing each other make one
// of them hit the unique key; that attempt is retried against the row the
// other one created.
func (s *Store) MutateReservation(ctx context.Context, userID string, itemID string, fn store.ReservationMutator) (store.ReservationChange, error) {
	const maxAttempts = 3

	var change store.ReservationChange
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		change, err = s.mutateReservation(ctx, userID, itemID, fn)
		if err == nil || !errors.Is(err, store.ErrConflict) || s.tx != nil {
			return change, err
		}
	}
	return change, err
}

func (s *Store) mutateReservation(ctx context.Context, userID string, itemID string, fn store.ReservationMutator) (store.ReservationChange, error) {
	var change store.ReservationChange
	err := s.withTx(ctx, func(q queryer) error {
		current, err := scanReservation(q.QueryRowContext(ctx, `
			SELECT `+reservationColumns+`
			FROM reservations
			WHERE user_id = $1 AND item_id = $2
			FOR UPDATE
		`, userID, itemID))
		exists := true
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			exists = false
		}

		var input *domain.Reservation
		if exists {
			before := current
			change.Before = &before
			copied := current
			input = &copied
		}

		next, err := fn(input)
		if err != nil {
			return err
		}

		switch {
		case !exists && next == nil:
			return nil
		case !exists:
			created := *next
			if created.ID == "" {
				created.ID = xid.New()
			}
			created.UserID = userID
			created.ItemID = itemID
			if created.CreatedAt.IsZero() {
				created.CreatedAt = time.Now().UTC()
			}
			_, err := q.ExecContext(ctx, `
				INSERT INTO reservations (id, user_id, item_id, quantity, created_at, expires_at)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, created.ID, created.UserID, created.ItemID, created.Quantity, created.CreatedAt, created.ExpiresAt)
			if err != nil {
				err = translate(err)
				if errors.Is(err, store.ErrReferenced) {
					return store.ErrNotFound
				}
				return err
			}
			change.After = &created
			return nil
		case next == nil:
			if _, err := q.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, current.ID); err != nil {
				return translate(err)
			}
			return nil
		default:
			updated := current
			updated.Quantity = next.Quantity
			updated.ExpiresAt = next.ExpiresAt
			_, err := q.ExecContext(ctx, `
				UPDATE reservations
				SET quantity = $2, expires_at = $3
				WHERE id = $1
			`, updated.ID, updated.Quantity, updated.ExpiresAt)
			if err != nil {
				return translate(err)
			}
			change.After = &updated
			return nil
		}
	})
	if err != nil {
		return store.ReservationChange{}, err
	}
	return change, nil
}

func (s *Store) GetReservation(ctx context.Context, userID string, reservationID string) (*domain.Reservation, error) {
	r, err := scanReservation(s.q.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1 AND user_id = $2
	`, reservationID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) FindReservationByItem(ctx context.Context, userID string, itemID string) (*domain.Reservation, error) {
	r, err := scanReservation(s.q.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE user_id = $1 AND item_id = $2
	`, userID, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListReservations(ctx context.Context, userID string) ([]domain.Reservation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC`+s.lockClause(), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Reservation, 0, 8)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteReservation(ctx context.Context, userID string, reservationID string) (*domain.Reservation, error) {
	r, err := scanReservation(s.q.QueryRowContext(ctx, `
		DELETE FROM reservations
		WHERE id = $1 AND user_id = $2
		RETURNING `+reservationColumns, reservationID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translate(err)
	}
	return &r, nil
}

func (s *Store) PutReservation(ctx context.Context, r domain.Reservation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reservations (id, user_id, item_id, quantity, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id)
		DO UPDATE SET quantity = EXCLUDED.quantity, expires_at = EXCLUDED.expires_at
	`, r.ID, r.UserID, r.ItemID, r.Quantity, r.CreatedAt, r.ExpiresAt)
	return translate(err)
}

func (s *Store) DeleteReservationsForItem(ctx context.Context, itemID string) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM reservations WHERE item_id = $1`, itemID)
	if err != nil {
		return 0, translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
