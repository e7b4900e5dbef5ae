package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/pricing"
	"magsd/backend/internal/store"
)

// MaxReserveDelta bounds the quantity a single reserve call may add or
// release. Held quantities are stored as 32-bit integers.
const MaxReserveDelta = 10000

// Reserve applies a signed quantity delta to the caller's hold on one item.
// Holds may exceed available stock; the excess is a queue position. When the
// ledger rejects the matching reserved_quantity change, the reservation row is
// put back the way it was.
func (s *Service) Reserve(ctx context.Context, userID string, req domain.ReserveRequest) (domain.ReserveResponse, error) {
	userID = strings.TrimSpace(userID)
	itemID := strings.TrimSpace(req.ItemID)
	if userID == "" {
		return domain.ReserveResponse{}, domain.Validation("user_id is required")
	}
	if itemID == "" {
		return domain.ReserveResponse{}, domain.Validation("item_id is required")
	}
	if req.Delta == nil || *req.Delta == 0 {
		return domain.ReserveResponse{}, domain.Validation("delta must be a nonzero integer")
	}
	delta := *req.Delta
	if delta > MaxReserveDelta || delta < -MaxReserveDelta {
		return domain.ReserveResponse{}, domain.Validation("delta must be between -%d and %d", MaxReserveDelta, MaxReserveDelta)
	}

	if _, err := s.repo.GetItem(ctx, itemID); err != nil {
		return domain.ReserveResponse{}, storeError(err, "item")
	}

	now := s.now()
	change, err := s.repo.MutateReservation(ctx, userID, itemID, func(existing *domain.Reservation) (*domain.Reservation, error) {
		current := 0
		if existing != nil {
			current = existing.Quantity
		}
		if current+delta > math.MaxInt32 {
			return nil, domain.Validation("reservation quantity would exceed %d", math.MaxInt32)
		}
		next := max(0, current+delta)
		if next == 0 {
			return nil, nil
		}
		if existing == nil {
			return &domain.Reservation{Quantity: next, CreatedAt: now, ExpiresAt: now.Add(ReservationTTL)}, nil
		}
		existing.Quantity = next
		if delta > 0 {
			existing.ExpiresAt = now.Add(ReservationTTL)
		}
		return existing, nil
	})
	if err != nil {
		return domain.ReserveResponse{}, storeError(err, "item")
	}

	if reservedDelta := change.Delta(); reservedDelta != 0 {
		if err := s.ledger.AdjustReserved(ctx, itemID, reservedDelta); err != nil {
			return domain.ReserveResponse{}, s.revertReservation(ctx, change, err)
		}
		s.invalidateCatalog(ctx)
	}

	resp := domain.ReserveResponse{ItemID: itemID}
	if change.After != nil {
		resp.Quantity = change.After.Quantity
	}
	return resp, nil
}

// revertReservation undoes a reservation row change after its ledger update
// failed. It returns cause when the row is restored, and a
// PARTIAL_FAILURE_UNRECOVERABLE error when it is not.
func (s *Service) revertReservation(ctx context.Context, change store.ReservationChange, cause error) error {
	var err error
	switch {
	case change.Before == nil && change.After != nil:
		_, err = s.repo.DeleteReservation(ctx, change.After.UserID, change.After.ID)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
	case change.Before != nil:
		err = s.repo.PutReservation(ctx, *change.Before)
	}
	if err == nil {
		return cause
	}

	ref := change.After
	if ref == nil {
		ref = change.Before
	}
	log.Error().Err(err).AnErr("cause", cause).Str("user_id", ref.UserID).Str("item_id", ref.ItemID).Str("reservation_id", ref.ID).
		Msg("reservation rollback failed after ledger error; manual reconciliation required")
	return domain.WrapError(domain.CodePartialFailure,
		"reservation and stock records may be out of sync; contact support before retrying",
		errors.Join(cause, err))
}

// ListReservations sweeps the user's expired holds, then returns the rest
// priced at each item's current effective price, oldest first.
func (s *Service) ListReservations(ctx context.Context, userID string) (domain.ReservationListResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ReservationListResponse{}, domain.Validation("user_id is required")
	}

	rows, err := s.repo.ListReservations(ctx, userID)
	if err != nil {
		return domain.ReservationListResponse{}, err
	}

	now := s.now()
	live := make([]domain.Reservation, 0, len(rows))
	expired := 0
	for _, r := range rows {
		if r.Expired(now) {
			if s.expireReservation(ctx, r) {
				expired++
			}
			continue
		}
		live = append(live, r)
	}

	ids := make([]string, 0, len(live))
	for _, r := range live {
		ids = append(ids, r.ItemID)
	}
	items, err := s.repo.GetItemsByIDs(ctx, ids)
	if err != nil {
		return domain.ReservationListResponse{}, err
	}

	lines := make([]domain.ReservationLine, 0, len(live))
	total := decimal.Zero
	for _, r := range live {
		line := domain.ReservationLine{Reservation: r}
		if item, ok := items[r.ItemID]; ok {
			line.Item = &domain.ReservationItem{
				ID:            item.ID,
				Name:          item.Name,
				SellPrice:     item.SellPrice,
				ImageURL:      item.ImageURL,
				DiscountType:  item.DiscountType,
				DiscountValue: item.DiscountValue,
			}
			line.UnitPrice = pricing.ItemPrice(item)
		}
		line.LineTotal = pricing.LineTotal(line.UnitPrice, r.Quantity)
		total = total.Add(line.LineTotal)
		lines = append(lines, line)
	}

	return domain.ReservationListResponse{
		UserID:       userID,
		Reservations: lines,
		Total:        pricing.Round2(total),
		Expired:      expired,
	}, nil
}

// ListUserReservations is the admin view of a user's holds, newest first.
func (s *Service) ListUserReservations(ctx context.Context, userID string) (domain.ReservationListResponse, error) {
	resp, err := s.ListReservations(ctx, userID)
	if err != nil {
		return resp, err
	}
	sort.SliceStable(resp.Reservations, func(i, j int) bool {
		return resp.Reservations[i].CreatedAt.After(resp.Reservations[j].CreatedAt)
	})
	return resp, nil
}

// expireReservation removes one expired hold. Only the caller whose delete
// succeeds returns the quantity to the item, so concurrent sweeps release it
// once. Failures are logged and never fail the listing.
func (s *Service) expireReservation(ctx context.Context, r domain.Reservation) bool {
	deleted, err := s.repo.DeleteReservation(ctx, r.UserID, r.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("reservation_id", r.ID).Str("user_id", r.UserID).Msg("expiry sweep: delete failed")
		}
		return false
	}
	if err := s.ledger.AdjustReserved(ctx, deleted.ItemID, -deleted.Quantity); err != nil {
		log.Warn().Err(err).Str("reservation_id", r.ID).Str("item_id", deleted.ItemID).Int("quantity", deleted.Quantity).
			Msg("expiry sweep: releasing reserved quantity failed")
	} else {
		s.invalidateCatalog(ctx)
	}
	return true
}

func (s *Service) CancelReservation(ctx context.Context, userID string, req domain.CancelReservationRequest) (domain.CancelResponse, error) {
	userID = strings.TrimSpace(userID)
	reservationID := strings.TrimSpace(req.ReservationID)
	itemID := strings.TrimSpace(req.ItemID)
	if userID == "" {
		return domain.CancelResponse{}, domain.Validation("user_id is required")
	}
	if reservationID == "" && itemID == "" {
		return domain.CancelResponse{}, domain.Validation("reservation_id or item_id is required")
	}

	var target *domain.Reservation
	var err error
	if reservationID != "" {
		target, err = s.repo.GetReservation(ctx, userID, reservationID)
	} else {
		target, err = s.repo.FindReservationByItem(ctx, userID, itemID)
	}
	if err != nil {
		return domain.CancelResponse{}, storeError(err, "reservation")
	}

	if err := s.cancelOne(ctx, *target); err != nil {
		return domain.CancelResponse{}, err
	}
	return domain.CancelResponse{Canceled: 1}, nil
}

// CancelAllReservations releases every hold the user has. Each row is
// released on its own; a failure stops the loop and leaves the remaining rows
// in place.
func (s *Service) CancelAllReservations(ctx context.Context, userID string) (domain.CancelResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CancelResponse{}, domain.Validation("user_id is required")
	}

	rows, err := s.repo.ListReservations(ctx, userID)
	if err != nil {
		return domain.CancelResponse{}, err
	}

	canceled := 0
	for _, r := range rows {
		if err := s.cancelOne(ctx, r); err != nil {
			if domain.CodeOf(err) == domain.CodeNotFound {
				continue
			}
			return domain.CancelResponse{Canceled: canceled}, err
		}
		canceled++
	}
	return domain.CancelResponse{Canceled: canceled}, nil
}

func (s *Service) cancelOne(ctx context.Context, r domain.Reservation) error {
	deleted, err := s.repo.DeleteReservation(ctx, r.UserID, r.ID)
	if err != nil {
		return storeError(err, "reservation")
	}
	if err := s.ledger.AdjustReserved(ctx, deleted.ItemID, -deleted.Quantity); err != nil {
		return s.revertReservation(ctx, store.ReservationChange{Before: deleted}, err)
	}
	s.invalidateCatalog(ctx)
	return nil
}
