// Package ledger owns every write to an item's reserved and total quantities.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/store"
)

type Ledger struct {
	store store.LedgerStore
	inTx  bool
}

func New(s store.LedgerStore) *Ledger {
	return &Ledger{store: s}
}

// NewInTx returns a ledger for a store scoped to an open transaction. A failed
// statement aborts a Postgres transaction, so the read-modify-write fallback
// is never attempted there and the atomic error is returned instead.
func NewInTx(s store.LedgerStore) *Ledger {
	return &Ledger{store: s, inTx: true}
}

// AdjustReserved adds delta to reserved_quantity. The atomic path is tried
// first; a stock constraint rejection surfaces as STOCK_EXCEEDED, while any
// other failure falls back to read-modify-write clamped at zero outside
// transactions.
func (l *Ledger) AdjustReserved(ctx context.Context, itemID string, delta int) error {
	if delta == 0 {
		return nil
	}

	_, err := l.store.AddReserved(ctx, itemID, delta)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrStockConstraint) {
		return domain.WrapError(domain.CodeStockExceeded, "reserved quantity would exceed available stock", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound("item")
	}
	if l.inTx {
		return fmt.Errorf("adjust reserved for %s: %w", itemID, err)
	}

	log.Warn().Err(err).Str("item_id", itemID).Int("delta", delta).Msg("atomic reserved update failed; falling back to read-modify-write")

	item, getErr := l.store.GetItem(ctx, itemID)
	if getErr != nil {
		if errors.Is(getErr, store.ErrNotFound) {
			return domain.NotFound("item")
		}
		return fmt.Errorf("read item %s: %w", itemID, errors.Join(err, getErr))
	}
	next := max(0, item.ReservedQuantity+delta)
	if setErr := l.store.SetReserved(ctx, itemID, next); setErr != nil {
		if errors.Is(setErr, store.ErrStockConstraint) {
			return domain.WrapError(domain.CodeStockExceeded, "reserved quantity would exceed available stock", setErr)
		}
		return fmt.Errorf("set reserved for %s: %w", itemID, errors.Join(err, setErr))
	}
	return nil
}

func (l *Ledger) DecrementTotal(ctx context.Context, itemID string, qty int) error {
	return l.addTotal(ctx, itemID, -qty)
}

func (l *Ledger) IncrementTotal(ctx context.Context, itemID string, qty int) error {
	return l.addTotal(ctx, itemID, qty)
}

func (l *Ledger) addTotal(ctx context.Context, itemID string, delta int) error {
	if delta == 0 {
		return nil
	}
	if _, err := l.store.AddTotal(ctx, itemID, delta); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return domain.NotFound("item")
		case errors.Is(err, store.ErrStockConstraint):
			return domain.WrapError(domain.CodeStockExceeded, "total quantity would drop below reserved quantity", err)
		}
		return fmt.Errorf("adjust total for %s: %w", itemID, err)
	}
	return nil
}
