package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrStockConstraint reports a rejected write that would leave
	// reserved_quantity above total_quantity.
	ErrStockConstraint = errors.New("reserved quantity exceeds total quantity")
	// ErrReferenced reports a delete blocked by rows that still point at the target.
	ErrReferenced = errors.New("row is still referenced")
)

// Optional sales columns added with layaway plans. Deployments that predate
// them reject writes naming these fields.
const (
	FieldLayawayMonths    = "layaway_months"
	FieldDownpayment      = "downpayment"
	FieldAmountReceivable = "amount_receivable"
	FieldMonthlyPayment   = "monthly_payment"
)

var LayawayFields = []string{FieldLayawayMonths, FieldDownpayment, FieldAmountReceivable, FieldMonthlyPayment}

// MissingFieldsError is returned when a write names optional columns the
// backing schema does not have.
type MissingFieldsError struct {
	Table  string
	Fields []string
	Err    error
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: unsupported fields %s", e.Table, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error {
	return e.Err
}

// SalePatch carries the values written to a sale header after its lines are
// recorded. Fields lists the optional columns the write may touch; optional
// values not listed are left alone.
type SalePatch struct {
	Total         decimal.Decimal
	PaymentMethod domain.PaymentMethod
	Layaway       *domain.LayawayTerms
	Fields        []string
}

func (p SalePatch) Includes(field string) bool {
	return slices.Contains(p.Fields, field)
}

func (p SalePatch) Without(fields []string) SalePatch {
	kept := make([]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		if !slices.Contains(fields, f) {
			kept = append(kept, f)
		}
	}
	p.Fields = kept
	return p
}

// ApplyTo copies the patch onto a sale value, honouring Fields.
func (p SalePatch) ApplyTo(sale *domain.Sale) {
	sale.Total = p.Total
	sale.PaymentMethod = p.PaymentMethod

	var months int
	var down, receivable, monthly decimal.Decimal
	if p.Layaway != nil {
		months = p.Layaway.Months
		down = p.Layaway.Downpayment
		receivable = p.Layaway.AmountReceivable
		monthly = p.Layaway.MonthlyPayment
	}
	if p.Includes(FieldLayawayMonths) {
		sale.LayawayMonths = &months
	}
	if p.Includes(FieldDownpayment) {
		sale.Downpayment = &down
	}
	if p.Includes(FieldAmountReceivable) {
		sale.AmountReceivable = &receivable
	}
	if p.Includes(FieldMonthlyPayment) {
		sale.MonthlyPayment = &monthly
	}
}

// ReservationMutator computes the next state of a (user, item) reservation
// from its current state. existing is nil when no row exists; returning nil
// deletes the row (or leaves it absent).
type ReservationMutator func(existing *domain.Reservation) (*domain.Reservation, error)

// ReservationChange records both sides of a reservation mutation so callers
// can revert it.
type ReservationChange struct {
	Before *domain.Reservation
	After  *domain.Reservation
}

func (c ReservationChange) Delta() int {
	before, after := 0, 0
	if c.Before != nil {
		before = c.Before.Quantity
	}
	if c.After != nil {
		after = c.After.Quantity
	}
	return after - before
}

// LedgerStore is the slice of the repository the inventory ledger needs.
type LedgerStore interface {
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	// AddReserved atomically adds delta to reserved_quantity, clamped at 0,
	// and returns the new value.
	AddReserved(ctx context.Context, itemID string, delta int) (int, error)
	SetReserved(ctx context.Context, itemID string, qty int) error
	// AddTotal atomically adds delta to total_quantity, clamped at 0.
	AddTotal(ctx context.Context, itemID string, delta int) (int, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	DeleteUser(ctx context.Context, id string) error
}

type Repository interface {
	LedgerStore
	UserStore

	// RunInTx runs fn against a repository whose writes commit or roll back
	// together. Calls made inside fn must use the repository passed to it.
	RunInTx(ctx context.Context, fn func(repo Repository) error) error

	ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error)
	GetItemsByIDs(ctx context.Context, ids []string) (map[string]domain.Item, error)
	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	DeleteItem(ctx context.Context, id string) error
	CreateRestockLog(ctx context.Context, entry domain.RestockLog) error

	MutateReservation(ctx context.Context, userID string, itemID string, fn ReservationMutator) (ReservationChange, error)
	GetReservation(ctx context.Context, userID string, reservationID string) (*domain.Reservation, error)
	FindReservationByItem(ctx context.Context, userID string, itemID string) (*domain.Reservation, error)
	ListReservations(ctx context.Context, userID string) ([]domain.Reservation, error)
	DeleteReservation(ctx context.Context, userID string, reservationID string) (*domain.Reservation, error)
	PutReservation(ctx context.Context, reservation domain.Reservation) error
	DeleteReservationsForItem(ctx context.Context, itemID string) (int, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	PatchSale(ctx context.Context, saleID string, patch SalePatch) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, userID string, limit int) ([]domain.Sale, error)
	SetSaleStatus(ctx context.Context, id string, status string) error
	CreateSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error)
	ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error)
	ListSaleLines(ctx context.Context, from time.Time, to time.Time) ([]domain.SaleLineFact, error)

	CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error)
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
	SetRefundTotal(ctx context.Context, refundID string, total decimal.Decimal) error
	CreateRefundItem(ctx context.Context, item domain.RefundItem) (*domain.RefundItem, error)
	ListRefundItems(ctx context.Context, refundID string) ([]domain.RefundItem, error)
	// RefundedQuantities sums refunded quantity per sale item of a sale.
	RefundedQuantities(ctx context.Context, saleID string) (map[string]int, error)
	// SumRefunds totals refunds per sale id.
	SumRefunds(ctx context.Context, saleIDs []string) (map[string]decimal.Decimal, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
}
