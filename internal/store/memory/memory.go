package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/store"
	"magsd/backend/internal/xid"
)

type Option func(*Store)

// WithReservedCeiling makes ledger writes fail with store.ErrStockConstraint
// when reserved_quantity would exceed total_quantity, like a database that
// carries that check constraint.
func WithReservedCeiling() Option {
	return func(s *Store) {
		s.reservedCeiling = true
	}
}

// WithoutSaleFields drops optional sales columns from the emulated schema.
func WithoutSaleFields(fields ...string) Option {
	return func(s *Store) {
		s.missingSaleFields = append(s.missingSaleFields, fields...)
	}
}

type reservationRow struct {
	domain.Reservation
	seq int64
}

type saleRow struct {
	domain.Sale
	seq int64
}

type saleItemRow struct {
	domain.SaleItem
	seq int64
}

type refundItemRow struct {
	domain.RefundItem
	seq int64
}

type state struct {
	items        map[string]domain.Item
	reservations map[string]reservationRow
	sales        map[string]saleRow
	saleItems    map[string]saleItemRow
	refunds      map[string]domain.Refund
	refundItems  map[string]refundItemRow
	restocks     []domain.RestockLog
	auditLogs    []domain.AuditLog
	users        map[string]domain.UserAccount
	seq          int64
}

func (st *state) clone() state {
	return state{
		items:        maps.Clone(st.items),
		reservations: maps.Clone(st.reservations),
		sales:        maps.Clone(st.sales),
		saleItems:    maps.Clone(st.saleItems),
		refunds:      maps.Clone(st.refunds),
		refundItems:  maps.Clone(st.refundItems),
		restocks:     slices.Clone(st.restocks),
		auditLogs:    slices.Clone(st.auditLogs),
		users:        maps.Clone(st.users),
		seq:          st.seq,
	}
}

type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	state

	reservedCeiling   bool
	missingSaleFields []string
}

func New(opts ...Option) *Store {
	s := &Store{state: state{
		items:        make(map[string]domain.Item),
		reservations: make(map[string]reservationRow),
		sales:        make(map[string]saleRow),
		saleItems:    make(map[string]saleItemRow),
		refunds:      make(map[string]domain.Refund),
		refundItems:  make(map[string]refundItemRow),
		restocks:     make([]domain.RestockLog, 0, 16),
		auditLogs:    make([]domain.AuditLog, 0, 64),
		users:        make(map[string]domain.UserAccount),
	}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSeeded returns a store with demo users and a small jewelry catalog for
// dev mode. Seed passwords come from SEED_ADMIN_PASSWORD and
// SEED_CUSTOMER_PASSWORD, falling back to dev defaults with a warning.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	now := time.Now().UTC()

	for _, u := range seedUsers(now) {
		s.users[u.ID] = u
	}

	threshold := 2
	for _, item := range []domain.Item{
		{Name: "18K Gold Hoop Earrings", PurchasePrice: decimal.NewFromInt(4200), SellPrice: decimal.NewFromInt(6500), TotalQuantity: 6, DiscountType: domain.DiscountNone, CategoryType: "earrings", GoldType: "yellow", Karat: "18K"},
		{Name: "Saudi Gold Link Bracelet", PurchasePrice: decimal.NewFromInt(11000), SellPrice: decimal.NewFromInt(15800), TotalQuantity: 3, DiscountType: domain.DiscountPercent, DiscountValue: decimal.NewFromInt(10), CategoryType: "bracelet", GoldType: "yellow", Karat: "21K", RestockThreshold: &threshold},
		{Name: "White Gold Solitaire Ring", PurchasePrice: decimal.NewFromInt(18500), SellPrice: decimal.NewFromInt(24999), TotalQuantity: 2, DiscountType: domain.DiscountFixed, DiscountValue: decimal.NewFromInt(1500), CategoryType: "ring", GoldType: "white", Karat: "14K"},
		{Name: "Rose Gold Pendant Necklace", PurchasePrice: decimal.NewFromInt(5300), SellPrice: decimal.NewFromInt(7900), TotalQuantity: 4, DiscountType: domain.DiscountNone, CategoryType: "necklace", GoldType: "rose", Karat: "18K"},
	} {
		item.ID = xid.New()
		item.Status = domain.ItemStatusActive
		item.CreatedAt = now
		item.UpdatedAt = now
		s.items[item.ID] = item
	}
	return s
}

func seedUsers(now time.Time) []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin12345")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer12345")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CUSTOMER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CUSTOMER_PASSWORD to override")
	}

	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		email    string
		password string
		name     string
		admin    bool
	}{
		{"admin@magsd.local", adminPwd, "Shop Admin", true},
		{"customer@magsd.local", customerPwd, "Demo Customer", false},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("email", u.email).Msg("failed to hash seed password")
		}
		users = append(users, domain.UserAccount{
			ID:        xid.New(),
			Email:     u.email,
			Name:      u.name,
			Password:  string(hash),
			IsAdmin:   u.admin,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// txStore is the repository handed to RunInTx callbacks. It wraps a private
// working copy of the state.
type txStore struct {
	*Store
}

func (t txStore) RunInTx(_ context.Context, fn func(repo store.Repository) error) error {
	return fn(t)
}

// RunInTx runs fn against a working copy of the state and publishes the copy
// only when fn succeeds. Writes outside transactions wait on txMu, so a
// transaction never overwrites or discards them; plain reads keep seeing the
// last committed state.
func (s *Store) RunInTx(_ context.Context, fn func(repo store.Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := &Store{
		state:             s.state.clone(),
		reservedCeiling:   s.reservedCeiling,
		missingSaleFields: s.missingSaleFields,
	}
	s.mu.RUnlock()

	if err := fn(txStore{work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work.state
	s.mu.Unlock()
	return nil
}

// lockWrite takes the locks a write needs and returns their release.
func (s *Store) lockWrite() func() {
	s.txMu.Lock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.Unlock()
	}
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *Store) GetItem(_ context.Context, id string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	item.RefreshAvailability()
	return &item, nil
}

func (s *Store) AddReserved(_ context.Context, itemID string, delta int) (int, error) {
	defer s.lockWrite()()

	item, ok := s.items[itemID]
	if !ok {
		return 0, store.ErrNotFound
	}
	next := max(0, item.ReservedQuantity+delta)
	if s.reservedCeiling && delta > 0 && next > item.TotalQuantity {
		return 0, store.ErrStockConstraint
	}
	item.ReservedQuantity = next
	item.UpdatedAt = time.Now().UTC()
	s.items[itemID] = item
	return next, nil
}

func (s *Store) SetReserved(_ context.Context, itemID string, qty int) error {
	defer s.lockWrite()()

	item, ok := s.items[itemID]
	if !ok {
		return store.ErrNotFound
	}
	qty = max(0, qty)
	if s.reservedCeiling && qty > item.TotalQuantity && qty > item.ReservedQuantity {
		return store.ErrStockConstraint
	}
	item.ReservedQuantity = qty
	item.UpdatedAt = time.Now().UTC()
	s.items[itemID] = item
	return nil
}

func (s *Store) AddTotal(_ context.Context, itemID string, delta int) (int, error) {
	defer s.lockWrite()()

	item, ok := s.items[itemID]
	if !ok {
		return 0, store.ErrNotFound
	}
	next := max(0, item.TotalQuantity+delta)
	if s.reservedCeiling && delta < 0 && item.ReservedQuantity > next {
		return 0, store.ErrStockConstraint
	}
	item.TotalQuantity = next
	item.UpdatedAt = time.Now().UTC()
	s.items[itemID] = item
	return next, nil
}

func (s *Store) ListItems(_ context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		if filter.ActiveOnly && item.Status != domain.ItemStatusActive {
			continue
		}
		if filter.CategoryType != "" && item.CategoryType != filter.CategoryType {
			continue
		}
		if filter.GoldType != "" && item.GoldType != filter.GoldType {
			continue
		}
		if filter.Karat != "" && item.Karat != filter.Karat {
			continue
		}
		item.RefreshAvailability()
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (s *Store) GetItemsByIDs(_ context.Context, ids []string) (map[string]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Item, len(ids))
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			item.RefreshAvailability()
			result[id] = item
		}
	}
	return result, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	defer s.lockWrite()()

	if item.ID == "" {
		item.ID = xid.New()
	}
	if _, exists := s.items[item.ID]; exists {
		return nil, store.ErrConflict
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.RefreshAvailability()
	s.items[item.ID] = item
	return &item, nil
}

// UpdateItem replaces descriptive and pricing fields. Quantities are owned by
// the ledger and are kept from the stored row.
func (s *Store) UpdateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	defer s.lockWrite()()

	existing, ok := s.items[item.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	item.TotalQuantity = existing.TotalQuantity
	item.ReservedQuantity = existing.ReservedQuantity
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = time.Now().UTC()
	item.RefreshAvailability()
	s.items[item.ID] = item
	return &item, nil
}

func (s *Store) DeleteItem(_ context.Context, id string) error {
	defer s.lockWrite()()

	if _, ok := s.items[id]; !ok {
		return store.ErrNotFound
	}
	for _, r := range s.reservations {
		if r.ItemID == id {
			return store.ErrReferenced
		}
	}
	for _, si := range s.saleItems {
		if si.ItemID == id {
			return store.ErrReferenced
		}
	}
	delete(s.items, id)
	return nil
}

func (s *Store) CreateRestockLog(_ context.Context, entry domain.RestockLog) error {
	defer s.lockWrite()()

	if entry.ID == "" {
		entry.ID = xid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.restocks = append(s.restocks, entry)
	return nil
}

// RestockLogs returns recorded restocks for an item, oldest first.
func (s *Store) RestockLogs(itemID string) []domain.RestockLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RestockLog, 0)
	for _, entry := range s.restocks {
		if entry.ItemID == itemID {
			out = append(out, entry)
		}
	}
	return out
}

func (s *Store) findReservation(userID string, itemID string) (reservationRow, bool) {
	for _, r := range s.reservations {
		if r.UserID == userID && r.ItemID == itemID {
			return r, true
		}
	}
	return reservationRow{}, false
}

func (s *Store) MutateReservation(_ context.Context, userID string, itemID string, fn store.ReservationMutator) (store.ReservationChange, error) {
	defer s.lockWrite()()

	var before *domain.Reservation
	row, exists := s.findReservation(userID, itemID)
	if exists {
		copied := row.Reservation
		before = &copied
	}

	var input *domain.Reservation
	if before != nil {
		copied := *before
		input = &copied
	}
	next, err := fn(input)
	if err != nil {
		return store.ReservationChange{}, err
	}

	switch {
	case !exists && next == nil:
		return store.ReservationChange{}, nil
	case !exists:
		if _, ok := s.items[itemID]; !ok {
			return store.ReservationChange{}, store.ErrNotFound
		}
		created := *next
		if created.ID == "" {
			created.ID = xid.New()
		}
		created.UserID = userID
		created.ItemID = itemID
		if created.CreatedAt.IsZero() {
			created.CreatedAt = time.Now().UTC()
		}
		s.reservations[created.ID] = reservationRow{Reservation: created, seq: s.nextSeq()}
		return store.ReservationChange{After: &created}, nil
	case next == nil:
		delete(s.reservations, row.ID)
		return store.ReservationChange{Before: before}, nil
	default:
		updated := row.Reservation
		updated.Quantity = next.Quantity
		updated.ExpiresAt = next.ExpiresAt
		s.reservations[row.ID] = reservationRow{Reservation: updated, seq: row.seq}
		return store.ReservationChange{Before: before, After: &updated}, nil
	}
}

func (s *Store) GetReservation(_ context.Context, userID string, reservationID string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.reservations[reservationID]
	if !ok || row.UserID != userID {
		return nil, store.ErrNotFound
	}
	r := row.Reservation
	return &r, nil
}

func (s *Store) FindReservationByItem(_ context.Context, userID string, itemID string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.findReservation(userID, itemID)
	if !ok {
		return nil, store.ErrNotFound
	}
	r := row.Reservation
	return &r, nil
}

func (s *Store) ListReservations(_ context.Context, userID string) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]reservationRow, 0, 8)
	for _, r := range s.reservations {
		if r.UserID == userID {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	result := make([]domain.Reservation, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.Reservation)
	}
	return result, nil
}

func (s *Store) DeleteReservation(_ context.Context, userID string, reservationID string) (*domain.Reservation, error) {
	defer s.lockWrite()()

	row, ok := s.reservations[reservationID]
	if !ok || row.UserID != userID {
		return nil, store.ErrNotFound
	}
	delete(s.reservations, reservationID)
	r := row.Reservation
	return &r, nil
}

// PutReservation writes a reservation back by id, re-creating it if needed.
func (s *Store) PutReservation(_ context.Context, reservation domain.Reservation) error {
	defer s.lockWrite()()

	if other, ok := s.findReservation(reservation.UserID, reservation.ItemID); ok && other.ID != reservation.ID {
		return store.ErrConflict
	}
	row, ok := s.reservations[reservation.ID]
	seq := row.seq
	if !ok {
		seq = s.nextSeq()
	}
	s.reservations[reservation.ID] = reservationRow{Reservation: reservation, seq: seq}
	return nil
}

func (s *Store) DeleteReservationsForItem(_ context.Context, itemID string) (int, error) {
	defer s.lockWrite()()

	deleted := 0
	for id, r := range s.reservations {
		if r.ItemID == itemID {
			delete(s.reservations, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	defer s.lockWrite()()

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
	s.sales[sale.ID] = saleRow{Sale: sale, seq: s.nextSeq()}
	return &sale, nil
}

func (s *Store) PatchSale(_ context.Context, saleID string, patch store.SalePatch) (*domain.Sale, error) {
	defer s.lockWrite()()

	row, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	missing := make([]string, 0)
	for _, field := range patch.Fields {
		if slices.Contains(s.missingSaleFields, field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &store.MissingFieldsError{Table: "sales", Fields: missing}
	}

	patch.ApplyTo(&row.Sale)
	s.sales[saleID] = row
	sale := row.Sale
	return &sale, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := row.Sale
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context, userID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]saleRow, 0, len(s.sales))
	for _, row := range s.sales {
		if userID != "" && row.UserID != userID {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	result := make([]domain.Sale, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.Sale)
	}
	return result, nil
}

func (s *Store) SetSaleStatus(_ context.Context, id string, status string) error {
	defer s.lockWrite()()

	row, ok := s.sales[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = status
	s.sales[id] = row
	return nil
}

func (s *Store) CreateSaleItem(_ context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	defer s.lockWrite()()

	if _, ok := s.sales[item.SaleID]; !ok {
		return nil, store.ErrNotFound
	}
	stored, ok := s.items[item.ItemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if item.ID == "" {
		item.ID = xid.New()
	}
	item.ItemName = stored.Name
	s.saleItems[item.ID] = saleItemRow{SaleItem: item, seq: s.nextSeq()}
	return &item, nil
}

func (s *Store) ListSaleItems(_ context.Context, saleID string) ([]domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]saleItemRow, 0, 4)
	for _, row := range s.saleItems {
		if row.SaleID == saleID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	result := make([]domain.SaleItem, 0, len(rows))
	for _, row := range rows {
		item := row.SaleItem
		if stored, ok := s.items[item.ItemID]; ok {
			item.ItemName = stored.Name
		}
		result = append(result, item)
	}
	return result, nil
}

func (s *Store) ListSaleLines(_ context.Context, from time.Time, to time.Time) ([]domain.SaleLineFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SaleLineFact, 0, 16)
	for _, row := range s.saleItems {
		sale, ok := s.sales[row.SaleID]
		if !ok || sale.CreatedAt.Before(from) || sale.CreatedAt.After(to) {
			continue
		}
		fact := domain.SaleLineFact{
			SaleID:          sale.ID,
			SaleCreatedAt:   sale.CreatedAt,
			ItemID:          row.ItemID,
			Quantity:        row.Quantity,
			PriceAtPurchase: row.PriceAtPurchase,
		}
		if item, ok := s.items[row.ItemID]; ok {
			fact.PurchasePrice = item.PurchasePrice
		}
		result = append(result, fact)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SaleCreatedAt.Before(result[j].SaleCreatedAt) })
	return result, nil
}

func (s *Store) CreateRefund(_ context.Context, refund domain.Refund) (*domain.Refund, error) {
	defer s.lockWrite()()

	if _, ok := s.sales[refund.SaleID]; !ok {
		return nil, store.ErrNotFound
	}
	if refund.ID == "" {
		refund.ID = xid.New()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	s.refunds[refund.ID] = refund
	return &refund, nil
}

func (s *Store) GetRefund(_ context.Context, id string) (*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refund, ok := s.refunds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &refund, nil
}

func (s *Store) SetRefundTotal(_ context.Context, refundID string, total decimal.Decimal) error {
	defer s.lockWrite()()

	refund, ok := s.refunds[refundID]
	if !ok {
		return store.ErrNotFound
	}
	refund.Total = total
	s.refunds[refundID] = refund
	return nil
}

func (s *Store) CreateRefundItem(_ context.Context, item domain.RefundItem) (*domain.RefundItem, error) {
	defer s.lockWrite()()

	if _, ok := s.refunds[item.RefundID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.saleItems[item.SaleItemID]; !ok {
		return nil, store.ErrNotFound
	}
	if item.ID == "" {
		item.ID = xid.New()
	}
	s.refundItems[item.ID] = refundItemRow{RefundItem: item, seq: s.nextSeq()}
	return &item, nil
}

func (s *Store) ListRefundItems(_ context.Context, refundID string) ([]domain.RefundItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]refundItemRow, 0, 4)
	for _, row := range s.refundItems {
		if row.RefundID == refundID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	result := make([]domain.RefundItem, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.RefundItem)
	}
	return result, nil
}

func (s *Store) RefundedQuantities(_ context.Context, saleID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int)
	for _, row := range s.refundItems {
		refund, ok := s.refunds[row.RefundID]
		if !ok || refund.SaleID != saleID {
			continue
		}
		result[row.SaleItemID] += row.Quantity
	}
	return result, nil
}

func (s *Store) SumRefunds(_ context.Context, saleIDs []string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]decimal.Decimal, len(saleIDs))
	for _, refund := range s.refunds {
		if !slices.Contains(saleIDs, refund.SaleID) {
			continue
		}
		result[refund.SaleID] = result[refund.SaleID].Add(refund.Total)
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	defer s.lockWrite()()

	if entry.ID == "" {
		entry.ID = xid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		result = append(result, s.auditLogs[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	defer s.lockWrite()()

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return nil, store.ErrConflict
		}
	}
	if user.ID == "" {
		user.ID = xid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	return &user, nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range s.users {
		if user.Email == email {
			return &user, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Email < result[j].Email })
	return result, nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	defer s.lockWrite()()

	existing, ok := s.users[user.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	user.Email = existing.Email
	user.CreatedAt = existing.CreatedAt
	s.users[user.ID] = user
	return &user, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	defer s.lockWrite()()

	if _, ok := s.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.users, id)
	return nil
}
