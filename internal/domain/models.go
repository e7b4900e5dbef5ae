package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DiscountNone    = "none"
	DiscountPercent = "percent"
	DiscountFixed   = "fixed"
)

const (
	ItemStatusActive   = "active"
	ItemStatusInactive = "inactive"
	ItemStatusArchived = "archived"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusVoided    = "voided"
)

type Item struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	PurchasePrice     decimal.Decimal `json:"purchase_price"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	TotalQuantity     int             `json:"total_quantity"`
	ReservedQuantity  int             `json:"reserved_quantity"`
	AvailableQuantity int             `json:"available_quantity"`
	DiscountType      string          `json:"discount_type"`
	DiscountValue     decimal.Decimal `json:"discount_value"`
	Status            string          `json:"status"`
	RestockThreshold  *int            `json:"restock_threshold,omitempty"`
	ImageURL          string          `json:"image_url,omitempty"`
	CategoryType      string          `json:"category_type,omitempty"`
	GoldType          string          `json:"gold_type,omitempty"`
	Karat             string          `json:"karat,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RefreshAvailability recomputes the derived available quantity. The value may
// be negative while reservations are queued beyond physical stock.
func (i *Item) RefreshAvailability() {
	i.AvailableQuantity = i.TotalQuantity - i.ReservedQuantity
}

type ItemFilter struct {
	CategoryType string
	GoldType     string
	Karat        string
	ActiveOnly   bool
}

func (f ItemFilter) IsZero() bool {
	return f.CategoryType == "" && f.GoldType == "" && f.Karat == ""
}

type CatalogItem struct {
	Item
	EffectivePrice decimal.Decimal `json:"effective_price"`
}

type ItemCreateRequest struct {
	Name             string          `json:"name"`
	PurchasePrice    decimal.Decimal `json:"purchase_price"`
	SellPrice        decimal.Decimal `json:"sell_price"`
	TotalQuantity    int             `json:"total_quantity"`
	DiscountType     string          `json:"discount_type"`
	DiscountValue    decimal.Decimal `json:"discount_value"`
	Status           string          `json:"status"`
	RestockThreshold *int            `json:"restock_threshold,omitempty"`
	ImageURL         string          `json:"image_url"`
	CategoryType     string          `json:"category_type"`
	GoldType         string          `json:"gold_type"`
	Karat            string          `json:"karat"`
}

type ItemUpdateRequest struct {
	Name             *string          `json:"name,omitempty"`
	PurchasePrice    *decimal.Decimal `json:"purchase_price,omitempty"`
	SellPrice        *decimal.Decimal `json:"sell_price,omitempty"`
	TotalQuantity    *int             `json:"total_quantity,omitempty"`
	DiscountType     *string          `json:"discount_type,omitempty"`
	DiscountValue    *decimal.Decimal `json:"discount_value,omitempty"`
	Status           *string          `json:"status,omitempty"`
	RestockThreshold *int             `json:"restock_threshold,omitempty"`
	ImageURL         *string          `json:"image_url,omitempty"`
	CategoryType     *string          `json:"category_type,omitempty"`
	GoldType         *string          `json:"gold_type,omitempty"`
	Karat            *string          `json:"karat,omitempty"`
}

type RestockRequest struct {
	Quantity int    `json:"quantity"`
	Note     string `json:"note,omitempty"`
}

type RestockLog struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	Quantity  int       `json:"quantity"`
	Note      string    `json:"note,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type ItemDeleteResponse struct {
	ItemID              string `json:"item_id"`
	DeletedReservations int    `json:"deleted_reservations"`
}

type Reservation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r Reservation) Expired(at time.Time) bool {
	return r.ExpiresAt.Before(at)
}

type ReservationItem struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	ImageURL      string          `json:"image_url,omitempty"`
	DiscountType  string          `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
}

type ReservationLine struct {
	Reservation
	Item      *ReservationItem `json:"item,omitempty"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
	LineTotal decimal.Decimal  `json:"line_total"`
}

type ReserveRequest struct {
	ItemID string `json:"item_id"`
	Delta  *int   `json:"delta"`
}

type ReserveResponse struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type CancelReservationRequest struct {
	ReservationID string `json:"reservation_id,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
}

type CancelResponse struct {
	Canceled int `json:"canceled"`
}

type ReservationListResponse struct {
	UserID       string            `json:"user_id"`
	Reservations []ReservationLine `json:"reservations"`
	Total        decimal.Decimal   `json:"total"`
	Expired      int               `json:"expired"`
}

type Sale struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	AdminUserID      string           `json:"admin_user_id"`
	CreatedAt        time.Time        `json:"created_at"`
	Total            decimal.Decimal  `json:"total"`
	Status           string           `json:"status"`
	PaymentMethod    PaymentMethod    `json:"payment_method"`
	LayawayMonths    *int             `json:"layaway_months,omitempty"`
	Downpayment      *decimal.Decimal `json:"downpayment,omitempty"`
	AmountReceivable *decimal.Decimal `json:"amount_receivable,omitempty"`
	MonthlyPayment   *decimal.Decimal `json:"monthly_payment,omitempty"`
}

type SaleItem struct {
	ID              string          `json:"id"`
	SaleID          string          `json:"sale_id"`
	ItemID          string          `json:"item_id"`
	ItemName        string          `json:"item_name,omitempty"`
	Quantity        int             `json:"quantity"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
	DiscountType    string          `json:"discount_type"`
	DiscountValue   decimal.Decimal `json:"discount_value"`
}

// LayawayTerms is the installment plan derived from a sale total.
type LayawayTerms struct {
	Months           int             `json:"layaway_months"`
	Downpayment      decimal.Decimal `json:"downpayment"`
	AmountReceivable decimal.Decimal `json:"amount_receivable"`
	MonthlyPayment   decimal.Decimal `json:"monthly_payment"`
}

type FinalizeSaleRequest struct {
	UserID        string        `json:"user_id"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	LayawayMonths int           `json:"layaway_months,omitempty"`
}

type FinalizeSaleResponse struct {
	SaleID        string          `json:"sale_id"`
	Total         decimal.Decimal `json:"total"`
	Sale          Sale            `json:"sale"`
	Items         []SaleItem      `json:"items"`
	DroppedFields []string        `json:"dropped_fields,omitempty"`
}

type SaleHistoryEntry struct {
	Sale
	RefundedTotal decimal.Decimal `json:"refunded_total"`
	NetTotal      decimal.Decimal `json:"net_total"`
}

type SaleHistoryResponse struct {
	Sales []SaleHistoryEntry `json:"sales"`
}

type Refund struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	UserID    string          `json:"user_id"`
	Reason    string          `json:"reason,omitempty"`
	Total     decimal.Decimal `json:"total"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type RefundItem struct {
	ID              string          `json:"id"`
	RefundID        string          `json:"refund_id"`
	SaleItemID      string          `json:"sale_item_id"`
	ItemID          string          `json:"item_id"`
	Quantity        int             `json:"quantity"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
}

type RefundLine struct {
	SaleItemID string `json:"sale_item_id"`
	ItemID     string `json:"item_id"`
	Quantity   int    `json:"quantity"`
}

type RefundRequest struct {
	SaleID string       `json:"sale_id"`
	Items  []RefundLine `json:"items,omitempty"`
	Full   bool         `json:"full,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

type SkippedRefundLine struct {
	RefundLine
	Reason string `json:"reason"`
}

type RefundResponse struct {
	RefundID      string              `json:"refund_id"`
	SaleID        string              `json:"sale_id"`
	RefundTotal   decimal.Decimal     `json:"refund_total"`
	FullyRefunded bool                `json:"fully_refunded"`
	Items         []RefundItem        `json:"items"`
	Skipped       []SkippedRefundLine `json:"skipped,omitempty"`
}

type RefundReceipt struct {
	ShopName string       `json:"shop_name"`
	Refund   Refund       `json:"refund"`
	Items    []RefundItem `json:"items"`
	Sale     Sale         `json:"sale"`
}

type InvoiceLine struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type Invoice struct {
	ShopName      string          `json:"shop_name"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Timezone      string          `json:"timezone"`
	Sale          Sale            `json:"sale"`
	Customer      string          `json:"customer,omitempty"`
	Lines         []InvoiceLine   `json:"lines"`
	Total         decimal.Decimal `json:"total"`
	RefundedTotal decimal.Decimal `json:"refunded_total"`
	NetTotal      decimal.Decimal `json:"net_total"`
}

type InventoryReportLine struct {
	ItemID       string          `json:"item_id"`
	Name         string          `json:"name"`
	Total        int             `json:"total_quantity"`
	Reserved     int             `json:"reserved_quantity"`
	Available    int             `json:"available_quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Value        decimal.Decimal `json:"value"`
	NeedsRestock bool            `json:"needs_restock"`
}

type InventoryReport struct {
	ShopName    string                `json:"shop_name"`
	GeneratedAt time.Time             `json:"generated_at"`
	Timezone    string                `json:"timezone"`
	Items       []InventoryReportLine `json:"items"`
	GrandTotal  decimal.Decimal       `json:"grand_total"`
}

// SaleLineFact is one sold line joined with its sale date and the item's cost.
type SaleLineFact struct {
	SaleID          string
	SaleCreatedAt   time.Time
	ItemID          string
	Quantity        int
	PriceAtPurchase decimal.Decimal
	PurchasePrice   decimal.Decimal
}

type SalesSummaryBucket struct {
	Period string          `json:"period"`
	Gross  decimal.Decimal `json:"gross"`
	Net    decimal.Decimal `json:"net"`
}

type SalesSummary struct {
	Period     string               `json:"period"`
	Start      time.Time            `json:"start"`
	End        time.Time            `json:"end"`
	Summary    []SalesSummaryBucket `json:"summary"`
	TotalGross decimal.Decimal      `json:"total_gross"`
	TotalNet   decimal.Decimal      `json:"total_net"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorEmail string    `json:"actor_email"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type UserAccount struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Password  string    `json:"-"`
	IsAdmin   bool      `json:"is_admin"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"created_at"`
}

// Actor is the verified identity attached to a request.
type Actor struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
	Blocked bool   `json:"blocked"`
}

func (a Actor) Role() string {
	if a.IsAdmin {
		return "admin"
	}
	return "customer"
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresAt   string      `json:"expires_at"`
	User        UserAccount `json:"user"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type UserCreateRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

type UserUpdateRequest struct {
	Name     *string `json:"name,omitempty"`
	Password *string `json:"password,omitempty"`
	IsAdmin  *bool   `json:"is_admin,omitempty"`
	Blocked  *bool   `json:"blocked,omitempty"`
}
