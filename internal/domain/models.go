package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CarStatus string

const (
	CarStatusAvailable CarStatus = "available"
	CarStatusSold      CarStatus = "sold"
)

type CommissionType string

const (
	CommissionNone       CommissionType = ""
	CommissionFixed      CommissionType = "fixed"
	CommissionPercentage CommissionType = "percentage"
)

type PaymentType string

const (
	PaymentCash         PaymentType = "cash"
	PaymentHirePurchase PaymentType = "hire_purchase"
)

const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleSales   = "sales"
	RoleSystem  = "system"
)

type Car struct {
	ID              string           `json:"id"`
	StockNumber     string           `json:"stock_number"`
	Make            string           `json:"make"`
	Model           string           `json:"model"`
	Year            int              `json:"year"`
	PurchasePrice   decimal.Decimal  `json:"purchase_price"`
	Status          CarStatus        `json:"status"`
	BrokerID        string           `json:"broker_id,omitempty"`
	CommissionType  CommissionType   `json:"commission_type,omitempty"`
	CommissionValue *decimal.Decimal `json:"commission_value,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// CommissionFieldsDiffer reports whether any field that feeds commission
// reconciliation changed between a and b.
func CommissionFieldsDiffer(a Car, b Car) bool {
	if a.BrokerID != b.BrokerID || a.CommissionType != b.CommissionType || a.Status != b.Status {
		return true
	}
	if !a.PurchasePrice.Equal(b.PurchasePrice) {
		return true
	}
	if (a.CommissionValue == nil) != (b.CommissionValue == nil) {
		return true
	}
	return a.CommissionValue != nil && !a.CommissionValue.Equal(*b.CommissionValue)
}

type CarCreateRequest struct {
	StockNumber     string           `json:"stock_number"`
	Make            string           `json:"make"`
	Model           string           `json:"model"`
	Year            int              `json:"year"`
	PurchasePrice   decimal.Decimal  `json:"purchase_price"`
	BrokerID        string           `json:"broker_id,omitempty"`
	CommissionType  CommissionType   `json:"commission_type,omitempty"`
	CommissionValue *decimal.Decimal `json:"commission_value,omitempty"`
}

// CarUpdateRequest is a partial update. ClearBroker removes the broker and
// its commission policy; it wins over BrokerID.
type CarUpdateRequest struct {
	Make            *string          `json:"make,omitempty"`
	Model           *string          `json:"model,omitempty"`
	Year            *int             `json:"year,omitempty"`
	PurchasePrice   *decimal.Decimal `json:"purchase_price,omitempty"`
	BrokerID        *string          `json:"broker_id,omitempty"`
	ClearBroker     bool             `json:"clear_broker,omitempty"`
	CommissionType  *CommissionType  `json:"commission_type,omitempty"`
	CommissionValue *decimal.Decimal `json:"commission_value,omitempty"`
}

type CarResponse struct {
	Car            Car               `json:"car"`
	Commission     *CommissionRecord `json:"commission,omitempty"`
	Reconciliation string            `json:"reconciliation,omitempty"`
}

type Broker struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Phone               string          `json:"phone"`
	Email               string          `json:"email,omitempty"`
	TotalCommissionDue  decimal.Decimal `json:"total_commission_due"`
	TotalCommissionPaid decimal.Decimal `json:"total_commission_paid"`
	CreatedAt           time.Time       `json:"created_at"`
}

type BrokerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type CommissionRecord struct {
	ID        string          `json:"id"`
	BrokerID  string          `json:"broker_id"`
	CarID     string          `json:"car_id"`
	Amount    decimal.Decimal `json:"commission_amount"`
	Paid      bool            `json:"is_paid"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type CommissionFilter struct {
	BrokerID string
	Paid     *bool
	Limit    int
}

type CommissionListResponse struct {
	Commissions []CommissionRecord `json:"commissions"`
}

type MarkPaidResponse struct {
	Commission CommissionRecord `json:"commission"`
	Broker     Broker           `json:"broker"`
}

// BrokerTotalsCorrection describes a broker whose stored totals drifted from
// the totals derived from its commission records.
type BrokerTotalsCorrection struct {
	BrokerID   string          `json:"broker_id"`
	DueBefore  decimal.Decimal `json:"due_before"`
	DueAfter   decimal.Decimal `json:"due_after"`
	PaidBefore decimal.Decimal `json:"paid_before"`
	PaidAfter  decimal.Decimal `json:"paid_after"`
}

type RebuildTotalsRequest struct {
	OwnerPIN string `json:"owner_pin"`
}

type RebuildTotalsResponse struct {
	Corrections []BrokerTotalsCorrection `json:"corrections"`
	RebuiltAt   string                   `json:"rebuilt_at"`
}

type Sale struct {
	ID            string          `json:"id"`
	CarID         string          `json:"car_id"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	PaymentType   PaymentType     `json:"payment_type"`
	Amount        decimal.Decimal `json:"amount"`
	DownPayment   decimal.Decimal `json:"down_payment"`
	RecordedBy    string          `json:"recorded_by"`
	SoldAt        time.Time       `json:"sold_at"`
}

type SaleRequest struct {
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone"`
	PaymentType   PaymentType     `json:"payment_type"`
	Amount        decimal.Decimal `json:"amount"`
	DownPayment   decimal.Decimal `json:"down_payment"`
}

type SaleResponse struct {
	Sale       Sale              `json:"sale"`
	Car        Car               `json:"car"`
	Commission *CommissionRecord `json:"commission,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
