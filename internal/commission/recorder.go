package commission

import (
	"time"

	"github.com/shopspring/decimal"

	"dealerdesk/backend/internal/domain"
)

type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// BrokerAdjustment is a signed change to a broker's total_commission_due.
type BrokerAdjustment struct {
	BrokerID string
	Due      decimal.Decimal
}

// Decision is the outcome of reconciling one car against its current
// commission record. Stores execute it in the same transaction that read the
// car and the record.
type Decision struct {
	Action      Action
	BrokerID    string
	Amount      decimal.Decimal
	Adjustments []BrokerAdjustment
}

// Plan decides what must happen to the commission record of car. existing is
// the car's current record, or nil. Paid records are never touched. Running
// Plan again over the record it produced yields ActionNone.
func Plan(car domain.Car, existing *domain.CommissionRecord) Decision {
	if existing != nil && existing.Paid {
		return Decision{Action: ActionNone}
	}

	amount := ComputeForCar(car)
	wantRecord := car.BrokerID != "" && amount.IsPositive()

	if !wantRecord {
		if existing == nil {
			return Decision{Action: ActionNone}
		}
		return Decision{
			Action:      ActionDelete,
			BrokerID:    existing.BrokerID,
			Amount:      existing.Amount,
			Adjustments: []BrokerAdjustment{{BrokerID: existing.BrokerID, Due: existing.Amount.Neg()}},
		}
	}

	if existing == nil {
		return Decision{
			Action:      ActionCreate,
			BrokerID:    car.BrokerID,
			Amount:      amount,
			Adjustments: []BrokerAdjustment{{BrokerID: car.BrokerID, Due: amount}},
		}
	}

	if existing.BrokerID == car.BrokerID && existing.Amount.Equal(amount) {
		return Decision{Action: ActionNone}
	}

	decision := Decision{Action: ActionUpdate, BrokerID: car.BrokerID, Amount: amount}
	if existing.BrokerID == car.BrokerID {
		decision.Adjustments = []BrokerAdjustment{{BrokerID: car.BrokerID, Due: amount.Sub(existing.Amount)}}
	} else {
		decision.Adjustments = []BrokerAdjustment{
			{BrokerID: existing.BrokerID, Due: existing.Amount.Neg()},
			{BrokerID: car.BrokerID, Due: amount},
		}
	}
	return decision
}

// Apply returns the record that results from executing d. It returns nil when
// the car ends up without a record. newID is used only for ActionCreate.
func (d Decision) Apply(car domain.Car, existing *domain.CommissionRecord, newID string, at time.Time) *domain.CommissionRecord {
	switch d.Action {
	case ActionCreate:
		return &domain.CommissionRecord{
			ID:        newID,
			BrokerID:  d.BrokerID,
			CarID:     car.ID,
			Amount:    d.Amount,
			CreatedAt: at,
			UpdatedAt: at,
		}
	case ActionUpdate:
		updated := *existing
		updated.BrokerID = d.BrokerID
		updated.Amount = d.Amount
		updated.Paid = false
		updated.PaidAt = nil
		updated.UpdatedAt = at
		return &updated
	case ActionDelete:
		return nil
	default:
		if existing == nil {
			return nil
		}
		current := *existing
		return &current
	}
}
