// Package commission holds the broker commission rules: how an amount is
// derived from a car's price and policy, and how the single commission record
// of a car is reconciled against the car's current state.
package commission

import (
	"errors"

	"github.com/shopspring/decimal"

	"dealerdesk/backend/internal/domain"
)

// ErrInvalidPolicy marks a commission policy that cannot yield a commission:
// a type without a value, or a negative value. Compute treats such policies
// as "no commission"; the error only exists for diagnostics.
var ErrInvalidPolicy = errors.New("invalid commission policy")

var hundred = decimal.NewFromInt(100)

// Compute returns the commission owed for a car sold at price under the given
// policy. It never fails: unusable policies yield zero. No rounding is applied.
func Compute(price decimal.Decimal, kind domain.CommissionType, value *decimal.Decimal) decimal.Decimal {
	if kind == domain.CommissionNone || value == nil || !value.IsPositive() {
		return decimal.Zero
	}

	switch kind {
	case domain.CommissionFixed:
		return *value
	case domain.CommissionPercentage:
		if price.IsNegative() {
			return decimal.Zero
		}
		return price.Mul(*value).Div(hundred)
	default:
		return decimal.Zero
	}
}

// CheckPolicy reports ErrInvalidPolicy for a policy that names a type but has
// no usable value, or carries a negative value.
func CheckPolicy(kind domain.CommissionType, value *decimal.Decimal) error {
	if kind == domain.CommissionNone {
		if value != nil && value.IsNegative() {
			return ErrInvalidPolicy
		}
		return nil
	}
	if value == nil || value.IsNegative() {
		return ErrInvalidPolicy
	}
	return nil
}

// ComputeForCar is Compute over a car's own fields.
func ComputeForCar(car domain.Car) decimal.Decimal {
	return Compute(car.PurchasePrice, car.CommissionType, car.CommissionValue)
}
