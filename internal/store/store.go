package store

import (
	"context"
	"errors"
	"time"

	"dealerdesk/backend/internal/commission"
	"dealerdesk/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrAlreadyPaid        = errors.New("commission already paid")
	ErrConflict           = errors.New("conflict")
)

// CarMutation derives the next state of a car from its current, locked state.
// Returning an error aborts the update without side effects.
type CarMutation func(current domain.Car) (domain.Car, error)

// Reconciliation reports what happened to a car's commission record.
type Reconciliation struct {
	Action commission.Action
	Record *domain.CommissionRecord
}

type Repository interface {
	CreateBroker(ctx context.Context, broker domain.Broker) (*domain.Broker, error)
	GetBroker(ctx context.Context, id string) (*domain.Broker, error)
	ListBrokers(ctx context.Context) ([]domain.Broker, error)

	// CreateCar inserts the car and reconciles its commission record in one
	// transaction.
	CreateCar(ctx context.Context, car domain.Car) (*domain.Car, Reconciliation, error)
	// UpdateCar locks the car, applies mutate, persists the result and
	// reconciles its commission record in one transaction. It returns the car
	// as it was before the mutation and after it.
	UpdateCar(ctx context.Context, id string, mutate CarMutation) (before *domain.Car, after *domain.Car, rec Reconciliation, err error)
	GetCar(ctx context.Context, id string) (*domain.Car, error)
	ListCars(ctx context.Context, status domain.CarStatus, limit int) ([]domain.Car, error)
	// ReconcileCar re-runs reconciliation for a car without changing it.
	ReconcileCar(ctx context.Context, id string) (Reconciliation, error)

	// RecordSale marks an available car sold, stores the sale and reconciles
	// the car's commission record in one transaction.
	RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, *domain.Car, Reconciliation, error)

	GetCommission(ctx context.Context, id string) (*domain.CommissionRecord, error)
	GetCommissionByCar(ctx context.Context, carID string) (*domain.CommissionRecord, error)
	ListCommissions(ctx context.Context, filter domain.CommissionFilter) ([]domain.CommissionRecord, error)
	// MarkCommissionPaid flips an unpaid record to paid and moves its amount
	// from the broker's due total to its paid total, atomically. It returns
	// ErrAlreadyPaid without side effects when the record is already paid.
	MarkCommissionPaid(ctx context.Context, id string, at time.Time) (*domain.CommissionRecord, *domain.Broker, error)
	// RebuildBrokerTotals recomputes broker totals from commission records and
	// returns the brokers whose stored totals were wrong.
	RebuildBrokerTotals(ctx context.Context) ([]domain.BrokerTotalsCorrection, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
