package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/backend/internal/commission"
	"dealerdesk/backend/internal/domain"
	"dealerdesk/backend/internal/store"
)

var (
	commissionCols = []string{"id", "broker_id", "car_id", "commission_amount", "is_paid", "paid_at", "created_at", "updated_at"}
	brokerCols     = []string{"id", "name", "phone", "email", "total_commission_due", "total_commission_paid", "created_at"}
	fixedNow       = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewWithDB(db)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func TestMarkCommissionPaidMovesAmountInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM commission_records WHERE id = \$1 FOR UPDATE`).
		WithArgs("cr-1").
		WillReturnRows(sqlmock.NewRows(commissionCols).
			AddRow("cr-1", "broker-1", "car-1", "25000", false, nil, fixedNow, fixedNow))
	mock.ExpectExec(`UPDATE commission_records SET is_paid = true`).
		WithArgs("cr-1", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE brokers SET total_commission_due = total_commission_due - \$2`).
		WithArgs("broker-1", "25000").
		WillReturnRows(sqlmock.NewRows(brokerCols).
			AddRow("broker-1", "Ahmad", "+60123", "", "0", "25000", fixedNow))
	mock.ExpectCommit()

	record, broker, err := s.MarkCommissionPaid(context.Background(), "cr-1", fixedNow)
	require.NoError(t, err)
	assert.True(t, record.Paid)
	require.NotNil(t, record.PaidAt)
	assert.True(t, record.PaidAt.Equal(fixedNow))
	assert.True(t, broker.TotalCommissionDue.IsZero())
	assert.True(t, broker.TotalCommissionPaid.Equal(decimal.NewFromInt(25000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCommissionPaidRejectsPaidRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM commission_records WHERE id = \$1 FOR UPDATE`).
		WithArgs("cr-1").
		WillReturnRows(sqlmock.NewRows(commissionCols).
			AddRow("cr-1", "broker-1", "car-1", "25000", true, fixedNow, fixedNow, fixedNow))
	mock.ExpectRollback()

	_, _, err := s.MarkCommissionPaid(context.Background(), "cr-1", fixedNow)
	assert.ErrorIs(t, err, store.ErrAlreadyPaid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCommissionPaidMissingRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM commission_records WHERE id = \$1 FOR UPDATE`).
		WithArgs("cr-404").
		WillReturnRows(sqlmock.NewRows(commissionCols))
	mock.ExpectRollback()

	_, _, err := s.MarkCommissionPaid(context.Background(), "cr-404", fixedNow)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCommissionPaidRollsBackWhenBrokerUpdateFails(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset by peer")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM commission_records WHERE id = \$1 FOR UPDATE`).
		WithArgs("cr-1").
		WillReturnRows(sqlmock.NewRows(commissionCols).
			AddRow("cr-1", "broker-1", "car-1", "25000", false, nil, fixedNow, fixedNow))
	mock.ExpectExec(`UPDATE commission_records SET is_paid = true`).
		WithArgs("cr-1", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE brokers SET total_commission_due = total_commission_due - \$2`).
		WithArgs("broker-1", "25000").
		WillReturnError(boom)
	mock.ExpectRollback()

	_, _, err := s.MarkCommissionPaid(context.Background(), "cr-1", fixedNow)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCarCreatesCommissionAndAdjustsBroker(t *testing.T) {
	s, mock := newMockStore(t)
	value := decimal.NewFromInt(5)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO cars`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM commission_records WHERE car_id = \$1 FOR UPDATE`).
		WithArgs("car-1").
		WillReturnRows(sqlmock.NewRows(commissionCols))
	mock.ExpectExec(`UPDATE brokers SET total_commission_due = total_commission_due \+ \$2`).
		WithArgs("broker-1", "25000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO commission_records`).
		WithArgs(sqlmock.AnyArg(), "broker-1", "car-1", "25000", fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	car, rec, err := s.CreateCar(context.Background(), domain.Car{
		ID:              "car-1",
		StockNumber:     "STK-1",
		PurchasePrice:   decimal.NewFromInt(500000),
		BrokerID:        "broker-1",
		CommissionType:  domain.CommissionPercentage,
		CommissionValue: &value,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CarStatusAvailable, car.Status)
	assert.Equal(t, commission.ActionCreate, rec.Action)
	require.NotNil(t, rec.Record)
	assert.True(t, rec.Record.Amount.Equal(decimal.NewFromInt(25000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCarRollsBackWhenBrokerMissing(t *testing.T) {
	s, mock := newMockStore(t)
	value := decimal.NewFromInt(10000)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO cars`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM commission_records WHERE car_id = \$1 FOR UPDATE`).
		WithArgs("car-1").
		WillReturnRows(sqlmock.NewRows(commissionCols))
	mock.ExpectExec(`UPDATE brokers SET total_commission_due = total_commission_due \+ \$2`).
		WithArgs("broker-gone", "10000").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err := s.CreateCar(context.Background(), domain.Car{
		ID:              "car-1",
		StockNumber:     "STK-1",
		PurchasePrice:   decimal.NewFromInt(100000),
		BrokerID:        "broker-gone",
		CommissionType:  domain.CommissionFixed,
		CommissionValue: &value,
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCarRejectsNonPositivePrice(t *testing.T) {
	s, mock := newMockStore(t)

	_, _, err := s.CreateCar(context.Background(), domain.Car{StockNumber: "STK-1", PurchasePrice: decimal.Zero})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCarLeavesPaidRecordAlone(t *testing.T) {
	s, mock := newMockStore(t)
	carCols := []string{"id", "stock_number", "make", "model", "year", "purchase_price", "status", "broker_id", "commission_type", "commission_value", "created_at", "updated_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM cars WHERE id = \$1 FOR UPDATE`).
		WithArgs("car-1").
		WillReturnRows(sqlmock.NewRows(carCols).
			AddRow("car-1", "STK-1", "Toyota", "Camry", 2020, "600000", "available", "broker-1", "percentage", "5", fixedNow, fixedNow))
	mock.ExpectQuery(`SELECT (.+) FROM commission_records WHERE car_id = \$1 FOR UPDATE`).
		WithArgs("car-1").
		WillReturnRows(sqlmock.NewRows(commissionCols).
			AddRow("cr-1", "broker-1", "car-1", "25000", true, fixedNow, fixedNow, fixedNow))
	mock.ExpectCommit()

	rec, err := s.ReconcileCar(context.Background(), "car-1")
	require.NoError(t, err)
	assert.Equal(t, commission.ActionNone, rec.Action)
	require.NotNil(t, rec.Record)
	assert.True(t, rec.Record.Amount.Equal(decimal.NewFromInt(25000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildBrokerTotalsUpdatesOnlyDriftedBrokers(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM brokers ORDER BY id FOR UPDATE`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`FROM brokers b LEFT JOIN commission_records r`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "due", "paid", "want_due", "want_paid"}).
			AddRow("broker-1", "100", "0", "100", "0").
			AddRow("broker-2", "1", "0", "5000", "10000"))
	mock.ExpectExec(`UPDATE brokers SET total_commission_due = \$2, total_commission_paid = \$3`).
		WithArgs("broker-2", "5000", "10000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	corrections, err := s.RebuildBrokerTotals(context.Background())
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.Equal(t, "broker-2", corrections[0].BrokerID)
	assert.True(t, corrections[0].DueBefore.Equal(decimal.NewFromInt(1)))
	assert.True(t, corrections[0].DueAfter.Equal(decimal.NewFromInt(5000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapWriteErrorPassesUnknownErrorsThrough(t *testing.T) {
	boom := errors.New("boom")
	assert.Same(t, boom, mapWriteError(boom))
}
