package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dealerdesk/backend/internal/domain"
	"dealerdesk/backend/internal/store"
	"dealerdesk/backend/internal/store/memory"
)

var (
	ownerCtx   = WithActor(context.Background(), domain.Actor{Username: "owner", Role: domain.RoleOwner})
	managerCtx = WithActor(context.Background(), domain.Actor{Username: "manager", Role: domain.RoleManager})
	salesCtx   = WithActor(context.Background(), domain.Actor{Username: "sales", Role: domain.RoleSales})
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(memory.New(), nil, time.Minute, zap.NewNop())
}

func createBroker(t *testing.T, svc *Service, name string) domain.Broker {
	t.Helper()
	broker, err := svc.CreateBroker(managerCtx, domain.BrokerCreateRequest{Name: name, Phone: "+60123456789"})
	require.NoError(t, err)
	return broker
}

func createBrokeredCar(t *testing.T, svc *Service, stock string, brokerID string, price string, kind domain.CommissionType, value string) domain.CarResponse {
	t.Helper()
	resp, err := svc.CreateCar(managerCtx, domain.CarCreateRequest{
		StockNumber:     stock,
		Make:            "Toyota",
		Model:           "Camry",
		Year:            2020,
		PurchasePrice:   dec(price),
		BrokerID:        brokerID,
		CommissionType:  kind,
		CommissionValue: decPtr(value),
	})
	require.NoError(t, err)
	return resp
}

func brokerDue(t *testing.T, svc *Service, id string) decimal.Decimal {
	t.Helper()
	broker, err := svc.GetBroker(ownerCtx, id)
	require.NoError(t, err)
	return broker.TotalCommissionDue
}

func TestCreateCarRecordsPercentageCommission(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")

	resp := createBrokeredCar(t, svc, "stk-1", broker.ID, "500000", domain.CommissionPercentage, "5")
	assert.Equal(t, "STK-1", resp.Car.StockNumber)
	assert.Equal(t, "create", resp.Reconciliation)
	require.NotNil(t, resp.Commission)
	assert.True(t, resp.Commission.Amount.Equal(dec("25000")))
	assert.False(t, resp.Commission.Paid)
	assert.True(t, brokerDue(t, svc, broker.ID).Equal(dec("25000")))
}

func TestCreateCarRequiresWriterRole(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateCar(salesCtx, domain.CarCreateRequest{StockNumber: "STK-1", PurchasePrice: dec("1000")})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.CreateCar(context.Background(), domain.CarCreateRequest{StockNumber: "STK-1", PurchasePrice: dec("1000")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateCarValidation(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")

	tests := []struct {
		name string
		req  domain.CarCreateRequest
	}{
		{"missing stock number", domain.CarCreateRequest{PurchasePrice: dec("1000")}},
		{"zero price", domain.CarCreateRequest{StockNumber: "STK-1", PurchasePrice: dec("0")}},
		{"percentage above 100", domain.CarCreateRequest{StockNumber: "STK-1", PurchasePrice: dec("1000"), BrokerID: broker.ID, CommissionType: domain.CommissionPercentage, CommissionValue: decPtr("100.01")}},
		{"unknown commission type", domain.CarCreateRequest{StockNumber: "STK-1", PurchasePrice: dec("1000"), BrokerID: broker.ID, CommissionType: "tiered", CommissionValue: decPtr("1")}},
		{"unknown broker", domain.CarCreateRequest{StockNumber: "STK-1", PurchasePrice: dec("1000"), BrokerID: "ghost", CommissionType: domain.CommissionFixed, CommissionValue: decPtr("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateCar(managerCtx, tt.req)
			assert.ErrorIs(t, err, store.ErrInvalidTransaction)
		})
	}
}

func TestCreateCarWithNegativeValueWarnsAndRecordsNothing(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	svc := New(memory.New(), nil, time.Minute, zap.New(core))
	broker := createBroker(t, svc, "Ahmad")

	resp := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "-500")
	assert.Equal(t, "none", resp.Reconciliation)
	assert.Nil(t, resp.Commission)
	assert.True(t, brokerDue(t, svc, broker.ID).IsZero())
	assert.Equal(t, 1, logs.FilterMessage("commission policy yields no commission").Len())
}

func TestUpdateCarReconcilesPriceChange(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "500000", domain.CommissionPercentage, "5")

	price := dec("600000")
	resp, err := svc.UpdateCar(managerCtx, created.Car.ID, domain.CarUpdateRequest{PurchasePrice: &price})
	require.NoError(t, err)
	assert.Equal(t, "update", resp.Reconciliation)
	assert.True(t, resp.Commission.Amount.Equal(dec("30000")))
	assert.Equal(t, created.Commission.ID, resp.Commission.ID)
	assert.True(t, brokerDue(t, svc, broker.ID).Equal(dec("30000")))
}

func TestUpdateCarClearBrokerDropsPolicyAndRecord(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "10000")

	resp, err := svc.UpdateCar(managerCtx, created.Car.ID, domain.CarUpdateRequest{ClearBroker: true})
	require.NoError(t, err)
	assert.Equal(t, "delete", resp.Reconciliation)
	assert.Empty(t, resp.Car.BrokerID)
	assert.Equal(t, domain.CommissionNone, resp.Car.CommissionType)
	assert.Nil(t, resp.Car.CommissionValue)
	assert.True(t, brokerDue(t, svc, broker.ID).IsZero())

	got, err := svc.GetCar(ownerCtx, created.Car.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Commission)
}

func TestUpdateCarOnPaidRecordLeavesLedgerAlone(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "500000", domain.CommissionPercentage, "5")

	_, err := svc.MarkCommissionPaid(ownerCtx, created.Commission.ID)
	require.NoError(t, err)

	price := dec("600000")
	resp, err := svc.UpdateCar(managerCtx, created.Car.ID, domain.CarUpdateRequest{PurchasePrice: &price})
	require.NoError(t, err)
	assert.Equal(t, "none", resp.Reconciliation)
	require.NotNil(t, resp.Commission)
	assert.True(t, resp.Commission.Paid)
	assert.True(t, resp.Commission.Amount.Equal(dec("25000")))

	got, err := svc.GetBroker(ownerCtx, broker.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalCommissionDue.IsZero())
	assert.True(t, got.TotalCommissionPaid.Equal(dec("25000")))
}

func TestReconcileCarIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "500000", domain.CommissionPercentage, "5")

	for i := 0; i < 3; i++ {
		resp, err := svc.ReconcileCar(managerCtx, created.Car.ID)
		require.NoError(t, err)
		assert.Equal(t, "none", resp.Reconciliation)
		assert.Equal(t, created.Commission.ID, resp.Commission.ID)
	}
	assert.True(t, brokerDue(t, svc, broker.ID).Equal(dec("25000")))
}

func TestMarkCommissionPaidIsOwnerOnly(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "10000")

	for _, ctx := range []context.Context{managerCtx, salesCtx, context.Background()} {
		_, err := svc.MarkCommissionPaid(ctx, created.Commission.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	}

	record, err := svc.GetCommission(ownerCtx, created.Commission.ID)
	require.NoError(t, err)
	assert.False(t, record.Paid)
	assert.True(t, brokerDue(t, svc, broker.ID).Equal(dec("10000")))
}

func TestMarkCommissionPaidTwiceFails(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "10000")

	resp, err := svc.MarkCommissionPaid(ownerCtx, created.Commission.ID)
	require.NoError(t, err)
	assert.True(t, resp.Commission.Paid)
	require.NotNil(t, resp.Commission.PaidAt)
	assert.True(t, resp.Broker.TotalCommissionDue.IsZero())
	assert.True(t, resp.Broker.TotalCommissionPaid.Equal(dec("10000")))

	_, err = svc.MarkCommissionPaid(ownerCtx, created.Commission.ID)
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	got, err := svc.GetBroker(ownerCtx, broker.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalCommissionPaid.Equal(dec("10000")))
}

func TestRecordSale(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "10000")

	_, err := svc.RecordSale(salesCtx, created.Car.ID, domain.SaleRequest{
		CustomerName: "Siti",
		PaymentType:  domain.PaymentHirePurchase,
		Amount:       dec("120000"),
		DownPayment:  dec("130000"),
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	resp, err := svc.RecordSale(salesCtx, created.Car.ID, domain.SaleRequest{
		CustomerName: "Siti",
		PaymentType:  domain.PaymentHirePurchase,
		Amount:       dec("120000"),
		DownPayment:  dec("12000"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CarStatusSold, resp.Car.Status)
	assert.Equal(t, "sales", resp.Sale.RecordedBy)
	require.NotNil(t, resp.Commission)
	assert.True(t, resp.Commission.Amount.Equal(dec("10000")))

	_, err = svc.RecordSale(salesCtx, created.Car.ID, domain.SaleRequest{
		CustomerName: "Budi",
		PaymentType:  domain.PaymentCash,
		Amount:       dec("120000"),
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestListCommissionsFiltersByPaid(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	first := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "1000")
	createBrokeredCar(t, svc, "STK-2", broker.ID, "100000", domain.CommissionFixed, "2000")
	_, err := svc.MarkCommissionPaid(ownerCtx, first.Commission.ID)
	require.NoError(t, err)

	unpaid := false
	resp, err := svc.ListCommissions(managerCtx, domain.CommissionFilter{BrokerID: broker.ID, Paid: &unpaid})
	require.NoError(t, err)
	require.Len(t, resp.Commissions, 1)
	assert.True(t, resp.Commissions[0].Amount.Equal(dec("2000")))

	_, err = svc.ListCommissions(salesCtx, domain.CommissionFilter{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRebuildBrokerTotalsIsOwnerOnly(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "1000")

	_, err := svc.RebuildBrokerTotals(managerCtx)
	assert.ErrorIs(t, err, ErrForbidden)

	resp, err := svc.RebuildBrokerTotals(ownerCtx)
	require.NoError(t, err)
	assert.Empty(t, resp.Corrections)
	assert.NotEmpty(t, resp.RebuiltAt)
}

func TestMutationsWriteAuditLogs(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "1000")
	_, err := svc.MarkCommissionPaid(ownerCtx, created.Commission.ID)
	require.NoError(t, err)

	logs, err := svc.ListAuditLogs(ownerCtx, time.Now().UTC().Format("2006-01-02"), 50)
	require.NoError(t, err)
	actions := map[string]string{}
	for _, entry := range logs {
		actions[entry.Action] = entry.ActorUsername
	}
	assert.Equal(t, "manager", actions["broker_create"])
	assert.Equal(t, "manager", actions["car_create"])
	assert.Equal(t, "owner", actions["commission_paid"])
}

type recordingCache struct {
	sets    map[string]domain.Broker
	deletes []string
}

func (c *recordingCache) Get(_ context.Context, id string) (*domain.Broker, bool, error) {
	b, ok := c.sets[id]
	if !ok {
		return nil, false, nil
	}
	return &b, true, nil
}

func (c *recordingCache) Set(_ context.Context, broker *domain.Broker, _ time.Duration) error {
	c.sets[broker.ID] = *broker
	return nil
}

func (c *recordingCache) Delete(_ context.Context, ids ...string) error {
	for _, id := range ids {
		delete(c.sets, id)
		c.deletes = append(c.deletes, id)
	}
	return nil
}

func TestLedgerMutationsInvalidateBrokerCache(t *testing.T) {
	rc := &recordingCache{sets: map[string]domain.Broker{}}
	svc := New(memory.New(), rc, time.Minute, zap.NewNop())
	broker := createBroker(t, svc, "Ahmad")

	_, err := svc.GetBroker(ownerCtx, broker.ID)
	require.NoError(t, err)
	assert.Contains(t, rc.sets, broker.ID)

	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "1000")
	assert.NotContains(t, rc.sets, broker.ID)
	assert.True(t, brokerDue(t, svc, broker.ID).Equal(dec("1000")))

	_, err = svc.MarkCommissionPaid(ownerCtx, created.Commission.ID)
	require.NoError(t, err)
	assert.NotContains(t, rc.sets, broker.ID)
	assert.True(t, brokerDue(t, svc, broker.ID).IsZero())
}

type failingRepo struct {
	store.Repository
	err error
}

func (r failingRepo) MarkCommissionPaid(context.Context, string, time.Time) (*domain.CommissionRecord, *domain.Broker, error) {
	return nil, nil, r.err
}

func (r failingRepo) CreateBroker(context.Context, domain.Broker) (*domain.Broker, error) {
	return nil, r.err
}

func TestStoreFailuresSurfaceAsPersistenceErrors(t *testing.T) {
	dbDown := errors.New("connection refused")
	svc := New(failingRepo{err: dbDown}, nil, time.Minute, zap.NewNop())

	_, err := svc.MarkCommissionPaid(ownerCtx, "cr-1")
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "mark commission paid", perr.Op)
	assert.ErrorIs(t, err, dbDown)

	_, err = svc.CreateBroker(ownerCtx, domain.BrokerCreateRequest{Name: "Ahmad"})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "create broker", perr.Op)
}

func TestDomainErrorsAreNotWrapped(t *testing.T) {
	svc := New(failingRepo{err: store.ErrAlreadyPaid}, nil, time.Minute, zap.NewNop())

	_, err := svc.MarkCommissionPaid(ownerCtx, "cr-1")
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	var perr *PersistenceError
	assert.False(t, errors.As(err, &perr))
}

func TestLedgerScenario(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")

	created := createBrokeredCar(t, svc, "STK-1", broker.ID, "500000", domain.CommissionPercentage, "5")
	require.True(t, created.Commission.Amount.Equal(dec("25000")))

	_, err := svc.MarkCommissionPaid(ownerCtx, created.Commission.ID)
	require.NoError(t, err)

	price := dec("600000")
	_, err = svc.UpdateCar(managerCtx, created.Car.ID, domain.CarUpdateRequest{PurchasePrice: &price})
	require.NoError(t, err)

	got, err := svc.GetBroker(ownerCtx, broker.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalCommissionDue.IsZero())
	assert.True(t, got.TotalCommissionPaid.Equal(dec("25000")))

	record, err := svc.GetCommission(ownerCtx, created.Commission.ID)
	require.NoError(t, err)
	assert.True(t, record.Paid)
	assert.True(t, record.Amount.Equal(dec("25000")))
}

func TestListCarsFiltersByStatus(t *testing.T) {
	svc := newTestService(t)
	broker := createBroker(t, svc, "Ahmad")
	first := createBrokeredCar(t, svc, "STK-1", broker.ID, "100000", domain.CommissionFixed, "1000")
	createBrokeredCar(t, svc, "STK-2", broker.ID, "100000", domain.CommissionFixed, "1000")

	_, err := svc.RecordSale(salesCtx, first.Car.ID, domain.SaleRequest{CustomerName: "Siti", PaymentType: domain.PaymentCash, Amount: dec("110000")})
	require.NoError(t, err)

	sold, err := svc.ListCars(salesCtx, "SOLD", 0)
	require.NoError(t, err)
	require.Len(t, sold, 1)
	assert.Equal(t, "STK-1", sold[0].StockNumber)

	all, err := svc.ListCars(salesCtx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.ListCars(salesCtx, "reserved", 0)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}
