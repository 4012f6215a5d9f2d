package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"dealerdesk/backend/internal/commission"
	"dealerdesk/backend/internal/domain"
	"dealerdesk/backend/internal/store"
	"dealerdesk/backend/internal/xid"
)

var _ store.Repository = (*Store)(nil)

// Store is a process-local Repository. Every operation runs under a single
// mutex, which gives each one the all-or-nothing behaviour of a transaction.
type Store struct {
	mu                  sync.RWMutex
	brokers             map[string]domain.Broker
	cars                map[string]domain.Car
	carIDByStockNumber  map[string]string
	commissionsByID     map[string]domain.CommissionRecord
	commissionIDByCarID map[string]string
	salesByID           map[string]domain.Sale
	auditLogs           []domain.AuditLog
	usersByUsername     map[string]domain.UserAccount

	now func() time.Time
	// beforeBrokerAdjust runs after a ledger mutation is staged and before
	// anything is written. Tests use it to inject failures.
	beforeBrokerAdjust func(brokerID string) error
}

func New() *Store {
	return &Store{
		brokers:             make(map[string]domain.Broker),
		cars:                make(map[string]domain.Car),
		carIDByStockNumber:  make(map[string]string),
		commissionsByID:     make(map[string]domain.CommissionRecord),
		commissionIDByCarID: make(map[string]string),
		salesByID:           make(map[string]domain.Sale),
		auditLogs:           make([]domain.AuditLog, 0, 128),
		usersByUsername:     make(map[string]domain.UserAccount),
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// seedUsers builds the initial in-memory staff accounts for dev/demo mode.
// Passwords come from SEED_OWNER_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_SALES_PASSWORD; dev defaults are used when unset.
func seedUsers() map[string]domain.UserAccount {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	salesPwd := envOr("SEED_SALES_PASSWORD", "sales123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_SALES_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials",
			zap.String("hint", "set SEED_OWNER_PASSWORD, SEED_MANAGER_PASSWORD and SEED_SALES_PASSWORD"))
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"owner", ownerPwd, domain.RoleOwner},
		{"manager", managerPwd, domain.RoleManager},
		{"sales", salesPwd, domain.RoleSales},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with staff accounts, two brokers and a small
// unbrokered inventory for local development.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := s.now()
	for _, b := range []domain.Broker{
		{ID: "broker-demo-1", Name: "Ahmad Motor Agency", Phone: "+60123456789"},
		{ID: "broker-demo-2", Name: "Lim Auto Referrals", Phone: "+60198765432"},
	} {
		b.TotalCommissionDue = decimal.Zero
		b.TotalCommissionPaid = decimal.Zero
		b.CreatedAt = now
		s.brokers[b.ID] = b
	}

	for _, c := range []domain.Car{
		{ID: "car-demo-1", StockNumber: "STK-0001", Make: "Toyota", Model: "Vios", Year: 2022, PurchasePrice: decimal.NewFromInt(68000)},
		{ID: "car-demo-2", StockNumber: "STK-0002", Make: "Honda", Model: "City", Year: 2021, PurchasePrice: decimal.NewFromInt(72000)},
		{ID: "car-demo-3", StockNumber: "STK-0003", Make: "Perodua", Model: "Myvi", Year: 2023, PurchasePrice: decimal.NewFromInt(45000)},
	} {
		c.Status = domain.CarStatusAvailable
		c.CreatedAt = now
		c.UpdatedAt = now
		s.cars[c.ID] = c
		s.carIDByStockNumber[c.StockNumber] = c.ID
	}
	return s
}

func (s *Store) CreateBroker(_ context.Context, broker domain.Broker) (*domain.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(broker.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if broker.ID == "" {
		broker.ID = xid.New("broker")
	}
	if _, exists := s.brokers[broker.ID]; exists {
		return nil, store.ErrConflict
	}
	if broker.CreatedAt.IsZero() {
		broker.CreatedAt = s.now()
	}
	broker.TotalCommissionDue = decimal.Zero
	broker.TotalCommissionPaid = decimal.Zero

	s.brokers[broker.ID] = broker
	created := broker
	return &created, nil
}

func (s *Store) GetBroker(_ context.Context, id string) (*domain.Broker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	broker, ok := s.brokers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &broker, nil
}

func (s *Store) ListBrokers(_ context.Context) ([]domain.Broker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	brokers := make([]domain.Broker, 0, len(s.brokers))
	for _, b := range s.brokers {
		brokers = append(brokers, b)
	}
	slices.SortFunc(brokers, func(a, b domain.Broker) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return brokers, nil
}

func (s *Store) CreateCar(_ context.Context, car domain.Car) (*domain.Car, store.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if car.ID == "" {
		car.ID = xid.New("car")
	}
	if car.Status == "" {
		car.Status = domain.CarStatusAvailable
	}
	now := s.now()
	if car.CreatedAt.IsZero() {
		car.CreatedAt = now
	}
	car.UpdatedAt = now

	if err := s.validateCarLocked(car, ""); err != nil {
		return nil, store.Reconciliation{}, err
	}
	if _, exists := s.cars[car.ID]; exists {
		return nil, store.Reconciliation{}, store.ErrConflict
	}

	rec, commit, err := s.stageReconcileLocked(car, now)
	if err != nil {
		return nil, store.Reconciliation{}, err
	}

	s.cars[car.ID] = car
	s.carIDByStockNumber[car.StockNumber] = car.ID
	commit()

	created := car
	return &created, rec, nil
}

func (s *Store) UpdateCar(_ context.Context, id string, mutate store.CarMutation) (*domain.Car, *domain.Car, store.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cars[id]
	if !ok {
		return nil, nil, store.Reconciliation{}, store.ErrNotFound
	}

	next, err := mutate(current)
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	now := s.now()
	next.UpdatedAt = now

	if err := s.validateCarLocked(next, current.ID); err != nil {
		return nil, nil, store.Reconciliation{}, err
	}
	if current.Status == domain.CarStatusSold && next.Status != domain.CarStatusSold {
		return nil, nil, store.Reconciliation{}, store.ErrConflict
	}

	rec := store.Reconciliation{Action: commission.ActionNone, Record: s.commissionByCarLocked(id)}
	commit := func() {}
	if domain.CommissionFieldsDiffer(current, next) {
		rec, commit, err = s.stageReconcileLocked(next, now)
		if err != nil {
			return nil, nil, store.Reconciliation{}, err
		}
	}

	if current.StockNumber != next.StockNumber {
		delete(s.carIDByStockNumber, current.StockNumber)
		s.carIDByStockNumber[next.StockNumber] = next.ID
	}
	s.cars[id] = next
	commit()

	before := current
	after := next
	return &before, &after, rec, nil
}

func (s *Store) GetCar(_ context.Context, id string) (*domain.Car, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	car, ok := s.cars[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &car, nil
}

func (s *Store) ListCars(_ context.Context, status domain.CarStatus, limit int) ([]domain.Car, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	cars := make([]domain.Car, 0, len(s.cars))
	for _, c := range s.cars {
		if status != "" && c.Status != status {
			continue
		}
		cars = append(cars, c)
	}
	slices.SortFunc(cars, func(a, b domain.Car) int {
		return strings.Compare(a.StockNumber, b.StockNumber)
	})
	if len(cars) > limit {
		cars = cars[:limit]
	}
	return cars, nil
}

func (s *Store) ReconcileCar(_ context.Context, id string) (store.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	car, ok := s.cars[id]
	if !ok {
		return store.Reconciliation{}, store.ErrNotFound
	}
	rec, commit, err := s.stageReconcileLocked(car, s.now())
	if err != nil {
		return store.Reconciliation{}, err
	}
	commit()
	return rec, nil
}

func (s *Store) RecordSale(_ context.Context, sale domain.Sale) (*domain.Sale, *domain.Car, store.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	car, ok := s.cars[sale.CarID]
	if !ok {
		return nil, nil, store.Reconciliation{}, store.ErrNotFound
	}
	if car.Status == domain.CarStatusSold {
		return nil, nil, store.Reconciliation{}, store.ErrConflict
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	now := s.now()
	if sale.SoldAt.IsZero() {
		sale.SoldAt = now
	}

	sold := car
	sold.Status = domain.CarStatusSold
	sold.UpdatedAt = now

	rec, commit, err := s.stageReconcileLocked(sold, now)
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
	}

	s.cars[sold.ID] = sold
	s.salesByID[sale.ID] = sale
	commit()

	created := sale
	return &created, &sold, rec, nil
}

func (s *Store) GetCommission(_ context.Context, id string) (*domain.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.commissionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &record, nil
}

func (s *Store) GetCommissionByCar(_ context.Context, carID string) (*domain.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := s.commissionByCarLocked(carID)
	if record == nil {
		return nil, store.ErrNotFound
	}
	return record, nil
}

func (s *Store) ListCommissions(_ context.Context, filter domain.CommissionFilter) ([]domain.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	records := make([]domain.CommissionRecord, 0, len(s.commissionsByID))
	for _, r := range s.commissionsByID {
		if filter.BrokerID != "" && r.BrokerID != filter.BrokerID {
			continue
		}
		if filter.Paid != nil && r.Paid != *filter.Paid {
			continue
		}
		records = append(records, r)
	}
	slices.SortFunc(records, func(a, b domain.CommissionRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) MarkCommissionPaid(_ context.Context, id string, at time.Time) (*domain.CommissionRecord, *domain.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.commissionsByID[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if record.Paid {
		return nil, nil, store.ErrAlreadyPaid
	}
	broker, ok := s.brokers[record.BrokerID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}

	paidAt := at.UTC()
	record.Paid = true
	record.PaidAt = &paidAt
	record.UpdatedAt = paidAt
	broker.TotalCommissionDue = broker.TotalCommissionDue.Sub(record.Amount)
	broker.TotalCommissionPaid = broker.TotalCommissionPaid.Add(record.Amount)

	if s.beforeBrokerAdjust != nil {
		if err := s.beforeBrokerAdjust(broker.ID); err != nil {
			return nil, nil, err
		}
	}

	s.commissionsByID[id] = record
	s.brokers[broker.ID] = broker
	return &record, &broker, nil
}

func (s *Store) RebuildBrokerTotals(_ context.Context) ([]domain.BrokerTotalsCorrection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make(map[string]decimal.Decimal, len(s.brokers))
	paid := make(map[string]decimal.Decimal, len(s.brokers))
	for _, r := range s.commissionsByID {
		if r.Paid {
			paid[r.BrokerID] = paid[r.BrokerID].Add(r.Amount)
		} else {
			due[r.BrokerID] = due[r.BrokerID].Add(r.Amount)
		}
	}

	ids := make([]string, 0, len(s.brokers))
	for id := range s.brokers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	corrections := make([]domain.BrokerTotalsCorrection, 0)
	for _, id := range ids {
		broker := s.brokers[id]
		wantDue, wantPaid := due[id], paid[id]
		if broker.TotalCommissionDue.Equal(wantDue) && broker.TotalCommissionPaid.Equal(wantPaid) {
			continue
		}
		corrections = append(corrections, domain.BrokerTotalsCorrection{
			BrokerID:   id,
			DueBefore:  broker.TotalCommissionDue,
			DueAfter:   wantDue,
			PaidBefore: broker.TotalCommissionPaid,
			PaidAfter:  wantPaid,
		})
		broker.TotalCommissionDue = wantDue
		broker.TotalCommissionPaid = wantPaid
		s.brokers[id] = broker
	}
	return corrections, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleSales
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	if strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// stageReconcileLocked plans the commission reconciliation for car and
// returns a commit func that applies it. Nothing is written until commit is
// called, so callers can still abort.
func (s *Store) stageReconcileLocked(car domain.Car, at time.Time) (store.Reconciliation, func(), error) {
	existing := s.commissionByCarLocked(car.ID)
	decision := commission.Plan(car, existing)
	if decision.Action == commission.ActionNone {
		return store.Reconciliation{Action: commission.ActionNone, Record: existing}, func() {}, nil
	}

	staged := make(map[string]domain.Broker, len(decision.Adjustments))
	for _, adj := range decision.Adjustments {
		broker, ok := staged[adj.BrokerID]
		if !ok {
			broker, ok = s.brokers[adj.BrokerID]
			if !ok {
				return store.Reconciliation{}, nil, store.ErrInvalidTransaction
			}
		}
		broker.TotalCommissionDue = broker.TotalCommissionDue.Add(adj.Due)
		staged[adj.BrokerID] = broker
	}
	if s.beforeBrokerAdjust != nil {
		for id := range staged {
			if err := s.beforeBrokerAdjust(id); err != nil {
				return store.Reconciliation{}, nil, err
			}
		}
	}

	record := decision.Apply(car, existing, xid.New("cr"), at)
	commit := func() {
		for id, broker := range staged {
			s.brokers[id] = broker
		}
		switch decision.Action {
		case commission.ActionCreate, commission.ActionUpdate:
			s.commissionsByID[record.ID] = *record
			s.commissionIDByCarID[car.ID] = record.ID
		case commission.ActionDelete:
			delete(s.commissionsByID, existing.ID)
			delete(s.commissionIDByCarID, car.ID)
		}
	}
	return store.Reconciliation{Action: decision.Action, Record: record}, commit, nil
}

func (s *Store) commissionByCarLocked(carID string) *domain.CommissionRecord {
	id, ok := s.commissionIDByCarID[carID]
	if !ok {
		return nil
	}
	record, ok := s.commissionsByID[id]
	if !ok {
		return nil
	}
	return &record
}

func (s *Store) validateCarLocked(car domain.Car, selfID string) error {
	if strings.TrimSpace(car.StockNumber) == "" || !car.PurchasePrice.IsPositive() {
		return store.ErrInvalidTransaction
	}
	if car.Status != domain.CarStatusAvailable && car.Status != domain.CarStatusSold {
		return store.ErrInvalidTransaction
	}
	if owner, taken := s.carIDByStockNumber[car.StockNumber]; taken && owner != selfID {
		return store.ErrConflict
	}
	if car.BrokerID != "" {
		if _, ok := s.brokers[car.BrokerID]; !ok {
			return store.ErrInvalidTransaction
		}
	}
	return nil
}
