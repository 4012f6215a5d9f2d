package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"dealerdesk/backend/internal/commission"
	"dealerdesk/backend/internal/domain"
	"dealerdesk/backend/internal/store"
	"dealerdesk/backend/internal/xid"
)

const (
	brokerColumns     = `id, name, phone, email, total_commission_due, total_commission_paid, created_at`
	carColumns        = `id, stock_number, make, model, year, purchase_price, status, COALESCE(broker_id, ''), commission_type, commission_value, created_at, updated_at`
	commissionColumns = `id, broker_id, car_id, commission_amount, is_paid, paid_at, created_at, updated_at`
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanBroker(row rowScanner) (*domain.Broker, error) {
	var b domain.Broker
	if err := row.Scan(&b.ID, &b.Name, &b.Phone, &b.Email, &b.TotalCommissionDue, &b.TotalCommissionPaid, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

func scanCar(row rowScanner) (*domain.Car, error) {
	var (
		c     domain.Car
		kind  string
		value decimal.NullDecimal
	)
	if err := row.Scan(&c.ID, &c.StockNumber, &c.Make, &c.Model, &c.Year, &c.PurchasePrice, &c.Status, &c.BrokerID, &kind, &value, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CommissionType = domain.CommissionType(kind)
	if value.Valid {
		v := value.Decimal
		c.CommissionValue = &v
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanCommission(row rowScanner) (*domain.CommissionRecord, error) {
	var (
		r      domain.CommissionRecord
		paidAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.BrokerID, &r.CarID, &r.Amount, &r.Paid, &paidAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		r.PaidAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func (s *Store) CreateBroker(ctx context.Context, broker domain.Broker) (*domain.Broker, error) {
	if strings.TrimSpace(broker.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if broker.ID == "" {
		broker.ID = xid.New("broker")
	}
	if broker.CreatedAt.IsZero() {
		broker.CreatedAt = s.now()
	}
	broker.TotalCommissionDue = decimal.Zero
	broker.TotalCommissionPaid = decimal.Zero

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO brokers (id, name, phone, email, total_commission_due, total_commission_paid, created_at)
		VALUES ($1,$2,$3,$4,0,0,$5)
	`, broker.ID, broker.Name, broker.Phone, broker.Email, broker.CreatedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}

	created := broker
	return &created, nil
}

func (s *Store) GetBroker(ctx context.Context, id string) (*domain.Broker, error) {
	broker, err := scanBroker(s.db.QueryRowContext(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return broker, nil
}

func (s *Store) ListBrokers(ctx context.Context) ([]domain.Broker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+brokerColumns+` FROM brokers ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	brokers := make([]domain.Broker, 0, 32)
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, err
		}
		brokers = append(brokers, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return brokers, nil
}

func (s *Store) CreateCar(ctx context.Context, car domain.Car) (*domain.Car, store.Reconciliation, error) {
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
	if err := validateCar(car); err != nil {
		return nil, store.Reconciliation{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, store.Reconciliation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cars (
			id, stock_number, make, model, year, purchase_price, status,
			broker_id, commission_type, commission_value, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, car.ID, car.StockNumber, car.Make, car.Model, car.Year, car.PurchasePrice, car.Status,
		nullIfEmpty(car.BrokerID), string(car.CommissionType), nullDecimal(car.CommissionValue), car.CreatedAt, car.UpdatedAt)
	if err != nil {
		return nil, store.Reconciliation{}, mapWriteError(err)
	}

	rec, err := s.reconcileTx(ctx, tx, car, now)
	if err != nil {
		return nil, store.Reconciliation{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, store.Reconciliation{}, mapWriteError(err)
	}

	created := car
	return &created, rec, nil
}

func (s *Store) UpdateCar(ctx context.Context, id string, mutate store.CarMutation) (*domain.Car, *domain.Car, store.Reconciliation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockCar(ctx, tx, id)
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
	}

	next, err := mutate(*current)
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	now := s.now()
	next.UpdatedAt = now
	if err := validateCar(next); err != nil {
		return nil, nil, store.Reconciliation{}, err
	}
	if current.Status == domain.CarStatusSold && next.Status != domain.CarStatusSold {
		return nil, nil, store.Reconciliation{}, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cars
		SET stock_number = $2, make = $3, model = $4, year = $5, purchase_price = $6, status = $7,
			broker_id = $8, commission_type = $9, commission_value = $10, updated_at = $11
		WHERE id = $1
	`, next.ID, next.StockNumber, next.Make, next.Model, next.Year, next.PurchasePrice, next.Status,
		nullIfEmpty(next.BrokerID), string(next.CommissionType), nullDecimal(next.CommissionValue), next.UpdatedAt)
	if err != nil {
		return nil, nil, store.Reconciliation{}, mapWriteError(err)
	}

	var rec store.Reconciliation
	if domain.CommissionFieldsDiffer(*current, next) {
		rec, err = s.reconcileTx(ctx, tx, next, now)
	} else {
		rec.Action = commission.ActionNone
		rec.Record, err = commissionByCar(ctx, tx, id, false)
	}
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, store.Reconciliation{}, mapWriteError(err)
	}
	return current, &next, rec, nil
}

func (s *Store) GetCar(ctx context.Context, id string) (*domain.Car, error) {
	car, err := scanCar(s.db.QueryRowContext(ctx, `SELECT `+carColumns+` FROM cars WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return car, nil
}

func (s *Store) ListCars(ctx context.Context, status domain.CarStatus, limit int) ([]domain.Car, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+carColumns+`
		FROM cars
		WHERE ($1 = '' OR status = $1)
		ORDER BY stock_number
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cars := make([]domain.Car, 0, limit)
	for rows.Next() {
		c, err := scanCar(rows)
		if err != nil {
			return nil, err
		}
		cars = append(cars, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cars, nil
}

func (s *Store) ReconcileCar(ctx context.Context, id string) (store.Reconciliation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return store.Reconciliation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	car, err := lockCar(ctx, tx, id)
	if err != nil {
		return store.Reconciliation{}, err
	}
	rec, err := s.reconcileTx(ctx, tx, *car, s.now())
	if err != nil {
		return store.Reconciliation{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Reconciliation{}, mapWriteError(err)
	}
	return rec, nil
}

func (s *Store) RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, *domain.Car, store.Reconciliation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	car, err := lockCar(ctx, tx, sale.CarID)
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
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

	sold := *car
	sold.Status = domain.CarStatusSold
	sold.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		UPDATE cars SET status = $2, updated_at = $3 WHERE id = $1
	`, sold.ID, sold.Status, sold.UpdatedAt); err != nil {
		return nil, nil, store.Reconciliation{}, mapWriteError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, car_id, customer_name, customer_phone, payment_type, amount, down_payment, recorded_by, sold_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.CarID, sale.CustomerName, sale.CustomerPhone, string(sale.PaymentType), sale.Amount, sale.DownPayment, sale.RecordedBy, sale.SoldAt)
	if err != nil {
		return nil, nil, store.Reconciliation{}, mapWriteError(err)
	}

	rec, err := s.reconcileTx(ctx, tx, sold, now)
	if err != nil {
		return nil, nil, store.Reconciliation{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, store.Reconciliation{}, mapWriteError(err)
	}
	created := sale
	return &created, &sold, rec, nil
}

func (s *Store) GetCommission(ctx context.Context, id string) (*domain.CommissionRecord, error) {
	record, err := scanCommission(s.db.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commission_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

func (s *Store) GetCommissionByCar(ctx context.Context, carID string) (*domain.CommissionRecord, error) {
	record, err := commissionByCar(ctx, s.db, carID, false)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, store.ErrNotFound
	}
	return record, nil
}

func (s *Store) ListCommissions(ctx context.Context, filter domain.CommissionFilter) ([]domain.CommissionRecord, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	var paid any
	if filter.Paid != nil {
		paid = *filter.Paid
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commissionColumns+`
		FROM commission_records
		WHERE ($1 = '' OR broker_id = $1)
			AND ($2::boolean IS NULL OR is_paid = $2)
		ORDER BY created_at DESC, id
		LIMIT $3
	`, filter.BrokerID, paid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.CommissionRecord, 0, limit)
	for rows.Next() {
		r, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) MarkCommissionPaid(ctx context.Context, id string, at time.Time) (*domain.CommissionRecord, *domain.Broker, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	record, err := scanCommission(tx.QueryRowContext(ctx, `
		SELECT `+commissionColumns+`
		FROM commission_records
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if record.Paid {
		return nil, nil, store.ErrAlreadyPaid
	}

	paidAt := at.UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE commission_records
		SET is_paid = true, paid_at = $2, updated_at = $2
		WHERE id = $1 AND is_paid = false
	`, id, paidAt)
	if err != nil {
		return nil, nil, mapWriteError(err)
	}

	broker, err := scanBroker(tx.QueryRowContext(ctx, `
		UPDATE brokers
		SET total_commission_due = total_commission_due - $2,
			total_commission_paid = total_commission_paid + $2
		WHERE id = $1
		RETURNING `+brokerColumns,
		record.BrokerID, record.Amount))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, mapWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapWriteError(err)
	}

	record.Paid = true
	record.PaidAt = &paidAt
	record.UpdatedAt = paidAt
	return record, broker, nil
}

func (s *Store) RebuildBrokerTotals(ctx context.Context) ([]domain.BrokerTotalsCorrection, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT id FROM brokers ORDER BY id FOR UPDATE`); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT b.id, b.total_commission_due, b.total_commission_paid,
			COALESCE(SUM(r.commission_amount) FILTER (WHERE NOT r.is_paid), 0),
			COALESCE(SUM(r.commission_amount) FILTER (WHERE r.is_paid), 0)
		FROM brokers b
		LEFT JOIN commission_records r ON r.broker_id = b.id
		GROUP BY b.id, b.total_commission_due, b.total_commission_paid
		ORDER BY b.id
	`)
	if err != nil {
		return nil, err
	}
	corrections := make([]domain.BrokerTotalsCorrection, 0)
	for rows.Next() {
		var c domain.BrokerTotalsCorrection
		if err := rows.Scan(&c.BrokerID, &c.DueBefore, &c.PaidBefore, &c.DueAfter, &c.PaidAfter); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if c.DueBefore.Equal(c.DueAfter) && c.PaidBefore.Equal(c.PaidAfter) {
			continue
		}
		corrections = append(corrections, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, c := range corrections {
		_, err := tx.ExecContext(ctx, `
			UPDATE brokers
			SET total_commission_due = $2, total_commission_paid = $3
			WHERE id = $1
		`, c.BrokerID, c.DueAfter, c.PaidAfter)
		if err != nil {
			return nil, mapWriteError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapWriteError(err)
	}
	return corrections, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleSales
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// reconcileTx plans and executes commission reconciliation for car inside tx.
// Broker totals are adjusted with relative updates so concurrent writers to
// the same broker never lose an increment.
func (s *Store) reconcileTx(ctx context.Context, tx *sql.Tx, car domain.Car, at time.Time) (store.Reconciliation, error) {
	existing, err := commissionByCar(ctx, tx, car.ID, true)
	if err != nil {
		return store.Reconciliation{}, err
	}

	decision := commission.Plan(car, existing)
	if decision.Action == commission.ActionNone {
		return store.Reconciliation{Action: commission.ActionNone, Record: existing}, nil
	}

	for _, adj := range decision.Adjustments {
		res, err := tx.ExecContext(ctx, `
			UPDATE brokers
			SET total_commission_due = total_commission_due + $2
			WHERE id = $1
		`, adj.BrokerID, adj.Due)
		if err != nil {
			return store.Reconciliation{}, mapWriteError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return store.Reconciliation{}, err
		}
		if affected == 0 {
			return store.Reconciliation{}, store.ErrInvalidTransaction
		}
	}

	record := decision.Apply(car, existing, xid.New("cr"), at)
	switch decision.Action {
	case commission.ActionCreate:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO commission_records (id, broker_id, car_id, commission_amount, is_paid, paid_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,false,NULL,$5,$6)
		`, record.ID, record.BrokerID, record.CarID, record.Amount, record.CreatedAt, record.UpdatedAt)
	case commission.ActionUpdate:
		_, err = tx.ExecContext(ctx, `
			UPDATE commission_records
			SET broker_id = $2, commission_amount = $3, updated_at = $4
			WHERE id = $1 AND is_paid = false
		`, record.ID, record.BrokerID, record.Amount, record.UpdatedAt)
	case commission.ActionDelete:
		_, err = tx.ExecContext(ctx, `
			DELETE FROM commission_records WHERE id = $1 AND is_paid = false
		`, existing.ID)
	}
	if err != nil {
		return store.Reconciliation{}, mapWriteError(err)
	}

	return store.Reconciliation{Action: decision.Action, Record: record}, nil
}

func lockCar(ctx context.Context, tx *sql.Tx, id string) (*domain.Car, error) {
	car, err := scanCar(tx.QueryRowContext(ctx, `SELECT `+carColumns+` FROM cars WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return car, nil
}

// commissionByCar returns nil, nil when the car has no record.
func commissionByCar(ctx context.Context, q queryRower, carID string, forUpdate bool) (*domain.CommissionRecord, error) {
	query := `SELECT ` + commissionColumns + ` FROM commission_records WHERE car_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	record, err := scanCommission(q.QueryRowContext(ctx, query, carID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func validateCar(car domain.Car) error {
	if strings.TrimSpace(car.StockNumber) == "" || !car.PurchasePrice.IsPositive() {
		return store.ErrInvalidTransaction
	}
	if car.Status != domain.CarStatusAvailable && car.Status != domain.CarStatusSold {
		return store.ErrInvalidTransaction
	}
	return nil
}

// mapWriteError translates constraint violations into store sentinels and
// passes everything else through.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505", "40001":
		return store.ErrConflict
	case "23503", "23514":
		return store.ErrInvalidTransaction
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
