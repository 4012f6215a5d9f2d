package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dealerdesk/backend/internal/cache"
	"dealerdesk/backend/internal/commission"
	"dealerdesk/backend/internal/domain"
	"dealerdesk/backend/internal/store"
	"dealerdesk/backend/internal/xid"
)

var maxPercentage = decimal.NewFromInt(100)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	brokers  cache.BrokerCache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo store.Repository, brokerCache cache.BrokerCache, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if brokerCache == nil {
		brokerCache = cache.NoopBrokerCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		brokers:  brokerCache,
		cacheTTL: cacheTTL,
		logger:   logger.Named("service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !slices.Contains(roles, actor.Role) {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (s *Service) CreateBroker(ctx context.Context, req domain.BrokerCreateRequest) (domain.Broker, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.Broker{}, err
	}

	broker := domain.Broker{
		ID:    xid.New("broker"),
		Name:  strings.TrimSpace(req.Name),
		Phone: strings.TrimSpace(req.Phone),
		Email: strings.ToLower(strings.TrimSpace(req.Email)),
	}
	if broker.Name == "" {
		return domain.Broker{}, fmt.Errorf("%w: broker name required", store.ErrInvalidTransaction)
	}

	created, err := s.repo.CreateBroker(ctx, broker)
	if err != nil {
		return domain.Broker{}, wrapStoreError("create broker", err)
	}

	s.logAudit(ctx, "broker_create", "broker", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

func (s *Service) ListBrokers(ctx context.Context) ([]domain.Broker, error) {
	brokers, err := s.repo.ListBrokers(ctx)
	if err != nil {
		return nil, wrapStoreError("list brokers", err)
	}
	return brokers, nil
}

// GetBroker serves from the broker cache when possible. Cache failures are
// logged and fall through to the store.
func (s *Service) GetBroker(ctx context.Context, id string) (domain.Broker, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Broker{}, store.ErrInvalidTransaction
	}

	cached, ok, err := s.brokers.Get(ctx, id)
	if err != nil {
		s.logger.Warn("broker cache read failed", zap.String("broker_id", id), zap.Error(err))
	}
	if ok && cached != nil {
		return *cached, nil
	}

	broker, err := s.repo.GetBroker(ctx, id)
	if err != nil {
		return domain.Broker{}, wrapStoreError("get broker", err)
	}
	if err := s.brokers.Set(ctx, broker, s.cacheTTL); err != nil {
		s.logger.Warn("broker cache write failed", zap.String("broker_id", id), zap.Error(err))
	}
	return *broker, nil
}

func (s *Service) CreateCar(ctx context.Context, req domain.CarCreateRequest) (domain.CarResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.CarResponse{}, err
	}

	car := domain.Car{
		StockNumber:     req.StockNumber,
		Make:            req.Make,
		Model:           req.Model,
		Year:            req.Year,
		PurchasePrice:   req.PurchasePrice,
		Status:          domain.CarStatusAvailable,
		BrokerID:        req.BrokerID,
		CommissionType:  req.CommissionType,
		CommissionValue: req.CommissionValue,
	}
	if err := normalizeCar(&car); err != nil {
		return domain.CarResponse{}, err
	}
	s.warnInvalidPolicy(car)

	created, rec, err := s.repo.CreateCar(ctx, car)
	if err != nil {
		return domain.CarResponse{}, wrapStoreError("create car", err)
	}
	s.afterReconcile(ctx, *created, rec, car.BrokerID)

	s.logAudit(ctx, "car_create", "car", created.ID, fmt.Sprintf("stock=%s,price=%s,broker=%s,commission=%s", created.StockNumber, created.PurchasePrice, created.BrokerID, rec.Action))
	return toCarResponse(*created, rec), nil
}

// UpdateCar applies a partial update under the store's row lock. Commission
// reconciliation runs in the same transaction when a commission input changed.
func (s *Service) UpdateCar(ctx context.Context, id string, req domain.CarUpdateRequest) (domain.CarResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.CarResponse{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.CarResponse{}, store.ErrInvalidTransaction
	}

	before, after, rec, err := s.repo.UpdateCar(ctx, id, func(current domain.Car) (domain.Car, error) {
		next := current
		applyCarPatch(&next, req)
		if err := normalizeCar(&next); err != nil {
			return domain.Car{}, err
		}
		return next, nil
	})
	if err != nil {
		return domain.CarResponse{}, wrapStoreError("update car", err)
	}
	s.warnInvalidPolicy(*after)
	s.afterReconcile(ctx, *after, rec, before.BrokerID, after.BrokerID)

	s.logAudit(ctx, "car_update", "car", after.ID, fmt.Sprintf("price=%s->%s,broker=%s->%s,commission=%s", before.PurchasePrice, after.PurchasePrice, before.BrokerID, after.BrokerID, rec.Action))
	return toCarResponse(*after, rec), nil
}

func (s *Service) GetCar(ctx context.Context, id string) (domain.CarResponse, error) {
	car, err := s.repo.GetCar(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.CarResponse{}, wrapStoreError("get car", err)
	}
	record, err := s.repo.GetCommissionByCar(ctx, car.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.CarResponse{}, wrapStoreError("get car commission", err)
	}
	return domain.CarResponse{Car: *car, Commission: record}, nil
}

func (s *Service) ListCars(ctx context.Context, status string, limit int) ([]domain.Car, error) {
	carStatus := domain.CarStatus(strings.ToLower(strings.TrimSpace(status)))
	if carStatus != "" && carStatus != domain.CarStatusAvailable && carStatus != domain.CarStatusSold {
		return nil, fmt.Errorf("%w: unknown car status %q", store.ErrInvalidTransaction, status)
	}
	if limit < 1 {
		limit = 100
	}
	cars, err := s.repo.ListCars(ctx, carStatus, limit)
	if err != nil {
		return nil, wrapStoreError("list cars", err)
	}
	return cars, nil
}

// ReconcileCar re-runs commission reconciliation for a car without changing
// it. It is safe to call any number of times.
func (s *Service) ReconcileCar(ctx context.Context, id string) (domain.CarResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.CarResponse{}, err
	}
	id = strings.TrimSpace(id)

	rec, err := s.repo.ReconcileCar(ctx, id)
	if err != nil {
		return domain.CarResponse{}, wrapStoreError("reconcile car", err)
	}
	car, err := s.repo.GetCar(ctx, id)
	if err != nil {
		return domain.CarResponse{}, wrapStoreError("get car", err)
	}
	s.afterReconcile(ctx, *car, rec, car.BrokerID)
	if rec.Action != commission.ActionNone {
		s.logAudit(ctx, "car_reconcile", "car", car.ID, fmt.Sprintf("commission=%s", rec.Action))
	}
	return toCarResponse(*car, rec), nil
}

func (s *Service) RecordSale(ctx context.Context, carID string, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager, domain.RoleSales)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		CarID:         strings.TrimSpace(carID),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		PaymentType:   domain.PaymentType(strings.ToLower(strings.TrimSpace(string(req.PaymentType)))),
		Amount:        req.Amount,
		DownPayment:   req.DownPayment,
		RecordedBy:    actor.Username,
		SoldAt:        s.now(),
	}
	if err := validateSale(&sale); err != nil {
		return domain.SaleResponse{}, err
	}

	created, car, rec, err := s.repo.RecordSale(ctx, sale)
	if err != nil {
		return domain.SaleResponse{}, wrapStoreError("record sale", err)
	}
	s.afterReconcile(ctx, *car, rec, car.BrokerID)

	s.logAudit(ctx, "car_sale", "car", car.ID, fmt.Sprintf("sale=%s,payment=%s,amount=%s", created.ID, created.PaymentType, created.Amount))
	return domain.SaleResponse{Sale: *created, Car: *car, Commission: rec.Record}, nil
}

func (s *Service) ListCommissions(ctx context.Context, filter domain.CommissionFilter) (domain.CommissionListResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.CommissionListResponse{}, err
	}
	filter.BrokerID = strings.TrimSpace(filter.BrokerID)
	if filter.Limit < 1 {
		filter.Limit = 100
	}

	records, err := s.repo.ListCommissions(ctx, filter)
	if err != nil {
		return domain.CommissionListResponse{}, wrapStoreError("list commissions", err)
	}
	return domain.CommissionListResponse{Commissions: records}, nil
}

func (s *Service) GetCommission(ctx context.Context, id string) (domain.CommissionRecord, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.CommissionRecord{}, err
	}
	record, err := s.repo.GetCommission(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.CommissionRecord{}, wrapStoreError("get commission", err)
	}
	return *record, nil
}

// MarkCommissionPaid settles one commission record. Only the owner may pay;
// paying twice returns ErrAlreadyPaid and changes nothing.
func (s *Service) MarkCommissionPaid(ctx context.Context, id string) (domain.MarkPaidResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOwner); err != nil {
		return domain.MarkPaidResponse{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.MarkPaidResponse{}, store.ErrInvalidTransaction
	}

	record, broker, err := s.repo.MarkCommissionPaid(ctx, id, s.now())
	if err != nil {
		return domain.MarkPaidResponse{}, wrapStoreError("mark commission paid", err)
	}
	s.invalidateBrokers(ctx, broker.ID)

	s.logger.Info("commission paid",
		zap.String("commission_id", record.ID),
		zap.String("broker_id", broker.ID),
		zap.String("amount", record.Amount.String()))
	s.logAudit(ctx, "commission_paid", "commission", record.ID, fmt.Sprintf("broker=%s,amount=%s", broker.ID, record.Amount))
	return domain.MarkPaidResponse{Commission: *record, Broker: *broker}, nil
}

// RebuildBrokerTotals recomputes every broker's totals from its commission
// records and reports the brokers that had drifted.
func (s *Service) RebuildBrokerTotals(ctx context.Context) (domain.RebuildTotalsResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOwner); err != nil {
		return domain.RebuildTotalsResponse{}, err
	}

	corrections, err := s.repo.RebuildBrokerTotals(ctx)
	if err != nil {
		return domain.RebuildTotalsResponse{}, wrapStoreError("rebuild broker totals", err)
	}

	ids := make([]string, 0, len(corrections))
	for _, c := range corrections {
		ids = append(ids, c.BrokerID)
		s.logger.Warn("broker totals corrected",
			zap.String("broker_id", c.BrokerID),
			zap.String("due_before", c.DueBefore.String()),
			zap.String("due_after", c.DueAfter.String()),
			zap.String("paid_before", c.PaidBefore.String()),
			zap.String("paid_after", c.PaidAfter.String()))
	}
	s.invalidateBrokers(ctx, ids...)

	s.logAudit(ctx, "broker_totals_rebuild", "broker", "*", fmt.Sprintf("corrected=%d", len(corrections)))
	return domain.RebuildTotalsResponse{
		Corrections: corrections,
		RebuiltAt:   s.now().Format(time.RFC3339),
	}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	logs, err := s.repo.ListAuditLogs(ctx, from, to, limit)
	if err != nil {
		return nil, wrapStoreError("list audit logs", err)
	}
	return logs, nil
}

// afterReconcile drops cached snapshots of every broker whose totals may have
// moved and records the outcome at debug level.
func (s *Service) afterReconcile(ctx context.Context, car domain.Car, rec store.Reconciliation, brokerIDs ...string) {
	s.logger.Debug("commission reconciled",
		zap.String("car_id", car.ID),
		zap.String("action", string(rec.Action)))
	if rec.Action == commission.ActionNone {
		return
	}
	if rec.Record != nil {
		brokerIDs = append(brokerIDs, rec.Record.BrokerID)
	}
	s.invalidateBrokers(ctx, brokerIDs...)
}

func (s *Service) invalidateBrokers(ctx context.Context, ids ...string) {
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(unique, id) {
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		return
	}
	if err := s.brokers.Delete(ctx, unique...); err != nil {
		s.logger.Warn("broker cache invalidation failed", zap.Strings("broker_ids", unique), zap.Error(err))
	}
}

func (s *Service) warnInvalidPolicy(car domain.Car) {
	if car.BrokerID == "" {
		return
	}
	if err := commission.CheckPolicy(car.CommissionType, car.CommissionValue); err != nil {
		s.logger.Warn("commission policy yields no commission",
			zap.String("car_id", car.ID),
			zap.String("broker_id", car.BrokerID),
			zap.String("commission_type", string(car.CommissionType)),
			zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: domain.RoleSystem}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err))
	}
}

func applyCarPatch(car *domain.Car, req domain.CarUpdateRequest) {
	if req.Make != nil {
		car.Make = *req.Make
	}
	if req.Model != nil {
		car.Model = *req.Model
	}
	if req.Year != nil {
		car.Year = *req.Year
	}
	if req.PurchasePrice != nil {
		car.PurchasePrice = *req.PurchasePrice
	}
	if req.BrokerID != nil {
		car.BrokerID = *req.BrokerID
	}
	if req.CommissionType != nil {
		car.CommissionType = *req.CommissionType
	}
	if req.CommissionValue != nil {
		value := *req.CommissionValue
		car.CommissionValue = &value
	}
	if req.ClearBroker {
		car.BrokerID = ""
	}
}

// normalizeCar trims and validates the CRUD-level fields of a car. A car
// without a broker carries no commission policy.
func normalizeCar(car *domain.Car) error {
	car.StockNumber = strings.ToUpper(strings.TrimSpace(car.StockNumber))
	car.Make = strings.TrimSpace(car.Make)
	car.Model = strings.TrimSpace(car.Model)
	car.BrokerID = strings.TrimSpace(car.BrokerID)
	car.CommissionType = domain.CommissionType(strings.ToLower(strings.TrimSpace(string(car.CommissionType))))

	if car.StockNumber == "" {
		return fmt.Errorf("%w: stock number required", store.ErrInvalidTransaction)
	}
	if !car.PurchasePrice.IsPositive() {
		return fmt.Errorf("%w: purchase price must be positive", store.ErrInvalidTransaction)
	}
	if car.Year < 0 {
		return fmt.Errorf("%w: year must not be negative", store.ErrInvalidTransaction)
	}

	switch car.CommissionType {
	case domain.CommissionNone, domain.CommissionFixed, domain.CommissionPercentage:
	default:
		return fmt.Errorf("%w: unknown commission type %q", store.ErrInvalidTransaction, car.CommissionType)
	}

	if car.BrokerID == "" || car.CommissionType == domain.CommissionNone {
		car.CommissionType = domain.CommissionNone
		car.CommissionValue = nil
	}
	if car.CommissionType == domain.CommissionPercentage && car.CommissionValue != nil && car.CommissionValue.GreaterThan(maxPercentage) {
		return fmt.Errorf("%w: percentage commission above 100", store.ErrInvalidTransaction)
	}
	return nil
}

func validateSale(sale *domain.Sale) error {
	if sale.CarID == "" {
		return fmt.Errorf("%w: car id required", store.ErrInvalidTransaction)
	}
	if sale.CustomerName == "" {
		return fmt.Errorf("%w: customer name required", store.ErrInvalidTransaction)
	}
	if !sale.Amount.IsPositive() {
		return fmt.Errorf("%w: sale amount must be positive", store.ErrInvalidTransaction)
	}

	switch sale.PaymentType {
	case domain.PaymentCash:
		if !sale.DownPayment.IsZero() {
			return fmt.Errorf("%w: cash sales take no down payment", store.ErrInvalidTransaction)
		}
	case domain.PaymentHirePurchase:
		if sale.DownPayment.IsNegative() || sale.DownPayment.GreaterThanOrEqual(sale.Amount) {
			return fmt.Errorf("%w: down payment must be below the sale amount", store.ErrInvalidTransaction)
		}
	default:
		return fmt.Errorf("%w: unknown payment type %q", store.ErrInvalidTransaction, sale.PaymentType)
	}
	return nil
}

func toCarResponse(car domain.Car, rec store.Reconciliation) domain.CarResponse {
	return domain.CarResponse{
		Car:            car,
		Commission:     rec.Record,
		Reconciliation: string(rec.Action),
	}
}
