package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dcaengine/internal/models"
	"dcaengine/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) WithTx(ctx context.Context, fn func(repo repository.Repository) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- strategies -------------------------------------------------------------

func (s *Store) CreateStrategy(ctx context.Context, item *models.Strategy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetStrategy(ctx context.Context, id uint64) (*models.Strategy, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Strategy
	err := s.db.WithContext(ctx).Model(&models.Strategy{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListStrategies(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Strategy{})
	if params.UserID != nil && strings.TrimSpace(*params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(*params.UserID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.ToUpper(strings.TrimSpace(*params.Status)))
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	var items []models.Strategy
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) FindDueStrategies(ctx context.Context, now time.Time, limit int) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var items []models.Strategy
	if err := s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("status = ?", models.StrategyStatusActive).
		Where("next_run_at IS NOT NULL").
		Where("next_run_at <= ?", now.UTC()).
		Order("next_run_at asc").
		Limit(normalizeLimit(limit, 500)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateStrategy(ctx context.Context, id uint64, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 || len(updates) == 0 {
		return nil
	}
	fields := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		fields[k] = v
	}
	fields["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("id = ?", id).
		Updates(fields).
		Error
}

func (s *Store) TransitionStrategyStatus(ctx context.Context, id uint64, from []string, to string) (bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return false, nil
	}
	from = cleanStrings(from)
	if len(from) == 0 || strings.TrimSpace(to) == "" {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("id = ?", id).
		Where("status IN ?", from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) AddStrategyTotals(ctx context.Context, id uint64, invested, received decimal.Decimal, nextRunAt *time.Time) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	fields := map[string]any{
		"total_invested": gorm.Expr("total_invested + ?", invested),
		"total_received": gorm.Expr("total_received + ?", received),
		"updated_at":     time.Now().UTC(),
	}
	if nextRunAt != nil {
		fields["next_run_at"] = nextRunAt.UTC()
	}
	res := s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// --- executions -------------------------------------------------------------

// CreateExecution inserts a PENDING row unless the strategy already has an open
// execution. The strategy row is locked for the duration of the check so two
// workers cannot both pass it.
func (s *Store) CreateExecution(ctx context.Context, item *models.Execution) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockStrategyRow(tx, item.StrategyID); err != nil {
			return err
		}
		open, err := countOpenExecutions(tx, item.StrategyID, 0)
		if err != nil {
			return err
		}
		if open > 0 {
			return repository.ErrExecutionInProgress
		}
		if item.Status == "" {
			item.Status = models.ExecutionStatusPending
		}
		return tx.Create(item).Error
	})
}

// ReopenExecution moves a FAILED row back to PENDING for a queue retry of the
// same job, under the same exclusivity rule as CreateExecution.
func (s *Store) ReopenExecution(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.Execution
		if err := tx.Model(&models.Execution{}).Where("id = ?", id).First(&item).Error; err != nil {
			return err
		}
		if err := lockStrategyRow(tx, item.StrategyID); err != nil {
			return err
		}
		open, err := countOpenExecutions(tx, item.StrategyID, id)
		if err != nil {
			return err
		}
		if open > 0 {
			return repository.ErrExecutionInProgress
		}
		res := tx.Model(&models.Execution{}).
			Where("id = ?", id).
			Where("status = ?", models.ExecutionStatusFailed).
			Updates(map[string]any{"status": models.ExecutionStatusPending, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repository.ErrExecutionInProgress
		}
		return nil
	})
}

func (s *Store) GetExecution(ctx context.Context, id uint64) (*models.Execution, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Execution
	err := s.db.WithContext(ctx).Model(&models.Execution{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetExecutionByJobID(ctx context.Context, jobID string) (*models.Execution, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, nil
	}
	var item models.Execution
	err := s.db.WithContext(ctx).Model(&models.Execution{}).Where("job_id = ?", jobID).Order("id desc").First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateExecution(ctx context.Context, id uint64, status string, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	fields := make(map[string]any, len(updates)+2)
	for k, v := range updates {
		fields[k] = v
	}
	if strings.TrimSpace(status) != "" {
		fields["status"] = status
	}
	fields["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ?", id).
		Updates(fields).
		Error
}

func (s *Store) ListExecutions(ctx context.Context, params repository.ListExecutionsParams) ([]models.Execution, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Execution{})
	if params.StrategyID != nil && *params.StrategyID > 0 {
		query = query.Where("strategy_id = ?", *params.StrategyID)
	}
	if statuses := cleanStrings(params.Statuses); len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if kinds := cleanStrings(params.FailureKinds); len(kinds) > 0 {
		query = query.Where("failure_kind IN ?", kinds)
	}
	if params.CreatedBefore != nil && !params.CreatedBefore.IsZero() {
		query = query.Where("created_at < ?", params.CreatedBefore.UTC())
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	var items []models.Execution
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountCompletedExecutions(ctx context.Context, strategyID uint64) (int64, error) {
	if s == nil || s.db == nil || strategyID == 0 {
		return 0, nil
	}
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("strategy_id = ?", strategyID).
		Where("status = ?", models.ExecutionStatusCompleted).
		Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) CountOpenExecutions(ctx context.Context, strategyID uint64) (int64, error) {
	if s == nil || s.db == nil || strategyID == 0 {
		return 0, nil
	}
	return countOpenExecutions(s.db.WithContext(ctx), strategyID, 0)
}

func lockStrategyRow(tx *gorm.DB, strategyID uint64) error {
	var row models.Strategy
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Model(&models.Strategy{}).
		Select("id").
		Where("id = ?", strategyID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

func countOpenExecutions(db *gorm.DB, strategyID, excludeID uint64) (int64, error) {
	query := db.Model(&models.Execution{}).
		Where("strategy_id = ?", strategyID).
		Where("status IN ?", []string{models.ExecutionStatusPending, models.ExecutionStatusExecuting})
	if excludeID > 0 {
		query = query.Where("id <> ?", excludeID)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// --- balances ---------------------------------------------------------------

func (s *Store) GetBalance(ctx context.Context, userID, token string) (*models.Balance, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	userID, token = strings.TrimSpace(userID), normalizeToken(token)
	if userID == "" || token == "" {
		return nil, nil
	}
	var item models.Balance
	err := s.db.WithContext(ctx).
		Model(&models.Balance{}).
		Where("user_id = ? AND token_address = ?", userID, token).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListBalances(ctx context.Context, userID string) ([]models.Balance, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Balance
	if err := s.db.WithContext(ctx).
		Model(&models.Balance{}).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("token_address asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertBalance(ctx context.Context, item *models.Balance) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.UserID = strings.TrimSpace(item.UserID)
	item.TokenAddress = normalizeToken(item.TokenAddress)
	if item.UserID == "" || item.TokenAddress == "" {
		return nil
	}
	if item.LockedAmount.GreaterThan(item.Amount) {
		return repository.ErrInsufficientBalance
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "token_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"amount",
			"locked_amount",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) CreditBalance(ctx context.Context, userID, token string, amount decimal.Decimal) error {
	if s == nil || s.db == nil {
		return nil
	}
	if amount.Sign() <= 0 {
		return nil
	}
	now := time.Now().UTC()
	item := &models.Balance{
		UserID:       strings.TrimSpace(userID),
		TokenAddress: normalizeToken(token),
		Amount:       amount,
		LockedAmount: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "token_address"}},
		DoUpdates: clause.Assignments(map[string]any{
			"amount":     gorm.Expr("balances.amount + excluded.amount"),
			"updated_at": now,
		}),
	}).Create(item).Error
}

// LockBalance reserves amount only if the available part covers it.
func (s *Store) LockBalance(ctx context.Context, userID, token string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	return s.conditionalBalanceUpdate(ctx, userID, token,
		func(q *gorm.DB) *gorm.DB { return q.Where("amount >= locked_amount + ?", amount) },
		map[string]any{"locked_amount": gorm.Expr("locked_amount + ?", amount)},
	)
}

func (s *Store) ReleaseLock(ctx context.Context, userID, token string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	return s.conditionalBalanceUpdate(ctx, userID, token,
		func(q *gorm.DB) *gorm.DB { return q.Where("locked_amount >= ?", amount) },
		map[string]any{"locked_amount": gorm.Expr("locked_amount - ?", amount)},
	)
}

// DebitLocked spends amount out of a lock: both amount and locked_amount drop.
func (s *Store) DebitLocked(ctx context.Context, userID, token string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	return s.conditionalBalanceUpdate(ctx, userID, token,
		func(q *gorm.DB) *gorm.DB { return q.Where("locked_amount >= ? AND amount >= ?", amount, amount) },
		map[string]any{
			"amount":        gorm.Expr("amount - ?", amount),
			"locked_amount": gorm.Expr("locked_amount - ?", amount),
		},
	)
}

func (s *Store) conditionalBalanceUpdate(ctx context.Context, userID, token string, guard func(*gorm.DB) *gorm.DB, fields map[string]any) error {
	if s == nil || s.db == nil {
		return nil
	}
	fields["updated_at"] = time.Now().UTC()
	query := s.db.WithContext(ctx).
		Model(&models.Balance{}).
		Where("user_id = ? AND token_address = ?", strings.TrimSpace(userID), normalizeToken(token))
	res := guard(query).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrInsufficientBalance
	}
	return nil
}

// --- deposits ---------------------------------------------------------------

func (s *Store) CreateDeposit(ctx context.Context, item *models.Deposit) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.TxHash = strings.ToLower(strings.TrimSpace(item.TxHash))
	item.TokenAddress = normalizeToken(item.TokenAddress)
	err := s.db.WithContext(ctx).Create(item).Error
	if isDuplicateKey(err) {
		return repository.ErrDuplicateKey
	}
	return err
}

func (s *Store) GetDepositByTxHash(ctx context.Context, txHash string) (*models.Deposit, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if txHash == "" {
		return nil, nil
	}
	var item models.Deposit
	err := s.db.WithContext(ctx).Model(&models.Deposit{}).Where("tx_hash = ?", txHash).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListDeposits(ctx context.Context, userID string, limit, offset int) ([]models.Deposit, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Deposit
	if err := s.db.WithContext(ctx).
		Model(&models.Deposit{}).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at desc").
		Limit(normalizeLimit(limit, 100)).
		Offset(normalizeOffset(offset)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- users ------------------------------------------------------------------

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.User
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertUser(ctx context.Context, item *models.User) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"wallet_address", "updated_at"}),
	}).Create(item).Error
}

// --- system settings --------------------------------------------------------

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"description",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Where("key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(ctx context.Context) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SystemSetting
	if err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Order("key asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- helpers ----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func normalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

var _ repository.Repository = (*Store)(nil)
