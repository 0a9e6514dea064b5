package sqlite

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"spreadguard/internal/store"
	"spreadguard/internal/store/model"
)

type auditRepository struct {
	db *gorm.DB
}

func NewAuditRepo(db *gorm.DB) *auditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Insert(ctx context.Context, rec *model.AuditRecordModel) error {
	if rec == nil {
		return errors.New("audit record cannot be nil")
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// List returns the newest Limit matches in insertion order.
func (r *auditRepository) List(ctx context.Context, f store.AuditFilter) ([]model.AuditRecordModel, error) {
	q := r.db.WithContext(ctx).Model(&model.AuditRecordModel{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.TradeID != "" {
		q = q.Where("trade_id = ?", f.TradeID)
	}
	if f.SignalID != "" {
		q = q.Where("signal_id = ?", f.SignalID)
	}
	if f.SinceUnix > 0 {
		q = q.Where("created_at >= ?", f.SinceUnix)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	var out []model.AuditRecordModel
	if err := q.Order("seq DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type ruleRepository struct {
	db *gorm.DB
}

func NewRuleRepo(db *gorm.DB) *ruleRepository {
	return &ruleRepository{db: db}
}

func (r *ruleRepository) ListEnabled(ctx context.Context, ruleSet string) ([]model.RiskRuleModel, error) {
	q := r.db.WithContext(ctx).Where("enabled = ?", true)
	if ruleSet != "" {
		q = q.Where("rule_set = ?", ruleSet)
	}
	var out []model.RiskRuleModel
	if err := q.Order("priority ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ruleRepository) ListAll(ctx context.Context) ([]model.RiskRuleModel, error) {
	var out []model.RiskRuleModel
	if err := r.db.WithContext(ctx).Order("rule_set ASC, priority ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ruleRepository) Save(ctx context.Context, rule *model.RiskRuleModel) error {
	if rule == nil {
		return errors.New("rule cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(rule).Error
}

func (r *ruleRepository) ReplaceSet(ctx context.Context, ruleSet string, rules []model.RiskRuleModel) error {
	if err := r.db.WithContext(ctx).Where("rule_set = ?", ruleSet).Delete(&model.RiskRuleModel{}).Error; err != nil {
		return err
	}
	for i := range rules {
		rules[i].RuleSet = ruleSet
		if err := r.Save(ctx, &rules[i]); err != nil {
			return err
		}
	}
	return nil
}

type tradeRepository struct {
	db *gorm.DB
}

func NewTradeRepo(db *gorm.DB) *tradeRepository {
	return &tradeRepository{db: db}
}

func (r *tradeRepository) Save(ctx context.Context, trade *model.TradeModel) error {
	if trade == nil {
		return errors.New("trade cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(trade).Error
}

func (r *tradeRepository) FindByID(ctx context.Context, id string) (*model.TradeModel, error) {
	var trade model.TradeModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (r *tradeRepository) ListByStates(ctx context.Context, states []string) ([]model.TradeModel, error) {
	q := r.db.WithContext(ctx)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	var out []model.TradeModel
	if err := q.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the trade and its history.
func (r *tradeRepository) Delete(ctx context.Context, id string) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("trade_id = ?", id).Delete(&model.TransitionModel{}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&model.TradeModel{}).Error
}

func (r *tradeRepository) AppendTransition(ctx context.Context, tr *model.TransitionModel) error {
	if tr == nil {
		return errors.New("transition cannot be nil")
	}
	return r.db.WithContext(ctx).Create(tr).Error
}

func (r *tradeRepository) ListTransitions(ctx context.Context, tradeID string) ([]model.TransitionModel, error) {
	var out []model.TransitionModel
	if err := r.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
