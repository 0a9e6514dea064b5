package store

import (
	"context"

	"spreadguard/internal/store/model"
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction.
	Rollback() error

	// Audit returns the audit record repository within this transaction.
	Audit() AuditRepository
	// Rules returns the risk rule repository within this transaction.
	Rules() RuleRepository
	// Trades returns the trade ledger repository within this transaction.
	Trades() TradeRepository
}

// Store is the entry point for database access.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)
	// Close closes the store connection.
	Close() error
}

// AuditFilter narrows audit queries; zero fields match everything.
type AuditFilter struct {
	Kind      string
	TradeID   string
	SignalID  string
	SinceUnix int64
	Limit     int
}

// AuditRepository is append-only.
type AuditRepository interface {
	Insert(ctx context.Context, rec *model.AuditRecordModel) error
	List(ctx context.Context, f AuditFilter) ([]model.AuditRecordModel, error)
}

// RuleRepository handles risk rule persistence.
type RuleRepository interface {
	ListEnabled(ctx context.Context, ruleSet string) ([]model.RiskRuleModel, error)
	ListAll(ctx context.Context) ([]model.RiskRuleModel, error)
	Save(ctx context.Context, rule *model.RiskRuleModel) error
	// ReplaceSet swaps every rule of one rule set.
	ReplaceSet(ctx context.Context, ruleSet string, rules []model.RiskRuleModel) error
}

// TradeRepository stores trade snapshots and their transition history.
type TradeRepository interface {
	Save(ctx context.Context, trade *model.TradeModel) error
	FindByID(ctx context.Context, id string) (*model.TradeModel, error)
	ListByStates(ctx context.Context, states []string) ([]model.TradeModel, error)
	Delete(ctx context.Context, id string) error
	AppendTransition(ctx context.Context, tr *model.TransitionModel) error
	ListTransitions(ctx context.Context, tradeID string) ([]model.TransitionModel, error)
}
