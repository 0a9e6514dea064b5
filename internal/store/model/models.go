package model

import (
	"time"

	"gorm.io/datatypes"
)

// Timestamps are stored as unix nanoseconds so transition order survives a round trip.

type AuditRecordModel struct {
	Seq           int64          `gorm:"column:seq;primaryKey;autoIncrement"`
	ID            string         `gorm:"column:id;uniqueIndex"`
	Kind          string         `gorm:"column:kind;index"`
	TradeID       string         `gorm:"column:trade_id;index"`
	SignalID      string         `gorm:"column:signal_id;index"`
	Payload       datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (AuditRecordModel) TableName() string { return "audit_records" }

type RiskRuleModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Name          string         `gorm:"column:name"`
	RuleSet       string         `gorm:"column:rule_set;index"`
	ConditionType string         `gorm:"column:condition_type"`
	Params        datatypes.JSON `gorm:"column:condition_params;type:TEXT"`
	Action        string         `gorm:"column:action"`
	Priority      int            `gorm:"column:priority"`
	Enabled       bool           `gorm:"column:enabled;index"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (RiskRuleModel) TableName() string { return "risk_rules" }

type TradeModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	State         string         `gorm:"column:state;index"`
	BrokerOrderID string         `gorm:"column:broker_order_id"`
	PositionID    string         `gorm:"column:position_id"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (TradeModel) TableName() string { return "trades" }

type TransitionModel struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	TradeID   string         `gorm:"column:trade_id;index"`
	FromState string         `gorm:"column:from_state"`
	ToState   string         `gorm:"column:to_state"`
	AtUnix    int64          `gorm:"column:at"`
	Error     string         `gorm:"column:error"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:TEXT"`
}

func (TransitionModel) TableName() string { return "trade_transitions" }

func ToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func FromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}
