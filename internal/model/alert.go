package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertCondition is the rule a price alert evaluates against incoming ticks.
type AlertCondition string

const (
	CondAbove AlertCondition = "above"
	// CondBelow fires when the price drops to or below the target.
	CondBelow AlertCondition = "below"
	// CondChangePercent fires on the magnitude of the move, sign-agnostic.
	CondChangePercent AlertCondition = "changePercent"
)

// Valid reports whether c is a known condition.
func (c AlertCondition) Valid() bool {
	switch c {
	case CondAbove, CondBelow, CondChangePercent:
		return true
	}
	return false
}

// PriceAlert is a user-defined rule evaluated on every tick for its symbol.
// After triggering it stays around as a historical record with IsActive=false;
// an inactive alert is never re-evaluated.
type PriceAlert struct {
	ID                    string           `json:"id"`
	UserID                string           `json:"userId"`
	Symbol                string           `json:"symbol"`
	Condition             AlertCondition   `json:"condition"`
	TargetValue           decimal.Decimal  `json:"targetValue"`
	IsActive              bool             `json:"isActive"`
	CreatedAt             time.Time        `json:"createdAt"`
	TriggeredAt           *time.Time       `json:"triggeredAt,omitempty"`
	CurrentValueAtTrigger *decimal.Decimal `json:"currentValueAtTrigger,omitempty"`
}
