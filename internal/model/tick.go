package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one timestamped price observation for a symbol. Prices and
// percentages are decimals, not binary floats, so repeated percent/ratio
// computations don't drift. A Tick is immutable once constructed; each new
// tick for a symbol replaces the previously cached one.
type Tick struct {
	Symbol        string           `json:"symbol"`
	Price         decimal.Decimal  `json:"price"`
	Change        decimal.Decimal  `json:"change"`
	ChangePercent decimal.Decimal  `json:"changePercent"`
	Volume        int64            `json:"volume"`
	High24h       decimal.Decimal  `json:"high24h"`
	Low24h        decimal.Decimal  `json:"low24h"`
	MarketCap     *decimal.Decimal `json:"marketCap,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}
