package model

import "time"

// PresenceStatus is a user's self-reported liveness state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// TradingSession is the optional active-session sub-record on a Presence.
type TradingSession struct {
	StartTime     time.Time `json:"startTime"`
	ActiveSymbols []string  `json:"activeSymbols"`
	TotalTrades   int       `json:"totalTrades"`
}

// Presence is one user's liveness record. LastSeen is monotonically
// non-decreasing; a record goes logically stale once LastSeen falls outside
// the staleness window, regardless of the stored Status.
type Presence struct {
	UserID         string          `json:"userId"`
	Status         PresenceStatus  `json:"status"`
	LastSeen       time.Time       `json:"lastSeen"`
	CurrentPage    string          `json:"currentPage,omitempty"`
	TradingSession *TradingSession `json:"tradingSession,omitempty"`
}
