package model

import "encoding/json"

// Inbound envelope types recognized by the pipeline. Unknown types are
// logged and ignored so the feed can add message kinds without breaking us.
const (
	MsgPriceUpdate  = "price_update"
	MsgMarketUpdate = "market_update"
	MsgStatus       = "status"
	MsgError        = "error"
)

// Envelope is the JSON frame the feed sends for every event.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// ControlMessage is the outbound subscribe/unsubscribe frame. Symbols carries
// topic wire names; non-symbol topics are prefixed with their kind.
type ControlMessage struct {
	Type    string   `json:"type"` // "subscribe" | "unsubscribe"
	Symbols []string `json:"symbols"`
}
