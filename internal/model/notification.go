package model

import (
	"encoding/json"
	"time"
)

// NotificationType classifies who produced a notification and why.
type NotificationType string

const (
	NotifPriceAlert    NotificationType = "priceAlert"
	NotifNewsAlert     NotificationType = "newsAlert"
	NotifTradeExecuted NotificationType = "tradeExecuted"
	NotifSystemAlert   NotificationType = "systemAlert"
	NotifUserMessage   NotificationType = "userMessage"
)

// NotificationPriority orders delivery urgency for consumers.
type NotificationPriority string

const (
	PriorityLow      NotificationPriority = "low"
	PriorityMedium   NotificationPriority = "medium"
	PriorityHigh     NotificationPriority = "high"
	PriorityCritical NotificationPriority = "critical"
)

// Notification is a single delivered event. Immutable after creation except
// the Read flag. UserID is empty for global broadcasts.
type Notification struct {
	ID        string               `json:"id"`
	Type      NotificationType     `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	UserID    string               `json:"userId,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Priority  NotificationPriority `json:"priority"`
	Read      bool                 `json:"read"`
}
