package models

import "time"

// NotificationPriority orders notifications by urgency
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Notification is a message addressed to one user
type Notification struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Priority    NotificationPriority   `json:"priority"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Read        bool                   `json:"read"`
	ReadAt      *time.Time             `json:"read_at,omitempty"`
	Delivered   bool                   `json:"delivered"`
	DeliveredAt *time.Time             `json:"delivered_at,omitempty"`
}

// Expired reports whether the notification has passed its expiry time
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// NotificationEntry is the persisted (id, notification) pair
type NotificationEntry struct {
	ID           string        `json:"id"`
	Notification *Notification `json:"notification"`
}
