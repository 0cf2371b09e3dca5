// Package fanout defines the shared event types and payload shapes exchanged
// between the connection registries, the cross-instance broadcaster, and the
// transport layer.
package fanout

// Role classifies a connected subject for presence accounting.
type Role string

const (
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleMember, RoleAdmin:
		return true
	}
	return false
}

// EventType identifies a domain event carried across the coordination channel
// and down to clients.
type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventMessageUpdated EventType = "message_updated"
	EventMessageDeleted EventType = "message_deleted"
	EventBulkDelete     EventType = "bulk_delete"
	EventDisconnectUser EventType = "disconnect_user"
	EventPresenceChange EventType = "presence_changed"

	EventNotificationNew      EventType = "notification_new"
	EventNotificationUpdated  EventType = "notification_updated"
	EventNotificationDeleted  EventType = "notification_deleted"
	EventNotificationsCleared EventType = "notifications_cleared"
	EventUnreadCountChanged   EventType = "unread_count_changed"
)

// NotificationEvent reports whether the event belongs on the notifications
// channel rather than the chat channel.
func (e EventType) NotificationEvent() bool {
	switch e {
	case EventNotificationNew, EventNotificationUpdated, EventNotificationDeleted,
		EventNotificationsCleared, EventUnreadCountChanged:
		return true
	}
	return false
}

// Message is a chat message as broadcast to clients. Persistence of its
// content is owned by the business layer, not this service.
type Message struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	AuthorID string `json:"authorId"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sentAt"`
}

// Deletion identifies a single removed message.
type Deletion struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// BulkDelete identifies a purge of one subject's messages in a room.
type BulkDelete struct {
	SubjectID string `json:"subjectId"`
	RoomID    string `json:"roomId"`
}

// Disconnect orders every instance to drop a subject's connections.
type Disconnect struct {
	SubjectID string `json:"subjectId"`
	Reason    string `json:"reason"`
}

// PresenceCounts is the fleet-wide connected-subject tally per role.
type PresenceCounts struct {
	Guests  int64 `json:"guests"`
	Members int64 `json:"members"`
	Admins  int64 `json:"admins"`
}

// Notification is a user-facing notification event.
type Notification struct {
	ID        string `json:"id"`
	SubjectID string `json:"subjectId"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

// NotificationsCleared marks all of a subject's notifications as dismissed.
type NotificationsCleared struct {
	SubjectID string `json:"subjectId"`
	ClearedAt int64  `json:"clearedAt"`
}

// UnreadCount is the subject's current unread-notification tally.
type UnreadCount struct {
	SubjectID string `json:"subjectId"`
	Count     int    `json:"count"`
}

// Throttle is one scope's sliding-window budget: at most MaxUnits admitted
// per PerSeconds-long window.
type Throttle struct {
	MaxUnits   int `json:"maxUnits" yaml:"max_units"`
	PerSeconds int `json:"perSeconds" yaml:"per_seconds"`
}
