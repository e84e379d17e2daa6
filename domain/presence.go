package domain

import "time"

// PresenceEntry describes a user currently viewing a project room.
type PresenceEntry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// PresenceFromUser converts a user into a presence entry.
func PresenceFromUser(u User) PresenceEntry {
	return PresenceEntry{UserID: u.ID, DisplayName: u.DisplayName(), AvatarRef: u.Avatar}
}

// Editor is one holder of the soft editing lock on a task.
type Editor struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	IsTyping    bool      `json:"isTyping"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ActivityTyping is the only user-activity action the board reacts to.
const ActivityTyping = "typing"
