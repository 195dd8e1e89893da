package models

import (
	"hash/fnv"
	"time"
)

// Role is a participant's role in a session
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole returns the role named by s, defaulting to editor
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleOwner, RoleViewer:
		return Role(s)
	}
	return RoleEditor
}

// ParticipantStatus is a participant's presence state
type ParticipantStatus string

const (
	StatusActive       ParticipantStatus = "active"
	StatusIdle         ParticipantStatus = "idle"
	StatusDisconnected ParticipantStatus = "disconnected"
)

// ParticipantPermissions are the capabilities granted to a participant
type ParticipantPermissions struct {
	CanEdit              bool `json:"can_edit"`
	CanComment           bool `json:"can_comment"`
	CanInvite            bool `json:"can_invite"`
	CanManagePermissions bool `json:"can_manage_permissions"`
}

// PermissionsForRole returns the default capabilities of a role
func PermissionsForRole(role Role) ParticipantPermissions {
	switch role {
	case RoleOwner:
		return ParticipantPermissions{CanEdit: true, CanComment: true, CanInvite: true, CanManagePermissions: true}
	case RoleEditor:
		return ParticipantPermissions{CanEdit: true, CanComment: true, CanInvite: true}
	default:
		return ParticipantPermissions{CanComment: true}
	}
}

// Participant is a user taking part in a collaboration session
type Participant struct {
	UserID      string                 `json:"user_id"`
	Username    string                 `json:"username"`
	Role        Role                   `json:"role"`
	Color       string                 `json:"color"`
	JoinedAt    time.Time              `json:"joined_at"`
	LastSeen    time.Time              `json:"last_seen"`
	Status      ParticipantStatus      `json:"status"`
	Permissions ParticipantPermissions `json:"permissions"`
}

var participantColors = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#008080", "#9a6324",
}

// NewParticipant returns an active participant with role defaults applied
func NewParticipant(userID, username string, role Role) *Participant {
	now := time.Now().UTC()
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &Participant{
		UserID:      userID,
		Username:    username,
		Role:        role,
		Color:       participantColors[h.Sum32()%uint32(len(participantColors))],
		JoinedAt:    now,
		LastSeen:    now,
		Status:      StatusActive,
		Permissions: PermissionsForRole(role),
	}
}

// Connection describes one live socket. It is never persisted.
type Connection struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`
}
