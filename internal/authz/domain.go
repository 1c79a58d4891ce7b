package authz

import "time"

// Device is a registered field device allowed to sync against its hubs.
// The token is stored only as a bcrypt hash.
type Device struct {
	ID         int64
	DeviceID   string
	TokenHash  []byte
	ActorID    int64
	HubIDs     []int64
	Active     bool
	CreatedAt  time.Time
	LastSeenAt *time.Time
}
