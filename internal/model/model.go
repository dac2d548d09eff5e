package model

import "time"

// Team is a hunt participant group resolved from a team code.
type Team struct {
	ID     string `json:"id"`
	OrgID  string `json:"org_id"`
	HuntID string `json:"hunt_id"`
	Name   string `json:"name"`
	Code   string `json:"-"`
	Active bool   `json:"active"`
}

// DeviceLock binds one device fingerprint to one team until ExpiresAt.
type DeviceLock struct {
	DeviceFingerprint string `json:"device_fingerprint" dynamodbav:"device_fingerprint"`
	TeamID            string `json:"team_id" dynamodbav:"team_id"`
	ExpiresAt         int64  `json:"expires_at" dynamodbav:"expires_at"` // TTL (Unix timestamp)
	CreatedAt         int64  `json:"created_at" dynamodbav:"created_at"`
}

// Expired reports whether the lock is no longer in force at now.
func (l DeviceLock) Expired(now time.Time) bool {
	return l.ExpiresAt <= now.Unix()
}

// ProgressFields are the mutable columns of a progress row.
type ProgressFields struct {
	PhotoURL      *string    `json:"photo_url"`
	Done          bool       `json:"done"`
	CompletedAt   *time.Time `json:"completed_at"`
	RevealedHints int        `json:"revealed_hints"`
	Notes         *string    `json:"notes"`
}

// ProgressRecord is one row per (team, location). Writes are last-write-wins upserts.
type ProgressRecord struct {
	TeamID     string `json:"team_id"`
	LocationID string `json:"location_id"`
	ProgressFields
	UpdatedAt time.Time `json:"updated_at"`
}
