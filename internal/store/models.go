package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User is an account in the mobile-app backend. Attributes is a flat
// string map mirroring the role claims kept on the identity side
// (committee, committeeRank, spiritTeamId, ...).
type User struct {
	ID               string            `json:"id"`
	Attributes       map[string]string `json:"attributes"`
	PushTokens       []string          `json:"registered_push_tokens"`
	NotificationRefs []uuid.UUID       `json:"notification_refs"`
	Anonymous        bool              `json:"anonymous"`
	LastActiveAt     time.Time         `json:"last_active_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Device is one registered device installation. The push token is nulled
// out (never the whole row deleted) when the delivery service reports the
// endpoint permanently invalid.
type Device struct {
	ID        string     `json:"id"`
	PushToken *string    `json:"push_token,omitempty"`
	UserID    *string    `json:"user_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Notification is a past-notification record. Immutable once created.
type Notification struct {
	ID       uuid.UUID       `json:"id"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SendTime time.Time       `json:"send_time"`
}

// NotificationLink associates a recipient with a notification record.
type NotificationLink struct {
	UserID         string    `json:"user_id"`
	NotificationID uuid.UUID `json:"notification_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// DirectoryEntry is one row of the identity directory.
type DirectoryEntry struct {
	ID                string `json:"id"`
	LastAssociatedUID string `json:"last_associated_uid"`
	UPN               string `json:"upn"`
	Email             string `json:"email"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	SpiritTeamID      string `json:"spirit_team_id"`
	Committee         string `json:"committee"`
	CommitteeRank     string `json:"committee_rank"`
	DBRole            string `json:"db_role"`
	MarathonAccess    bool   `json:"marathon_access"`
	SpiritCaptain     bool   `json:"spirit_captain"`
}

// Team is a fundraising team whose total is synced from the external feed.
type Team struct {
	ID        string    `json:"id"`
	FundTotal float64   `json:"fund_total"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}
