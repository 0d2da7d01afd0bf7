package database

import (
	"time"

	"github.com/linkgate/linkgate/internal/policy"
)

// Link statuses shown in the dashboard's tracking-links table.
const (
	StatusActive       = "active"
	StatusPaused       = "paused"
	StatusExpired      = "expired"
	StatusLimitReached = "limit_reached"
)

// Link is a stored tracking link: its policy plus lifecycle state and
// the cached aggregate counters the dashboard tables read.
type Link struct {
	policy.Policy

	Status string `json:"status" db:"status"`

	// ClickLimit caps total clicks; zero means unlimited. Hitting the
	// cap flips the link to limit_reached.
	ClickLimit int64 `json:"click_limit" db:"click_limit"`

	TotalClicks   int64 `json:"total_clicks" db:"total_clicks"`
	BlockedClicks int64 `json:"blocked_clicks" db:"blocked_clicks"`
	UniqueClicks  int64 `json:"unique_clicks" db:"unique_clicks"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// User is a dashboard account allowed to manage links.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	APIKey       string    `json:"api_key,omitempty" db:"api_key"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at" db:"last_login_at"`
}

// LinkStats are the per-link aggregates for the dashboard.
type LinkStats struct {
	LinkID        string  `json:"link_id"`
	TotalClicks   int64   `json:"total_clicks"`
	BlockedClicks int64   `json:"blocked_clicks"`
	UniqueClicks  int64   `json:"unique_clicks"`
	BlockedShare  float64 `json:"blocked_share"`
}
