// Package model defines the data models for the scavenger sync core.
package model

import "time"

// LeaderboardEntry represents one row of the server-side ranking view.
// Entries are value objects: an update produces a new entry, never an
// in-place mutation visible to other holders of the same snapshot.
type LeaderboardEntry struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	TotalPoints   int64     `json:"total_points"`
	Level         int       `json:"level"`
	Rank          int       `json:"rank"`
	AvatarURL     string    `json:"avatar_url"`
	LastActiveAt  time.Time `json:"last_active_at"`
	IsCurrentUser bool      `json:"is_current_user"`
}

// LeaderboardPage is one consistent snapshot of a ranking page.
// Entries never exceed the requested page size and are ordered by rank.
type LeaderboardPage struct {
	Entries         []LeaderboardEntry `json:"entries"`
	CurrentPage     int                `json:"current_page"`
	TotalPages      int                `json:"total_pages"`
	TotalEntries    int64              `json:"total_entries"`
	HasNextPage     bool               `json:"has_next_page"`
	HasPreviousPage bool               `json:"has_previous_page"`
	LastUpdated     time.Time          `json:"last_updated"`
}

// EmptyPage returns a page with no entries for the given page number.
func EmptyPage(page int, now time.Time) LeaderboardPage {
	return LeaderboardPage{
		Entries:     []LeaderboardEntry{},
		CurrentPage: page,
		LastUpdated: now,
	}
}

// SyncState enumerates the lifecycle of a sync operation.
type SyncState string

const (
	SyncIdle     SyncState = "idle"
	SyncSyncing  SyncState = "syncing"
	SyncSuccess  SyncState = "success"
	SyncError    SyncState = "error"
	SyncConflict SyncState = "conflict"
)

// SyncStatus reports the outcome of the most recent sync attempt.
type SyncStatus struct {
	State   SyncState `json:"state"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// MigrationStatus tracks the one-shot local-to-remote migration.
// Only the migration coordinator writes it; the version never moves
// backwards.
type MigrationStatus struct {
	IsCompleted    bool       `json:"is_completed"`
	CurrentVersion int        `json:"current_version"`
	TargetVersion  int        `json:"target_version"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
}

// IsNeeded reports whether a migration to TargetVersion is still pending.
func (m MigrationStatus) IsNeeded() bool {
	return !m.IsCompleted || m.CurrentVersion < m.TargetVersion
}

// Profile is a player's remote profile row.
type Profile struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	AvatarURL    string    `json:"avatar_url"`
	TotalPoints  int64     `json:"total_points"`
	Level        int       `json:"level"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// CollectedItem is one collected object in a player's ledger.
// ItemCode is the natural key used to match local records against
// remote ones during migration.
type CollectedItem struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ItemCode    string    `json:"item_code"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Points      int64     `json:"points"`
	CollectedAt time.Time `json:"collected_at"`
}

// CategoryStat is a per-category aggregate for one player.
type CategoryStat struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Category    string    `json:"category"`
	ItemCount   int       `json:"item_count"`
	TotalPoints int64     `json:"total_points"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Achievement is an unlocked achievement row. The remote store enforces
// (user_id, achievement_id) uniqueness, which makes transfers duplicate-safe.
type Achievement struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// LocalProfile is the pre-migration profile snapshot stored on device.
type LocalProfile struct {
	Username    string `json:"username"`
	TotalPoints int64  `json:"total_points"`
	Level       int    `json:"level"`
}

// LocalItem is a pre-migration collected item stored on device.
type LocalItem struct {
	ItemCode    string    `json:"item_code"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Points      int64     `json:"points"`
	CollectedAt time.Time `json:"collected_at"`
}

// LocalCategoryStat is a pre-migration per-category aggregate.
type LocalCategoryStat struct {
	ItemCount   int   `json:"item_count"`
	TotalPoints int64 `json:"total_points"`
}
