package model

import (
	"fmt"
	"time"

	"scavenger-sync/internal/store"
)

// Resource collection names in the remote store.
const (
	ResourceProfiles      = "player_profiles"
	ResourceItems         = "collected_items"
	ResourceCategoryStats = "category_stats"
	ResourceAchievements  = "achievements"
	ResourceLeaderboard   = "leaderboard_rankings"
)

// Row accessors. pgx surfaces bigint as int64, int as int32 and
// timestamptz as time.Time; these normalize the remaining variance.

func rowString(row store.Row, col string) (string, error) {
	v, ok := row[col]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("column %s: expected string, got %T", col, v)
	}
	return s, nil
}

func rowInt64(row store.Row, col string) (int64, error) {
	v, ok := row[col]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("column %s: expected integer, got %T", col, v)
	}
}

func rowInt(row store.Row, col string) (int, error) {
	n, err := rowInt64(row, col)
	return int(n), err
}

func rowTime(row store.Row, col string) (time.Time, error) {
	v, ok := row[col]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("column %s: expected time, got %T", col, v)
	}
	return t, nil
}

// DecodeLeaderboardEntry maps a ranking-view row into an entry.
// IsCurrentUser is resolved by the leaderboard service, not the codec.
func DecodeLeaderboardEntry(row store.Row) (LeaderboardEntry, error) {
	var e LeaderboardEntry
	var err error
	if e.ID, err = rowString(row, "id"); err != nil {
		return e, err
	}
	if e.Username, err = rowString(row, "username"); err != nil {
		return e, err
	}
	if e.TotalPoints, err = rowInt64(row, "total_points"); err != nil {
		return e, err
	}
	if e.Level, err = rowInt(row, "level"); err != nil {
		return e, err
	}
	if e.Rank, err = rowInt(row, "rank"); err != nil {
		return e, err
	}
	if e.AvatarURL, err = rowString(row, "avatar_url"); err != nil {
		return e, err
	}
	if e.LastActiveAt, err = rowTime(row, "last_active_at"); err != nil {
		return e, err
	}
	return e, nil
}

// EncodeLeaderboardEntry exists to satisfy the codec shape; the
// ranking view is read-only and the store rejects any write to it.
func EncodeLeaderboardEntry(e LeaderboardEntry) store.Row {
	return store.Row{
		"id":             e.ID,
		"username":       e.Username,
		"total_points":   e.TotalPoints,
		"level":          e.Level,
		"avatar_url":     e.AvatarURL,
		"last_active_at": e.LastActiveAt,
	}
}

func DecodeProfile(row store.Row) (Profile, error) {
	var p Profile
	var err error
	if p.ID, err = rowString(row, "id"); err != nil {
		return p, err
	}
	if p.UserID, err = rowString(row, "user_id"); err != nil {
		return p, err
	}
	if p.Username, err = rowString(row, "username"); err != nil {
		return p, err
	}
	if p.AvatarURL, err = rowString(row, "avatar_url"); err != nil {
		return p, err
	}
	if p.TotalPoints, err = rowInt64(row, "total_points"); err != nil {
		return p, err
	}
	if p.Level, err = rowInt(row, "level"); err != nil {
		return p, err
	}
	if p.LastActiveAt, err = rowTime(row, "last_active_at"); err != nil {
		return p, err
	}
	return p, nil
}

func EncodeProfile(p Profile) store.Row {
	return store.Row{
		"id":             p.ID,
		"username":       p.Username,
		"avatar_url":     p.AvatarURL,
		"total_points":   p.TotalPoints,
		"level":          p.Level,
		"last_active_at": p.LastActiveAt,
	}
}

func DecodeCollectedItem(row store.Row) (CollectedItem, error) {
	var c CollectedItem
	var err error
	if c.ID, err = rowString(row, "id"); err != nil {
		return c, err
	}
	if c.UserID, err = rowString(row, "user_id"); err != nil {
		return c, err
	}
	if c.ItemCode, err = rowString(row, "item_code"); err != nil {
		return c, err
	}
	if c.Name, err = rowString(row, "name"); err != nil {
		return c, err
	}
	if c.Category, err = rowString(row, "category"); err != nil {
		return c, err
	}
	if c.Points, err = rowInt64(row, "points"); err != nil {
		return c, err
	}
	if c.CollectedAt, err = rowTime(row, "collected_at"); err != nil {
		return c, err
	}
	return c, nil
}

func EncodeCollectedItem(c CollectedItem) store.Row {
	return store.Row{
		"id":           c.ID,
		"item_code":    c.ItemCode,
		"name":         c.Name,
		"category":     c.Category,
		"points":       c.Points,
		"collected_at": c.CollectedAt,
	}
}

func DecodeCategoryStat(row store.Row) (CategoryStat, error) {
	var s CategoryStat
	var err error
	if s.ID, err = rowString(row, "id"); err != nil {
		return s, err
	}
	if s.UserID, err = rowString(row, "user_id"); err != nil {
		return s, err
	}
	if s.Category, err = rowString(row, "category"); err != nil {
		return s, err
	}
	if s.ItemCount, err = rowInt(row, "item_count"); err != nil {
		return s, err
	}
	if s.TotalPoints, err = rowInt64(row, "total_points"); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = rowTime(row, "updated_at"); err != nil {
		return s, err
	}
	return s, nil
}

func EncodeCategoryStat(s CategoryStat) store.Row {
	return store.Row{
		"id":           s.ID,
		"category":     s.Category,
		"item_count":   s.ItemCount,
		"total_points": s.TotalPoints,
		"updated_at":   s.UpdatedAt,
	}
}

func DecodeAchievement(row store.Row) (Achievement, error) {
	var a Achievement
	var err error
	if a.ID, err = rowString(row, "id"); err != nil {
		return a, err
	}
	if a.UserID, err = rowString(row, "user_id"); err != nil {
		return a, err
	}
	if a.AchievementID, err = rowString(row, "achievement_id"); err != nil {
		return a, err
	}
	if a.UnlockedAt, err = rowTime(row, "unlocked_at"); err != nil {
		return a, err
	}
	return a, nil
}

func EncodeAchievement(a Achievement) store.Row {
	return store.Row{
		"id":             a.ID,
		"achievement_id": a.AchievementID,
		"unlocked_at":    a.UnlockedAt,
	}
}
