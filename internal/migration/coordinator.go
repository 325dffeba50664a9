// Package migration moves pre-existing local-only data into the remote
// store exactly once per schema version. It owns the completion and
// version flags exclusively; failures retry on a cool-down and are
// never surfaced to the end user.
package migration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scavenger-sync/internal/model"
	"scavenger-sync/internal/pkg/clock"
	"scavenger-sync/internal/pkg/kv"
	"scavenger-sync/internal/pkg/metrics"
	"scavenger-sync/internal/result"
)

// Local storage keys. The migration.* key survives forever; the
// local.* source keys are deleted after a fully successful run.
const (
	keyStatus            = "migration.status"
	keyLocalProfile      = "local.profile"
	keyLocalItems        = "local.collected_items"
	keyLocalStats        = "local.category_stats"
	keyLocalAchievements = "local.achievements"
)

const defaultThrottle = time.Hour

// ProfileRepo is the slice of the profile repository the coordinator consumes.
type ProfileRepo interface {
	FindByOwner(ctx context.Context, ownerID string) result.Result[[]model.Profile]
	Create(ctx context.Context, p model.Profile, ownerID string) result.Result[model.Profile]
	Update(ctx context.Context, id string, p model.Profile, ownerID string) result.Result[model.Profile]
}

// ItemRepo is the slice of the collected-item repository consumed here.
type ItemRepo interface {
	FindByOwner(ctx context.Context, ownerID string) result.Result[[]model.CollectedItem]
	CreateBatch(ctx context.Context, items []model.CollectedItem, ownerID string) result.Result[[]model.CollectedItem]
}

// StatRepo is the slice of the category-stat repository consumed here.
type StatRepo interface {
	FindByOwner(ctx context.Context, ownerID string) result.Result[[]model.CategoryStat]
	Create(ctx context.Context, s model.CategoryStat, ownerID string) result.Result[model.CategoryStat]
	Update(ctx context.Context, id string, s model.CategoryStat, ownerID string) result.Result[model.CategoryStat]
}

// AchievementRepo is the slice of the achievement repository consumed here.
type AchievementRepo interface {
	FindByOwner(ctx context.Context, ownerID string) result.Result[[]model.Achievement]
	Create(ctx context.Context, a model.Achievement, ownerID string) result.Result[model.Achievement]
}

// IsDuplicate reports whether an error means the row already exists.
// Injected so the coordinator stays decoupled from the repository's
// error taxonomy in tests.
type IsDuplicate func(error) bool

// UserSource supplies the current user identifier.
type UserSource interface {
	CurrentUserID() string
}

// Coordinator runs the one-shot versioned migration.
type Coordinator struct {
	profiles     ProfileRepo
	items        ItemRepo
	stats        StatRepo
	achievements AchievementRepo
	users        UserSource
	local        kv.Store
	clk          clock.Clock

	targetVersion int
	throttle      time.Duration
	isDuplicate   IsDuplicate
}

// Option applies a configuration option to the Coordinator.
type Option func(*Coordinator)

// WithClock replaces the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Coordinator) {
		if c != nil {
			m.clk = c
		}
	}
}

// WithThrottle overrides the minimum interval between attempts.
func WithThrottle(d time.Duration) Option {
	return func(m *Coordinator) {
		if d > 0 {
			m.throttle = d
		}
	}
}

// WithDuplicateCheck replaces the duplicate-error predicate.
func WithDuplicateCheck(f IsDuplicate) Option {
	return func(m *Coordinator) {
		if f != nil {
			m.isDuplicate = f
		}
	}
}

// New constructs a Coordinator targeting the given schema version.
func New(profiles ProfileRepo, items ItemRepo, stats StatRepo, achievements AchievementRepo,
	users UserSource, local kv.Store, targetVersion int, opts ...Option) *Coordinator {
	c := &Coordinator{
		profiles:      profiles,
		items:         items,
		stats:         stats,
		achievements:  achievements,
		users:         users,
		local:         local,
		clk:           clock.System(),
		targetVersion: targetVersion,
		throttle:      defaultThrottle,
		isDuplicate:   func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status loads the migration status, defaulting to version 0 on first
// launch.
func (c *Coordinator) Status(ctx context.Context) (model.MigrationStatus, error) {
	status := model.MigrationStatus{TargetVersion: c.targetVersion}
	raw, ok, err := c.local.GetString(ctx, keyStatus)
	if err != nil {
		return status, err
	}
	if !ok {
		return status, nil
	}
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		log.Warn().Err(err).Msg("Discarding corrupt migration status")
		return model.MigrationStatus{TargetVersion: c.targetVersion}, nil
	}
	status.TargetVersion = c.targetVersion
	return status, nil
}

func (c *Coordinator) persistStatus(ctx context.Context, status model.MigrationStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.local.SetString(ctx, keyStatus, string(raw))
}

// wasRecentlyAttempted reports whether the last attempt is inside the
// cool-down window.
func (c *Coordinator) wasRecentlyAttempted(status model.MigrationStatus) bool {
	return status.LastAttemptAt != nil && c.clk.Now().Sub(*status.LastAttemptAt) < c.throttle
}

// Run executes the migration if it is needed and not throttled.
// Returns true when the store is at the target version (already or
// after this run). Any step failing leaves the version flag untouched
// so the entire migration re-runs on the next eligible attempt.
func (c *Coordinator) Run(ctx context.Context) bool {
	status, err := c.Status(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load migration status")
		return false
	}
	if !status.IsNeeded() {
		return true
	}
	if c.wasRecentlyAttempted(status) {
		log.Debug().Msg("Migration attempted recently, skipping")
		metrics.RecordMigrationRun("throttled")
		return false
	}

	userID := c.users.CurrentUserID()
	if userID == "" {
		log.Warn().Msg("No authenticated user, deferring migration")
		return false
	}

	now := c.clk.Now()
	status.LastAttemptAt = &now
	if err := c.persistStatus(ctx, status); err != nil {
		log.Error().Err(err).Msg("Failed to record migration attempt")
		return false
	}

	log.Info().
		Int("from", status.CurrentVersion).
		Int("to", c.targetVersion).
		Msg("Starting local data migration")

	// Each step is attempted independently; one failing step does not
	// stop the others, but any failure blocks the version advance.
	ok := c.migrateProfile(ctx, userID)
	ok = c.migrateItems(ctx, userID) && ok
	ok = c.migrateStats(ctx, userID) && ok
	ok = c.migrateAchievements(ctx, userID) && ok

	if !ok {
		log.Warn().Msg("Migration incomplete, will retry after cool-down")
		metrics.RecordMigrationRun("failure")
		return false
	}

	status.CurrentVersion = c.targetVersion
	status.IsCompleted = true
	if err := c.persistStatus(ctx, status); err != nil {
		log.Error().Err(err).Msg("Failed to persist migration completion")
		return false
	}

	for _, key := range []string{keyLocalProfile, keyLocalItems, keyLocalStats, keyLocalAchievements} {
		if err := c.local.Remove(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to remove migrated source key")
		}
	}

	log.Info().Int("version", c.targetVersion).Msg("Migration completed")
	metrics.RecordMigrationRun("success")
	return true
}

// loadLocal decodes a JSON value from local storage. Missing keys and
// corrupt payloads both report absent: a payload that can never parse
// would otherwise block the migration forever.
func loadLocal[T any](ctx context.Context, local kv.Store, key string) (T, bool) {
	var v T
	raw, ok, err := local.GetString(ctx, key)
	if err != nil || !ok {
		return v, false
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Skipping corrupt local payload")
		return v, false
	}
	return v, true
}

// migrateProfile merges the local profile into the remote one: scalar
// counters keep max(local, remote).
func (c *Coordinator) migrateProfile(ctx context.Context, userID string) bool {
	localProfile, ok := loadLocal[model.LocalProfile](ctx, c.local, keyLocalProfile)
	if !ok {
		return true
	}

	remote, err := c.profiles.FindByOwner(ctx, userID).Get()
	if err != nil {
		log.Warn().Err(err).Msg("Profile migration: remote lookup failed")
		return false
	}

	if len(remote) == 0 {
		profile := model.Profile{
			ID:           uuid.NewString(),
			UserID:       userID,
			Username:     localProfile.Username,
			TotalPoints:  localProfile.TotalPoints,
			Level:        max(localProfile.Level, 1),
			LastActiveAt: c.clk.Now(),
		}
		if _, err := c.profiles.Create(ctx, profile, userID).Get(); err != nil {
			log.Warn().Err(err).Msg("Profile migration: create failed")
			return false
		}
		return true
	}

	merged := remote[0]
	merged.TotalPoints = max(merged.TotalPoints, localProfile.TotalPoints)
	merged.Level = max(merged.Level, localProfile.Level)
	if merged.Username == "" {
		merged.Username = localProfile.Username
	}
	if _, err := c.profiles.Update(ctx, merged.ID, merged, userID).Get(); err != nil {
		log.Warn().Err(err).Msg("Profile migration: update failed")
		return false
	}
	return true
}

// migrateItems bulk-transfers local collection records not already
// present remotely, matched by item code.
func (c *Coordinator) migrateItems(ctx context.Context, userID string) bool {
	localItems, ok := loadLocal[[]model.LocalItem](ctx, c.local, keyLocalItems)
	if !ok || len(localItems) == 0 {
		return true
	}

	remote, err := c.items.FindByOwner(ctx, userID).Get()
	if err != nil {
		log.Warn().Err(err).Msg("Item migration: remote lookup failed")
		return false
	}
	seen := make(map[string]struct{}, len(remote))
	for _, item := range remote {
		seen[item.ItemCode] = struct{}{}
	}

	var missing []model.CollectedItem
	for _, item := range localItems {
		if _, dup := seen[item.ItemCode]; dup {
			continue
		}
		missing = append(missing, model.CollectedItem{
			ID:          uuid.NewString(),
			UserID:      userID,
			ItemCode:    item.ItemCode,
			Name:        item.Name,
			Category:    item.Category,
			Points:      item.Points,
			CollectedAt: item.CollectedAt,
		})
	}
	if len(missing) == 0 {
		return true
	}

	if _, err := c.items.CreateBatch(ctx, missing, userID).Get(); err != nil {
		log.Warn().Err(err).Int("count", len(missing)).Msg("Item migration: batch create failed")
		return false
	}
	log.Info().Int("count", len(missing)).Msg("Item migration: transferred local items")
	return true
}

// migrateStats transfers per-category aggregates, one create per
// missing category; existing categories keep max of each counter.
func (c *Coordinator) migrateStats(ctx context.Context, userID string) bool {
	localStats, ok := loadLocal[map[string]model.LocalCategoryStat](ctx, c.local, keyLocalStats)
	if !ok || len(localStats) == 0 {
		return true
	}

	remote, err := c.stats.FindByOwner(ctx, userID).Get()
	if err != nil {
		log.Warn().Err(err).Msg("Stat migration: remote lookup failed")
		return false
	}
	byCategory := make(map[string]model.CategoryStat, len(remote))
	for _, s := range remote {
		byCategory[s.Category] = s
	}

	for category, local := range localStats {
		existing, found := byCategory[category]
		if !found {
			stat := model.CategoryStat{
				ID:          uuid.NewString(),
				UserID:      userID,
				Category:    category,
				ItemCount:   local.ItemCount,
				TotalPoints: local.TotalPoints,
				UpdatedAt:   c.clk.Now(),
			}
			if _, err := c.stats.Create(ctx, stat, userID).Get(); err != nil {
				log.Warn().Err(err).Str("category", category).Msg("Stat migration: create failed")
				return false
			}
			continue
		}

		merged := existing
		merged.ItemCount = max(existing.ItemCount, local.ItemCount)
		merged.TotalPoints = max(existing.TotalPoints, local.TotalPoints)
		if merged == existing {
			continue
		}
		merged.UpdatedAt = c.clk.Now()
		if _, err := c.stats.Update(ctx, merged.ID, merged, userID).Get(); err != nil {
			log.Warn().Err(err).Str("category", category).Msg("Stat migration: update failed")
			return false
		}
	}
	return true
}

// migrateAchievements transfers unlocked achievement ids. Duplicates
// are expected and ignored: the remote store keys unlocks by
// (user, achievement_id).
func (c *Coordinator) migrateAchievements(ctx context.Context, userID string) bool {
	localIDs, ok := loadLocal[[]string](ctx, c.local, keyLocalAchievements)
	if !ok || len(localIDs) == 0 {
		return true
	}

	remote, err := c.achievements.FindByOwner(ctx, userID).Get()
	if err != nil {
		log.Warn().Err(err).Msg("Achievement migration: remote lookup failed")
		return false
	}
	unlocked := make(map[string]struct{}, len(remote))
	for _, a := range remote {
		unlocked[a.AchievementID] = struct{}{}
	}

	for _, id := range localIDs {
		if _, dup := unlocked[id]; dup {
			continue
		}
		achievement := model.Achievement{
			ID:            uuid.NewString(),
			UserID:        userID,
			AchievementID: id,
			UnlockedAt:    c.clk.Now(),
		}
		if _, err := c.achievements.Create(ctx, achievement, userID).Get(); err != nil {
			if c.isDuplicate(err) {
				continue
			}
			log.Warn().Err(err).Str("achievement", id).Msg("Achievement migration: create failed")
			return false
		}
	}
	return true
}
