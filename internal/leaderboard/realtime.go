package leaderboard

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"scavenger-sync/internal/model"
	"scavenger-sync/internal/pkg/metrics"
	"scavenger-sync/internal/store"
)

// waitResubscribe pauses before reopening a failed stream. Returns
// false when the context ended during the wait.
func (s *Service) waitResubscribe(ctx context.Context) bool {
	timer := time.NewTimer(s.resubscribeDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runTableSubscription maintains the whole-table push stream, bounded
// to the top-N ranks. The resubscribe loop is unbounded: a permanently
// broken connection re-attempts for the life of the process.
func (s *Service) runTableSubscription(ctx context.Context) {
	q := store.Query{
		Order: &store.Order{Column: "rank"},
		Limit: s.topN,
	}
	for {
		ch, err := s.repo.SubscribeQuery(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Leaderboard table subscription failed, will retry")
			if !s.waitResubscribe(ctx) {
				return
			}
			continue
		}
		for entries := range ch {
			s.applyTableEvent(ctx, entries)
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn().Msg("Leaderboard table stream closed, resubscribing")
		if !s.waitResubscribe(ctx) {
			return
		}
	}
}

// applyTableEvent overwrites the cache with an authoritative snapshot,
// bypassing the TTL. Identical consecutive payloads are dropped before
// they reach subscribers.
func (s *Service) applyTableEvent(ctx context.Context, entries []model.LeaderboardEntry) {
	digest, err := json.Marshal(entries)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fingerprint push payload")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if string(digest) == s.lastTableDigest {
		s.mu.Unlock()
		metrics.RecordPushDuplicate()
		return
	}
	s.lastTableDigest = string(digest)
	s.mu.Unlock()

	metrics.RecordPushEvent("table")
	entries = s.markCurrentUser(entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	totalEntries := int64(len(entries))
	totalPages := 1
	if s.cachedPage != nil && s.cachedPage.TotalEntries > totalEntries {
		totalEntries = s.cachedPage.TotalEntries
		totalPages = s.cachedPage.TotalPages
	}

	page := model.LeaderboardPage{
		Entries:         entries,
		CurrentPage:     1,
		TotalPages:      totalPages,
		TotalEntries:    totalEntries,
		HasNextPage:     totalPages > 1,
		HasPreviousPage: false,
		LastUpdated:     s.clk.Now(),
	}
	s.storePageLocked(ctx, page)

	// Refresh the cached user row from the authoritative snapshot; the
	// user-row stream owns the rank-change notification.
	for _, e := range entries {
		if e.IsCurrentUser {
			me := e
			s.cachedUserRank = &me
			s.persistUserRankLocked(ctx, me)
			break
		}
	}
}

// runUserSubscription maintains the current-user row stream.
func (s *Service) runUserSubscription(ctx context.Context) {
	userID := s.auth.CurrentUserID()
	if userID == "" {
		log.Debug().Msg("No authenticated user, skipping user-row subscription")
		return
	}

	q := store.Query{
		Filters: []store.Filter{store.Eq("id", userID)},
		Limit:   1,
	}
	for {
		ch, err := s.repo.SubscribeQuery(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("User-row subscription failed, will retry")
			if !s.waitResubscribe(ctx) {
				return
			}
			continue
		}
		for entries := range ch {
			if len(entries) == 0 {
				continue
			}
			s.applyUserEvent(ctx, userID, entries[0])
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn().Msg("User-row stream closed, resubscribing")
		if !s.waitResubscribe(ctx) {
			return
		}
	}
}

// applyUserEvent updates the cached user rank and notifies the auth
// collaborator.
func (s *Service) applyUserEvent(ctx context.Context, userID string, entry model.LeaderboardEntry) {
	metrics.RecordPushEvent("user")
	entry.IsCurrentUser = true

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cachedUserRank = &entry
	s.persistUserRankLocked(ctx, entry)
	s.mu.Unlock()

	s.ranks.Publish(entry)
	s.auth.NotifyRankChanged(userID, entry.Rank)
}

// runPeriodicRefresh forces a refresh whenever the cache goes stale, as
// a correctness backstop if the push channel silently drops.
func (s *Service) runPeriodicRefresh(ctx context.Context) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := !s.cacheValidLocked()
			s.mu.Unlock()
			if stale {
				log.Debug().Msg("Cache stale, running background refresh")
				s.GetLeaderboardPage(ctx, 1, s.pageSize, FilterNone, SortByPoints, true)
			}
		}
	}
}

// SyncLeaderboardData forces a page-1 refresh. It is a no-op reporting
// success when the cache was refreshed less than the guard interval
// ago, so bursts of local events collapse into one round trip.
func (s *Service) SyncLeaderboardData(ctx context.Context) model.SyncStatus {
	s.mu.Lock()
	recentlySynced := !s.lastCacheUpdate.IsZero() && s.clk.Now().Sub(s.lastCacheUpdate) < s.syncGuard
	s.mu.Unlock()

	if recentlySynced {
		return model.SyncStatus{State: model.SyncSuccess, Message: "recently synced", At: s.clk.Now()}
	}

	if _, err := s.fetchPage(ctx, 1, s.pageSize, FilterNone, SortByPoints); err != nil {
		return model.SyncStatus{State: model.SyncError, Message: err.Error(), At: s.clk.Now()}
	}
	return model.SyncStatus{State: model.SyncSuccess, At: s.clk.Now()}
}

// HandleUserPointsUpdate applies an optimistic local reorder: the
// user's cached entry gets the new points and level, the page is
// re-sorted by points descending and every entry is re-ranked
// sequentially. The result is provisional and is replaced wholesale by
// the next authoritative fetch or push event. Note the divergence from
// the server's dense ranking: ties share a rank server-side but not
// here; the next authoritative snapshot resolves it.
func (s *Service) HandleUserPointsUpdate(ctx context.Context, userID string, newPoints int64, newLevel int) {
	s.mu.Lock()
	if s.closed || s.cachedPage == nil {
		s.mu.Unlock()
		return
	}

	entries := make([]model.LeaderboardEntry, len(s.cachedPage.Entries))
	copy(entries, s.cachedPage.Entries)

	found := false
	for i := range entries {
		if entries[i].ID == userID {
			entries[i].TotalPoints = newPoints
			entries[i].Level = newLevel
			found = true
			break
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TotalPoints != entries[j].TotalPoints {
			return entries[i].TotalPoints > entries[j].TotalPoints
		}
		return entries[i].Username < entries[j].Username
	})
	newRank := 0
	for i := range entries {
		entries[i].Rank = i + 1
		if entries[i].ID == userID {
			newRank = i + 1
		}
	}

	page := *s.cachedPage
	page.Entries = entries
	page.LastUpdated = s.clk.Now()
	s.cachedPage = &page
	metrics.UpdateCachedEntries(len(entries))
	s.persistPageLocked(ctx, page)

	isCurrentUser := s.auth.CurrentUserID() == userID
	var userEntry model.LeaderboardEntry
	if found && isCurrentUser {
		userEntry = entries[newRank-1]
		s.cachedUserRank = &userEntry
		s.persistUserRankLocked(ctx, userEntry)
	}
	s.mu.Unlock()

	metrics.RecordOptimisticUpdate()
	s.pages.Publish(page)
	if found {
		if isCurrentUser {
			s.ranks.Publish(userEntry)
		}
		s.auth.NotifyRankChanged(userID, newRank)
	}
}
