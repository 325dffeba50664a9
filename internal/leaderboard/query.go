package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"scavenger-sync/internal/model"
	"scavenger-sync/internal/pkg/metrics"
	"scavenger-sync/internal/result"
	"scavenger-sync/internal/store"
)

// Filter selects an activity window, expressed as a lower bound on
// last_active_at. None and AllTime both impose no bound.
type Filter int

const (
	FilterNone Filter = iota
	FilterLast7Days
	FilterLast30Days
	FilterAllTime
)

// filters renders the activity window into store filters.
func (f Filter) filters(now time.Time) []store.Filter {
	switch f {
	case FilterLast7Days:
		return []store.Filter{store.Gte("last_active_at", now.AddDate(0, 0, -7))}
	case FilterLast30Days:
		return []store.Filter{store.Gte("last_active_at", now.AddDate(0, 0, -30))}
	default:
		return nil
	}
}

// Sort selects the ranking order of a page query.
type Sort int

const (
	SortByPoints Sort = iota
	SortByLevel
	SortByRecency
)

// order renders the sort key into a store ordering.
func (s Sort) order() store.Order {
	switch s {
	case SortByLevel:
		return store.Order{Column: "level", Desc: true}
	case SortByRecency:
		return store.Order{Column: "last_active_at", Desc: true}
	default:
		return store.Order{Column: "total_points", Desc: true}
	}
}

// UserStats summarizes the current user's standing.
type UserStats struct {
	Rank          int     `json:"rank"`
	TotalPoints   int64   `json:"total_points"`
	Level         int     `json:"level"`
	TotalPlayers  int64   `json:"total_players"`
	TopPercentile float64 `json:"top_percentile"`
}

// markCurrentUser flags the current user's row in a fetched slice.
func (s *Service) markCurrentUser(entries []model.LeaderboardEntry) []model.LeaderboardEntry {
	userID := s.auth.CurrentUserID()
	if userID == "" {
		return entries
	}
	for i := range entries {
		entries[i].IsCurrentUser = entries[i].ID == userID
	}
	return entries
}

// GetLeaderboardPage returns one ranking page. It never returns an
// error: on failure it degrades to the last good cached page (or an
// empty page) and emits an error status instead.
func (s *Service) GetLeaderboardPage(ctx context.Context, page, pageSize int, filter Filter, sortKey Sort, forceRefresh bool) model.LeaderboardPage {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.pageSize
	}

	s.mu.Lock()
	if !forceRefresh && page == 1 && s.cacheValidLocked() && s.cachedPage != nil {
		cached := *s.cachedPage
		s.mu.Unlock()
		metrics.RecordCacheHit()
		return cached
	}
	s.mu.Unlock()
	metrics.RecordCacheMiss()

	built, err := s.fetchPage(ctx, page, pageSize, filter, sortKey)
	if err != nil {
		log.Warn().Err(err).Int("page", page).Msg("Leaderboard fetch failed, serving cache")
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cachedPage != nil {
			return *s.cachedPage
		}
		return model.EmptyPage(page, s.clk.Now())
	}
	return built
}

// fetchPage performs the network read, builds the page and, for page 1,
// overwrites the cache. Status transitions are emitted on both paths.
func (s *Service) fetchPage(ctx context.Context, page, pageSize int, filter Filter, sortKey Sort) (model.LeaderboardPage, error) {
	s.publishStatus(model.SyncSyncing, "")

	filters := filter.filters(s.clk.Now())
	order := sortKey.order()
	res := s.repo.Find(ctx, store.Query{
		Filters: filters,
		Order:   &order,
		Limit:   pageSize,
		Offset:  (page - 1) * pageSize,
	})
	if !res.IsOk() {
		s.publishStatus(model.SyncError, res.Err().Error())
		return model.LeaderboardPage{}, res.Err()
	}

	entries := s.markCurrentUser(res.Value())

	totalEntries := int64((page-1)*pageSize + len(entries))
	if cres := s.repo.CountWhere(ctx, filters); cres.IsOk() {
		totalEntries = cres.Value()
	}
	totalPages := int((totalEntries + int64(pageSize) - 1) / int64(pageSize))
	if totalPages < 1 {
		totalPages = 1
	}

	built := model.LeaderboardPage{
		Entries:         entries,
		CurrentPage:     page,
		TotalPages:      totalPages,
		TotalEntries:    totalEntries,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
		LastUpdated:     s.clk.Now(),
	}

	if page == 1 {
		s.mu.Lock()
		if !s.closed {
			s.storePageLocked(ctx, built)
		}
		s.mu.Unlock()
	}
	s.publishStatus(model.SyncSuccess, "")
	return built, nil
}

// GetUserRankContext returns the entries whose rank falls within
// contextSize positions of the current user, ordered by rank ascending.
func (s *Service) GetUserRankContext(ctx context.Context, contextSize int) result.Result[[]model.LeaderboardEntry] {
	userID := s.auth.CurrentUserID()
	if userID == "" {
		return result.Err[[]model.LeaderboardEntry](fmt.Errorf("no authenticated user"))
	}

	rres := s.repo.Find(ctx, store.Query{
		Filters: []store.Filter{store.Eq("id", userID)},
		Limit:   1,
	})
	if !rres.IsOk() {
		return result.Err[[]model.LeaderboardEntry](rres.Err())
	}
	rows := rres.Value()
	if len(rows) == 0 {
		return result.Err[[]model.LeaderboardEntry](fmt.Errorf("user %s is not on the leaderboard", userID))
	}

	me := rows[0]
	me.IsCurrentUser = true
	s.mu.Lock()
	if !s.closed {
		s.cachedUserRank = &me
		s.persistUserRankLocked(ctx, me)
	}
	s.mu.Unlock()

	low := me.Rank - contextSize
	if low < 1 {
		low = 1
	}
	high := me.Rank + contextSize

	cres := s.repo.Find(ctx, store.Query{
		Filters: []store.Filter{store.Gte("rank", low), store.Lte("rank", high)},
		Order:   &store.Order{Column: "rank"},
	})
	if !cres.IsOk() {
		return result.Err[[]model.LeaderboardEntry](cres.Err())
	}
	return result.Ok(s.markCurrentUser(cres.Value()))
}

// SearchUsers finds entries whose username contains term,
// case-insensitively, best-ranked first.
func (s *Service) SearchUsers(ctx context.Context, term string, limit int) result.Result[[]model.LeaderboardEntry] {
	if limit <= 0 {
		limit = s.pageSize
	}
	res := s.repo.Find(ctx, store.Query{
		Filters: []store.Filter{store.IContains("username", term)},
		Order:   &store.Order{Column: "total_points", Desc: true},
		Limit:   limit,
	})
	if !res.IsOk() {
		return res
	}
	return result.Ok(s.markCurrentUser(res.Value()))
}

// GetUserStats returns the current user's rank, points, level and
// percentile among all ranked players.
func (s *Service) GetUserStats(ctx context.Context) result.Result[UserStats] {
	userID := s.auth.CurrentUserID()
	if userID == "" {
		return result.Err[UserStats](fmt.Errorf("no authenticated user"))
	}

	rres := s.repo.Find(ctx, store.Query{
		Filters: []store.Filter{store.Eq("id", userID)},
		Limit:   1,
	})
	if !rres.IsOk() {
		return result.Err[UserStats](rres.Err())
	}
	rows := rres.Value()
	if len(rows) == 0 {
		return result.Err[UserStats](fmt.Errorf("user %s is not on the leaderboard", userID))
	}
	me := rows[0]

	total := int64(0)
	if cres := s.repo.CountWhere(ctx, nil); cres.IsOk() {
		total = cres.Value()
	}

	stats := UserStats{
		Rank:         me.Rank,
		TotalPoints:  me.TotalPoints,
		Level:        me.Level,
		TotalPlayers: total,
	}
	if total > 0 {
		stats.TopPercentile = float64(me.Rank) / float64(total) * 100
	}
	return result.Ok(stats)
}
