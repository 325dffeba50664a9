// Package leaderboard implements the ranking service: a TTL cache over
// the server-side ranking view, optimistic local reordering, and
// real-time reconciliation against push updates.
package leaderboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"scavenger-sync/internal/model"
	"scavenger-sync/internal/pkg/broadcast"
	"scavenger-sync/internal/pkg/clock"
	"scavenger-sync/internal/pkg/kv"
	"scavenger-sync/internal/pkg/metrics"
	"scavenger-sync/internal/result"
	"scavenger-sync/internal/store"
)

// Timing defaults.
const (
	defaultCacheTTL         = 5 * time.Minute
	defaultSyncGuard        = 30 * time.Second
	defaultRefreshInterval  = 2 * time.Minute
	defaultResubscribeDelay = 5 * time.Second
	defaultTopN             = 100
	defaultPageSize         = 20
)

// Local storage keys for the persisted cache mirror.
const (
	keyCachedPage     = "leaderboard.cached_page"
	keyCachedUserRank = "leaderboard.cached_user_rank"
)

// EntryRepo is the slice of the entity repository the service consumes.
type EntryRepo interface {
	Find(ctx context.Context, q store.Query) result.Result[[]model.LeaderboardEntry]
	CountWhere(ctx context.Context, filters []store.Filter) result.Result[int64]
	SubscribeQuery(ctx context.Context, q store.Query) (<-chan []model.LeaderboardEntry, error)
	Health(ctx context.Context) store.Health
}

// AuthContext is the authentication collaborator: it supplies the
// current user id and receives rank-change notifications.
type AuthContext interface {
	CurrentUserID() string
	NotifyRankChanged(userID string, newRank int)
}

// Service is the leaderboard ranking service. It exclusively owns the
// in-memory cache and its persisted mirror.
type Service struct {
	repo  EntryRepo
	auth  AuthContext
	local kv.Store
	clk   clock.Clock

	mu              sync.Mutex
	cachedPage      *model.LeaderboardPage
	cachedUserRank  *model.LeaderboardEntry
	lastCacheUpdate time.Time
	lastTableDigest string
	closed          bool

	pages  *broadcast.Broadcaster[model.LeaderboardPage]
	ranks  *broadcast.Broadcaster[model.LeaderboardEntry]
	status *broadcast.Broadcaster[model.SyncStatus]

	cacheTTL         time.Duration
	syncGuard        time.Duration
	refreshInterval  time.Duration
	resubscribeDelay time.Duration
	topN             int
	pageSize         int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithClock replaces the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clk = c
		}
	}
}

// WithCacheTTL sets the cache validity window.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cacheTTL = d
		}
	}
}

// WithSyncGuard sets the minimum interval between manual syncs.
func WithSyncGuard(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.syncGuard = d
		}
	}
}

// WithRefreshInterval sets the periodic background refresh cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshInterval = d
		}
	}
}

// WithResubscribeDelay sets the wait before reopening a failed stream.
func WithResubscribeDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resubscribeDelay = d
		}
	}
}

// WithTopN bounds the whole-table push subscription.
func WithTopN(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.topN = n
		}
	}
}

// WithPageSize sets the page size used by background refreshes.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New constructs the service and hydrates the cache from the persisted
// mirror so a cold start renders before the first network round trip.
func New(ctx context.Context, repo EntryRepo, auth AuthContext, local kv.Store, opts ...Option) *Service {
	s := &Service{
		repo:             repo,
		auth:             auth,
		local:            local,
		clk:              clock.System(),
		pages:            broadcast.New[model.LeaderboardPage](),
		ranks:            broadcast.New[model.LeaderboardEntry](),
		status:           broadcast.New[model.SyncStatus](),
		cacheTTL:         defaultCacheTTL,
		syncGuard:        defaultSyncGuard,
		refreshInterval:  defaultRefreshInterval,
		resubscribeDelay: defaultResubscribeDelay,
		topN:             defaultTopN,
		pageSize:         defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hydrate(ctx)
	return s
}

// hydrate loads the persisted mirror. The hydrated cache carries a zero
// lastCacheUpdate, so the first read still goes to the network.
func (s *Service) hydrate(ctx context.Context) {
	if raw, ok, err := s.local.GetString(ctx, keyCachedPage); err == nil && ok {
		var page model.LeaderboardPage
		if err := json.Unmarshal([]byte(raw), &page); err == nil {
			s.cachedPage = &page
		} else {
			log.Warn().Err(err).Msg("Discarding corrupt cached leaderboard page")
		}
	}
	if raw, ok, err := s.local.GetString(ctx, keyCachedUserRank); err == nil && ok {
		var entry model.LeaderboardEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			s.cachedUserRank = &entry
		} else {
			log.Warn().Err(err).Msg("Discarding corrupt cached user rank")
		}
	}
}

// Start launches the push subscriptions and the periodic refresh loop.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.runTableSubscription(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runUserSubscription(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runPeriodicRefresh(ctx)
	}()

	log.Info().Msg("Leaderboard service started")
}

// Close cancels subscriptions and timers and closes the fan-out
// streams. In-flight callbacks observe the closed flag and discard
// their results instead of mutating state.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.pages.Close()
	s.ranks.Close()
	s.status.Close()

	log.Info().Msg("Leaderboard service stopped")
}

// CachedLeaderboard returns the cached page, if any, for instant
// cold-start rendering.
func (s *Service) CachedLeaderboard() *model.LeaderboardPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedPage == nil {
		return nil
	}
	page := *s.cachedPage
	return &page
}

// CachedUserRank returns the cached current-user row, if any.
func (s *Service) CachedUserRank() *model.LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedUserRank == nil {
		return nil
	}
	entry := *s.cachedUserRank
	return &entry
}

// SubscribePages streams every cache overwrite.
func (s *Service) SubscribePages() (<-chan model.LeaderboardPage, func()) {
	return s.pages.Subscribe()
}

// SubscribeUserRank streams current-user rank changes.
func (s *Service) SubscribeUserRank() (<-chan model.LeaderboardEntry, func()) {
	return s.ranks.Subscribe()
}

// SubscribeStatus streams sync lifecycle transitions.
func (s *Service) SubscribeStatus() (<-chan model.SyncStatus, func()) {
	return s.status.Subscribe()
}

// Health reports remote reachability for the ranking view.
func (s *Service) Health(ctx context.Context) store.Health {
	return s.repo.Health(ctx)
}

// cacheValidLocked implements the TTL check. Callers hold s.mu.
func (s *Service) cacheValidLocked() bool {
	if s.lastCacheUpdate.IsZero() {
		return false
	}
	return s.clk.Now().Sub(s.lastCacheUpdate) < s.cacheTTL
}

// storePageLocked atomically replaces the cached page, bumps the TTL
// stamp, persists the mirror and fans the page out. Callers hold s.mu.
func (s *Service) storePageLocked(ctx context.Context, page model.LeaderboardPage) {
	s.cachedPage = &page
	s.lastCacheUpdate = s.clk.Now()
	metrics.UpdateCachedEntries(len(page.Entries))
	s.persistPageLocked(ctx, page)
	s.pages.Publish(page)
}

// persistPageLocked writes the mirror; mirror failures degrade to a
// warning, the in-memory cache stays authoritative for this process.
func (s *Service) persistPageLocked(ctx context.Context, page model.LeaderboardPage) {
	raw, err := json.Marshal(page)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode leaderboard page for mirror")
		return
	}
	if err := s.local.SetString(ctx, keyCachedPage, string(raw)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist leaderboard page mirror")
	}
}

// persistUserRankLocked mirrors the cached user rank.
func (s *Service) persistUserRankLocked(ctx context.Context, entry model.LeaderboardEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode user rank for mirror")
		return
	}
	if err := s.local.SetString(ctx, keyCachedUserRank, string(raw)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist user rank mirror")
	}
}

// publishStatus emits a sync lifecycle transition.
func (s *Service) publishStatus(state model.SyncState, message string) {
	s.status.Publish(model.SyncStatus{
		State:   state,
		Message: message,
		At:      s.clk.Now(),
	})
}
