package leaderboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scavenger-sync/internal/model"
	"scavenger-sync/internal/pkg/clock"
	"scavenger-sync/internal/pkg/kv"
	"scavenger-sync/internal/result"
	"scavenger-sync/internal/store"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeRepo serves canned entries and routes push subscriptions through
// test-owned channels. Queries carrying an id filter hit the user row,
// everything else hits the table snapshot.
type fakeRepo struct {
	mu        sync.Mutex
	entries   []model.LeaderboardEntry
	userRow   *model.LeaderboardEntry
	total     int64
	findErr   error
	findCalls int
	queries   []store.Query

	tableCh chan []model.LeaderboardEntry
	userCh  chan []model.LeaderboardEntry
	subErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tableCh: make(chan []model.LeaderboardEntry, 4),
		userCh:  make(chan []model.LeaderboardEntry, 4),
	}
}

func (f *fakeRepo) Find(ctx context.Context, q store.Query) result.Result[[]model.LeaderboardEntry] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	f.queries = append(f.queries, q)

	if f.findErr != nil {
		return result.Err[[]model.LeaderboardEntry](f.findErr)
	}
	for _, fl := range q.Filters {
		if fl.Column == "id" && fl.Op == store.OpEq {
			if f.userRow == nil {
				return result.Ok([]model.LeaderboardEntry{})
			}
			return result.Ok([]model.LeaderboardEntry{*f.userRow})
		}
	}

	out := make([]model.LeaderboardEntry, len(f.entries))
	copy(out, f.entries)
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			out = []model.LeaderboardEntry{}
		} else {
			out = out[q.Offset:]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return result.Ok(out)
}

func (f *fakeRepo) CountWhere(ctx context.Context, filters []store.Filter) result.Result[int64] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return result.Ok(f.total)
}

func (f *fakeRepo) SubscribeQuery(ctx context.Context, q store.Query) (<-chan []model.LeaderboardEntry, error) {
	f.mu.Lock()
	src := f.tableCh
	for _, fl := range q.Filters {
		if fl.Column == "id" {
			src = f.userCh
		}
	}
	err := f.subErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []model.LeaderboardEntry, 4)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeRepo) Health(ctx context.Context) store.Health {
	return store.Health{Reachable: true}
}

func (f *fakeRepo) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findCalls
}

func (f *fakeRepo) lastQuery() store.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

type rankNotif struct {
	userID string
	rank   int
}

type fakeAuth struct {
	mu     sync.Mutex
	userID string
	notifs []rankNotif
}

func (a *fakeAuth) CurrentUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID
}

func (a *fakeAuth) NotifyRankChanged(userID string, newRank int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifs = append(a.notifs, rankNotif{userID: userID, rank: newRank})
}

func (a *fakeAuth) notifications() []rankNotif {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]rankNotif, len(a.notifs))
	copy(out, a.notifs)
	return out
}

func entry(id, username string, points int64, rank int) model.LeaderboardEntry {
	return model.LeaderboardEntry{
		ID:           id,
		Username:     username,
		TotalPoints:  points,
		Level:        1,
		Rank:         rank,
		LastActiveAt: testBase,
	}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeRepo, *fakeAuth, *kv.Memory, *clock.Manual) {
	t.Helper()
	repo := newFakeRepo()
	auth := &fakeAuth{}
	local := kv.NewMemory()
	clk := clock.NewManual(testBase)
	opts = append([]Option{WithClock(clk)}, opts...)
	svc := New(context.Background(), repo, auth, local, opts...)
	return svc, repo, auth, local, clk
}

func seedEntries(n int) []model.LeaderboardEntry {
	out := make([]model.LeaderboardEntry, n)
	for i := range out {
		out[i] = entry(
			"u"+string(rune('a'+i)),
			"player_"+string(rune('a'+i)),
			int64(1000-(i*10)),
			i+1,
		)
	}
	return out
}

func TestGetLeaderboardPage_ColdCacheFetchesAndCaches(t *testing.T) {
	svc, repo, _, local, _ := newTestService(t)
	repo.entries = seedEntries(15)
	repo.total = 15

	page := svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)
	require.Len(t, page.Entries, 15)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Equal(t, 1, page.TotalPages)
	assert.Equal(t, int64(15), page.TotalEntries)
	assert.False(t, page.HasNextPage)
	assert.False(t, page.HasPreviousPage)
	assert.Equal(t, 1, repo.calls())

	// The second read inside the TTL is served from cache.
	again := svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)
	assert.Len(t, again.Entries, 15)
	assert.Equal(t, 1, repo.calls())

	// The mirror was persisted for the next cold start.
	_, ok, err := local.GetString(context.Background(), "leaderboard.cached_page")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetLeaderboardPage_CacheExpiresAfterTTL(t *testing.T) {
	svc, repo, _, _, clk := newTestService(t)
	repo.entries = seedEntries(3)
	repo.total = 3

	svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)
	require.Equal(t, 1, repo.calls())

	clk.Advance(4 * time.Minute)
	svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)
	assert.Equal(t, 1, repo.calls(), "cache must still be valid at 4 minutes")

	clk.Advance(2 * time.Minute)
	svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)
	assert.Equal(t, 2, repo.calls(), "cache must be stale past 5 minutes")
}

func TestGetLeaderboardPage_SecondPageBypassesCache(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	repo.entries = seedEntries(5)
	repo.total = 45

	// Warm the cache with page 1 first.
	svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)

	page := svc.GetLeaderboardPage(context.Background(), 2, 20, FilterNone, SortByPoints, false)
	assert.Equal(t, 2, page.CurrentPage)
	assert.True(t, page.HasPreviousPage)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNextPage)

	q := repo.lastQuery()
	assert.Equal(t, 20, q.Offset)
	assert.Equal(t, 20, q.Limit)
}

func TestGetLeaderboardPage_FailureFallsBackToCache(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	repo.entries = seedEntries(10)
	repo.total = 10

	warm := svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)
	require.Len(t, warm.Entries, 10)

	repo.mu.Lock()
	repo.findErr = errors.New("connection refused")
	repo.mu.Unlock()

	page := svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, true)
	assert.Len(t, page.Entries, 10, "failed refresh must serve the last good page")
}

func TestGetLeaderboardPage_FailureWithoutCacheReturnsEmptyPage(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	repo.findErr = errors.New("connection refused")

	page := svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)
	assert.Empty(t, page.Entries)
	assert.Equal(t, 1, page.CurrentPage)
}

func TestGetLeaderboardPage_ActivityFilterSetsLowerBound(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	repo.entries = seedEntries(2)
	repo.total = 2

	svc.GetLeaderboardPage(context.Background(), 1, 20, FilterLast7Days, SortByPoints, false)

	q := repo.lastQuery()
	require.Len(t, q.Filters, 1)
	assert.Equal(t, "last_active_at", q.Filters[0].Column)
	assert.Equal(t, store.OpGte, q.Filters[0].Op)
	assert.Equal(t, testBase.AddDate(0, 0, -7), q.Filters[0].Value)
}

func TestSyncLeaderboardData_GuardCollapsesBursts(t *testing.T) {
	svc, repo, _, _, clk := newTestService(t)
	repo.entries = seedEntries(3)
	repo.total = 3

	st := svc.SyncLeaderboardData(context.Background())
	assert.Equal(t, model.SyncSuccess, st.State)
	require.Equal(t, 1, repo.calls())

	clk.Advance(10 * time.Second)
	st = svc.SyncLeaderboardData(context.Background())
	assert.Equal(t, model.SyncSuccess, st.State)
	assert.Equal(t, "recently synced", st.Message)
	assert.Equal(t, 1, repo.calls(), "a sync 10s after the last must be skipped")

	clk.Advance(30 * time.Second)
	st = svc.SyncLeaderboardData(context.Background())
	assert.Equal(t, model.SyncSuccess, st.State)
	assert.Equal(t, 2, repo.calls())
}

func TestSyncLeaderboardData_ReportsFetchError(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	repo.findErr = errors.New("connection refused")

	st := svc.SyncLeaderboardData(context.Background())
	assert.Equal(t, model.SyncError, st.State)
	assert.Contains(t, st.Message, "connection refused")
}

func TestHandleUserPointsUpdate_ReordersAndNotifies(t *testing.T) {
	svc, repo, auth, _, _ := newTestService(t)
	repo.entries = []model.LeaderboardEntry{
		entry("c", "carol", 80, 1),
		entry("a", "alice", 50, 2),
		entry("b", "bob", 30, 3),
	}
	repo.total = 3
	svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)

	pagesCh, cancel := svc.SubscribePages()
	defer cancel()

	svc.HandleUserPointsUpdate(context.Background(), "a", 50, 1)

	cached := svc.CachedLeaderboard()
	require.NotNil(t, cached)
	require.Len(t, cached.Entries, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{
		cached.Entries[0].ID, cached.Entries[1].ID, cached.Entries[2].ID,
	})
	assert.Equal(t, 1, cached.Entries[0].Rank)
	assert.Equal(t, 2, cached.Entries[1].Rank)
	assert.Equal(t, 3, cached.Entries[2].Rank)

	select {
	case published := <-pagesCh:
		assert.Len(t, published.Entries, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published page")
	}

	assert.Equal(t, []rankNotif{{userID: "a", rank: 2}}, auth.notifications())
}

func TestHandleUserPointsUpdate_PromotesUserAndUpdatesOwnRank(t *testing.T) {
	svc, repo, auth, _, _ := newTestService(t)
	auth.userID = "b"
	repo.entries = []model.LeaderboardEntry{
		entry("c", "carol", 80, 1),
		entry("a", "alice", 50, 2),
		entry("b", "bob", 30, 3),
	}
	repo.total = 3
	svc.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)

	ranksCh, cancel := svc.SubscribeUserRank()
	defer cancel()

	svc.HandleUserPointsUpdate(context.Background(), "b", 120, 2)

	cached := svc.CachedLeaderboard()
	require.NotNil(t, cached)
	assert.Equal(t, "b", cached.Entries[0].ID)
	assert.Equal(t, 1, cached.Entries[0].Rank)
	assert.Equal(t, int64(120), cached.Entries[0].TotalPoints)

	me := svc.CachedUserRank()
	require.NotNil(t, me)
	assert.Equal(t, 1, me.Rank)
	assert.Equal(t, int64(120), me.TotalPoints)

	select {
	case got := <-ranksCh:
		assert.Equal(t, 1, got.Rank)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rank update")
	}
	assert.Contains(t, auth.notifications(), rankNotif{userID: "b", rank: 1})
}

func TestHandleUserPointsUpdate_NoCacheIsNoOp(t *testing.T) {
	svc, _, auth, _, _ := newTestService(t)
	svc.HandleUserPointsUpdate(context.Background(), "a", 100, 1)
	assert.Nil(t, svc.CachedLeaderboard())
	assert.Empty(t, auth.notifications())
}

func TestPushEvent_OverwritesOptimisticState(t *testing.T) {
	svc, repo, auth, _, _ := newTestService(t)
	auth.userID = "a"
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	svc.Start(ctx)
	defer svc.Close()

	repo.tableCh <- []model.LeaderboardEntry{
		entry("c", "carol", 80, 1),
		entry("a", "alice", 50, 2),
		entry("b", "bob", 30, 3),
	}
	require.Eventually(t, func() bool {
		p := svc.CachedLeaderboard()
		return p != nil && len(p.Entries) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Optimistic reorder puts the user at rank 1.
	svc.HandleUserPointsUpdate(context.Background(), "a", 999, 2)
	require.Eventually(t, func() bool {
		me := svc.CachedUserRank()
		return me != nil && me.Rank == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The authoritative snapshot disagrees and wins wholesale.
	repo.tableCh <- []model.LeaderboardEntry{
		entry("c", "carol", 80, 1),
		entry("d", "dave", 75, 2),
		entry("e", "erin", 70, 3),
		entry("f", "fay", 65, 4),
		entry("a", "alice", 60, 5),
	}
	require.Eventually(t, func() bool {
		me := svc.CachedUserRank()
		return me != nil && me.Rank == 5
	}, 2*time.Second, 10*time.Millisecond)

	p := svc.CachedLeaderboard()
	require.NotNil(t, p)
	assert.Len(t, p.Entries, 5)
	assert.Equal(t, int64(60), p.Entries[4].TotalPoints)
}

func TestUserRowPush_NotifiesRankChange(t *testing.T) {
	svc, repo, auth, _, _ := newTestService(t)
	auth.userID = "a"
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	svc.Start(ctx)
	defer svc.Close()

	ranksCh, cancel := svc.SubscribeUserRank()
	defer cancel()

	repo.userCh <- []model.LeaderboardEntry{entry("a", "alice", 60, 5)}

	select {
	case got := <-ranksCh:
		assert.Equal(t, 5, got.Rank)
		assert.True(t, got.IsCurrentUser)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rank push")
	}

	require.Eventually(t, func() bool {
		for _, n := range auth.notifications() {
			if n == (rankNotif{userID: "a", rank: 5}) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	me := svc.CachedUserRank()
	require.NotNil(t, me)
	assert.Equal(t, 5, me.Rank)
}

func TestPushEvent_DuplicatePayloadsAreDropped(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	svc.Start(ctx)
	defer svc.Close()

	pagesCh, cancel := svc.SubscribePages()
	defer cancel()

	snapshot := []model.LeaderboardEntry{
		entry("c", "carol", 80, 1),
		entry("a", "alice", 50, 2),
		entry("b", "bob", 30, 3),
	}
	repo.tableCh <- snapshot
	repo.tableCh <- snapshot
	repo.tableCh <- []model.LeaderboardEntry{
		entry("c", "carol", 90, 1),
		entry("a", "alice", 50, 2),
	}

	first := recvPage(t, pagesCh)
	assert.Len(t, first.Entries, 3)

	second := recvPage(t, pagesCh)
	assert.Len(t, second.Entries, 2, "the duplicate snapshot must not reach subscribers")

	select {
	case extra := <-pagesCh:
		t.Fatalf("unexpected extra page with %d entries", len(extra.Entries))
	case <-time.After(100 * time.Millisecond):
	}
}

func recvPage(t *testing.T, ch <-chan model.LeaderboardPage) model.LeaderboardPage {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for page")
		return model.LeaderboardPage{}
	}
}

func TestGetUserRankContext_ClampsLowerBound(t *testing.T) {
	svc, repo, auth, local, _ := newTestService(t)
	auth.userID = "a"
	me := entry("a", "alice", 950, 3)
	repo.userRow = &me
	repo.entries = seedEntries(8)

	res := svc.GetUserRankContext(context.Background(), 5)
	require.True(t, res.IsOk())

	q := repo.lastQuery()
	require.Len(t, q.Filters, 2)
	assert.Equal(t, store.Gte("rank", 1), q.Filters[0], "lower bound must clamp to rank 1")
	assert.Equal(t, store.Lte("rank", 8), q.Filters[1])
	require.NotNil(t, q.Order)
	assert.Equal(t, "rank", q.Order.Column)
	assert.False(t, q.Order.Desc)

	cached := svc.CachedUserRank()
	require.NotNil(t, cached)
	assert.Equal(t, 3, cached.Rank)
	assert.True(t, cached.IsCurrentUser)

	_, ok, err := local.GetString(context.Background(), "leaderboard.cached_user_rank")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetUserRankContext_RequiresAuthenticatedUser(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	res := svc.GetUserRankContext(context.Background(), 5)
	require.False(t, res.IsOk())
}

func TestSearchUsers_FiltersByUsername(t *testing.T) {
	svc, repo, auth, _, _ := newTestService(t)
	auth.userID = "ub"
	repo.entries = seedEntries(3)

	res := svc.SearchUsers(context.Background(), "player", 10)
	require.True(t, res.IsOk())

	q := repo.lastQuery()
	require.Len(t, q.Filters, 1)
	assert.Equal(t, store.IContains("username", "player"), q.Filters[0])
	assert.Equal(t, 10, q.Limit)

	var marked int
	for _, e := range res.Value() {
		if e.IsCurrentUser {
			marked++
			assert.Equal(t, "ub", e.ID)
		}
	}
	assert.Equal(t, 1, marked)
}

func TestGetUserStats_ComputesPercentile(t *testing.T) {
	svc, repo, auth, _, _ := newTestService(t)
	auth.userID = "a"
	me := entry("a", "alice", 500, 10)
	me.Level = 3
	repo.userRow = &me
	repo.total = 200

	res := svc.GetUserStats(context.Background())
	require.True(t, res.IsOk())

	stats := res.Value()
	assert.Equal(t, 10, stats.Rank)
	assert.Equal(t, int64(500), stats.TotalPoints)
	assert.Equal(t, 3, stats.Level)
	assert.Equal(t, int64(200), stats.TotalPlayers)
	assert.InDelta(t, 5.0, stats.TopPercentile, 0.0001)
}

func TestCachedLeaderboard_HydratesFromMirror(t *testing.T) {
	repo := newFakeRepo()
	auth := &fakeAuth{}
	local := kv.NewMemory()
	clk := clock.NewManual(testBase)

	first := New(context.Background(), repo, auth, local, WithClock(clk))
	repo.entries = seedEntries(4)
	repo.total = 4
	first.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)

	// A fresh service over the same local store renders instantly but
	// still goes to the network on first read.
	second := New(context.Background(), repo, auth, local, WithClock(clk))
	cached := second.CachedLeaderboard()
	require.NotNil(t, cached)
	assert.Len(t, cached.Entries, 4)

	before := repo.calls()
	second.GetLeaderboardPage(context.Background(), 1, 20, FilterNone, SortByPoints, false)
	assert.Equal(t, before+1, repo.calls())
}
