package leaderboard

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"scavenger-sync/internal/model"
	"scavenger-sync/internal/pkg/clock"
	"scavenger-sync/internal/pkg/kv"
)

// The optimistic reorder must always yield a page sorted by points
// descending with sequential ranks, containing exactly the same users
// as before, with the updated user carrying the new points.
func TestHandleUserPointsUpdate_ReorderInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		entries := make([]model.LeaderboardEntry, n)
		for i := range entries {
			entries[i] = model.LeaderboardEntry{
				ID:          fmt.Sprintf("u%02d", i),
				Username:    fmt.Sprintf("player%02d", i),
				TotalPoints: rapid.Int64Range(0, 1000).Draw(t, fmt.Sprintf("points%d", i)),
				Level:       1,
				Rank:        i + 1,
			}
		}

		repo := newFakeRepo()
		repo.entries = entries
		repo.total = int64(n)
		svc := New(context.Background(), repo, &fakeAuth{}, kv.NewMemory(),
			WithClock(clock.NewManual(testBase)))
		svc.GetLeaderboardPage(context.Background(), 1, 50, FilterNone, SortByPoints, false)

		target := rapid.IntRange(0, n-1).Draw(t, "target")
		newPoints := rapid.Int64Range(0, 2000).Draw(t, "newPoints")
		svc.HandleUserPointsUpdate(context.Background(), entries[target].ID, newPoints, 2)

		page := svc.CachedLeaderboard()
		if page == nil || len(page.Entries) != n {
			t.Fatalf("cached page lost entries")
		}

		seen := make(map[string]bool, n)
		for i, e := range page.Entries {
			if e.Rank != i+1 {
				t.Fatalf("rank at index %d is %d, want %d", i, e.Rank, i+1)
			}
			if i > 0 && page.Entries[i-1].TotalPoints < e.TotalPoints {
				t.Fatalf("entries not sorted by points descending at index %d", i)
			}
			if seen[e.ID] {
				t.Fatalf("duplicate user %s after reorder", e.ID)
			}
			seen[e.ID] = true
			if e.ID == entries[target].ID && e.TotalPoints != newPoints {
				t.Fatalf("updated user has %d points, want %d", e.TotalPoints, newPoints)
			}
		}
	})
}
