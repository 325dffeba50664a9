// Package main is the entry point for the scavenger sync daemon: the
// composition root wiring the remote store, local storage, leaderboard
// service and migration coordinator together.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"scavenger-sync/internal/config"
	"scavenger-sync/internal/leaderboard"
	"scavenger-sync/internal/migration"
	"scavenger-sync/internal/model"
	"scavenger-sync/internal/pkg/db"
	"scavenger-sync/internal/pkg/kv"
	"scavenger-sync/internal/repository"
	"scavenger-sync/internal/store"
)

// staticAuth is the minimal auth collaborator: the user id comes from
// configuration and rank changes are logged. A real deployment plugs
// the session layer in here.
type staticAuth struct {
	userID string
}

func (a *staticAuth) CurrentUserID() string {
	return a.userID
}

func (a *staticAuth) NotifyRankChanged(userID string, newRank int) {
	log.Info().Str("user_id", userID).Int("rank", newRank).Msg("Rank changed")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	var local kv.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := kv.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to local storage")
		}
		defer redisStore.Close()
		local = redisStore
	} else {
		log.Warn().Msg("No redis address configured, local storage is in-memory")
		local = kv.NewMemory()
	}

	client := store.NewPostgres(dbPool.Pool, store.WithReadOnlyResources(model.ResourceLeaderboard))

	entries := repository.New(client, repository.Codec[model.LeaderboardEntry]{
		Resource:    model.ResourceLeaderboard,
		KeyColumn:   "id",
		OwnerColumn: "id",
		Decode:      model.DecodeLeaderboardEntry,
		Encode:      model.EncodeLeaderboardEntry,
	})
	profiles := repository.New(client, repository.Codec[model.Profile]{
		Resource:    model.ResourceProfiles,
		KeyColumn:   "id",
		OwnerColumn: "user_id",
		Decode:      model.DecodeProfile,
		Encode:      model.EncodeProfile,
	})
	items := repository.New(client, repository.Codec[model.CollectedItem]{
		Resource:    model.ResourceItems,
		KeyColumn:   "id",
		OwnerColumn: "user_id",
		Decode:      model.DecodeCollectedItem,
		Encode:      model.EncodeCollectedItem,
	})
	stats := repository.New(client, repository.Codec[model.CategoryStat]{
		Resource:    model.ResourceCategoryStats,
		KeyColumn:   "id",
		OwnerColumn: "user_id",
		Decode:      model.DecodeCategoryStat,
		Encode:      model.EncodeCategoryStat,
	})
	achievements := repository.New(client, repository.Codec[model.Achievement]{
		Resource:    model.ResourceAchievements,
		KeyColumn:   "id",
		OwnerColumn: "user_id",
		Decode:      model.DecodeAchievement,
		Encode:      model.EncodeAchievement,
	})

	auth := &staticAuth{userID: cfg.Auth.UserID}

	service := leaderboard.New(ctx, entries, auth, local,
		leaderboard.WithCacheTTL(cfg.Leaderboard.CacheTTL),
		leaderboard.WithSyncGuard(cfg.Leaderboard.SyncGuard),
		leaderboard.WithRefreshInterval(cfg.Leaderboard.RefreshInterval),
		leaderboard.WithResubscribeDelay(cfg.Leaderboard.ResubscribeDelay),
		leaderboard.WithTopN(cfg.Leaderboard.TopN),
		leaderboard.WithPageSize(cfg.Leaderboard.PageSize),
	)
	service.Start(ctx)

	coordinator := migration.New(profiles, items, stats, achievements, auth, local,
		cfg.Migration.TargetVersion,
		migration.WithThrottle(cfg.Migration.Throttle),
		migration.WithDuplicateCheck(func(err error) bool {
			return repository.KindOf(err) == repository.KindDuplicateKey
		}),
	)
	// The migration never blocks app usage; it runs in the background
	// and retries on its own cool-down.
	go coordinator.Run(ctx)

	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
	go func() {
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	service.Close()
	log.Info().Msg("Sync daemon stopped gracefully")
}

// runMigrations executes remote-store schema migrations: the entity
// tables, the ranking view and the change-notification triggers that
// back push subscriptions.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: entity tables.
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS player_profiles (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			total_points BIGINT NOT NULL DEFAULT 0 CHECK (total_points >= 0),
			level INT NOT NULL DEFAULT 1 CHECK (level >= 1),
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_player_profiles_points ON player_profiles(total_points DESC);
	`)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS collected_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			item_code TEXT NOT NULL,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			points BIGINT NOT NULL DEFAULT 0,
			collected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, item_code)
		);
		CREATE INDEX IF NOT EXISTS idx_collected_items_user ON collected_items(user_id);
	`)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS category_stats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			item_count INT NOT NULL DEFAULT 0,
			total_points BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, category)
		);
	`)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS achievements (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			achievement_id TEXT NOT NULL,
			unlocked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, achievement_id)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: entity tables created")

	// Migration 2: ranking view. The store computes dense rank over
	// total_points descending; the view is read-only to clients.
	_, err = pool.Exec(ctx, `
		CREATE OR REPLACE VIEW leaderboard_rankings AS
		SELECT
			user_id AS id,
			username,
			total_points,
			level,
			DENSE_RANK() OVER (ORDER BY total_points DESC)::INT AS rank,
			avatar_url,
			last_active_at
		FROM player_profiles;
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: leaderboard_rankings view created")

	// Migration 3: change-notification triggers backing Subscribe.
	_, err = pool.Exec(ctx, `
		CREATE OR REPLACE FUNCTION notify_table_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('tbl_' || TG_ARGV[0], TG_OP);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql;
	`)
	if err != nil {
		return err
	}
	for _, t := range []struct {
		table   string
		channel string
	}{
		{"player_profiles", "player_profiles"},
		// Profile writes also change the ranking view.
		{"player_profiles", "leaderboard_rankings"},
		{"collected_items", "collected_items"},
		{"category_stats", "category_stats"},
		{"achievements", "achievements"},
	} {
		_, err = pool.Exec(ctx, `
			DROP TRIGGER IF EXISTS notify_`+t.channel+` ON `+t.table+`;
			CREATE TRIGGER notify_`+t.channel+`
			AFTER INSERT OR UPDATE OR DELETE ON `+t.table+`
			FOR EACH STATEMENT EXECUTE FUNCTION notify_table_change('`+t.channel+`');
		`)
		if err != nil {
			return err
		}
	}
	log.Info().Msg("Migration 3: change-notification triggers created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
