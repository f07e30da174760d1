package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("AddTokenEnablesAndIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		d, err := s.AddToken(ctx, "u1", "tok-a")
		require.NoError(t, err)
		assert.True(t, d.NotificationsEnabled)
		assert.Equal(t, []string{"tok-a"}, d.Tokens.Slice())
		assert.False(t, d.LastTokenUpdate.IsZero())

		d, err = s.AddToken(ctx, "u1", "tok-a")
		require.NoError(t, err)
		assert.Equal(t, 1, d.Tokens.Len())
	})

	t.Run("RemoveTokenRecomputesEnabled", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AddToken(ctx, "u1", "tok-a")
		require.NoError(t, err)
		_, err = s.AddToken(ctx, "u1", "tok-b")
		require.NoError(t, err)

		d, err := s.RemoveToken(ctx, "u1", "tok-a")
		require.NoError(t, err)
		assert.True(t, d.NotificationsEnabled)
		assert.Equal(t, []string{"tok-b"}, d.Tokens.Slice())

		d, err = s.RemoveToken(ctx, "u1", "tok-b")
		require.NoError(t, err)
		assert.False(t, d.NotificationsEnabled)
		assert.Equal(t, 0, d.Tokens.Len())

		d, err = s.RemoveToken(ctx, "u1", "tok-b")
		require.NoError(t, err)
		assert.False(t, d.NotificationsEnabled)
	})

	t.Run("RemoveTokenUnknownUser", func(t *testing.T) {
		s := newStore(t)
		_, err := s.RemoveToken(ctx, "ghost", "tok")
		assert.True(t, errors.Is(err, Errors.NotFound))
	})

	t.Run("ConcurrentAddsCommute", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AddToken(ctx, "u1", fmt.Sprintf("tok-%d", i))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		d, err := s.GetDevice(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 8, d.Tokens.Len())
	})

	t.Run("SetPreferencesReplacesWholeObject", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SetPreferences(ctx, "u1", Preferences{NewChapters: true, Comments: true})
		require.NoError(t, err)

		d, err := s.SetPreferences(ctx, "u1", Preferences{Announcements: true})
		require.NoError(t, err)
		assert.Equal(t, Preferences{Announcements: true}, d.Preferences)
		assert.False(t, d.NotificationsEnabled)
	})

	t.Run("GetDeviceNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetDevice(ctx, "nobody")
		assert.True(t, errors.Is(err, Errors.NotFound))
	})

	t.Run("QueryTokensByPredicate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AddToken(ctx, "reader", "tok-r")
		require.NoError(t, err)
		_, err = s.SetPreferences(ctx, "reader", Preferences{NewChapters: true})
		require.NoError(t, err)

		_, err = s.AddToken(ctx, "lurker", "tok-l")
		require.NoError(t, err)

		_, err = s.AddToken(ctx, "gone", "tok-g")
		require.NoError(t, err)
		_, err = s.SetPreferences(ctx, "gone", Preferences{NewChapters: true})
		require.NoError(t, err)
		_, err = s.RemoveToken(ctx, "gone", "tok-g")
		require.NoError(t, err)

		all, err := s.QueryTokens(ctx, Predicate{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"tok-r", "tok-l"}, all)

		subs, err := s.QueryTokens(ctx, Predicate{
			NotificationsEnabled: Enabled(true),
			Preferences:          []string{PrefNewChapters},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"tok-r"}, subs)

		byID, err := s.QueryTokens(ctx, Predicate{NotificationsEnabled: Enabled(true), UserIDs: []string{"lurker", "gone"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"tok-l"}, byID)

		_, err = s.QueryTokens(ctx, Predicate{Preferences: []string{"bogus"}})
		assert.Error(t, err)
	})

	t.Run("QueryAndPruneBeyondFilterLimit", func(t *testing.T) {
		s := newStore(t)
		var userIDs, tokens []string
		for i := 0; i < 35; i++ {
			userID := fmt.Sprintf("reader-%02d", i)
			token := fmt.Sprintf("tok-%02d", i)
			_, err := s.AddToken(ctx, userID, token)
			require.NoError(t, err)
			userIDs = append(userIDs, userID)
			tokens = append(tokens, token)
		}

		got, err := s.QueryTokens(ctx, Predicate{NotificationsEnabled: Enabled(true), UserIDs: userIDs})
		require.NoError(t, err)
		assert.ElementsMatch(t, tokens, got)

		removed, err := s.PruneTokens(ctx, tokens)
		require.NoError(t, err)
		assert.Equal(t, 35, removed)

		d, err := s.GetDevice(ctx, "reader-34")
		require.NoError(t, err)
		assert.Equal(t, 0, d.Tokens.Len())
		assert.False(t, d.NotificationsEnabled)
	})

	t.Run("PruneTokensAcrossOwners", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AddToken(ctx, "a", "shared")
		require.NoError(t, err)
		_, err = s.AddToken(ctx, "b", "shared")
		require.NoError(t, err)
		_, err = s.AddToken(ctx, "b", "keep")
		require.NoError(t, err)

		n, err := s.PruneTokens(ctx, []string{"shared", "unknown"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		a, err := s.GetDevice(ctx, "a")
		require.NoError(t, err)
		assert.False(t, a.NotificationsEnabled)
		assert.Equal(t, 0, a.Tokens.Len())

		b, err := s.GetDevice(ctx, "b")
		require.NoError(t, err)
		assert.True(t, b.NotificationsEnabled)
		assert.Equal(t, []string{"keep"}, b.Tokens.Slice())
	})

	t.Run("StaleJobs", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC().Truncate(time.Second)
		hourAgo := now.Add(-time.Hour)
		require.NoError(t, s.CreateJob(ctx, &Job{ID: "stuck", Status: JobInProgress, SendAt: hourAgo, CreatedAt: hourAgo}))
		require.NoError(t, s.CreateJob(ctx, &Job{ID: "fresh", Status: JobQueued, SendAt: now, CreatedAt: now}))
		require.NoError(t, s.CreateJob(ctx, &Job{ID: "waiting", Status: JobScheduled, SendAt: now, CreatedAt: hourAgo}))

		cutoff := now.Add(-30 * time.Minute)
		stale, err := s.GetStaleJobs(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "stuck", stale[0].ID)

		require.NoError(t, s.ClaimJob(ctx, "stuck", JobInProgress, JobScheduled))
		stale, err = s.GetStaleJobs(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("JobLifecycle", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC().Truncate(time.Second)
		intent := Intent{Title: "Chapter 12", Body: "Out now", URL: "/c/12", Audience: Audience{Kind: AudienceUsers, UserIDs: []string{"u1"}}}

		due := &Job{ID: "job-due", Intent: intent, Status: JobScheduled, SendAt: now.Add(-time.Minute)}
		later := &Job{ID: "job-later", Intent: intent, Status: JobScheduled, SendAt: now.Add(time.Hour)}
		require.NoError(t, s.CreateJob(ctx, due))
		require.NoError(t, s.CreateJob(ctx, later))
		assert.True(t, errors.Is(s.CreateJob(ctx, due), Errors.AlreadyExists))

		jobs, err := s.GetDueJobs(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "job-due", jobs[0].ID)
		assert.Equal(t, intent, jobs[0].Intent)

		require.NoError(t, s.ClaimJob(ctx, "job-due", JobScheduled, JobQueued))
		assert.True(t, errors.Is(s.ClaimJob(ctx, "job-due", JobScheduled, JobQueued), Errors.Conflict))
		assert.True(t, errors.Is(s.ClaimJob(ctx, "missing", JobScheduled, JobQueued), Errors.NotFound))

		outcome := JobOutcome{TotalTokens: 3, SentCount: 2, FailedCount: 1, PrunedCount: 1}
		require.NoError(t, s.CompleteJob(ctx, "job-due", JobCompleted, outcome))

		got, err := s.GetJob(ctx, "job-due")
		require.NoError(t, err)
		assert.Equal(t, JobCompleted, got.Status)
		assert.Equal(t, outcome, got.Outcome)
		require.NotNil(t, got.CompletedAt)

		_, err = s.GetJob(ctx, "missing")
		assert.True(t, errors.Is(err, Errors.NotFound))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		path := filepath.Join(t.TempDir(), "novelpush.db")
		s, err := NewSQLStore(path, quietLogger())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(url, quietLogger())
		require.NoError(t, err)
		t.Cleanup(func() {
			for _, table := range []string{"notification_jobs", "device_tokens", "user_devices"} {
				s.db.Exec("DELETE FROM " + table)
			}
			s.Close()
		})
		for _, table := range []string{"notification_jobs", "device_tokens", "user_devices"} {
			_, err := s.db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		return s
	})
}

func TestFirestoreStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	runStoreSuite(t, func(t *testing.T) Store {
		// The emulator keeps one database per project id.
		projectID := fmt.Sprintf("novelpush-test-%d", time.Now().UnixNano())
		s, err := NewFirestoreStore(ctx, projectID, quietLogger())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
