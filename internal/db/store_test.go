package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/shepherd/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "shepherd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, MigrateAll(database))
	// Migrations are idempotent.
	require.NoError(t, MigrateAll(database))
	return NewStore(database)
}

func summary(id string, state models.State, created time.Time) models.Summary {
	return models.Summary{
		ID:         id,
		Name:       "build-" + id,
		Kind:       models.KindRemote,
		State:      state,
		CreatedAt:  created,
		LastActive: created,
		Config: models.Config{
			Kind: models.KindRemote,
			Host: "build.example.com",
			Port: 2222,
			User: "ci",
			Cols: 80,
			Rows: 24,
			Env:  map[string]string{"LANG": "C.UTF-8"},
		},
		Host: &models.HostIdentity{Fingerprint: "SHA256:abc"},
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	require.NoError(t, s.SaveMetadata(ctx, summary("a", models.StateRunning, created)))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)

	assert.Equal(t, "build-a", got.Name)
	assert.Equal(t, models.KindRemote, got.Kind)
	assert.Equal(t, models.StateRunning, got.State)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, "build.example.com", got.Config.Host)
	assert.Equal(t, 2222, got.Config.Port)
	assert.Equal(t, "C.UTF-8", got.Config.Env["LANG"])
	require.NotNil(t, got.Host)
	assert.Equal(t, "SHA256:abc", got.Host.Fingerprint)
}

func TestSaveIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sum := summary("a", models.StateRunning, time.Now())
	require.NoError(t, s.SaveMetadata(ctx, sum))

	sum.State = models.StateStopped
	sum.Cause = "terminated"
	require.NoError(t, s.SaveMetadata(ctx, sum))

	all, err := s.ListPersisted(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.StateStopped, all[0].State)
	assert.Equal(t, "terminated", all[0].Cause)
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.SaveMetadata(ctx, summary(id, models.StateStopped, base.Add(time.Duration(i)*time.Second))))
	}

	all, err := s.ListPersisted(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, summary("a", models.StateStopped, time.Now())))

	require.NoError(t, s.Delete(ctx, "a"))
	assert.ErrorIs(t, s.Delete(ctx, "a"), models.ErrNotFound)
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMarkInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.SaveMetadata(ctx, summary("running", models.StateRunning, now)))
	require.NoError(t, s.SaveMetadata(ctx, summary("detached", models.StateDetached, now)))
	stopped := summary("stopped", models.StateStopped, now)
	stopped.Cause = "exited"
	require.NoError(t, s.SaveMetadata(ctx, stopped))

	n, err := s.MarkInterrupted(ctx, "daemon restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{"running", "detached"} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StateStopped, got.State)
		assert.Equal(t, "daemon restarted", got.Cause)
	}
	got, err := s.Get(ctx, "stopped")
	require.NoError(t, err)
	assert.Equal(t, "exited", got.Cause)
}

func TestEmptyList(t *testing.T) {
	s := newTestStore(t)
	all, err := s.ListPersisted(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}
