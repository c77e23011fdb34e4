package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokisec/loki/pkg/ledger"
	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id string, startedAt time.Time) session.Record {
	return session.Record{
		ID:           id,
		Name:         "record " + id,
		Mode:         session.ModeShuffled,
		Mischief:     []string{"alg-none", "kid-manipulation"},
		Probability:  0.5,
		ShuffleQueue: []string{"kid-manipulation"},
		PluginConfig: map[string]map[string]any{
			"kid-manipulation": {"mode": "sql-injection"},
		},
		StartedAt: startedAt,
	}
}

func sampleEntry(sessionID string, n int) ledger.Entry {
	return ledger.Entry{
		ID:        fmt.Sprintf("%s-entry-%d", sessionID, n),
		SessionID: sessionID,
		RequestID: fmt.Sprintf("req_%d", n),
		Timestamp: time.Now().UTC(),
		Plugin: ledger.PluginSnapshot{
			ID:       "alg-none",
			Name:     "Algorithm None",
			Severity: mischief.SeverityCritical,
		},
		Spec: ledger.SpecSnapshot{
			RFC:         "RFC 7515 §4.1.1",
			Requirement: "tokens must carry a valid signature",
			Violation:   "stripped the signature",
		},
		Evidence: map[string]any{"mutation": "stripped the signature"},
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	rec := sampleRecord("sess_1", started)
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.LoadSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Mode, got.Mode)
	assert.Equal(t, rec.Mischief, got.Mischief)
	assert.Equal(t, rec.Probability, got.Probability)
	assert.Equal(t, rec.ShuffleQueue, got.ShuffleQueue)
	assert.Equal(t, rec.PluginConfig, got.PluginConfig)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	assert.Nil(t, got.EndedAt)

	// Upsert with an end time.
	ended := started.Add(time.Minute)
	rec.EndedAt = &ended
	rec.ShuffleQueue = nil
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err = s.LoadSession(ctx, "sess_1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))
	assert.Empty(t, got.ShuffleQueue)
}

func TestStore_LoadSession_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.LoadSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_LoadAllSessions_DescendingStart(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SaveSession(ctx, sampleRecord("sess_old", base.Add(-2*time.Hour))))
	require.NoError(t, s.SaveSession(ctx, sampleRecord("sess_new", base)))
	require.NoError(t, s.SaveSession(ctx, sampleRecord("sess_mid", base.Add(-time.Hour))))

	all, err := s.LoadAllSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "sess_new", all[0].ID)
	assert.Equal(t, "sess_mid", all[1].ID)
	assert.Equal(t, "sess_old", all[2].ID)
}

func TestStore_EntriesInsertionOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, sampleRecord("sess_1", time.Now().UTC())))

	for i := range 5 {
		require.NoError(t, s.SaveEntry(ctx, sampleEntry("sess_1", i)))
	}

	entries, err := s.LoadEntries(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("sess_1-entry-%d", i), e.ID)
		assert.Equal(t, "stripped the signature", e.Evidence["mutation"])
		assert.Equal(t, mischief.SeverityCritical, e.Plugin.Severity)
	}

	other, err := s.LoadEntries(ctx, "sess_other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_DeleteSession_Cascades(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, sampleRecord("sess_1", time.Now().UTC())))
	require.NoError(t, s.SaveEntry(ctx, sampleEntry("sess_1", 0)))
	require.NoError(t, s.SaveEntry(ctx, sampleEntry("sess_1", 1)))

	require.NoError(t, s.DeleteSession(ctx, "sess_1"))

	_, err := s.LoadSession(ctx, "sess_1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	entries, err := s.LoadEntries(ctx, "sess_1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ErrorIs(t, s.DeleteSession(ctx, "sess_1"), ledger.ErrNotFound)
}

func TestStore_PurgeAll(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"sess_1", "sess_2"} {
		require.NoError(t, s.SaveSession(ctx, sampleRecord(id, time.Now().UTC())))
		require.NoError(t, s.SaveEntry(ctx, sampleEntry(id, 0)))
	}

	require.NoError(t, s.PurgeAll(ctx))

	all, err := s.LoadAllSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, sampleRecord("sess_1", time.Now().UTC())))
	require.NoError(t, s.SaveEntry(ctx, sampleEntry("sess_1", 0)))
	require.NoError(t, s.Close())

	reopened, err := New(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.LoadSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "record sess_1", rec.Name)

	entries, err := reopened.LoadEntries(ctx, "sess_1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
