package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	schemas, err := NewDefaultSchemaRegistry()
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	seq := 0
	store := NewStoreWithOptions(NewMemoryBackend(), StoreOptions{
		Schemas: schemas,
		Now:     clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("id_%03d", seq)
		},
	})
	return store, clock
}

func TestEnqueueActionAssignsIdentityAndDefaults(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	action, err := store.EnqueueAction(ctx, Action{
		Kind:           "todo.complete",
		Payload:        json.RawMessage(`{"todoId":"t1"}`),
		TargetEndpoint: "/rest/v1/todos",
		Attempts:       5,
	})
	require.NoError(t, err)
	assert.Equal(t, "id_001", action.ID)
	assert.Equal(t, clock.now, action.EnqueuedAt)
	assert.Equal(t, 0, action.Attempts)
	assert.Equal(t, "POST", action.Method)

	pending, err := store.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, action.ID, pending[0].ID)
}

func TestEnqueueActionValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.EnqueueAction(ctx, Action{Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrInvalidInput)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 2)

	_, err = store.EnqueueAction(ctx, Action{Kind: "pet.feed", TargetEndpoint: "/rest/v1/pets", Payload: json.RawMessage(`{"petId":"p1","coinsSpent":0}`)})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.EnqueueAction(ctx, Action{Kind: "custom.kind", TargetEndpoint: "/x", Payload: json.RawMessage(`not json`)})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.EnqueueAction(ctx, Action{Kind: "custom.kind", TargetEndpoint: "/x", Method: "GET"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.EnqueueAction(ctx, Action{Kind: "custom.kind", TargetEndpoint: "/x", Payload: json.RawMessage(`{"anything":1}`)})
	require.NoError(t, err)
}

func TestPendingActionsOrderedByEnqueueTime(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	later, err := store.EnqueueAction(ctx, Action{Kind: "k", TargetEndpoint: "/a", EnqueuedAt: clock.now.Add(time.Minute)})
	require.NoError(t, err)
	earlier, err := store.EnqueueAction(ctx, Action{Kind: "k", TargetEndpoint: "/b"})
	require.NoError(t, err)

	pending, err := store.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, earlier.ID, pending[0].ID)
	assert.Equal(t, later.ID, pending[1].ID)
}

func TestUpdateAndRemoveAction(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	action, err := store.EnqueueAction(ctx, Action{Kind: "k", TargetEndpoint: "/a"})
	require.NoError(t, err)
	action.Attempts = 2
	action.LastError = "boom"
	require.NoError(t, store.UpdateAction(ctx, action))

	stored, err := store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, "boom", stored.LastError)

	require.NoError(t, store.RemoveAction(ctx, action.ID))
	pending, err := store.PendingActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = store.UpdateAction(ctx, action)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedResponseExpiresAfterMaxAge(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CacheResponse(ctx, "courses", json.RawMessage(`[{"id":"c1"}]`)))

	entry, ok, err := store.CachedResponse(ctx, "courses", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"c1"}]`, string(entry.Value))

	clock.Advance(11 * time.Minute)
	_, ok, err = store.CachedResponse(ctx, "courses", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// stale entries are removed, so even the longer default no longer finds it
	_, ok, err = store.CachedResponse(ctx, "courses", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedResponseDefaultMaxAge(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CacheResponse(ctx, "quests", json.RawMessage(`{}`)))
	clock.Advance(59 * time.Minute)
	_, ok, err := store.CachedResponse(ctx, "quests", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	clock.Advance(2 * time.Minute)
	_, ok, err = store.CachedResponse(ctx, "quests", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDomainRecordsFlipSyncedInPlace(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session, err := store.SaveStudySession(ctx, StudySession{UserID: "u1", Kind: "pomodoro", DurationMinutes: 25, Synced: true})
	require.NoError(t, err)
	assert.False(t, session.Synced)

	note, err := store.SaveNote(ctx, Note{UserID: "u1", Title: "Cell biology"})
	require.NoError(t, err)

	require.NoError(t, store.MarkStudySessionSynced(ctx, session.ID, session.UpdatedAt))
	require.NoError(t, store.MarkNoteSynced(ctx, note.ID, note.UpdatedAt))

	unsyncedSessions, err := store.UnsyncedStudySessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsyncedSessions)
	all, err := store.StudySessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Synced)

	notes, err := store.Notes(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.True(t, notes[0].Synced)

	assert.ErrorIs(t, store.MarkNoteSynced(ctx, "missing", time.Time{}), ErrNotFound)
}

func TestMarkSyncedKeepsNewerEditsUnsynced(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	note, err := store.SaveNote(ctx, Note{ID: "n1", UserID: "u1", Title: "Mitosis", Content: "v1"})
	require.NoError(t, err)
	session, err := store.SaveStudySession(ctx, StudySession{ID: "s1", UserID: "u1", Kind: "focus"})
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = store.SaveNote(ctx, Note{ID: "n1", UserID: "u1", Title: "Mitosis", Content: "v2", CreatedAt: note.CreatedAt})
	require.NoError(t, err)
	_, err = store.SaveStudySession(ctx, StudySession{ID: "s1", UserID: "u1", Kind: "focus", DurationMinutes: 50, StartedAt: session.StartedAt})
	require.NoError(t, err)

	require.NoError(t, store.MarkNoteSynced(ctx, note.ID, note.UpdatedAt))
	require.NoError(t, store.MarkStudySessionSynced(ctx, session.ID, session.UpdatedAt))

	notes, err := store.UnsyncedNotes(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "v2", notes[0].Content)
	sessions, err := store.UnsyncedStudySessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 50, sessions[0].DurationMinutes)
}

func TestDomainRecordValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.SaveStudySession(ctx, StudySession{UserID: "u1", Kind: "nap"})
	require.ErrorIs(t, err, ErrInvalidInput)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "kind", verr.Fields[0].Field)

	_, err = store.SaveNote(ctx, Note{UserID: "u1"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.SaveUserProgress(ctx, UserProgress{UserID: "u1", PetHappiness: 101})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestUserProgressSingleton(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.UserProgress(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := store.SaveUserProgress(ctx, UserProgress{UserID: "u1", XP: 120})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Level)

	clock.Advance(time.Second)
	_, err = store.SaveUserProgress(ctx, UserProgress{UserID: "u1", XP: 150, Level: 2})
	require.NoError(t, err)

	// a push of the older snapshot must not hide the newer write
	require.NoError(t, store.MarkUserProgressSynced(ctx, first.UpdatedAt))
	progress, ok, err := store.UserProgress(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 150, progress.XP)
	assert.False(t, progress.Synced)

	require.NoError(t, store.MarkUserProgressSynced(ctx, progress.UpdatedAt))
	progress, _, err = store.UserProgress(ctx)
	require.NoError(t, err)
	assert.True(t, progress.Synced)
}

func TestSyncStatusCountsMatchStoredState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.EnqueueAction(ctx, Action{Kind: "k", TargetEndpoint: "/a"})
		require.NoError(t, err)
	}
	s1, err := store.SaveStudySession(ctx, StudySession{UserID: "u1", Kind: "focus"})
	require.NoError(t, err)
	_, err = store.SaveStudySession(ctx, StudySession{UserID: "u1", Kind: "break"})
	require.NoError(t, err)
	_, err = store.SaveNote(ctx, Note{UserID: "u1", Title: "n"})
	require.NoError(t, err)
	require.NoError(t, store.MarkStudySessionSynced(ctx, s1.ID, s1.UpdatedAt))
	_, err = store.SaveUserProgress(ctx, UserProgress{UserID: "u1"})
	require.NoError(t, err)

	status, err := store.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.PendingActions)
	assert.Equal(t, 1, status.UnsyncedSessions)
	assert.Equal(t, 1, status.UnsyncedNotes)
	assert.True(t, status.ProgressUnsynced)
	assert.Equal(t, 6, status.Total())
}

func TestClearOfflineDataEmptiesEveryCollection(t *testing.T) {
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "offline.json"))
	require.NoError(t, err)
	store := NewStore(backend)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	_, err = store.EnqueueAction(ctx, Action{Kind: "k", TargetEndpoint: "/a"})
	require.NoError(t, err)
	require.NoError(t, store.CacheResponse(ctx, "k", json.RawMessage(`1`)))
	_, err = store.SaveStudySession(ctx, StudySession{UserID: "u1", Kind: "focus"})
	require.NoError(t, err)
	_, err = store.SaveNote(ctx, Note{UserID: "u1", Title: "n"})
	require.NoError(t, err)
	_, err = store.SaveUserProgress(ctx, UserProgress{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, store.ClearOfflineData(ctx))

	for _, collection := range AllCollections {
		records, err := backend.List(ctx, collection)
		require.NoError(t, err)
		assert.Empty(t, records, collection)
	}
	status, err := store.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Total())
}
