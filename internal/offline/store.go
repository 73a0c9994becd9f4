package offline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
)

const DefaultCacheMaxAge = time.Hour

type StoreOptions struct {
	// Schemas validates action payloads by kind. Nil disables schema checks.
	Schemas     *SchemaRegistry
	CacheMaxAge time.Duration
	Now         func() time.Time
	NewID       func() string
}

// Store is the typed view over a Backend: the offline action queue, the
// response cache and the store-and-forward domain records.
type Store struct {
	backend     Backend
	schemas     *SchemaRegistry
	cacheMaxAge time.Duration
	now         func() time.Time
	newID       func() string
}

func NewStore(backend Backend) *Store {
	return NewStoreWithOptions(backend, StoreOptions{})
}

func NewStoreWithOptions(backend Backend, opts StoreOptions) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend:     backend,
		schemas:     opts.Schemas,
		cacheMaxAge: opts.CacheMaxAge,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if s.cacheMaxAge <= 0 {
		s.cacheMaxAge = DefaultCacheMaxAge
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}
	return s
}

func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// PrepareAction normalizes and validates an action without persisting it.
// ID and EnqueuedAt are assigned when missing; Attempts always starts at zero.
func (s *Store) PrepareAction(action Action) (Action, error) {
	action.Kind = strings.TrimSpace(action.Kind)
	action.TargetEndpoint = strings.TrimSpace(action.TargetEndpoint)
	action.Method = strings.ToUpper(strings.TrimSpace(action.Method))
	fields := []FieldError{}
	if action.Kind == "" {
		fields = append(fields, FieldError{Field: "kind", Reason: "required"})
	}
	if action.TargetEndpoint == "" {
		fields = append(fields, FieldError{Field: "targetEndpoint", Reason: "required"})
	}
	switch action.Method {
	case "":
		action.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		fields = append(fields, FieldError{Field: "method", Reason: "unsupported " + action.Method})
	}
	if len(fields) > 0 {
		return Action{}, &ValidationError{Kind: action.Kind, Fields: fields}
	}
	if len(action.Payload) == 0 {
		action.Payload = json.RawMessage(`{}`)
	}
	if err := s.schemas.Validate(action.Kind, action.Payload); err != nil {
		return Action{}, err
	}
	if strings.TrimSpace(action.ID) == "" {
		action.ID = s.newID()
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = s.now()
	}
	action.Attempts = 0
	action.LastError = ""
	return action, nil
}

// EnqueueAction validates and persists a new pending action.
func (s *Store) EnqueueAction(ctx context.Context, action Action) (Action, error) {
	action, err := s.PrepareAction(action)
	if err != nil {
		return Action{}, err
	}
	if err := s.putJSON(ctx, CollectionActions, action.ID, action); err != nil {
		return Action{}, pkgerrors.Wrap(err, "enqueue action")
	}
	return action, nil
}

// PendingActions returns queued actions oldest first.
func (s *Store) PendingActions(ctx context.Context) ([]Action, error) {
	actions, err := listJSON[Action](ctx, s.backend, CollectionActions)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list pending actions")
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].EnqueuedAt.Equal(actions[j].EnqueuedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].EnqueuedAt.Before(actions[j].EnqueuedAt)
	})
	return actions, nil
}

func (s *Store) GetAction(ctx context.Context, id string) (Action, error) {
	var action Action
	if err := s.getJSON(ctx, CollectionActions, id, &action); err != nil {
		return Action{}, err
	}
	return action, nil
}

// UpdateAction re-persists an existing action, typically after a failed
// delivery bumped its attempt counter.
func (s *Store) UpdateAction(ctx context.Context, action Action) error {
	if strings.TrimSpace(action.ID) == "" {
		return ErrInvalidInput
	}
	if _, err := s.backend.Get(ctx, CollectionActions, action.ID); err != nil {
		return err
	}
	return pkgerrors.Wrapf(s.putJSON(ctx, CollectionActions, action.ID, action), "update action %s", action.ID)
}

func (s *Store) RemoveAction(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	return pkgerrors.Wrapf(s.backend.Delete(ctx, CollectionActions, id), "remove action %s", id)
}

func (s *Store) CacheResponse(ctx context.Context, key string, value json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" || !json.Valid(value) {
		return ErrInvalidInput
	}
	entry := CachedResponse{Key: key, Value: value, Timestamp: s.now()}
	return pkgerrors.Wrapf(s.putJSON(ctx, CollectionCachedResponses, key, entry), "cache response %s", key)
}

// CachedResponse returns the entry for key if it is younger than maxAge. A
// non-positive maxAge uses the store default. Stale entries are deleted.
func (s *Store) CachedResponse(ctx context.Context, key string, maxAge time.Duration) (CachedResponse, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return CachedResponse{}, false, ErrInvalidInput
	}
	if maxAge <= 0 {
		maxAge = s.cacheMaxAge
	}
	var entry CachedResponse
	err := s.getJSON(ctx, CollectionCachedResponses, key, &entry)
	if errors.Is(err, ErrNotFound) {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, err
	}
	if s.now().Sub(entry.Timestamp) > maxAge {
		_ = s.backend.Delete(ctx, CollectionCachedResponses, key)
		return CachedResponse{}, false, nil
	}
	return entry, true, nil
}

// SaveStudySession stores a session as not yet synced.
func (s *Store) SaveStudySession(ctx context.Context, session StudySession) (StudySession, error) {
	if strings.TrimSpace(session.ID) == "" {
		session.ID = s.newID()
	}
	now := s.now()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.UpdatedAt = now
	session.Synced = false
	if err := validateRecord("study session", session); err != nil {
		return StudySession{}, err
	}
	if err := s.putJSON(ctx, CollectionStudySessions, session.ID, session); err != nil {
		return StudySession{}, pkgerrors.Wrap(err, "save study session")
	}
	return session, nil
}

func (s *Store) StudySessions(ctx context.Context) ([]StudySession, error) {
	sessions, err := listJSON[StudySession](ctx, s.backend, CollectionStudySessions)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list study sessions")
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (s *Store) UnsyncedStudySessions(ctx context.Context) ([]StudySession, error) {
	sessions, err := s.StudySessions(ctx)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, session := range sessions {
		if !session.Synced {
			out = append(out, session)
		}
	}
	return out, nil
}

// MarkStudySessionSynced flags the session as pushed, unless it was saved
// again after updatedAt.
func (s *Store) MarkStudySessionSynced(ctx context.Context, id string, updatedAt time.Time) error {
	var session StudySession
	if err := s.getJSON(ctx, CollectionStudySessions, id, &session); err != nil {
		return err
	}
	if !updatedAt.IsZero() && session.UpdatedAt.After(updatedAt) {
		return nil
	}
	session.Synced = true
	return pkgerrors.Wrapf(s.putJSON(ctx, CollectionStudySessions, id, session), "mark study session %s synced", id)
}

// SaveNote stores a note as not yet synced.
func (s *Store) SaveNote(ctx context.Context, note Note) (Note, error) {
	now := s.now()
	if strings.TrimSpace(note.ID) == "" {
		note.ID = s.newID()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	note.UpdatedAt = now
	note.Synced = false
	if err := validateRecord("note", note); err != nil {
		return Note{}, err
	}
	if err := s.putJSON(ctx, CollectionNotes, note.ID, note); err != nil {
		return Note{}, pkgerrors.Wrap(err, "save note")
	}
	return note, nil
}

func (s *Store) Notes(ctx context.Context) ([]Note, error) {
	notes, err := listJSON[Note](ctx, s.backend, CollectionNotes)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list notes")
	}
	sort.SliceStable(notes, func(i, j int) bool {
		return notes[i].CreatedAt.Before(notes[j].CreatedAt)
	})
	return notes, nil
}

func (s *Store) UnsyncedNotes(ctx context.Context) ([]Note, error) {
	notes, err := s.Notes(ctx)
	if err != nil {
		return nil, err
	}
	out := notes[:0]
	for _, note := range notes {
		if !note.Synced {
			out = append(out, note)
		}
	}
	return out, nil
}

// MarkNoteSynced flags the note as pushed, unless it was edited after
// updatedAt.
func (s *Store) MarkNoteSynced(ctx context.Context, id string, updatedAt time.Time) error {
	var note Note
	if err := s.getJSON(ctx, CollectionNotes, id, &note); err != nil {
		return err
	}
	if !updatedAt.IsZero() && note.UpdatedAt.After(updatedAt) {
		return nil
	}
	note.Synced = true
	return pkgerrors.Wrapf(s.putJSON(ctx, CollectionNotes, id, note), "mark note %s synced", id)
}

// SaveUserProgress replaces the singleton progress record.
func (s *Store) SaveUserProgress(ctx context.Context, progress UserProgress) (UserProgress, error) {
	progress.UpdatedAt = s.now()
	progress.Synced = false
	if progress.Level == 0 {
		progress.Level = 1
	}
	if err := validateRecord("user progress", progress); err != nil {
		return UserProgress{}, err
	}
	if err := s.putJSON(ctx, CollectionUserProgress, userProgressKey, progress); err != nil {
		return UserProgress{}, pkgerrors.Wrap(err, "save user progress")
	}
	return progress, nil
}

func (s *Store) UserProgress(ctx context.Context) (UserProgress, bool, error) {
	var progress UserProgress
	err := s.getJSON(ctx, CollectionUserProgress, userProgressKey, &progress)
	if errors.Is(err, ErrNotFound) {
		return UserProgress{}, false, nil
	}
	if err != nil {
		return UserProgress{}, false, err
	}
	return progress, true, nil
}

// MarkUserProgressSynced flags the progress record as pushed, unless it was
// replaced after updatedAt (a newer local write still has to go out).
func (s *Store) MarkUserProgressSynced(ctx context.Context, updatedAt time.Time) error {
	progress, ok, err := s.UserProgress(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if !updatedAt.IsZero() && progress.UpdatedAt.After(updatedAt) {
		return nil
	}
	progress.Synced = true
	return pkgerrors.Wrap(s.putJSON(ctx, CollectionUserProgress, userProgressKey, progress), "mark user progress synced")
}

// SyncStatus counts what is still waiting to be pushed. Online and
// LastSyncAt are left for the caller that owns connectivity state.
func (s *Store) SyncStatus(ctx context.Context) (SyncStatus, error) {
	actions, err := s.backend.List(ctx, CollectionActions)
	if err != nil {
		return SyncStatus{}, pkgerrors.Wrap(err, "count pending actions")
	}
	sessions, err := s.UnsyncedStudySessions(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	notes, err := s.UnsyncedNotes(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	progress, ok, err := s.UserProgress(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		PendingActions:   len(actions),
		UnsyncedSessions: len(sessions),
		UnsyncedNotes:    len(notes),
		ProgressUnsynced: ok && !progress.Synced,
	}, nil
}

// ClearOfflineData empties all five collections in one backend call.
func (s *Store) ClearOfflineData(ctx context.Context) error {
	return pkgerrors.Wrap(s.backend.Clear(ctx, AllCollections...), "clear offline data")
}

func (s *Store) putJSON(ctx context.Context, collection, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, collection, key, data)
}

func (s *Store) getJSON(ctx context.Context, collection, key string, v any) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	data, err := s.backend.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func listJSON[T any](ctx context.Context, backend Backend, collection string) ([]T, error) {
	records, err := backend.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, record := range records {
		var v T
		if err := json.Unmarshal(record.Value, &v); err != nil {
			return nil, pkgerrors.Wrapf(err, "decode %s/%s", collection, record.Key)
		}
		out = append(out, v)
	}
	return out, nil
}
