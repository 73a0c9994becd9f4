package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/agentworkforce/studysync/internal/delivery"
	"github.com/agentworkforce/studysync/internal/offline"
)

const (
	DefaultMaxAttempts = 3

	StudySessionsEndpoint = "/rest/v1/study_sessions"
	NotesEndpoint         = "/rest/v1/notes"
	UserProgressEndpoint  = "/rest/v1/user_progress?on_conflict=user_id"
)

var ErrSyncInProgress = errors.New("sync already in progress")

// Store is the slice of the offline store the sync sweep needs.
type Store interface {
	PrepareAction(action offline.Action) (offline.Action, error)
	EnqueueAction(ctx context.Context, action offline.Action) (offline.Action, error)
	PendingActions(ctx context.Context) ([]offline.Action, error)
	UpdateAction(ctx context.Context, action offline.Action) error
	RemoveAction(ctx context.Context, id string) error
	UnsyncedStudySessions(ctx context.Context) ([]offline.StudySession, error)
	MarkStudySessionSynced(ctx context.Context, id string, updatedAt time.Time) error
	UnsyncedNotes(ctx context.Context) ([]offline.Note, error)
	MarkNoteSynced(ctx context.Context, id string, updatedAt time.Time) error
	UserProgress(ctx context.Context) (offline.UserProgress, bool, error)
	MarkUserProgressSynced(ctx context.Context, updatedAt time.Time) error
	SyncStatus(ctx context.Context) (offline.SyncStatus, error)
}

type Options struct {
	MaxAttempts int
	Logger      *zap.Logger
	Metrics     *Metrics
	Hub         *Hub
	Now         func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Delivered      int       `json:"delivered"`
	Retried        int       `json:"retried"`
	Dropped        int       `json:"dropped"`
	SessionsSynced int       `json:"sessionsSynced"`
	NotesSynced    int       `json:"notesSynced"`
	ProgressSynced bool      `json:"progressSynced"`
	Failures       int       `json:"failures"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// Syncer drains the action queue and pushes unsynced domain records. At most
// one sweep runs at a time.
type Syncer struct {
	store       Store
	client      delivery.Client
	maxAttempts int
	logger      *zap.Logger
	metrics     *Metrics
	hub         *Hub
	now         func() time.Time

	running sync.Mutex

	mu         sync.RWMutex
	lastResult *Result
	lastSyncAt *time.Time
}

func New(store Store, client delivery.Client, opts Options) (*Syncer, error) {
	if store == nil {
		return nil, pkgerrors.New("store is required")
	}
	if client == nil {
		return nil, pkgerrors.New("delivery client is required")
	}
	s := &Syncer{
		store:       store,
		client:      client,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		hub:         opts.Hub,
		now:         opts.Now,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

func (s *Syncer) Hub() *Hub {
	return s.hub
}

func (s *Syncer) MaxAttempts() int {
	return s.maxAttempts
}

// SyncOnce runs one full sweep: actions, then study sessions, then notes,
// then user progress. A storage error ends its own phase only; the returned
// error aggregates every phase that failed. Delivery failures are not
// errors, they are counted in the Result.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	if !s.running.TryLock() {
		return Result{}, ErrSyncInProgress
	}
	defer s.running.Unlock()

	result := Result{StartedAt: s.now()}
	s.hub.Publish(Event{Type: EventSyncStarted, At: result.StartedAt})
	s.logger.Debug("sync started")

	var errs error
	phases := []struct {
		name string
		run  func(context.Context, *Result) error
	}{
		{"actions", s.drainActions},
		{"studySessions", s.pushStudySessions},
		{"notes", s.pushNotes},
		{"userProgress", s.pushUserProgress},
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		if err := phase.run(ctx, &result); err != nil {
			s.logger.Warn("sync phase aborted", zap.String("phase", phase.name), zap.Error(err))
			errs = multierr.Append(errs, pkgerrors.Wrapf(err, "sync %s", phase.name))
		}
	}

	result.FinishedAt = s.now()
	s.record(ctx, result, errs)
	return result, errs
}

func (s *Syncer) drainActions(ctx context.Context, result *Result) error {
	actions, err := s.store.PendingActions(ctx)
	if err != nil {
		return err
	}
	for _, action := range actions {
		deliverErr := s.client.Deliver(ctx, action.Method, action.TargetEndpoint, action.Payload)
		if deliverErr == nil {
			if err := s.store.RemoveAction(ctx, action.ID); err != nil {
				return err
			}
			result.Delivered++
			s.metrics.Actions.WithLabelValues("delivered").Inc()
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// cancelled mid-flight; the attempt does not count
			return ctxErr
		}
		result.Failures++
		action.Attempts++
		action.LastError = deliverErr.Error()
		if action.Attempts >= s.maxAttempts {
			if err := s.store.RemoveAction(ctx, action.ID); err != nil {
				return err
			}
			result.Dropped++
			s.metrics.Actions.WithLabelValues("dropped").Inc()
			s.logger.Warn("dropping action after max attempts",
				zap.String("actionId", action.ID),
				zap.String("kind", action.Kind),
				zap.String("endpoint", action.TargetEndpoint),
				zap.Int("attempts", action.Attempts),
				zap.Error(deliverErr),
			)
			s.hub.Publish(Event{Type: EventActionDropped, At: s.now(), ActionID: action.ID, Error: action.LastError})
			continue
		}
		if err := s.store.UpdateAction(ctx, action); err != nil {
			return err
		}
		result.Retried++
		s.metrics.Actions.WithLabelValues("retried").Inc()
		s.logger.Info("action delivery failed",
			zap.String("actionId", action.ID),
			zap.Int("attempts", action.Attempts),
			zap.Error(deliverErr),
		)
	}
	return nil
}

func (s *Syncer) pushStudySessions(ctx context.Context, result *Result) error {
	sessions, err := s.store.UnsyncedStudySessions(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := s.push(ctx, StudySessionsEndpoint, newStudySessionRow(session)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			result.Failures++
			s.logger.Info("study session push failed", zap.String("sessionId", session.ID), zap.Error(err))
			continue
		}
		if err := s.store.MarkStudySessionSynced(ctx, session.ID, session.UpdatedAt); err != nil {
			return err
		}
		result.SessionsSynced++
		s.metrics.RecordsSynced.WithLabelValues(offline.CollectionStudySessions).Inc()
	}
	return nil
}

func (s *Syncer) pushNotes(ctx context.Context, result *Result) error {
	notes, err := s.store.UnsyncedNotes(ctx)
	if err != nil {
		return err
	}
	for _, note := range notes {
		if err := s.push(ctx, NotesEndpoint, newNoteRow(note)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			result.Failures++
			s.logger.Info("note push failed", zap.String("noteId", note.ID), zap.Error(err))
			continue
		}
		if err := s.store.MarkNoteSynced(ctx, note.ID, note.UpdatedAt); err != nil {
			return err
		}
		result.NotesSynced++
		s.metrics.RecordsSynced.WithLabelValues(offline.CollectionNotes).Inc()
	}
	return nil
}

func (s *Syncer) pushUserProgress(ctx context.Context, result *Result) error {
	progress, ok, err := s.store.UserProgress(ctx)
	if err != nil {
		return err
	}
	if !ok || progress.Synced {
		return nil
	}
	if err := s.push(ctx, UserProgressEndpoint, newUserProgressRow(progress)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		result.Failures++
		s.logger.Info("user progress push failed", zap.Error(err))
		return nil
	}
	if err := s.store.MarkUserProgressSynced(ctx, progress.UpdatedAt); err != nil {
		return err
	}
	result.ProgressSynced = true
	s.metrics.RecordsSynced.WithLabelValues(offline.CollectionUserProgress).Inc()
	return nil
}

func (s *Syncer) push(ctx context.Context, endpoint string, row any) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.client.Deliver(ctx, http.MethodPost, endpoint, payload)
}

func (s *Syncer) record(ctx context.Context, result Result, errs error) {
	outcome := "ok"
	if errs != nil {
		outcome = "error"
	}
	s.metrics.SyncRuns.WithLabelValues(outcome).Inc()
	s.metrics.SyncDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	if status, err := s.store.SyncStatus(context.WithoutCancel(ctx)); err == nil {
		s.metrics.Pending.Set(float64(status.Total()))
	}

	s.mu.Lock()
	r := result
	s.lastResult = &r
	if errs == nil {
		finished := result.FinishedAt
		s.lastSyncAt = &finished
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Int("delivered", result.Delivered),
		zap.Int("retried", result.Retried),
		zap.Int("dropped", result.Dropped),
		zap.Int("sessions", result.SessionsSynced),
		zap.Int("notes", result.NotesSynced),
		zap.Bool("progress", result.ProgressSynced),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	if errs != nil {
		s.logger.Warn("sync completed with errors", append(fields, zap.Error(errs))...)
	} else {
		s.logger.Info("sync completed", fields...)
	}
	event := Event{Type: EventSyncCompleted, At: result.FinishedAt, Result: &r}
	if errs != nil {
		event.Error = errs.Error()
	}
	s.hub.Publish(event)
}

// LastResult returns the result of the most recent sweep, if any.
func (s *Syncer) LastResult() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult == nil {
		return Result{}, false
	}
	return *s.lastResult, true
}

// LastSyncAt is the finish time of the most recent sweep that had no storage
// errors.
func (s *Syncer) LastSyncAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSyncAt == nil {
		return nil
	}
	t := *s.lastSyncAt
	return &t
}
