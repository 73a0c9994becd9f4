package offline

import (
	"encoding/json"
	"time"
)

const (
	CollectionActions         = "actions"
	CollectionCachedResponses = "cachedResponses"
	CollectionStudySessions   = "studySessions"
	CollectionNotes           = "notes"
	CollectionUserProgress    = "userProgress"

	userProgressKey = "current"
)

// AllCollections lists every collection owned by the offline store.
var AllCollections = []string{
	CollectionActions,
	CollectionCachedResponses,
	CollectionStudySessions,
	CollectionNotes,
	CollectionUserProgress,
}

// Action is a UI mutation captured while the remote service was unreachable
// (or deliberately deferred). It lives in the actions collection until it is
// acknowledged or exhausts its attempts.
type Action struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	TargetEndpoint string          `json:"targetEndpoint"`
	Method         string          `json:"method,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
}

type CachedResponse struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

type StudySession struct {
	ID              string     `json:"id" validate:"required"`
	UserID          string     `json:"userId" validate:"required"`
	CourseID        string     `json:"courseId,omitempty"`
	Kind            string     `json:"kind" validate:"required,oneof=pomodoro focus break"`
	StartedAt       time.Time  `json:"startedAt" validate:"required"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationMinutes int        `json:"durationMinutes" validate:"gte=0"`
	Completed       bool       `json:"completed"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Synced          bool       `json:"synced"`
}

type Note struct {
	ID        string    `json:"id" validate:"required"`
	UserID    string    `json:"userId" validate:"required"`
	CourseID  string    `json:"courseId,omitempty"`
	Title     string    `json:"title" validate:"required,max=200"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Synced    bool      `json:"synced"`
}

type UserProgress struct {
	UserID       string    `json:"userId" validate:"required"`
	XP           int       `json:"xp" validate:"gte=0"`
	Level        int       `json:"level" validate:"gte=1"`
	Coins        int       `json:"coins" validate:"gte=0"`
	StreakDays   int       `json:"streakDays" validate:"gte=0"`
	PetHappiness int       `json:"petHappiness" validate:"gte=0,lte=100"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Synced       bool      `json:"synced"`
}

// SyncStatus reports how much local state still has to reach the remote
// service.
type SyncStatus struct {
	PendingActions   int        `json:"pendingActions"`
	UnsyncedSessions int        `json:"unsyncedSessions"`
	UnsyncedNotes    int        `json:"unsyncedNotes"`
	ProgressUnsynced bool       `json:"progressUnsynced"`
	Online           bool       `json:"online"`
	LastSyncAt       *time.Time `json:"lastSyncAt,omitempty"`
}

// Total is the number of items a sync sweep would still try to push.
func (s SyncStatus) Total() int {
	total := s.PendingActions + s.UnsyncedSessions + s.UnsyncedNotes
	if s.ProgressUnsynced {
		total++
	}
	return total
}
