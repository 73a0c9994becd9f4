package syncer

import (
	"time"

	"github.com/agentworkforce/studysync/internal/offline"
)

// Remote table rows use the service's snake_case column names.

type studySessionRow struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	CourseID        string     `json:"course_id,omitempty"`
	Kind            string     `json:"session_type"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Completed       bool       `json:"completed"`
}

func newStudySessionRow(s offline.StudySession) studySessionRow {
	return studySessionRow{
		ID:              s.ID,
		UserID:          s.UserID,
		CourseID:        s.CourseID,
		Kind:            s.Kind,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationMinutes: s.DurationMinutes,
		Completed:       s.Completed,
	}
}

type noteRow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CourseID  string    `json:"course_id,omitempty"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newNoteRow(n offline.Note) noteRow {
	return noteRow{
		ID:        n.ID,
		UserID:    n.UserID,
		CourseID:  n.CourseID,
		Title:     n.Title,
		Content:   n.Content,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

type userProgressRow struct {
	UserID       string    `json:"user_id"`
	XP           int       `json:"xp"`
	Level        int       `json:"level"`
	Coins        int       `json:"coins"`
	StreakDays   int       `json:"streak_days"`
	PetHappiness int       `json:"pet_happiness"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newUserProgressRow(p offline.UserProgress) userProgressRow {
	return userProgressRow{
		UserID:       p.UserID,
		XP:           p.XP,
		Level:        p.Level,
		Coins:        p.Coins,
		StreakDays:   p.StreakDays,
		PetHappiness: p.PetHappiness,
		UpdatedAt:    p.UpdatedAt,
	}
}
