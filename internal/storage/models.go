package storage

import (
	"errors"
	"time"

	"github.com/kalambet/cadence/internal/cadence"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateActiveSequence is returned when a contact already has an active sequence.
var ErrDuplicateActiveSequence = errors.New("contact already has an active sequence")

// ErrNotClaimable is returned when a touch is not pending or its sequence is not active.
var ErrNotClaimable = errors.New("touch is not claimable")

// ErrClaimLost is returned when finalizing a touch whose claim was released or taken over.
var ErrClaimLost = errors.New("touch claim lost")

type SequenceStatus string

const (
	SequenceActive    SequenceStatus = "active"
	SequenceCompleted SequenceStatus = "completed"
	SequenceStopped   SequenceStatus = "stopped"
)

type TouchStatus string

const (
	TouchPending    TouchStatus = "pending"
	TouchInProgress TouchStatus = "in_progress"
	TouchSent       TouchStatus = "sent"
	TouchReady      TouchStatus = "ready"
	TouchNotified   TouchStatus = "notified"
	TouchFailed     TouchStatus = "failed"
)

// Terminal reports whether s is a final touch status.
func (s TouchStatus) Terminal() bool {
	switch s {
	case TouchSent, TouchReady, TouchNotified, TouchFailed:
		return true
	}
	return false
}

type Sequence struct {
	ID           string         `json:"id"`
	ContactID    int64          `json:"contact_id"`
	CadenceName  string         `json:"cadence_name"`
	Status       SequenceStatus `json:"status"`
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	StartedAt    time.Time      `json:"started_at"`
	LastActionAt *time.Time     `json:"last_action_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	StopReason   string         `json:"stop_reason,omitempty"`
}

type Touch struct {
	ID               string            `json:"id"`
	SequenceID       string            `json:"sequence_id"`
	ContactID        int64             `json:"contact_id"` // joined from the owning sequence
	TouchNumber      int               `json:"touch_number"`
	Type             cadence.TouchType `json:"touch_type"`
	VariantNumber    int               `json:"variant_number"`
	VariantUsed      int               `json:"variant_used,omitempty"` // 0 until executed
	ScheduledFor     time.Time         `json:"scheduled_for"`
	ExecutedAt       *time.Time        `json:"executed_at,omitempty"`
	Status           TouchStatus       `json:"status"`
	ResponseReceived bool              `json:"response_received"`
	ClaimToken       string            `json:"-"`
	ClaimedAt        *time.Time        `json:"-"`
	LastError        string            `json:"last_error,omitempty"`
}

// SequenceProgress is an active sequence with its touch counts.
type SequenceProgress struct {
	Sequence
	ExecutedTouches int        `json:"executed_touches"`
	PendingTouches  int        `json:"pending_touches"`
	NextTouchAt     *time.Time `json:"next_touch_at,omitempty"`
}

// Summary is the outreach dashboard overview.
type Summary struct {
	ActiveSequences    int `json:"active_sequences"`
	CompletedSequences int `json:"completed_sequences"`
	StoppedSequences   int `json:"stopped_sequences"`
	PendingTouches     int `json:"pending_touches"`
	DueTouches         int `json:"due_touches"`
	ScheduledToday     int `json:"scheduled_today"`
	ExecutedTouches    int `json:"executed_touches"`
	FailedTouches      int `json:"failed_touches"`
	TotalActivities    int `json:"total_activities"`
}

type Activity struct {
	ID          int64     `json:"id"`
	ContactID   int64     `json:"contact_id"`
	Type        string    `json:"activity_type"`
	VariantUsed int       `json:"variant_used,omitempty"` // 0 means none
	Channel     string    `json:"channel,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	Metadata    string    `json:"metadata,omitempty"` // JSON object stored as text
	CreatedAt   time.Time `json:"created_at"`
}

// ActivityCount is the number of activities sharing one type, channel, or status.
type ActivityCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// SegmentKey identifies one variant performance record.
type SegmentKey struct {
	VariantType   string `json:"variant_type"`
	VariantNumber int    `json:"variant_number"`
	Tier          string `json:"contact_tier"`
	ScoreRange    string `json:"score_range"`
}

// Counters holds outcome counts for a segment.
type Counters struct {
	Sent     int `json:"sent_count"`
	Opened   int `json:"opened_count"`
	Replied  int `json:"replied_count"`
	Meetings int `json:"meeting_count"`
}

type PerformanceRecord struct {
	ID int64 `json:"id"`
	SegmentKey
	Counters
	Score       float64   `json:"performance_score"`
	LastUpdated time.Time `json:"last_updated"`
}

type InsightStatus string

const (
	InsightActive  InsightStatus = "active"
	InsightRetired InsightStatus = "retired"
)

type Insight struct {
	ID             int64         `json:"id"`
	Type           string        `json:"insight_type"`
	SegmentKey     string        `json:"segment_key"`
	SubjectVariant int           `json:"subject_variant"`
	Text           string        `json:"insight_text"`
	Confidence     float64       `json:"confidence"`
	EvidenceCount  int           `json:"evidence_count"`
	Status         InsightStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	RetiredAt      *time.Time    `json:"retired_at,omitempty"`
}

// Contact is the subset of an upstream contact record the engine reads.
type Contact struct {
	ID        int64   `json:"id"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Company   string  `json:"company"`
	Tier      string  `json:"tier"`
	Score     float64 `json:"score"`
}

// Content is one authored message variant for a contact.
type Content struct {
	ContactID int64             `json:"contact_id"`
	Type      cadence.TouchType `json:"content_type"`
	Variant   int               `json:"variant_number"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
}
