// Package taskstore defines the Task Store collaborator: atomic CRUD on task
// records keyed by (owner, task id). Implementations live in persistence
// (local sqlite), httpstore (REST) and pgstore (PostgreSQL).
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when no task matches the id (and owner, where given).
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a concurrent writer changed the row first.
	ErrConflict = errors.New("task write conflict")
	// ErrEmptyPatch is returned when an update names no field to change.
	ErrEmptyPatch = errors.New("update needs at least one of title, description or priority")
)

// FieldError names the input field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + " " + e.Reason }

const (
	MaxTitleChars       = 200
	MaxDescriptionChars = 1000
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes p; empty maps to medium.
func ParsePriority(p string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(p))) {
	case "":
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", &FieldError{Field: "priority", Reason: "must be low, medium or high"}
}

type StatusFilter string

const (
	StatusAll       StatusFilter = "all"
	StatusPending   StatusFilter = "pending"
	StatusCompleted StatusFilter = "completed"
)

func ParseStatusFilter(s string) (StatusFilter, error) {
	switch StatusFilter(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusAll:
		return StatusAll, nil
	case StatusPending:
		return StatusPending, nil
	case StatusCompleted:
		return StatusCompleted, nil
	}
	return "", &FieldError{Field: "status", Reason: "must be all, pending or completed"}
}

type Task struct {
	ID          int64     `json:"id"`
	Owner       string    `json:"owner"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    Priority  `json:"priority"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewTask holds the fields of a task to be created.
type NewTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
}

// Normalize trims and validates the input in place.
func (n *NewTask) Normalize() error {
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)
	if err := checkTitle(n.Title); err != nil {
		return err
	}
	if utf8.RuneCountInString(n.Description) > MaxDescriptionChars {
		return &FieldError{Field: "description", Reason: fmt.Sprintf("must be at most %d characters", MaxDescriptionChars)}
	}
	p, err := ParsePriority(string(n.Priority))
	if err != nil {
		return err
	}
	n.Priority = p
	return nil
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil
}

// Normalize trims and validates the set fields in place.
func (p *Patch) Normalize() error {
	if p.Empty() {
		return ErrEmptyPatch
	}
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		if err := checkTitle(t); err != nil {
			return err
		}
		p.Title = &t
	}
	if p.Description != nil {
		d := strings.TrimSpace(*p.Description)
		if utf8.RuneCountInString(d) > MaxDescriptionChars {
			return &FieldError{Field: "description", Reason: fmt.Sprintf("must be at most %d characters", MaxDescriptionChars)}
		}
		p.Description = &d
	}
	if p.Priority != nil {
		pr, err := ParsePriority(string(*p.Priority))
		if err != nil {
			return err
		}
		p.Priority = &pr
	}
	return nil
}

// Apply returns t with the patch applied.
func (p Patch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	return t
}

func checkTitle(t string) error {
	n := utf8.RuneCountInString(t)
	if n == 0 {
		return &FieldError{Field: "title", Reason: "is required"}
	}
	if n > MaxTitleChars {
		return &FieldError{Field: "title", Reason: fmt.Sprintf("must be at most %d characters", MaxTitleChars)}
	}
	return nil
}

// Summary is the compact per-owner task overview used for context.
type Summary struct {
	Total       int              `json:"total"`
	Completed   int              `json:"completed"`
	Pending     int              `json:"pending"`
	ByPriority  map[Priority]int `json:"by_priority"`
	LastUpdated *time.Time       `json:"last_updated,omitempty"`
}

// Store is the Task Store collaborator. Every mutation is keyed by
// (owner, id) and is atomic in the backing engine.
//
// Create and Update normalize their input, so an omitted priority is stored
// as medium and titles are trimmed; invalid input yields a *FieldError.
type Store interface {
	Create(ctx context.Context, owner string, in NewTask) (Task, error)
	List(ctx context.Context, owner string, status StatusFilter, limit int) ([]Task, error)
	// Lookup fetches a task by id regardless of owner so callers can check
	// ownership before mutating.
	Lookup(ctx context.Context, id int64) (Task, error)
	Update(ctx context.Context, owner string, id int64, patch Patch) (Task, error)
	// SetCompleted toggles completion when completed is nil.
	SetCompleted(ctx context.Context, owner string, id int64, completed *bool) (Task, error)
	Delete(ctx context.Context, owner string, id int64) error
	Summary(ctx context.Context, owner string) (Summary, error)
}

// Summarize builds a Summary from a full task list.
func Summarize(tasks []Task) Summary {
	s := Summary{ByPriority: map[Priority]int{}}
	for _, t := range tasks {
		s.Total++
		if t.Completed {
			s.Completed++
		} else {
			s.Pending++
		}
		s.ByPriority[t.Priority]++
		if s.LastUpdated == nil || t.UpdatedAt.After(*s.LastUpdated) {
			u := t.UpdatedAt
			s.LastUpdated = &u
		}
	}
	return s
}
