package models

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// ParseStatus accepts the canonical values plus a few spellings users type.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "todo", "to_do", "to do", "pending":
		return StatusTodo, true
	case "in_progress", "in progress", "in-progress", "doing":
		return StatusInProgress, true
	case "done", "complete", "completed":
		return StatusDone, true
	}
	return "", false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, true
	case "medium", "normal":
		return PriorityMedium, true
	case "high", "urgent":
		return PriorityHigh, true
	}
	return "", false
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ParseDate reads a due date in any of the accepted layouts, as UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), true
		}
	}
	return time.Time{}, false
}

// Task is a stored work item. TaskNumber is the user-facing identifier.
type Task struct {
	ID          int64      `json:"id"`
	TaskNumber  int64      `json:"task_number"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Summary renders the one-line form used in tool listings.
func (t *Task) Summary() string {
	line := fmt.Sprintf("[Task %d] %s | Status: %s | Priority: %s", t.TaskNumber, t.Title, t.Status, t.Priority)
	if t.DueDate != nil {
		line += ", Due: " + t.DueDate.Format("2006-01-02")
	}
	return line
}

// NewTask holds the fields for creating a task.
type NewTask struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

// TaskPatch holds optional field updates. Nil means unchanged.
type TaskPatch struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Status      *Status    `json:"status"`
	Priority    *Priority  `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Priority == nil && p.DueDate == nil
}

// TaskRef locates a task either by number or by a case-insensitive title fragment.
// Number wins when both are set.
type TaskRef struct {
	Number     int64
	TitleMatch string
}

func (r TaskRef) IsZero() bool {
	return r.Number == 0 && strings.TrimSpace(r.TitleMatch) == ""
}

// TaskFilter restricts listings; empty fields match everything.
type TaskFilter struct {
	Status   Status
	Priority Priority
}
