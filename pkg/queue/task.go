// Package queue runs training commands one at a time in enqueue order.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) marker() string {
	switch s {
	case StatusQueued:
		return "⏳"
	case StatusRunning:
		return "▶️"
	case StatusCompleted:
		return "✅"
	case StatusFailed:
		return "❌"
	default:
		return "?"
	}
}

// Task is one queued training run
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Command     string     `json:"command"`
	DatasetPath string     `json:"dataset_path"`
	OutputName  string     `json:"output_name"`
	Status      Status     `json:"status"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	ExitCode    int        `json:"exit_code"`
	Message     string     `json:"message,omitempty"`
}

func newTask(command, datasetPath, outputName string) *Task {
	return &Task{
		ID:          uuid.New(),
		Command:     command,
		DatasetPath: datasetPath,
		OutputName:  outputName,
		Status:      StatusQueued,
	}
}

// Elapsed returns the run time so far, or the total once finished
func (t Task) Elapsed(now time.Time) time.Duration {
	if t.StartTime == nil {
		return 0
	}
	if t.EndTime != nil {
		return t.EndTime.Sub(*t.StartTime)
	}
	return now.Sub(*t.StartTime)
}

// DisplayText renders the task as a single status line, e.g.
// "▶️ my-lora - Running (12m)"
func (t Task) DisplayText() string {
	return t.displayText(time.Now())
}

func (t Task) displayText(now time.Time) string {
	text := fmt.Sprintf("%s %s - %s", t.Status.marker(), t.OutputName, t.Status)
	if t.StartTime != nil {
		text += fmt.Sprintf(" (%dm)", int(t.Elapsed(now).Minutes()))
	}
	return text
}

func (t *Task) clone() Task {
	c := *t
	if t.StartTime != nil {
		start := *t.StartTime
		c.StartTime = &start
	}
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	return c
}
