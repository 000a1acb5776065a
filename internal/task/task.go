// Package task stores tasks as Markdown documents with YAML
// front-matter. The files are the source of truth and stay
// human-editable; every mutation is optimistic-versioned so concurrent
// editors fail loudly instead of clobbering each other.
package task

import (
	"time"

	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// SubtaskStatus is the lifecycle marker of one inline subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
)

// ValidSubtaskStatus reports whether s is a known status.
func ValidSubtaskStatus(s SubtaskStatus) bool {
	switch s {
	case SubtaskPending, SubtaskInProgress, SubtaskCompleted:
		return true
	}
	return false
}

// ChecklistItem is one checkbox line under a subtask.
type ChecklistItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Subtask is one entry of a task's "## Subtasks" block.
type Subtask struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Status SubtaskStatus   `json:"status"`
	Items  []ChecklistItem `json:"items,omitempty"`
}

// FrontMatter is the YAML metadata block at the top of a task file.
type FrontMatter struct {
	Version    int              `yaml:"version" json:"version"`
	Archived   bool             `yaml:"archived,omitempty" json:"archived"`
	ArchivedAt *time.Time       `yaml:"archivedAt,omitempty" json:"archivedAt,omitempty"`
	SplitFrom  string           `yaml:"splitFrom,omitempty" json:"splitFrom,omitempty"`
	Merges     []v1.MergeRecord `yaml:"merges,omitempty" json:"merges,omitempty"`
	QAStatus   v1.QAStatus      `yaml:"qaStatus,omitempty" json:"qaStatus,omitempty"`
	AutoRun    bool             `yaml:"autoRun,omitempty" json:"autoRun"`
}

// Task is one parsed Markdown task document.
type Task struct {
	// Path is repo-relative, e.g. "tasks/fix-login.md".
	Path string `json:"path"`

	FrontMatter FrontMatter `json:"frontMatter"`

	// Title is the first H1 of the document.
	Title string `json:"title"`
	// Body is the markdown between the title and the Subtasks block.
	Body string `json:"body,omitempty"`
	// Trailing is the markdown after the Subtasks block, preserved verbatim.
	Trailing string `json:"trailing,omitempty"`

	Subtasks []Subtask `json:"subtasks,omitempty"`
}

// Version is a convenience accessor for the optimistic version counter.
func (t *Task) Version() int {
	return t.FrontMatter.Version
}

// Subtask returns the subtask with the given id, or nil.
func (t *Task) Subtask(id string) *Subtask {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			return &t.Subtasks[i]
		}
	}
	return nil
}
