// Package notify owns the ephemeral toast queue shown to the user: capped,
// self-expiring alerts built from local actions and remote board events.
package notify

import "time"

// Category selects the styling, tone and default lifetime of a toast.
type Category string

const (
	CategoryInfo      Category = "info"
	CategorySuccess   Category = "success"
	CategoryWarning   Category = "warning"
	CategoryError     Category = "error"
	CategoryTask      Category = "task"
	CategoryLoading   Category = "loading"
	CategoryMilestone Category = "milestone"
	CategoryUpload    Category = "upload"
	CategoryMention   Category = "mention"
	CategoryComment   Category = "comment"
)

var defaultDurations = map[Category]time.Duration{
	CategoryInfo:      4 * time.Second,
	CategorySuccess:   3 * time.Second,
	CategoryWarning:   5 * time.Second,
	CategoryError:     6 * time.Second,
	CategoryTask:      4 * time.Second,
	CategoryMilestone: 6 * time.Second,
	CategoryUpload:    4 * time.Second,
	CategoryMention:   4 * time.Second,
	CategoryComment:   4 * time.Second,
}

const fallbackDuration = 4 * time.Second

var titles = map[Category]string{
	CategoryInfo:      "Info",
	CategorySuccess:   "Success",
	CategoryWarning:   "Warning",
	CategoryError:     "Error",
	CategoryTask:      "Task Update",
	CategoryLoading:   "Working",
	CategoryMilestone: "Milestone",
	CategoryUpload:    "Upload",
	CategoryMention:   "Mention",
	CategoryComment:   "New Comment",
}

// TitleFor returns the desktop notification title for a category.
func TitleFor(c Category) string {
	if t, ok := titles[c]; ok {
		return t
	}
	return "Notification"
}

// Action is an optional button rendered on a toast.
type Action struct {
	Label string `json:"label"`
	Run   func() `json:"-"`
}

// Options describe a toast to add. Only Message is required.
type Options struct {
	Title      string
	Message    string
	Category   Category
	Duration   time.Duration
	Persistent bool
	DedupeKey  string
	Action     *Action
	Avatar     string
	Icon       string
	// Progress in [0,1] is rendered when ShowProgress is set.
	ShowProgress bool
	Progress     float64
}

// Toast is one entry of the queue.
type Toast struct {
	ID           string        `json:"id"`
	Title        string        `json:"title,omitempty"`
	Message      string        `json:"message"`
	Category     Category      `json:"category"`
	CreatedAt    time.Time     `json:"createdAt"`
	Duration     time.Duration `json:"duration"`
	Persistent   bool          `json:"persistent"`
	DedupeKey    string        `json:"dedupeKey,omitempty"`
	Action       *Action       `json:"action,omitempty"`
	Avatar       string        `json:"avatar,omitempty"`
	Icon         string        `json:"icon,omitempty"`
	ShowProgress bool          `json:"showProgress,omitempty"`
	Progress     float64       `json:"progress,omitempty"`
}

// ExpiresAt is the zero time for persistent toasts.
func (t Toast) ExpiresAt() time.Time {
	if t.Persistent {
		return time.Time{}
	}
	return t.CreatedAt.Add(t.Duration)
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
