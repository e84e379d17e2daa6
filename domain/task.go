package domain

import "time"

// Task represents a single card on the board.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Column      string    `json:"column"`
	Order       float64   `json:"order"`
	Priority    string    `json:"priority,omitempty"`
	Assignees   []string  `json:"assignees,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Clone returns a deep copy of the task so callers never share slices.
func (t Task) Clone() Task {
	if t.Assignees != nil {
		t.Assignees = append([]string(nil), t.Assignees...)
	}
	if t.Labels != nil {
		t.Labels = append([]string(nil), t.Labels...)
	}
	return t
}

// Column is a board lane hosting zero or more tasks.
type Column struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Order float64 `json:"order"`
}

// User identifies a person acting on the board.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// DisplayName falls back to the id when no name is known.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// Project groups the columns and members of one board.
type Project struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
	Members     []User   `json:"members,omitempty"`
	Version     int64    `json:"version"`
}

// Clone returns a deep copy of the project.
func (p Project) Clone() Project {
	if p.Columns != nil {
		p.Columns = append([]Column(nil), p.Columns...)
	}
	if p.Members != nil {
		p.Members = append([]User(nil), p.Members...)
	}
	return p
}

// Board is a full snapshot of one project as returned by the mutation API.
type Board struct {
	Project Project `json:"project"`
	Tasks   []Task  `json:"tasks"`
}

// TaskDraft carries the fields of a task that does not exist yet.
type TaskDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Column      string   `json:"column"`
	Order       float64  `json:"order"`
	Priority    string   `json:"priority,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// TaskPatch lists the task fields to change. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	Assignees   *[]string `json:"assignees,omitempty"`
	Labels      *[]string `json:"labels,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Assignees == nil && p.Labels == nil
}

// ApplyTo returns a copy of t with the patch applied.
func (p TaskPatch) ApplyTo(t Task) Task {
	t = t.Clone()
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Assignees != nil {
		t.Assignees = append([]string(nil), (*p.Assignees)...)
	}
	if p.Labels != nil {
		t.Labels = append([]string(nil), (*p.Labels)...)
	}
	return t
}

// ProjectPatch lists the project fields to change.
type ProjectPatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Columns     *[]Column `json:"columns,omitempty"`
}

// ApplyTo returns a copy of p with the patch applied.
func (pp ProjectPatch) ApplyTo(p Project) Project {
	p = p.Clone()
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.Description != nil {
		p.Description = *pp.Description
	}
	if pp.Columns != nil {
		p.Columns = append([]Column(nil), (*pp.Columns)...)
	}
	return p
}
