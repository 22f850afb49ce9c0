package engine

import (
	"slices"

	"ledger-todo/domain"
)

// Mutation tracks one optimistic change from submission to its outcome.
type Mutation struct {
	Intent domain.MutationIntent
	state  domain.MutationState
	// provisional is the predicted id of a created task.
	provisional uint64
}

func (m *Mutation) State() domain.MutationState { return m.state }

// ProvisionalID is the id the view assigned to a pending create.
func (m *Mutation) ProvisionalID() uint64 { return m.provisional }

// View is the local task collection, kept in ascending TaskID order.
// It is not safe for concurrent use; the orchestrator serializes access.
type View struct {
	tasks []domain.Task
}

func NewView() *View {
	return &View{tasks: []domain.Task{}}
}

// Snapshot returns a copy of the current tasks.
func (v *View) Snapshot() []domain.Task {
	return slices.Clone(v.tasks)
}

func (v *View) Len() int { return len(v.tasks) }

func (v *View) Reset() {
	v.tasks = []domain.Task{}
}

func (v *View) index(taskID uint64) int {
	for i := range v.tasks {
		if v.tasks[i].TaskID == taskID {
			return i
		}
	}
	return -1
}

// Replace installs a confirmed fetch result. A task the view already knows
// as completed stays completed while the incoming copy has the same content.
func (v *View) Replace(tasks []domain.Task) {
	next := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		t.Pending = false
		if i := v.index(t.TaskID); i >= 0 {
			prev := v.tasks[i]
			if prev.Completed && !t.Completed && prev.Content == t.Content && prev.Address == t.Address {
				t.Completed = true
			}
		}
		next = append(next, t)
	}
	slices.SortStableFunc(next, func(a, b domain.Task) int {
		switch {
		case a.TaskID < b.TaskID:
			return -1
		case a.TaskID > b.TaskID:
			return 1
		}
		return 0
	})
	v.tasks = next
}

// BeginCreate appends a provisional task with id max(ids)+1.
func (v *View) BeginCreate(account, content string) *Mutation {
	id := domain.MaxTaskID(v.tasks) + 1
	v.tasks = append(v.tasks, domain.Task{
		TaskID:  id,
		Content: content,
		Address: account,
		Pending: true,
	})
	return &Mutation{
		Intent:      domain.MutationIntent{Kind: domain.MutationCreate, Account: account, Content: content},
		state:       domain.MutationPending,
		provisional: id,
	}
}

// BeginComplete records a pending completion. The view itself does not
// change until the completion is confirmed.
func (v *View) BeginComplete(account string, taskID uint64) (*Mutation, error) {
	i := v.index(taskID)
	if taskID == 0 || i < 0 || v.tasks[i].Pending {
		return nil, domain.ErrUnknownTask
	}
	if v.tasks[i].Completed {
		return nil, domain.ErrTaskCompleted
	}
	return &Mutation{
		Intent: domain.MutationIntent{Kind: domain.MutationComplete, Account: account, TaskID: taskID},
		state:  domain.MutationPending,
	}, nil
}

// Confirm settles a pending mutation. Terminal mutations are ignored.
func (v *View) Confirm(m *Mutation) {
	if m == nil || m.state != domain.MutationPending {
		return
	}
	m.state = domain.MutationConfirmed
	switch m.Intent.Kind {
	case domain.MutationCreate:
		if i := v.index(m.provisional); i >= 0 {
			v.tasks[i].Pending = false
		}
	case domain.MutationComplete:
		v.ApplyCompletion(m.Intent.TaskID)
	}
}

// Rollback undoes a pending mutation. Terminal mutations are ignored.
func (v *View) Rollback(m *Mutation) {
	if m == nil || m.state != domain.MutationPending {
		return
	}
	m.state = domain.MutationRolledBack
	if m.Intent.Kind != domain.MutationCreate {
		return
	}
	if i := v.index(m.provisional); i >= 0 && v.tasks[i].Pending {
		v.tasks = slices.Delete(v.tasks, i, i+1)
	}
}

// ApplyCompletion marks a task completed. It reports whether the task exists.
func (v *View) ApplyCompletion(taskID uint64) bool {
	i := v.index(taskID)
	if i < 0 {
		return false
	}
	v.tasks[i].Completed = true
	return true
}
