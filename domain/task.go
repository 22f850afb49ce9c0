package domain

// Task is the client's read-only projection of a ledger task. The wire form
// matches the ledger table value, where task_id is a decimal u64 string.
type Task struct {
	TaskID    uint64 `json:"task_id,string"`
	Content   string `json:"content"`
	Completed bool   `json:"completed"`
	Address   string `json:"address"`
	// Pending marks an optimistic entry that the ledger has not confirmed yet.
	Pending bool `json:"pending,omitempty"`
}

// ListResource is the per-account TodoList singleton.
type ListResource struct {
	Address     string `json:"address"`
	TaskCounter uint64 `json:"taskCounter"`
	TableHandle string `json:"tableHandle"`
}

// Snapshot is what the presentation layer renders.
type Snapshot struct {
	Account string `json:"account"`
	HasList bool   `json:"hasList"`
	Tasks   []Task `json:"tasks"`
	Busy    bool   `json:"busy"`
}

// MaxTaskID returns the highest task id in tasks, or zero.
func MaxTaskID(tasks []Task) uint64 {
	var max uint64
	for _, t := range tasks {
		if t.TaskID > max {
			max = t.TaskID
		}
	}
	return max
}
