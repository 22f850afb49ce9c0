package domain

import "strings"

// MutationKind identifies the ledger entry function a mutation targets.
type MutationKind string

const (
	MutationCreateList MutationKind = "create_list"
	MutationCreate     MutationKind = "create_task"
	MutationComplete   MutationKind = "complete_task"
)

// MutationState tracks a mutation from submission to resolution.
type MutationState int

const (
	MutationPending MutationState = iota
	MutationConfirmed
	MutationRolledBack
)

func (s MutationState) String() string {
	switch s {
	case MutationPending:
		return "pending"
	case MutationConfirmed:
		return "confirmed"
	case MutationRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s MutationState) Terminal() bool {
	return s == MutationConfirmed || s == MutationRolledBack
}

// MutationIntent describes a change submitted to the ledger.
type MutationIntent struct {
	Kind    MutationKind `json:"kind"`
	Account string       `json:"account"`
	Content string       `json:"content,omitempty"`
	TaskID  uint64       `json:"taskId,omitempty"`
}

// Validate checks the intent before anything is submitted.
func (m MutationIntent) Validate() error {
	if m.Account == "" {
		return ErrNoAccount
	}
	switch m.Kind {
	case MutationCreateList:
		return nil
	case MutationCreate:
		if strings.TrimSpace(m.Content) == "" {
			return ErrEmptyContent
		}
		return nil
	case MutationComplete:
		if m.TaskID == 0 {
			return ErrUnknownTask
		}
		return nil
	default:
		return ErrUnknownMutation
	}
}
