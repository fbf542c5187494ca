package core

import "fmt"

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusCreated:   {TaskStatusRunning, TaskStatusStopped, TaskStatusCancelled},
	TaskStatusRunning:   {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusRetrying},
	TaskStatusPaused:    {TaskStatusRunning, TaskStatusStopped},
	TaskStatusRetrying:  {TaskStatusRunning, TaskStatusStopped, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusCompleted: nil,
	TaskStatusFailed:    nil,
	TaskStatusStopped:   nil,
	TaskStatusCancelled: nil,
}

// TransitionError is returned when a status change is not an edge of the task state machine.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal status transition %s -> %s", e.TaskID, e.From, e.To)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *TransitionError unless from -> to is allowed.
func ValidateTransition(taskID string, from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{TaskID: taskID, From: from, To: to}
	}
	return nil
}
