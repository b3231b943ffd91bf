package domain

import "time"

// TaskStatus is the lifecycle state of a DeliveryTask.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskFired   TaskStatus = "fired"
	TaskFailed  TaskStatus = "failed"
)

// DeliveryTask is a scheduled send that lives only in process memory.
type DeliveryTask struct {
	ID              string
	ReplyID         string
	CorrespondentID string
	PayloadText     string
	NotBefore       time.Time
	Sequence        int
	Status          TaskStatus
}
