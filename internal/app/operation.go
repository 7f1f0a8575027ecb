package app

import "time"

// Operation tracks the CLI command a ChatApp was opened for. Its ID tags
// every log line written during the command.
type Operation struct {
	ID        string
	Name      string
	StartedAt time.Time
	Status    string // "success" or "error"
}

// NewOperation creates an operation started at now. The ID is the start time
// in compact UTC form.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:        now.UTC().Format("20060102T150405Z"),
		Name:      name,
		StartedAt: now,
		Status:    "success",
	}
}

// Record marks the operation failed if err is non-nil and returns err.
func (op *Operation) Record(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}

// Failed returns true if any recorded step of this operation failed.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}
